package main

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/capturekit/pkg/capturekit"
	"github.com/randalmurphal/capturekit/pkg/capturekit/delivery"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
)

type recordingGateway struct {
	mu     sync.Mutex
	events []*event.Envelope
}

func (g *recordingGateway) Capture(env *event.Envelope, _ delivery.Options) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, env)
}

func (g *recordingGateway) Unload()      {}
func (g *recordingGateway) Close() error { return nil }

func (g *recordingGateway) names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, len(g.events))
	for i, e := range g.events {
		names[i] = e.Event
	}
	return names
}

type idleFlags struct{}

func (idleFlags) ReloadFeatureFlags()     {}
func (idleFlags) SetReloadingPaused(bool) {}
func (idleFlags) ResetRequestQueue()      {}
func (idleFlags) Decide()                 {}
func (idleFlags) Close() error            { return nil }

func newReplayClient(t *testing.T) (*capturekit.Client, *recordingGateway) {
	t.Helper()
	cfg := capturekit.DefaultConfig("replaytoken")
	cfg.CapturePageview = false
	cfg.AdvancedDisableDecide = true

	gw := &recordingGateway{}
	client, err := capturekit.New(cfg,
		capturekit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		capturekit.WithGateway(gw),
		capturekit.WithFeatureFlags(idleFlags{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, gw
}

func TestReplay(t *testing.T) {
	client, gw := newReplayClient(t)

	input := `
# signup flow
{"op":"register","properties":{"plan":"free"}}
{"op":"capture","event":"signup_started","properties":{"step":1}}
{"op":"identify","distinct_id":"user-42","$set":{"email":"a@example.com"}}
{"op":"group","group_type":"company","group_key":"acme"}
{"op":"capture","event":"signup_finished"}
{"op":"teleport"}
`
	stats, err := replay(client, strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, 6, stats.Calls)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 3, stats.Captured)
	assert.Equal(t, []string{"signup_started", "$identify", "signup_finished"}, gw.names())

	last := gw.events[2]
	assert.Equal(t, "user-42", last.Properties["distinct_id"])
	assert.Equal(t, "free", last.Properties["plan"])
	assert.Equal(t, map[string]any{"company": "acme"}, last.Properties["$groups"])
	assert.Equal(t, "user-42", client.DistinctID())
}

func TestReplay_MalformedLine(t *testing.T) {
	client, gw := newReplayClient(t)

	input := "{\"op\":\"capture\",\"event\":\"first\"}\n{not json\n{\"op\":\"capture\",\"event\":\"never\"}\n"
	stats, err := replay(client, strings.NewReader(input))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, 1, stats.Calls)
	assert.Equal(t, []string{"first"}, gw.names())
}

func TestParseProps(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    event.Properties
		wantErr bool
	}{
		{
			name:  "typed values",
			pairs: []string{"plan=pro", "seats=3", "ratio=0.5", "trial=false"},
			want:  event.Properties{"plan": "pro", "seats": int64(3), "ratio": 0.5, "trial": false},
		},
		{
			name:  "value may contain equals",
			pairs: []string{"query=a=b"},
			want:  event.Properties{"query": "a=b"},
		},
		{
			name:    "missing separator",
			pairs:   []string{"plan"},
			wantErr: true,
		},
		{
			name:    "empty key",
			pairs:   []string{"=x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProps(tt.pairs)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigCmd(t *testing.T) {
	t.Setenv("CAPTURE_CONFIG", "")
	t.Setenv("CAPTURE_TOKEN", "")
	t.Setenv("CAPTURE_HOST", "")

	out, err := execute(t, "config", "--token", "phc_abcdefghijkl", "--host", "https://ingest.example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "token: phc_abcd...")
	assert.Contains(t, out, "api_host: https://ingest.example.com")
	assert.Contains(t, out, "properties_string_max_length: 50000")
	assert.NotContains(t, out, "phc_abcdefghijkl")
}

func TestConfigCmd_MissingToken(t *testing.T) {
	t.Setenv("CAPTURE_CONFIG", "")
	t.Setenv("CAPTURE_TOKEN", "")

	_, err := execute(t, "config")
	require.Error(t, err)
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"replay", "capture", "config"})

	var replayCmd *cobra.Command
	for _, c := range root.Commands() {
		if c.Name() == "replay" {
			replayCmd = c
		}
	}
	require.NotNil(t, replayCmd)
	assert.NotNil(t, replayCmd.Flags().Lookup("unload"))
}
