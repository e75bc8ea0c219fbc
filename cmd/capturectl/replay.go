package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/capturekit/pkg/capturekit"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
)

// call is one recorded client call, one per line of a replay file.
type call struct {
	Op         string           `json:"op"`
	Event      string           `json:"event,omitempty"`
	Properties event.Properties `json:"properties,omitempty"`
	DistinctID string           `json:"distinct_id,omitempty"`
	Set        event.Properties `json:"$set,omitempty"`
	SetOnce    event.Properties `json:"$set_once,omitempty"`
	GroupType  string           `json:"group_type,omitempty"`
	GroupKey   string           `json:"group_key,omitempty"`
	Key        string           `json:"key,omitempty"`
}

// replayStats counts what a replay did.
type replayStats struct {
	Calls    int
	Captured int
	Skipped  int
}

func newReplayCmd(flags *globalFlags) *cobra.Command {
	var unload bool

	cmd := &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Replay recorded client calls from a JSON Lines file ('-' for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			s, err := flags.open()
			if err != nil {
				return err
			}
			stats, replayErr := replay(s.client, in)
			if unload {
				s.client.HandleUnload()
			}
			closeErr := s.close()

			fmt.Fprintf(cmd.OutOrStdout(), "calls=%d captured=%d skipped=%d\n", stats.Calls, stats.Captured, stats.Skipped)
			if replayErr != nil {
				return replayErr
			}
			return closeErr
		},
	}
	cmd.Flags().BoolVar(&unload, "unload", false, "run the unload sequence after the last call")
	return cmd
}

// replay applies every call read from r to client. Blank lines and lines
// starting with # are ignored. A malformed line stops the replay.
func replay(client *capturekit.Client, r io.Reader) (replayStats, error) {
	var stats replayStats
	client.AddCaptureHook(func(string) { stats.Captured++ })

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var c call
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return stats, fmt.Errorf("line %d: %w", line, err)
		}
		stats.Calls++
		if !apply(client, c) {
			stats.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read replay: %w", err)
	}
	return stats, nil
}

// apply runs one call and reports whether the op was recognised.
func apply(client *capturekit.Client, c call) bool {
	switch c.Op {
	case "capture":
		client.Capture(c.Event, c.Properties)
	case "identify":
		client.Identify(c.DistinctID, c.Set, c.SetOnce)
	case "group":
		client.Group(c.GroupType, c.GroupKey, c.Properties)
	case "register":
		client.Register(c.Properties)
	case "unregister":
		client.Unregister(c.Key)
	case "time_event":
		client.TimeEvent(c.Event)
	case "reset_groups":
		client.ResetGroups()
	case "reset_session":
		client.ResetSessionID()
	case "reset":
		client.Reset(false)
	default:
		return false
	}
	return true
}
