package capturekit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/capturekit/pkg/capturekit/delivery"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
)

func TestHandleUnload(t *testing.T) {
	tests := []struct {
		name           string
		batching       bool
		pageview       bool
		captureMetrics bool
		wantEvents     []string
		wantBeacon     bool
		wantUnloads    int
	}{
		{
			name:        "batching captures pageleave and unloads",
			batching:    true,
			pageview:    true,
			wantEvents:  []string{event.Pageleave},
			wantUnloads: 1,
		},
		{
			name:        "batching without pageview still unloads",
			batching:    true,
			wantEvents:  []string{},
			wantUnloads: 1,
		},
		{
			name:           "batching reports capture metrics",
			batching:       true,
			pageview:       true,
			captureMetrics: true,
			wantEvents:     []string{event.Pageleave, event.CaptureMetrics},
			wantUnloads:    1,
		},
		{
			name:       "without batching pageleave uses the beacon",
			pageview:   true,
			wantEvents: []string{event.Pageleave},
			wantBeacon: true,
		},
		{
			name:       "without batching or pageview nothing happens",
			wantEvents: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.RequestBatching = tt.batching
			cfg.CaptureMetrics = tt.captureMetrics
			h := newHarness(t, cfg)
			// Enabled after load so New does not capture a $pageview.
			h.client.cfg.CapturePageview = tt.pageview

			h.client.HandleUnload()

			assert.Equal(t, tt.wantEvents, h.gateway.events())
			assert.Equal(t, tt.wantUnloads, h.gateway.unloads)
			if len(tt.wantEvents) > 0 {
				first := h.gateway.sent[0]
				assert.Equal(t, tt.wantBeacon, first.opts.Transport == delivery.TransportBeacon)
			}
		})
	}
}

func TestHandleUnload_CaptureMetricsPayload(t *testing.T) {
	cfg := testConfig()
	cfg.CaptureMetrics = true
	h := newHarness(t, cfg)
	h.client.Capture("$event", nil)
	h.client.Identify("user-1", nil, nil)

	h.client.HandleUnload()

	env := h.gateway.last().env
	require.Equal(t, event.CaptureMetrics, env.Event)
	assert.Equal(t, int64(2), env.Properties["phjs-capture"])
	assert.Equal(t, int64(1), env.Properties["phjs-calls-to-identify"])
}
