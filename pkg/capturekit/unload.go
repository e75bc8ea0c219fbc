package capturekit

import (
	"github.com/randalmurphal/capturekit/pkg/capturekit/delivery"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
)

// HandleUnload is called when the host is about to go away.
//
// Without batching only $pageleave is left to send, and it goes out on the
// beacon transport. With batching, $pageleave and $capture_metrics join
// the queue, and then every queued and retrying request is sent with the
// beacon transport.
func (c *Client) HandleUnload() {
	if !c.cfg.RequestBatching {
		if c.cfg.CapturePageview {
			c.Capture(event.Pageleave, nil, WithTransportHint(delivery.TransportBeacon))
		}
		return
	}

	if c.cfg.CapturePageview {
		c.Capture(event.Pageleave, nil)
	}
	if c.counters.Enabled() {
		c.Capture(event.CaptureMetrics, c.counters.Snapshot())
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.gateway.Unload()
	}
}
