// Package delivery moves finished envelopes to the ingestion API.
//
// The Gateway is the single entry point. It either hands an envelope to the
// RequestQueue, which batches per endpoint and flushes on a poll interval,
// or sends it at once. Sends that fail with a transient error go to the
// RetryQueue. On unload both queues are drained with the beacon transport.
package delivery

import (
	"time"

	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
)

// Default endpoints on the ingestion host.
const (
	EndpointEvents = "/e/"
	EndpointDecide = "/decide/"
)

// TransportHint selects how a request leaves the process.
type TransportHint string

const (
	// TransportXHR is an ordinary asynchronous request.
	TransportXHR TransportHint = "xhr"

	// TransportBeacon is a synchronous best-effort request used while
	// shutting down. Its outcome is not retried.
	TransportBeacon TransportHint = "sendbeacon"
)

// Response is passed to a request callback.
type Response struct {
	StatusCode int
	Err        error
}

// Options are the per-capture delivery settings.
type Options struct {
	// Transport overrides the default transport.
	Transport TransportHint

	// SendInstantly bypasses the batching queue.
	SendInstantly bool

	// BatchKey groups the envelope into its own batch.
	BatchKey string

	// Endpoint overrides EndpointEvents.
	Endpoint string

	// Callback runs once the request completes.
	Callback func(Response)
}

// unique reports whether the options ask for per-request treatment.
func (o Options) unique() bool {
	return o.Transport != "" || o.Callback != nil || o.Endpoint != ""
}

// Request is one HTTP call carrying one or more envelopes.
type Request struct {
	Endpoint  string
	Events    []*event.Envelope
	Batch     bool
	Transport TransportHint
	Callback  func(Response)

	// Attempts counts sends already made.
	Attempts int

	// RetryAt is when the RetryQueue may send it again.
	RetryAt time.Time
}

// payload is what gets encoded: an object for a single event and an
// array for a batch.
func (r *Request) payload() any {
	if !r.Batch && len(r.Events) == 1 {
		return r.Events[0]
	}
	return r.Events
}
