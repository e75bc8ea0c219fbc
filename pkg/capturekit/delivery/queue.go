package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
)

// DefaultFlushInterval is how often the RequestQueue sends its batches.
const DefaultFlushInterval = 3 * time.Second

// RequestQueue batches envelopes per endpoint (or per batch key) and
// flushes them on a fixed interval.
type RequestQueue struct {
	interval time.Duration
	send     func(context.Context, *Request)

	mu      sync.Mutex
	batches map[string]*Request
	order   []string

	started   atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

// NewRequestQueue creates a queue that hands each flushed batch to send.
func NewRequestQueue(interval time.Duration, send func(context.Context, *Request)) *RequestQueue {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &RequestQueue{
		interval: interval,
		send:     send,
		batches:  make(map[string]*Request),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue adds env to the batch for batchKey, or for endpoint when
// batchKey is empty.
func (q *RequestQueue) Enqueue(endpoint string, env *event.Envelope, batchKey string) {
	key := batchKey
	if key == "" {
		key = endpoint
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.batches[key]
	if !ok {
		req = &Request{Endpoint: endpoint, Batch: true}
		q.batches[key] = req
		q.order = append(q.order, key)
	}
	req.Events = append(req.Events, env)
}

// Len returns the number of queued envelopes.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, req := range q.batches {
		n += len(req.Events)
	}
	return n
}

// Start runs the flush loop until Close.
func (q *RequestQueue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	go q.poll()
}

func (q *RequestQueue) poll() {
	defer close(q.done)
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Flush(context.Background())
		case <-q.closeCh:
			return
		}
	}
}

// Flush sends every pending batch now.
func (q *RequestQueue) Flush(ctx context.Context) {
	for _, req := range q.drain() {
		q.send(ctx, req)
	}
}

// Unload sends every pending batch with the beacon transport.
func (q *RequestQueue) Unload(ctx context.Context) int {
	reqs := q.drain()
	for _, req := range reqs {
		req.Transport = TransportBeacon
		q.send(ctx, req)
	}
	return len(reqs)
}

func (q *RequestQueue) drain() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	reqs := make([]*Request, 0, len(q.order))
	for _, key := range q.order {
		reqs = append(reqs, q.batches[key])
	}
	q.batches = make(map[string]*Request)
	q.order = nil
	return reqs
}

// Close stops the flush loop. Pending batches stay queued.
func (q *RequestQueue) Close() {
	q.closeOnce.Do(func() { close(q.closeCh) })
	if q.started.Load() {
		<-q.done
	}
}
