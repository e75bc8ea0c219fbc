package delivery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	ckerrors "github.com/randalmurphal/capturekit/pkg/capturekit/errors"
)

// RetryQueueConfig configures a RetryQueue.
type RetryQueueConfig struct {
	// Retry sets the backoff schedule and attempt limit.
	// Default: errors.DeliveryPolicy
	Retry ckerrors.Policy

	// PollInterval is how often due requests are looked for.
	// Default: 3s
	PollInterval time.Duration

	// MaxSize limits queued requests; new ones are dropped when full.
	// Default: 1000
	MaxSize int

	// RateLimit paces resends in requests per second.
	// Default: 10
	RateLimit rate.Limit

	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultRetryQueueConfig provides reasonable defaults.
var DefaultRetryQueueConfig = RetryQueueConfig{
	Retry:        ckerrors.DeliveryPolicy,
	PollInterval: 3 * time.Second,
	MaxSize:      1000,
	RateLimit:    10,
}

// RetryQueue holds failed requests until their backoff expires.
type RetryQueue struct {
	cfg     RetryQueueConfig
	limiter *rate.Limiter
	send    func(context.Context, *Request)

	mu      sync.Mutex
	pending []*Request

	started   atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

// NewRetryQueue creates a queue that resends due requests through send.
func NewRetryQueue(cfg RetryQueueConfig, send func(context.Context, *Request)) *RetryQueue {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryQueueConfig.Retry
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRetryQueueConfig.PollInterval
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultRetryQueueConfig.MaxSize
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRetryQueueConfig.RateLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RetryQueue{
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)+1),
		send:    send,
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue schedules req for another attempt after it failed with err. It
// returns false when err is not retryable, req has used up its attempts,
// or the queue is full.
func (q *RetryQueue) Enqueue(req *Request, err error) bool {
	wait, ok := q.cfg.Retry.Next(req.Attempts, err)
	if !ok {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.cfg.MaxSize {
		return false
	}
	req.RetryAt = q.cfg.Now().Add(wait)
	q.pending = append(q.pending, req)
	return true
}

// Len returns the number of queued requests.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start runs the poll loop until Close.
func (q *RetryQueue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	go q.poll()
}

func (q *RetryQueue) poll() {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-q.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			q.Retry(ctx)
		case <-q.closeCh:
			return
		}
	}
}

// Retry resends every request whose backoff has expired, paced by the rate limiter.
func (q *RetryQueue) Retry(ctx context.Context) int {
	due := q.takeDue(q.cfg.Now())
	for i, req := range due {
		if err := q.limiter.Wait(ctx); err != nil {
			// Put back what we could not send.
			q.mu.Lock()
			q.pending = append(q.pending, due[i:]...)
			q.mu.Unlock()
			return i
		}
		q.send(ctx, req)
	}
	return len(due)
}

func (q *RetryQueue) takeDue(now time.Time) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due, rest []*Request
	for _, req := range q.pending {
		if req.RetryAt.After(now) {
			rest = append(rest, req)
		} else {
			due = append(due, req)
		}
	}
	q.pending = rest
	sort.SliceStable(due, func(i, j int) bool { return due[i].RetryAt.Before(due[j].RetryAt) })
	return due
}

// Unload sends everything still queued with the beacon transport,
// regardless of backoff.
func (q *RetryQueue) Unload(ctx context.Context) int {
	q.mu.Lock()
	reqs := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, req := range reqs {
		req.Transport = TransportBeacon
		q.send(ctx, req)
	}
	return len(reqs)
}

// Close stops the poll loop. Queued requests are kept for Unload.
func (q *RetryQueue) Close() {
	q.closeOnce.Do(func() { close(q.closeCh) })
	if q.started.Load() {
		<-q.done
	}
}
