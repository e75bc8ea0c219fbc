package decide

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/observability"
	"github.com/randalmurphal/capturekit/pkg/capturekit/persistence"
)

// DefaultDebounce is the delay between a reload request and the fetch.
const DefaultDebounce = 5 * time.Millisecond

// Config configures FeatureFlags.
type Config struct {
	Token string

	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	// Timeout bounds one fetch. Default: 30s
	Timeout time.Duration

	Logger *slog.Logger
	Spans  observability.SpanManager
}

// FeatureFlags schedules flag reloads for the identity in a persistence Store.
// It is safe for concurrent use.
type FeatureFlags struct {
	fetcher Fetcher
	store   *persistence.Store
	cfg     Config

	mu        sync.Mutex
	paused    bool
	queued    bool
	timer     *time.Timer
	gen       uint64
	listeners []func(map[string]any)
	closed    bool

	group    singleflight.Group
	inflight sync.WaitGroup
}

// New creates FeatureFlags that fetch through fetcher and store results in store.
func New(fetcher Fetcher, store *persistence.Store, cfg Config) *FeatureFlags {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &FeatureFlags{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
	}
}

// ReloadFeatureFlags requests a reload. Requests made while one is already
// queued are merged; while paused the request waits for resume.
func (f *FeatureFlags) ReloadFeatureFlags() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.queued {
		return
	}
	f.queued = true
	f.startTimerLocked()
}

// SetReloadingPaused holds or releases queued reloads.
func (f *FeatureFlags) SetReloadingPaused(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paused = paused
	if !paused {
		f.startTimerLocked()
	}
}

// ResetRequestQueue drops a queued reload.
func (f *FeatureFlags) ResetRequestQueue() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = false
}

// Decide loads flags now in the background.
func (f *FeatureFlags) Decide() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		_ = f.Reload(context.Background())
	}()
}

// OnFeatureFlags registers fn to receive every loaded flag set.
func (f *FeatureFlags) OnFeatureFlags(fn func(map[string]any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// Reload fetches flags synchronously. Concurrent calls share one fetch.
func (f *FeatureFlags) Reload(ctx context.Context) error {
	_, err, _ := f.group.Do("decide", func() (any, error) {
		return nil, f.fetch(ctx)
	})
	return err
}

// Wait blocks until background fetches finish.
func (f *FeatureFlags) Wait() {
	f.inflight.Wait()
}

// Close cancels a pending reload and waits for fetches in flight.
func (f *FeatureFlags) Close() error {
	f.mu.Lock()
	f.closed = true
	f.stopTimerLocked()
	f.mu.Unlock()

	f.inflight.Wait()
	return nil
}

func (f *FeatureFlags) startTimerLocked() {
	if !f.queued || f.paused || f.closed {
		return
	}
	f.stopTimerLocked()
	f.gen++
	gen := f.gen
	f.inflight.Add(1)
	f.timer = time.AfterFunc(f.cfg.Debounce, func() {
		defer f.inflight.Done()
		f.fire(gen)
	})
}

// stopTimerLocked cancels the pending timer, if it has not fired yet.
func (f *FeatureFlags) stopTimerLocked() {
	if f.timer != nil && f.timer.Stop() {
		f.inflight.Done()
	}
	f.timer = nil
}

func (f *FeatureFlags) fire(gen uint64) {
	f.mu.Lock()
	if gen != f.gen || f.paused || !f.queued || f.closed {
		f.mu.Unlock()
		return
	}
	f.queued = false
	f.timer = nil
	f.mu.Unlock()

	_ = f.Reload(context.Background())
}

func (f *FeatureFlags) fetch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	distinctID := f.store.DistinctID()
	ctx, span := f.cfg.Spans.StartFlagsSpan(ctx, distinctID)

	req := Request{Token: f.cfg.Token, DistinctID: distinctID}
	if groups, ok := f.store.Get(persistence.KeyGroups); ok {
		req.Groups, _ = groups.(map[string]any)
	}

	flags, err := f.fetcher.Fetch(ctx, req)
	f.cfg.Spans.EndSpanWithError(span, err)
	if err != nil {
		observability.LogSendError(f.cfg.Logger, "/decide/", 1, err)
		return err
	}

	f.store.Register(event.Properties{persistence.KeyEnabledFlags: flags})

	f.mu.Lock()
	listeners := slices.Clone(f.listeners)
	f.mu.Unlock()
	for _, fn := range listeners {
		f.notify(fn, flags)
	}
	return nil
}

func (f *FeatureFlags) notify(fn func(map[string]any), flags map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			observability.LogHookPanic(f.cfg.Logger, "feature_flags_listener", r)
		}
	}()
	fn(event.CloneValue(flags).(map[string]any))
}
