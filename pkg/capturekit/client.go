package capturekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/randalmurphal/capturekit/pkg/capturekit/decide"
	"github.com/randalmurphal/capturekit/pkg/capturekit/delivery"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/observability"
	"github.com/randalmurphal/capturekit/pkg/capturekit/persistence"
	"github.com/randalmurphal/capturekit/pkg/capturekit/session"
	"github.com/randalmurphal/capturekit/pkg/capturekit/storage"
)

// Client captures events under the current identity context.
// It is safe for concurrent use.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	now     func() time.Time
	newID   func() string

	store      *persistence.Store
	sessions   *session.Manager
	assembler  *Assembler
	identity   *Reconciler
	gateway    Gateway
	flags      FeatureFlags
	people     People
	counters   *observability.CaptureMetrics
	ownStorage []storage.Storage

	mu     sync.Mutex
	closed bool
	hooks  []func(eventName string)
	// fired collects event names whose capture hooks run once mu is released.
	fired []string
}

// New creates a Client, restores its persisted state and runs the load
// sequence: the Loaded hook, the initial $pageview and the first flag load.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	compression, err := delivery.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observability.NoopMetrics{}
	}
	if o.spans == nil {
		o.spans = observability.NoopSpanManager{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = session.NewID
	}

	c := &Client{
		cfg:      cfg,
		logger:   observability.EnrichLogger(o.logger, cfg.PersistenceName, cfg.Token),
		metrics:  o.metrics,
		now:      o.now,
		newID:    o.newID,
		counters: observability.NewCaptureMetrics(cfg.CaptureMetrics),
	}

	durable := o.storage
	if durable == nil {
		durable, err = openStorage(cfg, c.logger)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		c.ownStorage = append(c.ownStorage, durable)
	}
	volatile := o.sessionStorage
	if volatile == nil {
		volatile = storage.NewMemoryStorage()
		c.ownStorage = append(c.ownStorage, volatile)
	}

	c.store = persistence.New(durable, persistence.Config{
		Name:     cfg.PersistenceName,
		Disabled: cfg.DisablePersistence,
		Logger:   c.logger,
	})
	c.sessions = session.NewManager(c.store, volatile, session.Config{
		PersistenceName: cfg.PersistenceName,
		IdleTimeout:     cfg.SessionIdleTimeout,
		Now:             o.now,
		NewID:           o.newID,
		Logger:          c.logger,
	})

	c.gateway = o.gateway
	if c.gateway == nil {
		transport := o.transport
		if transport == nil {
			transport = delivery.NewHTTPTransport(cfg.APIHost, o.httpClient, Version)
		}
		c.gateway = delivery.NewGateway(delivery.Config{
			Transport:     transport,
			Compression:   compression,
			Batching:      cfg.RequestBatching,
			FlushInterval: cfg.FlushInterval,
			Retry:         delivery.DefaultRetryQueueConfig,
			Logger:        c.logger,
			Metrics:       o.metrics,
			Spans:         o.spans,
			Counters:      c.counters,
			OnError:       cfg.OnXHRError,
		})
	}

	c.flags = o.flags
	if c.flags == nil {
		fetcher := o.fetcher
		if fetcher == nil {
			fetcher = decide.NewHTTPFetcher(cfg.APIHost, o.httpClient)
		}
		c.flags = decide.New(fetcher, c.store, decide.Config{
			Token:  cfg.Token,
			Logger: c.logger,
			Spans:  o.spans,
		})
	}

	c.people = o.people
	if c.people == nil {
		c.people = &gatewayPeople{client: c}
	}

	c.assembler = &Assembler{
		Token:     cfg.Token,
		Store:     c.store,
		Sessions:  c.sessions,
		Blacklist: cfg.PropertyBlacklist,
		Sanitize:  cfg.SanitizeProperties,
		MaxLength: cfg.truncateAt(),
		Now:       o.now,
		Logger:    c.logger,

		CapturePerformance: cfg.CapturePerformance,
		Performance:        o.performance,
	}
	c.identity = &Reconciler{
		Store:     c.store,
		Flags:     c.flags,
		People:    c.people,
		Anonymous: o.anonymous,
		Capture: func(name string, props event.Properties, opts CaptureOptions) {
			c.capture(name, props, opts)
		},
		Logger: c.logger,
	}

	c.bootstrapDeviceID()
	c.loaded()
	return c, nil
}

// bootstrapDeviceID gives a register without a distinct id a fresh
// anonymous one, which doubles as the device id.
func (c *Client) bootstrapDeviceID() {
	id := c.newID()
	c.store.RegisterOnce(event.Properties{
		persistence.KeyDistinctID: id,
		persistence.KeyDeviceID:   id,
	}, "")
}

// loaded pauses flag reloads while the load sequence runs, so that only
// the explicit decide call loads flags.
func (c *Client) loaded() {
	c.flags.SetReloadingPaused(true)

	if c.cfg.Loaded != nil {
		c.runHook("loaded", func() { c.cfg.Loaded(c) })
	}

	if c.cfg.CapturePageview {
		c.Capture(event.Pageview, event.Properties{}, SendInstantly())
	}

	if !c.cfg.AdvancedDisableDecide {
		c.flags.Decide()
	}

	c.flags.ResetRequestQueue()
	c.flags.SetReloadingPaused(false)
}

// locked runs fn with mu held, then the capture hooks for every event fn
// captured.
func (c *Client) locked(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fn()
	fired := c.fired
	c.fired = nil
	hooks := c.hooks
	c.mu.Unlock()

	for _, name := range fired {
		for _, hook := range hooks {
			c.runHook("capture_hook", func() { hook(name) })
		}
	}
}

func (c *Client) runHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.LogHookPanic(c.logger, name, r)
		}
	}()
	fn()
}

// Capture records eventName with props and hands the envelope to delivery.
// It returns the envelope, or nil when the event was ignored. props is
// copied; the caller may keep using it.
func (c *Client) Capture(eventName string, props event.Properties, opts ...CaptureOption) *event.Envelope {
	var o CaptureOptions
	for _, opt := range opts {
		opt(&o)
	}
	var env *event.Envelope
	c.locked(func() {
		env = c.capture(eventName, props, o)
	})
	return env
}

// capture is Capture with mu held.
func (c *Client) capture(eventName string, props event.Properties, opts CaptureOptions) *event.Envelope {
	ctx := context.Background()
	if !event.ValidName(eventName) {
		observability.LogCaptureDropped(c.logger, eventName, "empty event name")
		c.metrics.RecordDropped(ctx, eventName, "invalid_name")
		return nil
	}
	c.counters.Incr("capture")

	start, _ := c.store.RemoveEventTimer(eventName)
	assembled, ok := c.assembler.Assemble(eventName, props, AssembleOptions{
		Start:      start,
		NoTruncate: opts.NoTruncate,
	})
	if !ok {
		observability.LogCaptureDropped(c.logger, eventName, "sanitizer panicked")
		c.metrics.RecordDropped(ctx, eventName, "sanitizer")
		c.counters.Incr("capture-dropped")
		return nil
	}

	env := &event.Envelope{
		UUID:       ulid.Make().String(),
		Event:      eventName,
		Properties: assembled,
		Set:        c.personProps(opts.Set, opts.NoTruncate),
		SetOnce:    c.personProps(opts.SetOnce, opts.NoTruncate),
	}
	if !opts.Timestamp.IsZero() {
		ts := opts.Timestamp
		env.Timestamp = &ts
	}

	if c.cfg.Debug {
		observability.LogCaptured(c.logger, eventName, env.DistinctID(), c.cfg.RequestBatching)
	}

	// The gateway gets its own copy so the returned envelope cannot race
	// with encoding.
	handoff := *env
	handoff.Properties = event.Clone(env.Properties)
	handoff.Set = event.Clone(env.Set)
	handoff.SetOnce = event.Clone(env.SetOnce)
	c.gateway.Capture(&handoff, opts.Options)

	c.fired = append(c.fired, eventName)
	return env
}

func (c *Client) personProps(p event.Properties, noTruncate bool) event.Properties {
	if p == nil {
		return nil
	}
	out := event.Clone(p)
	if !noTruncate {
		event.TruncateStrings(out, c.assembler.MaxLength)
	}
	return out
}

// Identify switches the current distinct id to distinctID. See
// Reconciler.Identify.
func (c *Client) Identify(distinctID string, set, setOnce event.Properties) {
	c.locked(func() {
		if distinctID != "" {
			c.counters.Incr("calls-to-identify")
		}
		c.identity.Identify(distinctID, set, setOnce)
	})
}

// Group associates the current user with a group. See Reconciler.Group.
func (c *Client) Group(groupType, groupKey string, props event.Properties) {
	c.locked(func() {
		c.counters.Incr("calls-to-group")
		c.identity.Group(groupType, groupKey, props)
	})
}

// GetGroups returns the current group memberships.
func (c *Client) GetGroups() map[string]string {
	var groups map[string]string
	c.locked(func() {
		groups = c.identity.Groups()
	})
	if groups == nil {
		groups = map[string]string{}
	}
	return groups
}

// ResetGroups forgets every group membership.
func (c *Client) ResetGroups() {
	c.locked(c.identity.ResetGroups)
}

// DistinctID returns the current distinct id.
func (c *Client) DistinctID() string {
	return c.store.DistinctID()
}

// Register sets super properties sent with every event.
func (c *Client) Register(props event.Properties) {
	c.locked(func() { c.store.Register(props) })
}

// RegisterOnce sets super properties that are absent or still equal to
// defaultValue.
func (c *Client) RegisterOnce(props event.Properties, defaultValue any) {
	c.locked(func() { c.store.RegisterOnce(props, defaultValue) })
}

// Unregister removes a super property.
func (c *Client) Unregister(key string) {
	c.locked(func() { c.store.Unregister(key) })
}

// GetProperty returns a super property.
func (c *Client) GetProperty(key string) (any, bool) {
	return c.store.Get(key)
}

// TimeEvent starts a timer for eventName. The next capture of eventName
// carries the elapsed seconds as $duration.
func (c *Client) TimeEvent(eventName string) {
	if !event.ValidName(eventName) {
		return
	}
	c.locked(func() { c.store.SetEventTimer(eventName, c.now()) })
}

// SessionID returns the current session id without extending the session.
func (c *Client) SessionID() string {
	var ids session.IDs
	c.locked(func() { ids = c.sessions.CheckAndGetSessionAndWindowID(true, time.Time{}) })
	return ids.SessionID
}

// WindowID returns the current window id without extending the session.
func (c *Client) WindowID() string {
	var ids session.IDs
	c.locked(func() { ids = c.sessions.CheckAndGetSessionAndWindowID(true, time.Time{}) })
	return ids.WindowID
}

// ResetSessionID ends the current session. The next event starts a new one.
func (c *Client) ResetSessionID() {
	c.locked(c.sessions.ResetSessionID)
}

// Reset forgets the identity, super properties, groups and session, and
// starts over with a new anonymous distinct id. The device id survives
// unless resetDeviceID is set.
func (c *Client) Reset(resetDeviceID bool) {
	c.locked(func() {
		device, hadDevice := c.store.Get(persistence.KeyDeviceID)
		c.store.Clear()
		c.sessions.ResetSessionID()
		if hadDevice && !resetDeviceID {
			c.store.Register(event.Properties{persistence.KeyDeviceID: device})
		}
		c.bootstrapDeviceID()
	})
}

// AddCaptureHook registers fn to run after every captured event, in
// registration order. A panicking hook does not stop the rest.
func (c *Client) AddCaptureHook(fn func(eventName string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Counters returns the pipeline counters, or nil when capture metrics are off.
func (c *Client) Counters() map[string]any {
	if !c.counters.Enabled() {
		return nil
	}
	return c.counters.Snapshot()
}

// Close flushes queued events, stops background work and closes the
// storage the client opened. The client ignores calls after Close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	errs := []error{c.flags.Close(), c.gateway.Close()}
	for _, s := range c.ownStorage {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
