package capturekit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/randalmurphal/capturekit/pkg/capturekit/decide"
	"github.com/randalmurphal/capturekit/pkg/capturekit/delivery"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/observability"
	"github.com/randalmurphal/capturekit/pkg/capturekit/storage"
)

// Gateway accepts finished envelopes for delivery.
// *delivery.Gateway implements it.
type Gateway interface {
	Capture(env *event.Envelope, opts delivery.Options)
	Unload()
	Close() error
}

// FeatureFlags is the feature flag collaborator. The client only triggers
// reloads; *decide.FeatureFlags implements it.
type FeatureFlags interface {
	ReloadFeatureFlags()
	SetReloadingPaused(paused bool)
	ResetRequestQueue()
	Decide()
	Close() error
}

// People applies person properties without an event of their own.
// Implementations must not call back into the Client.
type People interface {
	Set(props event.Properties)
	SetOnce(props event.Properties)
}

// AnonymousPredicate reports whether oldID is an anonymous identity, given
// the tracked device id ("" when none is tracked).
type AnonymousPredicate func(oldID, deviceID string) bool

// DefaultAnonymous treats oldID as anonymous when it is the device id or no
// device id is tracked.
func DefaultAnonymous(oldID, deviceID string) bool {
	return deviceID == "" || oldID == deviceID
}

// clientOptions holds the collaborators a Client is built from.
type clientOptions struct {
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	storage        storage.Storage
	sessionStorage storage.Storage
	gateway        Gateway
	transport      delivery.Transport
	httpClient     *http.Client
	flags          FeatureFlags
	fetcher        decide.Fetcher
	people         People
	now            func() time.Time
	newID          func() string
	anonymous      AnonymousPredicate
	performance    PerformanceSource
}

// Option configures a Client.
type Option func(*clientOptions)

// WithLogger sets the logger. Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetrics enables OpenTelemetry metrics for the pipeline.
//
// Example:
//
//	client, err := capturekit.New(cfg, capturekit.WithMetrics(true))
func WithMetrics(enabled bool) Option {
	return func(o *clientOptions) {
		if enabled {
			o.metrics = observability.NewMetricsRecorder()
		} else {
			o.metrics = observability.NoopMetrics{}
		}
	}
}

// WithMetricsRecorder sets a custom metrics recorder.
func WithMetricsRecorder(m observability.MetricsRecorder) Option {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

// WithTracing enables OpenTelemetry spans around sends and flag loads.
func WithTracing(enabled bool) Option {
	return func(o *clientOptions) {
		if enabled {
			o.spans = observability.NewSpanManager()
		} else {
			o.spans = observability.NoopSpanManager{}
		}
	}
}

// WithStorage sets the durable storage, overriding Config.Storage.
// The Client does not close a storage passed this way.
func WithStorage(s storage.Storage) Option {
	return func(o *clientOptions) {
		o.storage = s
	}
}

// WithSessionStorage sets the volatile storage holding the window id.
// Default: a MemoryStorage owned by the Client.
func WithSessionStorage(s storage.Storage) Option {
	return func(o *clientOptions) {
		o.sessionStorage = s
	}
}

// WithGateway replaces the delivery gateway.
func WithGateway(g Gateway) Option {
	return func(o *clientOptions) {
		o.gateway = g
	}
}

// WithTransport sets the transport used by the default gateway.
func WithTransport(t delivery.Transport) Option {
	return func(o *clientOptions) {
		o.transport = t
	}
}

// WithHTTPClient sets the HTTP client used by the default transport and
// flag fetcher.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

// WithFeatureFlags replaces the feature flag collaborator.
func WithFeatureFlags(f FeatureFlags) Option {
	return func(o *clientOptions) {
		o.flags = f
	}
}

// WithFlagFetcher sets the fetcher used by the default feature flags.
func WithFlagFetcher(f decide.Fetcher) Option {
	return func(o *clientOptions) {
		o.fetcher = f
	}
}

// WithPeople replaces the person property collaborator.
func WithPeople(p People) Option {
	return func(o *clientOptions) {
		o.people = p
	}
}

// WithClock sets the time source. Default: time.Now
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) {
		o.now = now
	}
}

// WithIDGenerator sets the generator for device, session and window ids.
// Default: time-ordered UUIDs.
func WithIDGenerator(newID func() string) Option {
	return func(o *clientOptions) {
		o.newID = newID
	}
}

// WithAnonymousPredicate decides which previous ids Identify may merge
// from. Default: DefaultAnonymous
func WithAnonymousPredicate(p AnonymousPredicate) Option {
	return func(o *clientOptions) {
		o.anonymous = p
	}
}

// WithPerformanceSource sets where $pageview page timings are read from
// when Config.CapturePerformance is on. Without one the timing lists are
// sent empty.
func WithPerformanceSource(src PerformanceSource) Option {
	return func(o *clientOptions) {
		o.performance = src
	}
}

// CaptureOptions are the per-call capture settings.
type CaptureOptions struct {
	delivery.Options

	// NoTruncate keeps long string values intact.
	NoTruncate bool

	// Timestamp is sent as the event time. Zero leaves it to the server.
	Timestamp time.Time

	// Set and SetOnce carry person properties on the envelope.
	Set     event.Properties
	SetOnce event.Properties
}

// CaptureOption configures a single Capture call.
type CaptureOption func(*CaptureOptions)

// WithTransportHint forces a transport for this event.
func WithTransportHint(t delivery.TransportHint) CaptureOption {
	return func(o *CaptureOptions) {
		o.Transport = t
	}
}

// SendInstantly bypasses the batching queue.
func SendInstantly() CaptureOption {
	return func(o *CaptureOptions) {
		o.SendInstantly = true
	}
}

// WithBatchKey puts the event in its own batch.
func WithBatchKey(key string) CaptureOption {
	return func(o *CaptureOptions) {
		o.BatchKey = key
	}
}

// WithEndpoint sends the event to endpoint instead of /e/.
func WithEndpoint(endpoint string) CaptureOption {
	return func(o *CaptureOptions) {
		o.Endpoint = endpoint
	}
}

// WithCallback runs fn once the request completes.
func WithCallback(fn func(delivery.Response)) CaptureOption {
	return func(o *CaptureOptions) {
		o.Callback = fn
	}
}

// NoTruncate keeps long string values intact.
func NoTruncate() CaptureOption {
	return func(o *CaptureOptions) {
		o.NoTruncate = true
	}
}

// WithTimestamp sets the event time.
func WithTimestamp(ts time.Time) CaptureOption {
	return func(o *CaptureOptions) {
		o.Timestamp = ts
	}
}

// WithSet attaches $set person properties.
func WithSet(props event.Properties) CaptureOption {
	return func(o *CaptureOptions) {
		o.Set = props
	}
}

// WithSetOnce attaches $set_once person properties.
func WithSetOnce(props event.Properties) CaptureOption {
	return func(o *CaptureOptions) {
		o.SetOnce = props
	}
}
