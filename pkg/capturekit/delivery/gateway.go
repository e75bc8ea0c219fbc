package delivery

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	ckerrors "github.com/randalmurphal/capturekit/pkg/capturekit/errors"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/observability"
)

// Config configures a Gateway.
type Config struct {
	// Transport performs the HTTP calls. Required.
	Transport Transport

	// Compression encodes request bodies.
	Compression Compression

	// Batching routes ordinary captures through the RequestQueue.
	Batching bool

	// FlushInterval is the RequestQueue poll interval.
	// Default: 3s
	FlushInterval time.Duration

	// Retry configures the RetryQueue.
	Retry RetryQueueConfig

	// OnError runs once per request that fails for good.
	OnError func(endpoint string, resp Response)

	// Logger, Metrics, Spans and Counters are optional.
	Logger   *slog.Logger
	Metrics  observability.MetricsRecorder
	Spans    observability.SpanManager
	Counters *observability.CaptureMetrics
}

// Gateway accepts finished envelopes for transmission.
// It is safe for concurrent use.
type Gateway struct {
	transport   Transport
	compression Compression
	batching    bool
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	counters    *observability.CaptureMetrics
	onError     func(endpoint string, resp Response)

	queue *RequestQueue
	retry *RetryQueue

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// NewGateway creates a Gateway and starts its queue loops.
func NewGateway(cfg Config) *Gateway {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		transport:   cfg.Transport,
		compression: cfg.Compression,
		batching:    cfg.Batching,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		spans:       cfg.Spans,
		counters:    cfg.Counters,
		onError:     cfg.OnError,
		ctx:         ctx,
		cancel:      cancel,
	}
	g.queue = NewRequestQueue(cfg.FlushInterval, func(ctx context.Context, req *Request) {
		g.counters.Incr("batch-requests")
		g.send(ctx, req)
	})
	g.retry = NewRetryQueue(cfg.Retry, g.send)
	g.queue.Start()
	g.retry.Start()
	return g
}

// Batching reports whether ordinary captures are queued.
func (g *Gateway) Batching() bool {
	return g.batching
}

// Capture hands env over for delivery. It is queued when batching is on,
// the options do not ask for per-request treatment (a batch key still
// allows queueing) and SendInstantly is unset; otherwise it is sent now.
// Beacon sends complete before Capture returns; other sends run in the
// background.
func (g *Gateway) Capture(env *event.Envelope, opts Options) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = EndpointEvents
	}

	if g.batching && (!opts.unique() || opts.BatchKey != "") && !opts.SendInstantly {
		g.counters.Incr("batch-enqueue")
		g.queue.Enqueue(endpoint, env, opts.BatchKey)
		g.metrics.RecordCapture(g.ctx, env.Event, true)
		return
	}

	g.metrics.RecordCapture(g.ctx, env.Event, false)
	req := &Request{
		Endpoint:  endpoint,
		Events:    []*event.Envelope{env},
		Transport: opts.Transport,
		Callback:  opts.Callback,
	}
	if req.Transport == TransportBeacon {
		g.send(g.ctx, req)
		return
	}
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		g.send(g.ctx, req)
	}()
}

// Pending returns the number of envelopes waiting in the batching queue.
func (g *Gateway) Pending() int {
	return g.queue.Len()
}

// Retrying returns the number of requests waiting in the retry queue.
func (g *Gateway) Retrying() int {
	return g.retry.Len()
}

// Flush sends the batching queue now and waits for background sends.
func (g *Gateway) Flush(ctx context.Context) {
	g.queue.Flush(ctx)
	g.inflight.Wait()
}

// Unload drains both queues with the beacon transport. It blocks until
// every request has been attempted once.
func (g *Gateway) Unload() {
	pending := g.queue.Len() + g.retry.Len()
	observability.LogUnload(g.logger, g.batching, pending)
	g.counters.Incr("batch-handle-unload")

	ctx := context.WithoutCancel(g.ctx)
	g.queue.Unload(ctx)
	g.retry.Unload(ctx)
}

// Close stops the queue loops, flushes queued batches and waits for
// in-flight sends. Requests left in the retry queue are dropped.
func (g *Gateway) Close() error {
	g.queue.Close()
	g.retry.Close()
	g.queue.Flush(context.WithoutCancel(g.ctx))
	g.inflight.Wait()
	g.cancel()
	return nil
}

// send performs one attempt of req and routes a transient failure to the
// retry queue. The callback runs once the request succeeds or is given up.
func (g *Gateway) send(ctx context.Context, req *Request) {
	req.Attempts++

	ctx, span := g.spans.StartSendSpan(ctx, req.Endpoint, len(req.Events))
	done := observability.TimedOperation()

	status, size, err := g.do(ctx, req)

	g.metrics.RecordSend(ctx, req.Endpoint, done(), size, err)
	g.counters.Incr("xhr-response")
	if status != 0 {
		g.counters.Incr("xhr-response-" + strconv.Itoa(status))
	}

	if err == nil {
		g.spans.EndSpanWithError(span, nil)
		g.callback(req, Response{StatusCode: status})
		return
	}

	g.counters.Incr("xhr-failed")
	observability.LogSendError(g.logger, req.Endpoint, req.Attempts, err)

	if req.Transport != TransportBeacon && g.retry.Enqueue(req, err) {
		g.counters.Incr("retry-queue-enqueue")
		g.metrics.RecordRetry(ctx, req.Endpoint, req.Attempts)
		g.spans.AddSpanEvent(ctx, "retry_scheduled", attribute.Int("attempt", req.Attempts))
		g.spans.EndSpanWithError(span, err)
		return
	}

	g.spans.EndSpanWithError(span, err)
	resp := Response{StatusCode: status, Err: err}
	g.reportError(req.Endpoint, resp)
	g.callback(req, resp)
}

func (g *Gateway) reportError(endpoint string, resp Response) {
	if g.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			observability.LogHookPanic(g.logger, "on_xhr_error", r)
		}
	}()
	g.onError(endpoint, resp)
}

func (g *Gateway) do(ctx context.Context, req *Request) (int, int, error) {
	body, err := Encode(req.payload(), g.compression)
	if err != nil {
		return 0, 0, ckerrors.Fatal("encode request", err)
	}
	status, err := g.transport.Send(ctx, req.Endpoint, body, req.Transport)
	return status, len(body.Body), err
}

func (g *Gateway) callback(req *Request, resp Response) {
	if req.Callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			observability.LogHookPanic(g.logger, "request_callback", r)
		}
	}()
	req.Callback(resp)
}
