package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/capturekit/pkg/capturekit"
	"github.com/randalmurphal/capturekit/pkg/capturekit/delivery"
	"github.com/randalmurphal/capturekit/pkg/capturekit/observability"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath     string
	token          string
	host           string
	logLevel       string
	traceExporter  string
	metricExporter string
	metricsAddr    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "capturectl",
		Short:         "Send analytics events through a capture client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", os.Getenv("CAPTURE_CONFIG"), "YAML or JSON client config file")
	pf.StringVar(&flags.token, "token", os.Getenv("CAPTURE_TOKEN"), "project token (overrides config)")
	pf.StringVar(&flags.host, "host", os.Getenv("CAPTURE_HOST"), "ingestion host (overrides config)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&flags.traceExporter, "trace-exporter", "none", "trace exporter: stdout, none")
	pf.StringVar(&flags.metricExporter, "metric-exporter", "none", "metric exporter: prometheus, stdout, none")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve /metrics on this address (prometheus exporter)")

	root.AddCommand(
		newReplayCmd(flags),
		newCaptureCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

func (f *globalFlags) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// clientConfig resolves the client config from the config file and flags.
func (f *globalFlags) clientConfig() (capturekit.Config, error) {
	cfg := capturekit.DefaultConfig("")
	if f.configPath != "" {
		loaded, err := capturekit.LoadConfig(f.configPath)
		if err != nil {
			return capturekit.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if f.token != "" {
		cfg.Token = f.token
	}
	if f.host != "" {
		cfg.APIHost = f.host
	}
	// A command line run has no page to view.
	cfg.CapturePageview = false
	return cfg, cfg.Validate()
}

// session is a running client plus its telemetry.
type session struct {
	client    *capturekit.Client
	telemetry *observability.Telemetry
	server    *http.Server
	logger    *slog.Logger
}

// open starts telemetry and a client. Extra options are appended last.
func (f *globalFlags) open(opts ...capturekit.Option) (*session, error) {
	cfg, err := f.clientConfig()
	if err != nil {
		return nil, err
	}
	logger := f.logger()

	tel, err := observability.SetupTelemetry(observability.TelemetryConfig{
		ServiceName:    "capturectl",
		TraceExporter:  f.traceExporter,
		MetricExporter: f.metricExporter,
		Writer:         os.Stderr,
	})
	if err != nil {
		return nil, err
	}

	s := &session{telemetry: tel, logger: logger}
	if f.metricsAddr != "" {
		handler := tel.MetricsHandler()
		if handler == nil {
			_ = tel.Shutdown(context.Background())
			return nil, errors.New("--metrics-addr requires --metric-exporter=prometheus")
		}
		r := chi.NewRouter()
		r.Handle("/metrics", handler)
		s.server = &http.Server{Addr: f.metricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	cfg.OnXHRError = func(endpoint string, resp delivery.Response) {
		logger.Warn("request dropped",
			slog.String("endpoint", endpoint),
			slog.Int("status", resp.StatusCode),
			slog.Any("error", resp.Err),
		)
	}

	base := []capturekit.Option{
		capturekit.WithLogger(logger),
		capturekit.WithMetrics(f.metricExporter != "none"),
		capturekit.WithTracing(f.traceExporter != "none"),
	}
	client, err := capturekit.New(cfg, append(base, opts...)...)
	if err != nil {
		_ = s.shutdown(context.Background())
		return nil, err
	}
	s.client = client
	return s, nil
}

// close flushes the client and stops telemetry.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	errs = append(errs, s.shutdown(ctx))
	return errors.Join(errs...)
}

func (s *session) shutdown(ctx context.Context) error {
	var errs []error
	if s.server != nil {
		errs = append(errs, s.server.Shutdown(ctx))
	}
	errs = append(errs, s.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}
