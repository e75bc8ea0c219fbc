package capturekit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/randalmurphal/capturekit/pkg/capturekit/config"
	"github.com/randalmurphal/capturekit/pkg/capturekit/delivery"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/session"
	"github.com/randalmurphal/capturekit/pkg/capturekit/storage"
)

// DefaultStringMaxLength is the default limit for string property values.
const DefaultStringMaxLength = 50000

// NoTruncation disables string truncation when used as
// Config.PropertiesStringMaxLength.
const NoTruncation = -1

// DefaultAPIHost is used when Config.APIHost is empty.
const DefaultAPIHost = "https://app.posthog.com"

// Persistence modes.
const (
	PersistenceDurable = "durable"
	PersistenceMemory  = "memory"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageBadger = "badger"
)

// Sanitizer replaces the assembled property bag of an event.
type Sanitizer func(props event.Properties, eventName string) event.Properties

// Config is resolved once when a Client is created.
type Config struct {
	// Token identifies the project. Required.
	Token string `validate:"required"`

	// APIHost is the ingestion host. Default: DefaultAPIHost
	APIHost string `validate:"omitempty,url"`

	// PersistenceName scopes storage keys. Default: Token
	PersistenceName string

	// Persistence is "durable" (the Storage backend) or "memory".
	Persistence string `validate:"omitempty,oneof=durable memory"`

	// DisablePersistence keeps the register and window id in memory only.
	DisablePersistence bool

	// PropertyBlacklist lists property keys removed from every event.
	PropertyBlacklist []string

	// SanitizeProperties, if set, replaces every assembled property bag.
	SanitizeProperties Sanitizer `validate:"-"`

	// PropertiesStringMaxLength truncates string values, counted in runes.
	// Zero uses DefaultStringMaxLength; NoTruncation disables it.
	PropertiesStringMaxLength int `validate:"gte=-1"`

	// RequestBatching queues ordinary captures and sends them in batches.
	RequestBatching bool

	// CapturePageview captures $pageview on load and $pageleave on unload.
	CapturePageview bool

	// CapturePerformance adds page timing properties to $pageview events.
	// Entries come from the source given with WithPerformanceSource.
	CapturePerformance bool

	// AdvancedDisableDecide skips the feature flag call on load.
	AdvancedDisableDecide bool

	// CaptureMetrics keeps pipeline counters and reports them on unload.
	CaptureMetrics bool

	// SessionIdleTimeout ends a session. Default: 30m
	SessionIdleTimeout time.Duration `validate:"gte=0"`

	// Compression is "", "base64" or "gzip".
	Compression string `validate:"omitempty,oneof=none base64 lz64 gzip gzip-js"`

	// FlushInterval is the batching poll interval. Default: 3s
	FlushInterval time.Duration `validate:"gte=0"`

	// OnXHRError runs when a request fails for good, after retries are
	// exhausted or refused. A panic is logged and ignored.
	OnXHRError func(endpoint string, resp delivery.Response) `validate:"-"`

	// Loaded runs once the client is ready. A panic is logged and ignored.
	Loaded func(*Client) `validate:"-"`

	// Debug logs every captured event.
	Debug bool

	// Storage selects the durable backend.
	Storage StorageConfig
}

// StorageConfig selects and locates the durable storage backend.
type StorageConfig struct {
	// Backend is "memory", "sqlite" or "badger". Default: memory
	Backend string `validate:"omitempty,oneof=memory sqlite badger"`

	// Path is the database file or directory. Required for sqlite and badger.
	Path string
}

// DefaultConfig returns a Config with the defaults filled in for token.
func DefaultConfig(token string) Config {
	return Config{
		Token:                     token,
		APIHost:                   DefaultAPIHost,
		Persistence:               PersistenceDurable,
		PropertiesStringMaxLength: DefaultStringMaxLength,
		RequestBatching:           true,
		CapturePageview:           true,
		SessionIdleTimeout:        session.DefaultIdleTimeout,
		FlushInterval:             delivery.DefaultFlushInterval,
		Storage:                   StorageConfig{Backend: StorageMemory},
	}
}

var validate = validator.New()

// Validate checks c for missing or out-of-range settings.
func (c Config) Validate() error {
	if c.Token == "" {
		return ErrTokenRequired
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidConfig, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Storage.Backend {
	case StorageSQLite, StorageBadger:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage path required for %s", ErrInvalidConfig, c.Storage.Backend)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.APIHost == "" {
		c.APIHost = DefaultAPIHost
	}
	if c.PersistenceName == "" {
		c.PersistenceName = c.Token
	}
	if c.Persistence == "" {
		c.Persistence = PersistenceDurable
	}
	if c.PropertiesStringMaxLength == 0 {
		c.PropertiesStringMaxLength = DefaultStringMaxLength
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = session.DefaultIdleTimeout
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	return c
}

// truncateAt returns the effective truncation limit; zero disables it.
func (c Config) truncateAt() int {
	if c.PropertiesStringMaxLength < 0 {
		return 0
	}
	return c.PropertiesStringMaxLength
}

// ConfigFromSettings reads a Config from a settings document. Keys use
// the snake_case option names (token, api_host, request_batching, ...).
// An explicit null for properties_string_max_length disables truncation;
// an absent key keeps the default. Wrong-typed values are reported
// together, wrapping ErrInvalidConfig.
func ConfigFromSettings(s *config.Settings) (Config, error) {
	c := DefaultConfig("")
	s.String("token", &c.Token)
	s.String("api_host", &c.APIHost)
	s.String("persistence_name", &c.PersistenceName)
	s.String("persistence", &c.Persistence)
	s.Bool("disable_persistence", &c.DisablePersistence)
	s.Strings("property_blacklist", &c.PropertyBlacklist)
	if s.IsNull("properties_string_max_length") {
		c.PropertiesStringMaxLength = NoTruncation
	} else {
		s.Int("properties_string_max_length", &c.PropertiesStringMaxLength)
	}
	s.Bool("request_batching", &c.RequestBatching)
	s.Bool("capture_pageview", &c.CapturePageview)
	s.Bool("capture_performance", &c.CapturePerformance)
	s.Bool("advanced_disable_decide", &c.AdvancedDisableDecide)
	s.Bool("capture_metrics", &c.CaptureMetrics)
	s.Duration("session_idle_timeout", &c.SessionIdleTimeout)
	s.String("compression", &c.Compression)
	s.Duration("flush_interval", &c.FlushInterval)
	s.Bool("debug", &c.Debug)

	st := s.Section("storage")
	st.String("backend", &c.Storage.Backend)
	st.String("path", &c.Storage.Path)

	if err := s.Err(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return c, nil
}

// LoadConfig reads a YAML or JSON config file.
func LoadConfig(path string) (Config, error) {
	s, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	return ConfigFromSettings(s)
}

// openStorage opens the durable backend selected by c.
func openStorage(c Config, logger *slog.Logger) (storage.Storage, error) {
	if c.Persistence == PersistenceMemory {
		return storage.NewMemoryStorage(), nil
	}
	switch c.Storage.Backend {
	case StorageMemory:
		return storage.NewMemoryStorage(), nil
	case StorageSQLite:
		return storage.NewSQLiteStorage(c.Storage.Path)
	case StorageBadger:
		return storage.NewBadgerStorage(storage.BadgerConfig{Path: c.Storage.Path, Logger: logger})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStorage, c.Storage.Backend)
}
