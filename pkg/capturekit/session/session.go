// Package session derives the rolling session and window identifiers that
// every ordinary event carries.
//
// A session is a run of activity that ends after a period of inactivity
// (30 minutes by default). Its id and last activity time are kept in the
// persistence register under $sesid as [timestamp_ms, id]. A window id
// identifies one browsing context; it lives in volatile per-window storage
// when that is usable, otherwise in memory for the Manager's lifetime.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/observability"
	"github.com/randalmurphal/capturekit/pkg/capturekit/persistence"
	"github.com/randalmurphal/capturekit/pkg/capturekit/storage"
)

// DefaultIdleTimeout ends a session after this much inactivity.
const DefaultIdleTimeout = 30 * time.Minute

// IDs is the pair returned by a session check.
type IDs struct {
	SessionID string
	WindowID  string
}

// Config configures a Manager.
type Config struct {
	// PersistenceName scopes the window id storage key.
	PersistenceName string

	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	// NewID defaults to a time-ordered UUID.
	NewID func() string

	// Logger receives storage failures. Nil disables logging.
	Logger *slog.Logger
}

// Manager tracks the current session and window.
// It is safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	persistence *persistence.Store
	volatile    storage.Storage
	windowKey   string
	idleTimeout time.Duration
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger

	// windowID is used when volatile storage is off limits.
	windowID string
}

// NewManager creates a Manager. A nil volatile store keeps window ids in memory.
func NewManager(p *persistence.Store, volatile storage.Storage, cfg Config) *Manager {
	if volatile == nil {
		volatile = storage.Unsupported{}
	}
	if cfg.PersistenceName == "" {
		cfg.PersistenceName = "default"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = NewID
	}
	return &Manager{
		persistence: p,
		volatile:    volatile,
		windowKey:   WindowKey(cfg.PersistenceName),
		idleTimeout: cfg.IdleTimeout,
		now:         cfg.Now,
		newID:       cfg.NewID,
		logger:      cfg.Logger,
	}
}

// NewID returns a time-ordered UUID string.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WindowKey returns the volatile storage key for a persistence name.
func WindowKey(name string) string {
	return "ph_" + name + "_window_id"
}

// CheckAndGetSessionAndWindowID returns the ids for activity at ts,
// rolling the session over when it has been idle longer than the timeout.
// A zero ts means now.
//
// A read-only check of a live session leaves its last activity time alone,
// so it cannot extend the session. Ids are still persisted either way,
// including any freshly generated ones.
func (m *Manager) CheckAndGetSessionAndWindowID(readOnly bool, ts time.Time) IDs {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts.IsZero() {
		ts = m.now()
	}

	windowID := m.getWindowID()
	sessionID, lastActivity, ok := m.getSession()

	expired := !ok || ts.UnixMilli()-lastActivity.UnixMilli() > m.idleTimeout.Milliseconds()
	if expired {
		sessionID = m.newID()
		windowID = m.newID()
	} else if windowID == "" {
		windowID = m.newID()
	}

	activity := ts
	if readOnly && !expired {
		activity = lastActivity
	}

	m.setWindowID(windowID)
	m.setSession(sessionID, activity)

	return IDs{SessionID: sessionID, WindowID: windowID}
}

// ResetSessionID forgets the current session. The next check starts a new one.
func (m *Manager) ResetSessionID() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.persistence.Register(event.Properties{
		persistence.KeySessionID: []any{nil, nil},
	})
}

// Session returns the stored session id and last activity time.
func (m *Manager) Session() (string, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getSession()
}

// WindowID returns the stored window id, or "" if none.
func (m *Manager) WindowID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getWindowID()
}

// useVolatile reports whether window ids go to volatile storage.
func (m *Manager) useVolatile() bool {
	return !m.persistence.Disabled() && m.volatile.IsSupported()
}

func (m *Manager) getWindowID() string {
	if !m.useVolatile() {
		return m.windowID
	}
	data, err := m.volatile.Get(m.windowKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			observability.LogStorageError(m.logger, "get", m.windowKey, err)
			return m.windowID
		}
		return ""
	}
	return string(data)
}

func (m *Manager) setWindowID(id string) {
	if id == "" {
		return
	}
	m.windowID = id
	if !m.useVolatile() {
		return
	}
	if err := m.volatile.Set(m.windowKey, []byte(id)); err != nil {
		observability.LogStorageError(m.logger, "set", m.windowKey, err)
	}
}

// getSession decodes the [timestamp_ms, id] record. A null or malformed
// record reads as no session.
func (m *Manager) getSession() (string, time.Time, bool) {
	raw, ok := m.persistence.Get(persistence.KeySessionID)
	if !ok {
		return "", time.Time{}, false
	}
	pair, ok := raw.([]any)
	if !ok || len(pair) != 2 {
		return "", time.Time{}, false
	}
	id, _ := pair[1].(string)
	ms, ok := persistence.Millis(pair[0])
	if id == "" || !ok {
		return "", time.Time{}, false
	}
	return id, time.UnixMilli(ms), true
}

func (m *Manager) setSession(id string, lastActivity time.Time) {
	m.persistence.Register(event.Properties{
		persistence.KeySessionID: []any{lastActivity.UnixMilli(), id},
	})
}
