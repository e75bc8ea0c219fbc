// Package persistence holds the super-property register every captured
// event draws from: the distinct id, device id, session record, groups,
// enabled flags and any caller-registered properties.
//
// The register lives in memory and is written through to a storage.Storage
// as one JSON document after each mutation. A disabled Store never touches
// its backend.
package persistence

import (
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/observability"
	"github.com/randalmurphal/capturekit/pkg/capturekit/storage"
)

// Reserved register keys.
const (
	KeyDistinctID     = event.PropDistinctID
	KeyDeviceID       = event.PropDeviceID
	KeySessionID      = "$sesid"
	KeyAlias          = "__alias"
	KeyTimers         = "__timers"
	KeyEnabledFlags   = "$enabled_feature_flags"
	KeyGroups         = event.PropGroups
	KeyHadPersistedID = "$had_persisted_distinct_id"
	KeyActiveFlags    = "$active_feature_flags"
	FeaturePropPrefix = "$feature/"
)

// reserved keys are kept in the register but never copied onto events.
var reserved = map[string]struct{}{
	KeySessionID:    {},
	KeyAlias:        {},
	KeyTimers:       {},
	KeyEnabledFlags: {},
	KeyGroups:       {},
}

// Config configures a Store.
type Config struct {
	// Name scopes the storage key, so several clients can share a backend.
	Name string

	// Disabled keeps the register in memory only.
	Disabled bool

	// Logger receives storage failures. Nil disables logging.
	Logger *slog.Logger
}

// Store is the super-property register.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	backend  storage.Storage
	key      string
	disabled bool
	logger   *slog.Logger
	props    event.Properties
}

// New creates a Store over backend and loads any previously saved register.
// A nil backend behaves like storage.Unsupported.
func New(backend storage.Storage, cfg Config) *Store {
	if backend == nil {
		backend = storage.Unsupported{}
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	s := &Store{
		backend:  backend,
		key:      StorageKey(cfg.Name),
		disabled: cfg.Disabled,
		logger:   cfg.Logger,
		props:    event.Properties{},
	}
	s.load()
	return s
}

// StorageKey returns the backend key a register named name is saved under.
func StorageKey(name string) string {
	return "ph_" + name + "_posthog"
}

// Disabled reports whether the register is memory-only.
func (s *Store) Disabled() bool {
	return s.disabled
}

// writable reports whether saves should reach the backend.
func (s *Store) writable() bool {
	return !s.disabled && s.backend.IsSupported()
}

func (s *Store) load() {
	if !s.writable() {
		return
	}
	data, err := s.backend.Get(s.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			observability.LogStorageError(s.logger, "get", s.key, err)
		}
		return
	}
	var props event.Properties
	if err := json.Unmarshal(data, &props); err != nil {
		observability.LogStorageError(s.logger, "decode", s.key, err)
		return
	}
	if props != nil {
		s.props = props
	}
}

// save writes the register through. Callers hold s.mu.
func (s *Store) save() {
	if !s.writable() {
		return
	}
	data, err := json.Marshal(event.NormalizeProperties(s.props))
	if err != nil {
		observability.LogStorageError(s.logger, "encode", s.key, err)
		return
	}
	if err := s.backend.Set(s.key, data); err != nil {
		observability.LogStorageError(s.logger, "set", s.key, err)
	}
}

// Register sets every key in props, overwriting existing values.
func (s *Store) Register(props event.Properties) {
	if len(props) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range props {
		s.props[k] = event.CloneValue(v)
	}
	s.save()
}

// RegisterOnce sets each key in props that is absent, or whose current
// value equals defaultValue. A nil defaultValue only fills absent keys.
func (s *Store) RegisterOnce(props event.Properties, defaultValue any) {
	if len(props) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for k, v := range props {
		cur, ok := s.props[k]
		if ok && (defaultValue == nil || !sameValue(cur, defaultValue)) {
			continue
		}
		s.props[k] = event.CloneValue(v)
		changed = true
	}
	if changed {
		s.save()
	}
}

// Unregister removes key.
func (s *Store) Unregister(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.props[key]; !ok {
		return
	}
	delete(s.props, key)
	s.save()
}

// Get returns a copy of the value under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.props[key]
	if !ok {
		return nil, false
	}
	return event.CloneValue(v), true
}

// GetString returns the value under key if it is a non-empty string.
func (s *Store) GetString(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	str, _ := s.props[key].(string)
	return str
}

// DistinctID returns the current distinct id.
func (s *Store) DistinctID() string {
	return s.GetString(KeyDistinctID)
}

// Props returns a copy of the whole register, reserved keys included.
func (s *Store) Props() event.Properties {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return event.Clone(s.props)
}

// Properties returns the register as it is copied onto events:
// reserved keys are left out and enabled feature flags are projected
// into $active_feature_flags and one $feature/<key> property per flag.
func (s *Store) Properties() event.Properties {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(event.Properties, len(s.props))
	for k, v := range s.props {
		if k == KeyEnabledFlags {
			flags, ok := v.(map[string]any)
			if !ok {
				continue
			}
			active := make([]string, 0, len(flags))
			for name, val := range flags {
				out[FeaturePropPrefix+name] = event.CloneValue(val)
				if flagEnabled(val) {
					active = append(active, name)
				}
			}
			if len(active) > 0 {
				sort.Strings(active)
				out[KeyActiveFlags] = active
			}
			continue
		}
		if _, skip := reserved[k]; skip {
			continue
		}
		out[k] = event.CloneValue(v)
	}
	return out
}

// Clear empties the register and removes it from the backend.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.props = event.Properties{}
	if !s.writable() {
		return
	}
	if err := s.backend.Remove(s.key); err != nil {
		observability.LogStorageError(s.logger, "remove", s.key, err)
	}
}

// SetEventTimer records the start of a timed event.
func (s *Store) SetEventTimer(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers, _ := s.props[KeyTimers].(map[string]any)
	if timers == nil {
		timers = make(map[string]any)
	}
	timers[name] = at.UnixMilli()
	s.props[KeyTimers] = timers
	s.save()
}

// RemoveEventTimer removes and returns the start time of a timed event.
func (s *Store) RemoveEventTimer(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers, _ := s.props[KeyTimers].(map[string]any)
	raw, ok := timers[name]
	if !ok {
		return time.Time{}, false
	}
	delete(timers, name)
	s.save()

	ms, ok := Millis(raw)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Millis converts a stored timestamp to epoch milliseconds.
// Values read back from JSON arrive as float64.
func Millis(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func flagEnabled(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case nil:
		return false
	}
	return true
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
