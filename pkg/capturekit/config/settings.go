package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSetting is wrapped by every decoding error a Settings collects.
var ErrInvalidSetting = errors.New("invalid setting")

// TypeError reports a setting whose value has the wrong type.
type TypeError struct {
	Key   string
	Want  string
	Value any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s: want %s, got %T", e.Key, e.Want, e.Value)
}

func (e *TypeError) Unwrap() error {
	return ErrInvalidSetting
}

// Settings is a decoded settings document.
//
// Each decode method copies one value into a destination and leaves the
// destination alone when the key is absent. A value of the wrong type is
// recorded rather than ignored; Err reports everything recorded.
type Settings struct {
	prefix string
	values map[string]any
	errs   *[]error
}

// New wraps values. A nil map behaves like an empty document.
func New(values map[string]any) *Settings {
	return &Settings{values: values, errs: new([]error)}
}

// Lookup returns the raw value under key.
func (s *Settings) Lookup(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// IsNull reports whether key is present with an explicit null.
func (s *Settings) IsNull(key string) bool {
	v, ok := s.values[key]
	return ok && v == nil
}

// Keys returns the keys present at this level.
func (s *Settings) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// Section returns the nested document under key. Errors recorded on the
// section are reported by the parent's Err, keyed "parent.child".
func (s *Settings) Section(key string) *Settings {
	sub := &Settings{prefix: s.prefix + key + ".", errs: s.errs}
	v, ok := s.values[key]
	if !ok || v == nil {
		return sub
	}
	m, ok := v.(map[string]any)
	if !ok {
		s.fail(key, "mapping", v)
		return sub
	}
	sub.values = m
	return sub
}

// String decodes a string.
func (s *Settings) String(key string, dst *string) {
	v, ok := s.present(key)
	if !ok {
		return
	}
	str, ok := v.(string)
	if !ok {
		s.fail(key, "string", v)
		return
	}
	*dst = str
}

// Bool decodes a boolean.
func (s *Settings) Bool(key string, dst *bool) {
	v, ok := s.present(key)
	if !ok {
		return
	}
	b, ok := v.(bool)
	if !ok {
		s.fail(key, "boolean", v)
		return
	}
	*dst = b
}

// Int decodes a whole number.
func (s *Settings) Int(key string, dst *int) {
	v, ok := s.present(key)
	if !ok {
		return
	}
	n, ok := toInt(v)
	if !ok {
		s.fail(key, "integer", v)
		return
	}
	*dst = n
}

// Duration decodes a duration. Strings use time.ParseDuration syntax;
// numbers are milliseconds.
func (s *Settings) Duration(key string, dst *time.Duration) {
	v, ok := s.present(key)
	if !ok {
		return
	}
	if str, ok := v.(string); ok {
		d, err := time.ParseDuration(str)
		if err != nil {
			s.fail(key, "duration", v)
			return
		}
		*dst = d
		return
	}
	if ms, ok := toFloat(v); ok {
		*dst = time.Duration(ms * float64(time.Millisecond))
		return
	}
	s.fail(key, "duration", v)
}

// Strings decodes a list of strings. A single string is a one-element list.
func (s *Settings) Strings(key string, dst *[]string) {
	v, ok := s.present(key)
	if !ok {
		return
	}
	switch val := v.(type) {
	case string:
		*dst = []string{val}
	case []string:
		*dst = val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			str, ok := item.(string)
			if !ok {
				s.fail(key, "list of strings", v)
				return
			}
			out = append(out, str)
		}
		*dst = out
	default:
		s.fail(key, "list of strings", v)
	}
}

// Err joins every error recorded by this document and its sections.
func (s *Settings) Err() error {
	return errors.Join(*s.errs...)
}

// present returns the value under key, treating an explicit null as absent.
func (s *Settings) present(key string) (any, bool) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (s *Settings) fail(key, want string, v any) {
	*s.errs = append(*s.errs, &TypeError{Key: s.prefix + key, Want: want, Value: v})
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		if n <= math.MaxInt64 {
			return int(n), true
		}
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
