package capturekit

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/observability"
	"github.com/randalmurphal/capturekit/pkg/capturekit/persistence"
	"github.com/randalmurphal/capturekit/pkg/capturekit/session"
)

// LibName and Version describe this library on every event.
const (
	LibName = "capturekit-go"
	Version = "1.0.0"
)

// SessionSource yields the session and window ids for an event.
// *session.Manager implements it.
type SessionSource interface {
	CheckAndGetSessionAndWindowID(readOnly bool, ts time.Time) session.IDs
}

// AssembleOptions are the per-event assembly settings.
type AssembleOptions struct {
	// Start is when a timed event began; zero means untimed.
	Start time.Time

	// NoTruncate keeps long string values intact.
	NoTruncate bool
}

// Assembler builds the property bag of an event from library metadata,
// the persistence register, the session and the caller's properties.
// It never modifies the caller's properties.
type Assembler struct {
	Token     string
	Store     *persistence.Store
	Sessions  SessionSource
	Blacklist []string
	Sanitize  Sanitizer

	// MaxLength truncates string values; zero disables truncation.
	MaxLength int

	// CapturePerformance adds page timing properties to $pageview events,
	// read from Performance.
	CapturePerformance bool
	Performance        PerformanceSource

	Now    func() time.Time
	Logger *slog.Logger
}

// Assemble returns the properties for eventName. It reports false when the
// event must be dropped, which only happens when the sanitizer panics.
//
// Snapshot events carry only the token, distinct id and caller properties,
// and never touch the session.
func (a *Assembler) Assemble(eventName string, props event.Properties, opts AssembleOptions) (event.Properties, bool) {
	computed := event.Clone(props)
	if computed == nil {
		computed = event.Properties{}
	}
	computed[event.PropToken] = a.Token

	if eventName == event.Snapshot {
		computed[event.PropDistinctID] = a.Store.DistinctID()
		a.truncate(computed, opts)
		return computed, true
	}

	ids := a.Sessions.CheckAndGetSessionAndWindowID(false, time.Time{})
	computed[event.PropSessionID] = ids.SessionID
	computed[event.PropWindowID] = ids.WindowID

	if groups, ok := a.Store.Get(persistence.KeyGroups); ok {
		if m, _ := groups.(map[string]any); len(m) > 0 {
			computed[event.PropGroups] = m
		}
	}

	if !opts.Start.IsZero() {
		ms := a.now().Sub(opts.Start).Milliseconds()
		computed[event.PropDuration] = float64(ms) / 1000
	}

	if eventName == event.Pageview && a.CapturePerformance {
		for k, v := range performanceProperties(a.Performance, a.Logger) {
			computed[k] = v
		}
	}

	out := event.Properties{
		event.PropLib:        LibName,
		event.PropLibVersion: Version,
	}
	for k, v := range a.Store.Properties() {
		out[k] = v
	}
	for k, v := range computed {
		out[k] = v
	}

	for _, key := range a.Blacklist {
		delete(out, key)
	}

	if a.Sanitize != nil {
		sanitized, ok := a.sanitize(out, eventName)
		if !ok {
			return nil, false
		}
		out = sanitized
	}

	a.truncate(out, opts)
	return out, true
}

func (a *Assembler) sanitize(props event.Properties, eventName string) (out event.Properties, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			observability.LogHookPanic(a.Logger, "sanitize_properties", r)
			out, ok = nil, false
		}
	}()
	// The result may share values with the hook's own state.
	return event.Clone(a.Sanitize(props, eventName)), true
}

func (a *Assembler) truncate(props event.Properties, opts AssembleOptions) {
	if opts.NoTruncate {
		return
	}
	event.TruncateStrings(props, a.MaxLength)
}

func (a *Assembler) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}
