package capturekit

import (
	"log/slog"

	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/observability"
	"github.com/randalmurphal/capturekit/pkg/capturekit/persistence"
)

// Reconciler applies identity and group changes to the persistence
// register and emits $identify and $groupidentify through Capture.
type Reconciler struct {
	Store     *persistence.Store
	Flags     FeatureFlags
	People    People
	Anonymous AnonymousPredicate

	// Capture emits an event through the ordinary pipeline.
	Capture func(name string, props event.Properties, opts CaptureOptions)

	Logger *slog.Logger
}

// Identify switches the distinct id to newID.
//
// When the previous id was anonymous, $identify links the two ids and
// carries set and setOnce. Otherwise, or when the id is unchanged, set and
// setOnce are applied through People. Flags are reloaded once when the id
// changed. An empty newID is ignored.
func (r *Reconciler) Identify(newID string, set, setOnce event.Properties) {
	if newID == "" {
		observability.LogCaptureDropped(r.Logger, event.Identify, "empty distinct id")
		return
	}

	oldID := r.Store.DistinctID()
	changed := newID != oldID

	if changed {
		r.Store.Register(event.Properties{event.PropUserID: newID})
	}

	// A register without a device id predates device ids; its distinct
	// id is the closest thing to one.
	if _, ok := r.Store.Get(persistence.KeyDeviceID); !ok && oldID != "" {
		r.Store.RegisterOnce(event.Properties{
			persistence.KeyHadPersistedID: true,
			persistence.KeyDeviceID:       oldID,
		}, "")
	}

	if changed && newID != r.Store.GetString(persistence.KeyAlias) {
		r.Store.Unregister(persistence.KeyAlias)
		r.Store.Register(event.Properties{persistence.KeyDistinctID: newID})
	}

	anonymous := r.anonymous(oldID, r.Store.GetString(persistence.KeyDeviceID))
	if changed && anonymous {
		observability.LogIdentify(r.Logger, oldID, newID, true)
		r.Capture(event.Identify, event.Properties{
			event.PropDistinctID:     newID,
			event.PropAnonDistinctID: oldID,
		}, CaptureOptions{
			Set:     orEmpty(set),
			SetOnce: orEmpty(setOnce),
		})
	} else {
		if changed {
			observability.LogIdentify(r.Logger, oldID, newID, false)
		}
		if len(set) > 0 {
			r.People.Set(set)
		}
		if len(setOnce) > 0 {
			r.People.SetOnce(setOnce)
		}
	}

	if changed {
		r.Flags.ReloadFeatureFlags()
	}
}

// Group associates the current user with groupKey of groupType. Flags are
// reloaded when the key for that type changed. When props is non-nil a
// $groupidentify event carries them, whether or not the key changed.
// An empty type or key is ignored.
func (r *Reconciler) Group(groupType, groupKey string, props event.Properties) {
	if groupType == "" || groupKey == "" {
		observability.LogCaptureDropped(r.Logger, event.GroupIdentify, "empty group type or key")
		return
	}

	groups := r.groups()
	previous, had := groups[groupType]
	changed := !had || previous != groupKey

	groups[groupType] = groupKey
	r.Store.Register(event.Properties{persistence.KeyGroups: groups})
	observability.LogGroup(r.Logger, groupType, groupKey, changed)

	if props != nil {
		r.Capture(event.GroupIdentify, event.Properties{
			event.PropGroupType: groupType,
			event.PropGroupKey:  groupKey,
			event.PropGroupSet:  props,
		}, CaptureOptions{})
	}

	if changed {
		r.Flags.ReloadFeatureFlags()
	}
}

// Groups returns the current group memberships.
func (r *Reconciler) Groups() map[string]string {
	out := make(map[string]string)
	for k, v := range r.groups() {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// ResetGroups forgets every group membership and reloads flags.
func (r *Reconciler) ResetGroups() {
	r.Store.Register(event.Properties{persistence.KeyGroups: map[string]any{}})
	r.Flags.ReloadFeatureFlags()
}

func (r *Reconciler) groups() map[string]any {
	v, _ := r.Store.Get(persistence.KeyGroups)
	groups, _ := v.(map[string]any)
	if groups == nil {
		groups = make(map[string]any)
	}
	return groups
}

func (r *Reconciler) anonymous(oldID, deviceID string) bool {
	if r.Anonymous == nil {
		return DefaultAnonymous(oldID, deviceID)
	}
	return r.Anonymous(oldID, deviceID)
}

func orEmpty(p event.Properties) event.Properties {
	if p == nil {
		return event.Properties{}
	}
	return p
}
