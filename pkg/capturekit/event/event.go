package event

import (
	"encoding/json"
	"time"
)

// Reserved event names.
const (
	Identify       = "$identify"
	GroupIdentify  = "$groupidentify"
	Pageview       = "$pageview"
	Pageleave      = "$pageleave"
	Snapshot       = "$snapshot"
	CaptureMetrics = "$capture_metrics"
	PersonSet      = "$set"
)

// Well-known property keys.
const (
	PropToken          = "token"
	PropDistinctID     = "distinct_id"
	PropUserID         = "$user_id"
	PropDeviceID       = "$device_id"
	PropAnonDistinctID = "$anon_distinct_id"
	PropSessionID      = "$session_id"
	PropWindowID       = "$window_id"
	PropGroups         = "$groups"
	PropDuration       = "$duration"
	PropInsertID       = "$insert_id"
	PropGroupType      = "$group_type"
	PropGroupKey       = "$group_key"
	PropGroupSet       = "$group_set"
	PropLib            = "$lib"
	PropLibVersion     = "$lib_version"

	PropPerformanceRaw        = "$performance_raw"
	PropPerformancePageLoaded = "$performance_page_loaded"
)

// Properties is an event property bag.
type Properties map[string]any

// Envelope is a finished event record ready for delivery.
type Envelope struct {
	UUID       string     `json:"uuid,omitempty"`
	Event      string     `json:"event"`
	Properties Properties `json:"properties"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Set        Properties `json:"$set,omitempty"`
	SetOnce    Properties `json:"$set_once,omitempty"`
}

// DistinctID returns the distinct_id property, or "" if absent.
func (e Envelope) DistinctID() string {
	s, _ := e.Properties[PropDistinctID].(string)
	return s
}

// MarshalJSON implements json.Marshaler.
// Property bags are normalized first so cyclic or unsupported values
// cannot fail the encode. A non-nil empty Set or SetOnce is written as {}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	out := struct {
		alias
		Set     *Properties `json:"$set,omitempty"`
		SetOnce *Properties `json:"$set_once,omitempty"`
	}{alias: alias(e)}

	out.Properties = NormalizeProperties(e.Properties)
	if out.Properties == nil {
		out.Properties = Properties{}
	}
	if e.Set != nil {
		set := NormalizeProperties(e.Set)
		out.Set = &set
	}
	if e.SetOnce != nil {
		setOnce := NormalizeProperties(e.SetOnce)
		out.SetOnce = &setOnce
	}
	return json.Marshal(out)
}

// ValidName reports whether name can be captured.
func ValidName(name string) bool {
	return name != ""
}
