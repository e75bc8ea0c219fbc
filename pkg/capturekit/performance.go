package capturekit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/observability"
)

// PerformanceEntryTypes are the entry types read for a $pageview, in order.
var PerformanceEntryTypes = []string{"navigation", "paint", "resource"}

// PerformanceSource supplies page timing entries by type.
type PerformanceSource interface {
	EntriesByType(entryType string) ([]map[string]any, error)
}

// PerformanceSourceFunc adapts a function to PerformanceSource.
type PerformanceSourceFunc func(entryType string) ([]map[string]any, error)

// EntriesByType calls f(entryType).
func (f PerformanceSourceFunc) EntriesByType(entryType string) ([]map[string]any, error) {
	return f(entryType)
}

// resourceTimingsClearer is implemented by sources that buffer resource
// entries; they are cleared after each read.
type resourceTimingsClearer interface {
	ClearResourceTimings()
}

// performanceProperties reads every entry type from src and returns the
// $performance_raw document plus $performance_page_loaded when the
// navigation entry has a duration. A nil source, a failing entry type or
// a missing one yields an empty list for that type.
func performanceProperties(src PerformanceSource, logger *slog.Logger) event.Properties {
	raw := make(map[string]any, len(PerformanceEntryTypes))
	var pageLoaded any

	for _, typ := range PerformanceEntryTypes {
		raw[typ] = []any{}
		if src == nil {
			continue
		}
		entries, err := readEntries(src, typ)
		if err != nil {
			observability.LogPerformanceUnavailable(logger, typ, err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		raw[typ] = columnar(entries)
		if typ == "navigation" {
			if d, ok := entries[0]["duration"]; ok && d != nil {
				pageLoaded = d
			}
		}
	}
	if c, ok := src.(resourceTimingsClearer); ok {
		c.ClearResourceTimings()
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		observability.LogPerformanceUnavailable(logger, "all", err)
		return nil
	}
	props := event.Properties{event.PropPerformanceRaw: string(encoded)}
	if pageLoaded != nil {
		props[event.PropPerformancePageLoaded] = pageLoaded
	}
	return props
}

func readEntries(src PerformanceSource, typ string) (entries []map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			entries, err = nil, fmt.Errorf("performance source panicked: %v", r)
		}
	}()
	return src.EntriesByType(typ)
}

// columnar packs entries as [keys, rows]: keys is the sorted union of the
// entry keys and each row holds one entry's values in key order, nil where
// the entry lacks the key.
func columnar(entries []map[string]any) []any {
	seen := make(map[string]struct{})
	keys := []string{}
	for _, e := range entries {
		for k := range e {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	slices.Sort(keys)

	rows := make([]any, 0, len(entries))
	for _, e := range entries {
		row := make([]any, len(keys))
		for i, k := range keys {
			row[i] = e[k]
		}
		rows = append(rows, row)
	}
	return []any{keys, rows}
}
