// Package filter decides which write events the pipeline looks at.
package filter

import (
	"strings"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Filter drops events by bucket, by bucket/prefix, or by event name.
type Filter struct {
	excludeBuckets  map[string]bool
	excludePrefixes []string
	eventNames      map[string]bool
}

// New creates a new Filter. excludePrefixes entries are "bucket/prefix".
// When eventNames is non-empty only those event names pass.
func New(excludeBuckets, excludePrefixes, eventNames []string) *Filter {
	buckets := make(map[string]bool)
	for _, b := range excludeBuckets {
		buckets[b] = true
	}

	names := make(map[string]bool)
	for _, n := range eventNames {
		names[n] = true
	}

	return &Filter{
		excludeBuckets:  buckets,
		excludePrefixes: excludePrefixes,
		eventNames:      names,
	}
}

// ShouldProcess returns true if the event passes every filter.
func (f *Filter) ShouldProcess(ev types.WriteEvent) bool {
	if f.excludeBuckets[ev.Bucket] {
		return false
	}

	// Events without a name come from replays and are always allowed
	if len(f.eventNames) > 0 && ev.EventName != "" && !f.eventNames[ev.EventName] {
		return false
	}

	path := ev.ObjectID()
	for _, p := range f.excludePrefixes {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	return true
}

// Events returns only events that pass the filter.
func (f *Filter) Events(events []types.WriteEvent) []types.WriteEvent {
	if f.IsEmpty() {
		return events
	}

	filtered := make([]types.WriteEvent, 0, len(events))
	for _, ev := range events {
		if f.ShouldProcess(ev) {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeBuckets) == 0 && len(f.excludePrefixes) == 0 && len(f.eventNames) == 0
}
