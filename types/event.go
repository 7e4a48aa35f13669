package types

import (
	"fmt"
	"time"
)

// WriteEvent is one object create/overwrite notification
type WriteEvent struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	VersionID string    `json:"version_id,omitempty"`
	EventTime time.Time `json:"event_time"`
	EventName string    `json:"event_name,omitempty"`
	Sequencer string    `json:"sequencer,omitempty"`
	Size      int64     `json:"size,omitempty"`

	// Delivery metadata, set by the feed
	MessageID    string `json:"message_id,omitempty"`
	ReceiveCount int    `json:"receive_count,omitempty"`
}

// Validate ensures the event names an object
func (e WriteEvent) Validate() error {
	if e.Bucket == "" {
		return fmt.Errorf("%w: event bucket cannot be empty", ErrInvalidInput)
	}
	if e.Key == "" {
		return fmt.Errorf("%w: event key cannot be empty", ErrInvalidInput)
	}
	return nil
}

// Versioned reports whether the event targets a specific object version.
// Unversioned buckets report the literal version "null" or nothing.
func (e WriteEvent) Versioned() bool {
	return e.VersionID != "" && e.VersionID != "null"
}

// ObjectPath is the audit identifier of the object the event targets
func (e WriteEvent) ObjectPath() string {
	if e.Versioned() {
		return fmt.Sprintf("s3://%s/%s?versionId=%s", e.Bucket, e.Key, e.VersionID)
	}
	return fmt.Sprintf("s3://%s/%s", e.Bucket, e.Key)
}

// ObjectID identifies the object regardless of version
func (e WriteEvent) ObjectID() string {
	return e.Bucket + "/" + e.Key
}
