package reconciler

import (
	"context"
	"sync"
	"time"
)

// PassTracker counts corrective passes per object. A corrective copy emits
// a new write event, so the count bounds how often one object can loop.
type PassTracker interface {
	// Count returns the passes recorded so far
	Count(ctx context.Context, objectID string) (int, error)
	// Increment records a corrective pass and returns the new count
	Increment(ctx context.Context, objectID string) (int, error)
	// Reset clears the count once the object is settled
	Reset(ctx context.Context, objectID string) error
}

type passEntry struct {
	count   int
	expires time.Time
}

// MemoryPassTracker keeps counts in process memory. Counts expire after ttl
// of inactivity so a later legitimate rewrite starts fresh.
type MemoryPassTracker struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]passEntry
}

// NewMemoryPassTracker creates a tracker whose counts expire after ttl
func NewMemoryPassTracker(ttl time.Duration) *MemoryPassTracker {
	return &MemoryPassTracker{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]passEntry),
	}
}

func (t *MemoryPassTracker) Count(_ context.Context, objectID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[objectID]
	if !ok || t.now().After(entry.expires) {
		return 0, nil
	}
	return entry.count, nil
}

func (t *MemoryPassTracker) Increment(_ context.Context, objectID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok := t.entries[objectID]
	if !ok || now.After(entry.expires) {
		entry = passEntry{}
	}
	entry.count++
	entry.expires = now.Add(t.ttl)
	t.entries[objectID] = entry

	t.evictLocked(now)
	return entry.count, nil
}

func (t *MemoryPassTracker) Reset(_ context.Context, objectID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, objectID)
	return nil
}

// Len returns the number of tracked objects
func (t *MemoryPassTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *MemoryPassTracker) evictLocked(now time.Time) {
	for id, e := range t.entries {
		if now.After(e.expires) {
			delete(t.entries, id)
		}
	}
}
