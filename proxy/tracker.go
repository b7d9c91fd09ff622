package proxy

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupWindow is the recency-set capacity used when none is
// configured. The capacity needed to guarantee exactly-once delivery depends
// on the upstream's duplicate window, so deployments tune it per workload.
const DefaultDedupWindow = 256

// EventTracker tracks, per session, the last delivered event identifier and a
// bounded recency set used to drop duplicates across reconnects.
//
// The recency set has fixed capacity with oldest-first eviction. If an
// upstream's true duplicate window exceeds the capacity, rare duplicates may
// pass through; that is a documented limitation, not a protocol violation.
type EventTracker struct {
	mu      sync.Mutex
	last    string
	hasLast bool
	recent  *lru.Cache[string, struct{}]
}

// NewEventTracker builds a tracker with the given recency window capacity.
// Non-positive window falls back to DefaultDedupWindow.
func NewEventTracker(window int) *EventTracker {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	// lru.New only errors on a non-positive size, which is excluded above.
	cache, _ := lru.New[string, struct{}](window)
	return &EventTracker{recent: cache}
}

// Record registers an event identifier before it reaches the interceptor
// chain. It returns false if the identifier was already seen within the
// recency window; such duplicates are dropped by the caller. Identifier-less
// events (empty id) cannot be deduplicated and always return true.
func (t *EventTracker) Record(id string) bool {
	if id == "" {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.recent.Get(id); seen {
		return false
	}
	t.recent.Add(id, struct{}{})
	return true
}

// MarkDelivered records id as the last identifier actually forwarded to the
// client. Duplicate deliveries never reach this point, so LastID is
// unaffected by them.
func (t *EventTracker) MarkDelivered(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.last = id
	t.hasLast = true
	t.mu.Unlock()
}

// LastID returns the last delivered identifier, and false when nothing has
// been delivered yet.
func (t *EventTracker) LastID() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.hasLast
}

// Seed primes the tracker from a persisted resumption marker so a replayed
// marker event after reconnection is treated as a duplicate.
func (t *EventTracker) Seed(lastEventID string) {
	if lastEventID == "" {
		return
	}
	t.mu.Lock()
	t.last = lastEventID
	t.hasLast = true
	t.recent.Add(lastEventID, struct{}{})
	t.mu.Unlock()
}
