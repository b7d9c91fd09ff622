package proxy

import (
	"fmt"
	"testing"
)

func TestEventTrackerDedupe(t *testing.T) {
	tr := NewEventTracker(8)

	if !tr.Record("a") {
		t.Fatal("first sighting of a should pass")
	}
	if tr.Record("a") {
		t.Fatal("second sighting of a should be suppressed")
	}
	if !tr.Record("b") {
		t.Fatal("first sighting of b should pass")
	}
}

func TestEventTrackerEmptyIDNeverSuppressed(t *testing.T) {
	tr := NewEventTracker(8)
	if !tr.Record("") || !tr.Record("") {
		t.Fatal("identifier-less events cannot be deduplicated")
	}
}

func TestEventTrackerLastIDTracksDeliveryOnly(t *testing.T) {
	tr := NewEventTracker(8)

	if _, ok := tr.LastID(); ok {
		t.Fatal("LastID before any delivery should report false")
	}

	tr.Record("a")
	if _, ok := tr.LastID(); ok {
		t.Fatal("Record alone must not move the delivery marker")
	}

	tr.MarkDelivered("a")
	if id, ok := tr.LastID(); !ok || id != "a" {
		t.Fatalf("LastID = %q, %v", id, ok)
	}

	// A suppressed duplicate never reaches MarkDelivered, so the marker
	// stays on the newest delivered identifier.
	tr.MarkDelivered("b")
	if id, _ := tr.LastID(); id != "b" {
		t.Fatalf("LastID = %q, want b", id)
	}
}

func TestEventTrackerWindowEviction(t *testing.T) {
	const window = 4
	tr := NewEventTracker(window)

	for i := 0; i < window+1; i++ {
		tr.Record(fmt.Sprintf("ev-%d", i))
	}

	// ev-0 was evicted, so it passes again; ev-4 is still within the window.
	if !tr.Record("ev-0") {
		t.Fatal("evicted identifier should pass the recency check again")
	}
	if tr.Record("ev-4") {
		t.Fatal("in-window identifier should be suppressed")
	}
}

func TestEventTrackerSeed(t *testing.T) {
	tr := NewEventTracker(8)
	tr.Seed("marker-9")

	if id, ok := tr.LastID(); !ok || id != "marker-9" {
		t.Fatalf("LastID after seed = %q, %v", id, ok)
	}
	if tr.Record("marker-9") {
		t.Fatal("a replayed marker event should be treated as a duplicate")
	}
}
