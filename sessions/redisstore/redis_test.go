package redisstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kevinswiber/tapwire-sub000/sessions"
)

// newTestStore connects to a local Redis and skips the test when none is
// running. Keys are prefixed per test run so concurrent runs don't collide.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		RedisAddr: "localhost:6379",
		KeyPrefix: fmt.Sprintf("tapwire:test:%s:", uuid.NewString()),
		IdleTTL:   time.Minute,
	})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSession(id string) *sessions.Session {
	return &sessions.Session{
		ID:                id,
		ClientTransport:   sessions.TransportStreamingHTTP,
		UpstreamTransport: sessions.TransportStreamingHTTP,
		ProtocolVersion:   "2025-06-18",
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, newSession(id)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, newSession(id)); !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("duplicate create = %v, want ErrSessionExists", err)
	}

	got, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ProtocolVersion != "2025-06-18" {
		t.Fatalf("unexpected session: %+v", got)
	}

	got.ProtocolVersion = "2024-11-05"
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got2, _ := s.GetSession(ctx, id)
	if got2.ProtocolVersion != "2024-11-05" {
		t.Fatalf("update not applied: %+v", got2)
	}

	if err := s.UpdateSession(ctx, newSession(uuid.NewString())); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("update of missing session = %v", err)
	}

	if err := s.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, id); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("get after delete = %v", err)
	}
}

func TestBatchRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ids := []string{uuid.NewString(), uuid.NewString()}
	for _, id := range ids {
		if err := s.CreateSession(ctx, newSession(id)); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	got, err := s.GetSessions(ctx, append(ids, "missing"))
	if err != nil {
		t.Fatalf("GetSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetSessions returned %d records, want 2", len(got))
	}

	got[ids[0]].ProtocolVersion = "next"
	if err := s.UpdateSessions(ctx, []*sessions.Session{got[ids[0]]}); err != nil {
		t.Fatalf("UpdateSessions: %v", err)
	}
	after, _ := s.GetSession(ctx, ids[0])
	if after.ProtocolVersion != "next" {
		t.Fatalf("batch update not applied: %+v", after)
	}
}

func TestHistoryAndMarker(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := uuid.NewString()
	if err := s.CreateSession(ctx, newSession(id)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for i := 1; i <= 3; i++ {
		entry := sessions.MessageEntry{EventID: fmt.Sprintf("ev-%d", i), Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))}
		if err := s.AppendMessage(ctx, id, entry); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	after, err := s.ListMessages(ctx, id, "ev-1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(after) != 2 || after[0].EventID != "ev-2" {
		t.Fatalf("history after ev-1 = %+v", after)
	}

	if err := s.SetLastEventID(ctx, id, "ev-3"); err != nil {
		t.Fatalf("SetLastEventID: %v", err)
	}
	marker, err := s.GetLastEventID(ctx, id)
	if err != nil || marker != "ev-3" {
		t.Fatalf("marker = %q, %v", marker, err)
	}

	// The marker overlays the record on reads.
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.LastEventID != "ev-3" {
		t.Fatalf("record LastEventID = %q, want ev-3", sess.LastEventID)
	}

	if err := s.DeleteMessages(ctx, id); err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	empty, _ := s.ListMessages(ctx, id, "")
	if len(empty) != 0 {
		t.Fatalf("history after delete = %+v", empty)
	}
}
