// Package sessions defines the proxy's session model and the pluggable store
// that persists it. A session is one logical client conversation, independent
// of which transports carry it on either side of the proxy.
package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound indicates the session ID is unknown to the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a create collided with an existing session ID.
	ErrSessionExists = errors.New("session already exists")
	// ErrStoreUnavailable indicates the backing store could not be reached.
	// Callers map backend-specific failures onto this sentinel.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// TransportKind identifies how one side of a session is carried.
type TransportKind string

const (
	// TransportStdio is a line-delimited standard-stream pipe.
	TransportStdio TransportKind = "stdio"
	// TransportHTTP is plain HTTP request/response.
	TransportHTTP TransportKind = "http"
	// TransportStreamingHTTP is HTTP with SSE-framed event stream responses.
	TransportStreamingHTTP TransportKind = "streaming_http"
)

// Session is the durable record of one client conversation. The transport
// kinds are fixed at creation; the proxy may bridge a streaming HTTP client
// onto a stdio upstream. Only LastEventID and LastActivity mutate after
// creation.
type Session struct {
	ID                string        `json:"id"`
	ClientTransport   TransportKind `json:"client_transport"`
	UpstreamTransport TransportKind `json:"upstream_transport"`
	ProtocolVersion   string        `json:"protocol_version"`

	// LastEventID is the resumption marker: the identifier of the last event
	// delivered to the client. Empty until the first delivery.
	LastEventID string `json:"last_event_id,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Clone returns a copy the caller may mutate freely.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// MessageEntry is one persisted history entry for a session, keyed by the
// event ID under which it was delivered. History backs client-side stream
// resumption (Last-Event-ID replay).
type MessageEntry struct {
	EventID  string    `json:"event_id"`
	Payload  []byte    `json:"payload"`
	StoredAt time.Time `json:"stored_at"`
}

// Store is the durable map from session ID to session record, resumption
// marker, and bounded message history.
//
// Implementations supply their own synchronization: every operation is atomic
// per session ID, and no cross-session transactions are required. The batch
// operations exist so a distributed backend can coalesce round trips; they
// carry no atomicity guarantee across sessions.
type Store interface {
	// CreateSession persists a new session record. Returns ErrSessionExists
	// if the ID is already present.
	CreateSession(ctx context.Context, sess *Session) error

	// GetSession returns the session record, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSession replaces the stored record for sess.ID, refreshing its
	// liveness timestamp. Returns ErrSessionNotFound if absent.
	UpdateSession(ctx context.Context, sess *Session) error

	// DeleteSession removes the record and all associated history. Deleting
	// an absent session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// GetSessions fetches many records in one round trip. Unknown IDs are
	// simply absent from the result.
	GetSessions(ctx context.Context, sessionIDs []string) (map[string]*Session, error)

	// UpdateSessions applies many record replacements in one round trip.
	// Unknown IDs are skipped.
	UpdateSessions(ctx context.Context, sess []*Session) error

	// AppendMessage appends one history entry for the session.
	AppendMessage(ctx context.Context, sessionID string, entry MessageEntry) error

	// ListMessages returns history entries after the given event ID, oldest
	// first. An empty afterEventID returns the full retained history; an
	// unknown afterEventID returns the full retained history as well, since
	// the entry it named may have been truncated.
	ListMessages(ctx context.Context, sessionID string, afterEventID string) ([]MessageEntry, error)

	// DeleteMessages drops all history for the session.
	DeleteMessages(ctx context.Context, sessionID string) error

	// GetLastEventID returns the session's resumption marker ("" if none).
	GetLastEventID(ctx context.Context, sessionID string) (string, error)

	// SetLastEventID records the resumption marker and refreshes liveness.
	SetLastEventID(ctx context.Context, sessionID string, eventID string) error

	// Close releases backend resources.
	Close() error
}
