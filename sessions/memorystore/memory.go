// Package memorystore provides the reference in-process implementation of
// sessions.Store. State is process-lifetime only. Records are spread across a
// fixed set of buckets, each guarded by its own lock, so concurrent sessions
// rarely contend.
package memorystore

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/kevinswiber/tapwire-sub000/sessions"
)

const bucketCount = 32

// Option configures the store.
type Option func(*config)

type config struct {
	idleTTL         time.Duration
	historyLimit    int
	cleanupInterval time.Duration
}

// WithIdleTTL sets how long a session may stay untouched before the janitor
// removes it. Zero disables idle expiry.
func WithIdleTTL(d time.Duration) Option {
	return func(c *config) { c.idleTTL = d }
}

// WithHistoryLimit bounds the retained message history per session. Oldest
// entries are truncated first.
func WithHistoryLimit(n int) Option {
	return func(c *config) { c.historyLimit = n }
}

// WithCleanupInterval sets the janitor period.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) { c.cleanupInterval = d }
}

// Store implements sessions.Store in process memory.
type Store struct {
	cfg       config
	buckets   [bucketCount]bucket
	stop      chan struct{}
	closeOnce sync.Once
}

type bucket struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	sess    sessions.Session
	history []sessions.MessageEntry
}

// New constructs a memory store and starts its idle-expiry janitor.
func New(opts ...Option) *Store {
	cfg := config{
		idleTTL:         30 * time.Minute,
		historyLimit:    256,
		cleanupInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Store{cfg: cfg, stop: make(chan struct{})}
	for i := range s.buckets {
		s.buckets[i].entries = make(map[string]*entry)
	}
	if cfg.idleTTL > 0 {
		go s.cleanupExpired()
	}
	return s
}

var _ sessions.Store = (*Store)(nil)

func (s *Store) bucketFor(sessionID string) *bucket {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &s.buckets[h.Sum32()%bucketCount]
}

func (s *Store) CreateSession(ctx context.Context, sess *sessions.Session) error {
	b := s.bucketFor(sess.ID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[sess.ID]; exists {
		return sessions.ErrSessionExists
	}
	cp := *sess
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.LastActivity = time.Now()
	b.entries[sess.ID] = &entry{sess: cp}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	b := s.bucketFor(sessionID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	cp := e.sess
	return &cp, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *sessions.Session) error {
	b := s.bucketFor(sess.ID)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[sess.ID]
	if !ok {
		return sessions.ErrSessionNotFound
	}
	cp := *sess
	cp.LastActivity = time.Now()
	e.sess = cp
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	b := s.bucketFor(sessionID)
	b.mu.Lock()
	delete(b.entries, sessionID)
	b.mu.Unlock()
	return nil
}

func (s *Store) GetSessions(ctx context.Context, sessionIDs []string) (map[string]*sessions.Session, error) {
	out := make(map[string]*sessions.Session, len(sessionIDs))
	for _, id := range sessionIDs {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			continue
		}
		out[id] = sess
	}
	return out, nil
}

func (s *Store) UpdateSessions(ctx context.Context, sess []*sessions.Session) error {
	for _, sc := range sess {
		if err := s.UpdateSession(ctx, sc); err != nil && err != sessions.ErrSessionNotFound {
			return err
		}
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, me sessions.MessageEntry) error {
	b := s.bucketFor(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[sessionID]
	if !ok {
		return sessions.ErrSessionNotFound
	}
	if me.StoredAt.IsZero() {
		me.StoredAt = time.Now()
	}
	me.Payload = append([]byte(nil), me.Payload...)
	e.history = append(e.history, me)
	if s.cfg.historyLimit > 0 && len(e.history) > s.cfg.historyLimit {
		e.history = e.history[len(e.history)-s.cfg.historyLimit:]
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, afterEventID string) ([]sessions.MessageEntry, error) {
	b := s.bucketFor(sessionID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	start := 0
	if afterEventID != "" {
		for i := range e.history {
			if e.history[i].EventID == afterEventID {
				start = i + 1
				break
			}
		}
	}
	out := make([]sessions.MessageEntry, len(e.history)-start)
	copy(out, e.history[start:])
	return out, nil
}

func (s *Store) DeleteMessages(ctx context.Context, sessionID string) error {
	b := s.bucketFor(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[sessionID]; ok {
		e.history = nil
	}
	return nil
}

func (s *Store) GetLastEventID(ctx context.Context, sessionID string) (string, error) {
	b := s.bucketFor(sessionID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[sessionID]
	if !ok {
		return "", sessions.ErrSessionNotFound
	}
	return e.sess.LastEventID, nil
}

func (s *Store) SetLastEventID(ctx context.Context, sessionID string, eventID string) error {
	b := s.bucketFor(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[sessionID]
	if !ok {
		return sessions.ErrSessionNotFound
	}
	e.sess.LastEventID = eventID
	e.sess.LastActivity = time.Now()
	return nil
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// cleanupExpired periodically drops sessions idle beyond the TTL.
func (s *Store) cleanupExpired() {
	ticker := time.NewTicker(s.cfg.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-s.cfg.idleTTL)
		for i := range s.buckets {
			b := &s.buckets[i]
			b.mu.Lock()
			for id, e := range b.entries {
				if e.sess.LastActivity.Before(cutoff) {
					delete(b.entries, id)
				}
			}
			b.mu.Unlock()
		}
	}
}
