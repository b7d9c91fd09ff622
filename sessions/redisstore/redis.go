// Package redisstore implements sessions.Store on Redis so multiple proxy
// instances can share session state. Records are JSON strings, history is a
// capped list, and the resumption marker lives under its own key so marker
// writes never race record updates.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/kevinswiber/tapwire-sub000/sessions"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=tapwire:sessions:"`
	// IdleTTL after which untouched sessions expire. ENV: SESSIONS_IDLE_TTL
	IdleTTL time.Duration `env:"SESSIONS_IDLE_TTL,default=30m"`
	// HistoryLimit caps retained history entries per session.
	// ENV: SESSIONS_HISTORY_LIMIT
	HistoryLimit int64 `env:"SESSIONS_HISTORY_LIMIT,default=256"`

	// Client, when set, is used instead of dialing RedisAddr.
	Client *redis.Client
}

// Store implements sessions.Store on Redis.
type Store struct {
	client       *redis.Client
	keyPrefix    string
	idleTTL      time.Duration
	historyLimit int64
}

// New constructs a Store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	cl := cfg.Client
	if cl == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		cl = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tapwire:sessions:"
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 256
	}
	return &Store{client: cl, keyPrefix: prefix, idleTTL: ttl, historyLimit: limit}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

var _ sessions.Store = (*Store)(nil)

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) sessKey(id string) string   { return s.keyPrefix + "sess:" + id }
func (s *Store) histKey(id string) string   { return s.keyPrefix + "hist:" + id }
func (s *Store) cursorKey(id string) string { return s.keyPrefix + "cursor:" + id }

func encodeSession(sess *sessions.Session) (string, error) {
	b, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	return string(b), nil
}

func decodeSession(raw string) (*sessions.Session, error) {
	var sess sessions.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// --- Session records ---

func (s *Store) CreateSession(ctx context.Context, sess *sessions.Session) error {
	cp := sess.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.LastActivity = time.Now()
	raw, err := encodeSession(cp)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.sessKey(cp.ID), raw, s.idleTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrSessionExists
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	var sessCmd, cursorCmd *redis.StringCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		sessCmd = p.Get(ctx, s.sessKey(sessionID))
		cursorCmd = p.Get(ctx, s.cursorKey(sessionID))
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}
	raw, err := sessCmd.Result()
	if err != nil {
		if err == redis.Nil {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, err
	}
	sess, err := decodeSession(raw)
	if err != nil {
		return nil, err
	}
	if cursor, err := cursorCmd.Result(); err == nil && cursor != "" {
		sess.LastEventID = cursor
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *sessions.Session) error {
	cp := sess.Clone()
	cp.LastActivity = time.Now()
	raw, err := encodeSession(cp)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, s.sessKey(cp.ID), raw, s.idleTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	_, err := s.client.Del(c, s.sessKey(sessionID), s.histKey(sessionID), s.cursorKey(sessionID)).Result()
	return err
}

// GetSessions coalesces many record reads into one round trip.
func (s *Store) GetSessions(ctx context.Context, sessionIDs []string) (map[string]*sessions.Session, error) {
	if len(sessionIDs) == 0 {
		return map[string]*sessions.Session{}, nil
	}
	sessCmds := make([]*redis.StringCmd, len(sessionIDs))
	cursorCmds := make([]*redis.StringCmd, len(sessionIDs))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range sessionIDs {
			sessCmds[i] = p.Get(ctx, s.sessKey(id))
			cursorCmds[i] = p.Get(ctx, s.cursorKey(id))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make(map[string]*sessions.Session, len(sessionIDs))
	for i, id := range sessionIDs {
		raw, err := sessCmds[i].Result()
		if err != nil {
			continue
		}
		sess, err := decodeSession(raw)
		if err != nil {
			continue
		}
		if cursor, err := cursorCmds[i].Result(); err == nil && cursor != "" {
			sess.LastEventID = cursor
		}
		out[id] = sess
	}
	return out, nil
}

// UpdateSessions coalesces many record replacements into one round trip.
func (s *Store) UpdateSessions(ctx context.Context, sess []*sessions.Session) error {
	if len(sess) == 0 {
		return nil
	}
	now := time.Now()
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, sc := range sess {
			cp := sc.Clone()
			cp.LastActivity = now
			raw, err := encodeSession(cp)
			if err != nil {
				return err
			}
			p.SetXX(ctx, s.sessKey(cp.ID), raw, s.idleTTL)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// --- Message history ---

func (s *Store) AppendMessage(ctx context.Context, sessionID string, me sessions.MessageEntry) error {
	if me.StoredAt.IsZero() {
		me.StoredAt = time.Now()
	}
	b, err := json.Marshal(me)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	key := s.histKey(sessionID)
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, b)
		p.LTrim(ctx, key, -s.historyLimit, -1)
		p.Expire(ctx, key, s.idleTTL)
		return nil
	})
	return err
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, afterEventID string) ([]sessions.MessageEntry, error) {
	raws, err := s.client.LRange(ctx, s.histKey(sessionID), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]sessions.MessageEntry, 0, len(raws))
	for _, raw := range raws {
		var me sessions.MessageEntry
		if err := json.Unmarshal([]byte(raw), &me); err != nil {
			continue
		}
		entries = append(entries, me)
	}
	if afterEventID != "" {
		for i := range entries {
			if entries[i].EventID == afterEventID {
				return entries[i+1:], nil
			}
		}
	}
	return entries, nil
}

func (s *Store) DeleteMessages(ctx context.Context, sessionID string) error {
	_, err := s.client.Del(ctx, s.histKey(sessionID)).Result()
	return err
}

// --- Resumption marker ---

func (s *Store) GetLastEventID(ctx context.Context, sessionID string) (string, error) {
	cursor, err := s.client.Get(ctx, s.cursorKey(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			// Fall back to the record itself; the marker key may have expired
			// independently.
			sess, err := s.GetSession(ctx, sessionID)
			if err != nil {
				return "", err
			}
			return sess.LastEventID, nil
		}
		return "", err
	}
	return cursor, nil
}

func (s *Store) SetLastEventID(ctx context.Context, sessionID string, eventID string) error {
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.cursorKey(sessionID), eventID, s.idleTTL)
		p.Expire(ctx, s.sessKey(sessionID), s.idleTTL)
		return nil
	})
	return err
}
