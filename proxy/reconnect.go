package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kevinswiber/tapwire-sub000/internal/logctx"
)

// ErrReconnectExhausted indicates the reconnection attempt ceiling was hit
// without re-establishing an upstream stream. The client stream is closed
// with a terminal error event rather than left hanging.
var ErrReconnectExhausted = errors.New("upstream reconnection attempts exhausted")

// StreamDialer re-issues the upstream request that produced an event stream.
// A non-empty lastEventID is carried as the resumption marker so the upstream
// continues the sequence rather than restarting it.
type StreamDialer interface {
	DialStream(ctx context.Context, sessionID string, lastEventID string) (*http.Response, error)
}

// ReconnectConfig bounds the retry policy. Zero values take defaults.
type ReconnectConfig struct {
	// MaxAttempts is the ceiling on consecutive failed dials before the
	// stream is abandoned.
	MaxAttempts int
	// InitialDelay seeds the exponential backoff.
	InitialDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// RandomizationFactor spreads retries to avoid synchronized storms.
	RandomizationFactor float64
	// IdleTimeout is the stall window: a live stream delivering no bytes
	// (keep-alive comments included) for this long is proactively treated as
	// disconnected. Zero disables the health check.
	IdleTimeout time.Duration
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	return c
}

// ReconnectionManager owns the retry/backoff policy for dropped upstream
// streams. It is stateless across streams; each Reconnect call runs its own
// backoff schedule.
type ReconnectionManager struct {
	cfg    ReconnectConfig
	dialer StreamDialer
	log    *slog.Logger
}

// NewReconnectionManager builds a manager around the dialer. A nil logger
// falls back to slog.Default().
func NewReconnectionManager(dialer StreamDialer, cfg ReconnectConfig, log *slog.Logger) *ReconnectionManager {
	if log == nil {
		log = slog.Default()
	}
	return &ReconnectionManager{cfg: cfg.withDefaults(), dialer: dialer, log: log}
}

// IdleTimeout exposes the configured stall window.
func (m *ReconnectionManager) IdleTimeout() time.Duration { return m.cfg.IdleTimeout }

// Reconnect re-issues the upstream request carrying the resumption marker,
// retrying with jittered exponential backoff until a stream response is
// obtained or the attempt ceiling is exhausted. The returned response's body
// is an unconsumed event stream.
func (m *ReconnectionManager) Reconnect(ctx context.Context, sessionID string, lastEventID string) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialDelay
	bo.MaxInterval = m.cfg.MaxDelay
	bo.RandomizationFactor = m.cfg.RandomizationFactor
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not wall clock

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		actx := logctx.WithUpstreamData(ctx, &logctx.UpstreamData{
			LastEventID: lastEventID,
			Attempt:     attempt,
		})

		resp, err := m.dialer.DialStream(ctx, sessionID, lastEventID)
		if err == nil {
			meta := Classify(resp)
			if meta.Category == CategoryEventStream {
				m.log.InfoContext(actx, "upstream.reconnect.ok")
				return resp, nil
			}
			// The upstream answered but not with a stream; its body belongs
			// to nobody, so discard it and keep retrying.
			resp.Body.Close()
			err = fmt.Errorf("upstream answered %q instead of an event stream", meta.Category)
		}
		lastErr = err
		m.log.WarnContext(actx, "upstream.reconnect.fail", slog.String("err", err.Error()))

		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.cfg.MaxAttempts, lastErr)
}

// WatchIdle runs the stall health check: it calls stall once if lastActivity
// stays older than the idle window, then returns. It returns immediately when
// the health check is disabled. Intended to run as its own goroutine
// alongside a live stream.
func (m *ReconnectionManager) WatchIdle(ctx context.Context, lastActivity func() time.Time, stall func()) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	// Poll at a fraction of the window; precision beyond that buys nothing.
	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(lastActivity()) > m.cfg.IdleTimeout {
				m.log.WarnContext(ctx, "upstream.stream.stalled",
					slog.Duration("idle_timeout", m.cfg.IdleTimeout))
				stall()
				return
			}
		}
	}
}
