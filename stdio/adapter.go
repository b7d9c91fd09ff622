package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kevinswiber/tapwire-sub000/internal/sse"
	"github.com/kevinswiber/tapwire-sub000/jsonrpc"
	"github.com/kevinswiber/tapwire-sub000/sessions"
)

// Bridge fronts one child process for clients arriving over streaming HTTP.
// It satisfies the proxy's upstream contract by synthesizing HTTP response
// shapes from the stdio exchange: requests become buffered JSON replies,
// notifications are accepted with an empty body, and the child's
// server-initiated feed is served as an event stream.
//
// The child has no notion of per-session streams or resumption markers, so
// DialStream ignores the marker and serves the shared feed; at most one
// listener stream should be open at a time. Terminate is a no-op: the child
// outlives sessions, and Close on the wrapped Upstream ends it.
type Bridge struct {
	up  *Upstream
	log *slog.Logger
}

// NewBridge wraps the child upstream.
func NewBridge(up *Upstream, opts ...Option) *Bridge {
	cfg := newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bridge{up: up, log: cfg.logger}
}

// Transport reports the kind recorded on sessions this upstream serves.
func (b *Bridge) Transport() sessions.TransportKind {
	return sessions.TransportStdio
}

// Forward dispatches one JSON-RPC payload to the child. Requests block for
// the correlated response; notifications return immediately with 202.
func (b *Bridge) Forward(ctx context.Context, _ *sessions.Session, payload []byte) (*http.Response, error) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	req := msg.AsRequest()
	if req == nil {
		return nil, fmt.Errorf("stdio upstream only forwards requests and notifications")
	}

	if req.ID.IsNil() {
		if err := b.up.Notify(ctx, req); err != nil {
			return nil, err
		}
		return syntheticResponse(http.StatusAccepted, "", nil), nil
	}

	resp, err := b.up.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding reply: %w", err)
	}
	return syntheticResponse(http.StatusOK, "application/json", body), nil
}

// DialStream serves the child's notification feed as an SSE body. The stream
// ends when ctx is canceled or the child exits; the resumption marker is
// ignored because the child replays nothing.
func (b *Bridge) DialStream(ctx context.Context, _ string, _ string) (*http.Response, error) {
	pr, pw := io.Pipe()
	go b.pump(ctx, pw)
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:          pr,
		ContentLength: -1,
	}, nil
}

// Terminate implements the upstream contract; the child carries no session
// state to tear down.
func (b *Bridge) Terminate(context.Context, string) error { return nil }

func (b *Bridge) pump(ctx context.Context, pw *io.PipeWriter) {
	for {
		select {
		case <-ctx.Done():
			_ = pw.CloseWithError(ctx.Err())
			return
		case msg, ok := <-b.up.Notifications():
			if !ok {
				// Child exited: a clean end of stream, not a mid-record cut.
				_ = pw.Close()
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				b.log.Warn("stdio.bridge.encode.fail", slog.String("err", err.Error()))
				continue
			}
			if err := sse.WriteEvent(pw, nil, sse.Event{Data: data}); err != nil {
				return
			}
		}
	}
}

func syntheticResponse(status int, contentType string, body []byte) *http.Response {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &http.Response{
		StatusCode:    status,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}
