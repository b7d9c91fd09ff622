// Package logctx enriches slog records with request, session, and upstream
// stream data carried in the context, so call sites only log the event name
// and any attrs unique to that event.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("client_transport", sd.ClientTransport),
			slog.String("upstream_transport", sd.UpstreamTransport),
			slog.String("protocol_version", sd.ProtocolVersion),
		))
	}

	if ud, ok := ctx.Value(upstreamDataKey{}).(*UpstreamData); ok {
		r.AddAttrs(slog.Group("upstream",
			slog.String("endpoint", ud.Endpoint),
			slog.String("last_event_id", ud.LastEventID),
			slog.Int("attempt", ud.Attempt),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID         string
	ClientTransport   string
	UpstreamTransport string
	ProtocolVersion   string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type upstreamDataKey struct{}

// UpstreamData describes the upstream stream a log record concerns. Attempt
// is zero for the initial connection and counts reconnects after that.
type UpstreamData struct {
	Endpoint    string
	LastEventID string
	Attempt     int
}

func WithUpstreamData(ctx context.Context, data *UpstreamData) context.Context {
	return context.WithValue(ctx, upstreamDataKey{}, data)
}
