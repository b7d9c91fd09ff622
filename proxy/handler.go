package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/kevinswiber/tapwire-sub000/interceptor"
	"github.com/kevinswiber/tapwire-sub000/jsonrpc"
	"github.com/kevinswiber/tapwire-sub000/internal/logctx"
	"github.com/kevinswiber/tapwire-sub000/internal/sse"
	"github.com/kevinswiber/tapwire-sub000/sessions"
)

var _ http.Handler = (*Handler)(nil)

// ErrHandlerClosed is returned by Close when the drain deadline expires with
// streams still live.
var ErrHandlerClosed = errors.New("proxy handler closed")

// ErrReplyTooLarge indicates an upstream single reply exceeded the buffering
// ceiling. The reply is refused whole, never truncated.
var ErrReplyTooLarge = errors.New("upstream reply exceeds buffering limit")

// DefaultMaxReplyBytes bounds how much of a single JSON reply the proxy will
// buffer for interception. Larger replies are refused, never truncated.
const DefaultMaxReplyBytes = 4 << 20

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. This is transport-level framing, not JSON-RPC.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError writes a JSON-RPC error response on a 200, the shape clients
// expect for protocol-level rejections (a blocked message, say).
func writeRPCError(w http.ResponseWriter, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg, nil))
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	path              string
	logger            *slog.Logger
	interceptors      []interceptor.Interceptor
	maxReplyBytes     int64
	dedupWindow       int
	keepAliveInterval time.Duration
	reconnect         ReconnectConfig
}

// WithEndpointPath sets the URL path the proxy serves. Defaults to "/mcp".
func WithEndpointPath(path string) Option {
	return func(c *newConfig) { c.path = path }
}

// WithLogger sets the slog logger used by the handler. If not provided, the
// default logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithInterceptors registers the interceptor chain run against traffic in
// both directions.
func WithInterceptors(ics ...interceptor.Interceptor) Option {
	return func(c *newConfig) { c.interceptors = append(c.interceptors, ics...) }
}

// WithMaxReplyBytes caps single-reply buffering. Replies over the cap are
// refused with 502 before any buffering happens.
func WithMaxReplyBytes(n int64) Option {
	return func(c *newConfig) { c.maxReplyBytes = n }
}

// WithDedupWindow sets the per-stream duplicate-suppression window capacity.
func WithDedupWindow(n int) Option {
	return func(c *newConfig) { c.dedupWindow = n }
}

// WithKeepAliveInterval enables periodic comment frames on quiet client
// streams. Zero (the default) disables them.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepAliveInterval = d }
}

// WithReconnectConfig tunes the upstream reconnection policy.
func WithReconnectConfig(cfg ReconnectConfig) Option {
	return func(c *newConfig) { c.reconnect = cfg }
}

// Handler is the client-facing front end of the proxy. It accepts the three
// request shapes of the streamable HTTP transport, forwards them upstream,
// classifies each upstream response from headers alone, and dispatches the
// body to exactly one handling branch: buffered single reply, stream
// pipeline, or unbuffered passthrough.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	upstream Upstream
	store    sessions.Store
	chain    *interceptor.Chain
	cfg      newConfig

	mu      sync.Mutex
	closed  bool
	streams sync.WaitGroup
}

// New constructs a Handler over the upstream and session store, both required.
// Any Upstream implementation serves: HTTPUpstream for streamable HTTP
// servers, or a bridge onto another transport (stdio.Bridge, say).
func New(upstream Upstream, store sessions.Store, opts ...Option) (*Handler, error) {
	if upstream == nil {
		return nil, fmt.Errorf("upstream is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	cfg := newConfig{
		path:          "/mcp",
		logger:        slog.Default(),
		maxReplyBytes: DefaultMaxReplyBytes,
		dedupWindow:   DefaultDedupWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &Handler{
		log:      log,
		upstream: upstream,
		store:    store,
		chain:    interceptor.NewChain(cfg.interceptors, interceptor.WithLogger(log)),
		cfg:      cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.path), h.handleDelete)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Close drains: new streams are refused and Close returns once live streams
// finish or ctx expires, whichever comes first.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: drain deadline expired", ErrHandlerClosed)
	}
}

// acquireStream registers a stream with the drain group unless the handler is
// closed. The check and the registration happen under one lock so a stream
// can't slip past a concurrent Close and be missed by its Wait.
func (h *Handler) acquireStream() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.streams.Add(1)
	return true
}

// handlePost dispatches one client message upstream: initialize requests
// establish a session; everything else rides an existing one. The upstream's
// answer is classified and branched without ever reading its body twice.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)

	// Inbound interception happens before the upstream is contacted: a block
	// here means the upstream never sees the message.
	decision := h.chain.Process(ctx, &msg, &interceptor.MessageContext{
		SessionID:       sessID,
		ProtocolVersion: r.Header.Get(mcpProtocolVersionHeader),
		Direction:       interceptor.DirectionInbound,
	})
	switch decision.Action {
	case interceptor.ActionBlock:
		h.log.InfoContext(ctx, "rpc.inbound.blocked", slog.String("reason", decision.Reason))
		writeRPCError(w, msg.ID, jsonrpc.ErrorCodeInvalidRequest, blockMessage(decision.Reason))
		return
	case interceptor.ActionModify:
		b, err := json.Marshal(decision.Message)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode modified message")
			h.log.ErrorContext(ctx, "rpc.inbound.reserialize.fail", slog.String("err", err.Error()))
			return
		}
		raw = b
		msg = *decision.Message
	}

	if sessID == "" {
		h.handleInitialize(ctx, w, r, raw, &msg, start)
		return
	}

	sess, ok := h.loadSession(ctx, w, sessID, r.Header.Get(mcpProtocolVersionHeader))
	if !ok {
		return
	}

	sess.LastActivity = time.Now()
	if err := h.store.UpdateSession(ctx, sess); err != nil {
		// Activity tracking is advisory; the dispatch proceeds.
		h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}

	resp, err := h.upstream.Forward(ctx, sess, raw)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
		h.log.ErrorContext(ctx, "upstream.forward.fail", slog.String("err", err.Error()))
		return
	}

	h.dispatchResponse(ctx, w, r, sess, &msg, resp, start)
}

// handleInitialize establishes a new session: the initialize request is
// forwarded first, and a session is only created once the upstream accepts it.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, raw []byte, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != "initialize" || req.ID.IsNil() {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	resp, err := h.upstream.Forward(ctx, nil, raw)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
		h.log.ErrorContext(ctx, "session.initialize.forward.fail", slog.String("err", err.Error()))
		return
	}
	defer resp.Body.Close()

	meta := Classify(resp)
	if meta.Category != CategorySingleReply {
		writeJSONError(w, http.StatusBadGateway, "upstream answered initialize with "+meta.Category.String())
		h.log.ErrorContext(ctx, "session.initialize.unexpected_shape",
			slog.String("category", meta.Category.String()))
		return
	}

	body, ok := h.bufferReply(ctx, w, meta, resp.Body)
	if !ok {
		return
	}

	// The proxy fronts the upstream's session when it asserts one, otherwise
	// it mints its own identifier.
	sessID := meta.SessionID
	if sessID == "" {
		sessID = uuid.NewString()
	}

	now := time.Now()
	sess := &sessions.Session{
		ID:                sessID,
		ClientTransport:   sessions.TransportStreamingHTTP,
		UpstreamTransport: h.upstream.Transport(),
		ProtocolVersion:   initializeProtocolVersion(body),
		CreatedAt:         now,
		LastActivity:      now,
	}
	if err := h.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, sessions.ErrSessionExists) {
			err = h.store.UpdateSession(ctx, sess)
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create session")
			h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			return
		}
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		ProtocolVersion: sess.ProtocolVersion,
	})

	w.Header().Set(mcpSessionIDHeader, sess.ID)
	if sess.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	}
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// dispatchResponse takes ownership of an unconsumed upstream response and
// hands its body to exactly one branch.
func (h *Handler) dispatchResponse(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *sessions.Session, msg *jsonrpc.AnyMessage, resp *http.Response, start time.Time) {
	meta := Classify(resp)

	switch meta.Category {
	case CategorySingleReply:
		defer resp.Body.Close()
		h.serveSingleReply(ctx, w, sess, resp, meta, start)

	case CategoryEventStream:
		// The stream closes normally when the response to this request is
		// delivered; notifications open no request-scoped stream and take
		// an unbounded one.
		terminalID := ""
		if req := msg.AsRequest(); req != nil && !req.ID.IsNil() {
			terminalID = req.ID.String()
		}
		h.serveStream(ctx, w, r, sess, resp, terminalID, "")

	default:
		defer resp.Body.Close()
		h.servePassthrough(ctx, w, resp, start)
	}
}

// serveSingleReply buffers one bounded JSON reply, runs it through the chain
// once, and relays it. The memory ceiling is enforced before buffering when
// the length is declared, and during the read when it is not.
func (h *Handler) serveSingleReply(ctx context.Context, w http.ResponseWriter, sess *sessions.Session, resp *http.Response, meta UpstreamResponseMeta, start time.Time) {
	body, ok := h.bufferReply(ctx, w, meta, resp.Body)
	if !ok {
		return
	}

	out := body
	var reply jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &reply); err == nil {
		decision := h.chain.Process(ctx, &reply, &interceptor.MessageContext{
			SessionID:       sess.ID,
			ProtocolVersion: sess.ProtocolVersion,
			Direction:       interceptor.DirectionOutbound,
		})
		switch decision.Action {
		case interceptor.ActionBlock:
			h.log.InfoContext(ctx, "rpc.outbound.blocked", slog.String("reason", decision.Reason))
			writeRPCError(w, reply.ID, jsonrpc.ErrorCodeInternalError, blockMessage(decision.Reason))
			return
		case interceptor.ActionModify:
			if b, err := json.Marshal(decision.Message); err == nil {
				out = b
			} else {
				h.log.WarnContext(ctx, "rpc.outbound.reserialize.fail", slog.String("err", err.Error()))
			}
		}
	}

	if sess.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	}
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out); err != nil {
		h.log.ErrorContext(ctx, "reply.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.reply.ok", slog.Duration("dur", time.Since(start)))
}

// bufferReply reads a single reply under the configured ceiling. Oversized
// replies are refused with 502 before (declared length) or during (undeclared)
// buffering; a truncated reply is never forwarded.
func (h *Handler) bufferReply(ctx context.Context, w http.ResponseWriter, meta UpstreamResponseMeta, body io.Reader) ([]byte, bool) {
	if meta.ContentLength > h.cfg.maxReplyBytes {
		writeJSONError(w, http.StatusBadGateway, ErrReplyTooLarge.Error())
		h.log.WarnContext(ctx, "reply.too_large",
			slog.Int64("content_length", meta.ContentLength),
			slog.Int64("limit", h.cfg.maxReplyBytes))
		return nil, false
	}

	b, err := io.ReadAll(io.LimitReader(body, h.cfg.maxReplyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed to read upstream reply")
		h.log.ErrorContext(ctx, "reply.read.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if int64(len(b)) > h.cfg.maxReplyBytes {
		writeJSONError(w, http.StatusBadGateway, ErrReplyTooLarge.Error())
		h.log.WarnContext(ctx, "reply.too_large", slog.Int64("limit", h.cfg.maxReplyBytes))
		return nil, false
	}
	return b, true
}

// servePassthrough relays a response the proxy has no protocol knowledge of:
// status and headers copied, body streamed byte-for-byte, unbuffered and
// uninterpreted.
func (h *Handler) servePassthrough(ctx context.Context, w http.ResponseWriter, resp *http.Response, start time.Time) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.log.WarnContext(ctx, "passthrough.copy.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "passthrough.ok",
		slog.Int("status", resp.StatusCode),
		slog.Duration("dur", time.Since(start)))
}

// serveStream commits the client connection to SSE and runs the pipeline over
// the upstream body. replayAfter, when non-empty, replays stored history with
// identifiers after that marker before going live.
func (h *Handler) serveStream(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *sessions.Session, resp *http.Response, terminalID string, replayAfter string) {
	if !h.acquireStream() {
		resp.Body.Close()
		writeJSONError(w, http.StatusServiceUnavailable, "proxy is draining")
		return
	}
	defer h.streams.Done()

	f, ok := w.(http.Flusher)
	if !ok {
		resp.Body.Close()
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}

	if sess.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	}
	w.Header().Set(mcpSessionIDHeader, sess.ID)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	tracker := NewEventTracker(h.cfg.dedupWindow)
	if last, err := h.store.GetLastEventID(ctx, sess.ID); err == nil && last != "" {
		tracker.Seed(last)
	} else if err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		// Marker reads degrade to live-only delivery; resumption is an
		// optimization, not a gate.
		h.log.WarnContext(ctx, "session.marker.read.fail", slog.String("err", err.Error()))
	}

	if replayAfter != "" {
		h.replayHistory(ctx, wf, sess.ID, replayAfter, tracker)
	}

	recon := NewReconnectionManager(h.upstream, h.cfg.reconnect, h.log)
	pipeline := NewStreamPipeline(sess.ID, sess.ProtocolVersion, h.chain, tracker, h.store, recon, PipelineConfig{
		KeepAliveInterval: h.cfg.keepAliveInterval,
		TerminalRequestID: terminalID,
	}, h.log)

	if err := pipeline.Run(r.Context(), resp.Body, wf, wf); err != nil && !errors.Is(err, context.Canceled) {
		h.log.WarnContext(ctx, "stream.pipeline.fail",
			slog.String("err", err.Error()),
			slog.Int64("skipped_records", pipeline.SkippedRecords()))
	}
}

// replayHistory writes stored events after the client's resumption marker and
// primes the tracker so the live stream won't redeliver them.
func (h *Handler) replayHistory(ctx context.Context, wf *lockedWriteFlusher, sessionID, afterEventID string, tracker *EventTracker) {
	entries, err := h.store.ListMessages(ctx, sessionID, afterEventID)
	if err != nil {
		h.log.WarnContext(ctx, "session.history.read.fail", slog.String("err", err.Error()))
		return
	}
	for _, e := range entries {
		ev := sse.Event{ID: e.EventID, Data: e.Payload}
		if err := sse.WriteEvent(wf, wf, ev); err != nil {
			h.log.WarnContext(ctx, "session.history.write.fail", slog.String("err", err.Error()))
			return
		}
		tracker.Record(e.EventID)
		tracker.MarkDelivered(e.EventID)
	}
	if n := len(entries); n > 0 {
		h.log.InfoContext(ctx, "session.history.replayed", slog.Int("events", n))
	}
}

// handleGet opens (or resumes) the session's listener stream.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, ok := h.loadSession(ctx, w, sessID, r.Header.Get(mcpProtocolVersionHeader))
	if !ok {
		return
	}

	// The client's marker wins; fall back to the persisted one. A failed
	// marker read degrades to live-only delivery.
	lastEventID := r.Header.Get(lastEventIDHeader)
	if lastEventID == "" {
		if persisted, err := h.store.GetLastEventID(ctx, sess.ID); err == nil {
			lastEventID = persisted
		} else if !errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.WarnContext(ctx, "session.marker.read.fail", slog.String("err", err.Error()))
		}
	}

	resp, err := h.upstream.DialStream(ctx, sess.ID, lastEventID)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "upstream stream unavailable")
		h.log.ErrorContext(ctx, "upstream.stream.dial.fail", slog.String("err", err.Error()))
		return
	}

	meta := Classify(resp)
	if meta.Category != CategoryEventStream {
		resp.Body.Close()
		writeJSONError(w, http.StatusBadGateway, "upstream answered "+meta.Category.String()+" instead of an event stream")
		h.log.ErrorContext(ctx, "upstream.stream.unexpected_shape",
			slog.String("category", meta.Category.String()))
		return
	}

	h.serveStream(ctx, w, r, sess, resp, "", lastEventID)
}

// handleDelete terminates a session: the upstream is told best-effort, then
// the session and its stream state are removed.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess, ok := h.loadSession(ctx, w, sessID, r.Header.Get(mcpProtocolVersionHeader))
	if !ok {
		return
	}

	if err := h.upstream.Terminate(ctx, sess.ID); err != nil {
		// The upstream may already consider the session gone; local cleanup
		// proceeds regardless.
		h.log.WarnContext(ctx, "upstream.terminate.fail", slog.String("err", err.Error()))
	}

	if err := h.store.DeleteMessages(ctx, sess.ID); err != nil {
		h.log.WarnContext(ctx, "session.history.delete.fail", slog.String("err", err.Error()))
	}
	if err := h.store.DeleteSession(ctx, sess.ID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.InfoContext(ctx, "session.delete.miss")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if sess.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// loadSession fetches the session and enforces the protocol version pin. On
// failure it writes the rejection and returns ok=false.
func (h *Handler) loadSession(ctx context.Context, w http.ResponseWriter, sessID, clientPV string) (*sessions.Session, bool) {
	sess, err := h.store.GetSession(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return nil, false
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return nil, false
	}

	if clientPV != "" && sess.ProtocolVersion != "" && clientPV != sess.ProtocolVersion {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch",
			slog.String("client_version", clientPV),
			slog.String("session_version", sess.ProtocolVersion))
		return nil, false
	}
	return sess, true
}

func blockMessage(reason string) string {
	if reason == "" {
		return "message blocked by policy"
	}
	return "message blocked by policy: " + reason
}

// initializeProtocolVersion extracts the negotiated protocol version from an
// initialize reply, best-effort.
func initializeProtocolVersion(body []byte) string {
	var reply struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return ""
	}
	return reply.Result.ProtocolVersion
}

// hop-by-hop headers are connection-scoped and never relayed.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// lockedWriteFlusher serializes writes/flushes from the pipeline's writer and
// keep-alive paths and refuses writes after the request context is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}
