package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kevinswiber/tapwire-sub000/interceptor"
	"github.com/kevinswiber/tapwire-sub000/jsonrpc"
	"github.com/kevinswiber/tapwire-sub000/internal/sse"
	"github.com/kevinswiber/tapwire-sub000/sessions"
)

// StreamState is the pipeline lifecycle:
// Streaming → {Reconnecting → Streaming}* → Closed.
type StreamState int32

const (
	StateStreaming StreamState = iota
	StateReconnecting
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PipelineConfig tunes one stream pipeline. Zero values take defaults.
type PipelineConfig struct {
	// SinkBuffer is the capacity of the bounded channel between the upstream
	// consumer and the client writer. When the client falls behind and the
	// channel fills, upstream byte reads pause: backpressure, not buffering.
	SinkBuffer int
	// KeepAliveInterval emits a comment frame to the client when no event
	// has been written for this long. Zero disables keep-alives.
	KeepAliveInterval time.Duration
	// TerminalRequestID, when set, marks the stream as request-scoped: the
	// response echoing this ID is the final event and ends the stream
	// normally. Unset streams (client GET listeners) only end on disconnect
	// or cancellation.
	TerminalRequestID string
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = 16
	}
	return c
}

// StreamPipeline incrementally parses an upstream event-stream body, runs
// each event through the interceptor chain, forwards it to the client sink,
// records its identifier, and hands disconnects to the ReconnectionManager.
type StreamPipeline struct {
	sessionID       string
	protocolVersion string
	chain           *interceptor.Chain
	tracker         *EventTracker
	store           sessions.Store
	recon           *ReconnectionManager
	cfg             PipelineConfig
	log             *slog.Logger

	state     atomic.Int32
	skipped   atomic.Int64
	persistCh chan sse.Event
}

// NewStreamPipeline assembles a pipeline for one session's stream. The store
// may be nil, in which case identifiers are tracked in memory only.
func NewStreamPipeline(sessionID, protocolVersion string, chain *interceptor.Chain, tracker *EventTracker, store sessions.Store, recon *ReconnectionManager, cfg PipelineConfig, log *slog.Logger) *StreamPipeline {
	if log == nil {
		log = slog.Default()
	}
	if tracker == nil {
		tracker = NewEventTracker(0)
	}
	return &StreamPipeline{
		sessionID:       sessionID,
		protocolVersion: protocolVersion,
		chain:           chain,
		tracker:         tracker,
		store:           store,
		recon:           recon,
		cfg:             cfg.withDefaults(),
		log:             log,
	}
}

// State returns the current lifecycle state.
func (p *StreamPipeline) State() StreamState { return StreamState(p.state.Load()) }

func (p *StreamPipeline) setState(s StreamState) { p.state.Store(int32(s)) }

// SkippedRecords returns how many malformed records were dropped so far.
func (p *StreamPipeline) SkippedRecords() int64 { return p.skipped.Load() }

// Tracker exposes the pipeline's event tracker.
func (p *StreamPipeline) Tracker() *EventTracker { return p.tracker }

type consumeResult int

const (
	consumeDone consumeResult = iota
	consumeCanceled
	consumeDisconnect
)

// Run drives body → client until normal termination, client cancellation, or
// reconnection exhaustion. Run owns body and closes it. The writer w plus
// flusher f form the client-facing sink; Run is the only writer to them for
// its duration.
func (p *StreamPipeline) Run(ctx context.Context, body io.ReadCloser, w io.Writer, f sse.Flusher) error {
	defer p.setState(StateClosed)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := make(chan sse.Event, p.cfg.SinkBuffer)
	writerDone := make(chan error, 1)
	go p.writeLoop(runCtx, sink, w, f, cancel, writerDone)

	persistCh := make(chan sse.Event, 64)
	persistDone := make(chan struct{})
	go p.persistLoop(persistCh, persistDone)
	p.persistCh = persistCh

	finish := func(err error) error {
		close(sink)
		werr := <-writerDone
		close(persistCh)
		<-persistDone
		if err == nil {
			err = werr
		}
		return err
	}

	cur := body
	for {
		p.setState(StateStreaming)
		res := p.consume(runCtx, cur, sink)
		cur.Close()

		switch res {
		case consumeDone:
			p.log.InfoContext(runCtx, "stream.pipeline.done")
			return finish(nil)

		case consumeCanceled:
			err := finish(nil)
			if err == nil {
				err = ctx.Err()
			}
			return err

		case consumeDisconnect:
			p.setState(StateReconnecting)
			lastID, _ := p.tracker.LastID()
			p.log.InfoContext(runCtx, "stream.pipeline.reconnecting",
				slog.String("last_event_id", lastID))

			if p.recon == nil {
				return finish(io.ErrUnexpectedEOF)
			}
			resp, err := p.recon.Reconnect(runCtx, p.sessionID, lastID)
			if err != nil {
				// Exhausted (or canceled): tell the client with a terminal
				// error event instead of hanging, then clear stream state so
				// a later resume starts clean.
				p.sendTerminalError(runCtx, sink, err)
				ferr := finish(err)
				p.clearStreamState(ctx)
				return ferr
			}
			cur = resp.Body
		}
	}
}

// consume parses one upstream connection until it ends. The bounded sink send
// is the backpressure point: a full sink pauses upstream reads.
func (p *StreamPipeline) consume(ctx context.Context, body io.ReadCloser, sink chan<- sse.Event) consumeResult {
	ar := newActivityReader(body)
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	// Cancellation must unblock a read stuck on a silent upstream; closing
	// the body is the only lever that reaches it.
	go func() {
		<-connCtx.Done()
		body.Close()
	}()
	if p.recon != nil {
		// Stall detection works the same way: close the body so the blocked
		// read fails and the disconnect path takes over.
		go p.recon.WatchIdle(connCtx, ar.LastActivity, func() { body.Close() })
	}

	sc := sse.NewScanner(ar)
	defer func() { p.skipped.Add(int64(sc.Skipped())) }()

	for {
		ev, err := sc.Next()
		if err != nil {
			if ctx.Err() != nil {
				return consumeCanceled
			}
			if err == io.EOF {
				// Clean EOF before the terminal response (or on a listener
				// stream, which has no well-formed end) is still a disconnect.
				return consumeDisconnect
			}
			// io.ErrUnexpectedEOF (mid-record cut) and transport errors land
			// here.
			p.log.WarnContext(ctx, "stream.connection.lost", slog.String("err", err.Error()))
			return consumeDisconnect
		}

		if !p.tracker.Record(ev.ID) {
			p.log.DebugContext(ctx, "stream.event.duplicate", slog.String("event_id", ev.ID))
			continue
		}

		forward, terminal := p.intercept(ctx, &ev)
		if !forward {
			continue
		}

		select {
		case sink <- ev:
		case <-ctx.Done():
			return consumeCanceled
		}

		if terminal {
			return consumeDone
		}
	}
}

// intercept runs the event's payload through the chain when it parses as a
// protocol message. Payloads that don't parse are forwarded untouched: the
// chain inspects protocol traffic, it does not validate framing.
func (p *StreamPipeline) intercept(ctx context.Context, ev *sse.Event) (forward bool, terminal bool) {
	if len(ev.Data) == 0 {
		return true, false
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		return true, false
	}

	terminal = p.isTerminal(&msg)

	decision := p.chain.Process(ctx, &msg, &interceptor.MessageContext{
		SessionID:       p.sessionID,
		ProtocolVersion: p.protocolVersion,
		Direction:       interceptor.DirectionOutbound,
		EventID:         ev.ID,
	})

	switch decision.Action {
	case interceptor.ActionBlock:
		p.log.InfoContext(ctx, "stream.event.blocked",
			slog.String("event_id", ev.ID),
			slog.String("reason", decision.Reason))
		return false, false
	case interceptor.ActionModify:
		if b, err := json.Marshal(decision.Message); err == nil {
			ev.Data = b
		} else {
			p.log.WarnContext(ctx, "stream.event.reserialize.fail", slog.String("err", err.Error()))
		}
	}
	return true, terminal
}

func (p *StreamPipeline) isTerminal(msg *jsonrpc.AnyMessage) bool {
	if p.cfg.TerminalRequestID == "" {
		return false
	}
	return msg.Type() == "response" && msg.ID.String() == p.cfg.TerminalRequestID
}

// writeLoop is the client-serving task: it drains the sink, writes frames,
// records delivery, and enqueues write-behind persistence. A failed client
// write cancels the whole run.
func (p *StreamPipeline) writeLoop(ctx context.Context, sink <-chan sse.Event, w io.Writer, f sse.Flusher, cancel context.CancelFunc, done chan<- error) {
	var keepalive <-chan time.Time
	var ticker *time.Ticker
	if p.cfg.KeepAliveInterval > 0 {
		ticker = time.NewTicker(p.cfg.KeepAliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case ev, ok := <-sink:
			if !ok {
				done <- nil
				return
			}
			if err := sse.WriteEvent(w, f, ev); err != nil {
				p.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				cancel()
				done <- err
				// Drain remaining events so the consumer never deadlocks on
				// the sink.
				for range sink {
				}
				return
			}
			p.tracker.MarkDelivered(ev.ID)
			p.enqueuePersist(ctx, ev)
			if ticker != nil {
				ticker.Reset(p.cfg.KeepAliveInterval)
			}
		case <-keepalive:
			if err := sse.WriteComment(w, f, "keepalive"); err != nil {
				cancel()
				done <- err
				for range sink {
				}
				return
			}
		}
	}
}

// enqueuePersist hands the delivered event to the write-behind persister.
// Persistence need not complete before the next event; when the queue is
// full the entry is dropped, which only widens the replay window.
func (p *StreamPipeline) enqueuePersist(ctx context.Context, ev sse.Event) {
	if p.store == nil || ev.ID == "" {
		return
	}
	select {
	case p.persistCh <- ev:
	default:
		p.log.WarnContext(ctx, "stream.persist.queue_full", slog.String("event_id", ev.ID))
	}
}

// persistLoop applies write-behind marker and history writes. Failures are
// retried once and then dropped: persistence here is best-effort, not a
// correctness requirement for a live stream.
func (p *StreamPipeline) persistLoop(ch <-chan sse.Event, done chan<- struct{}) {
	defer close(done)
	if p.store == nil {
		for range ch {
		}
		return
	}
	ctx := context.Background()
	for ev := range ch {
		p.persistWithRetry(ctx, "stream.persist.marker.fail", func() error {
			return p.store.SetLastEventID(ctx, p.sessionID, ev.ID)
		})
		entry := sessions.MessageEntry{EventID: ev.ID, Payload: ev.Data, StoredAt: time.Now()}
		p.persistWithRetry(ctx, "stream.persist.history.fail", func() error {
			return p.store.AppendMessage(ctx, p.sessionID, entry)
		})
	}
}

func (p *StreamPipeline) persistWithRetry(ctx context.Context, event string, fn func() error) {
	err := fn()
	if err == nil {
		return
	}
	if err = fn(); err == nil {
		return
	}
	p.log.WarnContext(ctx, event,
		slog.String("session_id", p.sessionID),
		slog.String("err", err.Error()))
}

// sendTerminalError pushes a final error event so the client learns the
// stream is over instead of waiting on a dead connection.
func (p *StreamPipeline) sendTerminalError(ctx context.Context, sink chan<- sse.Event, cause error) {
	resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInternalError, "upstream unavailable: "+cause.Error(), nil)
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case sink <- sse.Event{Name: "error", Data: b}:
	case <-ctx.Done():
	}
}

// clearStreamState drops the resumption marker and history after the stream
// is abandoned; a future stream for this session starts from scratch.
func (p *StreamPipeline) clearStreamState(ctx context.Context) {
	if p.store == nil {
		return
	}
	c := context.WithoutCancel(ctx)
	if err := p.store.SetLastEventID(c, p.sessionID, ""); err != nil {
		p.log.WarnContext(c, "stream.state.clear.fail", slog.String("err", err.Error()))
	}
	if err := p.store.DeleteMessages(c, p.sessionID); err != nil {
		p.log.WarnContext(c, "stream.state.clear.fail", slog.String("err", err.Error()))
	}
}

// activityReader timestamps every successful read so the stall health check
// can see liveness, keep-alive comment bytes included.
type activityReader struct {
	r    io.Reader
	last atomic.Int64
}

func newActivityReader(r io.Reader) *activityReader {
	ar := &activityReader{r: r}
	ar.last.Store(time.Now().UnixNano())
	return ar
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.last.Store(time.Now().UnixNano())
	}
	return n, err
}

func (a *activityReader) LastActivity() time.Time {
	return time.Unix(0, a.last.Load())
}
