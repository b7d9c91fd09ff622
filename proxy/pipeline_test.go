package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kevinswiber/tapwire-sub000/interceptor"
	"github.com/kevinswiber/tapwire-sub000/jsonrpc"
	"github.com/kevinswiber/tapwire-sub000/internal/sse"
	"github.com/kevinswiber/tapwire-sub000/sessions"
	"github.com/kevinswiber/tapwire-sub000/sessions/memorystore"
)

type flushBuffer struct {
	bytes.Buffer
}

func (f *flushBuffer) Flush() {}

func notification(method string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","method":%q}`, method)
}

func responseFor(id int) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","result":{},"id":%d}`, id)
}

func sseFrame(id, data string) string {
	return fmt.Sprintf("id: %s\ndata: %s\n\n", id, data)
}

func collectEvents(t *testing.T, raw []byte) []sse.Event {
	t.Helper()
	var out []sse.Event
	sc := sse.NewScanner(bytes.NewReader(raw))
	for {
		ev, err := sc.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("parsing client output: %v", err)
		}
		out = append(out, ev)
	}
}

func pipelineFixture(t *testing.T, store sessions.Store, chain *interceptor.Chain, recon *ReconnectionManager, terminalID string) *StreamPipeline {
	t.Helper()
	return NewStreamPipeline("s1", "2025-06-18", chain, NewEventTracker(16), store, recon, PipelineConfig{
		TerminalRequestID: terminalID,
	}, nil)
}

func newStoreWithSession(t *testing.T) *memorystore.Store {
	t.Helper()
	store := memorystore.New()
	t.Cleanup(func() { _ = store.Close() })
	err := store.CreateSession(context.Background(), &sessions.Session{
		ID:              "s1",
		ClientTransport: sessions.TransportStreamingHTTP,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return store
}

func TestPipelineDeliversInOrderAndTerminates(t *testing.T) {
	store := newStoreWithSession(t)
	body := sseFrame("ev-1", notification("notifications/progress")) +
		sseFrame("ev-2", notification("notifications/progress")) +
		sseFrame("ev-3", responseFor(1))

	p := pipelineFixture(t, store, nil, nil, "1")

	var out flushBuffer
	if err := p.Run(context.Background(), io.NopCloser(strings.NewReader(body)), &out, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := collectEvents(t, out.Bytes())
	if len(events) != 3 {
		t.Fatalf("delivered %d events, want 3", len(events))
	}
	for i, want := range []string{"ev-1", "ev-2", "ev-3"} {
		if events[i].ID != want {
			t.Fatalf("event %d id = %q, want %q", i, events[i].ID, want)
		}
	}

	if p.State() != StateClosed {
		t.Fatalf("state = %v, want closed", p.State())
	}
	if id, ok := p.Tracker().LastID(); !ok || id != "ev-3" {
		t.Fatalf("LastID = %q, %v", id, ok)
	}

	// Write-behind persistence settles before Run returns.
	marker, err := store.GetLastEventID(context.Background(), "s1")
	if err != nil || marker != "ev-3" {
		t.Fatalf("persisted marker = %q, %v", marker, err)
	}
	hist, _ := store.ListMessages(context.Background(), "s1", "")
	if len(hist) != 3 {
		t.Fatalf("persisted history = %d entries, want 3", len(hist))
	}
}

func TestPipelineSuppressesDuplicates(t *testing.T) {
	store := newStoreWithSession(t)
	body := sseFrame("ev-1", notification("a")) +
		sseFrame("ev-1", notification("a")) +
		sseFrame("ev-2", responseFor(1))

	p := pipelineFixture(t, store, nil, nil, "1")
	var out flushBuffer
	if err := p.Run(context.Background(), io.NopCloser(strings.NewReader(body)), &out, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := collectEvents(t, out.Bytes())
	if len(events) != 2 {
		t.Fatalf("delivered %d events, want 2 (duplicate suppressed)", len(events))
	}
	if events[0].ID != "ev-1" || events[1].ID != "ev-2" {
		t.Fatalf("events = %+v", events)
	}
}

func TestPipelineReconnectSplicesWithoutGapsOrDuplicates(t *testing.T) {
	store := newStoreWithSession(t)

	// The resumed stream replays ev-2 (which must be suppressed) and then
	// continues with ev-3 and the terminal response.
	resumed := sseFrame("ev-2", notification("b")) +
		sseFrame("ev-3", notification("c")) +
		sseFrame("ev-4", responseFor(1))
	d := &fakeDialer{respond: func() *http.Response { return streamResponse(resumed) }}
	recon := NewReconnectionManager(d, fastReconnect(3), nil)

	// The first connection dies cleanly after ev-2, before the terminal
	// response arrives.
	first := sseFrame("ev-1", notification("a")) + sseFrame("ev-2", notification("b"))

	p := pipelineFixture(t, store, nil, recon, "1")
	var out flushBuffer
	if err := p.Run(context.Background(), io.NopCloser(strings.NewReader(first)), &out, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := collectEvents(t, out.Bytes())
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	want := []string{"ev-1", "ev-2", "ev-3", "ev-4"}
	if len(ids) != len(want) {
		t.Fatalf("delivered ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("delivered ids = %v, want %v", ids, want)
		}
	}

	if got := d.lastID.Load(); got != "ev-2" {
		t.Fatalf("reconnect carried marker %v, want ev-2", got)
	}
}

func TestPipelineReconnectExhaustionEmitsTerminalError(t *testing.T) {
	store := newStoreWithSession(t)
	if err := store.SetLastEventID(context.Background(), "s1", "seed"); err != nil {
		t.Fatalf("SetLastEventID: %v", err)
	}

	d := &fakeDialer{failures: 100}
	recon := NewReconnectionManager(d, fastReconnect(2), nil)

	first := sseFrame("ev-1", notification("a"))
	p := pipelineFixture(t, store, nil, recon, "1")

	var out flushBuffer
	err := p.Run(context.Background(), io.NopCloser(strings.NewReader(first)), &out, &out)
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run = %v, want ErrReconnectExhausted", err)
	}

	events := collectEvents(t, out.Bytes())
	last := events[len(events)-1]
	if last.Name != "error" {
		t.Fatalf("final event = %+v, want a terminal error event", last)
	}
	var resp jsonrpc.AnyMessage
	if err := json.Unmarshal(last.Data, &resp); err != nil {
		t.Fatalf("terminal error payload: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("terminal error = %+v", resp.Error)
	}

	// Stream state is cleared so a later resume starts from scratch.
	marker, err := store.GetLastEventID(context.Background(), "s1")
	if err != nil || marker != "" {
		t.Fatalf("marker after exhaustion = %q, %v", marker, err)
	}
}

func TestPipelineInterceptorBlockAndModify(t *testing.T) {
	store := newStoreWithSession(t)
	chain := interceptor.NewChain([]interceptor.Interceptor{
		interceptor.Func{
			FuncName: "filter",
			Fn: func(_ context.Context, msg *jsonrpc.AnyMessage, _ *interceptor.MessageContext) (interceptor.Decision, error) {
				switch msg.Method {
				case "notifications/spam":
					return interceptor.Block("spam"), nil
				case "notifications/rename":
					cp := *msg
					cp.Method = "notifications/renamed"
					return interceptor.Modify(&cp), nil
				}
				return interceptor.Continue(), nil
			},
		},
	})

	body := sseFrame("ev-1", notification("notifications/spam")) +
		sseFrame("ev-2", notification("notifications/rename")) +
		sseFrame("ev-3", responseFor(1))

	p := pipelineFixture(t, store, chain, nil, "1")
	var out flushBuffer
	if err := p.Run(context.Background(), io.NopCloser(strings.NewReader(body)), &out, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := collectEvents(t, out.Bytes())
	if len(events) != 2 {
		t.Fatalf("delivered %d events, want 2 (blocked event suppressed)", len(events))
	}
	if events[0].ID != "ev-2" {
		t.Fatalf("first delivered event = %+v", events[0])
	}
	var renamed jsonrpc.AnyMessage
	if err := json.Unmarshal(events[0].Data, &renamed); err != nil {
		t.Fatalf("modified payload: %v", err)
	}
	if renamed.Method != "notifications/renamed" {
		t.Fatalf("method = %q, want the substituted one", renamed.Method)
	}
}

func TestPipelineForwardsNonProtocolPayloads(t *testing.T) {
	store := newStoreWithSession(t)
	body := sseFrame("ev-1", "not json at all") + sseFrame("ev-2", responseFor(1))

	p := pipelineFixture(t, store, nil, nil, "1")
	var out flushBuffer
	if err := p.Run(context.Background(), io.NopCloser(strings.NewReader(body)), &out, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := collectEvents(t, out.Bytes())
	if len(events) != 2 || string(events[0].Data) != "not json at all" {
		t.Fatalf("events = %+v", events)
	}
}

func TestPipelineClientCancellation(t *testing.T) {
	store := newStoreWithSession(t)

	// A body that never ends: the reader blocks until the client goes away.
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(sseFrame("ev-1", notification("a"))))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	p := pipelineFixture(t, store, nil, nil, "")

	done := make(chan error, 1)
	var out flushBuffer
	go func() { done <- p.Run(ctx, pr, &out, &out) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	pw.CloseWithError(context.Canceled)

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop on cancellation")
	}
}
