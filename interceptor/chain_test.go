package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kevinswiber/tapwire-sub000/jsonrpc"
)

func testMessage(t *testing.T) *jsonrpc.AnyMessage {
	t.Helper()
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &msg
}

func named(name string, fn func(ctx context.Context, msg *jsonrpc.AnyMessage, mctx *MessageContext) (Decision, error)) Interceptor {
	return Func{FuncName: name, Fn: fn}
}

func TestChainEmptyContinues(t *testing.T) {
	var c *Chain
	d := c.Process(context.Background(), testMessage(t), &MessageContext{})
	if d.Action != ActionContinue {
		t.Fatalf("nil chain decision = %v", d.Action)
	}
}

func TestChainRunsInOrder(t *testing.T) {
	var order []string
	mk := func(name string) Interceptor {
		return named(name, func(context.Context, *jsonrpc.AnyMessage, *MessageContext) (Decision, error) {
			order = append(order, name)
			return Continue(), nil
		})
	}
	c := NewChain([]Interceptor{mk("first"), mk("second"), mk("third")})

	c.Process(context.Background(), testMessage(t), &MessageContext{})
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("order = %v", order)
	}
}

func TestChainBlockStopsChain(t *testing.T) {
	ran := false
	c := NewChain([]Interceptor{
		named("gate", func(context.Context, *jsonrpc.AnyMessage, *MessageContext) (Decision, error) {
			return Block("forbidden method"), nil
		}),
		named("after", func(context.Context, *jsonrpc.AnyMessage, *MessageContext) (Decision, error) {
			ran = true
			return Continue(), nil
		}),
	})

	d := c.Process(context.Background(), testMessage(t), &MessageContext{})
	if d.Action != ActionBlock || d.Reason != "forbidden method" {
		t.Fatalf("decision = %+v", d)
	}
	if ran {
		t.Fatal("interceptor after a block must not run")
	}
}

func TestChainModifyAccumulates(t *testing.T) {
	var sawModified bool
	c := NewChain([]Interceptor{
		named("rewrite", func(_ context.Context, msg *jsonrpc.AnyMessage, _ *MessageContext) (Decision, error) {
			cp := *msg
			cp.Method = "tools/call"
			return Modify(&cp), nil
		}),
		named("verify", func(_ context.Context, msg *jsonrpc.AnyMessage, _ *MessageContext) (Decision, error) {
			sawModified = msg.Method == "tools/call"
			return Continue(), nil
		}),
	})

	d := c.Process(context.Background(), testMessage(t), &MessageContext{})
	if d.Action != ActionModify {
		t.Fatalf("decision = %v", d.Action)
	}
	if d.Message == nil || d.Message.Method != "tools/call" {
		t.Fatalf("modified message = %+v", d.Message)
	}
	if !sawModified {
		t.Fatal("later interceptor should see the substituted message")
	}
}

func TestChainDeferForwardsOriginal(t *testing.T) {
	c := NewChain([]Interceptor{
		named("undecided", func(context.Context, *jsonrpc.AnyMessage, *MessageContext) (Decision, error) {
			return Defer(), nil
		}),
		named("never", func(context.Context, *jsonrpc.AnyMessage, *MessageContext) (Decision, error) {
			t.Error("chain must stop at a deferral")
			return Continue(), nil
		}),
	})

	d := c.Process(context.Background(), testMessage(t), &MessageContext{})
	if d.Action != ActionDefer {
		t.Fatalf("decision = %v", d.Action)
	}
}

func TestChainDeferAfterModifyKeepsModification(t *testing.T) {
	c := NewChain([]Interceptor{
		named("rewrite", func(_ context.Context, msg *jsonrpc.AnyMessage, _ *MessageContext) (Decision, error) {
			cp := *msg
			cp.Method = "tools/call"
			return Modify(&cp), nil
		}),
		named("undecided", func(context.Context, *jsonrpc.AnyMessage, *MessageContext) (Decision, error) {
			return Defer(), nil
		}),
	})

	d := c.Process(context.Background(), testMessage(t), &MessageContext{})
	if d.Action != ActionModify || d.Message == nil || d.Message.Method != "tools/call" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestChainErrorDegradesToContinue(t *testing.T) {
	c := NewChain([]Interceptor{
		named("broken", func(context.Context, *jsonrpc.AnyMessage, *MessageContext) (Decision, error) {
			return Decision{}, errors.New("boom")
		}),
	})

	d := c.Process(context.Background(), testMessage(t), &MessageContext{})
	if d.Action != ActionContinue {
		t.Fatalf("a failing interceptor must not block traffic, got %v", d.Action)
	}
}

func TestChainTimeoutDegradesToContinue(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)

	c := NewChain([]Interceptor{
		named("slow", func(ctx context.Context, _ *jsonrpc.AnyMessage, _ *MessageContext) (Decision, error) {
			select {
			case <-blocked:
			case <-time.After(10 * time.Second):
			}
			return Block("too late"), nil
		}),
	}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	d := c.Process(context.Background(), testMessage(t), &MessageContext{})
	if d.Action != ActionContinue {
		t.Fatalf("an overrunning interceptor must degrade to Continue, got %v", d.Action)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout was not enforced")
	}
}
