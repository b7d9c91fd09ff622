package interceptor

import (
	"context"
	"log/slog"
	"time"

	"github.com/kevinswiber/tapwire-sub000/jsonrpc"
)

// ChainOption configures a Chain.
type ChainOption func(*chainConfig)

type chainConfig struct {
	timeout time.Duration
	logger  *slog.Logger
}

// WithTimeout bounds each interceptor invocation. An interceptor that
// overruns degrades to Continue; it is never retried.
func WithTimeout(d time.Duration) ChainOption {
	return func(c *chainConfig) { c.timeout = d }
}

// WithLogger sets the slog logger used by the chain. If not provided, the
// default logger is used.
func WithLogger(l *slog.Logger) ChainOption {
	return func(c *chainConfig) { c.logger = l }
}

// Chain runs interceptors in registration order against one message at a
// time. The zero-value semantics follow the forwarding contract: Continue
// keeps going, Modify substitutes, Block stops and suppresses, Defer (or an
// interceptor failure) forwards the original.
type Chain struct {
	interceptors []Interceptor
	timeout      time.Duration
	log          *slog.Logger
}

// NewChain builds a chain over the given interceptors.
func NewChain(interceptors []Interceptor, opts ...ChainOption) *Chain {
	cfg := chainConfig{timeout: 5 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Chain{interceptors: interceptors, timeout: cfg.timeout, log: cfg.logger}
}

// Len returns the number of registered interceptors.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

type processResult struct {
	decision Decision
	err      error
}

// Process runs the message through the chain and returns the final decision.
// The returned decision's Message is the payload to forward: the accumulated
// modification for ActionModify, nil otherwise (callers forward the original
// for Continue/Defer and nothing for Block).
func (c *Chain) Process(ctx context.Context, msg *jsonrpc.AnyMessage, mctx *MessageContext) Decision {
	if c == nil || len(c.interceptors) == 0 {
		return Continue()
	}

	current := msg
	modified := false

	for _, ic := range c.interceptors {
		decision, err := c.processOne(ctx, ic, current, mctx)
		if err != nil {
			// A failing interceptor never blocks traffic.
			c.log.WarnContext(ctx, "interceptor.process.fail",
				slog.String("interceptor", ic.Name()),
				slog.String("err", err.Error()))
			continue
		}

		switch decision.Action {
		case ActionContinue:
			continue
		case ActionModify:
			if decision.Message == nil {
				c.log.WarnContext(ctx, "interceptor.modify.empty",
					slog.String("interceptor", ic.Name()))
				continue
			}
			current = decision.Message
			modified = true
		case ActionBlock:
			return decision
		case ActionDefer:
			// Deferral forwards whatever we had before this interceptor.
			if modified {
				return Decision{Action: ActionModify, Message: current}
			}
			return Decision{Action: ActionDefer}
		}
	}

	if modified {
		return Decision{Action: ActionModify, Message: current}
	}
	return Continue()
}

// processOne invokes a single interceptor under the chain's timeout. The
// interceptor runs in its own goroutine so a misbehaving one that ignores ctx
// cannot stall the stream; its eventual result is discarded.
func (c *Chain) processOne(ctx context.Context, ic Interceptor, msg *jsonrpc.AnyMessage, mctx *MessageContext) (Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resCh := make(chan processResult, 1)
	go func() {
		d, err := ic.Process(callCtx, msg, mctx)
		resCh <- processResult{decision: d, err: err}
	}()

	select {
	case res := <-resCh:
		return res.decision, res.err
	case <-callCtx.Done():
		c.log.WarnContext(ctx, "interceptor.process.timeout",
			slog.String("interceptor", ic.Name()),
			slog.Duration("timeout", c.timeout))
		return Continue(), nil
	}
}
