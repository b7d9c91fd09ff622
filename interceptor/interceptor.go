// Package interceptor defines the inspection/mutation chain applied to every
// protocol message crossing the proxy: each buffered reply once, and each
// stream event once, before it is forwarded to the client.
package interceptor

import (
	"context"

	"github.com/kevinswiber/tapwire-sub000/jsonrpc"
)

// Action tags an interceptor's decision.
type Action int

const (
	// ActionContinue forwards the message unchanged and runs the next
	// interceptor.
	ActionContinue Action = iota
	// ActionModify substitutes the message before re-serialization and runs
	// the next interceptor against the substituted message.
	ActionModify
	// ActionBlock suppresses forwarding; the chain stops.
	ActionBlock
	// ActionDefer opts out of a decision: the original message is forwarded
	// and the chain stops.
	ActionDefer
)

// Decision is the tagged outcome of one interceptor (or of a whole chain
// run). Message is set for ActionModify; Reason for ActionBlock.
type Decision struct {
	Action  Action
	Message *jsonrpc.AnyMessage
	Reason  string
}

// Continue forwards the message unchanged.
func Continue() Decision { return Decision{Action: ActionContinue} }

// Modify substitutes msg for the original.
func Modify(msg *jsonrpc.AnyMessage) Decision {
	return Decision{Action: ActionModify, Message: msg}
}

// Block suppresses the message with a human-readable reason.
func Block(reason string) Decision {
	return Decision{Action: ActionBlock, Reason: reason}
}

// Defer declines to decide; the original message is forwarded.
func Defer() Decision { return Decision{Action: ActionDefer} }

// Direction says which way a message was traveling when intercepted.
type Direction string

const (
	// DirectionInbound is client to upstream.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound is upstream to client.
	DirectionOutbound Direction = "outbound"
)

// MessageContext carries per-message metadata into Process.
type MessageContext struct {
	SessionID       string
	ProtocolVersion string
	Direction       Direction
	// EventID is the stream event identifier the message arrived under, if
	// it came off an event stream.
	EventID string
}

// Interceptor inspects or mutates one protocol message. Implementations must
// honor ctx cancellation: the chain enforces a bounded timeout and degrades
// to Continue when an interceptor overruns it.
type Interceptor interface {
	Name() string
	Process(ctx context.Context, msg *jsonrpc.AnyMessage, mctx *MessageContext) (Decision, error)
}

// Func adapts a function to the Interceptor interface.
type Func struct {
	FuncName string
	Fn       func(ctx context.Context, msg *jsonrpc.AnyMessage, mctx *MessageContext) (Decision, error)
}

func (f Func) Name() string { return f.FuncName }

func (f Func) Process(ctx context.Context, msg *jsonrpc.AnyMessage, mctx *MessageContext) (Decision, error) {
	return f.Fn(ctx, msg, mctx)
}
