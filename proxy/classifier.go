package proxy

import (
	"net/http"

	"github.com/elnormous/contenttype"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

// ContentCategory is the tagged branch chosen for an upstream response. The
// three handling strategies are values of one tag, not subclasses: a single
// decision point the rest of the proxy switches on.
type ContentCategory int

const (
	// CategorySingleReply is one bounded JSON reply to buffer, intercept, and
	// return.
	CategorySingleReply ContentCategory = iota
	// CategoryEventStream is an indefinite SSE body to hand to the stream
	// pipeline.
	CategoryEventStream
	// CategoryPassthrough is anything else: relayed byte-for-byte, unbuffered.
	CategoryPassthrough
)

func (c ContentCategory) String() string {
	switch c {
	case CategorySingleReply:
		return "single_reply"
	case CategoryEventStream:
		return "event_stream"
	case CategoryPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// UpstreamResponseMeta is an ephemeral, non-owning description of an
// unconsumed upstream response. It is produced from headers alone and
// discarded once a handling branch takes ownership of the body; the body is
// read by exactly one branch, never twice.
type UpstreamResponseMeta struct {
	Category ContentCategory

	// MediaType is the parsed essence (type/subtype) of the Content-Type, or
	// "" when the header was absent or malformed.
	MediaType string

	// ContentLength is the declared length, or -1 when indeterminate.
	ContentLength int64

	// Indeterminate is set when no usable length was declared (chunked or
	// connection-delimited bodies).
	Indeterminate bool

	// SessionID is any session identifier the upstream asserted in its
	// framing metadata.
	SessionID string
}

// Classify inspects an upstream response's headers and picks the handling
// branch. It never reads body bytes and has no side effects.
//
// Content-Type parsing uses full media-type-with-parameters semantics, so
// "text/event-stream; charset=utf-8" classifies as a stream while
// "text/event-stream-diagnostics" does not. A missing or malformed
// Content-Type classifies as passthrough, never as a failure.
func Classify(resp *http.Response) UpstreamResponseMeta {
	meta := UpstreamResponseMeta{
		Category:      CategoryPassthrough,
		ContentLength: resp.ContentLength,
		Indeterminate: resp.ContentLength < 0,
		SessionID:     resp.Header.Get(mcpSessionIDHeader),
	}

	if resp.Header.Get("Content-Type") == "" {
		return meta
	}

	// contenttype parses from a request shape; graft the response headers on.
	mt, err := contenttype.GetMediaType(&http.Request{Header: resp.Header})
	if err != nil {
		return meta
	}
	meta.MediaType = mt.Type + "/" + mt.Subtype

	switch {
	case mt.Matches(eventStreamMediaType):
		// Content-Length: 0 with a stream content type is a stream with zero
		// events, not an error; the category is unchanged.
		meta.Category = CategoryEventStream
	case mt.Matches(jsonMediaType):
		meta.Category = CategorySingleReply
	}
	return meta
}
