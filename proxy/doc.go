// Package proxy implements a protocol-aware reverse proxy for MCP traffic
// over the streamable HTTP transport.
//
// A client message arrives by POST and is forwarded to the selected upstream.
// The upstream's response is classified from its headers alone into one of
// three branches: a bounded single JSON reply that is buffered and run
// through the interceptor chain, an SSE event stream handed to the stream
// pipeline, or anything else relayed byte-for-byte as passthrough. The body
// is consumed by exactly one branch.
//
// Stream pipelines parse incrementally, suppress duplicate events within a
// bounded recency window, and record the last identifier delivered to the
// client. When the upstream connection drops, the ReconnectionManager
// re-dials with jittered exponential backoff, carrying the last delivered
// identifier as a resumption marker so the spliced stream has no gaps and no
// duplicates. A stalled but open connection is detected by an idle-window
// health check and treated the same way.
//
// Sessions and resumption markers live in a sessions.Store, so any proxy
// instance behind a load balancer can resume any session when the store is
// shared.
package proxy
