// Package stdio bridges the proxy to upstream servers speaking the
// newline-delimited stdio transport. The proxy spawns the server as a child
// process, writes one JSON-RPC message per line to its stdin, and reads one
// message per line from its stdout. Requests are correlated to responses by
// ID; notifications fan out on a channel the caller drains.
package stdio
