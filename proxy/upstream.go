package proxy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kevinswiber/tapwire-sub000/sessions"
)

// Upstream dispatches client traffic to an upstream server, whatever
// transport carries it. Forward sends one JSON-RPC payload and returns the
// raw response for classification; DialStream opens (or resumes) the
// session's listener stream; Terminate ends the session upstream-side.
// Transport reports the kind recorded on sessions the upstream serves.
type Upstream interface {
	StreamDialer
	Forward(ctx context.Context, sess *sessions.Session, payload []byte) (*http.Response, error)
	Terminate(ctx context.Context, sessionID string) error
	Transport() sessions.TransportKind
}

var _ Upstream = (*HTTPUpstream)(nil)

// Endpoint names one upstream server the proxy can forward to.
type Endpoint struct {
	Name      string
	URL       string
	Transport sessions.TransportKind
}

// Selector picks the upstream endpoint for a request. Implementations may be
// static, health-aware, or load-balancing; the proxy only needs one answer
// per call.
type Selector interface {
	Select(ctx context.Context) (Endpoint, error)
}

// StaticSelector always returns the same endpoint.
type StaticSelector struct {
	ep Endpoint
}

// NewStaticSelector builds a selector pinned to a single endpoint.
func NewStaticSelector(ep Endpoint) *StaticSelector {
	return &StaticSelector{ep: ep}
}

func (s *StaticSelector) Select(context.Context) (Endpoint, error) { return s.ep, nil }

// UpstreamOption configures an HTTPUpstream.
type UpstreamOption func(*upstreamConfig)

type upstreamConfig struct {
	client *http.Client
	logger *slog.Logger
}

// WithHTTPClient overrides the HTTP client used for upstream calls. The
// default client has no overall timeout because event-stream responses live
// indefinitely.
func WithHTTPClient(c *http.Client) UpstreamOption {
	return func(cfg *upstreamConfig) { cfg.client = c }
}

// WithUpstreamLogger sets the slog logger used by the upstream.
func WithUpstreamLogger(l *slog.Logger) UpstreamOption {
	return func(cfg *upstreamConfig) { cfg.logger = l }
}

// HTTPUpstream speaks the streamable HTTP transport to upstream servers. It
// issues the three request shapes the transport defines: POST to dispatch a
// message, GET to open (or resume) a listener stream, and DELETE to end a
// session. It satisfies StreamDialer so the ReconnectionManager can re-open
// dropped streams.
type HTTPUpstream struct {
	selector Selector
	client   *http.Client
	log      *slog.Logger
}

// NewHTTPUpstream builds an upstream over the selector.
func NewHTTPUpstream(selector Selector, opts ...UpstreamOption) *HTTPUpstream {
	cfg := upstreamConfig{client: &http.Client{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &HTTPUpstream{selector: selector, client: cfg.client, log: cfg.logger}
}

// Forward posts a JSON-RPC payload upstream on the session's behalf. The
// Accept header offers both reply shapes; the response is returned unconsumed
// for classification.
func (u *HTTPUpstream) Forward(ctx context.Context, sess *sessions.Session, payload []byte) (*http.Response, error) {
	ep, err := u.selector.Select(ctx)
	if err != nil {
		return nil, fmt.Errorf("selecting upstream: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sess != nil {
		u.setSessionHeaders(req, sess.ID, sess.ProtocolVersion)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatching to %s: %w", ep.Name, err)
	}
	return resp, nil
}

// DialStream opens (or resumes) the session's listener stream. A non-empty
// lastEventID asks the upstream to continue the sequence from that marker.
// DialStream implements StreamDialer.
func (u *HTTPUpstream) DialStream(ctx context.Context, sessionID string, lastEventID string) (*http.Response, error) {
	ep, err := u.selector.Select(ctx)
	if err != nil {
		return nil, fmt.Errorf("selecting upstream: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	u.setSessionHeaders(req, sessionID, "")
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening stream to %s: %w", ep.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream %s refused stream: %s", ep.Name, resp.Status)
	}
	return resp, nil
}

// Terminate tells the upstream the session is over. Upstreams that don't
// support explicit termination answer 405, which is not an error.
func (u *HTTPUpstream) Terminate(ctx context.Context, sessionID string) error {
	ep, err := u.selector.Select(ctx)
	if err != nil {
		return fmt.Errorf("selecting upstream: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, ep.URL, nil)
	if err != nil {
		return fmt.Errorf("building terminate request: %w", err)
	}
	u.setSessionHeaders(req, sessionID, "")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("terminating on %s: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusMethodNotAllowed:
		return nil
	default:
		return fmt.Errorf("upstream %s rejected termination: %s", ep.Name, resp.Status)
	}
}

// Transport implements Upstream.
func (u *HTTPUpstream) Transport() sessions.TransportKind {
	return sessions.TransportStreamingHTTP
}

func (u *HTTPUpstream) setSessionHeaders(req *http.Request, sessionID, protocolVersion string) {
	if sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, sessionID)
	}
	if protocolVersion != "" {
		req.Header.Set(mcpProtocolVersionHeader, protocolVersion)
	}
}
