package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/kevinswiber/tapwire-sub000/jsonrpc"
)

// ErrUpstreamClosed is returned for calls made after the child process has
// exited or Close was called.
var ErrUpstreamClosed = errors.New("stdio upstream closed")

// maxLineBytes bounds a single stdout line; a server emitting more is
// misbehaving and the line is dropped.
const maxLineBytes = 4 << 20

// Option configures an Upstream.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	env       []string
	notifyCap int
}

// WithLogger sets the slog logger used by the upstream. If not provided, the
// default logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithEnv sets the child process environment. If not provided, the child
// inherits the proxy's environment.
func WithEnv(env []string) Option {
	return func(c *newConfig) { c.env = env }
}

// WithNotificationBuffer sets the notification channel capacity. When the
// consumer falls behind and the buffer fills, notifications are dropped
// oldest-first.
func WithNotificationBuffer(n int) Option {
	return func(c *newConfig) { c.notifyCap = n }
}

// Upstream is one child process speaking the stdio transport. It is safe for
// concurrent use; writes are serialized and reads are correlated by ID.
type Upstream struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *jsonrpc.Response
	closed  bool
	exitErr error

	notifications chan jsonrpc.AnyMessage
	done          chan struct{}
}

// NewUpstream spawns command and starts the read loop. The returned Upstream
// owns the process; Close ends it.
func NewUpstream(ctx context.Context, command string, args []string, opts ...Option) (*Upstream, error) {
	cfg := newConfig{logger: slog.Default(), notifyCap: 64}
	for _, opt := range opts {
		opt(&cfg)
	}

	cmd := exec.CommandContext(ctx, command, args...)
	if cfg.env != nil {
		cmd.Env = cfg.env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}

	u := &Upstream{
		cmd:           cmd,
		stdin:         stdin,
		log:           cfg.logger,
		pending:       make(map[string]chan *jsonrpc.Response),
		notifications: make(chan jsonrpc.AnyMessage, cfg.notifyCap),
		done:          make(chan struct{}),
	}
	go u.readLoop(stdout)
	return u, nil
}

// Call sends a request and blocks for its response or ctx cancellation. The
// request must carry a non-nil ID.
func (u *Upstream) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req.ID.IsNil() {
		return nil, fmt.Errorf("request requires an id")
	}
	id := req.ID.String()

	ch := make(chan *jsonrpc.Response, 1)
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, u.closedErr()
	}
	u.pending[id] = ch
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		delete(u.pending, id)
		u.mu.Unlock()
	}()

	if err := u.writeLine(req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, u.closedErr()
		}
		return resp, nil
	case <-u.done:
		return nil, u.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a notification; no response is expected.
func (u *Upstream) Notify(_ context.Context, req *jsonrpc.Request) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return u.closedErr()
	}
	u.mu.Unlock()
	return u.writeLine(req)
}

// Notifications is the feed of server-initiated messages: notifications and
// requests the child sends on its own. The channel closes when the child
// exits.
func (u *Upstream) Notifications() <-chan jsonrpc.AnyMessage {
	return u.notifications
}

// Close ends the child: stdin is closed to signal EOF, and the process is
// killed if it hasn't exited within the grace window.
func (u *Upstream) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	_ = u.stdin.Close()

	waited := make(chan error, 1)
	go func() { waited <- u.cmd.Wait() }()
	select {
	case err := <-waited:
		return err
	case <-time.After(5 * time.Second):
		_ = u.cmd.Process.Kill()
		return <-waited
	}
}

func (u *Upstream) closedErr() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamClosed, u.exitErr)
	}
	return ErrUpstreamClosed
}

func (u *Upstream) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if _, err := u.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("writing to child: %w", err)
	}
	return nil
}

// readLoop demultiplexes child stdout: responses complete pending calls,
// everything else goes to the notification feed.
func (u *Upstream) readLoop(stdout io.Reader) {
	defer u.shutdownReads()

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			u.log.Warn("stdio.line.invalid", slog.String("err", err.Error()))
			continue
		}

		if msg.Type() == "response" {
			u.mu.Lock()
			ch, ok := u.pending[msg.ID.String()]
			u.mu.Unlock()
			if ok {
				ch <- msg.AsResponse()
			} else {
				u.log.Warn("stdio.response.orphan", slog.String("id", msg.ID.String()))
			}
			continue
		}

		select {
		case u.notifications <- msg:
		default:
			// Consumer is behind; drop the oldest to keep the feed fresh.
			select {
			case <-u.notifications:
			default:
			}
			select {
			case u.notifications <- msg:
			default:
			}
			u.log.Warn("stdio.notification.dropped")
		}
	}
	if err := sc.Err(); err != nil {
		u.log.Warn("stdio.read.fail", slog.String("err", err.Error()))
		u.mu.Lock()
		u.exitErr = err
		u.mu.Unlock()
	}
}

func (u *Upstream) shutdownReads() {
	u.mu.Lock()
	u.closed = true
	pending := u.pending
	u.pending = make(map[string]chan *jsonrpc.Response)
	u.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(u.notifications)
	close(u.done)
}
