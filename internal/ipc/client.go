package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/ctlerr"
)

// State is one of the connection lifecycle states from spec.md §4.1.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const (
	defaultBackoffInitial  = 100 * time.Millisecond
	defaultBackoffMax      = 30 * time.Second
	defaultBackoffFactor   = 2.0
	defaultJitterFraction  = 0.2
	defaultMaxAttempts     = 0 // 0 = unlimited
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// SocketPath is the path to the Agent's Unix domain stream socket.
	SocketPath string
	// Reconnect enables automatic reconnection with backoff on connection loss.
	Reconnect bool
	// MaxMessageSize caps inbound frame size; 0 uses DefaultMaxMessageSize.
	// Outbound frames are always checked against DefaultMaxMessageSize.
	MaxMessageSize int
	// BackoffInitial, BackoffMax, BackoffFactor, JitterFraction tune the
	// reconnect backoff schedule; zero values fall back to the package defaults.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
	JitterFraction float64
	// MaxAttempts caps reconnect attempts before giving up and entering
	// StateFailed. 0 means unlimited.
	MaxAttempts int
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = DefaultMaxMessageSize
	}
	if out.BackoffInitial <= 0 {
		out.BackoffInitial = defaultBackoffInitial
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = defaultBackoffMax
	}
	if out.BackoffFactor <= 1 {
		out.BackoffFactor = defaultBackoffFactor
	}
	if out.JitterFraction <= 0 {
		out.JitterFraction = defaultJitterFraction
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = defaultMaxAttempts
	}
	return out
}

// Client is the Broker-side IPC connection to the Agent. One connection
// serves one outstanding request at a time (serial per connection), per
// spec.md §4.1 "Ordering & concurrency".
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	callMu sync.Mutex // held for the whole of each Call

	mu    sync.Mutex
	state State
	conn  net.Conn
}

// NewClient creates a Client. Call Call to perform requests; the first Call
// establishes the connection.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		logger: logger.Named("ipc.client"),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset forces the client back to StateDisconnected, closing any open
// connection. Safe to call at any time.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.state = StateDisconnected
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.state = StateDisconnected
	return nil
}

// dialOnce attempts a single dial and returns any failure unclassified;
// ensureConnected decides from cfg.Reconnect alone whether a failed dial
// enters the reconnect loop.
func (c *Client) dialOnce(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ensureConnected transitions disconnected → connecting → connected, or runs
// the reconnect-with-backoff loop if c.cfg.Reconnect is set and the socket is
// not immediately dialable.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dialOnce(ctx)
	if err == nil {
		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		return nil
	}

	if !c.cfg.Reconnect {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return ctlerr.Unavailablef(map[string]any{"socket": c.cfg.SocketPath}, "ipc: agent unavailable: %s", err)
	}

	return c.reconnectLoop(ctx)
}

// reconnectLoop sleeps, dials, and backs off until it connects, the context
// is cancelled, or MaxAttempts is exceeded.
func (c *Client) reconnectLoop(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateReconnecting
	c.mu.Unlock()

	backoff := c.cfg.BackoffInitial
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctlerr.Unavailablef(nil, "ipc: reconnect cancelled: %s", ctx.Err())
		}
		if c.cfg.MaxAttempts > 0 && attempts >= c.cfg.MaxAttempts {
			c.mu.Lock()
			c.state = StateFailed
			c.mu.Unlock()
			return ctlerr.Unavailablef(map[string]any{"attempts": attempts}, "ipc: reconnect attempts exhausted")
		}

		conn, err := c.dialOnce(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.state = StateConnected
			c.mu.Unlock()
			return nil
		}

		attempts++
		c.logger.Warn("reconnect failed, backing off",
			zap.Error(err), zap.Duration("backoff", backoff), zap.Int("attempt", attempts))

		select {
		case <-ctx.Done():
			return ctlerr.Unavailablef(nil, "ipc: reconnect cancelled: %s", ctx.Err())
		case <-time.After(jitter(backoff, c.cfg.JitterFraction)):
		}
		backoff = nextBackoff(backoff, c.cfg.BackoffFactor, c.cfg.BackoffMax)
	}
}

// Call performs one request/response round trip. On a mid-call I/O error it
// reconnects (if enabled) and retries exactly once with a fresh request ID;
// the retry is never recursive. See spec.md §4.1 "Call semantics" and the
// ambiguity resolution in Design Notes §9(a).
func (c *Client) Call(ctx context.Context, operation string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	data, err := c.doCall(ctx, operation, params, timeout)
	if err == nil {
		return data, nil
	}

	if !isRetryable(err) || !c.cfg.Reconnect {
		return nil, err
	}

	c.mu.Lock()
	c.closeLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, ctlerr.Unavailablef(nil, "ipc: reconnect after mid-call error failed: %s", err)
	}

	data, err = c.doCall(ctx, operation, params, timeout)
	if err != nil {
		c.mu.Lock()
		c.closeLocked()
		c.state = StateDisconnected
		c.mu.Unlock()
		if ce, ok := err.(*ctlerr.Error); ok {
			return nil, ce
		}
		return nil, ctlerr.Unavailablef(nil, "ipc: retry after reconnect failed: %s", err)
	}
	return data, nil
}

// doCall writes one request and reads its matching response on the current
// connection. It does not reconnect or retry — that is Call's job.
func (c *Client) doCall(ctx context.Context, operation string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ctlerr.Unavailablef(nil, "ipc: no active connection")
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, ctlerr.InvalidArgumentf(nil, "ipc: failed to marshal params: %s", err)
	}

	id := uuid.NewString()
	req := &Request{
		ID:        id,
		Operation: operation,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Params:    paramsJSON,
	}

	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Time{}
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("ipc: write failed: %w", err)
	}

	resp, err := ReadResponse(conn, c.cfg.MaxMessageSize)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ctlerr.Timeoutf(map[string]any{"operation": operation}, "ipc: call timed out")
		}
		return nil, fmt.Errorf("ipc: read failed: %w", err)
	}

	if resp.ID != id {
		return nil, ctlerr.ProtocolErrorf(map[string]any{"expected": id, "got": resp.ID}, "ipc: response id mismatch")
	}

	switch resp.Status {
	case "ok":
		return resp.Data, nil
	case "error":
		if resp.Error == nil {
			return nil, ctlerr.ProtocolErrorf(map[string]any{"status": resp.Status}, "ipc: error response carried no error payload")
		}
		details := map[string]any{}
		for k, v := range resp.Error.Details {
			details[k] = v
		}
		details["code"] = resp.Error.Code
		return nil, mapAgentError(resp.Error.Code, resp.Error.Message, details)
	default:
		return nil, ctlerr.ProtocolErrorf(map[string]any{"status": resp.Status}, "ipc: unrecognized response status")
	}
}

// mapAgentError turns an Agent-supplied error code into a typed Error,
// preserving the original code in details.code regardless of the mapped
// Kind (spec.md §4.1 "Call semantics" step 4).
func mapAgentError(code, message string, details map[string]any) *ctlerr.Error {
	switch ctlerr.Kind(code) {
	case ctlerr.InvalidArgument, ctlerr.PermissionDenied, ctlerr.Unavailable,
		ctlerr.FailedPrecondition, ctlerr.NotFound, ctlerr.Unauthenticated,
		ctlerr.Timeout, ctlerr.ProtocolError:
		return ctlerr.New(ctlerr.Kind(code), message, details)
	default:
		return ctlerr.New(ctlerr.Internal, message, details)
	}
}

// isRetryable reports whether err represents a mid-call I/O failure that
// warrants one reconnect-and-retry, as opposed to a timeout (already
// terminal per spec.md step 5) or a protocol-level response we parsed fine.
// Every typed error doCall returns directly, including the Agent's own error
// responses, is terminal.
func isRetryable(err error) bool {
	if _, ok := err.(*ctlerr.Error); ok {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return true
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

func jitter(d time.Duration, fraction float64) time.Duration {
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}

// HealthCheck performs the "ping" reserved operation and reports whether the
// Agent is reachable and responsive, per spec.md §6's reserved operations
// and §4.5.1's end-to-end health check.
func (c *Client) HealthCheck(ctx context.Context, timeout time.Duration) error {
	data, err := c.Call(ctx, "ping", map[string]any{}, timeout)
	if err != nil {
		return err
	}
	var result struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return ctlerr.ProtocolErrorf(nil, "ipc: malformed ping response: %s", err)
	}
	if !result.Pong {
		return ctlerr.Unavailablef(nil, "ipc: ping did not return pong=true")
	}
	return nil
}
