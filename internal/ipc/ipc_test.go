package ipc

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/ctlerr"
)

func newPipe() (io.Reader, io.WriteCloser) {
	r, w := io.Pipe()
	return r, w
}

func startTestServer(t *testing.T) (string, *Server) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "agent.sock")
	srv := NewServer(ServerConfig{SocketPath: sock}, zap.NewNop())

	srv.Handle("ping", func(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error) {
		return map[string]bool{"pong": true}, nil
	})
	srv.Handle("echo", func(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error) {
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ctlerr.InvalidArgumentf(nil, "bad params: %s", err)
		}
		return map[string]string{"echo": p.Message}, nil
	})
	srv.Handle("boom", func(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error) {
		return nil, ctlerr.FailedPreconditionf(map[string]any{"reason": "not ready"}, "precondition failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	// Wait for the socket to appear before returning.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := NewClient(ClientConfig{SocketPath: sock}, zap.NewNop()).doDial(); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return sock, srv
}

// doDial is a small test-only helper that attempts a single dial without
// going through the full connect/backoff machinery.
func (c *Client) doDial() error {
	conn, err := c.dialOnce(context.Background())
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

func TestPingPong(t *testing.T) {
	sock, _ := startTestServer(t)
	client := NewClient(ClientConfig{SocketPath: sock}, zap.NewNop())
	defer client.Close()

	if err := client.HealthCheck(context.Background(), time.Second); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestEcho(t *testing.T) {
	sock, _ := startTestServer(t)
	client := NewClient(ClientConfig{SocketPath: sock}, zap.NewNop())
	defer client.Close()

	data, err := client.Call(context.Background(), "echo", map[string]string{"message": "hello"}, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var resp struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Echo != "hello" {
		t.Fatalf("expected echo=hello, got %q", resp.Echo)
	}
}

func TestUnknownOperation(t *testing.T) {
	sock, _ := startTestServer(t)
	client := NewClient(ClientConfig{SocketPath: sock}, zap.NewNop())
	defer client.Close()

	_, err := client.Call(context.Background(), "nope", map[string]any{}, time.Second)
	if err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestTypedErrorPropagation(t *testing.T) {
	sock, _ := startTestServer(t)
	client := NewClient(ClientConfig{SocketPath: sock}, zap.NewNop())
	defer client.Close()

	_, err := client.Call(context.Background(), "boom", map[string]any{}, time.Second)
	ce, ok := err.(*ctlerr.Error)
	if !ok {
		t.Fatalf("expected *ctlerr.Error, got %T: %v", err, err)
	}
	if ce.Kind != ctlerr.FailedPrecondition {
		t.Fatalf("expected failed_precondition, got %s", ce.Kind)
	}
	if ce.Details["code"] != string(ctlerr.FailedPrecondition) {
		t.Fatalf("expected details.code to carry the agent's code, got %v", ce.Details["code"])
	}
}

func TestCallWithoutServerIsUnavailable(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "nonexistent.sock")
	client := NewClient(ClientConfig{SocketPath: sock}, zap.NewNop())
	defer client.Close()

	_, err := client.Call(context.Background(), "ping", map[string]any{}, time.Second)
	ce, ok := err.(*ctlerr.Error)
	if !ok || ce.Kind != ctlerr.Unavailable {
		t.Fatalf("expected unavailable, got %#v", err)
	}
}

func TestBackoffSchedule(t *testing.T) {
	d := defaultBackoffInitial
	for i := 0; i < 3; i++ {
		d = nextBackoff(d, defaultBackoffFactor, defaultBackoffMax)
	}
	if d != 800*time.Millisecond {
		t.Fatalf("expected 800ms after 3 doublings from 100ms, got %s", d)
	}
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	r, w := newPipe()
	go func() {
		var buf [4]byte
		buf[0] = 0x7f
		buf[1] = 0xff
		buf[2] = 0xff
		buf[3] = 0xff
		w.Write(buf[:])
		w.Close()
	}()
	_, err := ReadFrame(r, 1024)
	ce, ok := err.(*ctlerr.Error)
	if !ok || ce.Kind != ctlerr.ProtocolError {
		t.Fatalf("expected protocol_error, got %#v", err)
	}
}
