package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/ctlerr"
)

// OperationHandler handles one Agent-side operation. The returned value is
// marshaled into the response's data field; a non-nil *ctlerr.Error becomes
// the response's error field.
type OperationHandler func(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error)

// ServerConfig configures the Agent-side listener.
type ServerConfig struct {
	SocketPath     string
	Mode           os.FileMode // default 0o660
	UID            *int        // optional chown target
	GID            *int
	MaxMessageSize int
}

// Server accepts connections on the IPC socket and dispatches frames to
// registered operation handlers. Per spec.md §4.1 "Agent server loop", each
// connection is handled independently and a failure on one connection never
// affects others.
type Server struct {
	cfg    ServerConfig
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]OperationHandler

	listener net.Listener
}

// NewServer creates a Server. Register operations with Handle before
// calling Serve.
func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.Mode == 0 {
		cfg.Mode = 0o660
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("ipc.server"),
		handlers: make(map[string]OperationHandler),
	}
}

// Handle registers a handler for the given operation name. Re-registration
// overwrites any previous handler — callers are expected to register the
// full handler set once at startup.
func (s *Server) Handle(operation string, h OperationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[operation] = h
}

// Serve removes any stale socket file, binds a fresh one with the
// configured mode/ownership, and accepts connections until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: failed to remove stale socket: %w", err)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc: failed to listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = ln

	if err := os.Chmod(s.cfg.SocketPath, s.cfg.Mode); err != nil {
		ln.Close()
		return fmt.Errorf("ipc: failed to chmod socket: %w", err)
	}
	if s.cfg.UID != nil && s.cfg.GID != nil {
		if err := os.Chown(s.cfg.SocketPath, *s.cfg.UID, *s.cfg.GID); err != nil {
			ln.Close()
			return fmt.Errorf("ipc: failed to chown socket: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("ipc server listening", zap.String("socket", s.cfg.SocketPath))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ipc: accept failed: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		req, err := ReadRequest(conn, s.cfg.MaxMessageSize)
		if err != nil {
			if ctlErr, ok := err.(*ctlerr.Error); ok && ctlErr.Kind == ctlerr.ProtocolError {
				s.writeError(conn, "", ctlErr)
			}
			return
		}

		resp := s.dispatch(ctx, req)
		if err := WriteFrame(conn, resp); err != nil {
			s.logger.Warn("failed to write response frame", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	s.mu.RLock()
	handler, ok := s.handlers[req.Operation]
	s.mu.RUnlock()

	if !ok {
		return &Response{
			ID:     req.ID,
			Status: "error",
			Error:  &WireError{Code: "unknown_operation", Message: fmt.Sprintf("unknown operation %q", req.Operation)},
		}
	}

	result, ctlErr := s.invoke(ctx, handler, req.Params)
	if ctlErr != nil {
		return &Response{
			ID:     req.ID,
			Status: "error",
			Error:  &WireError{Code: string(ctlErr.Kind), Message: ctlErr.Message, Details: ctlErr.Details},
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return &Response{
			ID:     req.ID,
			Status: "error",
			Error:  &WireError{Code: string(ctlerr.Internal), Message: "failed to marshal result"},
		}
	}

	return &Response{ID: req.ID, Status: "ok", Data: data}
}

// invoke runs handler, recovering a panic into an internal error so one
// misbehaving handler cannot take down the connection's accept loop.
func (s *Server) invoke(ctx context.Context, handler OperationHandler, params json.RawMessage) (result any, ctlErr *ctlerr.Error) {
	defer func() {
		if r := recover(); r != nil {
			ctlErr = ctlerr.New(ctlerr.Internal, fmt.Sprintf("handler panicked: %v", r), nil)
		}
	}()
	return handler(ctx, params)
}

func (s *Server) writeError(conn net.Conn, id string, err *ctlerr.Error) {
	_ = WriteFrame(conn, &Response{
		ID:     id,
		Status: "error",
		Error:  &WireError{Code: string(err.Kind), Message: err.Message, Details: err.Details},
	})
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
