package rpc

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/ctlerr"
	"github.com/torvus/raspictl/internal/reqctx"
)

// Authenticator resolves a presented bearer token to a Caller. Both
// internal/auth.Validator (production, JWKS-backed) and
// internal/auth.LocalAuthenticator (dev mode) satisfy this shape through
// thin adapters built at wiring time in cmd/broker.
type Authenticator func(ctx context.Context, token string) (reqctx.Caller, error)

// Authorizer enforces the RBAC permission gate for one call. Returns nil
// when the caller is permitted.
type Authorizer func(caller reqctx.Caller, tool string) *ctlerr.Error

// AuditSink receives a notification for every dispatched call, successful
// or not. Implementations must not block the dispatcher for long; the audit
// writer in internal/audit satisfies this with mutex-serialized writes to an
// append-only file.
//
// LogToolCall records the outcome of a handler invocation; LogAuthEvent
// records the authenticate/authorize gate's own outcome, a distinct entry
// shape so the two are never collapsed into one generic record.
type AuditSink interface {
	LogToolCall(rc reqctx.Context, outcome string, detail map[string]any)
	LogAuthEvent(eventType string, success bool, userID, sourceIP string, details map[string]any)
}

// Dispatcher is the Tool Dispatcher (C3): it owns a Registry and the
// authenticate-then-authorize-then-invoke pipeline run for every inbound
// line. There is exactly one Dispatcher per Broker process.
type Dispatcher struct {
	Registry       *Registry
	Authenticate   Authenticator
	Authorize      Authorizer
	Audit          AuditSink
	Logger         *zap.Logger
	DefaultTimeout time.Duration
}

// DispatchLine parses one line from the Broker's input stream and runs it
// to completion. The returned bytes are the exact line to write to the
// output stream, or nil if the request was a notification (no response
// line). respond is false only for the no-response case; a non-nil error
// envelope still produces respond=true.
func (d *Dispatcher) DispatchLine(ctx context.Context, line []byte) (out []byte, respond bool) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		resp := newError(nil, codeParseError, "parse error: invalid JSON", map[string]any{"error_code": "protocol_error"})
		return mustMarshal(resp), true
	}

	if req.JSONRPC != protocolVersion || req.Method == "" {
		resp := newError(req.ID, codeInvalidRequest, "invalid request: missing jsonrpc/method", map[string]any{"error_code": "protocol_error"})
		return mustMarshal(resp), req.ID != nil
	}

	resp := d.dispatch(ctx, req)
	if req.IsNotification() {
		if resp.Error != nil {
			d.Logger.Warn("notification failed", zap.String("method", req.Method), zap.Any("error", resp.Error))
		}
		return nil, false
	}
	return mustMarshal(resp), true
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Response {
	handler, ok := d.Registry.Lookup(req.Method)
	if !ok {
		return newError(req.ID, codeMethodNotFound, "method not found: "+req.Method, map[string]any{"error_code": "not_found"})
	}

	rc := reqctx.Context{
		ToolName:   req.Method,
		RequestID:  req.ID,
		ReceivedAt: time.Now().UTC(),
		Metadata:   map[string]any{},
	}

	token, callParams := extractAuthField(req.Params)

	caller, err := d.Authenticate(ctx, token)
	if err != nil {
		rc.Caller = reqctx.Caller{Role: reqctx.RoleAnonymous}
		d.auditAuthOutcome(rc, "auth_failure", false, err)
		return d.errorResponse(req.ID, err)
	}
	rc.Caller = caller

	if cerr := d.Authorize(caller, req.Method); cerr != nil {
		d.auditAuthOutcome(rc, "permission_denied", false, cerr)
		return d.errorResponse(req.ID, cerr)
	}

	callCtx := ctx
	if d.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.DefaultTimeout)
		defer cancel()
	}

	result, err := d.invoke(callCtx, handler, rc, callParams)
	if err != nil {
		d.auditOutcome(rc, "error", err)
		return d.errorResponse(req.ID, err)
	}

	d.auditOutcome(rc, "ok", nil)
	return newResult(req.ID, result)
}

// invoke recovers from handler panics, surfacing them as Internal errors
// rather than crashing the Broker process.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, rc reqctx.Context, params []byte) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.Logger.Error("handler panicked", zap.String("tool", rc.ToolName), zap.Any("recover", r))
			err = ctlerr.Internalf(nil, map[string]any{"panic": r}, "internal error handling %s", rc.ToolName)
		}
	}()
	return h(ctx, rc, params)
}

func (d *Dispatcher) errorResponse(id any, err error) Response {
	cerr := ctlerr.As(err)
	payload := errorPayloadFor(cerr)
	return Response{JSONRPC: protocolVersion, ID: id, Error: payload}
}

func (d *Dispatcher) auditOutcome(rc reqctx.Context, outcome string, err error) {
	if d.Audit == nil {
		return
	}
	detail := map[string]any{}
	if err != nil {
		detail["error"] = err.Error()
	}
	d.Audit.LogToolCall(rc, outcome, detail)
}

// auditAuthOutcome reports the authenticate/authorize gate's own outcome
// through LogAuthEvent, distinct from the tool-call entry auditOutcome
// writes for a handler's own result.
func (d *Dispatcher) auditAuthOutcome(rc reqctx.Context, eventType string, success bool, err error) {
	if d.Audit == nil {
		return
	}
	var details map[string]any
	if err != nil {
		details = map[string]any{"tool": rc.ToolName, "error": err.Error()}
	} else {
		details = map[string]any{"tool": rc.ToolName}
	}
	d.Audit.LogAuthEvent(eventType, success, rc.Caller.UserID, rc.Caller.SourceAddress, details)
}

// authEnvelope is the shape of params when the call carries the stdio
// equivalent of an access-assertion header: a JSON-RPC stream has no HTTP
// headers, so the bearer token rides a reserved top-level params field
// instead.
type authEnvelope struct {
	Auth json.RawMessage `json:"_auth,omitempty"`
}

// extractAuthField pulls the "_auth" bearer token out of params, if present,
// leaving the remaining params bytes untouched for the handler (including
// "_auth" itself, since handlers never look at it).
func extractAuthField(params json.RawMessage) (token string, rest json.RawMessage) {
	if len(params) == 0 {
		return "", params
	}
	var env authEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		return "", params
	}
	if len(env.Auth) == 0 {
		return "", params
	}
	var tok string
	if err := json.Unmarshal(env.Auth, &tok); err != nil {
		return "", params
	}
	return tok, params
}

func mustMarshal(resp Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		// Response contains only maps/primitives produced by this package;
		// a marshal failure here means a handler returned something the
		// encoder cannot represent at all.
		fallback := newError(resp.ID, codeInternal, "internal error: failed to encode response", nil)
		b, _ = json.Marshal(fallback)
	}
	return b
}
