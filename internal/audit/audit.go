// Package audit writes an append-only, independent audit trail for
// privileged operations: every dispatched tool call, every
// authentication/authorization outcome, and security-relevant occurrences
// such as a permissive local-mode warning. Grounded on
// original_source/src/mcp_raspi/security/audit_logger.py's AuditLogger.
//
// Audit records are deliberately not routed through zap: they must survive
// independently of the application's configured log level and must never be
// dropped by level filtering, so the writer appends raw JSON lines to its
// own file.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/reqctx"
)

// sensitiveFieldPatterns mirrors audit_logger.py's SENSITIVE_FIELD_PATTERNS.
var sensitiveFieldPatterns = []string{
	"token",
	"password",
	"secret",
	"api_key",
	"apikey",
	"secret_key",
	"private_key",
	"credential",
	"auth",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range sensitiveFieldPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// maskValue replaces a sensitive string with a short, non-reversible
// preview, or "<masked>" when there is nothing safe to preview.
func maskValue(v any) any {
	s, ok := v.(string)
	if ok && len(s) > 8 {
		return fmt.Sprintf("%s...%s", s[:2], s[len(s)-2:])
	}
	return "<masked>"
}

// maskSensitiveFields returns a copy of data with sensitive keys masked,
// recursing into nested maps and slices of maps.
func maskSensitiveFields(data map[string]any) map[string]any {
	masked := make(map[string]any, len(data))
	for key, value := range data {
		switch {
		case isSensitiveKey(key):
			masked[key] = maskValue(value)
		case isMap(value):
			masked[key] = maskSensitiveFields(toMap(value))
		case isSlice(value):
			masked[key] = maskSlice(value)
		default:
			masked[key] = value
		}
	}
	return masked
}

func maskSlice(v any) []any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		if isMap(item) {
			out[i] = maskSensitiveFields(toMap(item))
		} else {
			out[i] = item
		}
	}
	return out
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func isSlice(v any) bool {
	_, ok := v.([]any)
	return ok
}

// userIDOrAnonymous reports rc.Caller's user id, or the literal "anonymous"
// for a caller that never presented a verified identity (e.g. a call that
// fails authentication before rc.Caller is populated from a token).
func userIDOrAnonymous(c reqctx.Caller) string {
	if !c.Authenticated() {
		return "anonymous"
	}
	return c.UserID
}

// Logger is an append-only, mutex-serialized JSON-lines writer.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	toStdout bool
	zap      *zap.Logger
}

// Config controls where audit entries are written.
type Config struct {
	// Path is the audit log file path. Empty disables file writing.
	Path string
	// AlsoLogToStdout additionally logs each entry at info level via the
	// supplied zap logger, for local/dev visibility.
	AlsoLogToStdout bool
}

// Open creates (or appends to) the audit log file named by cfg.Path. An
// empty Path yields a Logger that only optionally echoes to stdout via
// logger, matching audit_logger.py's log_to_file=False fallback.
func Open(cfg Config, logger *zap.Logger) (*Logger, error) {
	l := &Logger{toStdout: cfg.AlsoLogToStdout, zap: logger}

	if cfg.Path == "" {
		return l, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: creating log directory: %w", err)
		}
	}

	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: opening audit log: %w", err)
	}
	l.file = f
	return l, nil
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) writeEntry(entry map[string]any) {
	line, err := json.Marshal(entry)
	if err != nil {
		if l.zap != nil {
			l.zap.Error("audit: failed to marshal entry", zap.Error(err))
		}
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if _, err := l.file.Write(append(line, '\n')); err != nil && l.zap != nil {
			l.zap.Error("audit: failed to write entry", zap.Error(err))
		}
	}
	if l.toStdout && l.zap != nil {
		l.zap.Info("AUDIT", zap.ByteString("entry", line))
	}
}

// LogToolCall records one dispatched tool invocation. Satisfies
// rpc.AuditSink.
func (l *Logger) LogToolCall(rc reqctx.Context, outcome string, detail map[string]any) {
	entry := map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"event_type": "tool_call",
		"user_id":    userIDOrAnonymous(rc.Caller),
		"role":       string(rc.Caller.Role),
		"action":     rc.ToolName,
		"result":     outcome,
		"request_id": rc.RequestID,
	}
	if rc.Caller.SourceAddress != "" {
		entry["source_ip"] = rc.Caller.SourceAddress
	}
	for key, value := range maskSensitiveFields(detail) {
		if _, exists := entry[key]; !exists {
			entry[key] = value
		}
	}
	l.writeEntry(entry)
}

// LogAuthEvent records an authentication or authorization outcome, e.g.
// "auth_success", "auth_failure", "permission_denied".
func (l *Logger) LogAuthEvent(eventType string, success bool, userID, sourceIP string, details map[string]any) {
	if userID == "" {
		userID = "anonymous"
	}
	entry := map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"event_type": eventType,
		"success":    success,
		"user_id":    userID,
		"source_ip":  sourceIP,
	}
	if details != nil {
		entry["details"] = maskSensitiveFields(details)
	}
	l.writeEntry(entry)
}

// ReadRecent returns up to limit of the most recently written entries from
// the audit log at path, oldest-first within that window. Backs
// logs.get_recent_audit_logs (spec.md's RBAC table names this tool
// explicitly; admin-only since entries may include unmasked operational
// detail even after sensitive-field masking).
func ReadRecent(path string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 100
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: opening log: %w", err)
	}
	defer f.Close()

	var all []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		all = append(all, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scanning log: %w", err)
	}

	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// LogSecurityEvent records a severity-graded security-relevant occurrence,
// e.g. a permissive local-mode warning (internal/auth's LocalAuthenticator).
func (l *Logger) LogSecurityEvent(eventType, description, severity string, rc *reqctx.Context, details map[string]any) {
	entry := map[string]any{
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"event_type":  eventType,
		"severity":    severity,
		"description": description,
	}
	if rc != nil {
		entry["user_id"] = userIDOrAnonymous(rc.Caller)
		entry["role"] = string(rc.Caller.Role)
		entry["source_ip"] = rc.Caller.SourceAddress
		entry["request_id"] = rc.RequestID
	}
	if details != nil {
		entry["details"] = maskSensitiveFields(details)
	}
	l.writeEntry(entry)
}
