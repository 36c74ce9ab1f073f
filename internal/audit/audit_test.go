package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/reqctx"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening audit log: %v", err)
	}
	defer f.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("unmarshaling audit entry: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLogToolCallWritesEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	logger, err := Open(Config{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer logger.Close()

	rc := reqctx.Context{
		ToolName:  "system.reboot",
		Caller:    reqctx.Caller{UserID: "alice@example.com", Role: reqctx.RoleAdmin, SourceAddress: "127.0.0.1"},
		RequestID: "req-1",
	}
	logger.LogToolCall(rc, "success", map[string]any{"delay_seconds": 5})

	entries := readLines(t, path)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e["event_type"] != "tool_call" || e["action"] != "system.reboot" || e["result"] != "success" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e["role"] != "admin" || e["user_id"] != "alice@example.com" {
		t.Fatalf("unexpected caller fields: %+v", e)
	}
}

func TestSensitiveFieldsAreMasked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	logger, err := Open(Config{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer logger.Close()

	rc := reqctx.Context{ToolName: "auth.login", Caller: reqctx.Caller{Role: reqctx.RoleViewer}}
	logger.LogToolCall(rc, "success", map[string]any{
		"access_token": "abcdefghij1234567890",
		"password":     "hunter2",
		"nested": map[string]any{
			"api_key": "sk-1234567890abcdef",
			"safe":    "value",
		},
		"normal_field": "unmasked",
	})

	entries := readLines(t, path)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]

	token, ok := e["access_token"].(string)
	if !ok || token == "abcdefghij1234567890" {
		t.Fatalf("expected access_token to be masked, got %v", e["access_token"])
	}
	if token != "ab...90" {
		t.Fatalf("expected preview mask ab...90, got %s", token)
	}
	if e["password"] != "<masked>" {
		t.Fatalf("expected short password fully masked, got %v", e["password"])
	}
	if e["normal_field"] != "unmasked" {
		t.Fatalf("expected normal_field untouched, got %v", e["normal_field"])
	}

	nested, ok := e["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested to remain a map, got %T", e["nested"])
	}
	if nested["safe"] != "value" {
		t.Fatalf("expected nested.safe untouched, got %v", nested["safe"])
	}
	if nested["api_key"] == "sk-1234567890abcdef" {
		t.Fatal("expected nested.api_key to be masked")
	}
}

func TestLogAuthEventAndSecurityEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	logger, err := Open(Config{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer logger.Close()

	logger.LogAuthEvent("auth_failure", false, "", "10.0.0.5", map[string]any{"reason": "invalid_token"})
	logger.LogSecurityEvent("permissive_mode_enabled", "local authenticator running without a shared token", "warning", nil, nil)

	entries := readLines(t, path)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0]["event_type"] != "auth_failure" || entries[0]["success"] != false {
		t.Fatalf("unexpected auth event: %+v", entries[0])
	}
	if entries[1]["severity"] != "warning" {
		t.Fatalf("unexpected security event: %+v", entries[1])
	}
}

func TestOpenWithEmptyPathDoesNotWriteFile(t *testing.T) {
	logger, err := Open(Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer logger.Close()

	rc := reqctx.Context{ToolName: "system.ping", Caller: reqctx.Caller{Role: reqctx.RoleViewer}}
	logger.LogToolCall(rc, "success", nil)
}

func TestReadRecentReturnsMostRecentEntriesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	logger, err := Open(Config{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 5; i++ {
		logger.LogAuthEvent("auth_success", true, fmt.Sprintf("user-%d", i), "", nil)
	}

	entries, err := ReadRecent(path, 3)
	if err != nil {
		t.Fatalf("ReadRecent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[len(entries)-1]["user_id"] != "user-4" {
		t.Fatalf("expected most recent entry last, got %+v", entries[len(entries)-1])
	}
}

func TestReadRecentMissingFileReturnsEmpty(t *testing.T) {
	entries, err := ReadRecent(filepath.Join(t.TempDir(), "missing.log"), 10)
	if err != nil {
		t.Fatalf("expected missing file to be tolerated, got %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}
