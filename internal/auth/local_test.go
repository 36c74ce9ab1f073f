package auth

import (
	"net/http"
	"testing"

	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/reqctx"
)

type fakeSecurityAuditor struct {
	calls []string
}

func (f *fakeSecurityAuditor) LogSecurityEvent(eventType, description, severity string, rc *reqctx.Context, details map[string]any) {
	f.calls = append(f.calls, eventType)
}

func TestLocalAuthenticatorPermissiveGrantsAdmin(t *testing.T) {
	a := NewLocalAuthenticator(zap.NewNop(), "")
	if !a.Permissive {
		t.Fatal("expected permissive mode when sharedToken is empty")
	}
	caller, err := a.Authenticate("anything-or-nothing")
	if err != nil {
		t.Fatalf("permissive mode must never reject: %v", err)
	}
	if caller.Role != reqctx.RoleAdmin {
		t.Fatalf("expected admin in permissive mode, got %s", caller.Role)
	}
}

func TestLocalAuthenticatorPermissiveEmitsOneSecurityEvent(t *testing.T) {
	audit := &fakeSecurityAuditor{}
	a := NewLocalAuthenticator(zap.NewNop(), "").WithAudit(audit)

	if _, err := a.Authenticate("t1"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := a.Authenticate("t2"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := a.Authenticate("t3"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if len(audit.calls) != 1 {
		t.Fatalf("expected exactly one security event across repeated permissive calls, got %d: %v", len(audit.calls), audit.calls)
	}
	if audit.calls[0] != "permissive_mode_active" {
		t.Fatalf("unexpected event type: %s", audit.calls[0])
	}
}

func TestLocalAuthenticatorSharedTokenMode(t *testing.T) {
	a := NewLocalAuthenticator(zap.NewNop(), "s3cr3t-shared")
	if a.Permissive {
		t.Fatal("expected non-permissive mode when a shared token is configured")
	}

	caller, err := a.Authenticate("s3cr3t-shared")
	if err != nil {
		t.Fatalf("expected the correct shared token to authenticate: %v", err)
	}
	if caller.Role != reqctx.RoleAdmin {
		t.Fatalf("expected admin for the shared token, got %s", caller.Role)
	}

	if _, err := a.Authenticate("wrong-token"); err == nil {
		t.Fatal("expected an incorrect token to be rejected")
	}
	if _, err := a.Authenticate(""); err == nil {
		t.Fatal("expected an empty token to be rejected")
	}
}

func TestExtractBearerTokenPrefersDedicatedHeader(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderName, "dedicated-token")
	h.Set("Authorization", "Bearer other-token")

	if got := ExtractBearerToken(h); got != "dedicated-token" {
		t.Fatalf("expected dedicated header to win, got %q", got)
	}
}

func TestExtractBearerTokenFallsBackToAuthorizationHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer abc123")
	if got := ExtractBearerToken(h); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}

	h2 := http.Header{}
	h2.Set("Authorization", "bearer abc123")
	if got := ExtractBearerToken(h2); got != "abc123" {
		t.Fatalf("expected case-insensitive bearer prefix to match, got %q", got)
	}
}

func TestExtractBearerTokenEmptyWhenNoneConfigured(t *testing.T) {
	if got := ExtractBearerToken(http.Header{}); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
	h := http.Header{}
	h.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := ExtractBearerToken(h); got != "" {
		t.Fatalf("expected empty string for a non-bearer scheme, got %q", got)
	}
}
