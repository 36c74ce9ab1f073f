package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/ctlerr"
	"github.com/torvus/raspictl/internal/reqctx"
)

// SecurityAuditor receives severity-graded security events, satisfied by
// *audit.Logger's LogSecurityEvent. Declared here (not imported from
// internal/audit) to avoid a dependency cycle: internal/audit only needs
// reqctx, never internal/auth.
type SecurityAuditor interface {
	LogSecurityEvent(eventType, description, severity string, rc *reqctx.Context, details map[string]any)
}

// HeaderName is the dedicated access-assertion header checked before the
// standard Authorization header, per spec.md §4.1 "Token extraction".
const HeaderName = "X-Torvus-Access-Token"

// ExtractBearerToken pulls the caller's bearer token out of an incoming
// request's headers: the dedicated HeaderName first, then a case-insensitive
// "Authorization: Bearer <token>" fallback.
func ExtractBearerToken(headers http.Header) string {
	if tok := strings.TrimSpace(headers.Get(HeaderName)); tok != "" {
		return tok
	}

	auth := headers.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// LocalAuthenticator is the dev-mode authenticator used when no JWKS issuer
// is configured (spec.md §4.3 "Local/dev-mode authentication"). Two modes:
//
//   - Permissive: any caller is admitted as RoleAdmin; each call logs a
//     warning so the mode can never go unnoticed in production logs.
//   - Shared-token: a single fixed token, compared in constant time, grants
//     RoleAdmin; anything else is Unauthenticated.
type LocalAuthenticator struct {
	logger      *zap.Logger
	audit       SecurityAuditor
	warnAudit   sync.Once
	Permissive  bool
	SharedToken string
}

// NewLocalAuthenticator builds a dev-mode authenticator. When sharedToken is
// empty, the authenticator runs in permissive mode.
func NewLocalAuthenticator(logger *zap.Logger, sharedToken string) *LocalAuthenticator {
	return &LocalAuthenticator{
		logger:      logger.Named("auth.local"),
		Permissive:  sharedToken == "",
		SharedToken: sharedToken,
	}
}

// WithAudit attaches a security-event sink. When running in permissive
// mode, the first Authenticate call records one LogSecurityEvent entry
// (rather than one per call, which would otherwise flood the audit trail)
// in addition to the zap warning every call still logs.
func (a *LocalAuthenticator) WithAudit(sink SecurityAuditor) *LocalAuthenticator {
	a.audit = sink
	return a
}

// Authenticate resolves a bearer token to a role under dev-mode rules. The
// returned Caller.UserID is a fixed placeholder since no identity provider
// is in play.
func (a *LocalAuthenticator) Authenticate(token string) (reqctx.Caller, error) {
	if a.Permissive {
		a.logger.Warn("local auth running in permissive mode, granting admin to every caller")
		a.warnAudit.Do(func() {
			if a.audit != nil {
				a.audit.LogSecurityEvent(
					"permissive_mode_active",
					"local authenticator is running in permissive mode: every caller is granted admin",
					"warning", nil, nil,
				)
			}
		})
		return reqctx.Caller{UserID: "local-dev", Role: reqctx.RoleAdmin, Groups: []string{"local-dev"}}, nil
	}

	if token == "" {
		return reqctx.Caller{}, ctlerr.Unauthenticatedf(map[string]any{"reason": "missing_token"}, "auth: missing token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.SharedToken)) != 1 {
		return reqctx.Caller{}, ctlerr.Unauthenticatedf(map[string]any{"reason": "invalid_token"}, "auth: shared token mismatch")
	}
	return reqctx.Caller{UserID: "local-shared-token", Role: reqctx.RoleAdmin, Groups: []string{"local-shared-token"}}, nil
}
