package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/torvus/raspictl/internal/ctlerr"
	"github.com/torvus/raspictl/internal/reqctx"
)

// Claims holds the claims this pipeline reads out of a validated token.
// Unlike server/internal/auth/jwt.go's Claims (one fixed Role field), group
// claims are gathered from several possible keys (each may be either a bare
// string or an array of strings) and mapped through a configured table —
// see RoleFromGroups.
type Claims struct {
	jwt.RegisteredClaims
	UserID            string          `json:"sub"`
	GroupsClaim       json.RawMessage `json:"groups,omitempty"`
	RolesClaim        json.RawMessage `json:"roles,omitempty"`
	CFGroupsClaim     json.RawMessage `json:"cf_groups,omitempty"`
	CustomGroupsClaim json.RawMessage `json:"custom:groups,omitempty"`
}

// Groups merges every populated group-like claim into one deduplicated set,
// per spec.md §4.2 "Role mapping": claim groups are gathered from
// {groups, roles, cf_groups, custom:groups}.
func (c *Claims) Groups() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, raw := range []json.RawMessage{c.GroupsClaim, c.RolesClaim, c.CFGroupsClaim, c.CustomGroupsClaim} {
		for _, g := range decodeStringOrArray(raw) {
			g = strings.TrimSpace(g)
			if g == "" {
				continue
			}
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

// decodeStringOrArray decodes a claim value that may be a bare JSON string
// or a JSON array of strings.
func decodeStringOrArray(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// Validator validates bearer tokens against a KeySet, per spec.md §4.2
// "Token validation (happy path)".
type Validator struct {
	KeySet      *KeySet
	Audience    string
	Issuer      string
	GroupToRole map[string]reqctx.Role
}

// Validate implements the full happy-path algorithm: extract kid, resolve
// key (with one forced refresh on unknown kid), verify signature, and
// enforce audience/issuer/exp/nbf. Any failure yields Unauthenticated with a
// `reason` detail drawn from the closed vocabulary in spec.md §4.2.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Claims, reqctx.Role, error) {
	if tokenString == "" {
		return nil, reqctx.RoleAnonymous, ctlerr.Unauthenticatedf(map[string]any{"reason": "missing_token"}, "auth: missing token")
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, reqctx.RoleAnonymous, ctlerr.Unauthenticatedf(map[string]any{"reason": "decode_error"}, "auth: failed to decode token: %s", err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, reqctx.RoleAnonymous, ctlerr.Unauthenticatedf(map[string]any{"reason": "missing_kid"}, "auth: token header has no kid")
	}

	entry, ok := v.KeySet.Lookup(kid)
	if !ok {
		if _, err := v.KeySet.ForceRefresh(ctx); err != nil {
			return nil, reqctx.RoleAnonymous, ctlerr.Unauthenticatedf(map[string]any{"reason": "jwks_fetch_failed"}, "auth: key set refresh failed: %s", err)
		}
		entry, ok = v.KeySet.Lookup(kid)
		if !ok {
			return nil, reqctx.RoleAnonymous, ctlerr.Unauthenticatedf(map[string]any{"reason": "unknown_kid"}, "auth: unknown key id %q", kid)
		}
	}

	claims := &Claims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
	}
	if v.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return entry.Key, nil
	}, parserOpts...)

	if err != nil {
		return nil, reqctx.RoleAnonymous, classifyJWTError(err)
	}
	if !token.Valid {
		return nil, reqctx.RoleAnonymous, ctlerr.Unauthenticatedf(map[string]any{"reason": "invalid_token"}, "auth: token failed validation")
	}

	role := v.RoleFromGroups(claims.Groups())

	return claims, role, nil
}

func classifyJWTError(err error) *ctlerr.Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ctlerr.Unauthenticatedf(map[string]any{"reason": "token_expired"}, "auth: token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ctlerr.Unauthenticatedf(map[string]any{"reason": "invalid_signature"}, "auth: invalid signature")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ctlerr.Unauthenticatedf(map[string]any{"reason": "invalid_audience"}, "auth: invalid audience")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ctlerr.Unauthenticatedf(map[string]any{"reason": "invalid_issuer"}, "auth: invalid issuer")
	default:
		return ctlerr.Unauthenticatedf(map[string]any{"reason": "invalid_token"}, "auth: %s", err)
	}
}

// RoleFromGroups maps a set of claim groups through GroupToRole, choosing
// the highest-ranked role among all matches. Unmapped groups are ignored.
func (v *Validator) RoleFromGroups(groups []string) reqctx.Role {
	role := reqctx.RoleViewer
	for _, g := range groups {
		mapped, ok := v.GroupToRole[strings.TrimSpace(g)]
		if ok {
			role = reqctx.Max(role, mapped)
		}
	}
	return role
}
