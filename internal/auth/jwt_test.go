package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/torvus/raspictl/internal/reqctx"
)

const (
	testIssuer   = "https://idp.example.test"
	testAudience = "raspictl-broker"
)

func baseTestClaims(sub string, groups []string, expires time.Time) *Claims {
	c := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		UserID: sub,
	}
	if len(groups) > 0 {
		raw, _ := json.Marshal(groups)
		c.GroupsClaim = raw
	}
	return c
}

func newTestValidator(fetcher Fetcher) *Validator {
	return &Validator{
		KeySet:   NewKeySet(fetcher, time.Hour),
		Audience: testAudience,
		Issuer:   testIssuer,
		GroupToRole: map[string]reqctx.Role{
			"viewers":   reqctx.RoleViewer,
			"operators": reqctx.RoleOperator,
			"admins":    reqctx.RoleAdmin,
		},
	}
}

func expectReason(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error with reason %q, got nil", want)
	}
	cerr, ok := asCtlerrForTest(err)
	if !ok {
		t.Fatalf("expected *ctlerr.Error, got %T (%v)", err, err)
	}
	if got := cerr.Details["reason"]; got != want {
		t.Fatalf("expected reason %q, got %v (message: %s)", want, got, cerr.Message)
	}
}

func TestValidateMissingToken(t *testing.T) {
	v := newTestValidator(&fakeFetcher{})
	_, _, err := v.Validate(context.Background(), "")
	expectReason(t, err, "missing_token")
}

func TestValidateDecodeError(t *testing.T) {
	v := newTestValidator(&fakeFetcher{})
	_, _, err := v.Validate(context.Background(), "not-a-jwt-at-all")
	expectReason(t, err, "decode_error")
}

func TestValidateMissingKid(t *testing.T) {
	v := newTestValidator(&fakeFetcher{})
	claims := baseTestClaims("user-1", nil, time.Now().Add(time.Hour))
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	// Deliberately omit the kid header.
	signed, err := token.SignedString(testRSAPrivateKey)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	_, _, err = v.Validate(context.Background(), signed)
	expectReason(t, err, "missing_kid")
}

func TestValidateJWKSFetchFailedOnUnknownKid(t *testing.T) {
	fetcher := &fakeFetcher{err: errFetchUnavailable}
	v := newTestValidator(fetcher)
	claims := baseTestClaims("user-1", nil, time.Now().Add(time.Hour))
	signed, err := signTestToken("missing-kid", claims)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	_, _, err = v.Validate(context.Background(), signed)
	expectReason(t, err, "jwks_fetch_failed")
}

func TestValidateUnknownKidAfterRefreshMiss(t *testing.T) {
	fetcher := &fakeFetcher{keys: []KeySetEntry{{Kid: "k1", Algorithm: "RS256", Key: &testRSAPrivateKey.PublicKey}}}
	v := newTestValidator(fetcher)
	claims := baseTestClaims("user-1", nil, time.Now().Add(time.Hour))
	signed, err := signTestToken("never-registered", claims)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	_, _, err = v.Validate(context.Background(), signed)
	expectReason(t, err, "unknown_kid")
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("expected exactly one forced refresh attempt, got %d", got)
	}
}

// TestValidateRotatesKeysOnUnknownKid is the token-rotation scenario: the
// kid on the wire isn't in the cache yet, so Validate forces a refresh; once
// the refreshed set contains it, validation proceeds normally.
func TestValidateRotatesKeysOnUnknownKid(t *testing.T) {
	fetcher := &fakeFetcher{keys: []KeySetEntry{{Kid: "old-kid", Algorithm: "RS256", Key: &testRSAPrivateKey.PublicKey}}}
	v := newTestValidator(fetcher)

	// Prime the cache with the old key set so the new kid starts out absent.
	if _, err := v.KeySet.GetAll(context.Background()); err != nil {
		t.Fatalf("priming cache: %v", err)
	}

	// Rotate: the fetcher now also serves "new-kid".
	fetcher.keys = []KeySetEntry{
		{Kid: "old-kid", Algorithm: "RS256", Key: &testRSAPrivateKey.PublicKey},
		{Kid: "new-kid", Algorithm: "RS256", Key: &testRSAPrivateKey.PublicKey},
	}

	claims := baseTestClaims("user-1", []string{"admins"}, time.Now().Add(time.Hour))
	signed, err := signTestToken("new-kid", claims)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	gotClaims, role, err := v.Validate(context.Background(), signed)
	if err != nil {
		t.Fatalf("expected rotation to resolve new-kid, got: %v", err)
	}
	if gotClaims.UserID != "user-1" {
		t.Fatalf("unexpected claims: %+v", gotClaims)
	}
	if role != reqctx.RoleAdmin {
		t.Fatalf("expected admin role, got %s", role)
	}
	if got := fetcher.callCount(); got != 2 {
		t.Fatalf("expected priming fetch + one forced refresh, got %d calls", got)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	fetcher := &fakeFetcher{keys: []KeySetEntry{{Kid: "k1", Algorithm: "RS256", Key: &testRSAPrivateKey.PublicKey}}}
	v := newTestValidator(fetcher)
	claims := baseTestClaims("user-1", nil, time.Now().Add(-time.Hour))
	signed, err := signTestToken("k1", claims)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	_, _, err = v.Validate(context.Background(), signed)
	expectReason(t, err, "token_expired")
}

func TestValidateInvalidSignature(t *testing.T) {
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating mismatched key: %v", err)
	}
	// The key set serves testRSAPrivateKey's public key for "k1", but the
	// token is actually signed by a different private key.
	fetcher := &fakeFetcher{keys: []KeySetEntry{{Kid: "k1", Algorithm: "RS256", Key: &testRSAPrivateKey.PublicKey}}}
	v := newTestValidator(fetcher)
	claims := baseTestClaims("user-1", nil, time.Now().Add(time.Hour))
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(otherKey)
	if err != nil {
		t.Fatalf("signing with mismatched key: %v", err)
	}
	_, _, err = v.Validate(context.Background(), signed)
	expectReason(t, err, "invalid_signature")
}

func TestValidateInvalidAudience(t *testing.T) {
	fetcher := &fakeFetcher{keys: []KeySetEntry{{Kid: "k1", Algorithm: "RS256", Key: &testRSAPrivateKey.PublicKey}}}
	v := newTestValidator(fetcher)
	claims := baseTestClaims("user-1", nil, time.Now().Add(time.Hour))
	claims.Audience = jwt.ClaimStrings{"some-other-service"}
	signed, err := signTestToken("k1", claims)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	_, _, err = v.Validate(context.Background(), signed)
	expectReason(t, err, "invalid_audience")
}

func TestValidateInvalidIssuer(t *testing.T) {
	fetcher := &fakeFetcher{keys: []KeySetEntry{{Kid: "k1", Algorithm: "RS256", Key: &testRSAPrivateKey.PublicKey}}}
	v := newTestValidator(fetcher)
	claims := baseTestClaims("user-1", nil, time.Now().Add(time.Hour))
	claims.Issuer = "https://not-the-configured-issuer.test"
	signed, err := signTestToken("k1", claims)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	_, _, err = v.Validate(context.Background(), signed)
	expectReason(t, err, "invalid_issuer")
}

func TestValidateHappyPathAssignsRoleFromGroups(t *testing.T) {
	fetcher := &fakeFetcher{keys: []KeySetEntry{{Kid: "k1", Algorithm: "RS256", Key: &testRSAPrivateKey.PublicKey}}}
	v := newTestValidator(fetcher)
	claims := baseTestClaims("user-1", []string{"viewers", "operators"}, time.Now().Add(time.Hour))
	signed, err := signTestToken("k1", claims)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	gotClaims, role, err := v.Validate(context.Background(), signed)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if gotClaims.UserID != "user-1" {
		t.Fatalf("unexpected user id: %s", gotClaims.UserID)
	}
	if role != reqctx.RoleOperator {
		t.Fatalf("expected operator (highest ranked of viewer/operator), got %s", role)
	}
}

func TestRoleFromGroupsIgnoresUnmappedGroupsAndPicksHighest(t *testing.T) {
	v := newTestValidator(&fakeFetcher{})
	role := v.RoleFromGroups([]string{"some-unrelated-group", "viewers", "admins"})
	if role != reqctx.RoleAdmin {
		t.Fatalf("expected admin (highest ranked match), got %s", role)
	}
}

func TestRoleFromGroupsDefaultsToViewerWhenNoneMap(t *testing.T) {
	v := newTestValidator(&fakeFetcher{})
	role := v.RoleFromGroups([]string{"totally-unknown"})
	if role != reqctx.RoleViewer {
		t.Fatalf("expected default viewer role, got %s", role)
	}
}

func TestClaimsGroupsMergesAllClaimSourcesAndDedupes(t *testing.T) {
	c := &Claims{}
	c.GroupsClaim, _ = json.Marshal([]string{"a", "b"})
	c.RolesClaim, _ = json.Marshal("b")
	c.CFGroupsClaim, _ = json.Marshal([]string{"c"})

	groups := c.Groups()
	seen := map[string]bool{}
	for _, g := range groups {
		seen[g] = true
	}
	if len(groups) != 3 || !seen["a"] || !seen["b"] || !seen["c"] {
		t.Fatalf("expected deduplicated [a b c], got %v", groups)
	}
}
