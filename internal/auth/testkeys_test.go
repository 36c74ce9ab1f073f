package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/torvus/raspictl/internal/ctlerr"
)

// errFetchUnavailable simulates a JWKS endpoint that cannot be reached.
var errFetchUnavailable = errors.New("jwks endpoint unavailable")

// testRSAPrivateKey backs every signed token minted in this package's tests.
// Generating one 2048-bit key per test process is cheap enough and avoids
// each test paying RSA keygen cost individually.
var testRSAPrivateKey = mustGenerateTestRSAKey()

var sharedTestPublicKey = testRSAPrivateKey.PublicKey

func mustGenerateTestRSAKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

// asCtlerrForTest unwraps err as a *ctlerr.Error for assertions on Kind/Details.
func asCtlerrForTest(err error) (*ctlerr.Error, bool) {
	cerr, ok := err.(*ctlerr.Error)
	return cerr, ok
}

// signTestToken mints an RS256 token with the given kid header and claims.
func signTestToken(kid string, claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(testRSAPrivateKey)
}
