// Package auth implements the C2 Auth Pipeline: a JWKS-style key-set cache,
// RS256 token validation with rotation-aware retry, role mapping, and the
// RBAC permission gate. Grounded on server/internal/auth/jwt.go (RSA key
// handling style) and original_source/src/mcp_raspi/security/jwks_fetcher.py
// (cache/refresh semantics), reimplemented without a Python asyncio.Lock.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/torvus/raspictl/internal/ctlerr"
)

// KeySetEntry is one verification key resolved from the remote key set.
type KeySetEntry struct {
	Kid       string
	Algorithm string
	Key       *rsa.PublicKey
}

// Fetcher retrieves the current set of signing keys from their source of
// truth (an HTTPS JWKS endpoint in production; a fixture in tests).
type Fetcher interface {
	Fetch(ctx context.Context) ([]KeySetEntry, error)
}

// HTTPFetcher fetches and parses a standard JWK Set document over HTTPS.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

type jwkSetDoc struct {
	Keys []jwkDoc `json:"keys"`
}

type jwkDoc struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Fetch implements Fetcher. Only RSA keys whose alg starts with "RS" are
// kept, matching original_source's filter on alg.startswith("RS").
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]KeySetEntry, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, ctlerr.Unavailablef(map[string]any{"url": f.URL}, "auth: building jwks request: %s", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, ctlerr.Unavailablef(map[string]any{"url": f.URL}, "auth: jwks fetch failed: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ctlerr.Unavailablef(map[string]any{"url": f.URL, "status": resp.StatusCode}, "auth: jwks endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ctlerr.Unavailablef(nil, "auth: reading jwks body: %s", err)
	}

	var doc jwkSetDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, ctlerr.Unavailablef(nil, "auth: parsing jwks document: %s", err)
	}

	entries := make([]KeySetEntry, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || !strings.HasPrefix(k.Alg, "RS") {
			continue
		}
		key, err := rsaPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		entries = append(entries, KeySetEntry{Kid: k.Kid, Algorithm: k.Alg, Key: key})
	}
	return entries, nil
}

func rsaPublicKeyFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding jwk modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding jwk exponent: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// KeySet is the TTL-cached mapping from kid to verification key. Concurrency
// contract (spec.md §4.2): a single refresh is in flight at a time;
// concurrent lookups await that refresh.
type KeySet struct {
	fetcher Fetcher
	ttl     time.Duration

	mu        sync.RWMutex
	entries   map[string]KeySetEntry
	fetchedAt time.Time
}

// NewKeySet creates a KeySet. ttl<=0 defaults to one hour.
func NewKeySet(fetcher Fetcher, ttl time.Duration) *KeySet {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &KeySet{fetcher: fetcher, ttl: ttl, entries: map[string]KeySetEntry{}}
}

func (k *KeySet) isFreshLocked() bool {
	return !k.fetchedAt.IsZero() && time.Since(k.fetchedAt) < k.ttl
}

// GetAll returns all cached keys, refreshing first if the cache is stale.
func (k *KeySet) GetAll(ctx context.Context) (map[string]KeySetEntry, error) {
	k.mu.RLock()
	if k.isFreshLocked() {
		out := cloneEntries(k.entries)
		k.mu.RUnlock()
		return out, nil
	}
	k.mu.RUnlock()

	return k.refresh(ctx, false)
}

// Lookup is a pure cache read: it never triggers a refresh.
func (k *KeySet) Lookup(kid string) (KeySetEntry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[kid]
	return e, ok
}

// ForceRefresh bypasses the TTL and refetches unconditionally.
func (k *KeySet) ForceRefresh(ctx context.Context) (map[string]KeySetEntry, error) {
	return k.refresh(ctx, true)
}

// Clear empties the cache.
func (k *KeySet) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries = map[string]KeySetEntry{}
	k.fetchedAt = time.Time{}
}

// refresh performs the actual fetch under the exclusive lock so that
// concurrent callers serialize behind one in-flight refresh and observe its
// result rather than issuing redundant fetches. force skips the freshness
// check and always fetches.
func (k *KeySet) refresh(ctx context.Context, force bool) (map[string]KeySetEntry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	// Double-checked: another goroutine may have refreshed while we waited
	// for the lock.
	if !force && k.isFreshLocked() {
		return cloneEntries(k.entries), nil
	}

	fetched, err := k.fetcher.Fetch(ctx)
	if err != nil {
		return nil, ctlerr.Unauthenticatedf(map[string]any{"reason": "jwks_fetch_failed"}, "auth: key set refresh failed: %s", err)
	}

	entries := make(map[string]KeySetEntry, len(fetched))
	for _, e := range fetched {
		entries[e.Kid] = e
	}
	k.entries = entries
	k.fetchedAt = time.Now()
	return cloneEntries(k.entries), nil
}

func cloneEntries(in map[string]KeySetEntry) map[string]KeySetEntry {
	out := make(map[string]KeySetEntry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
