// Package idempotency implements the Idempotency-Key request gateway: a
// repeated request bearing the same key, method, and path within the TTL
// window returns the first response; the same key replayed with a
// different request body is rejected as a conflict.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rat-data/agentd/internal/cache"
)

// Defaults per spec 4.9.
const (
	DefaultTTL        = 300 * time.Second
	DefaultMaxEntries = 1000
)

// ErrKeyReused is returned when the same idempotency key is replayed with a
// different request fingerprint. Callers surface this as HTTP 409
// IDEMPOTENCY_KEY_REUSED.
var ErrKeyReused = errors.New("idempotency: key reused with different request body")

// Record is what's cached per idempotency key: the fingerprint of the
// original request, and the response to replay on a matching repeat.
type Record struct {
	Fingerprint string
	StatusCode  int
	Body        []byte
}

type cacheKey struct {
	Method string
	Path   string
	Key    string
}

// Gateway deduplicates requests by idempotency key, built directly on the
// teacher's generic TTL cache rather than a bespoke map, since the shape of
// the problem (keyed, TTL-expiring, bounded) is identical.
type Gateway struct {
	cache *cache.Cache[cacheKey, Record]
}

// New constructs a Gateway with the given TTL/max-entries (zero values use
// the package defaults).
func New(ttl time.Duration, maxEntries int) *Gateway {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Gateway{
		cache: cache.New[cacheKey, Record](cache.Options{TTL: ttl, MaxEntries: maxEntries}),
	}
}

// Fingerprint returns the SHA-256 hex digest of a request body, used to
// detect whether a replayed idempotency key carries the same payload.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Check looks up an existing record for (method, path, key). If found and
// the fingerprint matches, it returns the cached record to replay. If found
// with a mismatched fingerprint, it returns ErrKeyReused. If not found, ok
// is false and the caller should proceed to handle the request normally.
func (g *Gateway) Check(method, path, key, fingerprint string) (Record, bool, error) {
	rec, ok := g.cache.Get(cacheKey{Method: method, Path: path, Key: key})
	if !ok {
		return Record{}, false, nil
	}
	if rec.Fingerprint != fingerprint {
		return Record{}, false, ErrKeyReused
	}
	return rec, true, nil
}

// Store records the response produced for (method, path, key, fingerprint)
// so a subsequent replay can be served from cache.
func (g *Gateway) Store(method, path, key, fingerprint string, statusCode int, body []byte) {
	g.cache.Set(cacheKey{Method: method, Path: path, Key: key}, Record{
		Fingerprint: fingerprint,
		StatusCode:  statusCode,
		Body:        body,
	})
}

// Len reports the current number of cached idempotency records, primarily
// for metrics/tests.
func (g *Gateway) Len() int { return g.cache.Len() }
