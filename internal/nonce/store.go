// Package nonce implements the single-use, TTL-bounded token store used
// for login challenges (SIWX) and x402 payment replay protection. The
// store is Redis-backed so the pending->used transition holds across
// gateway replicas, not just within one process.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Namespace distinguishes independent nonce key spaces so a login
// challenge token and a payment nonce can never collide even if the raw
// random value coincided.
type Namespace string

const (
	Login   Namespace = "login"
	Payment Namespace = "payment"
)

var consumeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// Store is a TTL-bounded, namespaced nonce store backed by Redis. consume
// is implemented as a single Lua script so the pending->used transition
// and the yes/no answer are one uninterruptible step under concurrency.
type Store struct {
	rdb *redis.Client
	ttl map[Namespace]time.Duration
}

// New creates a Store with the default per-namespace TTLs: login tokens
// 5 minutes, payment nonces 1 hour.
func New(rdb *redis.Client) *Store {
	return &Store{
		rdb: rdb,
		ttl: map[Namespace]time.Duration{
			Login:   5 * time.Minute,
			Payment: time.Hour,
		},
	}
}

// WithTTL overrides the TTL for a namespace (used by tests).
func (s *Store) WithTTL(ns Namespace, ttl time.Duration) *Store {
	s.ttl[ns] = ttl
	return s
}

func (s *Store) key(ns Namespace, token string) string {
	return fmt.Sprintf("nonce:%s:%s", ns, token)
}

// Generate creates a fresh, cryptographically random token (128 bits)
// registered as pending in ns, and returns it.
func (s *Store) Generate(ctx context.Context, ns Namespace) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	ttl, ok := s.ttl[ns]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	if err := s.rdb.Set(ctx, s.key(ns, token), "pending", ttl).Err(); err != nil {
		return "", fmt.Errorf("storing nonce: %w", err)
	}
	return token, nil
}

// PaymentNonce generates a fresh 32-byte payment nonce and registers its
// hex form as pending in the Payment namespace, so a signed
// transferWithAuthorization nonce is tracked for replay protection for the
// namespace's TTL.
func (s *Store) PaymentNonce(ctx context.Context) ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generating payment nonce: %w", err)
	}
	token := "0x" + hex.EncodeToString(nonce[:])
	if err := s.rdb.Set(ctx, s.key(Payment, token), "pending", s.ttl[Payment]).Err(); err != nil {
		return nonce, fmt.Errorf("storing payment nonce: %w", err)
	}
	return nonce, nil
}

// Consume atomically transitions token from pending to used and reports
// whether this call won the race — exactly one concurrent caller ever
// receives true for the same token.
func (s *Store) Consume(ctx context.Context, ns Namespace, token string) (bool, error) {
	res, err := consumeScript.Run(ctx, s.rdb, []string{s.key(ns, token)}).Int64()
	if err != nil {
		return false, fmt.Errorf("consuming nonce: %w", err)
	}
	return res == 1, nil
}

// IsValid reports whether token is still pending (unexpired, unconsumed)
// without consuming it.
func (s *Store) IsValid(ctx context.Context, ns Namespace, token string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(ns, token)).Result()
	if err != nil {
		return false, fmt.Errorf("checking nonce: %w", err)
	}
	return n == 1, nil
}

// Invalidate removes token regardless of its state.
func (s *Store) Invalidate(ctx context.Context, ns Namespace, token string) error {
	return s.rdb.Del(ctx, s.key(ns, token)).Err()
}

// CountActive returns the number of currently-pending tokens in ns. This
// is an O(n) SCAN and is intended for diagnostics, not hot paths.
func (s *Store) CountActive(ctx context.Context, ns Namespace) (int, error) {
	pattern := s.key(ns, "*")
	var count int
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scanning nonces: %w", err)
	}
	return count, nil
}

// ErrUnknownNamespace is returned when a caller references a namespace
// that was never configured.
var ErrUnknownNamespace = errors.New("nonce: unknown namespace")
