// Package limiter locks out clients that keep presenting bad bearer tokens.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter tracks failed authentications per client and blocks noisy ones for a while.
type Limiter interface {
	// Allow reports whether the client may authenticate now, with retry-after when not.
	Allow(ctx context.Context, clientHash []byte) (bool, time.Duration, error)
	// Failure records a failed authentication; true means the client is now blocked.
	Failure(ctx context.Context, clientHash []byte) (bool, time.Duration, error)
}

// HashClient returns a stable digest of a client address so raw addresses are not stored.
func HashClient(addr string) []byte {
	h := sha256.Sum256([]byte(addr))
	return h[:]
}

// Nop never blocks.
type Nop struct{}

// Allow implements Limiter.
func (Nop) Allow(context.Context, []byte) (bool, time.Duration, error) { return true, 0, nil }

// Failure implements Limiter.
func (Nop) Failure(context.Context, []byte) (bool, time.Duration, error) { return false, 0, nil }
