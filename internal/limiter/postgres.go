package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	pool     querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a limiter over any pgx pool or pgxmock.
func NewPG(q querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	if maxFails <= 0 {
		maxFails = 10
	}
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow checks for an active block.
func (l *PG) Allow(ctx context.Context, clientHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_failures WHERE client_hash=$1`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, clientHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Failure bumps the counter, restarting it when the previous failure is older than the window,
// and sets a block once maxFails is reached.
func (l *PG) Failure(ctx context.Context, clientHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_failures (client_hash, fail_count, blocked_until, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (client_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - auth_failures.updated_at > $2::interval THEN 1 ELSE auth_failures.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, clientHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE auth_failures SET blocked_until=$2, fail_count=0 WHERE client_hash=$1`
	if _, err := l.pool.Exec(ctx, upd, clientHash, l.now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
