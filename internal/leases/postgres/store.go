// Package postgres backs the lease store with a single worker_leases table.
// Acquisition and renewal rely on the database clock so replicas never compare
// their own wall clocks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakeworks/staking-ledger/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) check() error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return nil
}

const tryAcquireSQL = `
INSERT INTO worker_leases (name, owner, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (name) DO UPDATE
SET owner = EXCLUDED.owner,
	expires_at = EXCLUDED.expires_at,
	acquired_at = now(),
	renewed_at = now()
WHERE worker_leases.expires_at <= now()
RETURNING owner, expires_at`

// TryAcquire takes the lease when it is absent or expired at the database's
// now(). When another owner holds it, the current lease is returned with
// ok=false.
func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.check(); err != nil {
		return leases.Lease{}, false, err
	}
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, tryAcquireSQL, name, owner, ttlMillis(ttl)).Scan(&l.Owner, &l.ExpiresAt)
	switch {
	case err == nil:
		return l, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		held, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return held, false, nil
	default:
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire: %w", err)
	}
}

const renewSQL = `
UPDATE worker_leases
SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
	renewed_at = now()
WHERE name = $1 AND owner = $2
RETURNING owner, expires_at`

// Renew extends the lease only for its current owner. Ownership is the sole
// condition: an expired-but-unstolen lease still renews.
func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.check(); err != nil {
		return leases.Lease{}, false, err
	}
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, renewSQL, name, owner, ttlMillis(ttl)).Scan(&l.Owner, &l.ExpiresAt)
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: %w", err)
	}

	// Distinguish missing from owned-by-someone-else.
	held, gerr := s.Get(ctx, name)
	switch {
	case errors.Is(gerr, leases.ErrNotFound):
		return leases.Lease{}, false, leases.ErrNotFound
	case gerr != nil:
		return leases.Lease{}, false, gerr
	case held.Owner != owner:
		return leases.Lease{}, false, leases.ErrNotOwner
	default:
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: unexpected no rows")
	}
}

// Release drops the lease. Absent leases release cleanly; a different owner's
// lease does not.
func (s *Store) Release(ctx context.Context, name, owner string) error {
	if err := s.check(); err != nil {
		return err
	}
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM worker_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	held, gerr := s.Get(ctx, name)
	switch {
	case errors.Is(gerr, leases.ErrNotFound):
		return nil
	case gerr != nil:
		return gerr
	case held.Owner != owner:
		return leases.ErrNotOwner
	default:
		return nil
	}
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if err := s.check(); err != nil {
		return leases.Lease{}, err
	}
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx,
		`SELECT owner, expires_at FROM worker_leases WHERE name = $1`, name,
	).Scan(&l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	return l, nil
}

func ttlMillis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

var _ leases.Store = (*Store)(nil)
