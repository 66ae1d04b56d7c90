package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// LeaseStore implements domain.LeaseStore with single-statement atomic
// operations. Acquisition takes the row if it is absent or expired and draws
// a fresh fencing token from a dedicated sequence, so tokens increase
// monotonically across every acquisition of every key.
type LeaseStore struct {
	pool *pgxpool.Pool
}

// NewLeaseStore creates a LeaseStore backed by the given pool.
func NewLeaseStore(pool *pgxpool.Pool) *LeaseStore {
	return &LeaseStore{pool: pool}
}

func scanLease(row pgx.Row) (domain.Lease, error) {
	var l domain.Lease
	err := row.Scan(&l.Key, &l.Holder, &l.Token, &l.AcquiredAt, &l.ExpiresAt)
	return l, err
}

// Acquire atomically takes the lease when it is absent or expired. The upsert
// only replaces an expired row, so under N concurrent attempts exactly one
// caller gets a row back; the rest receive ErrLeaseHeld.
func (s *LeaseStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (domain.Lease, error) {
	const query = `
		INSERT INTO leases (key, holder, fencing_token, acquired_at, expires_at)
		VALUES ($1, $2, nextval('lease_fencing_seq'), NOW(), NOW() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE SET
			holder        = EXCLUDED.holder,
			fencing_token = EXCLUDED.fencing_token,
			acquired_at   = EXCLUDED.acquired_at,
			expires_at    = EXCLUDED.expires_at
		WHERE leases.expires_at <= NOW()
		RETURNING key, holder, fencing_token, acquired_at, expires_at`

	row := s.pool.QueryRow(ctx, query, key, holder, ttl.Seconds())
	l, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lease{}, fmt.Errorf("acquire %s: %w", key, domain.ErrLeaseHeld)
	}
	if err != nil {
		return domain.Lease{}, &domain.PersistenceError{Op: "acquire lease", Err: err}
	}
	return l, nil
}

// Renew extends the lease only while (key, holder, token) still match. Zero
// rows affected means the lease moved on; the caller must stop issuing orders
// immediately.
func (s *LeaseStore) Renew(ctx context.Context, key, holder string, token int64, ttl time.Duration) (domain.Lease, error) {
	const query = `
		UPDATE leases SET expires_at = NOW() + make_interval(secs => $4)
		WHERE key = $1 AND holder = $2 AND fencing_token = $3
		RETURNING key, holder, fencing_token, acquired_at, expires_at`

	row := s.pool.QueryRow(ctx, query, key, holder, token, ttl.Seconds())
	l, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lease{}, fmt.Errorf("renew %s: %w", key, domain.ErrLeaseLost)
	}
	if err != nil {
		return domain.Lease{}, &domain.PersistenceError{Op: "renew lease", Err: err}
	}
	return l, nil
}

// Release deletes the caller's own lease. Releasing a lease that already
// moved on is not an error.
func (s *LeaseStore) Release(ctx context.Context, key, holder string, token int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM leases WHERE key = $1 AND holder = $2 AND fencing_token = $3`,
		key, holder, token,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "release lease", Err: err}
	}
	return nil
}

// Get returns the current lease row for a key, expired or not.
func (s *LeaseStore) Get(ctx context.Context, key string) (domain.Lease, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, holder, fencing_token, acquired_at, expires_at FROM leases WHERE key = $1`, key)
	l, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lease{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Lease{}, &domain.PersistenceError{Op: "get lease", Err: err}
	}
	return l, nil
}

// Compile-time interface check.
var _ domain.LeaseStore = (*LeaseStore)(nil)
