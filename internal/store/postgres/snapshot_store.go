package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// execer is satisfied by both pgxpool.Pool and pgx.Tx, so snapshot writes can
// run standalone or inside the append transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// saveSnapshot writes a snapshot row inside an arbitrary pgx executor, so the
// event store can snapshot within its append transaction.
func saveSnapshot(ctx context.Context, q execer, streamKey string, asOfSeq int64, state domain.Position) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot %s: %w", streamKey, err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO snapshots (stream_key, as_of_seq, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream_key, as_of_seq) DO NOTHING`,
		streamKey, asOfSeq, blob,
	)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot %s@%d: %w", streamKey, asOfSeq, err)
	}
	return nil
}

// Save writes a snapshot of the aggregate state at the given sequence.
func (s *SnapshotStore) Save(ctx context.Context, streamKey string, asOfSeq int64, state domain.Position) error {
	return saveSnapshot(ctx, s.pool, streamKey, asOfSeq, state)
}

// Load returns the latest snapshot for the stream and the sequence it
// represents.
func (s *SnapshotStore) Load(ctx context.Context, streamKey string) (domain.Position, int64, error) {
	var blob []byte
	var asOfSeq int64
	err := s.pool.QueryRow(ctx,
		`SELECT state, as_of_seq FROM snapshots WHERE stream_key = $1 ORDER BY as_of_seq DESC LIMIT 1`,
		streamKey,
	).Scan(&blob, &asOfSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, 0, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, 0, fmt.Errorf("postgres: load snapshot %s: %w", streamKey, err)
	}

	var state domain.Position
	if err := json.Unmarshal(blob, &state); err != nil {
		return domain.Position{}, 0, fmt.Errorf("postgres: decode snapshot %s: %w", streamKey, err)
	}
	return state, asOfSeq, nil
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)
