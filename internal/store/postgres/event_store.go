package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// EventStore implements domain.EventStore. Events and their projection effect
// are written in one transaction, so readers never observe an event without
// its projection or vice versa.
type EventStore struct {
	pool *pgxpool.Pool
	// snapshotEvery is the event-count interval between snapshots; 0 disables
	// snapshotting.
	snapshotEvery int64
}

// NewEventStore creates an EventStore backed by the given pool, writing a
// snapshot every snapshotEvery events per stream.
func NewEventStore(pool *pgxpool.Pool, snapshotEvery int) *EventStore {
	return &EventStore{pool: pool, snapshotEvery: int64(snapshotEvery)}
}

const eventSelectCols = `event_id, account, stream_key, seq, event_type, payload,
	idempotency_key, correlation_id, causation_id, command_id, occurred_at, ingested_at`

func scanEventRows(rows pgx.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(
			&ev.ID, &ev.Account, &ev.StreamKey, &ev.Seq, &ev.Type, &ev.Payload,
			&ev.IdempotencyKey, &ev.CorrelationID, &ev.CausationID, &ev.CommandID,
			&ev.OccurredAt, &ev.IngestedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Append writes events with contiguous sequence numbers starting at
// expectedSeq+1 and folds them into the positions projection row, all in one
// transaction. A (stream_key, seq) collision is surfaced as ErrConcurrency;
// an idempotency_key collision means a retried producer and is surfaced as
// ErrDuplicateCommand with nothing written.
func (s *EventStore) Append(ctx context.Context, streamKey string, expectedSeq int64, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &domain.PersistenceError{Op: "append begin", Err: err}
	}
	defer tx.Rollback(ctx)

	// Current projected state is the fold base; a fresh stream starts from
	// the zero aggregate.
	positionID := strings.TrimPrefix(streamKey, "position:")
	state, lastSeq, err := getProjection(ctx, tx, positionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return &domain.PersistenceError{Op: "append read projection", Err: err}
	}
	if lastSeq != expectedSeq {
		return fmt.Errorf("append %s: expected seq %d, have %d: %w",
			streamKey, expectedSeq, lastSeq, domain.ErrConcurrency)
	}

	const insertEvent = `
		INSERT INTO event_log (
			event_id, account, stream_key, seq, event_type, payload,
			idempotency_key, correlation_id, causation_id, command_id,
			occurred_at, ingested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`

	seq := expectedSeq
	for i := range events {
		ev := &events[i]
		seq++
		ev.StreamKey = streamKey
		ev.Seq = seq
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
		if ev.IdempotencyKey == "" {
			ev.IdempotencyKey = domain.EventIdempotencyKey(ev.Account, streamKey, ev.CommandID, ev.Payload)
		}

		if _, err := tx.Exec(ctx, insertEvent,
			ev.ID, ev.Account, ev.StreamKey, ev.Seq, string(ev.Type), ev.Payload,
			ev.IdempotencyKey, ev.CorrelationID, ev.CausationID, ev.CommandID,
			ev.OccurredAt,
		); err != nil {
			if kind := constraintKind(err); kind != nil {
				return fmt.Errorf("append %s seq %d: %w", streamKey, ev.Seq, kind)
			}
			return &domain.PersistenceError{Op: "append insert event", Err: err}
		}

		state, err = domain.ApplyEvent(state, *ev)
		if err != nil {
			return fmt.Errorf("append %s: %w", streamKey, err)
		}
	}

	if err := upsertProjection(ctx, tx, state, seq); err != nil {
		return &domain.PersistenceError{Op: "append update projection", Err: err}
	}

	if s.snapshotEvery > 0 && seq/s.snapshotEvery > expectedSeq/s.snapshotEvery {
		if err := saveSnapshot(ctx, tx, streamKey, seq, state); err != nil {
			return &domain.PersistenceError{Op: "append snapshot", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &domain.PersistenceError{Op: "append commit", Err: err}
	}
	return nil
}

// constraintKind maps a unique-constraint violation to the corresponding
// domain error, or nil when err is something else.
func constraintKind(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	switch pgErr.ConstraintName {
	case "event_log_idempotency":
		return domain.ErrDuplicateCommand
	default:
		return domain.ErrConcurrency
	}
}

// Load returns events with seq > fromSeq in sequence order.
func (s *EventStore) Load(ctx context.Context, streamKey string, fromSeq int64) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + `
		FROM event_log WHERE stream_key = $1 AND seq > $2 ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, streamKey, fromSeq)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load events", Err: err}
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// CurrentSeq returns the stream's latest sequence, 0 for an empty stream.
func (s *EventStore) CurrentSeq(ctx context.Context, streamKey string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM event_log WHERE stream_key = $1`,
		streamKey,
	).Scan(&seq)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "current seq", Err: err}
	}
	return seq, nil
}

// Replay rebuilds the aggregate from the nearest snapshot plus subsequent
// events. The fold runs through domain.ApplyEvent, the same logic used at
// write time, so the result is identical to the live projection.
func (s *EventStore) Replay(ctx context.Context, streamKey string) (domain.Position, error) {
	start := domain.Position{}
	fromSeq := int64(0)

	var stateJSON []byte
	var asOfSeq int64
	err := s.pool.QueryRow(ctx,
		`SELECT state, as_of_seq FROM snapshots WHERE stream_key = $1 ORDER BY as_of_seq DESC LIMIT 1`,
		streamKey,
	).Scan(&stateJSON, &asOfSeq)
	switch {
	case err == nil:
		if err := json.Unmarshal(stateJSON, &start); err != nil {
			return domain.Position{}, fmt.Errorf("postgres: decode snapshot %s: %w", streamKey, err)
		}
		fromSeq = asOfSeq
	case errors.Is(err, pgx.ErrNoRows):
		// no snapshot, replay from genesis
	default:
		return domain.Position{}, &domain.PersistenceError{Op: "replay snapshot", Err: err}
	}

	events, err := s.Load(ctx, streamKey, fromSeq)
	if err != nil {
		return domain.Position{}, err
	}
	if fromSeq == 0 && len(events) == 0 {
		return domain.Position{}, domain.ErrNotFound
	}
	return domain.ReplayEvents(start, events)
}

// ListBefore returns events ingested strictly before the cutoff, oldest
// first, for the archiver.
func (s *EventStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + `
		FROM event_log WHERE ingested_at < $1 ORDER BY ingested_at, seq LIMIT $2`

	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list events before", Err: err}
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
