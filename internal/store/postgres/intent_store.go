package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// IntentStore implements domain.IntentJournal using PostgreSQL. Terminal
// statuses are immutable: every update statement guards on the current status
// still being non-terminal, so a duplicate terminal update affects zero rows
// and surfaces ErrIntentTerminal.
type IntentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore creates an IntentStore backed by the given pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

// Create journals a new pending intent. ErrAlreadyExists signals a retry; the
// caller must read the existing intent instead of re-submitting.
func (s *IntentStore) Create(ctx context.Context, in domain.Intent) error {
	payload, err := json.Marshal(in.Order)
	if err != nil {
		return fmt.Errorf("postgres: marshal intent payload: %w", err)
	}

	const query = `
		INSERT INTO intents (
			intent_id, position_id, account, symbol, kind, payload, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`

	_, err = s.pool.Exec(ctx, query,
		in.ID, in.PositionID, in.Account, in.Symbol, string(in.Kind), payload, string(domain.IntentPending),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return &domain.PersistenceError{Op: "create intent", Err: err}
	}
	return nil
}

const intentSelectCols = `intent_id, position_id, account, symbol, kind, payload,
	status, attempts, exchange_order_id, filled_price::text, filled_quantity::text,
	block_reason, last_error, created_at, submitted_at, confirmed_at`

func scanIntentRow(row pgx.Row) (domain.Intent, error) {
	var in domain.Intent
	var kind, status string
	var payload []byte
	var filledPrice, filledQty string

	err := row.Scan(
		&in.ID, &in.PositionID, &in.Account, &in.Symbol, &kind, &payload,
		&status, &in.Attempts, &in.ExchangeOrderID, &filledPrice, &filledQty,
		&in.BlockReason, &in.LastError, &in.CreatedAt, &in.SubmittedAt, &in.ConfirmedAt,
	)
	if err != nil {
		return domain.Intent{}, err
	}
	in.Kind = domain.IntentKind(kind)
	in.Status = domain.IntentStatus(status)
	if err := json.Unmarshal(payload, &in.Order); err != nil {
		return domain.Intent{}, fmt.Errorf("decode intent payload: %w", err)
	}
	if in.FilledPrice, err = decimal.NewFromString(filledPrice); err != nil {
		return domain.Intent{}, fmt.Errorf("parse filled_price %q: %w", filledPrice, err)
	}
	if in.FilledQuantity, err = decimal.NewFromString(filledQty); err != nil {
		return domain.Intent{}, fmt.Errorf("parse filled_quantity %q: %w", filledQty, err)
	}
	return in, nil
}

// Get returns one intent by id.
func (s *IntentStore) Get(ctx context.Context, intentID string) (domain.Intent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+intentSelectCols+` FROM intents WHERE intent_id = $1`, intentID)
	in, err := scanIntentRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Intent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Intent{}, fmt.Errorf("postgres: get intent %s: %w", intentID, err)
	}
	return in, nil
}

// nonTerminalGuard restricts updates to intents that have not reached a
// terminal status yet. Blocked intents stay mutable: the block lifts once
// the guardrail condition clears.
const nonTerminalGuard = ` AND status NOT IN ('confirmed', 'failed')`

func (s *IntentStore) guardedExec(ctx context.Context, op, intentID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return &domain.PersistenceError{Op: op, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, intentID, domain.ErrIntentTerminal)
	}
	return nil
}

// MarkSubmitted records that the external call was issued, bumping the
// attempt counter.
func (s *IntentStore) MarkSubmitted(ctx context.Context, intentID string) error {
	const query = `UPDATE intents SET
		status = 'submitted', attempts = attempts + 1, submitted_at = COALESCE(submitted_at, NOW())
		WHERE intent_id = $1` + nonTerminalGuard
	return s.guardedExec(ctx, "mark submitted", intentID, query, intentID)
}

// MarkConfirmed records the terminal confirmed outcome with fill details.
func (s *IntentStore) MarkConfirmed(ctx context.Context, intentID, exchangeOrderID string, price, qty decimal.Decimal) error {
	const query = `UPDATE intents SET
		status = 'confirmed', exchange_order_id = $2, filled_price = $3,
		filled_quantity = $4, confirmed_at = NOW()
		WHERE intent_id = $1` + nonTerminalGuard
	return s.guardedExec(ctx, "mark confirmed", intentID, query,
		intentID, exchangeOrderID, price.String(), qty.String())
}

// MarkFailed records the terminal failed outcome.
func (s *IntentStore) MarkFailed(ctx context.Context, intentID, reason string) error {
	const query = `UPDATE intents SET status = 'failed', last_error = $2
		WHERE intent_id = $1` + nonTerminalGuard
	return s.guardedExec(ctx, "mark failed", intentID, query, intentID, reason)
}

// MarkBlocked records a guardrail block: an auditable decision not to act,
// not a failure.
func (s *IntentStore) MarkBlocked(ctx context.Context, intentID, reason string) error {
	const query = `UPDATE intents SET status = 'blocked', block_reason = $2
		WHERE intent_id = $1` + nonTerminalGuard
	return s.guardedExec(ctx, "mark blocked", intentID, query, intentID, reason)
}

// ListUnresolved returns pending, submitted and blocked intents for the key,
// oldest first. A restarted lease holder resolves these before trading.
func (s *IntentStore) ListUnresolved(ctx context.Context, account, symbol string) ([]domain.Intent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+intentSelectCols+`
		FROM intents
		WHERE account = $1 AND symbol = $2 AND status IN ('pending', 'submitted', 'blocked')
		ORDER BY created_at`, account, symbol)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list unresolved intents", Err: err}
	}
	defer rows.Close()

	var intents []domain.Intent
	for rows.Next() {
		in, err := scanIntentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// Compile-time interface check.
var _ domain.IntentJournal = (*IntentStore)(nil)
