package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// PositionStore implements domain.PositionProjection: read-only queries over
// the positions projection table. All writes to the table happen inside the
// event store's append transaction.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Numeric columns are selected as text and parsed into decimals so no
// precision is lost in the driver.
const positionSelectCols = `id, account, symbol, side, state,
	entry_price::text, stop_loss::text, stop_gain::text, quantity::text, leverage,
	palma::text, capital_allocated::text, risk_percent::text, realized_pnl::text,
	exchange_position_id, error_reason, armed_at, entered_at, closed_at, last_seq`

func scanPositionRow(row pgx.Row) (domain.Position, int64, error) {
	var p domain.Position
	var side, state string
	var entry, stop, qty, palma, capital, risk, pnl string
	var stopGain *string
	var lastSeq int64

	err := row.Scan(
		&p.ID, &p.Account, &p.Symbol, &side, &state,
		&entry, &stop, &stopGain, &qty, &p.Leverage,
		&palma, &capital, &risk, &pnl,
		&p.ExchangePositionID, &p.ErrorReason,
		&p.ArmedAt, &p.EnteredAt, &p.ClosedAt, &lastSeq,
	)
	if err != nil {
		return domain.Position{}, 0, err
	}
	p.Side = domain.Side(side)
	p.State = domain.PositionState(state)

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.EntryPrice, entry}, {&p.StopLoss, stop}, {&p.Quantity, qty},
		{&p.Palma, palma}, {&p.CapitalAllocated, capital},
		{&p.RiskPercent, risk}, {&p.RealizedPnL, pnl},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.Position{}, 0, fmt.Errorf("parse numeric %q: %w", f.src, err)
		}
		*f.dst = v
	}
	if stopGain != nil {
		v, err := decimal.NewFromString(*stopGain)
		if err != nil {
			return domain.Position{}, 0, fmt.Errorf("parse stop_gain %q: %w", *stopGain, err)
		}
		p.StopGain = &v
	}
	return p, lastSeq, nil
}

// getProjection reads one projection row inside an arbitrary pgx executor.
func getProjection(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id string) (domain.Position, int64, error) {
	row := q.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, seq, err := scanPositionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, 0, domain.ErrNotFound
	}
	return p, seq, err
}

// upsertProjection writes the folded aggregate back to the projection table.
// Called only inside the event store's append transaction.
func upsertProjection(ctx context.Context, tx pgx.Tx, p domain.Position, lastSeq int64) error {
	const query = `
		INSERT INTO positions (
			id, account, symbol, side, state,
			entry_price, stop_loss, stop_gain, quantity, leverage,
			palma, capital_allocated, risk_percent, realized_pnl,
			exchange_position_id, error_reason,
			armed_at, entered_at, closed_at, last_seq, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16,
			$17, $18, $19, $20, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			state                = EXCLUDED.state,
			entry_price          = EXCLUDED.entry_price,
			stop_loss            = EXCLUDED.stop_loss,
			stop_gain            = EXCLUDED.stop_gain,
			quantity             = EXCLUDED.quantity,
			palma                = EXCLUDED.palma,
			realized_pnl         = EXCLUDED.realized_pnl,
			exchange_position_id = EXCLUDED.exchange_position_id,
			error_reason         = EXCLUDED.error_reason,
			entered_at           = EXCLUDED.entered_at,
			closed_at            = EXCLUDED.closed_at,
			last_seq             = EXCLUDED.last_seq,
			updated_at           = NOW()`

	var stopGain *string
	if p.StopGain != nil {
		s := p.StopGain.String()
		stopGain = &s
	}

	_, err := tx.Exec(ctx, query,
		p.ID, p.Account, p.Symbol, string(p.Side), string(p.State),
		p.EntryPrice.String(), p.StopLoss.String(), stopGain, p.Quantity.String(), p.Leverage,
		p.Palma.String(), p.CapitalAllocated.String(), p.RiskPercent.String(), p.RealizedPnL.String(),
		p.ExchangePositionID, p.ErrorReason,
		p.ArmedAt, p.EnteredAt, p.ClosedAt, lastSeq,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns one position by id.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, _, err := getProjection(ctx, s.pool, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, err
}

// GetActive returns the non-terminal position for (account, symbol).
func (s *PositionStore) GetActive(ctx context.Context, account, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+`
		FROM positions
		WHERE account = $1 AND symbol = $2 AND state NOT IN ('closed', 'error')
		ORDER BY armed_at DESC LIMIT 1`, account, symbol)

	p, _, err := scanPositionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get active %s/%s: %w", account, symbol, err)
	}
	return p, nil
}

// ActiveOnSide reports whether any account holds a live core-managed position
// for (symbol, side). Only entered positions count: an armed intent owns no
// exchange exposure yet.
func (s *PositionStore) ActiveOnSide(ctx context.Context, symbol string, side domain.Side) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(
		SELECT 1 FROM positions
		WHERE symbol = $1 AND side = $2 AND state IN ('entering', 'active', 'exiting')
	)`, symbol, string(side)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: active on side %s/%s: %w", symbol, side, err)
	}
	return exists, nil
}

// ListOpen returns all non-terminal positions for an account.
func (s *PositionStore) ListOpen(ctx context.Context, account string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionSelectCols+`
		FROM positions
		WHERE account = $1 AND state NOT IN ('closed', 'error')
		ORDER BY armed_at DESC`, account)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()
	return scanPositionRows(rows)
}

// ListHistory returns terminal positions for an account, newest first.
func (s *PositionStore) ListHistory(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Position, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+positionSelectCols+`
		FROM positions
		WHERE account = $1 AND state IN ('closed', 'error')
		ORDER BY closed_at DESC NULLS LAST
		LIMIT $2 OFFSET $3`, account, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()
	return scanPositionRows(rows)
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, _, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Compile-time interface check.
var _ domain.PositionProjection = (*PositionStore)(nil)
