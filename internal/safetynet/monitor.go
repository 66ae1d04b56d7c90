// Package safetynet watches exchange positions that the core lifecycle does
// not manage and closes any of them whose loss exceeds a fixed percentage.
// It must never touch a core-managed position: before acting it checks the
// projection, then the exclusion set, and a failed check means no action.
package safetynet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ldamasio/robson-sub000/internal/domain"
	"github.com/ldamasio/robson-sub000/internal/executor"
)

// Config tunes the monitor.
type Config struct {
	// Symbols is the watched universe. Core-managed symbols may appear here;
	// the exclusion checks keep the monitor off them.
	Symbols []string
	// MaxLossPercent is the fixed stop as a fraction of the entry price,
	// e.g. 0.02 for 2%.
	MaxLossPercent decimal.Decimal
	Interval       time.Duration
	// LockTTL bounds one scan cycle across processes.
	LockTTL time.Duration
	Account string
}

// Monitor runs the fixed-percentage stop for non-core positions.
type Monitor struct {
	cfg        Config
	connector  domain.ExchangeConnector
	prices     domain.PriceCache
	projection domain.PositionProjection
	exclusions domain.ExclusionSet
	locks      domain.LockManager
	exec       *executor.Executor
	audit      domain.AuditStore
	logger     *slog.Logger
}

type Deps struct {
	Connector  domain.ExchangeConnector
	Prices     domain.PriceCache
	Projection domain.PositionProjection
	Exclusions domain.ExclusionSet
	Locks      domain.LockManager
	Executor   *executor.Executor
	Audit      domain.AuditStore
	Logger     *slog.Logger
}

func New(cfg Config, deps Deps) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Monitor{
		cfg:        cfg,
		connector:  deps.Connector,
		prices:     deps.Prices,
		projection: deps.Projection,
		exclusions: deps.Exclusions,
		locks:      deps.Locks,
		exec:       deps.Executor,
		audit:      deps.Audit,
		logger:     deps.Logger.With(slog.String("component", "safetynet")),
	}
}

// Run scans on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan runs one cycle under a short distributed lock so concurrent processes
// do not double-issue exits.
func (m *Monitor) scan(ctx context.Context) {
	unlock, err := m.locks.Acquire(ctx, "safetynet:scan", m.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return
	}
	if err != nil {
		m.logger.Warn("scan lock unavailable", slog.Any("error", err))
		return
	}
	defer unlock()

	for _, symbol := range m.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		m.checkSymbol(ctx, symbol)
	}
}

func (m *Monitor) checkSymbol(ctx context.Context, symbol string) {
	pos, err := m.connector.GetPosition(ctx, symbol)
	if err != nil {
		m.logger.Warn("position lookup failed",
			slog.String("symbol", symbol), slog.Any("error", err))
		return
	}
	if pos.Flat() {
		return
	}

	managed, err := m.isManaged(ctx, symbol, pos.Side)
	if err != nil {
		// Cannot prove the position is ours to touch, so leave it alone.
		m.logger.Warn("exclusion check failed, skipping",
			slog.String("symbol", symbol), slog.Any("error", err))
		m.record(ctx, "safetynet_check_failed", map[string]any{
			"symbol": symbol, "side": string(pos.Side), "error": err.Error(),
		})
		return
	}
	if managed {
		return
	}

	tick, err := m.prices.GetLast(ctx, symbol)
	if err != nil {
		m.logger.Warn("no price for symbol, skipping",
			slog.String("symbol", symbol), slog.Any("error", err))
		return
	}

	loss := lossFraction(pos, tick.Price)
	if loss.LessThan(m.cfg.MaxLossPercent) {
		return
	}

	m.logger.Warn("fixed stop breached on unmanaged position",
		slog.String("symbol", symbol),
		slog.String("native_id", pos.NativeID),
		slog.String("loss", loss.String()))
	m.closePosition(ctx, pos, loss)
}

// isManaged reports whether the core lifecycle owns (symbol, side). The
// projection is authoritative; the exclusion set catches positions armed
// between projection reads.
func (m *Monitor) isManaged(ctx context.Context, symbol string, side domain.Side) (bool, error) {
	active, err := m.projection.ActiveOnSide(ctx, symbol, side)
	if err != nil {
		return false, fmt.Errorf("projection: %w", err)
	}
	if active {
		return true, nil
	}
	excluded, err := m.exclusions.Contains(ctx, symbol, side)
	if err != nil {
		return false, fmt.Errorf("exclusion set: %w", err)
	}
	return excluded, nil
}

// closePosition journals a deterministic exit intent keyed on the exchange's
// native position id, so rescans and restarts converge on one exit order.
func (m *Monitor) closePosition(ctx context.Context, pos domain.ExchangePosition, loss decimal.Decimal) {
	intentID := ExitIntentID(pos.NativeID)
	res := m.exec.Execute(ctx, domain.Intent{
		ID:         intentID,
		PositionID: "safetynet:" + pos.NativeID,
		Account:    m.cfg.Account,
		Symbol:     pos.Symbol,
		Kind:       domain.IntentPlaceExit,
		Order: domain.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          domain.ExitOrderSide(pos.Side),
			Type:          domain.OrderTypeMarket,
			Quantity:      pos.Quantity,
			ReduceOnly:    true,
			ClientOrderID: intentID,
		},
	})

	detail := map[string]any{
		"symbol": pos.Symbol, "side": string(pos.Side),
		"native_id": pos.NativeID, "quantity": pos.Quantity.String(),
		"loss": loss.String(), "outcome": string(res.Outcome),
	}
	if res.Err != nil {
		detail["error"] = res.Err.Error()
		m.logger.Error("safety-net exit failed",
			slog.String("native_id", pos.NativeID), slog.Any("error", res.Err))
	}
	m.record(ctx, "safetynet_exit", detail)
}

func (m *Monitor) record(ctx context.Context, event string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.Error("audit write failed", slog.Any("error", err))
	}
}

// ExitIntentID is the deterministic journal id for a safety-net exit of the
// given native exchange position.
func ExitIntentID(nativeID string) string {
	return "safetynet-" + nativeID + "-exit"
}

// lossFraction returns the adverse move as a fraction of the entry price;
// favorable moves yield a non-positive value.
func lossFraction(pos domain.ExchangePosition, price decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.IsZero() {
		return decimal.Zero
	}
	var adverse decimal.Decimal
	if pos.Side == domain.SideLong {
		adverse = pos.EntryPrice.Sub(price)
	} else {
		adverse = price.Sub(pos.EntryPrice)
	}
	return adverse.Div(pos.EntryPrice)
}
