package executor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// FillHandler receives a fill together with the intent it correlates to.
type FillHandler func(ctx context.Context, in domain.Intent, fill domain.Fill) error

// FillCorrelator consumes the user-data stream and matches execution reports
// back to journaled intents by client order id. Unmatched fills are recorded
// for manual reconciliation, never silently dropped.
type FillCorrelator struct {
	journal domain.IntentJournal
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewFillCorrelator creates a FillCorrelator.
func NewFillCorrelator(journal domain.IntentJournal, audit domain.AuditStore, logger *slog.Logger) *FillCorrelator {
	return &FillCorrelator{
		journal: journal,
		audit:   audit,
		logger:  logger.With(slog.String("component", "fill_correlator")),
	}
}

// Run processes fills until the channel closes or the context is cancelled.
// Matched fills confirm their intent and are handed to handle; the handler
// typically feeds the engine so the position advances.
func (c *FillCorrelator) Run(ctx context.Context, fills <-chan domain.Fill, handle FillHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fill, ok := <-fills:
			if !ok {
				return nil
			}
			c.process(ctx, fill, handle)
		}
	}
}

func (c *FillCorrelator) process(ctx context.Context, fill domain.Fill, handle FillHandler) {
	log := c.logger.With(
		slog.String("client_order_id", fill.ClientOrderID),
		slog.String("symbol", fill.Symbol),
	)

	in, err := c.journal.Get(ctx, fill.ClientOrderID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("unmatched fill, recording for manual reconciliation")
		if c.audit != nil {
			_ = c.audit.Log(ctx, "unmatched_fill", map[string]any{
				"client_order_id":   fill.ClientOrderID,
				"exchange_order_id": fill.ExchangeOrderID,
				"symbol":            fill.Symbol,
				"side":              string(fill.Side),
				"price":             fill.Price.String(),
				"quantity":          fill.Quantity.String(),
			})
		}
		return
	}
	if err != nil {
		log.Error("journal lookup failed", slog.String("error", err.Error()))
		return
	}

	if err := c.journal.MarkConfirmed(ctx, in.ID, fill.ExchangeOrderID, fill.Price, fill.Quantity); err != nil && !errors.Is(err, domain.ErrIntentTerminal) {
		log.Error("confirm intent failed", slog.String("error", err.Error()))
		return
	}

	if err := handle(ctx, in, fill); err != nil {
		log.Error("fill handler failed", slog.String("error", err.Error()))
	}
}
