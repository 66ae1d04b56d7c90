package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// StatusHandler serves the read-only position projection endpoints.
type StatusHandler struct {
	account    string
	projection domain.PositionProjection
	logger     *slog.Logger
}

// NewStatusHandler creates a StatusHandler for one account's projection.
func NewStatusHandler(account string, projection domain.PositionProjection, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		account:    account,
		projection: projection,
		logger:     logger,
	}
}

// positionView is the wire shape of a position. Decimals render as strings
// so clients never round them through float64.
type positionView struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	State   string `json:"state"`

	EntryPrice decimal.Decimal  `json:"entry_price"`
	StopLoss   decimal.Decimal  `json:"stop_loss"`
	StopGain   *decimal.Decimal `json:"stop_gain,omitempty"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Leverage   int              `json:"leverage"`
	Palma      decimal.Decimal  `json:"palma"`

	CapitalAllocated decimal.Decimal `json:"capital_allocated"`
	RiskPercent      decimal.Decimal `json:"risk_percent"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`

	ErrorReason string `json:"error_reason,omitempty"`

	ArmedAt   time.Time  `json:"armed_at"`
	EnteredAt *time.Time `json:"entered_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// positionResponse wraps a single position.
type positionResponse struct {
	Position positionView `json:"position"`
}

// listPositionsResponse wraps the positions list.
type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

func toPositionView(p domain.Position) positionView {
	return positionView{
		ID:               p.ID,
		Account:          p.Account,
		Symbol:           p.Symbol,
		Side:             string(p.Side),
		State:            string(p.State),
		EntryPrice:       p.EntryPrice,
		StopLoss:         p.StopLoss,
		StopGain:         p.StopGain,
		Quantity:         p.Quantity,
		Leverage:         p.Leverage,
		Palma:            p.Palma,
		CapitalAllocated: p.CapitalAllocated,
		RiskPercent:      p.RiskPercent,
		RealizedPnL:      p.RealizedPnL,
		ErrorReason:      p.ErrorReason,
		ArmedAt:          p.ArmedAt,
		EnteredAt:        p.EnteredAt,
		ClosedAt:         p.ClosedAt,
	}
}

func toPositionViews(positions []domain.Position) []positionView {
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toPositionView(p))
	}
	return views
}

// ListPositions returns the account's open positions, or its closed history
// when scope=history is passed.
// GET /api/positions[?scope=history&limit=N&offset=M]
func (h *StatusHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var (
		positions []domain.Position
		err       error
	)

	if r.URL.Query().Get("scope") == "history" {
		positions, err = h.projection.ListHistory(r.Context(), h.account, parseListOpts(r))
	} else {
		positions, err = h.projection.ListOpen(r.Context(), h.account)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("account", h.account),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: toPositionViews(positions)})
}

// GetPosition returns a position by ID.
// GET /api/positions/{id}
func (h *StatusHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "position id required")
		return
	}

	pos, err := h.projection.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}

	writeJSON(w, http.StatusOK, positionResponse{Position: toPositionView(pos)})
}
