package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/ldamasio/robson-sub000/internal/domain"
	"github.com/ldamasio/robson-sub000/internal/runner"
)

// Commander is the slice of the runner API the command endpoints need.
type Commander interface {
	Arm(ctx context.Context, req runner.ArmRequest) (domain.Position, error)
	Disarm(ctx context.Context, reason string) (domain.Position, error)
	Panic(ctx context.Context) (domain.Position, error)
}

// CommanderLookup resolves the runner responsible for a symbol. The second
// return is false when the daemon does not trade that symbol.
type CommanderLookup func(symbol string) (Commander, bool)

// CommandHandler serves the operator position commands: arm, disarm, panic.
type CommandHandler struct {
	lookup CommanderLookup
	logger *slog.Logger
}

// NewCommandHandler creates a CommandHandler routing commands through lookup.
func NewCommandHandler(lookup CommanderLookup, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{
		lookup: lookup,
		logger: logger,
	}
}

// armRequest is the JSON body for POST /api/positions/arm.
type armRequest struct {
	Symbol           string           `json:"symbol"`
	Side             string           `json:"side"`
	CapitalAllocated decimal.Decimal  `json:"capital_allocated"`
	RiskPercent      decimal.Decimal  `json:"risk_percent"`
	Leverage         int              `json:"leverage"`
	StopGain         *decimal.Decimal `json:"stop_gain,omitempty"`
}

// disarmRequest is the JSON body for POST /api/positions/disarm.
type disarmRequest struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// panicRequest is the JSON body for POST /api/positions/panic. Confirm must
// be true: a panic dumps the position at market, so a fat-fingered request
// without the explicit acknowledgement is rejected.
type panicRequest struct {
	Symbol  string `json:"symbol"`
	Confirm bool   `json:"confirm"`
}

// Arm opens a new armed position for a symbol.
// POST /api/positions/arm
func (h *CommandHandler) Arm(w http.ResponseWriter, r *http.Request) {
	var req armRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cmd, ok := h.lookup(req.Symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "symbol is not traded by this daemon")
		return
	}

	pos, err := cmd.Arm(r.Context(), runner.ArmRequest{
		Symbol:           req.Symbol,
		Side:             domain.Side(req.Side),
		CapitalAllocated: req.CapitalAllocated,
		RiskPercent:      req.RiskPercent,
		Leverage:         req.Leverage,
		StopGain:         req.StopGain,
	})
	if err != nil {
		h.writeCommandError(w, r, "arm", req.Symbol, err)
		return
	}

	writeJSON(w, http.StatusCreated, positionResponse{Position: toPositionView(pos)})
}

// Disarm closes the open position for a symbol without placing orders.
// POST /api/positions/disarm
func (h *CommandHandler) Disarm(w http.ResponseWriter, r *http.Request) {
	var req disarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cmd, ok := h.lookup(req.Symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "symbol is not traded by this daemon")
		return
	}

	pos, err := cmd.Disarm(r.Context(), req.Reason)
	if err != nil {
		h.writeCommandError(w, r, "disarm", req.Symbol, err)
		return
	}

	writeJSON(w, http.StatusOK, positionResponse{Position: toPositionView(pos)})
}

// Panic force-exits the open position for a symbol at market.
// POST /api/positions/panic
func (h *CommandHandler) Panic(w http.ResponseWriter, r *http.Request) {
	var req panicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Confirm {
		writeError(w, http.StatusUnprocessableEntity, "panic requires confirm: true")
		return
	}

	cmd, ok := h.lookup(req.Symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "symbol is not traded by this daemon")
		return
	}

	pos, err := cmd.Panic(r.Context())
	if err != nil {
		h.writeCommandError(w, r, "panic", req.Symbol, err)
		return
	}

	writeJSON(w, http.StatusOK, positionResponse{Position: toPositionView(pos)})
}

// writeCommandError maps domain errors onto HTTP statuses. Validation
// failures and illegal transitions are the caller's fault; everything else
// is a 500.
func (h *CommandHandler) writeCommandError(w http.ResponseWriter, r *http.Request, op, symbol string, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "a position is already open for this symbol")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "no open position for this symbol")
	default:
		h.logger.ErrorContext(r.Context(), "handler: command failed",
			slog.String("op", op),
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "command failed")
	}
}
