package handler

import (
	"log/slog"
	"net/http"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// KillSwitch is the slice of the execution kill switch the operator
// endpoints need.
type KillSwitch interface {
	Trip()
	Reset()
	Tripped() bool
}

// KillSwitchHandler serves the operator kill-switch surface: trip, reset and
// inspect. Tripping blocks new entries at the executor; open positions keep
// their exits.
type KillSwitchHandler struct {
	ks     KillSwitch
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewKillSwitchHandler creates a KillSwitchHandler. audit may be nil.
func NewKillSwitchHandler(ks KillSwitch, audit domain.AuditStore, logger *slog.Logger) *KillSwitchHandler {
	return &KillSwitchHandler{ks: ks, audit: audit, logger: logger}
}

type killSwitchView struct {
	Tripped bool `json:"tripped"`
}

// Trip engages the kill switch.
// POST /api/killswitch/trip
func (h *KillSwitchHandler) Trip(w http.ResponseWriter, r *http.Request) {
	h.ks.Trip()
	h.record(r, "kill_switch_trip")
	h.logger.WarnContext(r.Context(), "handler: kill switch tripped")
	writeJSON(w, http.StatusOK, killSwitchView{Tripped: true})
}

// Reset disengages the kill switch.
// POST /api/killswitch/reset
func (h *KillSwitchHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.ks.Reset()
	h.record(r, "kill_switch_reset")
	h.logger.InfoContext(r.Context(), "handler: kill switch reset")
	writeJSON(w, http.StatusOK, killSwitchView{Tripped: false})
}

// State reports whether the switch is currently tripped.
// GET /api/killswitch
func (h *KillSwitchHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, killSwitchView{Tripped: h.ks.Tripped()})
}

func (h *KillSwitchHandler) record(r *http.Request, event string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(r.Context(), event, map[string]any{
		"remote_addr": r.RemoteAddr,
	}); err != nil {
		h.logger.WarnContext(r.Context(), "handler: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
