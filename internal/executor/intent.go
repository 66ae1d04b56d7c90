package executor

import (
	"github.com/ldamasio/robson-sub000/internal/domain"
	"github.com/ldamasio/robson-sub000/internal/engine"
)

// IntentFor maps an engine action onto a journal intent for the given
// position. The action's deterministic id carries over, so repeated
// decisions always resolve to the same journal row.
func IntentFor(pos domain.Position, act engine.Action) domain.Intent {
	kind := domain.IntentPlaceEntry
	switch {
	case act.Kind == engine.ActionCancelOrder:
		kind = domain.IntentCancelOrder
	case act.IntentID == engine.ExitIntentID(pos.ID):
		kind = domain.IntentPlaceExit
	}
	return domain.Intent{
		ID:         act.IntentID,
		PositionID: pos.ID,
		Account:    pos.Account,
		Symbol:     pos.Symbol,
		Kind:       kind,
		Order:      act.Order,
	}
}
