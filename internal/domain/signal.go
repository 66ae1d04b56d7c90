package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntrySignal is the opaque output of the external detector: a proposed entry
// with the technical stop that defines the structural risk distance. The
// detection logic itself lives outside this system.
type EntrySignal struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	Source     string          `json:"source,omitempty"`
	DetectedAt time.Time       `json:"detected_at"`
}

// MarketTick is a single observed price for a symbol.
type MarketTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

// LifecycleEvent is the cross-process notification published on the signal
// bus whenever a core position opens or closes. The safety-net monitor keeps
// its exclusion set warm from these.
type LifecycleEvent struct {
	PositionID string    `json:"position_id"`
	Account    string    `json:"account"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Phase      string    `json:"phase"` // opened or closed
	At         time.Time `json:"at"`
}

// Lifecycle channel names for the signal bus.
const (
	ChannelLifecycle = "robson:lifecycle"
)
