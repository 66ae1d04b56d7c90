package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies the kind of fact recorded in the event log.
type EventType string

const (
	EventPositionArmed    EventType = "position.armed"
	EventPositionDisarmed EventType = "position.disarmed"
	EventEntryPlaced      EventType = "entry.placed"
	EventEntryFilled      EventType = "entry.filled"
	EventStopAdjusted     EventType = "stop.adjusted"
	EventExitPlaced       EventType = "exit.placed"
	EventExitFilled       EventType = "exit.filled"
	EventPositionErrored  EventType = "position.errored"
)

// Event is an immutable fact appended to a per-stream sequenced log. Events
// are never mutated or deleted; past the retention window they are archived.
type Event struct {
	ID        string
	Account   string
	StreamKey string
	// Seq is monotonic and contiguous per stream; collisions are rejected,
	// which is the optimistic-concurrency check.
	Seq     int64
	Type    EventType
	Payload []byte

	// IdempotencyKey deduplicates producer retries. It hashes the account,
	// stream, originating command and normalized payload.
	IdempotencyKey string

	CorrelationID string
	CausationID   string
	CommandID     string

	OccurredAt time.Time
	IngestedAt time.Time
}

// PositionStream returns the stream key for a position aggregate.
func PositionStream(positionID string) string {
	return "position:" + positionID
}

// EventIdempotencyKey derives the dedup key for an event from its producer
// coordinates and normalized payload.
func EventIdempotencyKey(account, streamKey, commandID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(account))
	h.Write([]byte{0})
	h.Write([]byte(streamKey))
	h.Write([]byte{0})
	h.Write([]byte(commandID))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// --- typed event payloads, serialized as JSON in Event.Payload ---

// ArmedPayload opens a position stream in the Armed state.
type ArmedPayload struct {
	PositionID       string           `json:"position_id"`
	Account          string           `json:"account"`
	Symbol           string           `json:"symbol"`
	Side             Side             `json:"side"`
	CapitalAllocated decimal.Decimal  `json:"capital_allocated"`
	RiskPercent      decimal.Decimal  `json:"risk_percent"`
	Leverage         int              `json:"leverage"`
	StopGain         *decimal.Decimal `json:"stop_gain,omitempty"`
	ArmedAt          time.Time        `json:"armed_at"`
}

// EntryPlacedPayload records the sized entry order handed to the executor.
type EntryPlacedPayload struct {
	IntentID   string           `json:"intent_id"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	StopLoss   decimal.Decimal  `json:"stop_loss"`
	StopGain   *decimal.Decimal `json:"stop_gain,omitempty"`
	Palma      decimal.Decimal  `json:"palma"`
	Quantity   decimal.Decimal  `json:"quantity"`
}

// FilledPayload records an entry or exit fill correlated from the exchange.
type FilledPayload struct {
	IntentID           string          `json:"intent_id"`
	Price              decimal.Decimal `json:"price"`
	Quantity           decimal.Decimal `json:"quantity"`
	Fee                decimal.Decimal `json:"fee"`
	ExchangeOrderID    string          `json:"exchange_order_id,omitempty"`
	ExchangePositionID string          `json:"exchange_position_id,omitempty"`
	FilledAt           time.Time       `json:"filled_at"`
}

// StopAdjustedPayload records a trailing-stop move.
type StopAdjustedPayload struct {
	OldStop decimal.Decimal `json:"old_stop"`
	NewStop decimal.Decimal `json:"new_stop"`
	Price   decimal.Decimal `json:"price"`
}

// ExitPlacedPayload records the exit order handed to the executor.
type ExitPlacedPayload struct {
	IntentID string          `json:"intent_id"`
	Reason   string          `json:"reason"` // stop_loss, stop_gain, panic, reconcile
	Price    decimal.Decimal `json:"price"`
}

// DisarmedPayload closes an armed position before entry.
type DisarmedPayload struct {
	Reason string `json:"reason"`
}

// ErroredPayload parks a position in the terminal Error state.
type ErroredPayload struct {
	Reason string `json:"reason"`
}
