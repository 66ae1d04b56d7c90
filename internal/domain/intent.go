package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentKind classifies the side-effecting action an intent journals.
type IntentKind string

const (
	IntentPlaceEntry  IntentKind = "place_entry"
	IntentPlaceExit   IntentKind = "place_exit"
	IntentCancelOrder IntentKind = "cancel_order"
)

// IntentStatus tracks the write-ahead journal lifecycle of an intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSubmitted IntentStatus = "submitted"
	IntentConfirmed IntentStatus = "confirmed"
	IntentFailed    IntentStatus = "failed"
	IntentBlocked   IntentStatus = "blocked"
)

// Terminal reports whether the status admits no further updates. Exactly one
// terminal outcome exists per intent id, regardless of retry count. A blocked
// intent is not terminal: it is a recorded refusal to act that becomes
// executable again once the blocking condition clears.
func (s IntentStatus) Terminal() bool {
	return s == IntentConfirmed || s == IntentFailed
}

// Intent journals one distinct side-effecting action. The ID doubles as the
// idempotency key and the exchange client order id: it is written before any
// external call and consulted before any retry.
type Intent struct {
	ID         string
	PositionID string
	Account    string
	Symbol     string
	Kind       IntentKind
	Order      OrderRequest
	Status     IntentStatus
	Attempts   int

	ExchangeOrderID string
	FilledPrice     decimal.Decimal
	FilledQuantity  decimal.Decimal
	BlockReason     string
	LastError       string

	CreatedAt   time.Time
	SubmittedAt *time.Time
	ConfirmedAt *time.Time
}
