package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// EntryOrderSide maps a position side to the order side that opens it.
func EntryOrderSide(s Side) OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitOrderSide maps a position side to the order side that closes it.
func ExitOrderSide(s Side) OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus tracks the exchange-side order lifecycle.
type OrderStatus string

const (
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusUnknown   OrderStatus = "unknown"
)

// OrderRequest is the payload handed to the exchange connector. ClientOrderID
// always carries the originating intent id so fills correlate back to the
// journal.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"` // zero for market orders
	Leverage      int             `json:"leverage,omitempty"`
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
}

// OrderResult is the exchange's answer to a submission or status query.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	FilledPrice     decimal.Decimal
	FilledQuantity  decimal.Decimal
	Message         string
}

// Fill is an execution report from the user-data stream.
type Fill struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            OrderSide
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Fee             decimal.Decimal
	TradeTime       time.Time
}

// ExchangePosition is the exchange's view of an open position, used as the
// source of truth during reconciliation. A zero Quantity means flat.
type ExchangePosition struct {
	NativeID   string
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   int
	Isolated   bool
}

// Flat reports whether the exchange holds no exposure for the symbol.
func (p ExchangePosition) Flat() bool {
	return p.Quantity.IsZero()
}
