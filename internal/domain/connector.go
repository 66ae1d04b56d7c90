package domain

import "context"

// ExchangeConnector is the port through which the core talks to the exchange.
// Wire format, auth and rate limiting belong to the adapter; the core depends
// only on this contract, and tests substitute a stub.
//
// The connector is constructed once at startup and passed explicitly to every
// component that needs it.
type ExchangeConnector interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	// GetOrder looks an order up by client order id; ErrNotFound when the
	// exchange never saw it.
	GetOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
	GetPosition(ctx context.Context, symbol string) (ExchangePosition, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
	SubscribeMarketData(ctx context.Context, symbol string) (<-chan MarketTick, error)
	SubscribeUserData(ctx context.Context) (<-chan Fill, error)
}
