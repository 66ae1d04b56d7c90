package binance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// APIError is the exchange's error envelope, returned with non-2xx statuses.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: code %d: %s", e.Code, e.Message)
}

// Error codes the adapter reacts to specifically.
const (
	codeOrderNotFound  = -2013
	codeUnknownOrder   = -2011
	codeTooManyRequest = -1003
)

// APIOrder is an order as returned by the margin order endpoints.
type APIOrder struct {
	Symbol           string `json:"symbol"`
	OrderID          int64  `json:"orderId"`
	ClientOrderID    string `json:"clientOrderId"`
	OrigClientID     string `json:"origClientOrderId"`
	Price            string `json:"price"`
	OrigQty          string `json:"origQty"`
	ExecutedQty      string `json:"executedQty"`
	CumulativeQuote  string `json:"cummulativeQuoteQty"`
	Status           string `json:"status"`
	Side             string `json:"side"`
	Type             string `json:"type"`
	TransactTime     int64  `json:"transactTime"`
	IsIsolated       bool   `json:"isIsolated"`
	AvgFillPriceHint string `json:"-"`
}

// ToDomainResult maps the exchange order onto the domain result. The average
// fill price is cumulative quote volume over executed quantity.
func (o *APIOrder) ToDomainResult() domain.OrderResult {
	clientID := o.ClientOrderID
	if clientID == "" {
		clientID = o.OrigClientID
	}
	res := domain.OrderResult{
		ExchangeOrderID: fmt.Sprintf("%d", o.OrderID),
		ClientOrderID:   clientID,
		Status:          mapOrderStatus(o.Status),
	}
	executed, err := decimal.NewFromString(o.ExecutedQty)
	if err != nil || executed.IsZero() {
		return res
	}
	res.FilledQuantity = executed
	if quote, err := decimal.NewFromString(o.CumulativeQuote); err == nil && !quote.IsZero() {
		res.FilledPrice = quote.Div(executed)
	}
	return res
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED":
		return domain.OrderStatusAccepted
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusUnknown
	}
}

// isolatedAccount is the relevant slice of the isolated margin account
// response.
type isolatedAccount struct {
	Assets []isolatedAsset `json:"assets"`
}

type isolatedAsset struct {
	Symbol     string       `json:"symbol"`
	MarginMode string       `json:"marginLevel"`
	BaseAsset  accountAsset `json:"baseAsset"`
	QuoteAsset accountAsset `json:"quoteAsset"`
}

type accountAsset struct {
	Asset    string `json:"asset"`
	Borrowed string `json:"borrowed"`
	Free     string `json:"free"`
	Locked   string `json:"locked"`
	NetAsset string `json:"netAsset"`
}

// apiTrade is one row of the account trade list, used to reconstruct the
// average entry price of an open position.
type apiTrade struct {
	Symbol  string `json:"symbol"`
	ID      int64  `json:"id"`
	Price   string `json:"price"`
	Qty     string `json:"qty"`
	IsBuyer bool   `json:"isBuyer"`
	Time    int64  `json:"time"`
}

// wsTradeEvent is a trade message from a <symbol>@trade market stream.
type wsTradeEvent struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

func (t *wsTradeEvent) toTick() (domain.MarketTick, error) {
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return domain.MarketTick{}, fmt.Errorf("binance: trade price %q: %w", t.Price, err)
	}
	return domain.MarketTick{
		Symbol: t.Symbol,
		Price:  price,
		At:     time.UnixMilli(t.TradeTime).UTC(),
	}, nil
}

// wsExecutionReport is an executionReport message from the user data stream.
type wsExecutionReport struct {
	Event         string `json:"e"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastQty       string `json:"l"`
	LastPrice     string `json:"L"`
	Commission    string `json:"n"`
	TradeTime     int64  `json:"T"`
	ExecType      string `json:"x"`
}

func (r *wsExecutionReport) toFill() (domain.Fill, error) {
	price, err := decimal.NewFromString(r.LastPrice)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("binance: fill price %q: %w", r.LastPrice, err)
	}
	qty, err := decimal.NewFromString(r.LastQty)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("binance: fill qty %q: %w", r.LastQty, err)
	}
	fee := decimal.Zero
	if r.Commission != "" {
		if f, err := decimal.NewFromString(r.Commission); err == nil {
			fee = f
		}
	}
	side := domain.OrderSideBuy
	if r.Side == "SELL" {
		side = domain.OrderSideSell
	}
	return domain.Fill{
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("%d", r.OrderID),
		Symbol:          r.Symbol,
		Side:            side,
		Price:           price,
		Quantity:        qty,
		Fee:             fee,
		TradeTime:       time.UnixMilli(r.TradeTime).UTC(),
	}, nil
}
