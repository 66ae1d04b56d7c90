// Package binance adapts the exchange's isolated-margin REST and WebSocket
// APIs to the domain connector port. All requests are HMAC-signed and pass
// through the distributed rate limiter before leaving the process.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ldamasio/robson-sub000/internal/crypto"
	"github.com/ldamasio/robson-sub000/internal/domain"
)

const (
	defaultBaseURL   = "https://api.binance.com"
	defaultStreamURL = "wss://stream.binance.com:9443/ws"

	// rateLimitKey buckets all signed REST calls of this process group.
	rateLimitKey    = "binance:rest"
	rateLimitMax    = 50
	rateLimitWindow = 10 * time.Second
)

// Client implements domain.ExchangeConnector against the isolated-margin API.
type Client struct {
	baseURL    string
	streamURL  string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	limiter    domain.RateLimiter
	logger     *slog.Logger
}

// Config holds the adapter's connection settings.
type Config struct {
	BaseURL   string
	StreamURL string
	Key       string
	Secret    string
	Timeout   time.Duration
}

func NewClient(cfg Config, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultStreamURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		streamURL:  strings.TrimRight(cfg.StreamURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		auth:       &crypto.HMACAuth{Key: cfg.Key, Secret: cfg.Secret},
		limiter:    limiter,
		logger:     logger.With(slog.String("component", "binance")),
	}
}

// PlaceOrder submits a margin order. The request's ClientOrderID becomes the
// exchange's newClientOrderId, which is what makes retries idempotent on the
// exchange side too.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("isIsolated", "TRUE")
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "RESULT")

	switch req.Type {
	case domain.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	default:
		params.Set("type", "MARKET")
	}
	// Closing orders repay the loan they reduce; opening orders may borrow.
	if req.ReduceOnly {
		params.Set("sideEffectType", "AUTO_REPAY")
	} else {
		params.Set("sideEffectType", "MARGIN_BUY")
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/sapi/v1/margin/order", params)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: place %s: %w", req.ClientOrderID, err)
	}

	var order APIOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: decode order response: %w", err)
	}
	res := order.ToDomainResult()
	if res.Status == domain.OrderStatusRejected {
		return res, &domain.ConnectorError{Op: "place order", Retryable: false,
			Err: fmt.Errorf("order %s rejected", req.ClientOrderID)}
	}
	return res, nil
}

// CancelOrder cancels by client order id. A cancel for an order the exchange
// no longer knows reports domain.ErrNotFound.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("isIsolated", "TRUE")
	params.Set("origClientOrderId", clientOrderID)

	_, err := c.signedRequest(ctx, http.MethodDelete, "/sapi/v1/margin/order", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Code == codeOrderNotFound || apiErr.Code == codeUnknownOrder) {
			return fmt.Errorf("binance: cancel %s: %w", clientOrderID, domain.ErrNotFound)
		}
		return fmt.Errorf("binance: cancel %s: %w", clientOrderID, err)
	}
	return nil
}

// GetOrder queries order status by client order id; domain.ErrNotFound means
// the exchange has never seen it.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("isIsolated", "TRUE")
	params.Set("origClientOrderId", clientOrderID)

	body, err := c.signedRequest(ctx, http.MethodGet, "/sapi/v1/margin/order", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeOrderNotFound {
			return domain.OrderResult{}, fmt.Errorf("binance: order %s: %w", clientOrderID, domain.ErrNotFound)
		}
		return domain.OrderResult{}, fmt.Errorf("binance: get order %s: %w", clientOrderID, err)
	}

	var order APIOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: decode order: %w", err)
	}
	return order.ToDomainResult(), nil
}

// ListOpenOrders returns the symbol's resting orders.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("isIsolated", "TRUE")

	body, err := c.signedRequest(ctx, http.MethodGet, "/sapi/v1/margin/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("binance: open orders %s: %w", symbol, err)
	}

	var orders []APIOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("binance: decode open orders: %w", err)
	}
	out := make([]domain.OrderResult, 0, len(orders))
	for i := range orders {
		out = append(out, orders[i].ToDomainResult())
	}
	return out, nil
}

// GetPosition derives the symbol's net exposure from the isolated-margin
// account: a positive base-asset net is long, negative is short. The average
// entry price is reconstructed from the most recent trades covering the open
// quantity.
func (c *Client) GetPosition(ctx context.Context, symbol string) (domain.ExchangePosition, error) {
	params := url.Values{}
	params.Set("symbols", symbol)

	body, err := c.signedRequest(ctx, http.MethodGet, "/sapi/v1/margin/isolated/account", params)
	if err != nil {
		return domain.ExchangePosition{}, fmt.Errorf("binance: isolated account %s: %w", symbol, err)
	}

	var account isolatedAccount
	if err := json.Unmarshal(body, &account); err != nil {
		return domain.ExchangePosition{}, fmt.Errorf("binance: decode account: %w", err)
	}

	for _, asset := range account.Assets {
		if asset.Symbol != symbol {
			continue
		}
		net, err := decimal.NewFromString(asset.BaseAsset.NetAsset)
		if err != nil {
			return domain.ExchangePosition{}, fmt.Errorf("binance: net asset %q: %w", asset.BaseAsset.NetAsset, err)
		}
		if net.IsZero() {
			return domain.ExchangePosition{Symbol: symbol}, nil
		}

		pos := domain.ExchangePosition{
			NativeID: "isolated:" + symbol,
			Symbol:   symbol,
			Side:     domain.SideLong,
			Quantity: net,
			Isolated: true,
		}
		if net.IsNegative() {
			pos.Side = domain.SideShort
			pos.Quantity = net.Neg()
		}
		entry, err := c.averageEntry(ctx, symbol, pos.Side, pos.Quantity)
		if err != nil {
			c.logger.Warn("entry price reconstruction failed",
				slog.String("symbol", symbol), slog.Any("error", err))
		} else {
			pos.EntryPrice = entry
		}
		return pos, nil
	}
	return domain.ExchangePosition{Symbol: symbol}, nil
}

// averageEntry walks the trade history backwards until the open quantity is
// covered and returns the volume-weighted price of those trades.
func (c *Client) averageEntry(ctx context.Context, symbol string, side domain.Side, quantity decimal.Decimal) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("isIsolated", "TRUE")
	params.Set("limit", "100")

	body, err := c.signedRequest(ctx, http.MethodGet, "/sapi/v1/margin/myTrades", params)
	if err != nil {
		return decimal.Zero, err
	}
	var trades []apiTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return decimal.Zero, fmt.Errorf("decode trades: %w", err)
	}

	opensLong := side == domain.SideLong
	remaining := quantity
	volume := decimal.Zero
	cost := decimal.Zero
	for i := len(trades) - 1; i >= 0 && remaining.IsPositive(); i-- {
		t := trades[i]
		if t.IsBuyer != opensLong {
			continue
		}
		qty, err := decimal.NewFromString(t.Qty)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			continue
		}
		take := decimal.Min(qty, remaining)
		volume = volume.Add(take)
		cost = cost.Add(take.Mul(price))
		remaining = remaining.Sub(take)
	}
	if volume.IsZero() {
		return decimal.Zero, fmt.Errorf("no opening trades found for %s", symbol)
	}
	return cost.Div(volume), nil
}

// SubscribeMarketData streams trade ticks for the symbol.
func (c *Client) SubscribeMarketData(ctx context.Context, symbol string) (<-chan domain.MarketTick, error) {
	return subscribeTicks(ctx, c.streamURL, symbol, c.logger)
}

// SubscribeUserData streams the account's execution reports as fills. It
// provisions a listen key and keeps it alive for the stream's lifetime.
func (c *Client) SubscribeUserData(ctx context.Context) (<-chan domain.Fill, error) {
	key, err := c.createListenKey(ctx)
	if err != nil {
		return nil, err
	}
	go c.keepListenKeyAlive(ctx, key)
	return subscribeFills(ctx, c.streamURL, key, c.logger)
}

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	body, err := c.keyedRequest(ctx, http.MethodPost, "/sapi/v1/userDataStream", nil)
	if err != nil {
		return "", fmt.Errorf("binance: create listen key: %w", err)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("binance: decode listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("binance: empty listen key")
	}
	return resp.ListenKey, nil
}

// keepListenKeyAlive pings the key half-way through its 60 minute validity.
func (c *Client) keepListenKeyAlive(ctx context.Context, key string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	params := url.Values{}
	params.Set("listenKey", key)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.keyedRequest(ctx, http.MethodPut, "/sapi/v1/userDataStream", params); err != nil {
				c.logger.Warn("listen key keepalive failed", slog.Any("error", err))
			}
		}
	}
}

// signedRequest sends a timestamped, HMAC-signed request; keyedRequest sends
// one that only needs the API key header. Both honor the rate limiter and
// classify failures as retryable or not.
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, method, path, c.auth.SignedQuery(params))
}

func (c *Client) keyedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	var query string
	if params != nil {
		query = params.Encode()
	}
	return c.do(ctx, method, path, query)
}

func (c *Client) do(ctx context.Context, method, path, query string) ([]byte, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.auth.Key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.ConnectorError{Op: method + " " + path, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.ConnectorError{Op: method + " " + path, Retryable: true, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	var apiErr APIError
	if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Code != 0 {
		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500 || apiErr.Code == codeTooManyRequest
		if retryable {
			return nil, &domain.ConnectorError{Op: method + " " + path, Retryable: true, Err: &apiErr}
		}
		return nil, &apiErr
	}
	return nil, &domain.ConnectorError{
		Op:        method + " " + path,
		Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		Err:       fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

// throttle blocks briefly when the shared window is exhausted rather than
// hammering the exchange into a ban.
func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	for {
		allowed, err := c.limiter.Allow(ctx, rateLimitKey, rateLimitMax, rateLimitWindow)
		if err != nil {
			// A broken limiter must not take trading down with it.
			c.logger.Warn("rate limiter unavailable", slog.Any("error", err))
			return nil
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Compile-time interface check.
var _ domain.ExchangeConnector = (*Client)(nil)
