package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each symbol's
// last tick is stored at key "tick:{symbol}" with fields "price" and "ts"
// (Unix nanosecond timestamp). The executor's staleness guardrail reads the
// timestamp back.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func tickKey(symbol string) string {
	return "tick:" + symbol
}

// SetLast stores the latest observed tick for a symbol.
func (pc *PriceCache) SetLast(ctx context.Context, tick domain.MarketTick) error {
	fields := map[string]any{
		"price": tick.Price.String(),
		"ts":    strconv.FormatInt(tick.At.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, tickKey(tick.Symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: set tick %s: %w", tick.Symbol, err)
	}
	return nil
}

// GetLast retrieves the latest tick for a symbol. It returns
// domain.ErrNotFound when no tick has been cached yet.
func (pc *PriceCache) GetLast(ctx context.Context, symbol string) (domain.MarketTick, error) {
	vals, err := pc.rdb.HGetAll(ctx, tickKey(symbol)).Result()
	if err != nil {
		return domain.MarketTick{}, fmt.Errorf("redis: get tick %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return domain.MarketTick{}, domain.ErrNotFound
	}

	price, err := decimal.NewFromString(vals["price"])
	if err != nil {
		return domain.MarketTick{}, fmt.Errorf("redis: parse tick price %s: %w", symbol, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.MarketTick{}, fmt.Errorf("redis: parse tick ts %s: %w", symbol, err)
	}

	return domain.MarketTick{
		Symbol: symbol,
		Price:  price,
		At:     time.Unix(0, tsNano).UTC(),
	}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
