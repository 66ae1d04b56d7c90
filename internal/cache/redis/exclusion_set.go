package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// exclusionKey is the Redis set holding "{symbol}:{side}" members for every
// exposure the core currently owns.
const exclusionKey = "core:exclusions"

// ExclusionSet implements domain.ExclusionSet using a Redis set. The core
// adds a member when a position starts entering and removes it on close; the
// safety-net monitor checks membership before touching any exchange position.
type ExclusionSet struct {
	rdb *redis.Client
}

// NewExclusionSet creates an ExclusionSet backed by the given Client.
func NewExclusionSet(c *Client) *ExclusionSet {
	return &ExclusionSet{rdb: c.Underlying()}
}

func member(symbol string, side domain.Side) string {
	return symbol + ":" + string(side)
}

// Add marks (symbol, side) as core-owned.
func (es *ExclusionSet) Add(ctx context.Context, symbol string, side domain.Side) error {
	if err := es.rdb.SAdd(ctx, exclusionKey, member(symbol, side)).Err(); err != nil {
		return fmt.Errorf("redis: exclusion add %s/%s: %w", symbol, side, err)
	}
	return nil
}

// Remove clears the core-owned mark for (symbol, side).
func (es *ExclusionSet) Remove(ctx context.Context, symbol string, side domain.Side) error {
	if err := es.rdb.SRem(ctx, exclusionKey, member(symbol, side)).Err(); err != nil {
		return fmt.Errorf("redis: exclusion remove %s/%s: %w", symbol, side, err)
	}
	return nil
}

// Contains reports whether (symbol, side) is core-owned. Errors must be
// treated as "unknown" by callers, which fail closed.
func (es *ExclusionSet) Contains(ctx context.Context, symbol string, side domain.Side) (bool, error) {
	ok, err := es.rdb.SIsMember(ctx, exclusionKey, member(symbol, side)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exclusion check %s/%s: %w", symbol, side, err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.ExclusionSet = (*ExclusionSet)(nil)
