package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting for outbound exchange calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides short-lived distributed locking for critical sections
// such as a safety-net scan cycle. It is distinct from LeaseStore: a lock has
// no fencing token and guards seconds, not a trading session.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
