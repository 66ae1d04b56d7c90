package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// Guardrail is a pre-execution check. It can only block, never crash,
// execution: an internal failure inside a guardrail must come back as a
// block, not an error.
type Guardrail interface {
	Name() string
	// Check returns a human-readable reason and true when the intent must
	// not reach the exchange.
	Check(ctx context.Context, in domain.Intent) (reason string, blocked bool)
}

// KillSwitch blocks new entries while tripped. Operators trip it via the
// command surface; it holds until reset. Exits and cancels always pass:
// reducing an existing position must stay possible while the switch holds.
type KillSwitch struct {
	tripped atomic.Bool
}

// NewKillSwitch creates a KillSwitch in the armed (not tripped) state.
func NewKillSwitch() *KillSwitch { return &KillSwitch{} }

func (k *KillSwitch) Name() string { return "kill_switch" }

// Trip engages the switch; all subsequent intents are blocked.
func (k *KillSwitch) Trip() { k.tripped.Store(true) }

// Reset disengages the switch.
func (k *KillSwitch) Reset() { k.tripped.Store(false) }

// Tripped reports the current state.
func (k *KillSwitch) Tripped() bool { return k.tripped.Load() }

func (k *KillSwitch) Check(_ context.Context, in domain.Intent) (string, bool) {
	if in.Kind != domain.IntentPlaceEntry {
		return "", false
	}
	if k.tripped.Load() {
		return "kill switch engaged", true
	}
	return "", false
}

// CircuitBreaker blocks entry submissions after maxFailures consecutive
// connector failures and lets one attempt through after the cooldown elapses.
// Exits and cancels pass even while open: an exit against a half-down
// exchange still has a chance to land, and refusing it guarantees the worse
// outcome.
type CircuitBreaker struct {
	maxFailures int
	cooldown    time.Duration

	mu          sync.Mutex
	failures    int
	openedAt    time.Time
	open        bool
	halfOpenTry bool
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and stays open for cooldown.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{maxFailures: maxFailures, cooldown: cooldown}
}

func (cb *CircuitBreaker) Name() string { return "circuit_breaker" }

// Record feeds a connector outcome into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		cb.open = false
		cb.halfOpenTry = false
		return
	}
	cb.failures++
	cb.halfOpenTry = false
	if cb.failures >= cb.maxFailures && !cb.open {
		cb.open = true
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) Check(_ context.Context, in domain.Intent) (string, bool) {
	if in.Kind != domain.IntentPlaceEntry {
		return "", false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return "", false
	}
	if time.Since(cb.openedAt) >= cb.cooldown && !cb.halfOpenTry {
		// Half-open: let exactly one attempt through.
		cb.halfOpenTry = true
		return "", false
	}
	return fmt.Sprintf("circuit open after %d consecutive failures", cb.failures), true
}

// PriceStaleness blocks entries when the last cached tick for the symbol is
// older than maxAge or missing entirely. A cache failure blocks too: acting
// on an unknown price is acting blind. Exits and cancels pass regardless;
// a stale price is no reason to hold an open position longer.
type PriceStaleness struct {
	prices domain.PriceCache
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceStaleness creates the staleness guardrail.
func NewPriceStaleness(prices domain.PriceCache, maxAge time.Duration) *PriceStaleness {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &PriceStaleness{prices: prices, maxAge: maxAge, now: time.Now}
}

func (g *PriceStaleness) Name() string { return "price_staleness" }

func (g *PriceStaleness) Check(ctx context.Context, in domain.Intent) (string, bool) {
	if in.Kind != domain.IntentPlaceEntry {
		return "", false
	}
	tick, err := g.prices.GetLast(ctx, in.Order.Symbol)
	if err != nil {
		return "last price unavailable", true
	}
	if age := g.now().Sub(tick.At); age > g.maxAge {
		return fmt.Sprintf("last price is %s old", age.Truncate(time.Millisecond)), true
	}
	return "", false
}

// MarginPolicy validates isolated-margin / fixed-leverage constraints before
// an entry reaches the exchange. Exits are always allowed through: reducing
// risk must never be blocked by a sizing rule.
type MarginPolicy struct {
	maxLeverage int
}

// NewMarginPolicy creates the margin guardrail with the account's leverage
// ceiling.
func NewMarginPolicy(maxLeverage int) *MarginPolicy {
	if maxLeverage <= 0 {
		maxLeverage = 10
	}
	return &MarginPolicy{maxLeverage: maxLeverage}
}

func (g *MarginPolicy) Name() string { return "margin_policy" }

func (g *MarginPolicy) Check(_ context.Context, in domain.Intent) (string, bool) {
	if in.Kind != domain.IntentPlaceEntry {
		return "", false
	}
	if in.Order.Leverage < 1 {
		return "leverage not set on entry order", true
	}
	if in.Order.Leverage > g.maxLeverage {
		return fmt.Sprintf("leverage %d exceeds ceiling %d", in.Order.Leverage, g.maxLeverage), true
	}
	if in.Order.Quantity.IsZero() || in.Order.Quantity.IsNegative() {
		return "non-positive quantity", true
	}
	return "", false
}
