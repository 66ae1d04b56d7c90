package domain

import "github.com/shopspring/decimal"

// Palma returns the structural stop distance |entry - stop|.
func Palma(entry, stop decimal.Decimal) decimal.Decimal {
	return entry.Sub(stop).Abs()
}

// ValidStop reports whether the stop sits on the risk-reducing side of the
// entry price for the given side: below entry for longs, above for shorts.
func ValidStop(side Side, entry, stop decimal.Decimal) bool {
	if side == SideLong {
		return stop.LessThan(entry)
	}
	return stop.GreaterThan(entry)
}

// GoldenRuleQuantity derives position size from allocated capital, risk
// fraction and palma:
//
//	quantity = (capital * risk) / palma
//
// Size is always derived, never chosen by the user. riskPercent is a fraction
// (0.01 for 1%).
func GoldenRuleQuantity(capital, riskPercent, palma decimal.Decimal) (decimal.Decimal, error) {
	if palma.IsZero() {
		return decimal.Zero, NewValidationError("palma must be non-zero")
	}
	if capital.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, NewValidationError("capital must be positive")
	}
	if riskPercent.LessThanOrEqual(decimal.Zero) || riskPercent.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, NewValidationError("risk percent must be in (0, 1]")
	}
	return capital.Mul(riskPercent).Div(palma), nil
}

// TrailedStop returns the stop after a trailing adjustment for the given tick
// price. The candidate stop sits exactly one palma behind price; the stop only
// ever moves in the risk-reducing direction (up for longs, down for shorts),
// so successive results are monotonic.
func TrailedStop(side Side, currentStop, price, palma decimal.Decimal) decimal.Decimal {
	if side == SideLong {
		candidate := price.Sub(palma)
		if candidate.GreaterThan(currentStop) {
			return candidate
		}
		return currentStop
	}
	candidate := price.Add(palma)
	if candidate.LessThan(currentStop) {
		return candidate
	}
	return currentStop
}

// StopBreached reports whether price has crossed the stop level for the side:
// at-or-below the stop for longs, at-or-above for shorts.
func StopBreached(side Side, stop, price decimal.Decimal) bool {
	if side == SideLong {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}

// GainReached reports whether price has reached the stop-gain level for the
// side. A nil gain never triggers.
func GainReached(side Side, gain *decimal.Decimal, price decimal.Decimal) bool {
	if gain == nil {
		return false
	}
	if side == SideLong {
		return price.GreaterThanOrEqual(*gain)
	}
	return price.LessThanOrEqual(*gain)
}
