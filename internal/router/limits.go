package router

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/venue"
)

var (
	// ErrSymbolLimitExceeded is returned when an order would push a single
	// symbol's net position beyond the per-symbol maximum.
	ErrSymbolLimitExceeded = errors.New("router: per-symbol position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when an order would push the
	// aggregate exposure across symbols sharing a base asset beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("router: correlated exposure limit exceeded")
)

// PositionLimiter enforces position limits with correlation awareness.
//
// Symbols are correlated when they share a base asset: "ETH/USDC",
// "ETH/USDT" and "ETH-PERP" all count toward the ETH group. A zero limit
// disables that check.
type PositionLimiter struct {
	// MaxPerSymbol is the maximum absolute net position in any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// symbols with the same base asset.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-symbol and
// correlated exposure limits.
func NewPositionLimiter(maxPerSymbol, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerSymbol:  maxPerSymbol,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether an order respects position limits.
//
// exposureDelta is signed (+buy / -sell); existing maps symbol to the
// current signed net position.
func (l *PositionLimiter) CheckLimit(
	symbol string,
	exposureDelta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	// 1. Per-symbol limit.
	newPosition := existing[symbol].Add(exposureDelta)
	if l.MaxPerSymbol.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerSymbol) {
		return ErrSymbolLimitExceeded
	}

	// 2. Correlated exposure: sum |exposure| across symbols sharing the base.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	group := baseOf(symbol)
	total := newPosition.Abs()
	for sym, exposure := range existing {
		if sym == symbol {
			continue // already counted via newPosition above
		}
		if baseOf(sym) == group {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

func baseOf(symbol string) string {
	base, _ := venue.SplitSymbol(symbol, "")
	return base
}
