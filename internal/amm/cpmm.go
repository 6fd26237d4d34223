// Package amm implements the constant-product liquidity pool engine.
//
// Pricing follows x*y = k with a proportional fee taken from the input
// before the invariant is applied:
//
//	net = amountIn * (1 - f)
//	out = reserveOut - k / (reserveIn + net)
//
// All monetary values use shopspring/decimal. Division is rounded in the
// pool's favour (k/den up, out down) at Scale decimal places, so k never
// decreases across a swap and reserve deltas are exact.
package amm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoPool is returned when no pool exists for the requested pair.
	ErrNoPool = errors.New("amm: no pool for pair")

	// ErrInsufficientLiquidity is returned when a swap would produce no
	// output or drain a reserve.
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")

	// ErrSlippageExceeded is returned when output is below the caller's minimum.
	ErrSlippageExceeded = errors.New("amm: slippage exceeded")

	// ErrPriceImpactTooHigh is returned when out/reserveOut exceeds the cap.
	ErrPriceImpactTooHigh = errors.New("amm: price impact too high")

	// ErrInvalidAmount is returned for non-positive amounts or identical tokens.
	ErrInvalidAmount = errors.New("amm: invalid amount")

	// Scale is the number of decimal places kept for reserves and outputs.
	Scale int32 = 18

	unit = decimal.New(1, -Scale)
	one  = decimal.NewFromInt(1)
)

// swapMath is the outcome of pricing one swap against fixed reserves.
type swapMath struct {
	amountOut   decimal.Decimal
	fee         decimal.Decimal
	priceImpact decimal.Decimal
}

// computeSwap prices amountIn against (reserveIn, reserveOut, k). It is pure:
// the same inputs always produce the same output.
func computeSwap(reserveIn, reserveOut, k, amountIn, feeRate decimal.Decimal) (swapMath, error) {
	if !amountIn.IsPositive() {
		return swapMath{}, ErrInvalidAmount
	}
	if !reserveIn.IsPositive() || !reserveOut.IsPositive() {
		return swapMath{}, ErrInsufficientLiquidity
	}

	net := amountIn.Mul(one.Sub(feeRate))
	den := reserveIn.Add(net)
	remaining := divCeil(k, den)

	out := reserveOut.Sub(remaining).Truncate(Scale)
	if !out.IsPositive() || out.GreaterThanOrEqual(reserveOut) {
		return swapMath{}, ErrInsufficientLiquidity
	}

	return swapMath{
		amountOut:   out,
		fee:         amountIn.Mul(feeRate),
		priceImpact: out.Div(reserveOut),
	}, nil
}

// divCeil returns n/d rounded up to Scale decimal places.
func divCeil(n, d decimal.Decimal) decimal.Decimal {
	q := n.DivRound(d, Scale)
	if q.Mul(d).LessThan(n) {
		q = q.Add(unit)
	}
	return q
}

// initialShares mints sqrt(a*b) LP shares for a new pool. Share accounting is
// not money, so the square root is taken in float64 like other transcendental
// maths in the engine and converted back immediately.
func initialShares(amountA, amountB decimal.Decimal) decimal.Decimal {
	product := amountA.Mul(amountB).InexactFloat64()
	shares := decimal.NewFromFloat(math.Sqrt(product)).Round(Scale)
	if !shares.IsPositive() {
		// Dust deposits still need a non-zero claim.
		shares = unit
	}
	return shares
}

// proportionalShares mints min(a/rA, b/rB) * totalShares for a deposit into
// an existing pool.
func proportionalShares(amountA, amountB, reserveA, reserveB, totalShares decimal.Decimal) decimal.Decimal {
	ratioA := amountA.DivRound(reserveA, Scale)
	ratioB := amountB.DivRound(reserveB, Scale)
	return decimal.Min(ratioA, ratioB).Mul(totalShares).Truncate(Scale)
}
