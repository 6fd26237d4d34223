package amm

import (
	"testing"

	"github.com/shopspring/decimal"
)

// FuzzComputeSwap checks that any accepted swap keeps k non-decreasing and
// moves reserves by exactly amountIn and amountOut.
func FuzzComputeSwap(f *testing.F) {
	f.Add(15.0, 48000.0, 100.0, true)
	f.Add(0.5, 47500.0, 0.01, false)
	f.Add(50000.0, 50000.0, 12345.678, true)
	f.Add(1e-6, 1e9, 3.3, false)

	fee := decimal.NewFromFloat(0.003)
	f.Fuzz(func(t *testing.T, ra, rb, in float64, aToB bool) {
		if !(ra > 1e-9 && ra < 1e12 && rb > 1e-9 && rb < 1e12 && in > 1e-9 && in < 1e12) {
			t.Skip()
		}
		reserveA := decimal.NewFromFloat(ra).Round(12)
		reserveB := decimal.NewFromFloat(rb).Round(12)
		amountIn := decimal.NewFromFloat(in).Round(12)
		if !reserveA.IsPositive() || !reserveB.IsPositive() || !amountIn.IsPositive() {
			t.Skip()
		}
		k := reserveA.Mul(reserveB)

		rIn, rOut := reserveA, reserveB
		if !aToB {
			rIn, rOut = reserveB, reserveA
		}
		m, err := computeSwap(rIn, rOut, k, amountIn, fee)
		if err != nil {
			return
		}

		newIn := rIn.Add(amountIn)
		newOut := rOut.Sub(m.amountOut)
		if !newOut.IsPositive() {
			t.Fatalf("reserveOut went non-positive: %s", newOut)
		}
		if newIn.Mul(newOut).LessThan(k) {
			t.Fatalf("k decreased: %s -> %s (in=%s out=%s)", k, newIn.Mul(newOut), amountIn, m.amountOut)
		}
		if !newIn.Sub(rIn).Equal(amountIn) || !rOut.Sub(newOut).Equal(m.amountOut) {
			t.Fatal("reserve deltas not exact")
		}

		again, _ := computeSwap(rIn, rOut, k, amountIn, fee)
		if !again.amountOut.Equal(m.amountOut) {
			t.Fatalf("computeSwap not deterministic: %s vs %s", m.amountOut, again.amountOut)
		}
	})
}
