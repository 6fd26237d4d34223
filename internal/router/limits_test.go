package router

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	if err := limiter.CheckLimit("ETH/USDC", d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerSymbolExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing position of 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{"ETH/USDC": d(950)}

	if err := limiter.CheckLimit("ETH/USDC", d(100), existing); err != ErrSymbolLimitExceeded {
		t.Errorf("expected ErrSymbolLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_SellReducesExposure(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))
	existing := map[string]decimal.Decimal{"ETH/USDC": d(950)}

	if err := limiter.CheckLimit("ETH/USDC", d(-500), existing); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"ETH/USDC": d(800),
		"ETH/USDT": d(-800), // short exposure still counts
		"BTC/USDC": d(900),  // different base, ignored
	}

	// 800 + 800 + 500 = 2100 > 2000.
	if err := limiter.CheckLimit("ETH-PERP", d(500), existing); err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
	if err := limiter.CheckLimit("BTC-PERP", d(500), existing); err != nil {
		t.Errorf("expected no error for BTC group, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)

	if err := limiter.CheckLimit("ETH", d(1e9), nil); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}
