package oracle

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestStatic_PriceAndSet(t *testing.T) {
	s := NewStatic(map[string]decimal.Decimal{"btc": d(93000)})

	p, ok := s.Price("BTC")
	if !ok || !p.Equal(d(93000)) {
		t.Fatalf("expected BTC=93000, got %s ok=%v", p, ok)
	}

	s.Set("BTC", d(0))
	if _, ok := s.Price("BTC"); ok {
		t.Error("zero price should remove the symbol")
	}

	if _, ok := s.Price("NOPE"); ok {
		t.Error("unknown symbol should be absent")
	}
}

func TestChain_FirstPositiveWins(t *testing.T) {
	zero := Func(func(string) (decimal.Decimal, bool) { return decimal.Zero, true })
	second := NewStatic(map[string]decimal.Decimal{"ETH": d(3100)})

	o := Chain(nil, zero, second)
	p, ok := o.Price("ETH")
	if !ok || !p.Equal(d(3100)) {
		t.Errorf("expected 3100 from second oracle, got %s ok=%v", p, ok)
	}
	if _, ok := o.Price("SOL"); ok {
		t.Error("expected SOL absent across the chain")
	}
}

func TestWithDefaults(t *testing.T) {
	live := NewStatic(map[string]decimal.Decimal{"PAXG": d(3000)})
	o := WithDefaults(live)

	tests := []struct {
		symbol string
		want   float64
		ok     bool
	}{
		{"PAXG", 3000, true}, // live beats default
		{"XAUT", 2950, true},
		{"USDC", 1, true},
		{"BTC", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			p, ok := o.Price(tt.symbol)
			if ok != tt.ok {
				t.Fatalf("ok=%v, want %v", ok, tt.ok)
			}
			if ok && !p.Equal(d(tt.want)) {
				t.Errorf("price=%s, want %v", p, tt.want)
			}
		})
	}
}
