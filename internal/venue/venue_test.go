package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/amm"
	"github.com/obelisk/execution-engine/internal/model"
	"github.com/obelisk/execution-engine/internal/oracle"
	"github.com/obelisk/execution-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testOrder(side model.Side, size, price float64) model.Order {
	return model.Order{
		ID:     "ORD-1",
		Symbol: "ETH/USDC",
		Side:   side,
		Type:   model.OrderTypeMarket,
		Size:   d(size),
		Price:  d(price),
	}
}

// --- Error classification ---

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"structured", NewError("perps", CodeRateLimited, "slow down"), true},
		{"structured other code", NewError("perps", CodeUnavailable, "429 in text"), false},
		{"wrapped structured", fmt.Errorf("attempt: %w", NewError("perps", CodeRateLimited, "x")), true},
		{"message 429", errors.New("HTTP 429 from upstream"), true},
		{"message rate limit", errors.New("Rate Limit exceeded"), true},
		{"message too many", errors.New("too many requests"), true},
		{"unrelated", errors.New("insufficient margin"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimited(tt.err); got != tt.want {
				t.Errorf("IsRateLimited(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestError_IsSentinels(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewError("dex", CodeUnavailable, "down"))
	if !errors.Is(err, ErrVenueUnavailable) {
		t.Error("expected ErrVenueUnavailable match")
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("unexpected ErrRateLimited match")
	}
	if CodeOf(context.DeadlineExceeded) != CodeTimeout {
		t.Error("deadline should classify as timeout")
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		in, base, quote string
	}{
		{"ETH/USDC", "ETH", "USDC"},
		{"sol-perp", "SOL", "USDC"},
		{"BTC", "BTC", "USDC"},
		{"ARB-USDT", "ARB", "USDT"},
	}
	for _, tt := range tests {
		b, q := SplitSymbol(tt.in, "USDC")
		if b != tt.base || q != tt.quote {
			t.Errorf("SplitSymbol(%s) = %s,%s want %s,%s", tt.in, b, q, tt.base, tt.quote)
		}
	}
}

// --- Paper ---

func TestPaper_SlippageBounds(t *testing.T) {
	p := NewPaper(d(0.001), d(0.001), nil)

	for _, u := range []float64{0, 0.5, 0.999999} {
		p.rng = func() float64 { return u }
		res, err := p.Execute(context.Background(), testOrder(model.SideBuy, 2, 1000))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Simulated || res.Venue != PaperName {
			t.Errorf("paper result must be simulated: %+v", res)
		}
		if res.AvgPrice.LessThan(d(999)) || res.AvgPrice.GreaterThan(d(1001)) {
			t.Errorf("price %s outside ±0.1%%", res.AvgPrice)
		}
	}

	p.rng = func() float64 { return 0.5 }
	res, _ := p.Execute(context.Background(), testOrder(model.SideBuy, 2, 1000))
	if !res.AvgPrice.Equal(d(1000)) || !res.Fee.Equal(d(2)) {
		t.Errorf("midpoint fill = %s fee %s, want 1000 fee 2", res.AvgPrice, res.Fee)
	}
}

func TestPaper_UsesOracleWhenUnpriced(t *testing.T) {
	prices := oracle.NewStatic(map[string]decimal.Decimal{"ETH": d(3000)})
	p := NewPaper(decimal.Zero, decimal.Zero, prices)

	res, err := p.Execute(context.Background(), testOrder(model.SideSell, 1, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AvgPrice.Equal(d(3000)) {
		t.Errorf("expected oracle price 3000, got %s", res.AvgPrice)
	}

	o := testOrder(model.SideSell, 1, 0)
	o.Symbol = "NOPE/USDC"
	if _, err := p.Execute(context.Background(), o); CodeOf(err) != CodeRejected {
		t.Errorf("expected rejected without a price, got %v", err)
	}
}

// --- Pool executor ---

func newPoolVenue(t *testing.T) (*PoolExecutor, *amm.Engine) {
	t.Helper()
	eng := amm.NewEngine(amm.DefaultConfig(), store.NewMemoryStore(), nil, nil)
	if _, err := eng.AddLiquidity(context.Background(), "ETH", "USDC", d(15), d(48000), "protocol"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return NewPoolExecutor("dex", eng, "USDC"), eng
}

// poolOrder allows 2% slippage: fee plus impact on the test pool is ~1%.
func poolOrder(side model.Side, size, price float64) model.Order {
	o := testOrder(side, size, price)
	o.Slippage = d(2)
	return o
}

func TestPoolExecutor_SellAndBuy(t *testing.T) {
	v, eng := newPoolVenue(t)
	ctx := context.Background()

	sell, err := v.Execute(ctx, poolOrder(model.SideSell, 0.1, 0))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.Simulated || sell.Status != StatusFilled {
		t.Errorf("pool fills are real: %+v", sell)
	}
	if !sell.Fills[0].Size.Equal(d(0.1)) {
		t.Errorf("sell size = %s", sell.Fills[0].Size)
	}
	if sell.AvgPrice.GreaterThan(d(3200)) || sell.AvgPrice.LessThan(d(3100)) {
		t.Errorf("sell price %s out of range", sell.AvgPrice)
	}

	buy, err := v.Execute(ctx, poolOrder(model.SideBuy, 0.1, 0))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if buy.Fills[0].Size.GreaterThan(d(0.1)) || buy.Fills[0].Size.LessThan(d(0.098)) {
		t.Errorf("buy size %s, expected just under 0.1", buy.Fills[0].Size)
	}

	if eng.Stats().TotalSwaps != 2 {
		t.Errorf("expected 2 swaps, got %d", eng.Stats().TotalSwaps)
	}
}

func TestPoolExecutor_Refusals(t *testing.T) {
	v, _ := newPoolVenue(t)
	ctx := context.Background()

	perp := testOrder(model.SideBuy, 1, 3200)
	perp.Type = model.OrderTypePerp
	if _, err := v.Execute(ctx, perp); CodeOf(err) != CodeRejected {
		t.Errorf("expected rejected perp, got %v", err)
	}

	noPool := poolOrder(model.SideSell, 1, 90000)
	noPool.Symbol = "BTC/USDC"
	if _, err := v.Execute(ctx, noPool); !errors.Is(err, ErrVenueUnavailable) || !errors.Is(err, amm.ErrNoPool) {
		t.Errorf("expected unavailable wrapping ErrNoPool, got %v", err)
	}

	// Price far above the pool: min out cannot be met.
	greedy := poolOrder(model.SideSell, 0.1, 5000)
	if _, err := v.Execute(ctx, greedy); !errors.Is(err, amm.ErrSlippageExceeded) {
		t.Errorf("expected slippage rejection, got %v", err)
	}
}

// --- HTTP executor ---

func TestHTTPExecutor_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     any
		wantCode Code
		wantStat Status
	}{
		{"filled", http.StatusOK, map[string]any{"status": "filled", "order_id": "X1", "avg_price": "3200", "fee": "0.64"}, "", StatusFilled},
		{"accepted", http.StatusAccepted, map[string]any{"status": "accepted", "order_id": "X2"}, "", StatusAccepted},
		{"rate limited", http.StatusTooManyRequests, map[string]any{"error": "slow down"}, CodeRateLimited, ""},
		{"server error", http.StatusBadGateway, map[string]any{"error": "upstream"}, CodeUnavailable, ""},
		{"bad request", http.StatusBadRequest, map[string]any{"error": "size"}, CodeRejected, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/orders" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				var req orderRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientOrderID != "ORD-1" {
					t.Errorf("bad request body: %+v err=%v", req, err)
				}
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			ex := NewHTTPExecutor(HTTPConfig{Name: "perps", BaseURL: srv.URL})
			res, err := ex.Execute(context.Background(), testOrder(model.SideBuy, 0.2, 3200))
			if tt.wantCode != "" {
				if CodeOf(err) != tt.wantCode {
					t.Fatalf("code = %s, want %s (err=%v)", CodeOf(err), tt.wantCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != tt.wantStat {
				t.Errorf("status = %s, want %s", res.Status, tt.wantStat)
			}
			if tt.wantStat == StatusFilled && (len(res.Fills) != 1 || !res.Fills[0].Size.Equal(d(0.2))) {
				t.Errorf("expected one synthesized fill of 0.2, got %+v", res.Fills)
			}
		})
	}
}

func TestHTTPExecutor_TimeoutAndCancel(t *testing.T) {
	var cancelled string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			cancelled = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
			return
		}
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(HTTPConfig{Name: "perps", BaseURL: srv.URL + "/"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ex.Execute(ctx, testOrder(model.SideBuy, 1, 1)); CodeOf(err) != CodeTimeout {
		t.Errorf("expected timeout, got %v", err)
	}

	o := testOrder(model.SideBuy, 1, 1)
	o.TxID = "X9"
	if err := ex.Cancel(context.Background(), o); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled != "/orders/X9" {
		t.Errorf("cancel path = %s", cancelled)
	}
}
