package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/model"
	"github.com/obelisk/execution-engine/internal/oracle"
)

// PaperName is the venue name of the paper simulator.
const PaperName = "paper"

// Paper fills every order at the reference price with a random synthetic
// slippage of up to ±Slippage. Results are always marked Simulated.
type Paper struct {
	Slippage decimal.Decimal // max fractional deviation, e.g. 0.001
	FeeRate  decimal.Decimal // fraction of notional

	prices oracle.PriceOracle

	mu  sync.Mutex
	rng func() float64 // uniform in [0, 1)
	now func() time.Time
}

// NewPaper creates a paper venue. prices supplies a reference price when the
// order carries none; it may be nil.
func NewPaper(slippage, feeRate decimal.Decimal, prices oracle.PriceOracle) *Paper {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Paper{
		Slippage: slippage,
		FeeRate:  feeRate,
		prices:   prices,
		rng:      r.Float64,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Paper) Name() string { return PaperName }

func (p *Paper) Execute(ctx context.Context, order model.Order) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Venue: PaperName, Code: CodeTimeout, Err: err}
	}
	ref := order.Price
	if !ref.IsPositive() && p.prices != nil {
		base, _ := SplitSymbol(order.Symbol, "USDC")
		if px, ok := p.prices.Price(base); ok {
			ref = px
		}
	}
	if !ref.IsPositive() {
		return nil, NewError(PaperName, CodeRejected, "no reference price for %s", order.Symbol)
	}

	p.mu.Lock()
	u := p.rng()
	now := p.now()
	p.mu.Unlock()

	// (u - 0.5) * 2 maps [0,1) onto [-1,1).
	deviation := decimal.NewFromFloat((u - 0.5) * 2).Mul(p.Slippage)
	price := ref.Mul(decimal.NewFromInt(1).Add(deviation)).Round(8)
	fee := order.Size.Mul(price).Mul(p.FeeRate).Round(8)
	txID := fmt.Sprintf("PAPER-%s", uuid.New().String()[:8])

	return &Result{
		Venue:    PaperName,
		Status:   StatusFilled,
		TxID:     txID,
		AvgPrice: price,
		Fee:      fee,
		Fills: []model.Fill{{
			Price:     price,
			Size:      order.Size,
			Fee:       fee,
			TxID:      txID,
			Timestamp: now,
		}},
		Simulated: true,
		Message:   "paper trade executed (simulation)",
	}, nil
}
