package venue

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/amm"
	"github.com/obelisk/execution-engine/internal/model"
)

// Swapper is the part of the pool engine the pool venue needs.
type Swapper interface {
	Swap(ctx context.Context, tokenIn, tokenOut string, amountIn, minAmountOut decimal.Decimal) (*amm.SwapResult, error)
	Price(symbol string) (decimal.Decimal, bool)
}

// PoolExecutor routes spot orders into the internal constant-product pools.
// Size is in base units: sells swap Size base for quote, buys spend
// Size*price of quote for base. Perpetual orders are refused.
type PoolExecutor struct {
	// DefaultSlippagePct bounds the output of orders that carry no slippage.
	DefaultSlippagePct decimal.Decimal

	name         string
	pools        Swapper
	defaultQuote string
}

// NewPoolExecutor wraps a pool engine as a venue.
func NewPoolExecutor(name string, pools Swapper, defaultQuote string) *PoolExecutor {
	if name == "" {
		name = "pool"
	}
	if defaultQuote == "" {
		defaultQuote = "USDC"
	}
	return &PoolExecutor{
		DefaultSlippagePct: decimal.NewFromFloat(0.5),
		name:               name,
		pools:              pools,
		defaultQuote:       defaultQuote,
	}
}

func (p *PoolExecutor) Name() string { return p.name }

func (p *PoolExecutor) Execute(ctx context.Context, order model.Order) (*Result, error) {
	if order.Type == model.OrderTypePerp || order.Leverage.GreaterThan(decimal.NewFromInt(1)) ||
		strings.HasSuffix(strings.ToUpper(order.Symbol), "-PERP") {
		return nil, NewError(p.name, CodeRejected, "perpetual orders are not supported by pools")
	}
	if !order.Size.IsPositive() {
		return nil, NewError(p.name, CodeRejected, "size must be positive")
	}

	base, quote := SplitSymbol(order.Symbol, p.defaultQuote)
	ref := order.Price
	if !ref.IsPositive() {
		px, ok := p.pools.Price(base)
		if !ok {
			return nil, NewError(p.name, CodeRejected, "no pool price for %s", base)
		}
		ref = px
	}

	// Slippage is a percentage.
	slip := order.Slippage
	if !slip.IsPositive() {
		slip = p.DefaultSlippagePct
	}
	keep := decimal.NewFromInt(1).Sub(slip.Div(decimal.NewFromInt(100)))

	var tokenIn, tokenOut string
	var amountIn, minOut decimal.Decimal
	if order.Side == model.SideBuy {
		tokenIn, tokenOut = quote, base
		amountIn = order.Size.Mul(ref)
		minOut = order.Size.Mul(keep)
	} else {
		tokenIn, tokenOut = base, quote
		amountIn = order.Size
		minOut = order.Size.Mul(ref).Mul(keep)
	}

	res, err := p.pools.Swap(ctx, tokenIn, tokenOut, amountIn, minOut)
	if err != nil {
		code := CodeRejected
		if errors.Is(err, amm.ErrNoPool) {
			code = CodeUnavailable
		}
		return nil, &Error{Venue: p.name, Code: code, Message: err.Error(), Err: err}
	}

	var size, price, fee decimal.Decimal
	if order.Side == model.SideBuy {
		size = res.AmountOut
		price = res.AmountIn.DivRound(res.AmountOut, amm.Scale)
		fee = res.Fee // already in quote units
	} else {
		size = res.AmountIn
		price = res.AmountOut.DivRound(res.AmountIn, amm.Scale)
		fee = res.Fee.Mul(price)
	}

	return &Result{
		Venue:    p.name,
		Status:   StatusFilled,
		TxID:     "SWAP-" + res.Timestamp.Format("20060102T150405.000000000"),
		AvgPrice: price,
		Fee:      fee,
		Fills: []model.Fill{{
			Price:     price,
			Size:      size,
			Fee:       fee,
			Timestamp: res.Timestamp,
		}},
		Message: "executed against " + res.Pair,
	}, nil
}
