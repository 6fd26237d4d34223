package amm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/metrics"
	"github.com/obelisk/execution-engine/internal/model"
	"github.com/obelisk/execution-engine/internal/oracle"
	"github.com/obelisk/execution-engine/internal/store"
)

// Config holds the pool engine's tunable thresholds.
type Config struct {
	FeeRate         decimal.Decimal // taken from the input, stays in the pool
	ProtocolFeeRate decimal.Decimal // accounted in stats only
	MaxPriceImpact  decimal.Decimal // out/reserveOut cap
	BaseAssets      []string
	QuoteAssets     []string
}

// DefaultConfig returns the standard 0.3% pool with a 10% impact cap.
func DefaultConfig() Config {
	return Config{
		FeeRate:         decimal.NewFromFloat(0.003),
		ProtocolFeeRate: decimal.NewFromFloat(0.0005),
		MaxPriceImpact:  decimal.NewFromFloat(0.10),
		BaseAssets:      DefaultBaseAssets,
		QuoteAssets:     DefaultQuoteAssets,
	}
}

// Publisher receives engine events for fan-out (e.g. WebSocket clients).
type Publisher interface {
	Publish(event string, payload any)
}

// Engine owns every pool and serializes all mutations behind one mutex.
// State changes are persisted before they become visible: a failed commit
// leaves the in-memory pools untouched.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	pairing Pairing
	store   store.Store
	oracle  oracle.PriceOracle
	pub     Publisher
	now     func() time.Time

	pools map[string]*model.Pool
	stats model.EngineStats
}

// NewEngine creates an empty engine. Call Load to restore persisted pools.
// prices values volume and TVL; it may be nil, in which case every token is
// valued at 1.
func NewEngine(cfg Config, st store.Store, prices oracle.PriceOracle, pub Publisher) *Engine {
	if prices == nil {
		prices = oracle.NewStatic(nil)
	}
	return &Engine{
		cfg:     cfg,
		pairing: NewPairing(cfg.BaseAssets, cfg.QuoteAssets),
		store:   st,
		oracle:  prices,
		pub:     pub,
		now:     func() time.Time { return time.Now().UTC() },
		pools:   make(map[string]*model.Pool),
		stats:   model.EngineStats{TotalVolume: decimal.Zero, ProtocolFees: decimal.Zero},
	}
}

// Load restores the pool book from the store. It reports whether a
// persisted book was found.
func (e *Engine) Load(ctx context.Context) (bool, error) {
	var book model.PoolBook
	found, err := e.store.Load(ctx, store.DocPools, &book)
	if err != nil || !found {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools = make(map[string]*model.Pool, len(book.Pools))
	for i := range book.Pools {
		p := book.Pools[i]
		e.pools[p.Pair] = &p
	}
	e.stats = book.Stats
	return true, nil
}

// --- Quotes ---

// Quote is the expected outcome of a swap at current reserves.
type Quote struct {
	Pair           string          `json:"pair"`
	TokenIn        string          `json:"token_in"`
	TokenOut       string          `json:"token_out"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	AmountOut      decimal.Decimal `json:"amount_out"`
	PriceImpact    decimal.Decimal `json:"price_impact"`
	Fee            decimal.Decimal `json:"fee"`
	ExecutionPrice decimal.Decimal `json:"execution_price"` // tokenIn paid per tokenOut

	// Oracle comparison, present only when both tokens have a price.
	OraclePrice        *decimal.Decimal `json:"oracle_price,omitempty"`
	SlippageFromOracle *decimal.Decimal `json:"slippage_from_oracle,omitempty"` // percent
}

// Quote prices a swap without mutating any state.
func (e *Engine) Quote(tokenIn, tokenOut string, amountIn decimal.Decimal) (*Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, inIsA, err := e.lookup(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	rIn, rOut := directional(pool, inIsA)
	m, err := computeSwap(rIn, rOut, pool.K, amountIn, e.cfg.FeeRate)
	if err != nil {
		return nil, err
	}

	in, out := normalize(tokenIn), normalize(tokenOut)
	q := &Quote{
		Pair:           pool.Pair,
		TokenIn:        in,
		TokenOut:       out,
		AmountIn:       amountIn,
		AmountOut:      m.amountOut,
		PriceImpact:    m.priceImpact,
		Fee:            m.fee,
		ExecutionPrice: amountIn.DivRound(m.amountOut, Scale),
	}
	pIn, okIn := e.oracle.Price(in)
	pOut, okOut := e.oracle.Price(out)
	if okIn && okOut {
		ref := pOut.DivRound(pIn, Scale)
		slip := q.ExecutionPrice.Sub(ref).Div(ref).Mul(decimal.NewFromInt(100)).Round(6)
		q.OraclePrice = &ref
		q.SlippageFromOracle = &slip
	}
	return q, nil
}

// --- Swaps ---

// SwapResult describes an executed swap.
type SwapResult struct {
	Pair           string          `json:"pair"`
	TokenIn        string          `json:"token_in"`
	TokenOut       string          `json:"token_out"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	AmountOut      decimal.Decimal `json:"amount_out"`
	Fee            decimal.Decimal `json:"fee"`
	PriceImpact    decimal.Decimal `json:"price_impact"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	KBefore        decimal.Decimal `json:"k_before"`
	KAfter         decimal.Decimal `json:"k_after"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Swap executes amountIn of tokenIn for tokenOut. minAmountOut may be zero.
func (e *Engine) Swap(ctx context.Context, tokenIn, tokenOut string, amountIn, minAmountOut decimal.Decimal) (*SwapResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, inIsA, err := e.lookup(tokenIn, tokenOut)
	if err != nil {
		metrics.SwapRejections.WithLabelValues("no_pool").Inc()
		return nil, err
	}
	rIn, rOut := directional(pool, inIsA)
	m, err := computeSwap(rIn, rOut, pool.K, amountIn, e.cfg.FeeRate)
	if err != nil {
		metrics.SwapRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	if m.amountOut.LessThan(minAmountOut) {
		metrics.SwapRejections.WithLabelValues("slippage").Inc()
		return nil, fmt.Errorf("%w: got %s, min %s", ErrSlippageExceeded, m.amountOut.StringFixed(6), minAmountOut)
	}
	if m.priceImpact.GreaterThan(e.cfg.MaxPriceImpact) {
		metrics.SwapRejections.WithLabelValues("price_impact").Inc()
		return nil, fmt.Errorf("%w: %s%%", ErrPriceImpactTooHigh, m.priceImpact.Mul(decimal.NewFromInt(100)).StringFixed(2))
	}

	in, out := normalize(tokenIn), normalize(tokenOut)
	now := e.now()
	next := clonePool(pool)
	if inIsA {
		next.ReserveA = next.ReserveA.Add(amountIn)
		next.ReserveB = next.ReserveB.Sub(m.amountOut)
	} else {
		next.ReserveB = next.ReserveB.Add(amountIn)
		next.ReserveA = next.ReserveA.Sub(m.amountOut)
	}
	next.K = next.ReserveA.Mul(next.ReserveB)

	inPrice := e.valuation(in)
	volume := amountIn.Mul(inPrice)
	next.SwapCount++
	next.Volume = next.Volume.Add(volume)
	next.FeesEarned = next.FeesEarned.Add(m.fee.Mul(inPrice))
	next.UpdatedAt = now

	stats := e.stats
	stats.TotalSwaps++
	stats.TotalVolume = stats.TotalVolume.Add(volume)
	stats.ProtocolFees = stats.ProtocolFees.Add(amountIn.Mul(e.cfg.ProtocolFeeRate).Mul(inPrice))

	res := &SwapResult{
		Pair:           pool.Pair,
		TokenIn:        in,
		TokenOut:       out,
		AmountIn:       amountIn,
		AmountOut:      m.amountOut,
		Fee:            m.fee,
		PriceImpact:    m.priceImpact,
		ExecutionPrice: amountIn.DivRound(m.amountOut, Scale),
		KBefore:        pool.K,
		KAfter:         next.K,
		Timestamp:      now,
	}

	if err := e.commit(ctx, next, stats, "swap", res); err != nil {
		return nil, err
	}

	metrics.SwapsTotal.WithLabelValues(pool.Pair).Inc()
	metrics.SwapVolume.WithLabelValues(pool.Pair).Add(volume.InexactFloat64())
	metrics.SwapFees.WithLabelValues(pool.Pair).Add(m.fee.Mul(inPrice).InexactFloat64())

	slog.Info("swap executed",
		"pair", pool.Pair,
		"token_in", in,
		"amount_in", amountIn.String(),
		"token_out", out,
		"amount_out", m.amountOut.String(),
		"price_impact", m.priceImpact.StringFixed(6),
		"k_after", next.K.String(),
	)
	e.publish("swap_executed", res)
	return res, nil
}

// --- Liquidity ---

// LiquidityResult describes a deposit.
type LiquidityResult struct {
	SharesIssued decimal.Decimal `json:"shares_issued"`
	Created      bool            `json:"created"`
	Pool         model.Pool      `json:"pool"`
}

// AddLiquidity deposits into the pair's pool, creating it on first deposit.
// Amounts are given in the caller's token order.
func (e *Engine) AddLiquidity(ctx context.Context, tokenA, tokenB string, amountA, amountB decimal.Decimal, provider string) (*LiquidityResult, error) {
	if !amountA.IsPositive() || !amountB.IsPositive() {
		return nil, fmt.Errorf("%w: deposit amounts must be positive", ErrInvalidAmount)
	}
	a, b := normalize(tokenA), normalize(tokenB)
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("%w: need two distinct tokens", ErrInvalidAmount)
	}
	if provider == "" {
		provider = "unknown"
	}

	base, quote := e.pairing.Order(a, b)
	if base != a {
		amountA, amountB = amountB, amountA
	}
	pair := base + "/" + quote

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	existing, ok := e.pools[pair]
	var next *model.Pool
	var shares decimal.Decimal
	if !ok {
		shares = initialShares(amountA, amountB)
		next = &model.Pool{
			Pair:       pair,
			TokenA:     base,
			TokenB:     quote,
			ReserveA:   amountA,
			ReserveB:   amountB,
			K:          amountA.Mul(amountB),
			LPShares:   shares,
			Providers:  []model.ProviderShare{{Provider: provider, Shares: shares}},
			Volume:     decimal.Zero,
			FeesEarned: decimal.Zero,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	} else {
		shares = proportionalShares(amountA, amountB, existing.ReserveA, existing.ReserveB, existing.LPShares)
		next = clonePool(existing)
		next.ReserveA = next.ReserveA.Add(amountA)
		next.ReserveB = next.ReserveB.Add(amountB)
		next.K = next.ReserveA.Mul(next.ReserveB)
		next.LPShares = next.LPShares.Add(shares)
		next.Providers = creditProvider(next.Providers, provider, shares)
		next.UpdatedAt = now
	}

	res := &LiquidityResult{SharesIssued: shares, Created: !ok, Pool: *clonePool(next)}
	if err := e.commit(ctx, next, e.stats, "add_liquidity", res); err != nil {
		return nil, err
	}

	slog.Info("liquidity added",
		"pair", pair,
		"provider", provider,
		"amount_a", amountA.String(),
		"amount_b", amountB.String(),
		"shares", shares.String(),
		"created", !ok,
	)
	e.publish("liquidity_added", res)
	return res, nil
}

// SeedPool is one default pool deposit.
type SeedPool struct {
	TokenA, TokenB   string
	AmountA, AmountB decimal.Decimal
}

// DefaultPools is the protocol-provided starting liquidity.
func DefaultPools() []SeedPool {
	f := decimal.NewFromFloat
	return []SeedPool{
		{"BTC", "USDC", f(0.5), f(47500)},
		{"ETH", "USDC", f(15), f(48000)},
		{"SOL", "USDC", f(250), f(45000)},
		{"ARB", "USDC", f(50000), f(40000)},
		{"LINK", "USDC", f(2000), f(40000)},
		{"DOGE", "USDC", f(100000), f(35000)},
		{"XRP", "USDC", f(15000), f(37500)},
		{"ADA", "USDC", f(40000), f(36000)},
		{"AVAX", "USDC", f(1000), f(35000)},
		{"OP", "USDC", f(20000), f(34000)},
		{"PAXG", "USDC", f(10), f(29500)},
		{"XAUT", "USDC", f(10), f(29500)},
		{"USDT", "USDC", f(50000), f(50000)},
		{"DAI", "USDC", f(40000), f(40000)},
		{"USDE", "USDC", f(30000), f(30000)},
		{"FDUSD", "USDC", f(25000), f(25000)},
		{"FRAX", "USDC", f(20000), f(20000)},
	}
}

// Seed deposits each seed pool whose pair does not exist yet.
func (e *Engine) Seed(ctx context.Context, seeds []SeedPool, provider string) (int, error) {
	created := 0
	for _, s := range seeds {
		if _, ok := e.Pool(s.TokenA, s.TokenB); ok {
			continue
		}
		if _, err := e.AddLiquidity(ctx, s.TokenA, s.TokenB, s.AmountA, s.AmountB, provider); err != nil {
			return created, fmt.Errorf("seed %s/%s: %w", s.TokenA, s.TokenB, err)
		}
		created++
	}
	return created, nil
}

// --- Read views ---

// PoolInfo is a pool plus derived prices and valuation.
type PoolInfo struct {
	model.Pool
	PriceAInB decimal.Decimal `json:"price_a_in_b"`
	PriceBInA decimal.Decimal `json:"price_b_in_a"`
	TVL       decimal.Decimal `json:"tvl"`
	APY       decimal.Decimal `json:"apy"` // fee APY, percent
}

// Pool returns the pair's pool, in either token order.
func (e *Engine) Pool(tokenA, tokenB string) (*PoolInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pools[e.pairing.ID(tokenA, tokenB)]
	if !ok {
		return nil, false
	}
	info := e.info(p)
	return &info, true
}

// Pools returns every pool sorted by TVL, largest first.
func (e *Engine) Pools() []PoolInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PoolInfo, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, e.info(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TVL.Equal(out[j].TVL) {
			return out[i].TVL.GreaterThan(out[j].TVL)
		}
		return out[i].Pair < out[j].Pair
	})
	return out
}

// Stats is the engine-wide summary.
type Stats struct {
	model.EngineStats
	Pools int             `json:"pools"`
	TVL   decimal.Decimal `json:"tvl"`
}

// Stats returns cumulative counters and current TVL.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	tvl := decimal.Zero
	for _, p := range e.pools {
		tvl = tvl.Add(e.poolTVL(p))
	}
	return Stats{EngineStats: e.stats, Pools: len(e.pools), TVL: tvl}
}

// Price derives a USD price for symbol from its pool against a quote asset.
// Quote assets themselves are priced at par. This makes the engine usable
// as an oracle.PriceOracle for other components.
func (e *Engine) Price(symbol string) (decimal.Decimal, bool) {
	sym := normalize(symbol)
	if e.pairing.IsQuote(sym) {
		return decimal.NewFromInt(1), true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.cfg.QuoteAssets {
		p, ok := e.pools[e.pairing.ID(sym, q)]
		if !ok {
			continue
		}
		if p.TokenA == sym {
			return p.ReserveB.DivRound(p.ReserveA, Scale), true
		}
		return p.ReserveA.DivRound(p.ReserveB, Scale), true
	}
	return decimal.Zero, false
}

// --- internals (callers hold e.mu) ---

func (e *Engine) lookup(tokenIn, tokenOut string) (*model.Pool, bool, error) {
	in, out := normalize(tokenIn), normalize(tokenOut)
	if in == out {
		return nil, false, fmt.Errorf("%w: %s/%s", ErrNoPool, in, out)
	}
	p, ok := e.pools[e.pairing.ID(in, out)]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s/%s", ErrNoPool, in, out)
	}
	return p, p.TokenA == in, nil
}

func directional(p *model.Pool, inIsA bool) (reserveIn, reserveOut decimal.Decimal) {
	if inIsA {
		return p.ReserveA, p.ReserveB
	}
	return p.ReserveB, p.ReserveA
}

// valuation prices a token for volume and TVL; unpriced tokens count as 1.
func (e *Engine) valuation(token string) decimal.Decimal {
	if p, ok := e.oracle.Price(token); ok {
		return p
	}
	return one
}

func (e *Engine) poolTVL(p *model.Pool) decimal.Decimal {
	return p.ReserveA.Mul(e.valuation(p.TokenA)).Add(p.ReserveB.Mul(e.valuation(p.TokenB)))
}

func (e *Engine) info(p *model.Pool) PoolInfo {
	tvl := e.poolTVL(p)
	apy := decimal.Zero
	days := e.now().Sub(p.CreatedAt).Hours() / 24
	if days >= 1 && tvl.IsPositive() {
		yearly := p.FeesEarned.Div(decimal.NewFromFloat(days)).Mul(decimal.NewFromInt(365))
		apy = yearly.Div(tvl).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return PoolInfo{
		Pool:      *clonePool(p),
		PriceAInB: p.ReserveB.DivRound(p.ReserveA, Scale),
		PriceBInA: p.ReserveA.DivRound(p.ReserveB, Scale),
		TVL:       tvl,
		APY:       apy,
	}
}

// commit persists the book with next in place, then installs it in memory.
func (e *Engine) commit(ctx context.Context, next *model.Pool, stats model.EngineStats, kind string, payload any) error {
	book := model.PoolBook{Pools: make([]model.Pool, 0, len(e.pools)+1), Stats: stats}
	for pair, p := range e.pools {
		if pair != next.Pair {
			book.Pools = append(book.Pools, *p)
		}
	}
	book.Pools = append(book.Pools, *next)
	sort.Slice(book.Pools, func(i, j int) bool { return book.Pools[i].Pair < book.Pools[j].Pair })

	entry, err := store.NewEntry(store.DocPools, kind, payload)
	if err != nil {
		return err
	}
	if err := e.store.Commit(ctx, store.DocPools, book, entry); err != nil {
		metrics.PersistFailures.WithLabelValues(string(store.DocPools)).Inc()
		slog.Error("pool commit failed", "kind", kind, "pair", next.Pair, "err", err)
		return fmt.Errorf("persist pools: %w", err)
	}

	e.pools[next.Pair] = next
	e.stats = stats
	return nil
}

func rejectReason(err error) string {
	if errors.Is(err, ErrInvalidAmount) {
		return "invalid_amount"
	}
	return "insufficient_liquidity"
}

func (e *Engine) publish(event string, payload any) {
	if e.pub != nil {
		e.pub.Publish(event, payload)
	}
}

func clonePool(p *model.Pool) *model.Pool {
	c := *p
	c.Providers = append([]model.ProviderShare(nil), p.Providers...)
	return &c
}

// creditProvider adds shares to provider, keeping the slice sorted.
func creditProvider(providers []model.ProviderShare, provider string, shares decimal.Decimal) []model.ProviderShare {
	i := sort.Search(len(providers), func(i int) bool { return providers[i].Provider >= provider })
	if i < len(providers) && providers[i].Provider == provider {
		providers[i].Shares = providers[i].Shares.Add(shares)
		return providers
	}
	providers = append(providers, model.ProviderShare{})
	copy(providers[i+1:], providers[i:])
	providers[i] = model.ProviderShare{Provider: provider, Shares: shares}
	return providers
}
