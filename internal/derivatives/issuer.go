// Package derivatives issues and redeems structured synthetic exposure on
// catalog assets. Every holding sets aside an insurance reserve in a shared
// fund; PROTECTED holdings draw on that fund when the price falls below
// their floor, and a claim is capped so the fund never goes negative.
package derivatives

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/catalog"
	"github.com/obelisk/execution-engine/internal/metrics"
	"github.com/obelisk/execution-engine/internal/model"
	"github.com/obelisk/execution-engine/internal/oracle"
	"github.com/obelisk/execution-engine/internal/store"
)

// Scale is the decimal precision of divisions.
const Scale = 18

var (
	ErrUnsupportedAsset = catalog.ErrUnsupportedAsset
	ErrNoPrice          = errors.New("derivatives: no price available")
	ErrNotFound         = errors.New("derivatives: holding not found")
	ErrAlreadyRedeemed  = errors.New("derivatives: holding already redeemed")
	ErrInvalidRequest   = errors.New("derivatives: invalid request")
)

var (
	hundred     = decimal.NewFromInt(100)
	daysPerYear = decimal.NewFromInt(365)
	day         = decimal.NewFromInt(int64(24 * time.Hour))
)

// Config holds the issuer's rates. All rates are fractions.
type Config struct {
	InsuranceRatio  decimal.Decimal // share of notional locked in the fund
	IssuanceFee     decimal.Decimal
	RedemptionFee   decimal.Decimal
	ProtectedBuffer decimal.Decimal // floor = entry * (1 - buffer)
	YieldRate       decimal.Decimal // annual, simple interest
	InitialFund     decimal.Decimal
}

// DefaultConfig returns the standard product terms.
func DefaultConfig() Config {
	return Config{
		InsuranceRatio:  decimal.NewFromFloat(0.10),
		IssuanceFee:     decimal.NewFromFloat(0.002),
		RedemptionFee:   decimal.NewFromFloat(0.001),
		ProtectedBuffer: decimal.NewFromFloat(0.10),
		YieldRate:       decimal.NewFromFloat(0.05),
		InitialFund:     decimal.NewFromInt(5000),
	}
}

// Publisher receives issuer events for fan-out.
type Publisher interface {
	Publish(event string, payload any)
}

// Issuer owns every holding and the insurance fund. Like the pool engine it
// persists a change before installing it, so a failed commit leaves the
// holdings and the fund untouched.
type Issuer struct {
	mu      sync.Mutex
	cfg     Config
	catalog *catalog.Catalog
	oracle  oracle.PriceOracle
	store   store.Store
	pub     Publisher
	now     func() time.Time

	holdings   map[string]*model.Holding
	fund       model.InsuranceFund
	stats      model.IssuerStats
	depletions []model.DepletionEvent
}

// NewIssuer creates an issuer with a fresh fund. Prices fall back to the
// stablecoin and gold defaults when prices has no answer.
func NewIssuer(cfg Config, cat *catalog.Catalog, prices oracle.PriceOracle, st store.Store, pub Publisher) *Issuer {
	if cat == nil {
		cat = catalog.Default()
	}
	iss := &Issuer{
		cfg:      cfg,
		catalog:  cat,
		oracle:   oracle.WithDefaults(prices),
		store:    st,
		pub:      pub,
		now:      func() time.Time { return time.Now().UTC() },
		holdings: make(map[string]*model.Holding),
		fund:     model.InsuranceFund{Balance: cfg.InitialFund, Locked: decimal.Zero},
		stats: model.IssuerStats{
			FeesCollected:      decimal.Zero,
			InsuranceClaimPaid: decimal.Zero,
		},
	}
	setFundGauge(iss.fund)
	return iss
}

// Load restores persisted holdings and the fund.
func (iss *Issuer) Load(ctx context.Context) (bool, error) {
	var st model.IssuerState
	found, err := iss.store.Load(ctx, store.DocIssuer, &st)
	if err != nil || !found {
		return false, err
	}

	iss.mu.Lock()
	defer iss.mu.Unlock()
	iss.holdings = make(map[string]*model.Holding, len(st.Holdings))
	for i := range st.Holdings {
		h := st.Holdings[i]
		iss.holdings[h.ID] = &h
	}
	iss.fund = st.Fund
	iss.stats = st.Stats
	iss.depletions = st.Depletions
	setFundGauge(iss.fund)
	return true, nil
}

// --- Issuance ---

// Issued describes a newly issued holding.
type Issued struct {
	DerivativeID     string           `json:"derivative_id"`
	Ticker           string           `json:"ticker"`
	Asset            string           `json:"asset"`
	Product          model.Product    `json:"product"`
	Quantity         decimal.Decimal  `json:"quantity"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	Notional         decimal.Decimal  `json:"notional"`
	CollateralPaid   decimal.Decimal  `json:"collateral_paid"`
	Fee              decimal.Decimal  `json:"fee"`
	InsuranceReserve decimal.Decimal  `json:"insurance_reserve"`
	ProtectionFloor  *decimal.Decimal `json:"protection_floor,omitempty"`
	YieldRate        *decimal.Decimal `json:"yield_rate,omitempty"`
	Description      string           `json:"description"`
}

// Issue mints a holding of quantity units of asset for user. An empty
// product means STANDARD.
func (iss *Issuer) Issue(ctx context.Context, user, asset string, quantity decimal.Decimal, product model.Product) (*Issued, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	if product == "" {
		product = model.ProductStandard
	}
	product = model.Product(strings.ToUpper(string(product)))
	if !product.Valid() {
		return nil, fmt.Errorf("%w: unknown product %q", ErrInvalidRequest, product)
	}
	def, ok := iss.catalog.Lookup(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	price, ok := iss.oracle.Price(def.Symbol)
	if !ok || !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, def.Symbol)
	}

	iss.mu.Lock()
	defer iss.mu.Unlock()

	notional := price.Mul(quantity)
	fee := notional.Mul(iss.cfg.IssuanceFee)
	reserve := notional.Mul(iss.cfg.InsuranceRatio)
	h := &model.Holding{
		ID:               catalog.TickerFor(def.Symbol, product) + "-" + strings.ToUpper(uuid.New().String()[:8]),
		UserID:           user,
		Asset:            def.Symbol,
		Product:          product,
		Quantity:         quantity,
		EntryPrice:       price,
		Notional:         notional,
		CollateralPaid:   notional.Add(fee),
		Fee:              fee,
		InsuranceReserve: reserve,
		Status:           model.HoldingActive,
		IssuedAt:         iss.now(),
		ExitPrice:        decimal.Zero,
		InsuranceClaim:   decimal.Zero,
		YieldPaid:        decimal.Zero,
		Payout:           decimal.Zero,
		PnL:              decimal.Zero,
	}
	switch product {
	case model.ProductProtected:
		h.ProtectionFloor = decimal.NewNullDecimal(price.Mul(decimal.NewFromInt(1).Sub(iss.cfg.ProtectedBuffer)))
	case model.ProductYield:
		h.YieldRate = decimal.NewNullDecimal(iss.cfg.YieldRate)
	}

	fund := model.InsuranceFund{
		Balance: iss.fund.Balance.Add(reserve),
		Locked:  iss.fund.Locked.Add(reserve),
	}
	stats := iss.stats
	stats.TotalIssued++
	stats.FeesCollected = stats.FeesCollected.Add(fee)

	res := &Issued{
		DerivativeID:     h.ID,
		Ticker:           catalog.TickerFor(def.Symbol, product),
		Asset:            def.Symbol,
		Product:          product,
		Quantity:         quantity,
		EntryPrice:       price,
		Notional:         notional,
		CollateralPaid:   h.CollateralPaid,
		Fee:              fee,
		InsuranceReserve: reserve,
		ProtectionFloor:  nullable(h.ProtectionFloor),
		YieldRate:        nullable(h.YieldRate),
		Description:      def.Description,
	}
	if res.Description == "" {
		res.Description = def.Name
	}

	if err := iss.commit(ctx, h, fund, stats, nil, "issue", res); err != nil {
		return nil, err
	}

	metrics.DerivativesIssued.WithLabelValues(string(product)).Inc()
	slog.Info("derivative issued",
		"id", h.ID,
		"user", user,
		"asset", def.Symbol,
		"product", product,
		"quantity", quantity.String(),
		"price", price.String(),
		"notional", notional.String(),
	)
	iss.publish("derivative_issued", res)
	return res, nil
}

// --- Redemption ---

// Redemption describes a settled holding.
type Redemption struct {
	DerivativeID   string          `json:"derivative_id"`
	Asset          string          `json:"asset"`
	Product        model.Product   `json:"product"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	RedeemValue    decimal.Decimal `json:"redeem_value"`
	RedeemFee      decimal.Decimal `json:"redeem_fee"`
	YieldPayout    decimal.Decimal `json:"yield_payout"`
	InsuranceClaim decimal.Decimal `json:"insurance_claim"`
	ClaimCapped    bool            `json:"claim_capped"`
	Payout         decimal.Decimal `json:"payout"`
	PnL            decimal.Decimal `json:"pnl"`
	PnLPct         decimal.Decimal `json:"pnl_pct"`
}

// Redeem settles an active holding at the current price.
//
// A PROTECTED holding below its floor is paid up to the floor from the
// insurance fund. The claim may use the fund's free balance plus the
// holding's own reserve; anything beyond that is recorded as a depletion
// and the exit price sits between the market price and the floor.
func (iss *Issuer) Redeem(ctx context.Context, id string) (*Redemption, error) {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	cur, ok := iss.holdings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Status != model.HoldingActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyRedeemed, id, cur.Status)
	}
	price, ok := iss.oracle.Price(cur.Asset)
	if !ok || !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, cur.Asset)
	}

	now := iss.now()
	h := *cur
	exit := price
	claim := decimal.Zero
	var depletion *model.DepletionEvent

	if h.Product == model.ProductProtected && h.ProtectionFloor.Valid && price.LessThan(h.ProtectionFloor.Decimal) {
		floor := h.ProtectionFloor.Decimal
		requested := floor.Sub(price).Mul(h.Quantity)
		capacity := iss.fund.Balance.Sub(iss.fund.Locked.Sub(h.InsuranceReserve))
		if capacity.IsNegative() {
			capacity = decimal.Zero
		}
		claim = decimal.Min(requested, capacity)
		if claim.LessThan(requested) {
			exit = price.Add(claim.DivRound(h.Quantity, Scale))
			depletion = &model.DepletionEvent{
				HoldingID:    h.ID,
				Requested:    requested,
				Paid:         claim,
				Uncovered:    requested.Sub(claim),
				BalanceAfter: iss.fund.Balance.Sub(claim),
				At:           now,
			}
		} else {
			exit = floor
		}
	}

	yield := decimal.Zero
	if h.Product == model.ProductYield && h.YieldRate.Valid {
		yield = accruedYield(h.Notional, h.YieldRate.Decimal, daysBetween(h.IssuedAt, now))
	}

	value := exit.Mul(h.Quantity)
	fee := value.Mul(iss.cfg.RedemptionFee)
	payout := value.Sub(fee).Add(yield)
	pnl := payout.Sub(h.CollateralPaid)

	h.Status = model.HoldingRedeemed
	h.RedeemedAt = &now
	h.ExitPrice = exit
	h.InsuranceClaim = claim
	h.YieldPaid = yield
	h.Payout = payout
	h.PnL = pnl

	fund := model.InsuranceFund{
		Balance: iss.fund.Balance.Sub(claim),
		Locked:  iss.fund.Locked.Sub(h.InsuranceReserve),
	}
	stats := iss.stats
	stats.TotalRedeemed++
	stats.FeesCollected = stats.FeesCollected.Add(fee)
	if claim.IsPositive() {
		stats.InsuranceClaims++
		stats.InsuranceClaimPaid = stats.InsuranceClaimPaid.Add(claim)
	}

	res := &Redemption{
		DerivativeID:   h.ID,
		Asset:          h.Asset,
		Product:        h.Product,
		Quantity:       h.Quantity,
		EntryPrice:     h.EntryPrice,
		CurrentPrice:   price,
		ExitPrice:      exit,
		RedeemValue:    value,
		RedeemFee:      fee,
		YieldPayout:    yield,
		InsuranceClaim: claim,
		ClaimCapped:    depletion != nil,
		Payout:         payout,
		PnL:            pnl,
		PnLPct:         percentOf(pnl, h.CollateralPaid),
	}

	if err := iss.commit(ctx, &h, fund, stats, depletion, "redeem", res); err != nil {
		return nil, err
	}

	metrics.DerivativesRedeemed.WithLabelValues(string(h.Product)).Inc()
	if claim.IsPositive() {
		slog.Info("insurance claim paid", "id", h.ID, "claim", claim.String(), "fund_balance", fund.Balance.String())
	}
	if depletion != nil {
		metrics.InsuranceDepletions.Inc()
		slog.Warn("insurance fund depleted",
			"id", h.ID,
			"requested", depletion.Requested.String(),
			"paid", depletion.Paid.String(),
			"uncovered", depletion.Uncovered.String(),
		)
		iss.publish("insurance_depleted", *depletion)
	}
	slog.Info("derivative redeemed",
		"id", h.ID,
		"exit_price", exit.String(),
		"payout", payout.String(),
		"pnl", pnl.String(),
	)
	iss.publish("derivative_redeemed", res)
	return res, nil
}

// --- Valuation ---

// Valuation is a mark-to-market snapshot of an active holding.
type Valuation struct {
	DerivativeID     string           `json:"derivative_id"`
	Asset            string           `json:"asset"`
	Product          model.Product    `json:"product"`
	Quantity         decimal.Decimal  `json:"quantity"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	CurrentPrice     decimal.Decimal  `json:"current_price"`
	CurrentValue     decimal.Decimal  `json:"current_value"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal  `json:"unrealized_pnl_pct"`
	ProtectionFloor  *decimal.Decimal `json:"protection_floor,omitempty"`
	YieldAccrued     decimal.Decimal  `json:"yield_accrued"`
	DaysHeld         decimal.Decimal  `json:"days_held"`
	InsuranceCovered bool             `json:"insurance_covered"`
}

// MarkToMarket values an active holding. It reports false when the holding
// is unknown or inactive, or when no price is available.
func (iss *Issuer) MarkToMarket(id string) (*Valuation, bool) {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	h, ok := iss.holdings[id]
	if !ok || h.Status != model.HoldingActive {
		return nil, false
	}
	return iss.markLocked(h)
}

// UserHoldings returns the marked active holdings of user, oldest first.
// Holdings without a current price are omitted.
func (iss *Issuer) UserHoldings(user string) []Valuation {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	var active []*model.Holding
	for _, h := range iss.holdings {
		if h.UserID == user && h.Status == model.HoldingActive {
			active = append(active, h)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].IssuedAt.Equal(active[j].IssuedAt) {
			return active[i].IssuedAt.Before(active[j].IssuedAt)
		}
		return active[i].ID < active[j].ID
	})

	out := make([]Valuation, 0, len(active))
	for _, h := range active {
		if v, ok := iss.markLocked(h); ok {
			out = append(out, *v)
		}
	}
	return out
}

// Holding returns a copy of one holding in any status.
func (iss *Issuer) Holding(id string) (model.Holding, bool) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	h, ok := iss.holdings[id]
	if !ok {
		return model.Holding{}, false
	}
	return *h, true
}

func (iss *Issuer) markLocked(h *model.Holding) (*Valuation, bool) {
	price, ok := iss.oracle.Price(h.Asset)
	if !ok || !price.IsPositive() {
		return nil, false
	}
	days := daysBetween(h.IssuedAt, iss.now())
	value := price.Mul(h.Quantity)
	pnl := value.Sub(h.Notional)

	yield := decimal.Zero
	if h.Product == model.ProductYield && h.YieldRate.Valid {
		yield = accruedYield(h.Notional, h.YieldRate.Decimal, days)
	}
	return &Valuation{
		DerivativeID:     h.ID,
		Asset:            h.Asset,
		Product:          h.Product,
		Quantity:         h.Quantity,
		EntryPrice:       h.EntryPrice,
		CurrentPrice:     price,
		CurrentValue:     value,
		UnrealizedPnL:    pnl,
		UnrealizedPnLPct: percentOf(pnl, h.Notional),
		ProtectionFloor:  nullable(h.ProtectionFloor),
		YieldAccrued:     yield,
		DaysHeld:         days.Round(1),
		InsuranceCovered: h.Product == model.ProductProtected,
	}, true
}

// --- Catalog and fund ---

// ProductInfo is one product offered on a catalog asset.
type ProductInfo struct {
	ID          model.Product   `json:"id"`
	Ticker      string          `json:"ticker"`
	Description string          `json:"description"`
	FeePct      decimal.Decimal `json:"fee_pct"`
}

// CatalogEntry is a catalog asset with its current price and products.
type CatalogEntry struct {
	catalog.Asset
	Price    *decimal.Decimal `json:"price"` // nil when unpriced
	Products []ProductInfo    `json:"products"`
}

// Catalog lists every supported asset in display order.
func (iss *Issuer) Catalog() []CatalogEntry {
	feePct := iss.cfg.IssuanceFee.Mul(hundred)
	bufferPct := iss.cfg.ProtectedBuffer.Mul(hundred)
	yieldPct := iss.cfg.YieldRate.Mul(hundred)

	assets := iss.catalog.Assets()
	out := make([]CatalogEntry, 0, len(assets))
	for _, a := range assets {
		e := CatalogEntry{Asset: a}
		if p, ok := iss.oracle.Price(a.Symbol); ok && p.IsPositive() {
			e.Price = &p
		}
		e.Products = []ProductInfo{
			{model.ProductStandard, catalog.TickerFor(a.Symbol, model.ProductStandard), "1:1 exposure", feePct},
			{model.ProductProtected, catalog.TickerFor(a.Symbol, model.ProductProtected), "Floor at -" + bufferPct.String() + "%", feePct},
			{model.ProductYield, catalog.TickerFor(a.Symbol, model.ProductYield), "+" + yieldPct.String() + "% APY yield", feePct},
		}
		out = append(out, e)
	}
	return out
}

// FundReport summarizes the insurance fund.
type FundReport struct {
	Balance           decimal.Decimal        `json:"balance"`
	Locked            decimal.Decimal        `json:"locked"`
	Available         decimal.Decimal        `json:"available"`
	ActiveDerivatives int64                  `json:"active_derivatives"`
	CoverageRatio     decimal.Decimal        `json:"coverage_ratio"`
	Stats             model.IssuerStats      `json:"stats"`
	Depletions        []model.DepletionEvent `json:"depletions"`
}

// Fund reports the insurance fund state.
func (iss *Issuer) Fund() FundReport {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	return FundReport{
		Balance:           iss.fund.Balance,
		Locked:            iss.fund.Locked,
		Available:         iss.fund.Available(),
		ActiveDerivatives: iss.stats.TotalIssued - iss.stats.TotalRedeemed,
		CoverageRatio:     iss.cfg.InsuranceRatio,
		Stats:             iss.stats,
		Depletions:        append([]model.DepletionEvent{}, iss.depletions...),
	}
}

// ResolveTicker parses a product ticker against the issuer's catalog.
func (iss *Issuer) ResolveTicker(ticker string) (*catalog.Ticker, error) {
	return iss.catalog.ParseTicker(strings.ToUpper(strings.TrimSpace(ticker)))
}

// --- internals ---

// commit persists the state with next in place, then installs it.
func (iss *Issuer) commit(ctx context.Context, next *model.Holding, fund model.InsuranceFund,
	stats model.IssuerStats, depletion *model.DepletionEvent, kind string, payload any) error {

	st := model.IssuerState{
		Holdings:   make([]model.Holding, 0, len(iss.holdings)+1),
		Fund:       fund,
		Stats:      stats,
		Depletions: iss.depletions,
	}
	for id, h := range iss.holdings {
		if id != next.ID {
			st.Holdings = append(st.Holdings, *h)
		}
	}
	st.Holdings = append(st.Holdings, *next)
	sort.Slice(st.Holdings, func(i, j int) bool { return st.Holdings[i].ID < st.Holdings[j].ID })
	if depletion != nil {
		st.Depletions = append(append([]model.DepletionEvent(nil), iss.depletions...), *depletion)
	}

	entry, err := store.NewEntry(store.DocIssuer, kind, payload)
	if err != nil {
		return err
	}
	if err := iss.store.Commit(ctx, store.DocIssuer, st, entry); err != nil {
		metrics.PersistFailures.WithLabelValues(string(store.DocIssuer)).Inc()
		slog.Error("issuer commit failed", "kind", kind, "id", next.ID, "err", err)
		return fmt.Errorf("persist issuer: %w", err)
	}

	iss.holdings[next.ID] = next
	iss.fund = fund
	iss.stats = stats
	iss.depletions = st.Depletions
	setFundGauge(fund)
	return nil
}

func (iss *Issuer) publish(event string, payload any) {
	if iss.pub != nil {
		iss.pub.Publish(event, payload)
	}
}

func daysBetween(from, to time.Time) decimal.Decimal {
	if !to.After(from) {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(to.Sub(from))).DivRound(day, Scale)
}

// accruedYield is simple interest: notional * rate * days / 365.
func accruedYield(notional, rate, days decimal.Decimal) decimal.Decimal {
	return notional.Mul(rate).Mul(days).DivRound(daysPerYear, Scale)
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.DivRound(whole, Scale).Mul(hundred).Round(2)
}

func nullable(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	v := n.Decimal
	return &v
}

func setFundGauge(f model.InsuranceFund) {
	v, _ := f.Balance.Float64()
	metrics.InsuranceFundBalance.Set(v)
}
