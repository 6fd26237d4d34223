// Package model defines the core domain types shared across the execution
// engine. All monetary values use shopspring/decimal, never float64.
//
// Persisted documents never contain Go maps: keyed collections are stored as
// slices sorted by key so that a document round-trips byte-for-byte.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// --- Liquidity pools ---

// ProviderShare is one liquidity provider's claim on a pool.
type ProviderShare struct {
	Provider string          `json:"provider"`
	Shares   decimal.Decimal `json:"shares"`
}

// Pool is a constant-product pool for one canonical pair.
// Invariants: ReserveA > 0, ReserveB > 0, K = ReserveA * ReserveB,
// Σ Providers.Shares = LPShares.
type Pool struct {
	Pair       string          `json:"pair"` // canonical "BASE/QUOTE"
	TokenA     string          `json:"token_a"`
	TokenB     string          `json:"token_b"`
	ReserveA   decimal.Decimal `json:"reserve_a"`
	ReserveB   decimal.Decimal `json:"reserve_b"`
	K          decimal.Decimal `json:"k"`
	LPShares   decimal.Decimal `json:"lp_shares"`
	Providers  []ProviderShare `json:"providers"` // sorted by provider
	SwapCount  int64           `json:"swap_count"`
	Volume     decimal.Decimal `json:"volume"`      // oracle-valued input volume
	FeesEarned decimal.Decimal `json:"fees_earned"` // oracle-valued
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// EngineStats are cumulative counters across every pool.
type EngineStats struct {
	TotalSwaps   int64           `json:"total_swaps"`
	TotalVolume  decimal.Decimal `json:"total_volume"`
	ProtocolFees decimal.Decimal `json:"protocol_fees"`
}

// PoolBook is the persisted document of the pool engine.
type PoolBook struct {
	Pools []Pool      `json:"pools"` // sorted by pair
	Stats EngineStats `json:"stats"`
}

// --- Orders and positions ---

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes opening orders from explicit closes.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypePerp   OrderType = "perp"
	OrderTypeClose  OrderType = "close"
)

// OrderStatus is the lifecycle state of a routed order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open" // accepted by a venue, resting
	OrderFilled    OrderStatus = "filled"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further fills may be applied.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderFailed || s == OrderCancelled
}

// Fill is one partial execution reported by a venue.
type Fill struct {
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Fee       decimal.Decimal `json:"fee"`
	TxID      string          `json:"tx_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Attempt records one venue try inside a routing cascade.
type Attempt struct {
	Venue   string `json:"venue"`
	Outcome string `json:"outcome"` // "filled", "accepted", "failed", "rate_limited", "timeout"
	Error   string `json:"error,omitempty"`
}

// Order is one routed trade request and its outcome.
type Order struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	Leverage      decimal.Decimal `json:"leverage"`
	Slippage      decimal.Decimal `json:"slippage"`
	Tier          int             `json:"tier"`
	RealExecution bool            `json:"real_execution"`
	RejectPaper   bool            `json:"reject_paper"`
	Strategy      string          `json:"strategy,omitempty"`

	Status        OrderStatus     `json:"status"`
	Exchange      string          `json:"exchange,omitempty"`
	TxID          string          `json:"tx_id,omitempty"`
	Fills         []Fill          `json:"fills"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	Fee           decimal.Decimal `json:"fee"`
	Simulated     bool            `json:"simulated"`
	Attempts      []Attempt       `json:"attempts"`
	Error         string          `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// FilledSize sums the size of all recorded fills.
func (o *Order) FilledSize() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Size)
	}
	return total
}

// Position aggregates fills per (symbol, side).
type Position struct {
	Key        string          `json:"key"` // "{symbol}-{side}"
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"` // volume-weighted
	Exchange   string          `json:"exchange"`    // venue of the last contributing fill
	OpenedAt   time.Time       `json:"opened_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PositionKey builds the aggregation key for a (symbol, side).
func PositionKey(symbol string, side Side) string {
	return symbol + "-" + string(side)
}

// VenueCount is a per-venue order counter.
type VenueCount struct {
	Venue  string `json:"venue"`
	Orders int64  `json:"orders"`
}

// RouterStats are cumulative router counters.
type RouterStats struct {
	TotalOrders  int64           `json:"total_orders"`
	TotalVolume  decimal.Decimal `json:"total_volume"`
	FailedOrders int64           `json:"failed_orders"`
	ByVenue      []VenueCount    `json:"by_venue"` // sorted by venue
}

// Cooldown marks a venue ineligible until a deadline.
type Cooldown struct {
	Venue string    `json:"venue"`
	Until time.Time `json:"until"`
}

// RouterState is the persisted document of the order router.
type RouterState struct {
	Orders          []Order     `json:"orders"`    // sorted by created_at, id
	Positions       []Position  `json:"positions"` // sorted by key
	History         []Order     `json:"history"`   // append order, bounded
	Stats           RouterStats `json:"stats"`
	Cooldowns       []Cooldown  `json:"cooldowns"` // sorted by venue
	OnChainPriority bool        `json:"on_chain_priority"`
}

// --- Structured derivatives ---

// Product is the derivative variant. PROTECTED carries a protection floor,
// YIELD carries a yield rate; STANDARD carries neither.
type Product string

const (
	ProductStandard  Product = "STANDARD"
	ProductProtected Product = "PROTECTED"
	ProductYield     Product = "YIELD"
)

// Valid reports whether p is a known product.
func (p Product) Valid() bool {
	return p == ProductStandard || p == ProductProtected || p == ProductYield
}

// HoldingStatus is the lifecycle state of a derivative holding.
type HoldingStatus string

const (
	HoldingActive   HoldingStatus = "ACTIVE"
	HoldingRedeemed HoldingStatus = "REDEEMED"
)

// Holding is one issued derivative.
// Invariant: CollateralPaid = Notional * (1 + issuance fee rate).
type Holding struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Asset            string          `json:"asset"`
	Product          Product         `json:"product"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Notional         decimal.Decimal `json:"notional"`
	CollateralPaid   decimal.Decimal `json:"collateral_paid"`
	Fee              decimal.Decimal `json:"fee"`
	InsuranceReserve decimal.Decimal `json:"insurance_reserve"`

	ProtectionFloor decimal.NullDecimal `json:"protection_floor"` // PROTECTED only
	YieldRate       decimal.NullDecimal `json:"yield_rate"`       // YIELD only

	Status     HoldingStatus `json:"status"`
	IssuedAt   time.Time     `json:"issued_at"`
	RedeemedAt *time.Time    `json:"redeemed_at,omitempty"`

	ExitPrice      decimal.Decimal `json:"exit_price"`
	InsuranceClaim decimal.Decimal `json:"insurance_claim"`
	YieldPaid      decimal.Decimal `json:"yield_paid"`
	Payout         decimal.Decimal `json:"payout"`
	PnL            decimal.Decimal `json:"pnl"`
}

// InsuranceFund is the shared reserve backing all active holdings.
// Invariant: 0 <= Locked <= Balance.
type InsuranceFund struct {
	Balance decimal.Decimal `json:"balance"`
	Locked  decimal.Decimal `json:"locked"`
}

// Available is the balance not locked by active holdings.
func (f InsuranceFund) Available() decimal.Decimal {
	return f.Balance.Sub(f.Locked)
}

// DepletionEvent records a protection claim the fund could not cover in full.
type DepletionEvent struct {
	HoldingID    string          `json:"holding_id"`
	Requested    decimal.Decimal `json:"requested"`
	Paid         decimal.Decimal `json:"paid"`
	Uncovered    decimal.Decimal `json:"uncovered"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	At           time.Time       `json:"at"`
}

// IssuerStats are cumulative issuer counters.
type IssuerStats struct {
	TotalIssued        int64           `json:"total_issued"`
	TotalRedeemed      int64           `json:"total_redeemed"`
	FeesCollected      decimal.Decimal `json:"fees_collected"`
	InsuranceClaims    int64           `json:"insurance_claims"`
	InsuranceClaimPaid decimal.Decimal `json:"insurance_claim_paid"`
}

// IssuerState is the persisted document of the derivative issuer.
type IssuerState struct {
	Holdings   []Holding        `json:"holdings"` // sorted by id
	Fund       InsuranceFund    `json:"fund"`
	Stats      IssuerStats      `json:"stats"`
	Depletions []DepletionEvent `json:"depletions"`
}
