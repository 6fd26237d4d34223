// Package router implements the smart order router: it chooses execution
// venues for each order through an explicit cascade plan, tracks orders,
// positions and history, and persists its state after every mutation.
package router

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

	"github.com/obelisk/execution-engine/internal/metrics"
	"github.com/obelisk/execution-engine/internal/model"
	"github.com/obelisk/execution-engine/internal/store"
	"github.com/obelisk/execution-engine/internal/venue"
)

var (
	// ErrNotFound is returned for unknown order IDs.
	ErrNotFound = errors.New("router: order not found")

	// ErrInvalidState is returned when an order's status forbids the operation.
	ErrInvalidState = errors.New("router: invalid order state")

	// ErrInvalidOrder is returned for malformed order requests.
	ErrInvalidOrder = errors.New("router: invalid order")

	// ErrNoVenue is returned when the plan for an order is empty.
	ErrNoVenue = errors.New("router: no eligible venue")

	// ErrAllVenuesFailed is returned when every planned venue failed.
	ErrAllVenuesFailed = errors.New("router: all venues failed")
)

// Config holds router policy.
type Config struct {
	Venues            Venues
	FallbackEnabled   bool
	OnChainPriority   bool
	RateLimitCooldown time.Duration
	VenueTimeout      time.Duration
	HistoryLimit      int // bounded history window
	MaxOrders         int // terminal orders beyond this are pruned
}

// DefaultConfig returns the standard router policy.
func DefaultConfig() Config {
	return Config{
		FallbackEnabled:   true,
		RateLimitCooldown: 60 * time.Second,
		VenueTimeout:      10 * time.Second,
		HistoryLimit:      1000,
		MaxOrders:         5000,
	}
}

// Publisher receives router events for fan-out.
type Publisher interface {
	Publish(event string, payload any)
}

// OrderRequest is a trade intent.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          model.Side      `json:"side"`
	Type          model.OrderType `json:"type"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	Leverage      decimal.Decimal `json:"leverage"`
	Slippage      decimal.Decimal `json:"slippage"` // percent
	Tier          Tier            `json:"tier"`
	RealExecution bool            `json:"real_execution"`
	RejectPaper   bool            `json:"reject_paper"`
	Strategy      string          `json:"strategy,omitempty"`
}

// PlaceResult is the discriminated outcome of PlaceOrder.
type PlaceResult struct {
	OrderID       string            `json:"order_id"`
	Success       bool              `json:"success"`
	Status        model.OrderStatus `json:"status"`
	Exchange      string            `json:"exchange,omitempty"`
	TxID          string            `json:"tx_id,omitempty"`
	ExecutedPrice decimal.Decimal   `json:"executed_price"`
	Fee           decimal.Decimal   `json:"fee"`
	Simulated     bool              `json:"simulated"`
	Attempts      []model.Attempt   `json:"attempts"`
	Error         string            `json:"error,omitempty"`
}

// HistoryFilter narrows History results. Zero values match everything.
type HistoryFilter struct {
	Symbol   string
	Exchange string
	Status   model.OrderStatus
	From     time.Time
	To       time.Time
	Limit    int
}

// Stats is the router summary.
type Stats struct {
	model.RouterStats
	OpenOrders      int      `json:"open_orders"`
	Positions       int      `json:"positions"`
	OnChainPriority bool     `json:"on_chain_priority"`
	CoolingDown     []string `json:"cooling_down"`
}

// Router owns orders, positions and history. State changes happen under mu;
// venue calls run outside it so one slow venue does not block other orders.
type Router struct {
	mu      sync.Mutex
	cfg     Config
	venues  map[string]venue.Executor
	store   store.Store
	limiter *PositionLimiter
	pub     Publisher
	now     func() time.Time

	orders    map[string]*model.Order
	sequence  []string // order IDs in creation order
	positions map[string]*model.Position
	history   []model.Order
	stats     model.RouterStats
	byVenue   map[string]int64
	cooldowns map[string]time.Time
	inflight  map[string]context.CancelFunc
	priority  bool
}

// NewRouter creates a router over the given venues. paper may be nil, in
// which case orders with no real venue fail instead of being simulated.
// limiter may be nil to disable position limits.
func NewRouter(cfg Config, venues []venue.Executor, paper venue.Executor, st store.Store, limiter *PositionLimiter, pub Publisher) *Router {
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = 60 * time.Second
	}
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = 10 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = 5000
	}
	r := &Router{
		cfg:       cfg,
		venues:    make(map[string]venue.Executor, len(venues)+1),
		store:     st,
		limiter:   limiter,
		pub:       pub,
		now:       func() time.Time { return time.Now().UTC() },
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
		stats:     model.RouterStats{TotalVolume: decimal.Zero},
		byVenue:   make(map[string]int64),
		cooldowns: make(map[string]time.Time),
		inflight:  make(map[string]context.CancelFunc),
		priority:  cfg.OnChainPriority,
	}
	for _, v := range venues {
		r.venues[v.Name()] = v
	}
	if paper != nil {
		r.venues[venue.PaperName] = paper
	}
	return r
}

// Load restores persisted router state. Orders left pending by a previous
// process are failed: their cascade can no longer complete.
func (r *Router) Load(ctx context.Context) (bool, error) {
	var st model.RouterState
	found, err := r.store.Load(ctx, store.DocRouter, &st)
	if err != nil || !found {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.orders = make(map[string]*model.Order, len(st.Orders))
	r.sequence = r.sequence[:0]
	interrupted := 0
	for i := range st.Orders {
		o := st.Orders[i]
		if o.Status == model.OrderPending {
			o.Status = model.OrderFailed
			o.Error = "interrupted by restart"
			interrupted++
		}
		r.orders[o.ID] = &o
		r.sequence = append(r.sequence, o.ID)
	}
	r.positions = make(map[string]*model.Position, len(st.Positions))
	for i := range st.Positions {
		p := st.Positions[i]
		r.positions[p.Key] = &p
	}
	r.history = st.History
	r.stats = st.Stats
	r.byVenue = make(map[string]int64, len(st.Stats.ByVenue))
	for _, vc := range st.Stats.ByVenue {
		r.byVenue[vc.Venue] = vc.Orders
	}
	r.cooldowns = make(map[string]time.Time)
	for _, c := range st.Cooldowns {
		if c.Until.After(now) {
			r.cooldowns[c.Venue] = c.Until
		}
	}
	r.priority = st.OnChainPriority

	if interrupted > 0 {
		slog.Warn("failed orders interrupted by restart", "count", interrupted)
		r.persist(ctx, "restore", map[string]int{"interrupted": interrupted})
	}
	return true, nil
}

// PlaceOrder routes one order through its venue cascade. Malformed requests
// and position-limit breaches return an error without creating an order;
// routing failures return a PlaceResult with Success false.
func (r *Router) PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceResult, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if err := r.checkLimits(req); err != nil {
		r.mu.Unlock()
		metrics.PositionLimitRejections.Inc()
		return nil, err
	}

	now := r.now()
	order := &model.Order{
		ID:            newOrderID(now),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Size:          req.Size,
		Price:         req.Price,
		Leverage:      req.Leverage,
		Slippage:      req.Slippage,
		Tier:          int(req.Tier),
		RealExecution: int(req.Tier) >= 1 || req.RealExecution,
		RejectPaper:   req.RejectPaper,
		Strategy:      req.Strategy,
		Status:        model.OrderPending,
		Fills:         []model.Fill{},
		ExecutedPrice: decimal.Zero,
		Fee:           decimal.Zero,
		CreatedAt:     now,
	}
	r.orders[order.ID] = order
	r.sequence = append(r.sequence, order.ID)
	r.stats.TotalOrders++

	plan := BuildPlan(r.cfg.Venues, r.cfg.FallbackEnabled, r.priority, *order, r.configured, r.coolingLocked)
	cascadeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.inflight[order.ID] = cancel
	snapshot := *order
	r.persist(ctx, "order_created", snapshot)
	r.mu.Unlock()

	if order.RealExecution {
		slog.Info("real execution order", "order_id", snapshot.ID, "symbol", snapshot.Symbol,
			"side", snapshot.Side, "tier", snapshot.Tier, "strategy", snapshot.Strategy)
	}
	if len(plan.Skipped) > 0 {
		slog.Info("venues skipped during cooldown", "order_id", snapshot.ID, "venues", strings.Join(plan.Skipped, ","))
	}

	try := func(ctx context.Context, name string) (*venue.Result, error) {
		return r.attempt(ctx, name, snapshot, plan.AllowSimulated)
	}
	res, exchange, trail := tryNext(cascadeCtx, plan.Steps, try, nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, order.ID)

	if order.Status != model.OrderPending {
		// Cancelled while the cascade was running.
		if res != nil {
			r.rejectLateLocked(order, exchange, "order no longer pending")
		}
		return resultOf(order), nil
	}

	order.Attempts = trail
	if res == nil {
		err := trailError(trail, plan.Skipped)
		if cascadeCtx.Err() != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrAllVenuesFailed, ctx.Err())
		}
		r.failLocked(order, err)
		r.persist(ctx, "order_failed", order)
		slog.Warn("order failed", "order_id", order.ID, "symbol", order.Symbol, "err", order.Error)
		r.publish("order_failed", cloneOrder(order))
		return resultOf(order), nil
	}

	r.applyResultLocked(order, exchange, res)
	kind := "order_filled"
	if order.Status == model.OrderOpen {
		kind = "order_open"
	}
	r.persist(ctx, kind, order)
	slog.Info("order routed",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"size", order.Size.String(),
		"exchange", exchange,
		"status", order.Status,
		"price", order.ExecutedPrice.String(),
		"simulated", order.Simulated,
	)
	r.publish(kind, cloneOrder(order))
	return resultOf(order), nil
}

// CancelOrder cancels a pending or open order. Open orders are cancelled on
// their venue first; a venue refusal leaves the order open.
func (r *Router) CancelOrder(ctx context.Context, id string) error {
	r.mu.Lock()
	order, ok := r.orders[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if order.Status != model.OrderPending && order.Status != model.OrderOpen {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel order with status %s", ErrInvalidState, order.Status)
	}

	if order.Status == model.OrderOpen {
		if c, ok := r.venues[order.Exchange].(venue.Canceler); ok {
			snapshot := *order
			r.mu.Unlock()

			cctx, cancel := context.WithTimeout(ctx, r.cfg.VenueTimeout)
			err := c.Cancel(cctx, snapshot)
			cancel()

			r.mu.Lock()
			if err != nil {
				r.mu.Unlock()
				return fmt.Errorf("cancel on %s: %w", snapshot.Exchange, err)
			}
			if order.Status != model.OrderOpen {
				r.mu.Unlock()
				return fmt.Errorf("%w: order became %s during cancel", ErrInvalidState, order.Status)
			}
		} else {
			metrics.CancelsLocalOnly.WithLabelValues(order.Exchange).Inc()
			slog.Warn("venue cannot cancel, order cancelled locally only",
				"order_id", id, "venue", order.Exchange, "tx_id", order.TxID)
		}
	} else if stop, ok := r.inflight[id]; ok {
		stop()
	}
	defer r.mu.Unlock()

	now := r.now()
	order.Status = model.OrderCancelled
	order.CancelledAt = &now
	r.appendHistoryLocked(order)
	r.persist(ctx, "order_cancelled", order)
	metrics.OrdersTotal.WithLabelValues(order.Exchange, string(order.Status)).Inc()
	slog.Info("order cancelled", "order_id", id, "exchange", order.Exchange)
	r.publish("order_cancelled", cloneOrder(order))
	return nil
}

// ReportFill applies a fill that a venue delivered after accepting an order.
// Fills are only accepted for open orders owned by that venue; anything else
// is a late fill and is rejected.
func (r *Router) ReportFill(ctx context.Context, id, venueName string, fill model.Fill) (*model.Order, error) {
	if !fill.Size.IsPositive() || !fill.Price.IsPositive() {
		return nil, fmt.Errorf("%w: fill needs positive size and price", ErrInvalidOrder)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if order.Status != model.OrderOpen || order.Exchange != venueName {
		reason := fmt.Sprintf("status %s on %q", order.Status, order.Exchange)
		r.rejectLateLocked(order, venueName, reason)
		return nil, fmt.Errorf("%w: late fill rejected (%s)", ErrInvalidState, reason)
	}

	if fill.Timestamp.IsZero() {
		fill.Timestamp = r.now()
	}
	r.addFillsLocked(order, order.Exchange, []model.Fill{fill})
	if order.FilledSize().GreaterThanOrEqual(order.Size) {
		order.Status = model.OrderFilled
		r.appendHistoryLocked(order)
		metrics.OrdersTotal.WithLabelValues(order.Exchange, string(order.Status)).Inc()
	}
	r.persist(ctx, "fill_reported", order)
	slog.Info("fill reported", "order_id", id, "venue", venueName, "size", fill.Size.String(), "status", order.Status)
	c := cloneOrder(order)
	r.publish("fill_reported", c)
	return &c, nil
}

// Order returns a copy of one order.
func (r *Router) Order(id string) (model.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return cloneOrder(o), true
}

// Positions returns all positions sorted by key.
func (r *Router) Positions() []model.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedPositionsLocked()
}

// History returns terminal order records matching f, oldest first.
func (r *Router) History(f HistoryFilter) []model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Order, 0, len(r.history))
	for _, h := range r.history {
		if f.Symbol != "" && !strings.EqualFold(h.Symbol, f.Symbol) {
			continue
		}
		if f.Exchange != "" && h.Exchange != f.Exchange {
			continue
		}
		if f.Status != "" && h.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && h.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && h.CreatedAt.After(f.To) {
			continue
		}
		out = append(out, cloneOrder(&h))
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Stats returns the router summary.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		RouterStats:     r.snapshotStatsLocked(),
		Positions:       len(r.positions),
		OnChainPriority: r.priority,
		CoolingDown:     []string{},
	}
	for _, o := range r.orders {
		if o.Status == model.OrderOpen || o.Status == model.OrderPending {
			s.OpenOrders++
		}
	}
	for _, c := range r.activeCooldownsLocked() {
		s.CoolingDown = append(s.CoolingDown, c.Venue)
	}
	return s
}

// SetOnChainPriority toggles on-chain-first routing for normal orders.
func (r *Router) SetOnChainPriority(ctx context.Context, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priority = enabled
	r.persist(ctx, "priority_changed", map[string]bool{"on_chain_priority": enabled})
	slog.Info("on-chain priority changed", "enabled", enabled)
}

// MarkRateLimited starts a cooldown for a venue, as if it had answered with
// a rate-limit error.
func (r *Router) MarkRateLimited(ctx context.Context, venueName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startCooldownLocked(venueName)
	r.persist(ctx, "cooldown_started", map[string]string{"venue": venueName})
}

// --- cascade internals ---

type outcome struct {
	res *venue.Result
	err error
}

// attempt runs one venue call bounded by the venue timeout. A call that
// overruns is abandoned; if it later succeeds its result is rejected as a
// late fill.
func (r *Router) attempt(ctx context.Context, name string, order model.Order, allowSimulated bool) (*venue.Result, error) {
	ex, ok := r.venues[name]
	if !ok {
		return nil, venue.NewError(name, venue.CodeUnavailable, "venue not configured")
	}

	actx, cancel := context.WithTimeout(ctx, r.cfg.VenueTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		res, err := ex.Execute(actx, order)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-actx.Done():
		go r.awaitLate(order.ID, name, done)
		code, msg := venue.CodeTimeout, "no response within "+r.cfg.VenueTimeout.String()
		if ctx.Err() != nil {
			code, msg = venue.CodeRejected, "cascade cancelled"
		}
		out.err = &venue.Error{Venue: name, Code: code, Message: msg, Err: actx.Err()}
	}
	metrics.VenueLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

	switch {
	case out.err != nil:
	case out.res == nil:
		out.err = venue.NewError(name, venue.CodeUnavailable, "empty result")
	case out.res.Simulated && !allowSimulated:
		out.err = &venue.Error{Venue: name, Code: venue.CodeRejected, Err: errSimulated}
	}

	if out.err != nil {
		metrics.VenueAttempts.WithLabelValues(name, outcomeOf(out.err)).Inc()
		if venue.IsRateLimited(out.err) {
			r.mu.Lock()
			r.startCooldownLocked(name)
			r.mu.Unlock()
		}
		slog.Warn("venue attempt failed", "order_id", order.ID, "venue", name, "err", out.err)
		return nil, out.err
	}
	metrics.VenueAttempts.WithLabelValues(name, string(out.res.Status)).Inc()
	return out.res, nil
}

// awaitLate drains an abandoned venue call and rejects any success.
func (r *Router) awaitLate(orderID, venueName string, done <-chan outcome) {
	out := <-done
	if out.err != nil || out.res == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if order, ok := r.orders[orderID]; ok {
		r.rejectLateLocked(order, venueName, "venue answered after timeout")
	}
}

func (r *Router) rejectLateLocked(order *model.Order, venueName, reason string) {
	metrics.LateFillsRejected.Inc()
	slog.Warn("late fill rejected",
		"order_id", order.ID,
		"venue", venueName,
		"status", order.Status,
		"reason", reason,
	)
}

func (r *Router) applyResultLocked(order *model.Order, exchange string, res *venue.Result) {
	now := r.now()
	order.Exchange = exchange
	order.TxID = res.TxID
	order.Simulated = res.Simulated
	order.ExecutedAt = &now

	fills := res.Fills
	if res.Status == venue.StatusFilled && !hasFill(fills) {
		price := res.AvgPrice
		if !price.IsPositive() {
			price = order.Price
		}
		fills = []model.Fill{{Price: price, Size: order.Size, Fee: res.Fee, TxID: res.TxID, Timestamp: now}}
	}
	r.addFillsLocked(order, exchange, fills)
	if order.ExecutedPrice.IsZero() {
		order.ExecutedPrice = res.AvgPrice
	}
	if order.Fee.IsZero() {
		order.Fee = res.Fee
	}

	switch {
	case res.Status == venue.StatusAccepted && order.FilledSize().LessThan(order.Size):
		order.Status = model.OrderOpen
	default:
		order.Status = model.OrderFilled
		r.appendHistoryLocked(order)
	}

	price := order.ExecutedPrice
	if price.IsZero() {
		price = order.Price
	}
	r.stats.TotalVolume = r.stats.TotalVolume.Add(order.Size.Mul(price))
	r.byVenue[exchange]++
	metrics.OrdersTotal.WithLabelValues(exchange, string(order.Status)).Inc()
	r.pruneLocked()
}

func hasFill(fills []model.Fill) bool {
	for _, f := range fills {
		if f.Size.IsPositive() {
			return true
		}
	}
	return false
}

func (r *Router) failLocked(order *model.Order, err error) {
	order.Status = model.OrderFailed
	order.Error = err.Error()
	r.stats.FailedOrders++
	r.appendHistoryLocked(order)
	metrics.OrdersTotal.WithLabelValues("none", string(order.Status)).Inc()
	r.pruneLocked()
}

// addFillsLocked records fills, recomputes the order's VWAP and fee, and
// folds each fill into positions.
func (r *Router) addFillsLocked(order *model.Order, exchange string, fills []model.Fill) {
	for _, f := range fills {
		if !f.Size.IsPositive() {
			continue
		}
		order.Fills = append(order.Fills, f)
		r.applyPositionLocked(order, exchange, f)
	}
	notional, size, fee := decimal.Zero, decimal.Zero, decimal.Zero
	for _, f := range order.Fills {
		notional = notional.Add(f.Price.Mul(f.Size))
		size = size.Add(f.Size)
		fee = fee.Add(f.Fee)
	}
	if size.IsPositive() {
		order.ExecutedPrice = notional.DivRound(size, 18)
		order.Fee = fee
	}
}

// applyPositionLocked updates the (symbol, side) position by volume-weighted
// averaging. Closing orders reduce the opposite-side position instead.
func (r *Router) applyPositionLocked(order *model.Order, exchange string, f model.Fill) {
	now := r.now()
	if order.Type == model.OrderTypeClose {
		key := model.PositionKey(order.Symbol, order.Side.Opposite())
		pos, ok := r.positions[key]
		if !ok {
			return
		}
		pos.Size = pos.Size.Sub(f.Size)
		pos.UpdatedAt = now
		if !pos.Size.IsPositive() {
			delete(r.positions, key)
		}
		return
	}

	key := model.PositionKey(order.Symbol, order.Side)
	pos, ok := r.positions[key]
	if !ok {
		r.positions[key] = &model.Position{
			Key:        key,
			Symbol:     order.Symbol,
			Side:       order.Side,
			Size:       f.Size,
			EntryPrice: f.Price,
			Exchange:   exchange,
			OpenedAt:   now,
			UpdatedAt:  now,
		}
		return
	}
	total := pos.Size.Add(f.Size)
	pos.EntryPrice = pos.Size.Mul(pos.EntryPrice).Add(f.Size.Mul(f.Price)).DivRound(total, 18)
	pos.Size = total
	pos.Exchange = exchange
	pos.UpdatedAt = now
}

func (r *Router) appendHistoryLocked(order *model.Order) {
	r.history = append(r.history, cloneOrder(order))
	if len(r.history) > r.cfg.HistoryLimit {
		r.history = append([]model.Order(nil), r.history[len(r.history)-r.cfg.HistoryLimit:]...)
	}
}

// pruneLocked drops the oldest terminal orders once the table is too large.
func (r *Router) pruneLocked() {
	excess := len(r.orders) - r.cfg.MaxOrders
	if excess <= 0 {
		return
	}
	kept := r.sequence[:0]
	for _, id := range r.sequence {
		o, ok := r.orders[id]
		if !ok {
			continue
		}
		if excess > 0 && o.Status.Terminal() {
			delete(r.orders, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.sequence = kept
}

func (r *Router) checkLimits(req OrderRequest) error {
	if r.limiter == nil || req.Type == model.OrderTypeClose {
		return nil
	}
	exposures := make(map[string]decimal.Decimal)
	for _, p := range r.positions {
		exposures[p.Symbol] = exposures[p.Symbol].Add(signed(p.Side, p.Size))
	}
	// Unfilled size of live orders is reserved so concurrent admissions
	// cannot each pass against the same pre-fill exposure.
	for _, o := range r.orders {
		if o.Type == model.OrderTypeClose || (o.Status != model.OrderPending && o.Status != model.OrderOpen) {
			continue
		}
		if rest := o.Size.Sub(o.FilledSize()); rest.IsPositive() {
			exposures[o.Symbol] = exposures[o.Symbol].Add(signed(o.Side, rest))
		}
	}
	return r.limiter.CheckLimit(req.Symbol, signed(req.Side, req.Size), exposures)
}

func signed(side model.Side, size decimal.Decimal) decimal.Decimal {
	if side == model.SideSell {
		return size.Neg()
	}
	return size
}

func (r *Router) configured(name string) bool {
	_, ok := r.venues[name]
	return ok && name != venue.PaperName
}

func (r *Router) coolingLocked(name string) bool {
	until, ok := r.cooldowns[name]
	if !ok {
		return false
	}
	if !r.now().Before(until) {
		delete(r.cooldowns, name)
		return false
	}
	return true
}

func (r *Router) startCooldownLocked(name string) {
	until := r.now().Add(r.cfg.RateLimitCooldown)
	r.cooldowns[name] = until
	metrics.VenueRateLimited.WithLabelValues(name).Inc()
	slog.Warn("venue rate limited, cooling down", "venue", name, "until", until)
}

func (r *Router) activeCooldownsLocked() []model.Cooldown {
	now := r.now()
	out := make([]model.Cooldown, 0, len(r.cooldowns))
	for v, until := range r.cooldowns {
		if now.Before(until) {
			out = append(out, model.Cooldown{Venue: v, Until: until})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

func (r *Router) snapshotStatsLocked() model.RouterStats {
	s := r.stats
	s.ByVenue = make([]model.VenueCount, 0, len(r.byVenue))
	for v, n := range r.byVenue {
		s.ByVenue = append(s.ByVenue, model.VenueCount{Venue: v, Orders: n})
	}
	sort.Slice(s.ByVenue, func(i, j int) bool { return s.ByVenue[i].Venue < s.ByVenue[j].Venue })
	return s
}

func (r *Router) sortedPositionsLocked() []model.Position {
	out := make([]model.Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// persist writes the full router document. Venue outcomes are facts that
// already happened, so in-memory state is kept even when the write fails.
func (r *Router) persist(ctx context.Context, kind string, payload any) {
	st := model.RouterState{
		Orders:          make([]model.Order, 0, len(r.orders)),
		Positions:       r.sortedPositionsLocked(),
		History:         r.history,
		Stats:           r.snapshotStatsLocked(),
		Cooldowns:       r.activeCooldownsLocked(),
		OnChainPriority: r.priority,
	}
	for _, o := range r.orders {
		st.Orders = append(st.Orders, *o)
	}
	sort.Slice(st.Orders, func(i, j int) bool {
		a, b := st.Orders[i], st.Orders[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	entry, err := store.NewEntry(store.DocRouter, kind, payload)
	if err == nil {
		err = r.store.Commit(context.WithoutCancel(ctx), store.DocRouter, st, entry)
	}
	if err != nil {
		metrics.PersistFailures.WithLabelValues(string(store.DocRouter)).Inc()
		slog.Error("router persist failed", "kind", kind, "err", err)
	}
}

func (r *Router) publish(event string, payload any) {
	if r.pub != nil {
		r.pub.Publish(event, payload)
	}
}

func validate(req *OrderRequest) error {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	req.Side = model.Side(strings.ToLower(string(req.Side)))
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	}
	if !req.Size.IsPositive() {
		return fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	}
	if req.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidOrder)
	}
	switch req.Type {
	case "":
		req.Type = model.OrderTypeMarket
	case model.OrderTypeMarket, model.OrderTypeLimit, model.OrderTypePerp, model.OrderTypeClose:
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, req.Type)
	}
	return nil
}

func newOrderID(now time.Time) string {
	return fmt.Sprintf("OBE-%d-%s", now.UnixMilli(), strings.ToUpper(uuid.New().String()[:8]))
}

func resultOf(o *model.Order) *PlaceResult {
	return &PlaceResult{
		OrderID:       o.ID,
		Success:       o.Status == model.OrderFilled || o.Status == model.OrderOpen,
		Status:        o.Status,
		Exchange:      o.Exchange,
		TxID:          o.TxID,
		ExecutedPrice: o.ExecutedPrice,
		Fee:           o.Fee,
		Simulated:     o.Simulated,
		Attempts:      append([]model.Attempt(nil), o.Attempts...),
		Error:         o.Error,
	}
}

func cloneOrder(o *model.Order) model.Order {
	c := *o
	c.Fills = append([]model.Fill(nil), o.Fills...)
	c.Attempts = append([]model.Attempt(nil), o.Attempts...)
	return c
}
