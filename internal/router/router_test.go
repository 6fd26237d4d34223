package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/model"
	"github.com/obelisk/execution-engine/internal/store"
	"github.com/obelisk/execution-engine/internal/venue"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeVenue is a scripted venue executor.
type fakeVenue struct {
	name      string
	fn        func(ctx context.Context, o model.Order) (*venue.Result, error)
	calls     atomic.Int32
	cancelled atomic.Int32
	cancelErr error
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) Execute(ctx context.Context, o model.Order) (*venue.Result, error) {
	f.calls.Add(1)
	return f.fn(ctx, o)
}

func (f *fakeVenue) Cancel(ctx context.Context, o model.Order) error {
	f.cancelled.Add(1)
	return f.cancelErr
}

func filling(name string, price float64) *fakeVenue {
	return &fakeVenue{name: name, fn: func(_ context.Context, o model.Order) (*venue.Result, error) {
		return filled(name, price, o.Size), nil
	}}
}

func failing(name string, code venue.Code) *fakeVenue {
	return &fakeVenue{name: name, fn: func(context.Context, model.Order) (*venue.Result, error) {
		return nil, venue.NewError(name, code, "scripted failure")
	}}
}

func filled(name string, price float64, size decimal.Decimal) *venue.Result {
	return &venue.Result{
		Venue:    name,
		Status:   venue.StatusFilled,
		TxID:     name + "-tx",
		AvgPrice: d(price),
		Fee:      d(0.1),
		Fills:    []model.Fill{{Price: d(price), Size: size, Fee: d(0.1)}},
	}
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(dur)
}

var roles = Venues{Primary: "book", OnChain: "dex", Secondary: "perps"}

func newTestRouter(t *testing.T, cfg Config, venues ...venue.Executor) (*Router, *store.MemoryStore, *clock) {
	t.Helper()
	st := store.NewMemoryStore()
	paper := filling(venue.PaperName, 100)
	paper.fn = func(_ context.Context, o model.Order) (*venue.Result, error) {
		r := filled(venue.PaperName, 100, o.Size)
		r.Simulated = true
		return r, nil
	}
	r := NewRouter(cfg, venues, paper, st, nil, nil)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r.now = c.now
	return r, st, c
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Venues = roles
	cfg.VenueTimeout = time.Second
	return cfg
}

func buy(symbol string, size float64) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: model.SideBuy, Size: d(size), Price: d(100)}
}

// --- Plan ---

func TestBuildPlan(t *testing.T) {
	all := func(string) bool { return true }
	none := func(string) bool { return false }
	only := func(names ...string) func(string) bool {
		return func(n string) bool {
			for _, x := range names {
				if x == n {
					return true
				}
			}
			return false
		}
	}
	normal := model.Order{Tier: 0}
	realOrder := model.Order{Tier: 1}

	tests := []struct {
		name       string
		fallback   bool
		priority   bool
		order      model.Order
		configured func(string) bool
		cooling    func(string) bool
		want       []string
		simulated  bool
	}{
		{"normal", true, false, normal, all, none, []string{"book", "perps", "dex"}, true},
		{"on-chain priority", true, true, normal, all, none, []string{"dex", "book", "perps"}, true},
		{"no fallback", false, false, normal, all, none, []string{"book"}, true},
		{"primary cooling", true, false, normal, all, only("book"), []string{"perps", "dex"}, true},
		{"primary cooling no fallback", false, false, normal, all, only("book"), nil, true},
		{"real execution", true, false, realOrder, all, none, []string{"dex", "perps"}, false},
		{"real execution ignores fallback", false, false, realOrder, all, none, []string{"dex", "perps"}, false},
		{"real execution no venues", true, false, realOrder, none, none, nil, false},
		{"no real venue uses paper", true, false, normal, none, none, []string{venue.PaperName}, true},
		{"reject paper", true, false, model.Order{RejectPaper: true}, none, none, nil, false},
		{"all cooling never paper", true, false, normal, all, all, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := BuildPlan(roles, tt.fallback, tt.priority, tt.order, tt.configured, tt.cooling)
			if strings.Join(p.Steps, ",") != strings.Join(tt.want, ",") {
				t.Errorf("steps = %v, want %v", p.Steps, tt.want)
			}
			if p.AllowSimulated != tt.simulated {
				t.Errorf("allow simulated = %v, want %v", p.AllowSimulated, tt.simulated)
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"2", 2, false},
		{"TIER1", 1, false},
		{"tier3", 3, false},
		{"TIERX", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseTier(%q) = %d, %v", tt.in, got, err)
		}
	}

	var req OrderRequest
	if err := json.Unmarshal([]byte(`{"symbol":"ETH","tier":"TIER2"}`), &req); err != nil || req.Tier != 2 {
		t.Errorf("string tier: %v %d", err, req.Tier)
	}
	if err := json.Unmarshal([]byte(`{"symbol":"ETH","tier":1}`), &req); err != nil || req.Tier != 1 {
		t.Errorf("numeric tier: %v %d", err, req.Tier)
	}
}

// --- Cascade ---

func TestPlaceOrder_CascadeStopsAtFirstSuccess(t *testing.T) {
	book := failing("book", venue.CodeUnavailable)
	perps := failing("perps", venue.CodeRejected)
	dex := filling("dex", 101)
	r, _, _ := newTestRouter(t, testConfig(), book, perps, dex)

	res, err := r.PlaceOrder(context.Background(), buy("ETH/USDC", 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Exchange != "dex" || res.Status != model.OrderFilled {
		t.Fatalf("expected fill on dex, got %+v", res)
	}
	var tried []string
	for _, a := range res.Attempts {
		tried = append(tried, a.Venue)
	}
	if strings.Join(tried, ",") != "book,perps,dex" {
		t.Errorf("attempts = %v", tried)
	}
	for _, v := range []*fakeVenue{book, perps, dex} {
		if v.calls.Load() != 1 {
			t.Errorf("%s called %d times, want 1", v.name, v.calls.Load())
		}
	}
	if !res.ExecutedPrice.Equal(d(101)) {
		t.Errorf("executed price = %s", res.ExecutedPrice)
	}
}

func TestPlaceOrder_AllVenuesFail(t *testing.T) {
	book := failing("book", venue.CodeUnavailable)
	perps := failing("perps", venue.CodeUnavailable)
	dex := failing("dex", venue.CodeRejected)
	r, _, _ := newTestRouter(t, testConfig(), book, perps, dex)

	res, err := r.PlaceOrder(context.Background(), buy("ETH/USDC", 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Status != model.OrderFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(res.Attempts))
	}
	for _, name := range []string{"book", "perps", "dex"} {
		if !strings.Contains(res.Error, name+":") {
			t.Errorf("error trail missing %s: %s", name, res.Error)
		}
	}
	if strings.Contains(res.Error, venue.PaperName) {
		t.Errorf("paper must not be tried when real venues exist: %s", res.Error)
	}
	if r.Stats().FailedOrders != 1 {
		t.Errorf("failed orders = %d", r.Stats().FailedOrders)
	}
	if len(r.Positions()) != 0 {
		t.Error("failed order must not create a position")
	}
}

func TestPlaceOrder_RealExecutionWithoutVenuesNeverSimulates(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	req := buy("ETH/USDC", 1)
	req.Tier = 1
	res, err := r.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Simulated {
		t.Fatalf("expected typed failure, got %+v", res)
	}
	if !strings.Contains(res.Error, ErrNoVenue.Error()) {
		t.Errorf("error = %q, want %q", res.Error, ErrNoVenue)
	}
	if paper := r.venues[venue.PaperName].(*fakeVenue); paper.calls.Load() != 0 {
		t.Error("paper venue must not be called for real execution")
	}
}

func TestPlaceOrder_RealExecutionRejectsSimulatedResult(t *testing.T) {
	dex := &fakeVenue{name: "dex", fn: func(_ context.Context, o model.Order) (*venue.Result, error) {
		res := filled("dex", 100, o.Size)
		res.Simulated = true
		return res, nil
	}}
	perps := filling("perps", 102)
	r, _, _ := newTestRouter(t, testConfig(), dex, perps)

	req := buy("SOL-PERP", 3)
	req.RealExecution = true
	res, _ := r.PlaceOrder(context.Background(), req)
	if !res.Success || res.Exchange != "perps" || res.Simulated {
		t.Fatalf("expected real fill on perps, got %+v", res)
	}
	if res.Attempts[0].Outcome != "rejected" {
		t.Errorf("simulated attempt outcome = %s", res.Attempts[0].Outcome)
	}
}

func TestPlaceOrder_PaperWhenNoRealVenue(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	res, err := r.PlaceOrder(context.Background(), buy("ETH/USDC", 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || !res.Simulated || res.Exchange != venue.PaperName {
		t.Errorf("expected paper fill, got %+v", res)
	}

	req := buy("ETH/USDC", 1)
	req.RejectPaper = true
	res, _ = r.PlaceOrder(context.Background(), req)
	if res.Success {
		t.Errorf("reject_paper order must not fill on paper: %+v", res)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())
	ctx := context.Background()

	bad := []OrderRequest{
		{Side: model.SideBuy, Size: d(1)},
		{Symbol: "ETH", Side: "hold", Size: d(1)},
		{Symbol: "ETH", Side: model.SideBuy, Size: d(0)},
		{Symbol: "ETH", Side: model.SideBuy, Size: d(1), Type: "stop"},
	}
	for i, req := range bad {
		if _, err := r.PlaceOrder(ctx, req); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("case %d: expected ErrInvalidOrder, got %v", i, err)
		}
	}
	if r.Stats().TotalOrders != 0 {
		t.Error("invalid requests must not create orders")
	}
}

// --- Rate limits and timeouts ---

func TestPlaceOrder_RateLimitCooldown(t *testing.T) {
	book := failing("book", venue.CodeRateLimited)
	perps := filling("perps", 100)
	r, st, clk := newTestRouter(t, testConfig(), book, perps)
	ctx := context.Background()

	if res, _ := r.PlaceOrder(ctx, buy("ETH", 1)); res.Exchange != "perps" {
		t.Fatalf("expected fallback to perps, got %+v", res)
	}
	if got := r.Stats().CoolingDown; len(got) != 1 || got[0] != "book" {
		t.Fatalf("cooling = %v", got)
	}

	// Cooldown is persisted.
	var state model.RouterState
	if _, err := st.Load(ctx, store.DocRouter, &state); err != nil || len(state.Cooldowns) != 1 {
		t.Fatalf("persisted cooldowns = %+v err=%v", state.Cooldowns, err)
	}

	r.PlaceOrder(ctx, buy("ETH", 1))
	if book.calls.Load() != 1 {
		t.Errorf("book retried during cooldown: %d calls", book.calls.Load())
	}

	clk.advance(61 * time.Second)
	r.PlaceOrder(ctx, buy("ETH", 1))
	if book.calls.Load() != 2 {
		t.Errorf("book not retried after cooldown: %d calls", book.calls.Load())
	}
}

func TestPlaceOrder_MessageRateLimitFallback(t *testing.T) {
	book := &fakeVenue{name: "book", fn: func(context.Context, model.Order) (*venue.Result, error) {
		return nil, errors.New("HTTP 429 Too Many Requests")
	}}
	r, _, _ := newTestRouter(t, testConfig(), book, filling("perps", 100))

	r.PlaceOrder(context.Background(), buy("ETH", 1))
	if len(r.Stats().CoolingDown) != 1 {
		t.Error("unstructured 429 should start a cooldown")
	}
}

func TestPlaceOrder_TimeoutAdvancesAndLateFillIsRejected(t *testing.T) {
	release := make(chan struct{})
	returned := make(chan struct{})
	slow := &fakeVenue{name: "book", fn: func(_ context.Context, o model.Order) (*venue.Result, error) {
		defer close(returned)
		<-release // ignores cancellation, like a stuck venue
		return filled("book", 99, o.Size), nil
	}}
	perps := filling("perps", 100)

	cfg := testConfig()
	cfg.VenueTimeout = 20 * time.Millisecond
	r, _, _ := newTestRouter(t, cfg, slow, perps)

	res, _ := r.PlaceOrder(context.Background(), buy("ETH", 2))
	if !res.Success || res.Exchange != "perps" {
		t.Fatalf("expected perps fill after timeout, got %+v", res)
	}
	if res.Attempts[0].Outcome != "timeout" {
		t.Errorf("first attempt outcome = %s", res.Attempts[0].Outcome)
	}

	close(release)
	<-returned
	time.Sleep(20 * time.Millisecond) // let the late handler run

	o, _ := r.Order(res.OrderID)
	if o.Exchange != "perps" || len(o.Fills) != 1 {
		t.Errorf("late fill altered order: %+v", o)
	}
	pos := r.Positions()
	if len(pos) != 1 || !pos[0].Size.Equal(d(2)) {
		t.Errorf("late fill altered positions: %+v", pos)
	}
}

// --- Cancellation and late fills ---

func accepting(name string) *fakeVenue {
	return &fakeVenue{name: name, fn: func(context.Context, model.Order) (*venue.Result, error) {
		return &venue.Result{Venue: name, Status: venue.StatusAccepted, TxID: "REST-1"}, nil
	}}
}

func TestCancelOrder(t *testing.T) {
	book := accepting("book")
	r, _, _ := newTestRouter(t, testConfig(), book)
	ctx := context.Background()

	res, _ := r.PlaceOrder(ctx, buy("ETH", 1))
	if res.Status != model.OrderOpen || !res.Success {
		t.Fatalf("expected open order, got %+v", res)
	}

	if err := r.CancelOrder(ctx, res.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if book.cancelled.Load() != 1 {
		t.Error("cancel not delegated to venue")
	}
	o, _ := r.Order(res.OrderID)
	if o.Status != model.OrderCancelled || o.CancelledAt == nil {
		t.Errorf("order = %+v", o)
	}

	if err := r.CancelOrder(ctx, res.OrderID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second cancel: expected ErrInvalidState, got %v", err)
	}
	if err := r.CancelOrder(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// A venue fill arriving after cancellation is a late fill.
	_, err := r.ReportFill(ctx, res.OrderID, "book", model.Fill{Price: d(100), Size: d(1)})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected late fill rejection, got %v", err)
	}
	if len(r.Positions()) != 0 {
		t.Error("late fill created a position")
	}
}

// noCancelVenue accepts orders but has no cancel endpoint.
type noCancelVenue struct{ name string }

func (v noCancelVenue) Name() string { return v.name }

func (v noCancelVenue) Execute(context.Context, model.Order) (*venue.Result, error) {
	return &venue.Result{Venue: v.name, Status: venue.StatusAccepted, TxID: "REST-2"}, nil
}

func TestCancelOrder_VenueWithoutCancelIsLocal(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig(), noCancelVenue{name: "book"})
	ctx := context.Background()

	res, _ := r.PlaceOrder(ctx, buy("ETH", 1))
	if res.Status != model.OrderOpen {
		t.Fatalf("expected open order, got %+v", res)
	}
	if err := r.CancelOrder(ctx, res.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o, _ := r.Order(res.OrderID); o.Status != model.OrderCancelled {
		t.Errorf("status = %s", o.Status)
	}
}

func TestPlaceOrder_FilledWithoutFillsRecordsPosition(t *testing.T) {
	bare := &fakeVenue{name: "book", fn: func(context.Context, model.Order) (*venue.Result, error) {
		return &venue.Result{Venue: "book", Status: venue.StatusFilled, TxID: "B-1", AvgPrice: d(101), Fee: d(0.2)}, nil
	}}
	r, _, _ := newTestRouter(t, testConfig(), bare)

	res, err := r.PlaceOrder(context.Background(), buy("ETH/USDC", 2))
	if err != nil || !res.Success || res.Status != model.OrderFilled {
		t.Fatalf("place: %+v %v", res, err)
	}
	if !res.ExecutedPrice.Equal(d(101)) || !res.Fee.Equal(d(0.2)) {
		t.Errorf("price %s fee %s", res.ExecutedPrice, res.Fee)
	}
	o, _ := r.Order(res.OrderID)
	if len(o.Fills) != 1 || !o.Fills[0].Size.Equal(d(2)) || o.Fills[0].TxID != "B-1" {
		t.Errorf("fills = %+v", o.Fills)
	}
	pos := r.Positions()
	if len(pos) != 1 || !pos[0].Size.Equal(d(2)) || !pos[0].EntryPrice.Equal(d(101)) {
		t.Errorf("positions = %+v", pos)
	}
}

func TestCancelOrder_VenueRefusalKeepsOrderOpen(t *testing.T) {
	book := accepting("book")
	book.cancelErr = venue.NewError("book", venue.CodeRejected, "already matched")
	r, _, _ := newTestRouter(t, testConfig(), book)
	ctx := context.Background()

	res, _ := r.PlaceOrder(ctx, buy("ETH", 1))
	if err := r.CancelOrder(ctx, res.OrderID); err == nil {
		t.Fatal("expected venue refusal")
	}
	if o, _ := r.Order(res.OrderID); o.Status != model.OrderOpen {
		t.Errorf("status = %s, want open", o.Status)
	}
}

func TestCancelOrder_PendingStopsCascade(t *testing.T) {
	started := make(chan struct{})
	book := &fakeVenue{name: "book", fn: func(ctx context.Context, o model.Order) (*venue.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	perps := filling("perps", 100)
	r, _, _ := newTestRouter(t, testConfig(), book, perps)

	done := make(chan *PlaceResult, 1)
	go func() {
		res, _ := r.PlaceOrder(context.Background(), buy("ETH", 1))
		done <- res
	}()
	<-started

	var id string
	for _, o := range r.snapshotOrders() {
		id = o.ID
	}
	if err := r.CancelOrder(context.Background(), id); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}

	res := <-done
	if res.Status != model.OrderCancelled || res.Success {
		t.Errorf("expected cancelled result, got %+v", res)
	}
	if perps.calls.Load() != 0 {
		t.Error("cascade continued after cancellation")
	}
}

func (r *Router) snapshotOrders() []model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, o := range r.orders {
		out = append(out, cloneOrder(o))
	}
	return out
}

func TestReportFill_CompletesOpenOrder(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig(), accepting("book"))
	ctx := context.Background()

	res, _ := r.PlaceOrder(ctx, buy("ETH", 3))

	o, err := r.ReportFill(ctx, res.OrderID, "book", model.Fill{Price: d(100), Size: d(1), Fee: d(0.1)})
	if err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if o.Status != model.OrderOpen {
		t.Errorf("partial fill status = %s", o.Status)
	}

	if _, err := r.ReportFill(ctx, res.OrderID, "perps", model.Fill{Price: d(100), Size: d(1)}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("fill from wrong venue: expected ErrInvalidState, got %v", err)
	}

	o, err = r.ReportFill(ctx, res.OrderID, "book", model.Fill{Price: d(130), Size: d(2), Fee: d(0.2)})
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if o.Status != model.OrderFilled {
		t.Errorf("status = %s, want filled", o.Status)
	}
	// (1*100 + 2*130) / 3 = 120
	if !o.ExecutedPrice.Equal(d(120)) || !o.Fee.Equal(d(0.3)) {
		t.Errorf("vwap = %s fee = %s", o.ExecutedPrice, o.Fee)
	}
	pos := r.Positions()
	if len(pos) != 1 || !pos[0].EntryPrice.Equal(d(120)) || !pos[0].Size.Equal(d(3)) {
		t.Errorf("position = %+v", pos)
	}

	if _, err := r.ReportFill(ctx, res.OrderID, "book", model.Fill{Price: d(1), Size: d(1)}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("fill after completion: expected ErrInvalidState, got %v", err)
	}
}

// --- Positions and history ---

func TestPositions_VWAPAndClose(t *testing.T) {
	price := 100.0
	book := &fakeVenue{name: "book", fn: func(_ context.Context, o model.Order) (*venue.Result, error) {
		return filled("book", price, o.Size), nil
	}}
	r, _, _ := newTestRouter(t, testConfig(), book)
	ctx := context.Background()

	r.PlaceOrder(ctx, buy("ETH", 1))
	price = 200
	r.PlaceOrder(ctx, buy("ETH", 3))

	pos := r.Positions()
	if len(pos) != 1 {
		t.Fatalf("positions = %+v", pos)
	}
	// (1*100 + 3*200) / 4 = 175
	if !pos[0].Size.Equal(d(4)) || !pos[0].EntryPrice.Equal(d(175)) {
		t.Errorf("position = %s @ %s", pos[0].Size, pos[0].EntryPrice)
	}
	if pos[0].Key != "ETH-buy" || pos[0].Exchange != "book" {
		t.Errorf("position key/exchange = %s/%s", pos[0].Key, pos[0].Exchange)
	}

	r.PlaceOrder(ctx, OrderRequest{Symbol: "ETH", Side: model.SideSell, Type: model.OrderTypeClose, Size: d(1)})
	pos = r.Positions()
	if len(pos) != 1 || !pos[0].Size.Equal(d(3)) || !pos[0].EntryPrice.Equal(d(175)) {
		t.Errorf("after close = %+v", pos)
	}

	r.PlaceOrder(ctx, OrderRequest{Symbol: "ETH", Side: model.SideSell, Type: model.OrderTypeClose, Size: d(3)})
	if len(r.Positions()) != 0 {
		t.Errorf("fully closed position should be removed: %+v", r.Positions())
	}
}

func TestHistory_BoundedAndFiltered(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 3
	r, _, clk := newTestRouter(t, cfg, filling("book", 100))
	ctx := context.Background()

	symbols := []string{"ETH", "BTC", "ETH", "SOL", "ETH"}
	for _, s := range symbols {
		r.PlaceOrder(ctx, buy(s, 1))
		clk.advance(time.Minute)
	}

	all := r.History(HistoryFilter{})
	if len(all) != 3 {
		t.Fatalf("history len = %d, want 3", len(all))
	}
	if all[0].Symbol != "ETH" || all[2].Symbol != "ETH" || all[1].Symbol != "SOL" {
		t.Errorf("history order = %s,%s,%s", all[0].Symbol, all[1].Symbol, all[2].Symbol)
	}

	eth := r.History(HistoryFilter{Symbol: "eth", Limit: 1})
	if len(eth) != 1 || eth[0].Symbol != "ETH" {
		t.Errorf("filtered = %+v", eth)
	}

	from := all[2].CreatedAt
	if got := r.History(HistoryFilter{From: from}); len(got) != 1 {
		t.Errorf("from filter len = %d", len(got))
	}
	if got := r.History(HistoryFilter{Exchange: "paper"}); len(got) != 0 {
		t.Errorf("exchange filter len = %d", len(got))
	}
}

func TestPositionLimits(t *testing.T) {
	st := store.NewMemoryStore()
	limiter := NewPositionLimiter(d(5), d(8))
	r := NewRouter(testConfig(), []venue.Executor{filling("book", 100)}, nil, st, limiter, nil)
	ctx := context.Background()

	if _, err := r.PlaceOrder(ctx, buy("ETH/USDC", 4)); err != nil {
		t.Fatalf("within limit: %v", err)
	}
	if _, err := r.PlaceOrder(ctx, buy("ETH/USDC", 2)); !errors.Is(err, ErrSymbolLimitExceeded) {
		t.Errorf("expected ErrSymbolLimitExceeded, got %v", err)
	}
	if _, err := r.PlaceOrder(ctx, buy("ETH-PERP", 5)); !errors.Is(err, ErrCorrelatedLimitExceeded) {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
	if _, err := r.PlaceOrder(ctx, buy("BTC/USDC", 5)); err != nil {
		t.Errorf("uncorrelated symbol: %v", err)
	}
}

func TestPositionLimits_ConcurrentOrdersReserveExposure(t *testing.T) {
	slow := &fakeVenue{name: "book", fn: func(_ context.Context, o model.Order) (*venue.Result, error) {
		time.Sleep(100 * time.Millisecond)
		return filled("book", 100, o.Size), nil
	}}
	limiter := NewPositionLimiter(d(5), decimal.Zero)
	r := NewRouter(testConfig(), []venue.Executor{slow}, nil, store.NewMemoryStore(), limiter, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.PlaceOrder(ctx, buy("ETH/USDC", 4))
		}(i)
	}
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if errors.Is(err, ErrSymbolLimitExceeded) {
			rejected++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if rejected != 1 {
		t.Fatalf("expected exactly one rejection, got %d", rejected)
	}
	pos := r.Positions()
	if len(pos) != 1 || !pos[0].Size.Equal(d(4)) {
		t.Errorf("positions = %+v, want one of size 4", pos)
	}
}

func TestPositionLimits_OpenOrderHoldsReservation(t *testing.T) {
	limiter := NewPositionLimiter(d(5), decimal.Zero)
	r := NewRouter(testConfig(), []venue.Executor{accepting("book")}, nil, store.NewMemoryStore(), limiter, nil)
	ctx := context.Background()

	res, err := r.PlaceOrder(ctx, buy("ETH/USDC", 4))
	if err != nil || res.Status != model.OrderOpen {
		t.Fatalf("place: %+v %v", res, err)
	}
	if _, err := r.PlaceOrder(ctx, buy("ETH/USDC", 2)); !errors.Is(err, ErrSymbolLimitExceeded) {
		t.Errorf("expected ErrSymbolLimitExceeded while open, got %v", err)
	}

	if err := r.CancelOrder(ctx, res.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := r.PlaceOrder(ctx, buy("ETH/USDC", 2)); err != nil {
		t.Errorf("cancelled order still reserved exposure: %v", err)
	}
}

// --- Persistence ---

func TestLoad_RestoresStateAndFailsPending(t *testing.T) {
	r, st, _ := newTestRouter(t, testConfig(), filling("book", 100))
	ctx := context.Background()

	res, _ := r.PlaceOrder(ctx, buy("ETH", 2))
	r.SetOnChainPriority(ctx, true)

	// Simulate a crash mid-cascade by persisting a pending order.
	var state model.RouterState
	st.Load(ctx, store.DocRouter, &state)
	state.Orders = append(state.Orders, model.Order{ID: "OBE-stuck", Symbol: "SOL", Status: model.OrderPending})
	entry, _ := store.NewEntry(store.DocRouter, "test", nil)
	if err := st.Commit(ctx, store.DocRouter, state, entry); err != nil {
		t.Fatal(err)
	}

	restored := NewRouter(testConfig(), nil, nil, st, nil, nil)
	found, err := restored.Load(ctx)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if o, ok := restored.Order(res.OrderID); !ok || o.Status != model.OrderFilled {
		t.Errorf("restored order = %+v", o)
	}
	if o, _ := restored.Order("OBE-stuck"); o.Status != model.OrderFailed {
		t.Errorf("pending order should fail on restore, got %s", o.Status)
	}
	if len(restored.Positions()) != 1 || !restored.Stats().OnChainPriority {
		t.Errorf("restored stats = %+v", restored.Stats())
	}
	if s := restored.Stats(); len(s.ByVenue) != 1 || s.ByVenue[0].Orders != 1 {
		t.Errorf("by venue = %+v", s.ByVenue)
	}
}

func TestPersistFailureKeepsVenueOutcome(t *testing.T) {
	r, st, _ := newTestRouter(t, testConfig(), filling("book", 100))
	st.FailCommits(errors.New("disk full"))

	res, err := r.PlaceOrder(context.Background(), buy("ETH", 1))
	if err != nil || !res.Success {
		t.Fatalf("venue fill must stand despite persist failure: %+v %v", res, err)
	}
	if len(r.Positions()) != 1 {
		t.Error("position missing after persist failure")
	}
}
