package trade

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/internal/exchange"
	"github.com/tgparkk/StockBot-sub002/internal/market"
	"github.com/tgparkk/StockBot-sub002/internal/store"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testClock returns a clock whose time the test advances by hand.
func testClock() (*time.Time, market.Clock) {
	now := time.Date(2026, 2, 2, 9, 30, 0, 0, types.KST)
	return &now, func() time.Time { return now }
}

// stubQuoter serves one scripted price for every symbol.
type stubQuoter struct {
	mu    sync.Mutex
	price int64
	err   error
	calls int
}

func (q *stubQuoter) CurrentPrice(_ context.Context, symbol string, _ bool) (market.PriceResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return market.PriceResult{}, q.err
	}
	return market.PriceResult{
		Quote: types.Quote{Symbol: symbol, Price: q.price, Source: types.SourceStream},
	}, nil
}

// placedOrder captures one PlaceOrder call.
type placedOrder struct {
	symbol string
	side   types.Side
	qty    int64
	limit  int64
}

// fakeBroker is a scripted order-side broker.
type fakeBroker struct {
	mu        sync.Mutex
	balance   types.Balance
	balErr    error
	placeErr  error
	orgNo     string
	seq       int
	placed    []placedOrder
	cancelErr error
	cancelled []string
	day       []types.DayOrder
	dayErr    error
}

func newFakeBroker(cash int64) *fakeBroker {
	return &fakeBroker{balance: types.Balance{CashAvailable: cash}, orgNo: "06010"}
}

func (f *fakeBroker) PlaceOrder(_ context.Context, symbol string, side types.Side, qty, limitPrice int64) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.seq++
	f.placed = append(f.placed, placedOrder{symbol, side, qty, limitPrice})
	return &exchange.OrderResult{
		BrokerOrderID: fmt.Sprintf("ODNO%04d", f.seq),
		OrgNo:         f.orgNo,
	}, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, brokerOrderID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, brokerOrderID)
	return nil
}

func (f *fakeBroker) ListDayOrders(_ context.Context) ([]types.DayOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dayErr != nil {
		return nil, f.dayErr
	}
	out := make([]types.DayOrder, len(f.day))
	copy(out, f.day)
	return out, nil
}

func (f *fakeBroker) GetBalance(_ context.Context) (*types.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balErr != nil {
		return nil, f.balErr
	}
	bal := f.balance
	return &bal, nil
}

func (f *fakeBroker) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeBroker) lastPlaced() placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.placed) == 0 {
		return placedOrder{}
	}
	return f.placed[len(f.placed)-1]
}

func (f *fakeBroker) setHoldings(holdings ...types.Holding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance.Holdings = holdings
}

func (f *fakeBroker) setDayOrders(orders ...types.DayOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.day = orders
}

func newTestExecutor(t *testing.T) (*Executor, *fakeBroker, *stubQuoter, *store.Store, *Book, *time.Time) {
	t.Helper()
	now, clk := testClock()
	st, err := store.Open(filepath.Join(t.TempDir(), "bot.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fb := newFakeBroker(10_000_000)
	q := &stubQuoter{price: 12050}
	book := NewBook()
	cfg := config.TradingConfig{
		Mode:          "day",
		MaxPositions:  10,
		BaseRatio:     0.10,
		MaxRatio:      0.20,
		MaxOrderKRW:   2_000_000,
		MinOrderKRW:   50_000,
		FundsCooldown: 30 * time.Minute,
	}
	e := NewExecutor(fb, q, st, book, cfg, clk, testLogger())
	return e, fb, q, st, book, now
}

func gapSignal(symbol string, strength float64) *types.Signal {
	return &types.Signal{
		Symbol:   symbol,
		Side:     types.BUY,
		Strategy: types.StrategyGap,
		Strength: strength,
		Reason:   "gap +3.4%",
	}
}

// settleBuy makes the monitor see the order fully filled so the symbol
// leaves the in-flight table.
func settleBuy(t *testing.T, e *Executor, fb *fakeBroker, order *types.Order, now time.Time) {
	t.Helper()
	fb.setDayOrders(types.DayOrder{
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        order.Symbol,
		Side:          types.BUY,
		Qty:           order.Qty,
		FilledQty:     order.Qty,
		RemainingQty:  0,
		LimitPrice:    order.LimitPrice,
		SubmittedAt:   now,
	})
	e.SweepOrders(context.Background())
	fb.setDayOrders()
	if got := e.Stats().Pending; got != 0 {
		t.Fatalf("pending = %d after settle, want 0", got)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Buy path
// ————————————————————————————————————————————————————————————————————————

func TestBuyGapEntrySizing(t *testing.T) {
	t.Parallel()
	e, fb, _, st, book, now := newTestExecutor(t)
	ctx := context.Background()

	order, err := e.Buy(ctx, gapSignal("000111", 0.8))
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if order.Qty != 66 || order.LimitPrice != 12100 {
		t.Fatalf("order = qty %d limit %d, want 66 at 12100", order.Qty, order.LimitPrice)
	}
	if order.State != types.OrderAccepted || order.BrokerOrderID == "" {
		t.Errorf("order = state %s id %q", order.State, order.BrokerOrderID)
	}

	got := fb.lastPlaced()
	if got.symbol != "000111" || got.side != types.BUY || got.qty != 66 || got.limit != 12100 {
		t.Errorf("broker saw %+v", got)
	}

	pending := e.PendingOrders()
	if len(pending) != 1 || pending[0].Symbol != "000111" {
		t.Errorf("pending = %+v, want just 000111", pending)
	}

	pos, ok := book.Get("000111")
	if !ok || pos.Quantity != 66 || pos.AvgCost != 12100 || pos.Source != types.PositionBot {
		t.Errorf("position = %+v (ok=%v)", pos, ok)
	}

	rows, err := st.TradesOn(ctx, store.TradeDate(*now))
	if err != nil || len(rows) != 1 {
		t.Fatalf("trades = %d rows, err %v", len(rows), err)
	}
	row := rows[0]
	if row.Side != types.BUY || row.Qty != 66 || row.Price != 12100 || row.Total != 66*12100 {
		t.Errorf("trade row = %+v", row)
	}
	if row.OrderUUID != order.ClientID {
		t.Errorf("trade row uuid %q != order client id %q", row.OrderUUID, order.ClientID)
	}
}

func TestBuyDedupesInflightSymbol(t *testing.T) {
	t.Parallel()
	e, fb, _, _, _, _ := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.Buy(ctx, gapSignal("000111", 0.8)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	_, err := e.Buy(ctx, gapSignal("000111", 0.8))
	if !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("second buy error = %v, want VALIDATION", err)
	}
	if fb.placeCount() != 1 {
		t.Errorf("broker saw %d orders, want 1", fb.placeCount())
	}
}

func TestBuyRejectsWhenAlreadyLong(t *testing.T) {
	t.Parallel()
	e, fb, _, _, book, now := newTestExecutor(t)

	book.ApplyBuy("000111", "", 66, 12100, types.StrategyGap, types.PositionBot, *now)
	_, err := e.Buy(context.Background(), gapSignal("000111", 0.8))
	if !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
	if fb.placeCount() != 0 {
		t.Errorf("broker saw %d orders, want 0", fb.placeCount())
	}
}

func TestBuyRejectsAtPositionLimit(t *testing.T) {
	t.Parallel()
	e, fb, _, _, book, now := newTestExecutor(t)

	for i := 0; i < 10; i++ {
		book.ApplyBuy(fmt.Sprintf("%06d", i), "", 1, 1000, types.StrategyGap, types.PositionBot, *now)
	}
	_, err := e.Buy(context.Background(), gapSignal("900111", 0.8))
	if !types.IsKind(err, types.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want CAPACITY_EXCEEDED", err)
	}
	if fb.placeCount() != 0 {
		t.Errorf("broker saw %d orders, want 0", fb.placeCount())
	}
}

func TestBuyBelowMinimumOrderRejected(t *testing.T) {
	t.Parallel()
	e, fb, _, _, _, _ := newTestExecutor(t)
	fb.balance.CashAvailable = 600_000 // budget 48,000 is under the 50,000 floor

	_, err := e.Buy(context.Background(), gapSignal("000111", 0.8))
	if !types.IsKind(err, types.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want INSUFFICIENT_FUNDS", err)
	}
	if fb.placeCount() != 0 {
		t.Errorf("broker saw %d orders, want 0", fb.placeCount())
	}
	if got := e.Stats().Pending; got != 0 {
		t.Errorf("pending = %d after rejection, want 0", got)
	}
}

func TestBuyAbsoluteCapBoundsBudget(t *testing.T) {
	t.Parallel()
	e, fb, _, _, _, _ := newTestExecutor(t)
	fb.balance.CashAvailable = 30_000_000

	// Base slice 3M and ratio ceiling 6M both clear the 2M absolute cap.
	order, err := e.Buy(context.Background(), gapSignal("000111", 1.0))
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if want := int64(2_000_000) / 12100; order.Qty != want {
		t.Errorf("qty = %d, want %d from the absolute cap", order.Qty, want)
	}
}

func TestBuyQuoteFailureLeavesNoState(t *testing.T) {
	t.Parallel()
	e, fb, q, st, book, now := newTestExecutor(t)
	q.err = types.NewError(types.ErrTransport, "quote endpoint down")

	_, err := e.Buy(context.Background(), gapSignal("000111", 0.8))
	if !types.IsKind(err, types.ErrDataUnavailable) {
		t.Fatalf("err = %v, want DATA_UNAVAILABLE", err)
	}
	if fb.placeCount() != 0 {
		t.Error("broker called despite missing quote")
	}
	if book.Count() != 0 {
		t.Error("position opened despite missing quote")
	}
	if got := e.Stats().Pending; got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	rows, err := st.TradesOn(context.Background(), store.TradeDate(*now))
	if err != nil || len(rows) != 0 {
		t.Errorf("trades = %d rows, err %v; want none", len(rows), err)
	}
}

func TestBuyFundsRefusalStartsCooldown(t *testing.T) {
	t.Parallel()
	e, fb, q, _, book, now := newTestExecutor(t)
	ctx := context.Background()
	fb.placeErr = types.NewError(types.ErrInsufficientFunds, "insufficient deposit")

	_, err := e.Buy(ctx, gapSignal("000111", 0.8))
	if !types.IsKind(err, types.ErrInsufficientFunds) {
		t.Fatalf("first buy err = %v, want INSUFFICIENT_FUNDS", err)
	}
	if book.Count() != 0 {
		t.Error("position opened on a refused order")
	}
	if got := e.Stats().Cooldowns; got != 1 {
		t.Fatalf("cooldowns = %d, want 1", got)
	}

	// Within the cooldown the buy dies before any broker traffic.
	fb.placeErr = nil
	quoteCalls := q.calls
	_, err = e.Buy(ctx, gapSignal("000111", 0.8))
	if !types.IsKind(err, types.ErrInsufficientFunds) {
		t.Fatalf("cooldown buy err = %v, want INSUFFICIENT_FUNDS", err)
	}
	if q.calls != quoteCalls || fb.placeCount() != 0 {
		t.Error("cooldown rejection still reached the data plane or broker")
	}

	*now = now.Add(31 * time.Minute)
	if _, err := e.Buy(ctx, gapSignal("000111", 0.8)); err != nil {
		t.Fatalf("post-cooldown buy: %v", err)
	}
	if got := e.Stats().Cooldowns; got != 0 {
		t.Errorf("cooldowns = %d after expiry, want 0", got)
	}
}

func TestPauseGatesDiscretionaryOrders(t *testing.T) {
	t.Parallel()
	e, fb, _, _, book, now := newTestExecutor(t)
	ctx := context.Background()
	book.ApplyBuy("000222", "", 10, 5000, types.StrategyVolume, types.PositionBot, *now)
	fb.setHoldings(types.Holding{Symbol: "000222", Qty: 10, AvgCost: 5000})

	e.Pause()
	if !e.Stats().Paused {
		t.Fatal("stats do not report paused")
	}
	if _, err := e.Buy(ctx, gapSignal("000111", 0.8)); !types.IsKind(err, types.ErrValidation) {
		t.Errorf("paused buy err = %v, want VALIDATION", err)
	}
	if _, err := e.Sell(ctx, "000222", types.StrategyVolume, false, ""); !types.IsKind(err, types.ErrValidation) {
		t.Errorf("paused manual sell err = %v, want VALIDATION", err)
	}
	if fb.placeCount() != 0 {
		t.Errorf("broker saw %d orders while paused", fb.placeCount())
	}

	// A protective exit passes the gate.
	if _, err := e.Sell(ctx, "000222", types.StrategyVolume, true, "stop fired"); err != nil {
		t.Fatalf("paused auto sell: %v", err)
	}
	if fb.placeCount() != 1 {
		t.Errorf("broker saw %d orders, want the protective sell", fb.placeCount())
	}

	e.Resume()
	if _, err := e.Buy(ctx, gapSignal("000111", 0.8)); err != nil {
		t.Fatalf("buy after resume: %v", err)
	}
}

func TestBuyLinksSelection(t *testing.T) {
	t.Parallel()
	e, _, _, st, _, now := newTestExecutor(t)
	ctx := context.Background()
	date := store.TradeDate(*now)

	sel := &store.SelectedStock{
		Date:           date,
		Slot:           "early_market",
		SlotStart:      "09:00",
		SlotEnd:        "10:30",
		Symbol:         "000111",
		Name:           "테스트종목",
		Strategy:       types.StrategyGap,
		Score:          5.2,
		Reason:         "gap +3.4%",
		RankInStrategy: 1,
		CurrentPrice:   12050,
		CreatedAt:      *now,
	}
	if err := st.SaveSelections(ctx, []*store.SelectedStock{sel}); err != nil {
		t.Fatalf("save selections: %v", err)
	}

	if _, err := e.Buy(ctx, gapSignal("000111", 0.8)); err != nil {
		t.Fatalf("Buy: %v", err)
	}

	rows, err := st.SelectionsFor(ctx, date, "early_market")
	if err != nil || len(rows) != 1 {
		t.Fatalf("selections = %d rows, err %v", len(rows), err)
	}
	if !rows[0].Traded || rows[0].TradeID == 0 {
		t.Errorf("selection not linked: traded=%v trade_id=%d", rows[0].Traded, rows[0].TradeID)
	}
	if _, err := st.UntradedSelection(ctx, date, "000111"); !types.IsKind(err, types.ErrNotFound) {
		t.Errorf("untraded lookup after link = %v, want NOT_FOUND", err)
	}
}

func TestClientIDsUnique(t *testing.T) {
	t.Parallel()
	e, _, _, _, _, _ := newTestExecutor(t)
	ctx := context.Background()

	first, err := e.Buy(ctx, gapSignal("000111", 0.8))
	if err != nil {
		t.Fatalf("first buy: %v", err)
	}
	second, err := e.Buy(ctx, gapSignal("000222", 0.8))
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}
	if first.ClientID == "" || first.ClientID == second.ClientID {
		t.Errorf("client ids %q and %q must differ", first.ClientID, second.ClientID)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Sell path
// ————————————————————————————————————————————————————————————————————————

func TestSellRoundTripLinksFIFO(t *testing.T) {
	t.Parallel()
	e, fb, q, st, book, now := newTestExecutor(t)
	ctx := context.Background()

	buyOrder, err := e.Buy(ctx, gapSignal("000111", 0.8)) // 66 at 12100
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	settleBuy(t, e, fb, buyOrder, *now)

	fb.setHoldings(types.Holding{Symbol: "000111", Qty: 66, AvgCost: 12100})
	q.price = 12500
	*now = now.Add(45 * time.Minute)

	sellOrder, err := e.Sell(ctx, "000111", types.StrategyGap, false, "target reached")
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if sellOrder.Qty != 66 || sellOrder.LimitPrice != 12450 {
		t.Fatalf("sell = qty %d limit %d, want 66 at 12450", sellOrder.Qty, sellOrder.LimitPrice)
	}

	if book.Has("000111") {
		t.Error("position survived a full exit")
	}

	rows, err := st.TradesOn(ctx, store.TradeDate(*now))
	if err != nil || len(rows) != 2 {
		t.Fatalf("trades = %d rows, err %v", len(rows), err)
	}
	buyRow, sellRow := rows[0], rows[1]
	if sellRow.BuyTradeID != buyRow.ID {
		t.Errorf("sell linked to %d, want %d", sellRow.BuyTradeID, buyRow.ID)
	}
	if want := int64(12450-12100) * 66; sellRow.PnL != want {
		t.Errorf("pnl = %d, want %d", sellRow.PnL, want)
	}
	if sellRow.HoldMinutes != 45 {
		t.Errorf("hold minutes = %d, want 45", sellRow.HoldMinutes)
	}

	open, err := st.OpenBuyQty(ctx, "000111")
	if err != nil || open != 0 {
		t.Errorf("open buy qty = %d (err %v), want 0", open, err)
	}
}

func TestSellFloorsAtBrokerQuantity(t *testing.T) {
	t.Parallel()
	e, fb, _, _, book, now := newTestExecutor(t)
	ctx := context.Background()

	buyOrder, err := e.Buy(ctx, gapSignal("000111", 0.8))
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	settleBuy(t, e, fb, buyOrder, *now)
	fb.setHoldings(types.Holding{Symbol: "000111", Qty: 50, AvgCost: 12100})

	sellOrder, err := e.Sell(ctx, "000111", types.StrategyGap, false, "")
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if sellOrder.Qty != 50 {
		t.Fatalf("qty = %d, want broker's 50", sellOrder.Qty)
	}
	pos, _ := book.Get("000111")
	if pos.Quantity != 16 {
		t.Errorf("remaining = %d, want 16", pos.Quantity)
	}
}

func TestSellWithoutPosition(t *testing.T) {
	t.Parallel()
	e, fb, _, _, _, _ := newTestExecutor(t)

	_, err := e.Sell(context.Background(), "000999", types.StrategyGap, false, "")
	if !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
	if fb.placeCount() != 0 {
		t.Errorf("broker saw %d orders, want 0", fb.placeCount())
	}
}

func TestSellWhenBrokerHoldsNone(t *testing.T) {
	t.Parallel()
	e, fb, _, _, book, now := newTestExecutor(t)
	book.ApplyBuy("000111", "", 66, 12100, types.StrategyGap, types.PositionBot, *now)
	// Broker balance reports no holding at all.

	_, err := e.Sell(context.Background(), "000111", types.StrategyGap, false, "")
	if !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
	if fb.placeCount() != 0 {
		t.Error("order placed for a holding the broker does not report")
	}
	if !book.Has("000111") {
		t.Error("local position dropped by a refused sell")
	}
}

func TestSellAutoUsesDeeperDiscount(t *testing.T) {
	t.Parallel()
	e, fb, q, _, _, now := newTestExecutor(t)
	ctx := context.Background()

	buyOrder, err := e.Buy(ctx, gapSignal("000111", 0.8))
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	settleBuy(t, e, fb, buyOrder, *now)
	fb.setHoldings(types.Holding{Symbol: "000111", Qty: 66, AvgCost: 12100})
	q.price = 12500

	sellOrder, err := e.Sell(ctx, "000111", types.StrategyGap, true, "stop loss")
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if sellOrder.LimitPrice != 12400 {
		t.Errorf("auto sell limit = %d, want 12400", sellOrder.LimitPrice)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Limit shaping
// ————————————————————————————————————————————————————————————————————————

func TestBuyLimitShaping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price    int64
		strategy types.Strategy
		want     int64
	}{
		{12050, types.StrategyGap, 12100},       // 0.3% gives 12086, snapped up
		{12050, types.StrategyVolume, 12100},    // 0.2% gives 12074, snapped up
		{4000, types.StrategyGap, 4020},         // 0.3% plus the cheap-symbol allowance
		{9000, types.StrategyTechnical, 9030},   // 0.2% + 0.1% gives 9027, snapped up
		{71000, types.StrategyTechnical, 71200}, // 0.2% gives 71142, snapped up
	}
	for _, tc := range cases {
		if got := buyLimit(tc.price, tc.strategy); got != tc.want {
			t.Errorf("buyLimit(%d, %s) = %d, want %d", tc.price, tc.strategy, got, tc.want)
		}
	}
}

func TestSellLimitShaping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price    int64
		strategy types.Strategy
		auto     bool
		want     int64
	}{
		{12500, types.StrategyGap, false, 12450},      // 0.3% gives 12462, snapped down
		{12500, types.StrategyGap, true, 12400},       // 0.8% gives 12400 exactly
		{4000, types.StrategyVolume, false, 3990},     // 0.2% gives 3992, snapped down
		{71000, types.StrategyTechnical, true, 70400}, // 0.8% gives 70432, snapped down
	}
	for _, tc := range cases {
		if got := sellLimit(tc.price, tc.strategy, tc.auto); got != tc.want {
			t.Errorf("sellLimit(%d, %s, auto=%v) = %d, want %d",
				tc.price, tc.strategy, tc.auto, got, tc.want)
		}
	}
}

func TestVolatilityAdjBands(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price int64
		want  float64
	}{
		{4999, 0.002},
		{5000, 0.001},
		{9999, 0.001},
		{10000, 0},
	}
	for _, tc := range cases {
		if got := volatilityAdj(tc.price); got != tc.want {
			t.Errorf("volatilityAdj(%d) = %v, want %v", tc.price, got, tc.want)
		}
	}
}
