// Package trade is the validated path from signal to broker order. The
// executor sizes buys from the account balance, shapes limit prices onto the
// KRX tick grid, dedupes in-flight orders per symbol, and keeps the local
// position book and the trade store consistent with every submission. A
// reconciliation sweep (monitor.go) settles resting orders and folds fills
// made outside the bot back into the book.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/internal/exchange"
	"github.com/tgparkk/StockBot-sub002/internal/market"
	"github.com/tgparkk/StockBot-sub002/internal/store"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// Broker is the order-side surface the executor drives.
type Broker interface {
	PlaceOrder(ctx context.Context, symbol string, side types.Side, qty, limitPrice int64) (*exchange.OrderResult, error)
	CancelOrder(ctx context.Context, brokerOrderID, orgNo string) error
	ListDayOrders(ctx context.Context) ([]types.DayOrder, error)
	GetBalance(ctx context.Context) (*types.Balance, error)
}

// Quoter is the read path the executor prices orders from.
type Quoter interface {
	CurrentPrice(ctx context.Context, symbol string, useCache bool) (market.PriceResult, error)
}

// ————————————————————————————————————————————————————————————————————————
// Limit shaping
// ————————————————————————————————————————————————————————————————————————

// Per-strategy limit shaping. The premium is added to a buy limit and the
// discount subtracted from a sell limit; gap and momentum entries chase the
// print harder than the slower screens.
var (
	buyPremium = map[types.Strategy]float64{
		types.StrategyGap:       0.003,
		types.StrategyMomentum:  0.003,
		types.StrategyCandle:    0.003,
		types.StrategyVolume:    0.002,
		types.StrategyTechnical: 0.002,
		types.StrategyManual:    0.002,
	}
	manualDiscount = map[types.Strategy]float64{
		types.StrategyGap:       0.003,
		types.StrategyMomentum:  0.003,
		types.StrategyCandle:    0.003,
		types.StrategyVolume:    0.002,
		types.StrategyTechnical: 0.002,
		types.StrategyManual:    0.002,
	}
	sizeMult = map[types.Strategy]float64{
		types.StrategyGap:       1.0,
		types.StrategyMomentum:  1.0,
		types.StrategyCandle:    1.0,
		types.StrategyVolume:    0.9,
		types.StrategyTechnical: 0.9,
		types.StrategyManual:    1.0,
	}
)

const (
	// autoDiscount applies to stop and target exits, which pay up to fill
	// before the move runs away.
	autoDiscount = 0.008

	// Total buy markup stays inside this window regardless of strategy and
	// volatility allowance.
	minMarkup = 0.001
	maxMarkup = 0.010
)

// volatilityAdj widens the buy premium for cheap symbols, which cross a
// whole tick between prints far more often than large caps.
func volatilityAdj(price int64) float64 {
	switch {
	case price < 5_000:
		return 0.002
	case price < 10_000:
		return 0.001
	default:
		return 0
	}
}

// buyLimit shapes a buy limit: quote price plus the strategy premium plus
// the volatility allowance, clamped to the markup window, snapped up.
func buyLimit(price int64, strategy types.Strategy) int64 {
	markup := buyPremium[strategy] + volatilityAdj(price)
	if markup < minMarkup {
		markup = minMarkup
	}
	if markup > maxMarkup {
		markup = maxMarkup
	}
	raw := decimal.NewFromInt(price).Mul(decimal.NewFromFloat(1 + markup)).IntPart()
	return SnapUp(raw)
}

// sellLimit shapes a sell limit: quote price minus the discount, snapped
// down. Auto exits use the deeper fixed discount.
func sellLimit(price int64, strategy types.Strategy, auto bool) int64 {
	disc := manualDiscount[strategy]
	if auto {
		disc = autoDiscount
	}
	raw := decimal.NewFromInt(price).Mul(decimal.NewFromFloat(1 - disc)).IntPart()
	return SnapDown(raw)
}

// ————————————————————————————————————————————————————————————————————————
// Executor
// ————————————————————————————————————————————————————————————————————————

// ExecutorStats is a snapshot of executor counters.
type ExecutorStats struct {
	Buys          uint64
	Sells         uint64
	Rejected      uint64
	StaleCancels  uint64 // resting orders cancelled by the monitor
	ExternalFills uint64 // non-bot fills folded into the book
	Pending       int
	Cooldowns     int
	Paused        bool
}

// Executor submits orders and owns the in-flight order table. One order per
// symbol may be in flight; a pending symbol rejects further buys and sells
// until the monitor settles it.
type Executor struct {
	broker Broker
	quotes Quoter
	store  *store.Store
	book   *Book
	cfg    config.TradingConfig
	clock  market.Clock
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]*types.Order // in-flight order per symbol
	cooldown map[string]time.Time    // no buys for the symbol before this time
	applied  map[string]int64        // external fill qty applied, per broker order id
	paused   bool

	buys     atomic.Uint64
	sells    atomic.Uint64
	rejected atomic.Uint64
	cancels  atomic.Uint64
	extFills atomic.Uint64
}

// NewExecutor creates an executor. clock may be nil for wall time.
func NewExecutor(broker Broker, quotes Quoter, st *store.Store, book *Book,
	cfg config.TradingConfig, clock market.Clock, logger *slog.Logger) *Executor {
	if clock == nil {
		clock = time.Now
	}
	return &Executor{
		broker:   broker,
		quotes:   quotes,
		store:    st,
		book:     book,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With("component", "executor"),
		pending:  make(map[string]*types.Order),
		cooldown: make(map[string]time.Time),
		applied:  make(map[string]int64),
	}
}

// Buy validates sig, sizes a position from the account balance, and submits
// a limit buy. On acceptance the trade is recorded, the position opened, and
// today's selection row for the symbol linked. Any failure before acceptance
// leaves no state behind.
func (e *Executor) Buy(ctx context.Context, sig *types.Signal) (*types.Order, error) {
	if sig == nil || sig.Symbol == "" || sig.Side != types.BUY {
		e.rejected.Add(1)
		return nil, types.NewError(types.ErrValidation, "buy: malformed signal")
	}
	if sig.Strength <= 0 || sig.Strength > 1 {
		e.rejected.Add(1)
		return nil, types.NewError(types.ErrValidation,
			"buy %s: strength %.2f outside (0,1]", sig.Symbol, sig.Strength)
	}

	order, err := e.reserveBuy(sig)
	if err != nil {
		e.rejected.Add(1)
		return nil, err
	}
	submitted := false
	defer func() {
		if !submitted {
			e.release(sig.Symbol)
		}
	}()

	res, err := e.quotes.CurrentPrice(ctx, sig.Symbol, true)
	if err != nil {
		e.rejected.Add(1)
		return nil, types.WrapError(types.ErrDataUnavailable, err, "buy %s: no usable quote", sig.Symbol)
	}
	price := res.Quote.Price
	if price <= 0 {
		e.rejected.Add(1)
		return nil, types.NewError(types.ErrDataUnavailable, "buy %s: quote price %d", sig.Symbol, price)
	}

	bal, err := e.broker.GetBalance(ctx)
	if err != nil {
		e.rejected.Add(1)
		return nil, fmt.Errorf("buy %s: balance: %w", sig.Symbol, err)
	}

	limit := buyLimit(price, sig.Strategy)
	budget := e.orderBudget(bal.CashAvailable, sig.Strategy, sig.Strength)
	qty := budget / limit
	for qty > 0 && qty*limit > bal.CashAvailable {
		qty--
	}
	if qty <= 0 || qty*limit < e.cfg.MinOrderKRW {
		e.rejected.Add(1)
		return nil, types.NewError(types.ErrInsufficientFunds,
			"buy %s: budget %d at limit %d is below minimum order %d",
			sig.Symbol, budget, limit, e.cfg.MinOrderKRW)
	}

	ack, err := e.broker.PlaceOrder(ctx, sig.Symbol, types.BUY, qty, limit)
	if err != nil {
		if types.IsKind(err, types.ErrInsufficientFunds) {
			e.startCooldown(sig.Symbol)
		}
		e.rejected.Add(1)
		return nil, fmt.Errorf("buy %s: %w", sig.Symbol, err)
	}
	now := e.clock()

	e.mu.Lock()
	order.Qty = qty
	order.LimitPrice = limit
	order.BrokerOrderID = ack.BrokerOrderID
	order.OrgNo = ack.OrgNo
	order.State = types.OrderAccepted
	order.SubmittedAt = now
	snapshot := *order
	e.mu.Unlock()
	submitted = true

	e.book.ApplyBuy(sig.Symbol, "", qty, limit, sig.Strategy, types.PositionBot, now)

	rec := &store.TradeRecord{
		Side:          types.BUY,
		Symbol:        sig.Symbol,
		Qty:           qty,
		Price:         limit,
		Strategy:      sig.Strategy,
		TS:            now,
		OrderUUID:     order.ClientID,
		BrokerOrderID: ack.BrokerOrderID,
		Notes:         sig.Reason,
	}
	if err := e.store.RecordBuy(ctx, rec); err != nil {
		// The broker holds the order either way; losing the row is worth an
		// error, not an unwind.
		e.logger.Error("buy accepted but not persisted",
			"symbol", sig.Symbol, "order_no", ack.BrokerOrderID, "error", err)
	} else {
		e.linkSelection(ctx, sig.Symbol, rec.ID, now)
	}

	e.buys.Add(1)
	e.logger.Info("buy submitted",
		"symbol", sig.Symbol, "qty", qty, "limit", limit,
		"strategy", sig.Strategy, "order_no", ack.BrokerOrderID)
	return &snapshot, nil
}

// Sell exits the position for symbol with a limit discounted from the
// current price. The sold quantity is the smaller of the local book and the
// broker holding. auto marks a stop or target exit, which uses the deeper
// discount.
func (e *Executor) Sell(ctx context.Context, symbol string, strategy types.Strategy, auto bool, reason string) (*types.Order, error) {
	pos, ok := e.book.Get(symbol)
	if !ok {
		e.rejected.Add(1)
		return nil, types.NewError(types.ErrValidation, "sell %s: no position", symbol)
	}

	order, err := e.reserveSell(symbol, strategy, auto)
	if err != nil {
		e.rejected.Add(1)
		return nil, err
	}
	submitted := false
	defer func() {
		if !submitted {
			e.release(symbol)
		}
	}()

	bal, err := e.broker.GetBalance(ctx)
	if err != nil {
		e.rejected.Add(1)
		return nil, fmt.Errorf("sell %s: balance: %w", symbol, err)
	}
	var held int64
	for _, h := range bal.Holdings {
		if h.Symbol == symbol {
			held = h.Qty
			break
		}
	}
	qty := pos.Quantity
	if held < qty {
		qty = held
	}
	if qty <= 0 {
		e.rejected.Add(1)
		return nil, types.NewError(types.ErrValidation, "sell %s: broker holds none", symbol)
	}

	res, err := e.quotes.CurrentPrice(ctx, symbol, true)
	if err != nil {
		e.rejected.Add(1)
		return nil, types.WrapError(types.ErrDataUnavailable, err, "sell %s: no usable quote", symbol)
	}
	price := res.Quote.Price
	if price <= 0 {
		e.rejected.Add(1)
		return nil, types.NewError(types.ErrDataUnavailable, "sell %s: quote price %d", symbol, price)
	}
	limit := sellLimit(price, strategy, auto)
	if limit <= 0 {
		e.rejected.Add(1)
		return nil, types.NewError(types.ErrValidation, "sell %s: limit collapsed at price %d", symbol, price)
	}

	ack, err := e.broker.PlaceOrder(ctx, symbol, types.SELL, qty, limit)
	if err != nil {
		e.rejected.Add(1)
		return nil, fmt.Errorf("sell %s: %w", symbol, err)
	}
	now := e.clock()

	e.mu.Lock()
	order.Qty = qty
	order.LimitPrice = limit
	order.BrokerOrderID = ack.BrokerOrderID
	order.OrgNo = ack.OrgNo
	order.State = types.OrderAccepted
	order.SubmittedAt = now
	snapshot := *order
	e.mu.Unlock()
	submitted = true

	e.book.Reduce(symbol, qty)

	rec := &store.TradeRecord{
		Side:          types.SELL,
		Symbol:        symbol,
		Name:          pos.Name,
		Qty:           qty,
		Price:         limit,
		Strategy:      strategy,
		TS:            now,
		OrderUUID:     order.ClientID,
		BrokerOrderID: ack.BrokerOrderID,
		Notes:         reason,
	}
	if err := e.store.RecordSell(ctx, rec); err != nil {
		e.logger.Error("sell accepted but not persisted",
			"symbol", symbol, "order_no", ack.BrokerOrderID, "error", err)
	}

	e.sells.Add(1)
	e.logger.Info("sell submitted",
		"symbol", symbol, "qty", qty, "limit", limit,
		"strategy", strategy, "auto", auto, "order_no", ack.BrokerOrderID)
	return &snapshot, nil
}

// orderBudget sizes a buy. Three ceilings apply: the base slice of cash
// scaled by strategy and signal strength, the account-wide max ratio, and
// the absolute per-order cap.
func (e *Executor) orderBudget(cash int64, strategy types.Strategy, strength float64) int64 {
	mult, ok := sizeMult[strategy]
	if !ok {
		mult = 1.0
	}
	c := decimal.NewFromInt(cash)
	base := c.Mul(decimal.NewFromFloat(e.cfg.BaseRatio)).
		Mul(decimal.NewFromFloat(mult)).
		Mul(decimal.NewFromFloat(strength))
	ceiling := c.Mul(decimal.NewFromFloat(e.cfg.MaxRatio))
	return decimal.Min(base, ceiling, decimal.NewFromInt(e.cfg.MaxOrderKRW)).IntPart()
}

// ————————————————————————————————————————————————————————————————————————
// In-flight order table
// ————————————————————————————————————————————————————————————————————————

// reserveBuy runs every buy-side gate under the lock and claims the symbol's
// in-flight slot. The slot must be released if the submission never happens.
func (e *Executor) reserveBuy(sig *types.Signal) (*types.Order, error) {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return nil, types.NewError(types.ErrValidation, "buy %s: trading paused", sig.Symbol)
	}
	if until, ok := e.cooldown[sig.Symbol]; ok {
		if now.Before(until) {
			return nil, types.NewError(types.ErrInsufficientFunds,
				"buy %s: funds cooldown until %s", sig.Symbol, until.In(types.KST).Format("15:04:05"))
		}
		delete(e.cooldown, sig.Symbol)
	}
	if _, ok := e.pending[sig.Symbol]; ok {
		return nil, types.NewError(types.ErrValidation, "buy %s: order already in flight", sig.Symbol)
	}
	if e.book.Has(sig.Symbol) {
		return nil, types.NewError(types.ErrValidation, "buy %s: already long", sig.Symbol)
	}
	if e.cfg.MaxPositions > 0 && e.book.Count() >= e.cfg.MaxPositions {
		return nil, types.NewError(types.ErrCapacityExceeded,
			"buy %s: position limit %d reached", sig.Symbol, e.cfg.MaxPositions)
	}

	order := &types.Order{
		ClientID:    uuid.NewString(),
		Symbol:      sig.Symbol,
		Side:        types.BUY,
		Strategy:    sig.Strategy,
		State:       types.OrderPending,
		SubmittedAt: now,
	}
	e.pending[sig.Symbol] = order
	return order, nil
}

// reserveSell claims the symbol's in-flight slot for a sell. Automatic
// protective exits pass the pause gate: a stop must fire even while the
// operator or the risk guard has trading paused.
func (e *Executor) reserveSell(symbol string, strategy types.Strategy, auto bool) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused && !auto {
		return nil, types.NewError(types.ErrValidation, "sell %s: trading paused", symbol)
	}
	if _, ok := e.pending[symbol]; ok {
		return nil, types.NewError(types.ErrValidation, "sell %s: order already in flight", symbol)
	}

	order := &types.Order{
		ClientID:    uuid.NewString(),
		Symbol:      symbol,
		Side:        types.SELL,
		Strategy:    strategy,
		State:       types.OrderPending,
		SubmittedAt: e.clock(),
	}
	e.pending[symbol] = order
	return order, nil
}

// release frees the in-flight slot after a failed submission.
func (e *Executor) release(symbol string) {
	e.mu.Lock()
	delete(e.pending, symbol)
	e.mu.Unlock()
}

// finish retires a settled order and frees its symbol.
func (e *Executor) finish(symbol string, state types.OrderState) {
	e.mu.Lock()
	order, ok := e.pending[symbol]
	if ok {
		order.State = state
		delete(e.pending, symbol)
	}
	e.mu.Unlock()
	if ok {
		e.logger.Info("order settled",
			"symbol", symbol, "state", state, "order_no", order.BrokerOrderID)
	}
}

// startCooldown blocks buys for symbol after the broker refused funding.
func (e *Executor) startCooldown(symbol string) {
	if e.cfg.FundsCooldown <= 0 {
		return
	}
	until := e.clock().Add(e.cfg.FundsCooldown)
	e.mu.Lock()
	e.cooldown[symbol] = until
	e.mu.Unlock()
	e.logger.Warn("funds refused, buy cooldown started",
		"symbol", symbol, "until", until.In(types.KST).Format("15:04:05"))
}

// linkSelection marks today's selection row for symbol as traded so slot
// summaries can attribute the fill.
func (e *Executor) linkSelection(ctx context.Context, symbol string, tradeID int64, now time.Time) {
	sel, err := e.store.UntradedSelection(ctx, store.TradeDate(now), symbol)
	if err != nil {
		if !types.IsKind(err, types.ErrNotFound) {
			e.logger.Warn("selection lookup failed", "symbol", symbol, "error", err)
		}
		return
	}
	if err := e.store.MarkTraded(ctx, sel.ID, tradeID); err != nil {
		e.logger.Warn("selection link failed",
			"symbol", symbol, "selection_id", sel.ID, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Operator surface
// ————————————————————————————————————————————————————————————————————————

// Pause stops discretionary order submission: buys and manual sells.
// Automatic protective sells (stops, targets, the day exit) still go
// through. The data plane and the monitor keep running; resting orders
// are untouched.
func (e *Executor) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Warn("order submission paused")
}

// Resume re-enables order submission.
func (e *Executor) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.logger.Info("order submission resumed")
}

// Paused reports whether order submission is paused.
func (e *Executor) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// PendingOrders returns snapshots of the in-flight orders.
func (e *Executor) PendingOrders() []types.Order {
	e.mu.Lock()
	out := make([]types.Order, 0, len(e.pending))
	for _, order := range e.pending {
		out = append(out, *order)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Stats returns a counter snapshot.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	pending := len(e.pending)
	cooldowns := len(e.cooldown)
	paused := e.paused
	e.mu.Unlock()

	return ExecutorStats{
		Buys:          e.buys.Load(),
		Sells:         e.sells.Load(),
		Rejected:      e.rejected.Load(),
		StaleCancels:  e.cancels.Load(),
		ExternalFills: e.extFills.Load(),
		Pending:       pending,
		Cooldowns:     cooldowns,
		Paused:        paused,
	}
}
