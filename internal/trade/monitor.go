package trade

import (
	"context"
	"time"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// orderMaxAge is how long a resting order may sit unfilled before the
// monitor cancels it.
const orderMaxAge = 5 * time.Minute

// RunMonitor sweeps the broker's intraday order book on interval until ctx
// is cancelled. Each sweep settles the executor's in-flight orders, cancels
// stale resting ones, and folds external fills into the position book.
func (e *Executor) RunMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	e.logger.Info("order monitor started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("order monitor stopped")
			return
		case <-ticker.C:
			e.SweepOrders(ctx)
		}
	}
}

// SweepOrders runs one reconciliation pass against ListDayOrders.
//
// Bot orders settle by what the inquiry reports: fully filled or cancelled
// orders leave the in-flight table, and the unfilled remainder of a
// cancelled buy is backed out of the book. Orders resting past orderMaxAge
// are cancelled, but only when the KRX forwarding org number is known; a
// blank org number abandons the attempt rather than guessing one.
func (e *Executor) SweepOrders(ctx context.Context) {
	day, err := e.broker.ListDayOrders(ctx)
	if err != nil {
		e.logger.Warn("order sweep failed", "error", err)
		return
	}
	now := e.clock()

	byID := make(map[string]types.DayOrder, len(day))
	for _, d := range day {
		if d.BrokerOrderID != "" {
			byID[d.BrokerOrderID] = d
		}
	}

	e.mu.Lock()
	mine := make(map[string]types.Order, len(e.pending))
	for _, order := range e.pending {
		if order.BrokerOrderID != "" {
			mine[order.BrokerOrderID] = *order
		}
	}
	e.mu.Unlock()

	for id, order := range mine {
		d, ok := byID[id]
		if !ok {
			// Dropped from the inquiry entirely; nothing left to track.
			e.logger.Warn("pending order missing from day inquiry",
				"symbol", order.Symbol, "order_no", id)
			e.finish(order.Symbol, types.OrderExpired)
			continue
		}
		switch {
		case d.Cancelled:
			e.finish(order.Symbol, types.OrderCancelled)
			if d.Side == types.BUY && d.RemainingQty > 0 {
				// Back out the slice that never filled. Cancelled sell
				// remainders come back through the balance sync instead.
				e.book.Reduce(order.Symbol, d.RemainingQty)
			}
		case d.RemainingQty == 0:
			e.finish(order.Symbol, types.OrderFilled)
		case now.Sub(d.SubmittedAt) > orderMaxAge:
			e.cancelStale(ctx, d, order.OrgNo, now)
		}
	}

	for _, d := range day {
		if _, ours := mine[d.BrokerOrderID]; ours || d.BrokerOrderID == "" {
			continue
		}
		e.applyExternalFill(d, now)
		if !d.Cancelled && d.RemainingQty > 0 && now.Sub(d.SubmittedAt) > orderMaxAge {
			e.cancelStale(ctx, d, "", now)
		}
	}
}

// cancelStale cancels one resting order past the age limit. storedOrg is
// the org number kept from our own submission ack; external orders only
// carry whatever the inquiry echoed.
func (e *Executor) cancelStale(ctx context.Context, d types.DayOrder, storedOrg string, now time.Time) {
	org := storedOrg
	if org == "" {
		org = d.OrgNo
	}
	if org == "" {
		e.logger.Warn("stale order has no org number, cancel skipped",
			"symbol", d.Symbol, "order_no", d.BrokerOrderID)
		return
	}
	if err := e.broker.CancelOrder(ctx, d.BrokerOrderID, org); err != nil {
		e.logger.Warn("stale order cancel failed",
			"symbol", d.Symbol, "order_no", d.BrokerOrderID, "error", err)
		return
	}
	e.cancels.Add(1)
	e.logger.Info("stale order cancelled",
		"symbol", d.Symbol, "order_no", d.BrokerOrderID,
		"age", now.Sub(d.SubmittedAt).Round(time.Second))
	// The next sweep sees the cancelled flag and settles the order.
}

// applyExternalFill folds fills on non-bot orders into the book so manual
// trading done in the broker app stays visible locally. Fill quantities are
// tracked per order id so a partial fill is only applied once.
func (e *Executor) applyExternalFill(d types.DayOrder, now time.Time) {
	if d.FilledQty <= 0 {
		return
	}
	e.mu.Lock()
	delta := d.FilledQty - e.applied[d.BrokerOrderID]
	if delta <= 0 {
		e.mu.Unlock()
		return
	}
	e.applied[d.BrokerOrderID] = d.FilledQty
	e.mu.Unlock()

	if d.Side == types.BUY {
		e.book.ApplyBuy(d.Symbol, "", delta, d.LimitPrice, types.StrategyManual, types.PositionExisting, now)
	} else {
		e.book.Reduce(d.Symbol, delta)
	}
	e.extFills.Add(1)
	e.logger.Info("external fill applied",
		"symbol", d.Symbol, "side", d.Side, "qty", delta, "order_no", d.BrokerOrderID)
}
