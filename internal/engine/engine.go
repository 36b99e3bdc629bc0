// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. The exchange client and token manager talk to the broker OpenAPI.
//  2. The collector unifies stream, cache, and REST into one read path;
//     the subscription manager juggles the limited realtime slots.
//  3. The pipeline and the candle watcher turn stream prints into orders
//     through the executor, which journals every fill to the store.
//  4. The scheduler reshapes the whole watch list slot by slot through
//     the trading day and runs the day exit.
//  5. The risk guard pauses discretionary trading when realized losses
//     cross a limit.
//
// Lifecycle: New → Start → [runs until SIGINT or /shutdown] → Stop
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/api"
	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/internal/exchange"
	"github.com/tgparkk/StockBot-sub002/internal/market"
	"github.com/tgparkk/StockBot-sub002/internal/risk"
	"github.com/tgparkk/StockBot-sub002/internal/schedule"
	"github.com/tgparkk/StockBot-sub002/internal/store"
	"github.com/tgparkk/StockBot-sub002/internal/strategy"
	"github.com/tgparkk/StockBot-sub002/internal/trade"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

const (
	candleSweepEvery = time.Minute
	monitorEvery     = 10 * time.Second
	startupTimeout   = 10 * time.Second
)

// Engine owns the lifecycle of every subsystem goroutine.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	auth      *exchange.TokenManager
	client    *exchange.Client
	stream    *exchange.StreamClient
	cache     *market.Cache
	collector *market.Collector
	subs      *market.Manager
	discovery *market.Discovery
	store     *store.Store
	book      *trade.Book
	executor  *trade.Executor
	signals   *strategy.Engine
	pipeline  *strategy.Pipeline
	candles   *strategy.CandleManager
	guard     *risk.Manager
	sched     *schedule.Scheduler

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Nothing talks to the
// broker until Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	auth := exchange.NewTokenManager(cfg.Broker, logger)
	client := exchange.NewClient(cfg.Broker, auth, logger)

	cache := market.NewCache(nil)
	collector := market.NewCollector(client, cache, nil, logger)
	stream := exchange.NewStreamClient(cfg.Broker.WSURL, auth, collector.HandleStreamEvent, logger)
	subs := market.NewManager(stream, collector, cfg.Data.PollInterval, nil, logger)
	discovery := market.NewDiscovery(cfg.Discovery, logger)

	book := trade.NewBook()
	executor := trade.NewExecutor(client, collector, st, book, cfg.Trading, nil, logger)

	signals := strategy.NewEngine(cfg.Signal, nil, logger)
	pipeline := strategy.NewPipeline(signals, executor, collector, nil, logger)
	candles := strategy.NewCandleManager(cfg.Candle, signals, executor, collector, nil, logger)

	guard := risk.NewManager(cfg.Risk, st, executor, nil, logger)

	sched, err := schedule.New(cfg.Trading, nil, schedule.Deps{
		Screener:  client,
		Discovery: discovery,
		Subs:      subs,
		Store:     st,
		Signals:   pipeline,
		Candles:   candles,
		Closer:    executor,
		Book:      book,
		Logger:    logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		auth:      auth,
		client:    client,
		stream:    stream,
		cache:     cache,
		collector: collector,
		subs:      subs,
		discovery: discovery,
		store:     st,
		book:      book,
		executor:  executor,
		signals:   signals,
		pipeline:  pipeline,
		candles:   candles,
		guard:     guard,
		sched:     sched,
		ctx:       ctx,
		cancel:    cancel,
	}

	// Resubscription replay must run with the engine's own lifetime, not
	// whatever request context happened to trigger the reconnect.
	stream.SetOnReconnect(func() { subs.OnStreamReconnect(ctx) })

	return e, nil
}

// Start syncs the account and launches all background goroutines.
func (e *Engine) Start() error {
	e.startedAt = time.Now()
	e.logger.Info("starting",
		"mode", e.cfg.Trading.Mode,
		"demo", e.cfg.Broker.Demo,
		"store", e.cfg.Store.Path,
	)

	// Adopt whatever the account already holds before anything trades.
	// This also proves the credentials work before goroutines launch.
	syncCtx, cancel := context.WithTimeout(e.ctx, startupTimeout)
	defer cancel()
	bal, err := e.client.GetBalance(syncCtx)
	if err != nil {
		return fmt.Errorf("startup balance: %w", err)
	}
	added, dropped := e.book.Sync(bal.Holdings, time.Now())
	e.logger.Info("account synced",
		"cash_available", bal.CashAvailable,
		"holdings", len(bal.Holdings),
		"adopted", added,
		"dropped", dropped,
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.stream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("stream client error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.subs.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pipeline.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.candles.Run(e.ctx, candleSweepEvery)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.executor.RunMonitor(e.ctx, monitorEvery)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.guard.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sched.Run(e.ctx)
	}()

	return nil
}

// Stop cancels all goroutines, waits for them, writes the final daily
// summary, and closes resources. Resting broker orders are left alone:
// exchange day orders expire at the close, and cancelling on the way
// down risks killing a fill that is already on the wire.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	if err := e.stream.Close(); err != nil {
		e.logger.Debug("stream close", "error", err)
	}

	sumCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	date := time.Now().In(types.KST).Format("20060102")
	if _, err := e.store.RebuildDailySummary(sumCtx, date); err != nil {
		e.logger.Warn("final daily summary failed", "date", date, "error", err)
	}

	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// Done closes when something asked the process to exit. main waits on
// this alongside OS signals; Stop still has to be called.
func (e *Engine) Done() <-chan struct{} { return e.ctx.Done() }

// RequestShutdown begins a graceful exit without waiting for it.
func (e *Engine) RequestShutdown() { e.cancel() }

// Pause stops discretionary order submission. Protective exits and the
// data plane keep running.
func (e *Engine) Pause() { e.executor.Pause() }

// Resume lifts a pause.
func (e *Engine) Resume() { e.executor.Resume() }

// ForceRefresh tears down and rebuilds the current slot's watch list.
func (e *Engine) ForceRefresh() { e.sched.ForceRefresh() }

// ExportCSV streams the recent trade journal.
func (e *Engine) ExportCSV(ctx context.Context, w io.Writer, days int) error {
	return e.store.ExportCSV(ctx, w, days, time.Now().In(types.KST))
}

// Snapshot aggregates every subsystem's counters for the operator
// surface.
func (e *Engine) Snapshot() api.StatusSnapshot {
	now := time.Now()
	stream := e.stream.Stats()
	col := e.collector.Stats()
	cache := e.cache.Stats()
	subs := e.subs.Stats()
	exec := e.executor.Stats()
	pipe := e.pipeline.Stats()
	candle := e.candles.Stats()
	sched := e.sched.Stats()
	guard := e.guard.Snapshot()

	positions := e.book.All()
	posOut := make([]api.PositionStatus, 0, len(positions))
	for _, p := range positions {
		posOut = append(posOut, api.PositionStatus{
			Symbol:   p.Symbol,
			Name:     p.Name,
			Quantity: p.Quantity,
			AvgCost:  p.AvgCost,
			Strategy: string(p.Strategy),
			Source:   string(p.Source),
			OpenedAt: p.OpenedAt,
		})
	}

	pending := e.executor.PendingOrders()
	pendOut := make([]api.OrderStatus, 0, len(pending))
	for _, o := range pending {
		pendOut = append(pendOut, api.OrderStatus{
			ClientID:    o.ClientID,
			Symbol:      o.Symbol,
			Side:        string(o.Side),
			Qty:         o.Qty,
			LimitPrice:  o.LimitPrice,
			FilledQty:   o.FilledQty,
			SubmittedAt: o.SubmittedAt,
		})
	}

	return api.StatusSnapshot{
		Timestamp: now,
		Uptime:    now.Sub(e.startedAt).Round(time.Second).String(),
		Mode:      e.cfg.Trading.Mode,
		Demo:      e.cfg.Broker.Demo,
		Paused:    e.executor.Paused(),
		Positions: posOut,
		Pending:   pendOut,
		Stream: api.StreamStatus{
			Connected:    stream.Connected,
			Healthy:      stream.Healthy,
			Symbols:      stream.Symbols,
			UsageRatio:   stream.UsageRatio,
			Connects:     stream.Connects,
			Delivered:    stream.Delivered,
			DecodeErrors: stream.DecodeErrors,
		},
		Market: api.MarketStatus{
			StreamServed:  col.StreamServed,
			StreamStale:   col.StreamStale,
			RESTCalls:     col.RESTCalls,
			CacheFallback: col.CacheFallback,
			EventsApplied: col.EventsApplied,
			CacheHits:     cache.Hits,
			CacheMisses:   cache.Misses,
		},
		Subs: api.SubsStatus{
			Realtime:        subs.Realtime,
			Polling:         subs.Polling,
			Waitlisted:      subs.Waitlisted,
			RealtimeSymbols: e.subs.RealtimeSymbols(),
			Promotions:      subs.Promotions,
			Demotions:       subs.Demotions,
			PollCycles:      subs.PollCycles,
			PollErrors:      subs.PollErrors,
		},
		Trading: api.TradingStatus{
			Buys:          exec.Buys,
			Sells:         exec.Sells,
			Rejected:      exec.Rejected,
			StaleCancels:  exec.StaleCancels,
			ExternalFills: exec.ExternalFills,
			Cooldowns:     exec.Cooldowns,
			OpenPositions: e.book.Count(),
			ClosedRounds:  e.book.Closed(),
		},
		Signals: api.SignalStatus{
			Enqueued:  pipe.Enqueued,
			Dropped:   pipe.Dropped,
			Debounced: pipe.Debounced,
			Evaluated: pipe.Evaluated,
			Gated:     pipe.Gated,
			Forwarded: pipe.Forwarded,
			Failed:    pipe.Failed,
		},
		Candles: api.CandleStatus{
			Regime:      e.candles.Regime(now),
			Watching:    candle.Watching,
			Entered:     candle.Entered,
			Admitted:    candle.Admitted,
			Rejected:    candle.Rejected,
			Invalidated: candle.Invalidated,
			Entries:     candle.Entries,
			Exits:       candle.Exits,
			Stops:       candle.Stops,
		},
		Schedule: api.ScheduleStatus{
			ActiveSlot: sched.ActiveSlot,
			Setups:     sched.Setups,
			Selected:   sched.Selected,
			Activated:  sched.Activated,
			DayExits:   sched.DayExits,
		},
		Risk: api.RiskStatus{
			Tripped:    guard.Tripped,
			Reason:     guard.Reason,
			Since:      guard.Since,
			Until:      guard.Until,
			DailyPnL:   guard.DailyPnL,
			LossStreak: guard.LossStreak,
			Trips:      guard.Trips,
		},
		Config: api.NewConfigSummary(e.cfg),
	}
}
