package strategy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/market"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// Debounce windows. A symbol is evaluated at most once per debounceAny, per
// strategy once per debounceStrategy; a forwarded buy silences it for
// debounceBuy, and an accepted order for postBuyCooldown.
const (
	debounceAny      = 10 * time.Second
	debounceStrategy = 30 * time.Second
	debounceBuy      = 60 * time.Second
	postBuyCooldown  = 5 * time.Minute

	// dailyWindow is how many daily bars the pipeline pulls per evaluation.
	// Above minHistory so MA60 has slack on short listings.
	dailyWindow = 80

	queueDepth  = 256
	workerCount = 2
)

// Evaluator produces and gates signals. *Engine is the real one.
type Evaluator interface {
	Evaluate(symbol string, strategy types.Strategy, quote types.Quote, daily []types.Candle) (*types.Signal, error)
	Accepts(sig *types.Signal) error
}

// Trader is the slice of the executor the pipeline drives.
type Trader interface {
	Buy(ctx context.Context, sig *types.Signal) (*types.Order, error)
}

// HistorySource is the slice of the collector the pipeline reads.
type HistorySource interface {
	DailySeries(ctx context.Context, symbol, period string, n int) ([]types.Candle, error)
}

// PipelineStats is a counter snapshot.
type PipelineStats struct {
	Enqueued  uint64
	Dropped   uint64 // queue full, print discarded
	Debounced uint64
	Evaluated uint64
	Gated     uint64 // produced but failed a gate
	Forwarded uint64 // reached the executor and was accepted
	Failed    uint64 // data fetch or executor error
}

// Pipeline fans stream prints through a small worker pool into the signal
// engine and on to the executor. Enqueueing never blocks: the stream reader
// must not stall behind indicator math or broker calls.
type Pipeline struct {
	eval   Evaluator
	trader Trader
	data   HistorySource
	clock  market.Clock
	logger *slog.Logger

	jobs chan job

	mu        sync.Mutex
	lastAny   map[string]time.Time // symbol -> last evaluation attempt
	lastStrat map[string]time.Time // symbol|strategy -> last attempt
	lastBuy   map[string]time.Time // symbol -> last forwarded buy
	cooldown  map[string]time.Time // symbol -> post-buy silence expiry
	inflight  map[string]bool      // symbol being processed right now

	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	debounced atomic.Uint64
	evaluated atomic.Uint64
	gated     atomic.Uint64
	forwarded atomic.Uint64
	failed    atomic.Uint64
}

type job struct {
	symbol   string
	strategy types.Strategy
	quote    types.Quote
}

func NewPipeline(eval Evaluator, trader Trader, data HistorySource, clock market.Clock, logger *slog.Logger) *Pipeline {
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		eval:      eval,
		trader:    trader,
		data:      data,
		clock:     clock,
		logger:    logger.With("component", "pipeline"),
		jobs:      make(chan job, queueDepth),
		lastAny:   make(map[string]time.Time),
		lastStrat: make(map[string]time.Time),
		lastBuy:   make(map[string]time.Time),
		cooldown:  make(map[string]time.Time),
		inflight:  make(map[string]bool),
	}
}

// CallbackFor returns the stream callback for one strategy's subscriptions.
// It accepts both live prints and the polling loop's synthesized trade
// events, and drops on a full queue instead of blocking.
func (p *Pipeline) CallbackFor(strategy types.Strategy) types.StreamCallback {
	return func(ev types.StreamEvent) {
		if ev.Type != types.EventTrade || ev.Trade == nil {
			return
		}
		j := job{
			symbol:   ev.Symbol,
			strategy: strategy,
			quote: types.Quote{
				Symbol:     ev.Symbol,
				Price:      ev.Trade.Price,
				ChangeRate: ev.Trade.ChangeRate,
				Volume:     ev.Trade.Volume,
				Timestamp:  ev.Trade.Timestamp,
				Source:     types.SourceStream,
			},
		}
		select {
		case p.jobs <- j:
			p.enqueued.Add(1)
		default:
			p.dropped.Add(1)
		}
	}
}

// Run drains the queue with workerCount workers until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("signal pipeline started", "workers", workerCount, "depth", queueDepth)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-p.jobs:
					p.process(ctx, j)
				}
			}
		}()
	}
	wg.Wait()
	p.logger.Info("signal pipeline stopped")
}

// process runs one print end to end: claim the symbol, pull history,
// evaluate, gate, forward.
func (p *Pipeline) process(ctx context.Context, j job) {
	now := p.clock()
	if !p.claim(j, now) {
		p.debounced.Add(1)
		return
	}
	defer p.unclaim(j.symbol)

	daily, err := p.data.DailySeries(ctx, j.symbol, "D", dailyWindow)
	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("daily history unavailable", "symbol", j.symbol, "error", err)
		return
	}

	sig, err := p.eval.Evaluate(j.symbol, j.strategy, j.quote, daily)
	if err != nil {
		p.logger.Debug("signal skipped", "symbol", j.symbol, "error", err)
		return
	}
	p.evaluated.Add(1)

	if err := p.eval.Accepts(sig); err != nil {
		p.gated.Add(1)
		p.logger.Debug("signal gated", "symbol", j.symbol, "error", err)
		return
	}

	order, err := p.trader.Buy(ctx, sig)
	if err != nil {
		p.failed.Add(1)
		p.logger.Info("buy not placed", "symbol", j.symbol, "strategy", j.strategy, "error", err)
		return
	}

	p.recordBuy(j.symbol, p.clock())
	p.forwarded.Add(1)
	p.logger.Info("signal forwarded",
		"symbol", j.symbol,
		"strategy", j.strategy,
		"order", order.ClientID,
		"score", sig.Strength*100,
		"confidence", sig.Confidence,
		"rr", sig.RiskReward,
	)
}

// claim passes the debounce gates and marks the symbol busy. The attempt
// timestamps are written here so a symbol that keeps failing downstream
// still backs off; the buy marks are only written by recordBuy.
func (p *Pipeline) claim(j job, now time.Time) bool {
	key := j.symbol + "|" + string(j.strategy)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inflight[j.symbol] {
		return false
	}
	if until, ok := p.cooldown[j.symbol]; ok {
		if now.Before(until) {
			return false
		}
		delete(p.cooldown, j.symbol)
	}
	if t, ok := p.lastBuy[j.symbol]; ok && now.Sub(t) < debounceBuy {
		return false
	}
	if t, ok := p.lastAny[j.symbol]; ok && now.Sub(t) < debounceAny {
		return false
	}
	if t, ok := p.lastStrat[key]; ok && now.Sub(t) < debounceStrategy {
		return false
	}

	p.lastAny[j.symbol] = now
	p.lastStrat[key] = now
	p.inflight[j.symbol] = true
	return true
}

func (p *Pipeline) unclaim(symbol string) {
	p.mu.Lock()
	delete(p.inflight, symbol)
	p.mu.Unlock()
}

// recordBuy marks a forwarded buy: no further buy for debounceBuy and the
// symbol sits out postBuyCooldown entirely.
func (p *Pipeline) recordBuy(symbol string, now time.Time) {
	p.mu.Lock()
	p.lastBuy[symbol] = now
	p.cooldown[symbol] = now.Add(postBuyCooldown)
	p.mu.Unlock()
}

// Forget clears the debounce history for symbol, used when a slot change
// re-selects it under a different strategy.
func (p *Pipeline) Forget(symbol string) {
	p.mu.Lock()
	delete(p.lastAny, symbol)
	delete(p.lastBuy, symbol)
	delete(p.cooldown, symbol)
	for k := range p.lastStrat {
		if len(k) > len(symbol) && k[:len(symbol)] == symbol && k[len(symbol)] == '|' {
			delete(p.lastStrat, k)
		}
	}
	p.mu.Unlock()
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Enqueued:  p.enqueued.Load(),
		Dropped:   p.dropped.Load(),
		Debounced: p.debounced.Load(),
		Evaluated: p.evaluated.Load(),
		Gated:     p.gated.Load(),
		Forwarded: p.forwarded.Load(),
		Failed:    p.failed.Load(),
	}
}
