package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/internal/market"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// CandleState is a candidate's place in the trade lifecycle.
type CandleState string

const (
	CandleScanning     CandleState = "SCANNING"
	CandleWatching     CandleState = "WATCHING"
	CandleBuyReady     CandleState = "BUY_READY"
	CandlePendingOrder CandleState = "PENDING_ORDER"
	CandleEntered      CandleState = "ENTERED"
	CandleSellReady    CandleState = "SELL_READY"
	CandleExited       CandleState = "EXITED"
	CandleStopped      CandleState = "STOPPED"
)

// Regimes. Premarket trusts only completed daily bars; realtime reads the
// forming bar too and lets pattern freshness decay much faster.
const (
	RegimePremarket = "premarket"
	RegimeRealtime  = "realtime"
)

const (
	// Admission: a newcomer must clear the weakest evictable incumbent by
	// this many score points when the universe is full.
	evictionMargin = 30.0

	// A pattern only qualifies while it completed within the last few bars.
	recentPatternBars = 3

	// Breakout volume floor as a multiple of the 20-day average volume.
	volumeConfirmRatio = 1.0

	entryRetryDelay = time.Minute
	exitRetryDelay  = 30 * time.Second

	premarketFreshFor = 4 * time.Hour
	realtimeFreshFor  = 30 * time.Minute

	idleTimeout = 2 * time.Hour
	doneLinger  = 10 * time.Minute

	candleQueueDepth = 256
)

// statusWeight orders states by how close they are to money at work.
var statusWeight = map[CandleState]float64{
	CandleScanning:     0.2,
	CandleWatching:     0.5,
	CandleBuyReady:     0.8,
	CandlePendingOrder: 1.0,
	CandleEntered:      1.0,
	CandleSellReady:    0.9,
	CandleExited:       0.1,
	CandleStopped:      0.1,
}

// critical states hold a live position or an in-flight order and are never
// evicted to make room.
func critical(s CandleState) bool {
	return s == CandleEntered || s == CandlePendingOrder || s == CandleSellReady
}

// CandleCandidate is one watched pattern setup with its risk block.
type CandleCandidate struct {
	Symbol string
	Name   string
	State  CandleState

	Pattern        Pattern
	SignalStrength float64 // engine score at admission, 0..1
	Score          float64 // admission score, 0..100

	EntryTrigger    int64 // break above the pattern bar's high
	InvalidateBelow int64 // pattern bar's low; trading under it re-arms
	Target          int64
	Stop            int64
	VolumeFloor     int64 // accumulated day volume required at the trigger
	EntryPrice      int64 // limit of the accepted entry order

	AddedAt   time.Time
	UpdatedAt time.Time

	retryAfter time.Time
}

// CandleTrader is the slice of the executor the manager drives.
type CandleTrader interface {
	Buy(ctx context.Context, sig *types.Signal) (*types.Order, error)
	Sell(ctx context.Context, symbol string, strategy types.Strategy, auto bool, reason string) (*types.Order, error)
}

// CandleStats is a counter snapshot.
type CandleStats struct {
	Watching    int
	Entered     int
	Admitted    uint64
	Evicted     uint64
	Rejected    uint64 // full universe, margin not met
	Invalidated uint64
	Pruned      uint64
	Entries     uint64
	Exits       uint64
	Stops       uint64
	Dropped     uint64 // events discarded on a full queue
}

// CandleManager watches a bounded universe of candlestick setups and trades
// their triggers. It consumes the collector like every other strategy and
// owns no streams; prints arrive through OnEvent and are handled on the Run
// goroutine, so state transitions are single-writer.
type CandleManager struct {
	cfg      config.CandleConfig
	detector *Detector
	eval     Evaluator
	trader   CandleTrader
	data     HistorySource
	clock    market.Clock
	logger   *slog.Logger

	events chan types.StreamEvent

	mu    sync.Mutex
	watch map[string]*CandleCandidate

	admitted    uint64 // counters guarded by mu
	evicted     uint64
	rejected    uint64
	invalidated uint64
	pruned      uint64
	entries     uint64
	exits       uint64
	stops       uint64

	dropped atomic.Uint64
}

func NewCandleManager(cfg config.CandleConfig, eval Evaluator, trader CandleTrader, data HistorySource, clock market.Clock, logger *slog.Logger) *CandleManager {
	if cfg.MaxWatch <= 0 {
		cfg.MaxWatch = 100
	}
	if clock == nil {
		clock = time.Now
	}
	return &CandleManager{
		cfg:      cfg,
		detector: NewDetector(),
		eval:     eval,
		trader:   trader,
		data:     data,
		clock:    clock,
		logger:   logger.With("component", "candle"),
		events:   make(chan types.StreamEvent, candleQueueDepth),
		watch:    make(map[string]*CandleCandidate),
	}
}

// Regime returns the active regime: the configured one, or by wall clock
// when set to auto.
func (m *CandleManager) Regime(now time.Time) string {
	if m.cfg.Regime != "" && m.cfg.Regime != "auto" {
		return m.cfg.Regime
	}
	if now.In(types.KST).Hour() < 9 {
		return RegimePremarket
	}
	return RegimeRealtime
}

// OnEvent feeds one decoded stream event into the manager. Never blocks.
func (m *CandleManager) OnEvent(ev types.StreamEvent) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

// Run processes prints and periodically re-scores and prunes the universe.
// Blocks until ctx is cancelled.
func (m *CandleManager) Run(ctx context.Context, sweepEvery time.Duration) {
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Minute
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	m.logger.Info("candle manager started", "max_watch", m.cfg.MaxWatch, "regime", m.cfg.Regime)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("candle manager stopped")
			return
		case ev := <-m.events:
			m.handleTrade(ctx, ev)
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Scan detects fresh patterns on the given symbols and admits the setups.
// Called by the scheduler after each slot selection.
func (m *CandleManager) Scan(ctx context.Context, symbols []string) {
	now := m.clock()
	regime := m.Regime(now)
	today := now.In(types.KST).Format("20060102")

	for _, sym := range symbols {
		if ctx.Err() != nil {
			return
		}
		bars, err := m.data.DailySeries(ctx, sym, "D", dailyWindow)
		if err != nil {
			m.logger.Debug("scan: no daily series", "symbol", sym, "error", err)
			continue
		}
		eff := bars
		if regime == RegimePremarket && len(eff) > 0 && eff[len(eff)-1].Date == today {
			// Premarket trusts only completed bars.
			eff = eff[:len(eff)-1]
		}
		if len(eff) < recentPatternBars {
			continue
		}

		best, ok := freshestBullish(m.detector.Detect(sym, eff, now), len(eff))
		if !ok {
			continue
		}

		bar := eff[best.Index]
		quote := types.Quote{
			Symbol:    sym,
			Price:     bar.Close,
			Volume:    bar.Volume,
			Timestamp: now,
			Source:    types.SourceREST,
		}
		sig, err := m.eval.Evaluate(sym, types.StrategyCandle, quote, bars)
		if err != nil {
			m.logger.Debug("scan: no signal", "symbol", sym, "error", err)
			continue
		}

		trigger := bar.High
		stop := sig.StopLoss
		target := sig.TargetPrice
		if target <= trigger && trigger > stop {
			// The pattern bar already prints the swing high; project the
			// target as a 2R move above the trigger instead.
			target = trigger + 2*(trigger-stop)
		}

		m.admit(&CandleCandidate{
			Symbol:          sym,
			State:           CandleWatching,
			Pattern:         best,
			SignalStrength:  sig.Strength,
			EntryTrigger:    trigger,
			InvalidateBelow: bar.Low,
			Target:          target,
			Stop:            stop,
			VolumeFloor:     int64(AvgVolume(eff, volumePeriod) * volumeConfirmRatio),
			AddedAt:         now,
			UpdatedAt:       now,
		}, now, regime)
	}
}

// freshestBullish picks the highest-confidence bullish pattern completing
// within the last recentPatternBars bars.
func freshestBullish(pats []Pattern, n int) (Pattern, bool) {
	var best Pattern
	found := false
	for _, p := range pats {
		if p.Direction != Bullish || p.Index < n-recentPatternBars {
			continue
		}
		if !found || p.Confidence > best.Confidence ||
			(p.Confidence == best.Confidence && p.Index > best.Index) {
			best = p
			found = true
		}
	}
	return best, found
}

// admit inserts or refreshes a candidate, evicting the weakest evictable
// incumbent when the universe is full and the newcomer clears the margin.
func (m *CandleManager) admit(c *CandleCandidate, now time.Time, regime string) {
	c.Score = admissionScore(c, now, freshWindow(regime))

	m.mu.Lock()
	if cur, ok := m.watch[c.Symbol]; ok {
		// Refresh the setup in place; a finished candidate restarts.
		cur.Pattern = c.Pattern
		cur.SignalStrength = c.SignalStrength
		cur.EntryTrigger = c.EntryTrigger
		cur.InvalidateBelow = c.InvalidateBelow
		cur.Target = c.Target
		cur.Stop = c.Stop
		cur.VolumeFloor = c.VolumeFloor
		cur.UpdatedAt = now
		if cur.State == CandleExited || cur.State == CandleStopped {
			cur.State = CandleWatching
		}
		cur.Score = admissionScore(cur, now, freshWindow(regime))
		m.mu.Unlock()
		return
	}

	if len(m.watch) < m.cfg.MaxWatch {
		m.watch[c.Symbol] = c
		m.admitted++
		m.mu.Unlock()
		m.logger.Info("candidate admitted",
			"symbol", c.Symbol, "pattern", c.Pattern.Type, "score", c.Score, "trigger", c.EntryTrigger)
		return
	}

	victim := ""
	low := 0.0
	for sym, cur := range m.watch {
		if critical(cur.State) {
			continue
		}
		if victim == "" || cur.Score < low {
			victim, low = sym, cur.Score
		}
	}
	if victim == "" || c.Score < low+evictionMargin {
		m.rejected++
		m.mu.Unlock()
		return
	}
	delete(m.watch, victim)
	m.watch[c.Symbol] = c
	m.evicted++
	m.admitted++
	m.mu.Unlock()
	m.logger.Info("candidate admitted by eviction",
		"symbol", c.Symbol, "score", c.Score, "evicted", victim, "evicted_score", low)
}

func freshWindow(regime string) time.Duration {
	if regime == RegimePremarket {
		return premarketFreshFor
	}
	return realtimeFreshFor
}

// admissionScore blends pattern quality, the advanced-signal read, lifecycle
// status, and pattern freshness into 0..100.
func admissionScore(c *CandleCandidate, now time.Time, window time.Duration) float64 {
	fresh := 1 - float64(now.Sub(c.Pattern.DetectedAt))/float64(window)
	return c.Pattern.Confidence*30 +
		c.Pattern.Strength*25 +
		c.SignalStrength*20 +
		statusWeight[c.State]*15 +
		clamp01(fresh)*10
}

// handleTrade advances one candidate's state machine from a trade print.
// Broker calls happen outside the lock; only the Run goroutine transitions
// states, so a candidate parked in PENDING_ORDER cannot race itself.
func (m *CandleManager) handleTrade(ctx context.Context, ev types.StreamEvent) {
	if ev.Type != types.EventTrade || ev.Trade == nil {
		return
	}
	now := m.clock()
	price := ev.Trade.Price

	const (
		actNone = iota
		actEnter
		actTarget
		actStop
	)
	action := actNone

	m.mu.Lock()
	c, ok := m.watch[ev.Symbol]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.UpdatedAt = now

	switch c.State {
	case CandleWatching:
		if price >= c.EntryTrigger && ev.Trade.Volume >= c.VolumeFloor {
			c.State = CandleBuyReady
		}
	case CandleBuyReady:
		if price <= c.InvalidateBelow {
			c.State = CandleWatching
			m.invalidated++
		}
	case CandleEntered:
		if price >= c.Target {
			c.State = CandleSellReady
			action = actTarget
		} else if price <= c.Stop && !now.Before(c.retryAfter) {
			action = actStop
		}
	case CandleSellReady:
		if !now.Before(c.retryAfter) {
			action = actTarget
		}
	}
	if c.State == CandleBuyReady && action == actNone && !now.Before(c.retryAfter) {
		c.State = CandlePendingOrder
		action = actEnter
	}
	strength := c.SignalStrength
	conf := c.Pattern.Confidence
	patType := c.Pattern.Type
	trigger, target, stop := c.EntryTrigger, c.Target, c.Stop
	m.mu.Unlock()

	switch action {
	case actEnter:
		sig := &types.Signal{
			Symbol:      ev.Symbol,
			Side:        types.BUY,
			Strategy:    types.StrategyCandle,
			Price:       price,
			Strength:    strength,
			Confidence:  conf,
			TargetPrice: target,
			StopLoss:    stop,
			RiskReward:  riskReward(price, target, stop),
			GeneratedAt: now,
			Reason:      fmt.Sprintf("%s breakout above %d", patType, trigger),
		}
		order, err := m.trader.Buy(ctx, sig)
		m.finishEntry(ev.Symbol, order, err)
	case actTarget:
		m.finishExit(ev.Symbol, false, m.sell(ctx, ev.Symbol, "target reached"))
	case actStop:
		m.finishExit(ev.Symbol, true, m.sell(ctx, ev.Symbol, "stop fired"))
	}
}

func (m *CandleManager) sell(ctx context.Context, symbol, reason string) error {
	_, err := m.trader.Sell(ctx, symbol, types.StrategyCandle, true, reason)
	return err
}

func riskReward(price, target, stop int64) float64 {
	if risk := price - stop; risk > 0 {
		return float64(target-price) / float64(risk)
	}
	return 0
}

// finishEntry settles the PENDING_ORDER state after the buy call returned.
func (m *CandleManager) finishEntry(symbol string, order *types.Order, err error) {
	now := m.clock()
	m.mu.Lock()
	c, ok := m.watch[symbol]
	if !ok {
		m.mu.Unlock()
		return
	}
	if err != nil {
		c.State = CandleBuyReady
		c.retryAfter = now.Add(entryRetryDelay)
		m.mu.Unlock()
		m.logger.Warn("candle entry rejected", "symbol", symbol, "error", err)
		return
	}
	c.State = CandleEntered
	c.EntryPrice = order.LimitPrice
	c.retryAfter = time.Time{}
	m.entries++
	target, stop := c.Target, c.Stop
	m.mu.Unlock()
	m.logger.Info("candle entry placed",
		"symbol", symbol, "limit", order.LimitPrice, "qty", order.Qty, "target", target, "stop", stop)
}

// finishExit settles the exit attempt. A VALIDATION refusal means the
// position is already gone (sold elsewhere), which closes the candidate too.
func (m *CandleManager) finishExit(symbol string, stopped bool, err error) {
	now := m.clock()
	m.mu.Lock()
	c, ok := m.watch[symbol]
	if !ok {
		m.mu.Unlock()
		return
	}
	if err != nil && !types.IsKind(err, types.ErrValidation) {
		c.retryAfter = now.Add(exitRetryDelay)
		m.mu.Unlock()
		m.logger.Warn("candle exit failed", "symbol", symbol, "error", err)
		return
	}
	if stopped {
		c.State = CandleStopped
		m.stops++
	} else {
		c.State = CandleExited
		m.exits++
	}
	c.UpdatedAt = now
	m.mu.Unlock()
	if err != nil {
		m.logger.Info("position already gone, closing candidate", "symbol", symbol)
	} else {
		m.logger.Info("candle exit placed", "symbol", symbol, "stopped", stopped)
	}
}

// sweep re-scores every candidate with decayed freshness and prunes the
// finished and the idle.
func (m *CandleManager) sweep() {
	now := m.clock()
	window := freshWindow(m.Regime(now))

	m.mu.Lock()
	defer m.mu.Unlock()
	for sym, c := range m.watch {
		switch {
		case (c.State == CandleExited || c.State == CandleStopped) && now.Sub(c.UpdatedAt) > doneLinger:
			delete(m.watch, sym)
			m.pruned++
		case !critical(c.State) && now.Sub(c.UpdatedAt) > idleTimeout:
			delete(m.watch, sym)
			m.pruned++
		default:
			c.Score = admissionScore(c, now, window)
		}
	}
}

// Snapshot returns the universe sorted by score, best first.
func (m *CandleManager) Snapshot() []CandleCandidate {
	m.mu.Lock()
	out := make([]CandleCandidate, 0, len(m.watch))
	for _, c := range m.watch {
		out = append(out, *c)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (m *CandleManager) Stats() CandleStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := CandleStats{
		Admitted:    m.admitted,
		Evicted:     m.evicted,
		Rejected:    m.rejected,
		Invalidated: m.invalidated,
		Pruned:      m.pruned,
		Entries:     m.entries,
		Exits:       m.exits,
		Stops:       m.stops,
		Dropped:     m.dropped.Load(),
	}
	for _, c := range m.watch {
		if c.State == CandleEntered || c.State == CandleSellReady {
			s.Entered++
		} else if !(c.State == CandleExited || c.State == CandleStopped) {
			s.Watching++
		}
	}
	return s
}
