// Package schedule drives the trading day. A slot table cuts the session
// into wall-clock windows, each with its own strategy mix; when a window
// opens (or its five-minute prep lead starts) the scheduler tears down the
// previous slot's subscriptions, sweeps the market once, ranks candidates
// through discovery, persists the selection, and subscribes the picks with
// strategy- and rank-derived priorities. In day mode it also flattens all
// bot-opened positions at the configured exit time.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/internal/market"
	"github.com/tgparkk/StockBot-sub002/internal/store"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

const (
	// maxSleep bounds one loop sleep so shutdown is observed within a
	// minute even when the next slot is hours away.
	maxSleep = 60 * time.Second

	// prepMinutes is how long before a window opens its setup runs, so
	// subscriptions are live at the bell.
	prepMinutes = 5
)

// Screener is the slice of the broker client the scheduler sweeps with.
type Screener interface {
	ScreenMarket(ctx context.Context, m types.Market) (*types.ScreenResult, error)
}

// Subscriber is the slice of the subscription manager the scheduler drives.
type Subscriber interface {
	Add(ctx context.Context, symbol string, prio types.Priority, strategy types.Strategy, score float64, cb types.StreamCallback) error
	RemoveAll(ctx context.Context)
}

// SelectionStore persists slot selections and their activation fate.
type SelectionStore interface {
	SaveSelections(ctx context.Context, rows []*store.SelectedStock) error
	MarkActivated(ctx context.Context, id int64, ok bool) error
}

// SignalSink hands out per-strategy stream callbacks and clears a symbol's
// debounce history when a new slot re-selects it.
type SignalSink interface {
	CallbackFor(strategy types.Strategy) types.StreamCallback
	Forget(symbol string)
}

// CandleScanner is the candle manager surface the scheduler feeds: a
// pattern scan over each slot's picks, plus the live prints.
type CandleScanner interface {
	Scan(ctx context.Context, symbols []string)
	OnEvent(ev types.StreamEvent)
}

// Closer is the slice of the executor the day exit sells through.
type Closer interface {
	Sell(ctx context.Context, symbol string, strategy types.Strategy, auto bool, reason string) (*types.Order, error)
}

// Positions lists the live position book.
type Positions interface {
	All() []types.Position
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Screener  Screener
	Discovery *market.Discovery
	Subs      Subscriber
	Store     SelectionStore
	Signals   SignalSink
	Candles   CandleScanner
	Closer    Closer
	Book      Positions
	Clock     market.Clock
	Logger    *slog.Logger
}

// SchedulerStats is a counter snapshot.
type SchedulerStats struct {
	ActiveSlot string
	Setups     uint64
	Selected   uint64
	Activated  uint64
	DayExits   uint64
}

// Scheduler owns the slot state machine. All mutation happens on the Run
// goroutine; Stats may be read from anywhere.
type Scheduler struct {
	cfg        config.TradingConfig
	slots      []TimeSlot
	exitMinute int // -1 in swing mode

	screener  Screener
	discovery *market.Discovery
	subs      Subscriber
	store     SelectionStore
	signals   SignalSink
	candles   CandleScanner
	closer    Closer
	book      Positions
	clock     market.Clock
	logger    *slog.Logger

	kick chan struct{}

	mu         sync.Mutex
	active     string // trading date + slot name of the last completed setup
	activeName string
	exitDone   string // trading date the day exit already ran for
	setups     uint64
	selected   uint64
	activated  uint64
	dayExits   uint64
}

func New(cfg config.TradingConfig, slots []TimeSlot, d Deps) (*Scheduler, error) {
	if len(slots) == 0 {
		slots = DefaultSlots()
	}
	exitMinute := -1
	if cfg.Mode == "day" {
		m, err := parseClock(cfg.DayExitTime)
		if err != nil {
			return nil, types.NewError(types.ErrValidation, "day exit time %q: %v", cfg.DayExitTime, err)
		}
		exitMinute = m
	}
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		cfg:        cfg,
		slots:      slots,
		exitMinute: exitMinute,
		screener:   d.Screener,
		discovery:  d.Discovery,
		subs:       d.Subs,
		store:      d.Store,
		signals:    d.Signals,
		candles:    d.Candles,
		closer:     d.Closer,
		book:       d.Book,
		clock:      clock,
		logger:     d.Logger.With("component", "scheduler"),
		kick:       make(chan struct{}, 1),
	}, nil
}

// Run loops until ctx is cancelled, sleeping between decisions in chunks
// short enough to catch shutdown and the next window promptly.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "slots", len(s.slots), "mode", s.cfg.Mode)
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-s.kick:
		case <-time.After(s.sleepFor(s.clock())):
		}
	}
}

// ForceRefresh drops the active slot so the next tick re-runs its setup,
// and wakes the Run loop. The setup itself stays on the Run goroutine.
func (s *Scheduler) ForceRefresh() {
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Tick makes one scheduling decision: enter a newly opened slot (or its
// prep window) and run the day exit when due. Split from Run so tests can
// drive it against a fake clock.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()
	if slot, ok := s.slotFor(now); ok {
		key := tradingDate(now) + "|" + slot.Name
		if s.activeKey() != key {
			s.setupSlot(ctx, slot, now, key)
		}
	}
	s.maybeDayExit(ctx, now)
}

// slotFor picks the slot to run at t. A slot whose prep window has opened
// wins over the slot still covering t, so the handover happens early.
func (s *Scheduler) slotFor(t time.Time) (TimeSlot, bool) {
	m := minuteOf(t)
	for _, sl := range s.slots {
		if inPrep(sl, m) {
			return sl, true
		}
	}
	for _, sl := range s.slots {
		if sl.Contains(m) {
			return sl, true
		}
	}
	return TimeSlot{}, false
}

// inPrep reports whether minute m sits inside the prep lead before the
// slot opens, handling the midnight wrap for a slot starting at 00:00.
func inPrep(sl TimeSlot, m int) bool {
	start := sl.Start - prepMinutes
	if start < 0 {
		return m >= start+minutesPerDay || m < sl.Start
	}
	return m >= start && m < sl.Start
}

// tradingDate is the KST date a decision at t belongs to. The prep window
// before midnight already counts toward tomorrow's first slot.
func tradingDate(t time.Time) string {
	return t.In(types.KST).Add(time.Duration(prepMinutes) * time.Minute).Format("20060102")
}

// setupSlot runs one slot entry end to end: teardown, one screening sweep,
// discovery, persistence, subscriptions, candle scan. On a failed sweep the
// slot stays inactive so the next tick retries the whole setup.
func (s *Scheduler) setupSlot(ctx context.Context, slot TimeSlot, now time.Time, key string) {
	date := tradingDate(now)
	start, end := slot.Window()
	s.logger.Info("slot setup", "slot", slot.Name, "date", date, "window", start+"-"+end)

	s.subs.RemoveAll(ctx)

	res, err := s.screener.ScreenMarket(ctx, types.MarketAll)
	if err != nil {
		s.logger.Error("market screening failed", "slot", slot.Name, "error", err)
		return
	}

	cands := s.discovery.Discover(res, now, slot.Criteria())
	rows := selectionRows(cands, slot, date, now)
	if err := s.store.SaveSelections(ctx, rows); err != nil {
		// Trade anyway; only the audit trail is lost.
		s.logger.Error("selections not persisted", "slot", slot.Name, "error", err)
	}

	activated := 0
	symbols := make([]string, 0, len(cands))
	seen := make(map[string]bool, len(cands))
	for i, c := range cands {
		if seen[c.Symbol] {
			continue // already subscribed under a heavier-weighted list
		}
		seen[c.Symbol] = true
		symbols = append(symbols, c.Symbol)

		s.signals.Forget(c.Symbol)
		addErr := s.subs.Add(ctx, c.Symbol, priorityFor(c.Strategy, c.Rank), c.Strategy, c.Score, s.callback(c.Strategy))
		if addErr != nil {
			s.logger.Warn("subscription failed", "symbol", c.Symbol, "strategy", c.Strategy, "error", addErr)
		} else {
			activated++
		}
		if rows[i].ID != 0 {
			if merr := s.store.MarkActivated(ctx, rows[i].ID, addErr == nil); merr != nil {
				s.logger.Debug("activation mark failed", "symbol", c.Symbol, "error", merr)
			}
		}
	}

	s.candles.Scan(ctx, symbols)

	s.mu.Lock()
	s.active = key
	s.activeName = slot.Name
	s.setups++
	s.selected += uint64(len(cands))
	s.activated += uint64(activated)
	s.mu.Unlock()

	s.logger.Info("slot active", "slot", slot.Name, "selected", len(cands), "subscribed", activated)
}

// callback fans one subscription's prints into the signal pipeline and the
// candle manager.
func (s *Scheduler) callback(strategy types.Strategy) types.StreamCallback {
	pipe := s.signals.CallbackFor(strategy)
	return func(ev types.StreamEvent) {
		pipe(ev)
		s.candles.OnEvent(ev)
	}
}

func selectionRows(cands []types.Candidate, slot TimeSlot, date string, now time.Time) []*store.SelectedStock {
	start, end := slot.Window()
	rows := make([]*store.SelectedStock, len(cands))
	for i, c := range cands {
		rows[i] = &store.SelectedStock{
			Date:           date,
			Slot:           slot.Name,
			SlotStart:      start,
			SlotEnd:        end,
			Symbol:         c.Symbol,
			Name:           c.Name,
			Strategy:       c.Strategy,
			Score:          c.Score,
			Reason:         c.Reason,
			RankInStrategy: c.Rank,
			CurrentPrice:   c.Price,
			ChangeRate:     c.ChangeRate,
			Volume:         c.Volume,
			VolumeRatio:    c.VolumeRatio,
			GapRate:        c.GapRate,
			Momentum:       c.Momentum,
			CreatedAt:      now,
		}
	}
	return rows
}

// maybeDayExit flattens every bot-opened position once per trading day at
// the configured time. The flag flips even when sells fail so a dead
// broker is not hammered all afternoon; leftovers stay with the operator.
func (s *Scheduler) maybeDayExit(ctx context.Context, now time.Time) {
	if s.exitMinute < 0 || minuteOf(now) < s.exitMinute {
		return
	}
	date := now.In(types.KST).Format("20060102")
	s.mu.Lock()
	if s.exitDone == date {
		s.mu.Unlock()
		return
	}
	s.exitDone = date
	s.mu.Unlock()

	sold, failed := 0, 0
	for _, pos := range s.book.All() {
		if pos.Source != types.PositionBot {
			continue
		}
		if _, err := s.closer.Sell(ctx, pos.Symbol, pos.Strategy, true, "day exit"); err != nil {
			failed++
			s.logger.Warn("day exit sell failed", "symbol", pos.Symbol, "error", err)
			continue
		}
		sold++
	}

	s.mu.Lock()
	s.dayExits++
	s.mu.Unlock()
	s.logger.Info("day exit complete", "sold", sold, "failed", failed)
}

func (s *Scheduler) activeKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		ActiveSlot: s.activeName,
		Setups:     s.setups,
		Selected:   s.selected,
		Activated:  s.activated,
		DayExits:   s.dayExits,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Sleep planning
// ————————————————————————————————————————————————————————————————————————

// sleepFor is the time until the next decision point, capped at maxSleep
// so shutdown is observed within a minute.
func (s *Scheduler) sleepFor(now time.Time) time.Duration {
	d := maxSleep
	if b, ok := s.nextBoundary(now); ok && b < d {
		d = b
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// nextBoundary is the duration to the soonest prep opening, slot start, or
// day exit mark.
func (s *Scheduler) nextBoundary(now time.Time) (time.Duration, bool) {
	marks := make([]int, 0, len(s.slots)*2+1)
	for _, sl := range s.slots {
		marks = append(marks, (sl.Start-prepMinutes+minutesPerDay)%minutesPerDay, sl.Start)
	}
	if s.exitMinute >= 0 {
		marks = append(marks, s.exitMinute)
	}

	k := now.In(types.KST)
	midnight := time.Date(k.Year(), k.Month(), k.Day(), 0, 0, 0, 0, types.KST)
	var best time.Duration
	found := false
	for _, m := range marks {
		target := midnight.Add(time.Duration(m) * time.Minute)
		if !target.After(now) {
			target = target.Add(minutesPerDay * time.Minute)
		}
		if d := target.Sub(now); !found || d < best {
			best, found = d, true
		}
	}
	return best, found
}
