package market

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// MaxRealtime caps streamed symbols at half the broker's 41-stream limit,
// since every symbol consumes a trade and an orderbook registration.
const MaxRealtime = 20

const minPollInterval = 10 * time.Second

// Stream is the WebSocket surface the manager allocates.
type Stream interface {
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
}

// Subscription is the per-symbol allocator state. Values returned by
// Tracked are snapshots.
type Subscription struct {
	Symbol        string
	Strategy      types.Strategy
	Priority      types.Priority
	Score         float64
	WantsRealtime bool
	IsRealtime    bool
	AddedAt       time.Time
	Callback      types.StreamCallback
}

// ManagerStats mixes current set sizes with monotone counters.
type ManagerStats struct {
	Realtime   int
	Polling    int
	Waitlisted int

	Added         uint64
	Removed       uint64
	PrioritySwaps uint64
	Promotions    uint64
	Demotions     uint64
	PollCycles    uint64
	PollErrors    uint64
}

// Manager allocates the stream capacity. Every tracked symbol is either
// streamed or polled, never both and never neither. CRITICAL and HIGH
// priorities try for a stream slot; when none is free they poll and queue
// on a waitlist ordered by (priority, score). Any freed slot promotes the
// waitlist head.
//
// One mutex guards all four structures (subscriptions, realtime set,
// polling set, waitlist). Broker and stream calls, and callback fan-out,
// always happen outside the lock; capacity is reserved first and rolled
// back if the stream refuses.
type Manager struct {
	stream    Stream
	collector *Collector
	clock     Clock
	logger    *slog.Logger

	pollInterval time.Duration

	mu       sync.Mutex
	subs     map[string]*Subscription
	realtime map[string]bool
	polling  map[string]bool
	waitlist []string
	stats    ManagerStats
}

// NewManager creates the allocator. pollInterval is floored at 10s;
// clock may be nil for wall time.
func NewManager(stream Stream, collector *Collector, pollInterval time.Duration, clock Clock, logger *slog.Logger) *Manager {
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		stream:       stream,
		collector:    collector,
		clock:        clock,
		logger:       logger.With("component", "subs"),
		pollInterval: pollInterval,
		subs:         make(map[string]*Subscription),
		realtime:     make(map[string]bool),
		polling:      make(map[string]bool),
	}
}

// Add starts tracking a symbol. The call never fails because of stream
// trouble: if the stream refuses, the symbol polls and, when its priority
// wants realtime, waits for a slot.
func (m *Manager) Add(ctx context.Context, symbol string, prio types.Priority, strategy types.Strategy, score float64, cb types.StreamCallback) error {
	if symbol == "" || cb == nil {
		return types.NewError(types.ErrValidation, "add subscription: symbol and callback required")
	}

	m.mu.Lock()
	if _, dup := m.subs[symbol]; dup {
		m.mu.Unlock()
		return types.NewError(types.ErrValidation, "add subscription: %s already tracked", symbol)
	}
	sub := &Subscription{
		Symbol:        symbol,
		Strategy:      strategy,
		Priority:      prio,
		Score:         score,
		WantsRealtime: prio.WantsRealtime(),
		AddedAt:       m.clock(),
		Callback:      cb,
	}
	m.subs[symbol] = sub
	m.stats.Added++

	tryStream := sub.WantsRealtime && len(m.realtime) < MaxRealtime
	if tryStream {
		sub.IsRealtime = true
		m.realtime[symbol] = true
	} else {
		m.polling[symbol] = true
		if sub.WantsRealtime {
			m.waitlistInsertLocked(symbol)
		}
	}
	m.mu.Unlock()

	if !tryStream {
		return nil
	}
	if err := m.attachStream(ctx, symbol, cb); err != nil {
		m.logger.Warn("stream subscribe failed, polling instead", "symbol", symbol, "error", err)
		m.demote(symbol, true)
	}
	return nil
}

// Remove stops tracking a symbol and frees its slot.
func (m *Manager) Remove(ctx context.Context, symbol string) error {
	m.mu.Lock()
	sub, ok := m.subs[symbol]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrNotFound, "remove subscription: %s not tracked", symbol)
	}
	wasRealtime := sub.IsRealtime
	delete(m.subs, symbol)
	delete(m.realtime, symbol)
	delete(m.polling, symbol)
	m.waitlistRemoveLocked(symbol)
	m.stats.Removed++
	m.mu.Unlock()

	if wasRealtime {
		m.detachStream(ctx, symbol)
		m.promoteWaiting(ctx)
	}
	return nil
}

// UpgradePriority re-ranks a tracked symbol. When the new priority wants
// realtime and the pool is full, the weakest current holder is evicted if
// the upgraded symbol strictly outranks it (lower priority number, or equal
// priority with a strictly higher score).
func (m *Manager) UpgradePriority(ctx context.Context, symbol string, prio types.Priority) error {
	m.mu.Lock()
	sub, ok := m.subs[symbol]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrNotFound, "upgrade priority: %s not tracked", symbol)
	}
	if sub.Priority == prio {
		m.mu.Unlock()
		return nil
	}
	sub.Priority = prio
	sub.WantsRealtime = prio.WantsRealtime()

	if sub.IsRealtime || !sub.WantsRealtime {
		// Already streamed, or still a polling-class priority. The
		// assignment stands; only waitlist ordering may shift.
		if !sub.WantsRealtime {
			m.waitlistRemoveLocked(symbol)
		} else {
			m.waitlistSortLocked()
		}
		m.mu.Unlock()
		return nil
	}

	if len(m.realtime) < MaxRealtime {
		m.claimSlotLocked(sub)
		cb := sub.Callback
		m.mu.Unlock()
		if err := m.attachStream(ctx, symbol, cb); err != nil {
			m.logger.Warn("stream subscribe failed on upgrade", "symbol", symbol, "error", err)
			m.demote(symbol, true)
		}
		return nil
	}

	victim := m.weakestHolderLocked()
	if victim == nil || !outranks(sub, victim) {
		m.waitlistInsertLocked(symbol)
		m.mu.Unlock()
		return nil
	}

	// Swap: victim to polling (and back on the waitlist), requester in.
	victim.IsRealtime = false
	delete(m.realtime, victim.Symbol)
	m.polling[victim.Symbol] = true
	if victim.WantsRealtime {
		m.waitlistInsertLocked(victim.Symbol)
	}
	m.claimSlotLocked(sub)
	m.stats.PrioritySwaps++
	m.stats.Demotions++
	victimSymbol := victim.Symbol
	cb := sub.Callback
	m.mu.Unlock()

	m.detachStream(ctx, victimSymbol)
	if err := m.attachStream(ctx, symbol, cb); err != nil {
		m.logger.Warn("stream subscribe failed after swap", "symbol", symbol, "error", err)
		m.demote(symbol, true)
		m.promoteWaiting(ctx)
	}
	return nil
}

// DowngradeToPolling moves a streamed symbol to the polling set and lets
// the waitlist claim the freed slot.
func (m *Manager) DowngradeToPolling(ctx context.Context, symbol string) error {
	m.mu.Lock()
	sub, ok := m.subs[symbol]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrNotFound, "downgrade: %s not tracked", symbol)
	}
	if !sub.IsRealtime {
		m.mu.Unlock()
		return nil
	}
	sub.IsRealtime = false
	delete(m.realtime, symbol)
	m.polling[symbol] = true
	m.stats.Demotions++
	m.mu.Unlock()

	m.detachStream(ctx, symbol)
	m.promoteWaiting(ctx)
	return nil
}

// RemoveAll drops every subscription; used on slot teardown and shutdown.
func (m *Manager) RemoveAll(ctx context.Context) {
	m.mu.Lock()
	streamed := make([]string, 0, len(m.realtime))
	for sym := range m.realtime {
		streamed = append(streamed, sym)
	}
	m.stats.Removed += uint64(len(m.subs))
	m.subs = make(map[string]*Subscription)
	m.realtime = make(map[string]bool)
	m.polling = make(map[string]bool)
	m.waitlist = nil
	m.mu.Unlock()

	sort.Strings(streamed)
	for _, sym := range streamed {
		m.detachStream(ctx, sym)
	}
}

// OnStreamReconnect re-issues every realtime subscription after the stream
// client re-established its session. Symbols the stream now refuses fall
// back to polling; freed capacity goes to the waitlist.
func (m *Manager) OnStreamReconnect(ctx context.Context) {
	m.mu.Lock()
	streamed := make([]string, 0, len(m.realtime))
	for sym := range m.realtime {
		streamed = append(streamed, sym)
	}
	m.mu.Unlock()
	sort.Strings(streamed)

	for _, sym := range streamed {
		if err := m.stream.Subscribe(ctx, sym); err != nil {
			m.logger.Warn("re-subscribe after reconnect failed", "symbol", sym, "error", err)
			m.demote(sym, true)
		}
	}
	m.promoteWaiting(ctx)
}

// Run drives the polling worker. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// Tracked returns a snapshot of one symbol's state.
func (m *Manager) Tracked(symbol string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[symbol]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// RealtimeSymbols returns the streamed set, sorted.
func (m *Manager) RealtimeSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.realtime))
	for sym := range m.realtime {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// PollingSymbols returns the polled set, sorted.
func (m *Manager) PollingSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.polling))
	for sym := range m.polling {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Waitlist returns the queue in promotion order.
func (m *Manager) Waitlist() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.waitlist))
	copy(out, m.waitlist)
	return out
}

// Stats returns sizes and counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Realtime = len(m.realtime)
	s.Polling = len(m.polling)
	s.Waitlisted = len(m.waitlist)
	return s
}

// ————————————————————————————————————————————————————————————————————————
// internals
// ————————————————————————————————————————————————————————————————————————

type pollTarget struct {
	symbol string
	cb     types.StreamCallback
}

// pollOnce sweeps the polling set through the collector and fans results
// out as synthesized trade events, throttling between symbols.
func (m *Manager) pollOnce(ctx context.Context) {
	m.mu.Lock()
	batch := make([]pollTarget, 0, len(m.polling))
	for sym := range m.polling {
		if sub, ok := m.subs[sym]; ok {
			batch = append(batch, pollTarget{symbol: sym, cb: sub.Callback})
		}
	}
	m.stats.PollCycles++
	m.mu.Unlock()
	sort.Slice(batch, func(i, j int) bool { return batch[i].symbol < batch[j].symbol })

	for _, t := range batch {
		if ctx.Err() != nil {
			return
		}
		res, err := m.collector.CurrentPrice(ctx, t.symbol, true)
		if err != nil {
			m.mu.Lock()
			m.stats.PollErrors++
			m.mu.Unlock()
			m.logger.Debug("poll fetch failed", "symbol", t.symbol, "error", err)
		} else {
			t.cb(types.StreamEvent{
				Type:   types.EventTrade,
				Symbol: t.symbol,
				Trade: &types.StreamTrade{
					Symbol:     t.symbol,
					Price:      res.Quote.Price,
					ChangeRate: res.Quote.ChangeRate,
					Volume:     res.Quote.Volume,
					Timestamp:  res.Quote.Timestamp,
				},
			})
		}
		m.throttle(ctx)
	}
}

func (m *Manager) throttle(ctx context.Context) {
	d := time.Duration(50+rand.Intn(51)) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// promoteWaiting fills free slots from the waitlist head until capacity
// runs out, the list empties, or the stream refuses a subscribe.
func (m *Manager) promoteWaiting(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.realtime) >= MaxRealtime || len(m.waitlist) == 0 {
			m.mu.Unlock()
			return
		}
		symbol := m.waitlist[0]
		m.waitlist = m.waitlist[1:]
		sub, ok := m.subs[symbol]
		if !ok || sub.IsRealtime {
			m.mu.Unlock()
			continue
		}
		m.claimSlotLocked(sub)
		m.stats.Promotions++
		cb := sub.Callback
		m.mu.Unlock()

		if err := m.attachStream(ctx, symbol, cb); err != nil {
			m.logger.Warn("waitlist promotion failed", "symbol", symbol, "error", err)
			m.demote(symbol, true)
			return
		}
	}
}

// claimSlotLocked moves sub from the polling side into the realtime set.
func (m *Manager) claimSlotLocked(sub *Subscription) {
	sub.IsRealtime = true
	delete(m.polling, sub.Symbol)
	m.waitlistRemoveLocked(sub.Symbol)
	m.realtime[sub.Symbol] = true
}

// demote rolls a symbol back to polling after a failed stream attach.
// requeue keeps it eligible for the next free slot.
func (m *Manager) demote(symbol string, requeue bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[symbol]
	if !ok {
		return
	}
	sub.IsRealtime = false
	delete(m.realtime, symbol)
	m.polling[symbol] = true
	if requeue && sub.WantsRealtime {
		m.waitlistInsertLocked(symbol)
	}
	m.stats.Demotions++
}

// attachStream registers the fan-out listener, then asks the stream for the
// symbol. The listener is withdrawn if the stream refuses.
func (m *Manager) attachStream(ctx context.Context, symbol string, cb types.StreamCallback) error {
	m.collector.SubscribeRealtime(symbol, cb)
	if err := m.stream.Subscribe(ctx, symbol); err != nil {
		m.collector.DropListeners(symbol)
		return err
	}
	return nil
}

func (m *Manager) detachStream(ctx context.Context, symbol string) {
	m.collector.DropListeners(symbol)
	if err := m.stream.Unsubscribe(ctx, symbol); err != nil {
		m.logger.Warn("unsubscribe failed", "symbol", symbol, "error", err)
	}
}

// weakestHolderLocked picks the eviction candidate: highest priority number
// first, then lowest score, then symbol order for determinism.
func (m *Manager) weakestHolderLocked() *Subscription {
	var weakest *Subscription
	for sym := range m.realtime {
		sub, ok := m.subs[sym]
		if !ok {
			continue
		}
		if weakest == nil {
			weakest = sub
			continue
		}
		switch {
		case sub.Priority > weakest.Priority:
			weakest = sub
		case sub.Priority == weakest.Priority && sub.Score < weakest.Score:
			weakest = sub
		case sub.Priority == weakest.Priority && sub.Score == weakest.Score && sub.Symbol > weakest.Symbol:
			weakest = sub
		}
	}
	return weakest
}

// outranks reports whether a beats b for a stream slot.
func outranks(a, b *Subscription) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Score > b.Score
}

func (m *Manager) waitlistInsertLocked(symbol string) {
	for _, s := range m.waitlist {
		if s == symbol {
			m.waitlistSortLocked()
			return
		}
	}
	m.waitlist = append(m.waitlist, symbol)
	m.waitlistSortLocked()
}

func (m *Manager) waitlistRemoveLocked(symbol string) {
	for i, s := range m.waitlist {
		if s == symbol {
			m.waitlist = append(m.waitlist[:i], m.waitlist[i+1:]...)
			return
		}
	}
}

func (m *Manager) waitlistSortLocked() {
	sort.SliceStable(m.waitlist, func(i, j int) bool {
		a, b := m.subs[m.waitlist[i]], m.subs[m.waitlist[j]]
		if a == nil || b == nil {
			return a != nil
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Symbol < b.Symbol
	})
}
