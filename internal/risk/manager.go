// Package risk watches realized results and pauses discretionary trading
// when the day turns bad.
//
// The guard polls the trade journal and checks two limits:
//
//   - daily loss: the date's realized PnL at or below the configured cap
//     trips for the rest of the trading date
//   - loss streak: N consecutive losing sells trips for a fixed cooldown
//
// A trip acts through the executor's pause gate, so buys and manual sells
// stop while automatic protective exits keep going. The data plane and
// the scheduler are untouched; the guard clears itself on date rollover
// or cooldown expiry and resumes trading.
package risk

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

// Trip reasons, stable strings for logs and the operator surface.
const (
	TripDailyLoss  = "daily loss limit"
	TripLossStreak = "loss streak"
)

// Pauser is the executor surface the guard acts through.
type Pauser interface {
	Pause()
	Resume()
}

// TradeLog reads one date's trade rows, oldest first.
type TradeLog interface {
	TradesOn(ctx context.Context, date string) ([]*store.TradeRecord, error)
}

// Snapshot is the guard state for the operator surface. Until is zero for
// a rest-of-day trip.
type Snapshot struct {
	Tripped    bool
	Reason     string
	Since      time.Time
	Until      time.Time
	DailyPnL   int64
	LossStreak int
	Checks     uint64
	Trips      uint64
}

// Manager evaluates the limits on a fixed interval. All evaluation runs on
// the Run goroutine; Snapshot may be read from anywhere.
type Manager struct {
	cfg    config.RiskConfig
	trades TradeLog
	pauser Pauser
	clock  market.Clock
	logger *slog.Logger

	mu         sync.Mutex
	tripped    bool
	reason     string
	since      time.Time
	until      time.Time
	tripDate   string
	dailyPnL   int64
	lossStreak int
	lastSellID int64
	watermark  int64 // sells at or below this ID served a cooldown already
	checks     uint64
	trips      uint64
}

// NewManager creates the guard. clock may be nil for wall time.
func NewManager(cfg config.RiskConfig, trades TradeLog, pauser Pauser, clock market.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		cfg:    cfg,
		trades: trades,
		pauser: pauser,
		clock:  clock,
		logger: logger.With("component", "risk"),
	}
}

// Run polls until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.logger.Info("risk guard started",
		"daily_loss_cap", m.cfg.MaxDailyLossKRW,
		"loss_streak_cap", m.cfg.MaxLossStreak,
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("risk guard stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one evaluation. Exported so tests can drive it against a
// fake clock.
func (m *Manager) Check(ctx context.Context) {
	if m.cfg.MaxDailyLossKRW <= 0 && m.cfg.MaxLossStreak <= 0 {
		return
	}
	now := m.clock()
	date := now.In(types.KST).Format("20060102")

	m.maybeClear(date, now)

	pnl, streak, lastID, err := m.tally(ctx, date)
	if err != nil {
		m.logger.Debug("risk tally failed", "error", err)
		return
	}

	m.mu.Lock()
	m.checks++
	m.dailyPnL = pnl
	m.lossStreak = streak
	m.lastSellID = lastID
	tripped := m.tripped
	m.mu.Unlock()
	if tripped {
		return
	}

	if m.cfg.MaxDailyLossKRW > 0 && pnl <= -m.cfg.MaxDailyLossKRW {
		m.trip(TripDailyLoss, date, now, time.Time{}, pnl, streak)
		return
	}
	if m.cfg.MaxLossStreak > 0 && streak >= m.cfg.MaxLossStreak {
		m.trip(TripLossStreak, date, now, now.Add(m.cfg.StreakCooldown), pnl, streak)
	}
}

// tally sums the date's linked sells. Unlinked rows (selling a holding
// the bot never bought) carry no PnL and are skipped. The streak counts
// trailing losses newer than the watermark, so serving one cooldown
// requires a fresh run of losses to trip again.
func (m *Manager) tally(ctx context.Context, date string) (pnl int64, streak int, lastID int64, err error) {
	rows, err := m.trades.TradesOn(ctx, date)
	if err != nil {
		return 0, 0, 0, err
	}
	m.mu.Lock()
	floor := m.watermark
	m.mu.Unlock()

	for _, tr := range rows {
		if tr.Side != types.SELL || tr.BuyTradeID == 0 {
			continue
		}
		pnl += tr.PnL
		lastID = tr.ID
		if tr.ID <= floor {
			continue
		}
		if tr.PnL < 0 {
			streak++
		} else {
			streak = 0
		}
	}
	return pnl, streak, lastID, nil
}

func (m *Manager) trip(reason, date string, now, until time.Time, pnl int64, streak int) {
	m.mu.Lock()
	m.tripped = true
	m.reason = reason
	m.since = now
	m.until = until
	m.tripDate = date
	m.trips++
	m.mu.Unlock()

	m.pauser.Pause()
	resumeAt := "next trading day"
	if !until.IsZero() {
		resumeAt = until.In(types.KST).Format("15:04:05")
	}
	m.logger.Error("risk limit tripped",
		"reason", reason,
		"daily_pnl", pnl,
		"loss_streak", streak,
		"resume", resumeAt,
	)
}

// maybeClear lifts a trip on date rollover or cooldown expiry. A cleared
// streak trip moves the watermark so the served losses do not re-trip.
func (m *Manager) maybeClear(date string, now time.Time) {
	m.mu.Lock()
	lift := m.tripped &&
		(date != m.tripDate || (!m.until.IsZero() && !now.Before(m.until)))
	if lift {
		m.tripped = false
		m.reason = ""
		m.until = time.Time{}
		if date == m.tripDate {
			m.watermark = m.lastSellID
		} else {
			m.watermark = 0
		}
	}
	m.mu.Unlock()

	if lift {
		m.pauser.Resume()
		m.logger.Info("risk trip cleared", "date", date)
	}
}

// Snapshot returns the guard state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Tripped:    m.tripped,
		Reason:     m.reason,
		Since:      m.since,
		Until:      m.until,
		DailyPnL:   m.dailyPnL,
		LossStreak: m.lossStreak,
		Checks:     m.checks,
		Trips:      m.trips,
	}
}
