package store

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"
)

// DailySummary is the daily_summary row for one exchange-local date.
// PnL figures aggregate linked SELL rows only.
type DailySummary struct {
	Date        string
	Total       int64
	Buys        int64
	Sells       int64
	PnL         int64
	PnLRate     float64
	Wins        int64
	Losses      int64
	LargestWin  int64
	LargestLoss int64
}

// TimeSlotSummary is the time_slot_summary row for one (date, slot).
type TimeSlotSummary struct {
	Date           string
	Slot           string
	Selected       int64
	Activated      int64
	Traded         int64
	GapCount       int64
	VolumeCount    int64
	MomentumCount  int64
	TechnicalCount int64
	Buys           int64
	Sells          int64
	PnL            int64
	AvgScore       float64
}

// RebuildDailySummary recomputes one date's summary from the trades table
// and upserts it. Rebuilding is idempotent: the row always reflects the
// trades as they stand, however many times it runs.
func (s *Store) RebuildDailySummary(ctx context.Context, date string) (DailySummary, error) {
	sum := DailySummary{Date: date}
	var (
		invested  int64
		win, loss sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN side = 'BUY' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'SELL' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'BUY' THEN total ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'SELL' THEN COALESCE(pnl, 0) ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'SELL' AND pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'SELL' AND pnl < 0 THEN 1 ELSE 0 END), 0),
			MAX(CASE WHEN side = 'SELL' THEN pnl END),
			MIN(CASE WHEN side = 'SELL' THEN pnl END)
		FROM trades WHERE trade_date = ?`, date).Scan(
		&sum.Total, &sum.Buys, &sum.Sells, &invested, &sum.PnL,
		&sum.Wins, &sum.Losses, &win, &loss)
	if err != nil {
		return DailySummary{}, err
	}
	if win.Valid && win.Int64 > 0 {
		sum.LargestWin = win.Int64
	}
	if loss.Valid && loss.Int64 < 0 {
		sum.LargestLoss = loss.Int64
	}
	if invested > 0 {
		sum.PnLRate = decimal.NewFromInt(sum.PnL).
			Div(decimal.NewFromInt(invested)).
			Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.withRetry(ctx, "upsert daily summary", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO daily_summary (date, total, buys, sells, pnl, pnl_rate,
				wins, losses, largest_win, largest_loss)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(date) DO UPDATE SET
				total = excluded.total, buys = excluded.buys,
				sells = excluded.sells, pnl = excluded.pnl,
				pnl_rate = excluded.pnl_rate, wins = excluded.wins,
				losses = excluded.losses, largest_win = excluded.largest_win,
				largest_loss = excluded.largest_loss`,
			sum.Date, sum.Total, sum.Buys, sum.Sells, sum.PnL, sum.PnLRate,
			sum.Wins, sum.Losses, sum.LargestWin, sum.LargestLoss)
		return err
	})
	return sum, err
}

// DailySummaryFor reads one date's stored summary.
func (s *Store) DailySummaryFor(ctx context.Context, date string) (DailySummary, bool, error) {
	var sum DailySummary
	err := s.db.QueryRowContext(ctx, `
		SELECT date, total, buys, sells, pnl, pnl_rate, wins, losses,
			largest_win, largest_loss
		FROM daily_summary WHERE date = ?`, date).Scan(
		&sum.Date, &sum.Total, &sum.Buys, &sum.Sells, &sum.PnL, &sum.PnLRate,
		&sum.Wins, &sum.Losses, &sum.LargestWin, &sum.LargestLoss)
	if err == sql.ErrNoRows {
		return DailySummary{}, false, nil
	}
	if err != nil {
		return DailySummary{}, false, err
	}
	return sum, true, nil
}

// RebuildSlotSummary recomputes one (date, slot) summary from its
// selections and the trades they produced, then upserts it idempotently.
func (s *Store) RebuildSlotSummary(ctx context.Context, date, slot string) (TimeSlotSummary, error) {
	sum := TimeSlotSummary{Date: date, Slot: slot}
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN activated = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN traded = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN strategy = 'gap' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN strategy = 'volume' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN strategy = 'momentum' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN strategy = 'technical' THEN 1 ELSE 0 END), 0),
			AVG(score)
		FROM selected_stocks WHERE date = ? AND slot = ?`, date, slot).Scan(
		&sum.Selected, &sum.Activated, &sum.Traded, &sum.GapCount,
		&sum.VolumeCount, &sum.MomentumCount, &sum.TechnicalCount, &avg)
	if err != nil {
		return TimeSlotSummary{}, err
	}
	sum.AvgScore = avg.Float64

	var buys, sells, pnl sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM trades t
				WHERE t.id IN (SELECT trade_id FROM selected_stocks
					WHERE date = ? AND slot = ? AND trade_id IS NOT NULL)),
			(SELECT COUNT(*) FROM trades t
				WHERE t.side = 'SELL' AND t.buy_trade_id IN
					(SELECT trade_id FROM selected_stocks
						WHERE date = ? AND slot = ? AND trade_id IS NOT NULL)),
			(SELECT SUM(COALESCE(t.pnl, 0)) FROM trades t
				WHERE t.side = 'SELL' AND t.buy_trade_id IN
					(SELECT trade_id FROM selected_stocks
						WHERE date = ? AND slot = ? AND trade_id IS NOT NULL))`,
		date, slot, date, slot, date, slot).Scan(&buys, &sells, &pnl)
	if err != nil {
		return TimeSlotSummary{}, err
	}
	sum.Buys = buys.Int64
	sum.Sells = sells.Int64
	sum.PnL = pnl.Int64

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.withRetry(ctx, "upsert slot summary", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO time_slot_summary (date, slot, selected, activated,
				traded, gap_count, volume_count, momentum_count,
				technical_count, buys, sells, pnl, avg_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(date, slot) DO UPDATE SET
				selected = excluded.selected, activated = excluded.activated,
				traded = excluded.traded, gap_count = excluded.gap_count,
				volume_count = excluded.volume_count,
				momentum_count = excluded.momentum_count,
				technical_count = excluded.technical_count,
				buys = excluded.buys, sells = excluded.sells,
				pnl = excluded.pnl, avg_score = excluded.avg_score`,
			sum.Date, sum.Slot, sum.Selected, sum.Activated, sum.Traded,
			sum.GapCount, sum.VolumeCount, sum.MomentumCount,
			sum.TechnicalCount, sum.Buys, sum.Sells, sum.PnL, sum.AvgScore)
		return err
	})
	return sum, err
}

// SlotSummaryFor reads one stored (date, slot) summary.
func (s *Store) SlotSummaryFor(ctx context.Context, date, slot string) (TimeSlotSummary, bool, error) {
	var sum TimeSlotSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT date, slot, selected, activated, traded, gap_count,
			volume_count, momentum_count, technical_count, buys, sells, pnl,
			avg_score
		FROM time_slot_summary WHERE date = ? AND slot = ?`, date, slot).Scan(
		&sum.Date, &sum.Slot, &sum.Selected, &sum.Activated, &sum.Traded,
		&sum.GapCount, &sum.VolumeCount, &sum.MomentumCount,
		&sum.TechnicalCount, &sum.Buys, &sum.Sells, &sum.PnL, &sum.AvgScore)
	if err == sql.ErrNoRows {
		return TimeSlotSummary{}, false, nil
	}
	if err != nil {
		return TimeSlotSummary{}, false, err
	}
	return sum, true, nil
}
