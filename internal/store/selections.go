package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// SelectedStock is one selected_stocks row: a symbol promoted during slot
// setup, with the screening metrics it was promoted on and its later fate
// (activated as a subscription, traded).
type SelectedStock struct {
	ID             int64
	Date           string
	Slot           string
	SlotStart      string
	SlotEnd        string
	Symbol         string
	Name           string
	Strategy       types.Strategy
	Score          float64
	Reason         string
	RankInStrategy int
	CurrentPrice   int64
	ChangeRate     float64
	Volume         int64
	VolumeRatio    float64
	GapRate        float64
	Momentum       float64
	BreakoutVolume int64
	TechJSON       string
	Activated      bool
	ActivatedOK    bool
	Traded         bool
	TradeID        int64
	CreatedAt      time.Time
	Notes          string
}

const selectionColumns = `id, date, slot, slot_start, slot_end, symbol, name,
	strategy, score, reason, rank_in_strategy, current_price, change_rate,
	volume, volume_ratio, gap_rate, momentum, breakout_volume, tech_json,
	activated, activated_ok, traded, trade_id, created_at, notes`

// SaveSelections persists one slot's selections in a single transaction
// and fills each row's ID. Re-running the same slot replaces its rows, so
// a slot re-setup never duplicates.
func (s *Store) SaveSelections(ctx context.Context, rows []*SelectedStock) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withRetry(ctx, "save selections", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM selected_stocks WHERE date = ? AND slot = ?`,
			rows[0].Date, rows[0].Slot); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO selected_stocks (date, slot, slot_start, slot_end,
				symbol, name, strategy, score, reason, rank_in_strategy,
				current_price, change_rate, volume, volume_ratio, gap_rate,
				momentum, breakout_volume, tech_json, activated, activated_ok,
				traded, trade_id, created_at, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, row := range rows {
			res, err := stmt.ExecContext(ctx, row.Date, row.Slot, row.SlotStart,
				row.SlotEnd, row.Symbol, row.Name, row.Strategy, row.Score,
				row.Reason, row.RankInStrategy, row.CurrentPrice, row.ChangeRate,
				row.Volume, row.VolumeRatio, row.GapRate, row.Momentum,
				row.BreakoutVolume, nullStr(row.TechJSON), row.Activated,
				row.ActivatedOK, row.Traded, nullID(row.TradeID), row.CreatedAt,
				nullStr(row.Notes))
			if err != nil {
				return err
			}
			if row.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// MarkActivated records whether the selection's subscription attach
// succeeded.
func (s *Store) MarkActivated(ctx context.Context, id int64, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withRetry(ctx, "mark activated", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE selected_stocks SET activated = 1, activated_ok = ? WHERE id = ?`,
			ok, id)
		return err
	})
}

// MarkTraded links the selection to the BUY it produced.
func (s *Store) MarkTraded(ctx context.Context, id, tradeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withRetry(ctx, "mark traded", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE selected_stocks SET traded = 1, trade_id = ? WHERE id = ?`,
			tradeID, id)
		return err
	})
}

// SelectionsFor lists one slot's rows grouped by strategy, best first.
func (s *Store) SelectionsFor(ctx context.Context, date, slot string) ([]*SelectedStock, error) {
	return s.querySelections(ctx, `SELECT `+selectionColumns+`
		FROM selected_stocks WHERE date = ? AND slot = ?
		ORDER BY strategy ASC, rank_in_strategy ASC`, date, slot)
}

// UntradedSelection finds today's most recent selection of a symbol that
// has not traded yet, so the executor can link a BUY back to it.
func (s *Store) UntradedSelection(ctx context.Context, date, symbol string) (*SelectedStock, error) {
	rows, err := s.querySelections(ctx, `SELECT `+selectionColumns+`
		FROM selected_stocks
		WHERE date = ? AND symbol = ? AND traded = 0
		ORDER BY created_at DESC, id DESC LIMIT 1`, date, symbol)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, types.NewError(types.ErrNotFound, "no untraded selection for %s on %s", symbol, date)
	}
	return rows[0], nil
}

func (s *Store) querySelections(ctx context.Context, query string, args ...any) ([]*SelectedStock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SelectedStock
	for rows.Next() {
		var (
			row             SelectedStock
			techJSON, notes sql.NullString
			tradeID         sql.NullInt64
		)
		err := rows.Scan(&row.ID, &row.Date, &row.Slot, &row.SlotStart,
			&row.SlotEnd, &row.Symbol, &row.Name, &row.Strategy, &row.Score,
			&row.Reason, &row.RankInStrategy, &row.CurrentPrice,
			&row.ChangeRate, &row.Volume, &row.VolumeRatio, &row.GapRate,
			&row.Momentum, &row.BreakoutVolume, &techJSON, &row.Activated,
			&row.ActivatedOK, &row.Traded, &tradeID, &row.CreatedAt, &notes)
		if err != nil {
			return nil, err
		}
		row.TechJSON = techJSON.String
		row.TradeID = tradeID.Int64
		row.Notes = notes.String
		out = append(out, &row)
	}
	return out, rows.Err()
}
