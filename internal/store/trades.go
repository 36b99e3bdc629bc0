package store

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// TradeRecord is one row of the trades table. BuyTradeID zero means
// unlinked, which is legal for sells against pre-existing holdings.
type TradeRecord struct {
	ID            int64
	Side          types.Side
	Symbol        string
	Name          string
	Qty           int64
	Price         int64
	Total         int64
	Strategy      types.Strategy
	TS            time.Time
	OrderUUID     string
	BrokerOrderID string
	Status        string
	Error         string
	BuyTradeID    int64
	PnL           int64
	PnLRate       float64
	HoldMinutes   int64
	MarketJSON    string
	TechJSON      string
	Notes         string
}

const tradeColumns = `id, side, symbol, name, qty, price, total, strategy, ts,
	order_uuid, broker_order_id, status, error, buy_trade_id, pnl, pnl_rate,
	hold_minutes, market_json, tech_json, notes`

// RecordBuy persists a BUY row and fills rec.ID. Total defaults to
// qty*price when unset. The order UUID must be process-unique; a
// duplicate is a hard error, not a retry case.
func (s *Store) RecordBuy(ctx context.Context, rec *TradeRecord) error {
	if err := validateRecord(rec, types.BUY); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withRetry(ctx, "record buy", func() error {
		return s.insertTrade(ctx, s.db, rec)
	})
}

// RecordSell persists a SELL row linked FIFO to the earliest BUY of the
// same symbol that still has unconsumed quantity. The linked BUY fills in
// the derived fields: pnl, pnl_rate, and hold_minutes. When no open BUY
// exists (selling a holding that predates the bot) the row stays unlinked
// and the derived fields stay null.
//
// Quantities are never split across rows. A SELL larger than the linked
// BUY still attributes its whole quantity to that BUY; summary queries
// reconcile the difference.
func (s *Store) RecordSell(ctx context.Context, rec *TradeRecord) error {
	if err := validateRecord(rec, types.SELL); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withRetry(ctx, "record sell", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var (
			buyID    sql.NullInt64
			buyPrice sql.NullInt64
			buyTS    sql.NullTime
		)
		err = tx.QueryRowContext(ctx, `
			SELECT b.id, b.price, b.ts
			FROM trades b
			WHERE b.symbol = ? AND b.side = 'BUY'
			  AND b.qty > COALESCE((
				SELECT SUM(sl.qty) FROM trades sl
				WHERE sl.side = 'SELL' AND sl.buy_trade_id = b.id
			  ), 0)
			ORDER BY b.ts ASC, b.id ASC
			LIMIT 1`, rec.Symbol).Scan(&buyID, &buyPrice, &buyTS)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if buyID.Valid {
			rec.BuyTradeID = buyID.Int64
			applyDerived(rec, buyPrice.Int64, buyTS.Time)
		}
		if err := s.insertTrade(ctx, tx, rec); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// applyDerived computes pnl, pnl_rate, and hold_minutes against the
// linked BUY. Decimal arithmetic keeps the rate exact for round prices.
func applyDerived(rec *TradeRecord, buyPrice int64, buyTS time.Time) {
	sellP := decimal.NewFromInt(rec.Price)
	buyP := decimal.NewFromInt(buyPrice)
	diff := sellP.Sub(buyP)
	rec.PnL = diff.Mul(decimal.NewFromInt(rec.Qty)).IntPart()
	if buyPrice > 0 {
		rec.PnLRate = diff.Div(buyP).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	}
	if !buyTS.IsZero() && rec.TS.After(buyTS) {
		rec.HoldMinutes = int64(rec.TS.Sub(buyTS).Minutes())
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertTrade(ctx context.Context, db execer, rec *TradeRecord) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO trades (side, symbol, name, qty, price, total, strategy, ts,
			trade_date, order_uuid, broker_order_id, status, error, buy_trade_id,
			pnl, pnl_rate, hold_minutes, market_json, tech_json, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Side, rec.Symbol, rec.Name, rec.Qty, rec.Price, rec.Total,
		rec.Strategy, rec.TS, TradeDate(rec.TS), rec.OrderUUID, rec.BrokerOrderID,
		rec.Status, nullStr(rec.Error), nullID(rec.BuyTradeID),
		nullDerivedInt(rec, rec.PnL), nullDerivedFloat(rec, rec.PnLRate),
		nullDerivedInt(rec, rec.HoldMinutes),
		nullStr(rec.MarketJSON), nullStr(rec.TechJSON), nullStr(rec.Notes))
	if err != nil {
		return err
	}
	rec.ID, err = res.LastInsertId()
	return err
}

func validateRecord(rec *TradeRecord, side types.Side) error {
	switch {
	case rec == nil:
		return types.NewError(types.ErrValidation, "trade record required")
	case rec.Symbol == "":
		return types.NewError(types.ErrValidation, "trade record: symbol required")
	case rec.Qty <= 0 || rec.Price <= 0:
		return types.NewError(types.ErrValidation, "trade record %s: qty and price must be positive", rec.Symbol)
	case rec.OrderUUID == "":
		return types.NewError(types.ErrValidation, "trade record %s: order uuid required", rec.Symbol)
	}
	rec.Side = side
	if rec.Total == 0 {
		rec.Total = rec.Qty * rec.Price
	}
	if rec.TS.IsZero() {
		rec.TS = time.Now()
	}
	if rec.Status == "" {
		rec.Status = string(types.OrderFilled)
	}
	return nil
}

// TradeByID fetches one row.
func (s *Store) TradeByID(ctx context.Context, id int64) (*TradeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	rec, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.ErrNotFound, "trade %d not found", id)
	}
	return rec, err
}

// TradesOn lists all trades of one exchange-local date, oldest first.
func (s *Store) TradesOn(ctx context.Context, date string) ([]*TradeRecord, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE trade_date = ? ORDER BY ts ASC, id ASC`, date)
}

// TradesSince lists trades of the last n calendar days, newest first.
func (s *Store) TradesSince(ctx context.Context, days int, now time.Time) ([]*TradeRecord, error) {
	if days <= 0 {
		days = 1
	}
	cutoff := TradeDate(now.AddDate(0, 0, -(days - 1)))
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE trade_date >= ? ORDER BY ts DESC, id DESC`, cutoff)
}

// OpenBuyQty sums BUY quantity minus linked SELL quantity for a symbol,
// floored at zero. Used to sanity-check local positions against history.
func (s *Store) OpenBuyQty(ctx context.Context, symbol string) (int64, error) {
	var bought, sold sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT SUM(qty) FROM trades WHERE symbol = ? AND side = 'BUY'),
			(SELECT SUM(qty) FROM trades WHERE symbol = ? AND side = 'SELL')`,
		symbol, symbol).Scan(&bought, &sold)
	if err != nil {
		return 0, err
	}
	open := bought.Int64 - sold.Int64
	if open < 0 {
		open = 0
	}
	return open, nil
}

// ExportCSV streams trades of the last n days as CSV, newest first.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, days int, now time.Time) error {
	trades, err := s.TradesSince(ctx, days, now)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := []string{
		"id", "side", "symbol", "name", "qty", "price", "total", "strategy",
		"ts", "status", "buy_trade_id", "pnl", "pnl_rate", "hold_minutes",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, tr := range trades {
		row := []string{
			strconv.FormatInt(tr.ID, 10),
			string(tr.Side),
			tr.Symbol,
			tr.Name,
			strconv.FormatInt(tr.Qty, 10),
			strconv.FormatInt(tr.Price, 10),
			strconv.FormatInt(tr.Total, 10),
			string(tr.Strategy),
			tr.TS.In(types.KST).Format(time.RFC3339),
			tr.Status,
			formatID(tr.BuyTradeID),
			strconv.FormatInt(tr.PnL, 10),
			fmt.Sprintf("%.4f", tr.PnLRate),
			strconv.FormatInt(tr.HoldMinutes, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *Store) queryTrades(ctx context.Context, query string, args ...any) ([]*TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*TradeRecord, error) {
	var (
		rec                      TradeRecord
		errMsg, mkt, tech, notes sql.NullString
		buyID, pnl, hold         sql.NullInt64
		rate                     sql.NullFloat64
	)
	err := row.Scan(&rec.ID, &rec.Side, &rec.Symbol, &rec.Name, &rec.Qty,
		&rec.Price, &rec.Total, &rec.Strategy, &rec.TS, &rec.OrderUUID,
		&rec.BrokerOrderID, &rec.Status, &errMsg, &buyID, &pnl, &rate,
		&hold, &mkt, &tech, &notes)
	if err != nil {
		return nil, err
	}
	rec.Error = errMsg.String
	rec.BuyTradeID = buyID.Int64
	rec.PnL = pnl.Int64
	rec.PnLRate = rate.Float64
	rec.HoldMinutes = hold.Int64
	rec.MarketJSON = mkt.String
	rec.TechJSON = tech.String
	rec.Notes = notes.String
	return &rec, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// nullDerivedInt keeps derived columns null on BUY rows and on unlinked
// sells that never computed them.
func nullDerivedInt(rec *TradeRecord, v int64) any {
	if rec.Side != types.SELL || rec.BuyTradeID == 0 {
		return nil
	}
	return v
}

func nullDerivedFloat(rec *TradeRecord, v float64) any {
	if rec.Side != types.SELL || rec.BuyTradeID == 0 {
		return nil
	}
	return v
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
