// Package store is the durable record of everything the bot decides and
// does: trades, slot selections, and daily/slot summaries, kept in a
// single SQLite file in WAL mode.
//
// Crash safety has three layers. Writes run under an in-process mutex and
// a retry wrapper that absorbs storage-level BUSY/LOCKED errors with
// bounded backoff. A pid sentinel next to the database file marks a live
// owner; when a previous run died without removing it, leftover journal
// files are cleaned before open so the engine does not come up wedged.
// The sentinel is never acted on while its owner process is still alive.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

const (
	busyRetries = 3
	busyBackoff = 100 * time.Millisecond
)

// Store is the bot's persistence layer. All exported methods are safe for
// concurrent use; writes serialize on one mutex.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// Open prepares the database file: journal cleanup when the previous owner
// crashed, schema migration, and a fresh pid sentinel.
func Open(path string, logger *slog.Logger) (*Store, error) {
	logger = logger.With("component", "store")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	cleanStaleJournal(path, logger)

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps this process's own writers from tripping over
	// each other; cross-process contention is left to the busy timeout.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if err := writeSentinel(path); err != nil {
		logger.Warn("could not write store sentinel", "error", err)
	}
	logger.Info("store opened", "path", path)
	return s, nil
}

// Close flushes and releases the database and drops the pid sentinel so
// the next start skips journal cleanup.
func (s *Store) Close() error {
	err := s.db.Close()
	if rmErr := os.Remove(sentinelPath(s.path)); rmErr != nil && !os.IsNotExist(rmErr) {
		s.logger.Warn("could not remove store sentinel", "error", rmErr)
	}
	return err
}

// migrate applies the schema. Every statement is idempotent, so migrate
// can run on every boot.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			side            TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
			symbol          TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			qty             INTEGER NOT NULL,
			price           INTEGER NOT NULL,
			total           INTEGER NOT NULL,
			strategy        TEXT NOT NULL,
			ts              TIMESTAMP NOT NULL,
			trade_date      TEXT NOT NULL,
			order_uuid      TEXT NOT NULL UNIQUE,
			broker_order_id TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			error           TEXT,
			buy_trade_id    INTEGER REFERENCES trades(id),
			pnl             INTEGER,
			pnl_rate        REAL,
			hold_minutes    INTEGER,
			market_json     TEXT,
			tech_json       TEXT,
			notes           TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_date ON trades(trade_date)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_side ON trades(side)`,

		`CREATE TABLE IF NOT EXISTS daily_summary (
			date         TEXT PRIMARY KEY,
			total        INTEGER NOT NULL DEFAULT 0,
			buys         INTEGER NOT NULL DEFAULT 0,
			sells        INTEGER NOT NULL DEFAULT 0,
			pnl          INTEGER NOT NULL DEFAULT 0,
			pnl_rate     REAL NOT NULL DEFAULT 0,
			wins         INTEGER NOT NULL DEFAULT 0,
			losses       INTEGER NOT NULL DEFAULT 0,
			largest_win  INTEGER NOT NULL DEFAULT 0,
			largest_loss INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS selected_stocks (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			date             TEXT NOT NULL,
			slot             TEXT NOT NULL,
			slot_start       TEXT NOT NULL DEFAULT '',
			slot_end         TEXT NOT NULL DEFAULT '',
			symbol           TEXT NOT NULL,
			name             TEXT NOT NULL DEFAULT '',
			strategy         TEXT NOT NULL,
			score            REAL NOT NULL,
			reason           TEXT NOT NULL DEFAULT '',
			rank_in_strategy INTEGER NOT NULL,
			current_price    INTEGER NOT NULL DEFAULT 0,
			change_rate      REAL NOT NULL DEFAULT 0,
			volume           INTEGER NOT NULL DEFAULT 0,
			volume_ratio     REAL NOT NULL DEFAULT 0,
			gap_rate         REAL NOT NULL DEFAULT 0,
			momentum         REAL NOT NULL DEFAULT 0,
			breakout_volume  INTEGER NOT NULL DEFAULT 0,
			tech_json        TEXT,
			activated        INTEGER NOT NULL DEFAULT 0,
			activated_ok     INTEGER NOT NULL DEFAULT 0,
			traded           INTEGER NOT NULL DEFAULT 0,
			trade_id         INTEGER REFERENCES trades(id),
			created_at       TIMESTAMP NOT NULL,
			notes            TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_selected_date_slot ON selected_stocks(date, slot)`,
		`CREATE INDEX IF NOT EXISTS idx_selected_symbol ON selected_stocks(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_selected_strategy ON selected_stocks(strategy)`,
		`CREATE INDEX IF NOT EXISTS idx_selected_score ON selected_stocks(score DESC)`,

		`CREATE TABLE IF NOT EXISTS time_slot_summary (
			date            TEXT NOT NULL,
			slot            TEXT NOT NULL,
			selected        INTEGER NOT NULL DEFAULT 0,
			activated       INTEGER NOT NULL DEFAULT 0,
			traded          INTEGER NOT NULL DEFAULT 0,
			gap_count       INTEGER NOT NULL DEFAULT 0,
			volume_count    INTEGER NOT NULL DEFAULT 0,
			momentum_count  INTEGER NOT NULL DEFAULT 0,
			technical_count INTEGER NOT NULL DEFAULT 0,
			buys            INTEGER NOT NULL DEFAULT 0,
			sells           INTEGER NOT NULL DEFAULT 0,
			pnl             INTEGER NOT NULL DEFAULT 0,
			avg_score       REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (date, slot)
		)`,
	}
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// TradeDate renders the exchange-local calendar date used as the summary
// and selection key.
func TradeDate(t time.Time) string {
	return t.In(types.KST).Format("20060102")
}

// ————————————————————————————————————————————————————————————————————————
// Busy handling
// ————————————————————————————————————————————————————————————————————————

// withRetry runs fn, absorbing BUSY/LOCKED up to busyRetries attempts with
// doubling backoff. Anything else returns immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := busyBackoff
	var err error
	for attempt := 1; attempt <= busyRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if attempt == busyRetries {
			break
		}
		s.logger.Warn("store locked, retrying", "op", op, "attempt", attempt)
		select {
		case <-ctx.Done():
			return types.WrapError(types.ErrStoreBusy, err, "%s interrupted while locked", op)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return types.WrapError(types.ErrStoreBusy, err, "%s: locked after %d attempts", op, busyRetries)
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Crash recovery
// ————————————————————————————————————————————————————————————————————————

func sentinelPath(dbPath string) string { return dbPath + ".pid" }

func writeSentinel(dbPath string) error {
	return os.WriteFile(sentinelPath(dbPath), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// cleanStaleJournal removes leftover WAL/journal files, but only when the
// pid sentinel proves the previous owner is gone. A missing sentinel means
// a clean shutdown; a sentinel naming a live process means a sibling holds
// the store and nothing may be touched.
func cleanStaleJournal(dbPath string, logger *slog.Logger) {
	data, err := os.ReadFile(sentinelPath(dbPath))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("could not read store sentinel", "error", err)
		}
		return
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if convErr == nil && processAlive(pid) {
		logger.Warn("store held by live process, skipping journal cleanup", "pid", pid)
		return
	}

	logger.Warn("previous run crashed, cleaning stale journal files", "stale_pid", pid)
	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		p := dbPath + suffix
		switch err := os.Remove(p); {
		case err == nil:
			logger.Info("removed stale journal file", "file", filepath.Base(p))
		case !os.IsNotExist(err):
			logger.Warn("could not remove stale journal file", "file", filepath.Base(p), "error", err)
		}
	}
	_ = os.Remove(sentinelPath(dbPath))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
