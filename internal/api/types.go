package api

import (
	"context"
	"io"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/config"
)

// Bot is what the server needs from the engine. The engine implements it;
// keeping the interface here lets the engine import this package for the
// snapshot types without a cycle.
type Bot interface {
	Snapshot() StatusSnapshot
	Pause()
	Resume()
	ForceRefresh()
	ExportCSV(ctx context.Context, w io.Writer, days int) error
	RequestShutdown()
}

// StatusSnapshot is the full bot state served on /stats and pushed over
// the status WebSocket.
type StatusSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Mode      string    `json:"mode"`
	Demo      bool      `json:"demo"`
	Paused    bool      `json:"paused"`

	Positions []PositionStatus `json:"positions"`
	Pending   []OrderStatus    `json:"pending_orders"`

	Stream   StreamStatus   `json:"stream"`
	Market   MarketStatus   `json:"market_data"`
	Subs     SubsStatus     `json:"subscriptions"`
	Trading  TradingStatus  `json:"trading"`
	Signals  SignalStatus   `json:"signals"`
	Candles  CandleStatus   `json:"candles"`
	Schedule ScheduleStatus `json:"schedule"`
	Risk     RiskStatus     `json:"risk"`

	Config ConfigSummary `json:"config"`
}

// PositionStatus is one open position.
type PositionStatus struct {
	Symbol   string    `json:"symbol"`
	Name     string    `json:"name,omitempty"`
	Quantity int64     `json:"quantity"`
	AvgCost  int64     `json:"avg_cost"`
	Strategy string    `json:"strategy"`
	Source   string    `json:"source"`
	OpenedAt time.Time `json:"opened_at"`
}

// OrderStatus is one in-flight order awaiting settlement.
type OrderStatus struct {
	ClientID    string    `json:"client_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Qty         int64     `json:"qty"`
	LimitPrice  int64     `json:"limit_price"`
	FilledQty   int64     `json:"filled_qty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// StreamStatus is the realtime WebSocket session state.
type StreamStatus struct {
	Connected    bool    `json:"connected"`
	Healthy      bool    `json:"healthy"`
	Symbols      int     `json:"symbols"`
	UsageRatio   float64 `json:"usage_ratio"`
	Connects     int64   `json:"connects"`
	Delivered    int64   `json:"delivered"`
	DecodeErrors int64   `json:"decode_errors"`
}

// MarketStatus is the data plane read path and cache counters.
type MarketStatus struct {
	StreamServed  uint64 `json:"stream_served"`
	StreamStale   uint64 `json:"stream_stale"`
	RESTCalls     uint64 `json:"rest_calls"`
	CacheFallback uint64 `json:"cache_fallback"`
	EventsApplied uint64 `json:"events_applied"`
	CacheHits     uint64 `json:"cache_hits"`
	CacheMisses   uint64 `json:"cache_misses"`
}

// SubsStatus is the subscription manager state.
type SubsStatus struct {
	Realtime        int      `json:"realtime"`
	Polling         int      `json:"polling"`
	Waitlisted      int      `json:"waitlisted"`
	RealtimeSymbols []string `json:"realtime_symbols"`
	Promotions      uint64   `json:"promotions"`
	Demotions       uint64   `json:"demotions"`
	PollCycles      uint64   `json:"poll_cycles"`
	PollErrors      uint64   `json:"poll_errors"`
}

// TradingStatus is the executor and position book state.
type TradingStatus struct {
	Buys          uint64 `json:"buys"`
	Sells         uint64 `json:"sells"`
	Rejected      uint64 `json:"rejected"`
	StaleCancels  uint64 `json:"stale_cancels"`
	ExternalFills uint64 `json:"external_fills"`
	Cooldowns     int    `json:"cooldowns"`
	OpenPositions int    `json:"open_positions"`
	ClosedRounds  uint64 `json:"closed_rounds"`
}

// SignalStatus is the stream-to-order pipeline counters.
type SignalStatus struct {
	Enqueued  uint64 `json:"enqueued"`
	Dropped   uint64 `json:"dropped"`
	Debounced uint64 `json:"debounced"`
	Evaluated uint64 `json:"evaluated"`
	Gated     uint64 `json:"gated"`
	Forwarded uint64 `json:"forwarded"`
	Failed    uint64 `json:"failed"`
}

// CandleStatus is the candle watcher state.
type CandleStatus struct {
	Regime      string `json:"regime"`
	Watching    int    `json:"watching"`
	Entered     int    `json:"entered"`
	Admitted    uint64 `json:"admitted"`
	Rejected    uint64 `json:"rejected"`
	Invalidated uint64 `json:"invalidated"`
	Entries     uint64 `json:"entries"`
	Exits       uint64 `json:"exits"`
	Stops       uint64 `json:"stops"`
}

// ScheduleStatus is the trading day scheduler state.
type ScheduleStatus struct {
	ActiveSlot string `json:"active_slot"`
	Setups     uint64 `json:"setups"`
	Selected   uint64 `json:"selected"`
	Activated  uint64 `json:"activated"`
	DayExits   uint64 `json:"day_exits"`
}

// RiskStatus is the loss guard state.
type RiskStatus struct {
	Tripped    bool      `json:"tripped"`
	Reason     string    `json:"reason,omitempty"`
	Since      time.Time `json:"since"`
	Until      time.Time `json:"until"`
	DailyPnL   int64     `json:"daily_pnl"`
	LossStreak int       `json:"loss_streak"`
	Trips      uint64    `json:"trips"`
}

// Event is one frame pushed to status WebSocket clients.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ConfigSummary is the non-sensitive slice of the running configuration.
type ConfigSummary struct {
	Mode            string  `json:"mode"`
	DayExitTime     string  `json:"day_exit_time,omitempty"`
	Demo            bool    `json:"demo"`
	MaxPositions    int     `json:"max_positions"`
	BaseRatio       float64 `json:"base_ratio"`
	MaxRatio        float64 `json:"max_ratio"`
	MaxOrderKRW     int64   `json:"max_order_krw"`
	MinOrderKRW     int64   `json:"min_order_krw"`
	PollInterval    string  `json:"poll_interval"`
	MaxDailyLossKRW int64   `json:"max_daily_loss_krw"`
	MaxLossStreak   int     `json:"max_loss_streak"`
	StorePath       string  `json:"store_path"`
}

// NewConfigSummary extracts the reportable fields. Credentials and
// endpoints stay out of the operator surface.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		Mode:            cfg.Trading.Mode,
		DayExitTime:     cfg.Trading.DayExitTime,
		Demo:            cfg.Broker.Demo,
		MaxPositions:    cfg.Trading.MaxPositions,
		BaseRatio:       cfg.Trading.BaseRatio,
		MaxRatio:        cfg.Trading.MaxRatio,
		MaxOrderKRW:     cfg.Trading.MaxOrderKRW,
		MinOrderKRW:     cfg.Trading.MinOrderKRW,
		PollInterval:    cfg.Data.PollInterval.String(),
		MaxDailyLossKRW: cfg.Risk.MaxDailyLossKRW,
		MaxLossStreak:   cfg.Risk.MaxLossStreak,
		StorePath:       cfg.Store.Path,
	}
}
