// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: quotes, orderbooks,
// candles, subscriptions, candidates, orders, positions, and signals. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import "time"

// KST is the exchange-local timezone. Korea has no daylight saving, so the
// fixed-offset fallback is exact when the tz database is unavailable.
var KST = loadKST()

func loadKST() *time.Location {
	if loc, err := time.LoadLocation("Asia/Seoul"); err == nil {
		return loc
	}
	return time.FixedZone("KST", 9*60*60)
}

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Market selects the screening universe.
type Market string

const (
	MarketAll    Market = "ALL"
	MarketKOSPI  Market = "KOSPI"
	MarketKOSDAQ Market = "KOSDAQ"
)

// Source records how a cached value entered the cache. STREAM values come
// from the realtime WebSocket, REST from polling the quote endpoint, CACHE
// marks a value served from the cache after a failed refresh.
type Source string

const (
	SourceStream Source = "STREAM"
	SourceREST   Source = "REST"
	SourceCache  Source = "CACHE"
)

// Strategy identifies which screening/signal family produced a candidate,
// subscription, or trade. Values double as persistence keys, so they must
// stay stable.
type Strategy string

const (
	StrategyGap       Strategy = "gap"
	StrategyVolume    Strategy = "volume"
	StrategyMomentum  Strategy = "momentum"
	StrategyTechnical Strategy = "technical"
	StrategyCandle    Strategy = "candle"
	StrategyManual    Strategy = "manual" // operator-initiated orders
)

// Priority orders subscriptions for realtime slot allocation. Lower numeric
// value means more important. CRITICAL and HIGH want a realtime stream;
// MEDIUM and below poll.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityMedium     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// WantsRealtime reports whether this priority should try for a stream slot.
func (p Priority) WantsRealtime() bool { return p <= PriorityHigh }

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

// OrderState is the lifecycle state of an order as the bot tracks it.
type OrderState string

const (
	OrderPending   OrderState = "PENDING"   // submitted, no broker response yet
	OrderAccepted  OrderState = "ACCEPTED"  // broker acknowledged, resting
	OrderPartial   OrderState = "PARTIAL"   // partially filled
	OrderFilled    OrderState = "FILLED"    // fully filled
	OrderCancelled OrderState = "CANCELLED" // cancelled before complete fill
	OrderRejected  OrderState = "REJECTED"  // broker refused
	OrderExpired   OrderState = "EXPIRED"   // aged out unfilled
)

// Terminal reports whether the state ends the order's lifecycle. A terminal
// order releases its symbol from the executor's pending set.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// PositionSource distinguishes positions the bot opened from holdings that
// already existed in the account at startup.
type PositionSource string

const (
	PositionBot      PositionSource = "BOT"
	PositionExisting PositionSource = "EXISTING"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Quote is the last-known snapshot for one symbol. Prices are integer KRW.
// Timestamp is the broker-reported time when present, else ingest time.
type Quote struct {
	Symbol     string
	Price      int64   // last trade price
	ChangeRate float64 // percent vs previous close, e.g. 3.5 = +3.5%
	Volume     int64   // accumulated volume for the day
	Open       int64
	High       int64
	Low        int64
	PrevClose  int64
	Timestamp  time.Time
	Source     Source
}

// OrderbookLevel is a single price level on one side of the book.
type OrderbookLevel struct {
	Price int64
	Qty   int64
}

// Orderbook is a ten-level depth snapshot for one symbol.
type Orderbook struct {
	Symbol    string
	Asks      []OrderbookLevel // ascending, best ask first
	Bids      []OrderbookLevel // descending, best bid first
	TotalAsk  int64            // total resting ask quantity
	TotalBid  int64            // total resting bid quantity
	Timestamp time.Time
}

// BestAsk returns the lowest ask price, or 0 when the book is empty.
func (b *Orderbook) BestAsk() int64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// BestBid returns the highest bid price, or 0 when the book is empty.
func (b *Orderbook) BestBid() int64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// Candle is one OHLCV bar. Daily bars carry the trading date in Date
// (YYYYMMDD); intraday bars carry HHMMSS.
type Candle struct {
	Date   string
	Open   int64
	High   int64
	Low    int64
	Close  int64
	Volume int64
}

// ————————————————————————————————————————————————————————————————————————
// Stream events
// ————————————————————————————————————————————————————————————————————————

// EventType tags a decoded stream event.
type EventType string

const (
	EventTrade     EventType = "TRADE"
	EventOrderbook EventType = "ORDERBOOK"
)

// StreamTrade is a decoded realtime trade print.
type StreamTrade struct {
	Symbol     string
	Price      int64
	ChangeRate float64
	Volume     int64 // accumulated volume
	TradeQty   int64 // quantity of this print
	Timestamp  time.Time
}

// StreamEvent is the single event shape delivered to data-plane callbacks.
// Exactly one of Trade or Book is non-nil, matching Type.
type StreamEvent struct {
	Type   EventType
	Symbol string
	Trade  *StreamTrade
	Book   *Orderbook
}

// StreamCallback receives decoded stream events. Implementations must be
// safe to call from the stream reader goroutine and must not block.
type StreamCallback func(ev StreamEvent)

// ————————————————————————————————————————————————————————————————————————
// Screening and candidates
// ————————————————————————————————————————————————————————————————————————

// ScreenItem is one ranked row from a broker screening endpoint.
type ScreenItem struct {
	Symbol      string
	Name        string
	Price       int64
	ChangeRate  float64
	Volume      int64
	VolumeRatio float64 // today's volume vs recent average
	GapRate     float64 // open vs previous close, percent
	Momentum    float64 // short-horizon rate of change, percent
	TechScore   float64 // composite technical score 0..100
	Reason      string  // free-form reason from the ranking source
}

// ScreenResult is the outcome of one market screening sweep: four ranked
// category lists produced by a single ScreenMarket call.
type ScreenResult struct {
	Gap       []ScreenItem
	Volume    []ScreenItem
	Momentum  []ScreenItem
	Technical []ScreenItem
	FetchedAt time.Time
}

// Candidate is a symbol promoted by discovery for one strategy. Candidates
// feed subscriptions and are persisted as selected_stocks rows.
type Candidate struct {
	Symbol       string
	Name         string
	Strategy     Strategy
	Score        float64 // weighted composite used for ranking
	Rank         int     // 1-based position within its strategy list
	Reason       string
	DiscoveredAt time.Time

	Price       int64
	ChangeRate  float64
	Volume      int64
	VolumeRatio float64
	GapRate     float64
	Momentum    float64
	TechScore   float64
}

// ————————————————————————————————————————————————————————————————————————
// Orders, fills, positions
// ————————————————————————————————————————————————————————————————————————

// Order is the bot-side record of one submitted order. ClientID dedupes
// retries; BrokerOrderID and OrgNo come back from the broker and are both
// required to cancel.
type Order struct {
	ClientID      string // process-unique UUID
	Symbol        string
	Side          Side
	Qty           int64
	LimitPrice    int64
	Strategy      Strategy
	SubmittedAt   time.Time
	BrokerOrderID string
	OrgNo         string // KRX forwarding organization number, needed for cancel
	State         OrderState
	FilledQty     int64
}

// Fill is one execution against an order. Multiple fills per order are
// allowed; the sum of fill quantities never exceeds the order quantity.
type Fill struct {
	OrderClientID string
	Qty           int64
	Price         int64
	Timestamp     time.Time
}

// DayOrder is one row from the broker's intraday order inquiry.
type DayOrder struct {
	BrokerOrderID string
	OrgNo         string
	Symbol        string
	Side          Side
	Qty           int64
	FilledQty     int64
	RemainingQty  int64
	LimitPrice    int64
	SubmittedAt   time.Time
	Cancelled     bool
}

// Position is a local view of one holding. The broker is authoritative;
// sell quantity is always min(local, broker).
type Position struct {
	Symbol   string
	Name     string
	Quantity int64
	AvgCost  int64
	OpenedAt time.Time
	Strategy Strategy
	Source   PositionSource
}

// Holding is one line of the broker balance response.
type Holding struct {
	Symbol  string
	Name    string
	Qty     int64
	AvgCost int64
}

// Balance is the broker account snapshot.
type Balance struct {
	TotalValue    int64
	CashAvailable int64
	StockValue    int64
	UnrealizedPnL int64
	Holdings      []Holding
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is a validated trade intent produced by the signal pipeline.
// Strength, Confidence, and PositionSize are in [0,1]. Prices are KRW.
type Signal struct {
	Symbol       string
	Side         Side
	Strategy     Strategy
	Price        int64
	Strength     float64
	Confidence   float64
	TargetPrice  int64
	StopLoss     int64
	PositionSize float64
	RiskReward   float64
	GeneratedAt  time.Time
	Reason       string
	Warnings     []string
}
