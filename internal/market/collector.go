package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// Broker is the REST surface the collector reads through.
type Broker interface {
	GetQuote(ctx context.Context, symbol string) (*types.Quote, error)
	GetOrderbook(ctx context.Context, symbol string) (*types.Orderbook, error)
	GetDailySeries(ctx context.Context, symbol, period string, n int) ([]types.Candle, error)
}

// PriceResult is the outcome of one CurrentPrice read. Stale marks a quote
// served past its fresh window (an aging stream print or a cache fallback
// after a broker failure).
type PriceResult struct {
	Quote     types.Quote
	FromCache bool
	Stale     bool
}

// CollectorStats is a snapshot of read-path counters.
type CollectorStats struct {
	StreamServed  uint64 // stream quote under the fresh window
	StreamStale   uint64 // stream quote between fresh and usable
	RESTCalls     uint64
	CacheFallback uint64 // broker failed, cache served instead
	EventsApplied uint64 // stream events written into the cache
}

// Collector is the unified market data read path. Reads prefer a live
// stream print over the cache and the cache over a REST round trip:
//
//  1. stream quote younger than StreamFresh: returned as-is
//  2. stream quote younger than StreamUsable: returned, flagged stale
//  3. REST fetch, written back through the cache overwrite guard
//  4. on broker failure, whatever the cache still holds
//
// It also owns the per-symbol fan-out of decoded stream events: the stream
// client delivers every event to HandleStreamEvent, which updates the cache
// first and then invokes the registered listeners.
type Collector struct {
	broker Broker
	cache  *Cache
	clock  Clock
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[string][]types.StreamCallback

	streamServed  atomic.Uint64
	streamStale   atomic.Uint64
	restCalls     atomic.Uint64
	cacheFallback atomic.Uint64
	eventsApplied atomic.Uint64
}

// NewCollector creates a collector. clock may be nil for wall time.
func NewCollector(broker Broker, cache *Cache, clock Clock, logger *slog.Logger) *Collector {
	if clock == nil {
		clock = time.Now
	}
	return &Collector{
		broker:    broker,
		cache:     cache,
		clock:     clock,
		logger:    logger.With("component", "collector"),
		listeners: make(map[string][]types.StreamCallback),
	}
}

// CurrentPrice resolves the freshest usable quote for symbol. With useCache
// false the cache is bypassed on the way in (a forced refresh); the result
// is still written back.
func (d *Collector) CurrentPrice(ctx context.Context, symbol string, useCache bool) (PriceResult, error) {
	cached, has := d.cache.GetQuote(symbol)
	if has && useCache {
		age := d.clock().Sub(cached.Timestamp)
		if cached.Source == types.SourceStream {
			switch {
			case age < StreamFresh:
				d.streamServed.Add(1)
				return PriceResult{Quote: cached, FromCache: true}, nil
			case age < StreamUsable:
				d.streamStale.Add(1)
				return PriceResult{Quote: cached, FromCache: true, Stale: true}, nil
			}
		} else if age < RESTFresh {
			return PriceResult{Quote: cached, FromCache: true}, nil
		}
	}

	d.restCalls.Add(1)
	q, err := d.broker.GetQuote(ctx, symbol)
	if err != nil {
		if useCache && has {
			d.cacheFallback.Add(1)
			d.logger.Warn("quote fetch failed, serving cached value",
				"symbol", symbol, "source", cached.Source, "error", err)
			return PriceResult{Quote: cached, FromCache: true, Stale: true}, nil
		}
		return PriceResult{}, err
	}

	// The guard may refuse the write while a live stream entry holds the
	// slot; the caller still gets the REST value it asked for.
	d.cache.PutQuote(*q)
	return PriceResult{Quote: *q, FromCache: false}, nil
}

// Orderbook returns the depth snapshot for symbol, cache-first.
func (d *Collector) Orderbook(ctx context.Context, symbol string) (*types.Orderbook, error) {
	if book, ok := d.cache.GetBook(symbol); ok && d.clock().Sub(book.Timestamp) < RESTFresh {
		return &book, nil
	}

	d.restCalls.Add(1)
	book, err := d.broker.GetOrderbook(ctx, symbol)
	if err != nil {
		if cached, ok := d.cache.GetBook(symbol); ok {
			d.cacheFallback.Add(1)
			return &cached, nil
		}
		return nil, err
	}
	d.cache.PutBook(*book, types.SourceREST)
	return book, nil
}

// DailySeries returns up to n bars for symbol, cache-first. Series entries
// are keyed by symbol, period, and length so different requests never alias.
func (d *Collector) DailySeries(ctx context.Context, symbol, period string, n int) ([]types.Candle, error) {
	key := fmt.Sprintf("%s|%s|%d", symbol, period, n)
	if rows, at, ok := d.cache.GetDaily(key); ok && d.clock().Sub(at) < DailyFresh {
		return rows, nil
	}

	d.restCalls.Add(1)
	rows, err := d.broker.GetDailySeries(ctx, symbol, period, n)
	if err != nil {
		if rows, _, ok := d.cache.GetDaily(key); ok {
			d.cacheFallback.Add(1)
			return rows, nil
		}
		return nil, err
	}
	d.cache.PutDaily(key, rows)
	return rows, nil
}

// SubscribeRealtime registers cb for symbol's decoded stream events.
func (d *Collector) SubscribeRealtime(symbol string, cb types.StreamCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[symbol] = append(d.listeners[symbol], cb)
}

// DropListeners removes every callback registered for symbol.
func (d *Collector) DropListeners(symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, symbol)
}

// HandleStreamEvent is the stream client's sink. It applies the event to the
// cache and fans out to the symbol's listeners. Listeners run on the stream
// reader goroutine and must stay cheap.
func (d *Collector) HandleStreamEvent(ev types.StreamEvent) {
	switch ev.Type {
	case types.EventTrade:
		if ev.Trade == nil {
			return
		}
		d.cache.PutQuote(types.Quote{
			Symbol:     ev.Symbol,
			Price:      ev.Trade.Price,
			ChangeRate: ev.Trade.ChangeRate,
			Volume:     ev.Trade.Volume,
			Timestamp:  ev.Trade.Timestamp,
			Source:     types.SourceStream,
		})
	case types.EventOrderbook:
		if ev.Book == nil {
			return
		}
		d.cache.PutBook(*ev.Book, types.SourceStream)
	default:
		return
	}
	d.eventsApplied.Add(1)

	d.mu.RLock()
	cbs := make([]types.StreamCallback, len(d.listeners[ev.Symbol]))
	copy(cbs, d.listeners[ev.Symbol])
	d.mu.RUnlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

// Stats returns a counter snapshot.
func (d *Collector) Stats() CollectorStats {
	return CollectorStats{
		StreamServed:  d.streamServed.Load(),
		StreamStale:   d.streamStale.Load(),
		RESTCalls:     d.restCalls.Load(),
		CacheFallback: d.cacheFallback.Load(),
		EventsApplied: d.eventsApplied.Load(),
	}
}
