// Package market provides the quote cache, the unified data collector, the
// realtime/polling subscription allocator, and candidate discovery.
//
// The Cache mirrors broker market data for every watched symbol. It is
// updated from two sources:
//   - WebSocket stream events (trade prints and orderbook snapshots)
//   - REST reads performed by the Data Collector
//
// Every entry carries its origin and timestamp so readers can apply the
// freshness windows below. A REST write never replaces a stream entry
// younger than five minutes; periodic REST sweeps therefore cannot clobber
// a live stream.
package market

import (
	"sync"
	"time"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// Clock supplies the current time. Injected so freshness rules are testable;
// pass nil to constructors for the wall clock.
type Clock func() time.Time

// Freshness windows. Stream quotes age out in two stages: under StreamFresh
// they are authoritative, under StreamUsable they are still preferred over a
// REST round trip, beyond that the collector goes to the broker.
const (
	StreamFresh  = 5 * time.Second
	StreamUsable = 30 * time.Second
	RESTFresh    = 30 * time.Second
	DailyFresh   = 10 * time.Minute

	// overwriteGuard protects a stream-origin entry from REST writes.
	overwriteGuard = 5 * time.Minute
)

// CacheStats is a point-in-time counter snapshot.
type CacheStats struct {
	Quotes             int
	Orderbooks         int
	DailySeries        int
	Hits               uint64
	Misses             uint64
	RejectedOverwrites uint64
}

type dailyEntry struct {
	rows     []types.Candle
	storedAt time.Time
}

// Cache is the in-process market data store, one namespace per data kind,
// all keyed by symbol.
type Cache struct {
	mu         sync.RWMutex
	clock      Clock
	quotes     map[string]types.Quote
	books      map[string]types.Orderbook
	bookSource map[string]types.Source
	dailies    map[string]dailyEntry

	hits     uint64
	misses   uint64
	rejected uint64
}

// NewCache creates an empty cache. clock may be nil for wall time.
func NewCache(clock Clock) *Cache {
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		clock:      clock,
		quotes:     make(map[string]types.Quote),
		books:      make(map[string]types.Orderbook),
		bookSource: make(map[string]types.Source),
		dailies:    make(map[string]dailyEntry),
	}
}

// PutQuote stores a quote. A non-stream write is rejected while a stream
// entry younger than the guard window holds the slot; the rejection is
// counted and the caller keeps its own copy regardless.
func (c *Cache) PutQuote(q types.Quote) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q.Timestamp.IsZero() {
		q.Timestamp = c.clock()
	}
	if prev, ok := c.quotes[q.Symbol]; ok && c.guardedLocked(prev.Source, prev.Timestamp, q.Source) {
		c.rejected++
		return false
	}
	c.quotes[q.Symbol] = q
	return true
}

// GetQuote returns the cached quote for symbol.
func (c *Cache) GetQuote(symbol string) (types.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.quotes[symbol]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return q, ok
}

// PutBook stores an orderbook snapshot under the same overwrite guard as
// quotes. Book source is implied: stream books carry a fresh Timestamp from
// the wire, REST books are stamped here.
func (c *Cache) PutBook(book types.Orderbook, source types.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if book.Timestamp.IsZero() {
		book.Timestamp = c.clock()
	}
	if prev, ok := c.books[book.Symbol]; ok && c.guardedLocked(c.bookSource[book.Symbol], prev.Timestamp, source) {
		c.rejected++
		return false
	}
	c.books[book.Symbol] = book
	c.bookSource[book.Symbol] = source
	return true
}

// GetBook returns the cached orderbook for symbol.
func (c *Cache) GetBook(symbol string) (types.Orderbook, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.books[symbol]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return b, ok
}

// PutDaily stores a daily series under a caller-chosen key
// (conventionally "symbol|period|n").
func (c *Cache) PutDaily(key string, rows []types.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dailies[key] = dailyEntry{rows: rows, storedAt: c.clock()}
}

// GetDaily returns the cached series and the time it was stored.
func (c *Cache) GetDaily(key string) ([]types.Candle, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.dailies[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return e.rows, e.storedAt, ok
}

// Clear drops every namespace. Counters survive.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = make(map[string]types.Quote)
	c.books = make(map[string]types.Orderbook)
	c.bookSource = make(map[string]types.Source)
	c.dailies = make(map[string]dailyEntry)
}

// Stats returns a snapshot of sizes and counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Quotes:             len(c.quotes),
		Orderbooks:         len(c.books),
		DailySeries:        len(c.dailies),
		Hits:               c.hits,
		Misses:             c.misses,
		RejectedOverwrites: c.rejected,
	}
}

// guardedLocked reports whether a write from newSource onto an entry of
// prevSource aged prevAt must be refused.
func (c *Cache) guardedLocked(prevSource types.Source, prevAt time.Time, newSource types.Source) bool {
	if prevSource != types.SourceStream || newSource == types.SourceStream {
		return false
	}
	return c.clock().Sub(prevAt) < overwriteGuard
}
