package market

import (
	"testing"
	"time"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// testClock returns a clock whose time the test advances by hand.
func testClock() (*time.Time, Clock) {
	now := time.Date(2026, 2, 2, 9, 30, 0, 0, types.KST)
	return &now, func() time.Time { return now }
}

func streamQuote(symbol string, price int64, at time.Time) types.Quote {
	return types.Quote{Symbol: symbol, Price: price, Timestamp: at, Source: types.SourceStream}
}

func restQuote(symbol string, price int64, at time.Time) types.Quote {
	return types.Quote{Symbol: symbol, Price: price, Timestamp: at, Source: types.SourceREST}
}

func TestPutGetQuote(t *testing.T) {
	t.Parallel()
	now, clk := testClock()
	c := NewCache(clk)

	if _, ok := c.GetQuote("005930"); ok {
		t.Fatal("empty cache returned a quote")
	}
	c.PutQuote(restQuote("005930", 71500, *now))

	q, ok := c.GetQuote("005930")
	if !ok {
		t.Fatal("quote not found after put")
	}
	if q.Price != 71500 || q.Source != types.SourceREST {
		t.Errorf("quote = %+v", q)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", st.Hits, st.Misses)
	}
}

func TestRESTCannotClobberYoungStream(t *testing.T) {
	t.Parallel()
	now, clk := testClock()
	c := NewCache(clk)

	c.PutQuote(streamQuote("005930", 71500, *now))

	// Four minutes later a REST sweep returns a different price.
	*now = now.Add(4 * time.Minute)
	if c.PutQuote(restQuote("005930", 71300, *now)) {
		t.Fatal("REST write replaced a stream entry younger than the guard")
	}

	q, _ := c.GetQuote("005930")
	if q.Source != types.SourceStream || q.Price != 71500 {
		t.Errorf("stream entry lost: %+v", q)
	}
	if got := c.Stats().RejectedOverwrites; got != 1 {
		t.Errorf("RejectedOverwrites = %d, want 1", got)
	}

	// Past the guard window the REST write lands.
	*now = now.Add(2 * time.Minute)
	if !c.PutQuote(restQuote("005930", 71300, *now)) {
		t.Fatal("REST write refused after the guard window")
	}
	q, _ = c.GetQuote("005930")
	if q.Source != types.SourceREST || q.Price != 71300 {
		t.Errorf("quote = %+v", q)
	}
}

func TestStreamAlwaysOverwrites(t *testing.T) {
	t.Parallel()
	now, clk := testClock()
	c := NewCache(clk)

	c.PutQuote(streamQuote("005930", 71500, *now))
	if !c.PutQuote(streamQuote("005930", 71600, now.Add(time.Second))) {
		t.Fatal("stream write refused")
	}
	q, _ := c.GetQuote("005930")
	if q.Price != 71600 {
		t.Errorf("price = %d, want 71600", q.Price)
	}
}

func TestBookGuard(t *testing.T) {
	t.Parallel()
	now, clk := testClock()
	c := NewCache(clk)

	c.PutBook(types.Orderbook{Symbol: "005930", Timestamp: *now}, types.SourceStream)
	if c.PutBook(types.Orderbook{Symbol: "005930", Timestamp: now.Add(time.Minute)}, types.SourceREST) {
		t.Fatal("REST book replaced a young stream book")
	}
	if !c.PutBook(types.Orderbook{Symbol: "005930", Timestamp: now.Add(time.Minute)}, types.SourceStream) {
		t.Fatal("stream book write refused")
	}
}

func TestPutStampsMissingTimestamp(t *testing.T) {
	t.Parallel()
	now, clk := testClock()
	c := NewCache(clk)

	c.PutQuote(types.Quote{Symbol: "005930", Price: 100, Source: types.SourceREST})
	q, _ := c.GetQuote("005930")
	if !q.Timestamp.Equal(*now) {
		t.Errorf("timestamp = %v, want %v", q.Timestamp, *now)
	}
}

func TestDailyRoundTrip(t *testing.T) {
	t.Parallel()
	now, clk := testClock()
	c := NewCache(clk)

	rows := []types.Candle{{Date: "20260202", Close: 71500}}
	c.PutDaily("005930|D|60", rows)

	got, at, ok := c.GetDaily("005930|D|60")
	if !ok {
		t.Fatal("daily series not found")
	}
	if len(got) != 1 || got[0].Close != 71500 {
		t.Errorf("rows = %+v", got)
	}
	if !at.Equal(*now) {
		t.Errorf("storedAt = %v, want %v", at, *now)
	}
}

func TestClearKeepsCounters(t *testing.T) {
	t.Parallel()
	now, clk := testClock()
	c := NewCache(clk)

	c.PutQuote(streamQuote("005930", 71500, *now))
	c.GetQuote("005930")
	c.Clear()

	if _, ok := c.GetQuote("005930"); ok {
		t.Fatal("quote survived Clear")
	}
	st := c.Stats()
	if st.Quotes != 0 {
		t.Errorf("Quotes = %d, want 0", st.Quotes)
	}
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", st.Hits, st.Misses)
	}
}
