package trade

import (
	"sort"
	"sync"
	"time"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// Book is the local position ledger. It mirrors what the bot believes it
// holds; the broker balance stays authoritative and Sync reconciles the two.
// Quantities never go negative: a reduction past zero clamps and archives.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*types.Position
	closed    uint64
}

// NewBook creates an empty position ledger.
func NewBook() *Book {
	return &Book{positions: make(map[string]*types.Position)}
}

// ApplyBuy opens or extends the position for symbol. Extensions keep the
// original strategy and open time and re-average the cost volume-weighted.
func (b *Book) ApplyBuy(symbol, name string, qty, price int64, strategy types.Strategy, src types.PositionSource, now time.Time) types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		pos = &types.Position{
			Symbol:   symbol,
			Name:     name,
			Quantity: qty,
			AvgCost:  price,
			OpenedAt: now,
			Strategy: strategy,
			Source:   src,
		}
		b.positions[symbol] = pos
		return *pos
	}

	total := pos.Quantity + qty
	if total > 0 {
		pos.AvgCost = (pos.AvgCost*pos.Quantity + price*qty) / total
	}
	pos.Quantity = total
	if pos.Name == "" {
		pos.Name = name
	}
	return *pos
}

// Reduce shrinks the position for symbol by up to qty and reports the
// remaining quantity. A position reduced to zero is archived, not kept at
// zero. Reducing an unknown symbol is a no-op.
func (b *Book) Reduce(symbol string, qty int64) (remaining int64, closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || qty <= 0 {
		return 0, false
	}
	pos.Quantity -= qty
	if pos.Quantity <= 0 {
		delete(b.positions, symbol)
		b.closed++
		return 0, true
	}
	return pos.Quantity, false
}

// Get returns a snapshot of the position for symbol.
func (b *Book) Get(symbol string) (types.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Has reports whether symbol is currently held.
func (b *Book) Has(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[symbol]
	return ok
}

// Count returns the number of open positions.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// Closed returns how many positions were fully exited since start.
func (b *Book) Closed() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// All returns position snapshots ordered by symbol.
func (b *Book) All() []types.Position {
	b.mu.RLock()
	out := make([]types.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Sync reconciles the book against a broker balance snapshot. Holdings the
// bot never opened enter as EXISTING positions; quantities and costs follow
// the broker; local positions the broker no longer reports are archived.
func (b *Book) Sync(holdings []types.Holding, now time.Time) (added, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		if h.Symbol == "" || h.Qty <= 0 {
			continue
		}
		seen[h.Symbol] = true
		if pos, ok := b.positions[h.Symbol]; ok {
			pos.Quantity = h.Qty
			pos.AvgCost = h.AvgCost
			if pos.Name == "" {
				pos.Name = h.Name
			}
			continue
		}
		b.positions[h.Symbol] = &types.Position{
			Symbol:   h.Symbol,
			Name:     h.Name,
			Quantity: h.Qty,
			AvgCost:  h.AvgCost,
			OpenedAt: now,
			Strategy: types.StrategyManual,
			Source:   types.PositionExisting,
		}
		added++
	}

	for symbol := range b.positions {
		if !seen[symbol] {
			delete(b.positions, symbol)
			b.closed++
			dropped++
		}
	}
	return added, dropped
}
