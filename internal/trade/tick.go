package trade

// KRX price tick bands. An order is only accepted when its limit sits on
// the grid of the band containing it. Bands are half-open: the boundary
// price belongs to the wider band above it.
var tickBands = []struct {
	below int64 // band upper bound, exclusive
	tick  int64
}{
	{1_000, 1},
	{5_000, 5},
	{10_000, 10},
	{50_000, 50},
	{100_000, 100},
	{500_000, 500},
}

// topTick applies at and above 500,000 KRW.
const topTick = 1_000

// TickSize returns the grid step for the band containing price.
func TickSize(price int64) int64 {
	for _, b := range tickBands {
		if price < b.below {
			return b.tick
		}
	}
	return topTick
}

// SnapDown floors price onto its tick grid. Sell limits snap down so the
// computed discount is never undercut.
func SnapDown(price int64) int64 {
	if price <= 0 {
		return 0
	}
	return price - price%TickSize(price)
}

// SnapUp ceils price onto its tick grid. Buy limits snap up so the fill
// premium survives the rounding. Every band boundary is a multiple of the
// wider band's tick, so snapping across one still lands on a valid grid
// point.
func SnapUp(price int64) int64 {
	if price <= 0 {
		return 0
	}
	rem := price % TickSize(price)
	if rem == 0 {
		return price
	}
	return price + TickSize(price) - rem
}
