package strategy

import (
	"time"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// PatternType names a candlestick formation.
type PatternType string

const (
	PatternHammer           PatternType = "HAMMER"
	PatternInvertedHammer   PatternType = "INVERTED_HAMMER"
	PatternShootingStar     PatternType = "SHOOTING_STAR"
	PatternDoji             PatternType = "DOJI"
	PatternBullishEngulfing PatternType = "BULLISH_ENGULFING"
	PatternBearishEngulfing PatternType = "BEARISH_ENGULFING"
	PatternMorningStar      PatternType = "MORNING_STAR"
	PatternEveningStar      PatternType = "EVENING_STAR"
)

// Direction is the side a pattern argues for.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
	Neutral Direction = "neutral"
)

// Pattern is one detected formation. Index is the bar that completes it;
// Strength grades how decisive the completing bar was (0..1), independent
// of Confidence, which grades how well the shape matched.
type Pattern struct {
	Type       PatternType
	Symbol     string
	Direction  Direction
	Index      int
	Price      int64 // close of the completing bar
	Confidence float64
	Strength   float64
	DetectedAt time.Time
}

// Detector scans daily bars for candlestick formations. Thresholds follow
// the usual textbook ratios; minBodyRatio is the body-to-range floor for a
// bar to count as a long candle.
type Detector struct {
	minBodyRatio float64
}

func NewDetector() *Detector {
	return &Detector{minBodyRatio: 0.6}
}

// Detect returns every formation found in bars, oldest first. Single-bar
// shapes start at index 1 because they need the prior bar for trend
// context; three-bar shapes start at index 2.
func (d *Detector) Detect(symbol string, bars []types.Candle, now time.Time) []Pattern {
	var out []Pattern
	add := func(t PatternType, dir Direction, i int, conf, strength float64) {
		out = append(out, Pattern{
			Type:       t,
			Symbol:     symbol,
			Direction:  dir,
			Index:      i,
			Price:      bars[i].Close,
			Confidence: conf,
			Strength:   clamp01(strength),
			DetectedAt: now,
		})
	}

	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1], bars[i]

		switch {
		case isHammer(cur) && bearish(prev):
			add(PatternHammer, Bullish, i, 0.65, lowerWick(cur)/rangeOf(cur))
		case isInvertedHammer(cur) && bearish(prev):
			add(PatternInvertedHammer, Bullish, i, 0.6, upperWick(cur)/rangeOf(cur))
		case isInvertedHammer(cur) && bullish(prev):
			add(PatternShootingStar, Bearish, i, 0.65, upperWick(cur)/rangeOf(cur))
		case isDoji(cur):
			add(PatternDoji, Neutral, i, 0.5, 0.2)
		}

		if isBullishEngulfing(prev, cur) {
			conf := 0.7
			if d.longBody(cur) {
				conf += 0.1
			}
			add(PatternBullishEngulfing, Bullish, i, conf, bodyOf(cur)/rangeOf(cur))
		}
		if isBearishEngulfing(prev, cur) {
			conf := 0.7
			if d.longBody(cur) {
				conf += 0.1
			}
			add(PatternBearishEngulfing, Bearish, i, conf, bodyOf(cur)/rangeOf(cur))
		}

		if i < 2 {
			continue
		}
		c1, c2, c3 := bars[i-2], bars[i-1], bars[i]
		if isMorningStar(c1, c2, c3) {
			conf := 0.7
			// A third bar recovering the whole first body is the strong form.
			if c3.Close > c1.Open {
				conf += 0.1
			}
			add(PatternMorningStar, Bullish, i, conf, bodyOf(c3)/rangeOf(c3))
		}
		if isEveningStar(c1, c2, c3) {
			conf := 0.7
			if c3.Close < c1.Open {
				conf += 0.1
			}
			add(PatternEveningStar, Bearish, i, conf, bodyOf(c3)/rangeOf(c3))
		}
	}
	return out
}

// longBody reports whether the bar's body fills at least minBodyRatio of
// its range.
func (d *Detector) longBody(c types.Candle) bool {
	r := rangeOf(c)
	return r > 0 && bodyOf(c)/r >= d.minBodyRatio
}

// ————————————————————————————————————————————————————————————————————————
// Shape predicates
// ————————————————————————————————————————————————————————————————————————

func bodyOf(c types.Candle) float64 {
	b := c.Close - c.Open
	if b < 0 {
		b = -b
	}
	return float64(b)
}

func rangeOf(c types.Candle) float64 {
	return float64(c.High - c.Low)
}

func upperWick(c types.Candle) float64 {
	top := c.Open
	if c.Close > top {
		top = c.Close
	}
	return float64(c.High - top)
}

func lowerWick(c types.Candle) float64 {
	bot := c.Open
	if c.Close < bot {
		bot = c.Close
	}
	return float64(bot - c.Low)
}

func bullish(c types.Candle) bool { return c.Close > c.Open }
func bearish(c types.Candle) bool { return c.Close < c.Open }

// isHammer: small body at the top, lower wick at least twice the body,
// next to no upper wick.
func isHammer(c types.Candle) bool {
	b := bodyOf(c)
	if b == 0 {
		return false
	}
	return lowerWick(c) >= b*2 && upperWick(c) <= b*0.5
}

// isInvertedHammer mirrors isHammer: long upper wick, bare lower.
func isInvertedHammer(c types.Candle) bool {
	b := bodyOf(c)
	if b == 0 {
		return false
	}
	return upperWick(c) >= b*2 && lowerWick(c) <= b*0.5
}

// isDoji: body under 5% of the range.
func isDoji(c types.Candle) bool {
	r := rangeOf(c)
	return r > 0 && bodyOf(c) <= r*0.05
}

// isBullishEngulfing: a bullish bar whose body covers the prior bearish
// bar's body.
func isBullishEngulfing(prev, cur types.Candle) bool {
	if !bearish(prev) || !bullish(cur) {
		return false
	}
	return cur.Open <= prev.Close && cur.Close >= prev.Open
}

func isBearishEngulfing(prev, cur types.Candle) bool {
	if !bullish(prev) || !bearish(cur) {
		return false
	}
	return cur.Open >= prev.Close && cur.Close <= prev.Open
}

// isMorningStar: long bearish bar, small star, then a bullish bar closing
// above the first bar's body midpoint.
func isMorningStar(c1, c2, c3 types.Candle) bool {
	if !bearish(c1) || !bullish(c3) {
		return false
	}
	b1, b2, b3 := bodyOf(c1), bodyOf(c2), bodyOf(c3)
	mid := (c1.Open + c1.Close) / 2
	return b2 < b1*0.3 && b2 < b3*0.3 && c3.Close > mid
}

func isEveningStar(c1, c2, c3 types.Candle) bool {
	if !bullish(c1) || !bearish(c3) {
		return false
	}
	b1, b2, b3 := bodyOf(c1), bodyOf(c2), bodyOf(c3)
	mid := (c1.Open + c1.Close) / 2
	return b2 < b1*0.3 && b2 < b3*0.3 && c3.Close < mid
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
