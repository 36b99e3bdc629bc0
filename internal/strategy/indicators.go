package strategy

import (
	"math"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// Indicator helpers operate on daily bars ordered oldest first and read the
// window ending at the last bar. They return zero values (or a neutral level
// where one exists) when the series is too short, so callers can gate on
// series length once and treat the math as total.

// ————————————————————————————————————————————————————————————————————————
// Moving averages
// ————————————————————————————————————————————————————————————————————————

// SMA is the simple moving average of the last period closes.
func SMA(bars []types.Candle, period int) float64 {
	if period <= 0 || len(bars) < period {
		return 0
	}
	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += float64(bars[i].Close)
	}
	return sum / float64(period)
}

// EMA is the exponential moving average of closes, seeded with the SMA of
// the first period bars and walked forward over the rest.
func EMA(bars []types.Candle, period int) float64 {
	if period <= 0 || len(bars) < period {
		return 0
	}
	ema := SMA(bars[:period], period)
	mult := 2.0 / float64(period+1)
	for i := period; i < len(bars); i++ {
		ema = float64(bars[i].Close)*mult + ema*(1-mult)
	}
	return ema
}

// emaSeries returns the EMA at every index from period-1 on, aligned so that
// out[i] is the EMA of values[:i+1]. Entries before period-1 are zero.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out[period-1] = ema
	mult := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = values[i]*mult + ema*(1-mult)
		out[i] = ema
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Oscillators
// ————————————————————————————————————————————————————————————————————————

// RSI is the relative strength index over the last period bar-to-bar
// changes. Short series read as the neutral 50.
func RSI(bars []types.Candle, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 50
	}
	gains, losses := 0.0, 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		change := float64(bars[i].Close - bars[i-1].Close)
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

// MACD returns the convergence-divergence line (fast EMA minus slow EMA),
// its signal line (an EMA of the MACD line itself), and the histogram
// (line minus signal). All three are zero when the series cannot cover
// slow+signalPeriod bars.
func MACD(bars []types.Candle, fast, slow, signalPeriod int) (line, signal, hist float64) {
	if slow <= fast || len(bars) < slow+signalPeriod {
		return 0, 0, 0
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = float64(b.Close)
	}
	fastS := emaSeries(closes, fast)
	slowS := emaSeries(closes, slow)

	// The MACD line only exists once the slow EMA does.
	macd := make([]float64, 0, len(bars)-slow+1)
	for i := slow - 1; i < len(bars); i++ {
		macd = append(macd, fastS[i]-slowS[i])
	}
	sigS := emaSeries(macd, signalPeriod)

	line = macd[len(macd)-1]
	signal = sigS[len(sigS)-1]
	return line, signal, line - signal
}

// Bollinger returns the period-SMA band with width standard deviations on
// each side.
func Bollinger(bars []types.Candle, period int, width float64) (upper, middle, lower float64) {
	if period <= 0 || len(bars) < period {
		return 0, 0, 0
	}
	middle = SMA(bars, period)
	variance := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		d := float64(bars[i].Close) - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return middle + width*sd, middle, middle - width*sd
}

// ATR is the average true range over the last period bars. True range uses
// the previous close, so period+1 bars are required.
func ATR(bars []types.Candle, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		high := float64(bars[i].High)
		low := float64(bars[i].Low)
		prev := float64(bars[i-1].Close)
		tr := math.Max(high-low, math.Max(math.Abs(high-prev), math.Abs(low-prev)))
		sum += tr
	}
	return sum / float64(period)
}

// Momentum is the percent change of the close over the last period bars.
func Momentum(bars []types.Candle, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 0
	}
	past := float64(bars[len(bars)-period-1].Close)
	if past == 0 {
		return 0
	}
	return (float64(bars[len(bars)-1].Close) - past) / past * 100
}

// ————————————————————————————————————————————————————————————————————————
// Volume and swing levels
// ————————————————————————————————————————————————————————————————————————

// AvgVolume averages volume over the last period bars, or over the whole
// series when it is shorter.
func AvgVolume(bars []types.Candle, period int) float64 {
	if len(bars) == 0 {
		return 0
	}
	if period <= 0 || period > len(bars) {
		period = len(bars)
	}
	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += float64(bars[i].Volume)
	}
	return sum / float64(period)
}

// Swing returns the lowest low and highest high of the last period bars.
func Swing(bars []types.Candle, period int) (support, resistance int64) {
	if period <= 0 || len(bars) == 0 {
		return 0, 0
	}
	if period > len(bars) {
		period = len(bars)
	}
	start := len(bars) - period
	support, resistance = bars[start].Low, bars[start].High
	for i := start + 1; i < len(bars); i++ {
		if bars[i].Low < support {
			support = bars[i].Low
		}
		if bars[i].High > resistance {
			resistance = bars[i].High
		}
	}
	return support, resistance
}
