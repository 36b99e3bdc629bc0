// Package strategy turns market data into orders. Screened candidates arrive
// as realtime subscriptions; every price print runs through a debounced
// signal pipeline, and signals that clear the configured gates reach the
// trade executor. A separate candle manager watches a bounded universe of
// pattern candidates and trades their triggers through the same executor.
//
// Per-print flow (Pipeline):
//  1. Debounce: drop prints for symbols signalled too recently.
//  2. Evaluate: indicators over ~60 daily bars produce a scored signal.
//  3. Gate: composite score, confidence, and risk/reward floors.
//  4. Forward to the executor; a placed buy silences the symbol for five
//     minutes.
package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/internal/market"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

const (
	// minHistory is the daily-bar floor below which no signal is attempted.
	minHistory = 60

	rsiPeriod    = 14
	macdFast     = 12
	macdSlow     = 26
	macdSmooth   = 9
	bandPeriod   = 20
	bandWidth    = 2.0
	atrPeriod    = 14
	volumePeriod = 20

	// Risk block: stops hug the nearest swing low when one sits inside
	// stopATRs of price, targets reach for the recent swing high.
	stopLookback   = 10
	swingLookback  = 20
	stopATRs       = 1.5
	targetATRs     = 3.0
	bullishVoteMin = 0.6
)

// Component weights of the composite score. They sum to 1; the score is
// their weighted average scaled to 0..100.
const (
	weightTrend    = 0.30
	weightMomentum = 0.20
	weightMACD     = 0.20
	weightBand     = 0.15
	weightVolume   = 0.15
)

// Engine scores one symbol at a time from its daily history plus the
// freshest quote. It holds no per-symbol state; the pipeline owns history
// and debounce.
type Engine struct {
	cfg    config.SignalConfig
	clock  market.Clock
	logger *slog.Logger
}

func NewEngine(cfg config.SignalConfig, clock market.Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With("component", "signal"),
	}
}

// Evaluate builds an entry signal for symbol from quote and its daily bars.
// It always fills the full risk block (stop, target, risk/reward) so the
// caller can gate once with Accepts. Errors are limited to unusable inputs:
// too little history or a degenerate series.
func (e *Engine) Evaluate(symbol string, strategy types.Strategy, quote types.Quote, daily []types.Candle) (*types.Signal, error) {
	if len(daily) < minHistory {
		return nil, types.NewError(types.ErrDataUnavailable,
			"%s: %d daily bars, need %d", symbol, len(daily), minHistory)
	}
	price := quote.Price
	if price <= 0 {
		return nil, types.NewError(types.ErrValidation, "%s: quote price %d", symbol, price)
	}

	rsi := RSI(daily, rsiPeriod)
	macdLine, macdSig, macdHist := MACD(daily, macdFast, macdSlow, macdSmooth)
	ma5 := SMA(daily, 5)
	ma20 := SMA(daily, 20)
	ma60 := SMA(daily, 60)
	upper, _, lower := Bollinger(daily, bandPeriod, bandWidth)
	atr := ATR(daily, atrPeriod)
	if atr <= 0 {
		return nil, types.NewError(types.ErrDataUnavailable, "%s: flat series, no range", symbol)
	}

	px := float64(price)
	var warnings []string

	// Each component scores 0..1 and votes bullish at >= bullishVoteMin.
	trend := trendScore(px, ma5, ma20, ma60)
	if trend == 0 {
		warnings = append(warnings, "below all moving averages")
	}

	momentum := rsiScore(rsi)
	if rsi > 70 {
		warnings = append(warnings, "overbought")
	}

	macdSc := macdScore(macdLine, macdSig)

	bandPos := bandPosition(px, upper, lower)
	bandSc := bandScore(bandPos)
	if bandPos > 0.95 {
		warnings = append(warnings, "stretched above upper band")
	}

	volRatio := 0.0
	if av := AvgVolume(daily, volumePeriod); av > 0 {
		volRatio = float64(quote.Volume) / av
	}
	volSc := volumeScore(volRatio)
	if volRatio < 1 {
		warnings = append(warnings, "volume below average")
	}

	score := (trend*weightTrend + momentum*weightMomentum + macdSc*weightMACD +
		bandSc*weightBand + volSc*weightVolume) * 100

	votes := 0
	for _, s := range []float64{trend, momentum, macdSc, bandSc, volSc} {
		if s >= bullishVoteMin {
			votes++
		}
	}
	confidence := float64(votes) / 5

	stop, target := e.riskBlock(price, atr, daily)
	rr := 0.0
	if risk := px - float64(stop); risk > 0 {
		rr = (float64(target) - px) / risk
	}

	return &types.Signal{
		Symbol:      symbol,
		Side:        types.BUY,
		Strategy:    strategy,
		Price:       price,
		Strength:    score / 100,
		Confidence:  confidence,
		TargetPrice: target,
		StopLoss:    stop,
		RiskReward:  rr,
		GeneratedAt: e.clock(),
		Reason: fmt.Sprintf("rsi %.1f, macd %+.1f, trend %.2f, band %.0f%%, vol %.1fx",
			rsi, macdHist, trend, bandPos*100, volRatio),
		Warnings: warnings,
	}, nil
}

// Accepts checks sig against the configured floors. nil means forward it.
func (e *Engine) Accepts(sig *types.Signal) error {
	score := sig.Strength * 100
	if score < e.cfg.MinScore {
		return types.NewError(types.ErrValidation,
			"%s: score %.1f below %.1f", sig.Symbol, score, e.cfg.MinScore)
	}
	if sig.Confidence < e.cfg.MinConfidence {
		return types.NewError(types.ErrValidation,
			"%s: confidence %.2f below %.2f", sig.Symbol, sig.Confidence, e.cfg.MinConfidence)
	}
	if sig.RiskReward < e.cfg.MinRiskReward {
		return types.NewError(types.ErrValidation,
			"%s: risk/reward %.2f below %.2f", sig.Symbol, sig.RiskReward, e.cfg.MinRiskReward)
	}
	return nil
}

// riskBlock derives the stop and target. The stop hugs the nearest swing
// low when one sits within stopATRs of price; the target is the recent
// swing high when it is above price, else an ATR multiple.
func (e *Engine) riskBlock(price int64, atr float64, daily []types.Candle) (stop, target int64) {
	stopDist := stopATRs * atr
	if low, _ := Swing(daily, stopLookback); low > 0 && low < price {
		if d := float64(price - low); d < stopDist {
			stopDist = d
		}
	}
	stop = price - int64(stopDist)
	if stop < 0 {
		stop = 0
	}

	target = price + int64(targetATRs*atr)
	if _, high := Swing(daily, swingLookback); high > price {
		target = high
	}
	return stop, target
}

// ————————————————————————————————————————————————————————————————————————
// Component scores
// ————————————————————————————————————————————————————————————————————————

// trendScore grades moving-average alignment. Full marks for
// price > MA5 > MA20 > MA60.
func trendScore(px, ma5, ma20, ma60 float64) float64 {
	switch {
	case px > ma5 && ma5 > ma20 && ma20 > ma60:
		return 1.0
	case px > ma5 && ma5 > ma20:
		return 0.75
	case px > ma5:
		return 0.5
	case ma5 > ma20:
		return 0.25
	default:
		return 0
	}
}

// rsiScore favors the recovery zone just above oversold. Deep oversold
// still scores: the bot buys dips, not breakdowns.
func rsiScore(rsi float64) float64 {
	switch {
	case rsi <= 30:
		return 0.8
	case rsi <= 45:
		return 1.0
	case rsi <= 60:
		return 0.6
	case rsi <= 70:
		return 0.4
	default:
		return 0
	}
}

func macdScore(line, signal float64) float64 {
	switch {
	case line > signal && line > 0:
		return 1.0
	case line > signal:
		return 0.7
	case line > 0:
		return 0.4
	default:
		return 0
	}
}

// bandPosition places px inside the Bollinger band: 0 at the lower band,
// 1 at the upper. Collapsed bands read as the midpoint.
func bandPosition(px, upper, lower float64) float64 {
	if upper <= lower {
		return 0.5
	}
	return clamp01((px - lower) / (upper - lower))
}

// bandScore rewards entries near the lower band.
func bandScore(pos float64) float64 {
	switch {
	case pos <= 0.2:
		return 1.0
	case pos <= 0.5:
		return 0.7
	case pos <= 0.8:
		return 0.4
	default:
		return 0.1
	}
}

func volumeScore(ratio float64) float64 {
	switch {
	case ratio >= 2.0:
		return 1.0
	case ratio >= 1.5:
		return 0.8
	case ratio >= 1.0:
		return 0.5
	default:
		return 0.2
	}
}
