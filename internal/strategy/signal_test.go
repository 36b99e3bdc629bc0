package strategy

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/internal/market"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClock() (*time.Time, market.Clock) {
	now := time.Date(2026, 2, 2, 9, 30, 0, 0, types.KST)
	return &now, func() time.Time { return now }
}

func gateConfig() config.SignalConfig {
	return config.SignalConfig{MinScore: 60, MinConfidence: 0.6, MinRiskReward: 1.5}
}

// trendingBars rises 50 a day with a 200 daily range.
func trendingBars(n int) []types.Candle {
	bars := make([]types.Candle, n)
	for i := range bars {
		c := int64(10000 + 50*i)
		bars[i] = types.Candle{Open: c - 30, High: c + 100, Low: c - 100, Close: c, Volume: 100000}
	}
	return bars
}

// flatBars trades sideways at price with a fixed range.
func flatBars(n int, price int64) []types.Candle {
	bars := make([]types.Candle, n)
	for i := range bars {
		bars[i] = types.Candle{Open: price, High: price + 100, Low: price - 100, Close: price, Volume: 100000}
	}
	return bars
}

func TestEvaluateNeedsHistory(t *testing.T) {
	t.Parallel()
	_, clock := testClock()
	e := NewEngine(gateConfig(), clock, testLogger())

	_, err := e.Evaluate("000111", types.StrategyGap, types.Quote{Price: 10000}, trendingBars(59))
	if !types.IsKind(err, types.ErrDataUnavailable) {
		t.Fatalf("err = %v, want DATA_UNAVAILABLE", err)
	}
}

func TestEvaluateRejectsBadQuote(t *testing.T) {
	t.Parallel()
	_, clock := testClock()
	e := NewEngine(gateConfig(), clock, testLogger())

	_, err := e.Evaluate("000111", types.StrategyGap, types.Quote{Price: 0}, trendingBars(70))
	if !types.IsKind(err, types.ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestEvaluateFlatSeriesHasNoRange(t *testing.T) {
	t.Parallel()
	_, clock := testClock()
	e := NewEngine(gateConfig(), clock, testLogger())

	bars := make([]types.Candle, 70)
	for i := range bars {
		bars[i] = types.Candle{Open: 1000, High: 1000, Low: 1000, Close: 1000, Volume: 10}
	}
	_, err := e.Evaluate("000111", types.StrategyGap, types.Quote{Price: 1000}, bars)
	if !types.IsKind(err, types.ErrDataUnavailable) {
		t.Fatalf("err = %v, want DATA_UNAVAILABLE for a flat series", err)
	}
}

func TestEvaluateUptrend(t *testing.T) {
	t.Parallel()
	nowPtr, clock := testClock()
	e := NewEngine(gateConfig(), clock, testLogger())

	bars := trendingBars(70)
	quote := types.Quote{Symbol: "000111", Price: 13500, Volume: 250000, Source: types.SourceStream}

	sig, err := e.Evaluate("000111", types.StrategyMomentum, quote, bars)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig.Side != types.BUY || sig.Strategy != types.StrategyMomentum || sig.Price != 13500 {
		t.Fatalf("unexpected signal head: %+v", sig)
	}
	if !sig.GeneratedAt.Equal(*nowPtr) {
		t.Fatalf("GeneratedAt = %v, want the injected clock", sig.GeneratedAt)
	}

	// Stop is capped by 1.5 ATRs (ATR is 200 here), the target is the
	// 20-bar swing high.
	if sig.StopLoss != 13200 {
		t.Fatalf("stop = %d, want 13200", sig.StopLoss)
	}
	if sig.TargetPrice != 13550 {
		t.Fatalf("target = %d, want 13550", sig.TargetPrice)
	}

	// A 70-bar straight rise pins RSI at 100: momentum votes no even while
	// trend, MACD, and volume vote yes.
	almost(t, sig.Confidence, 0.6)
	if sig.Strength <= 0.5 || sig.Strength > 0.8 {
		t.Fatalf("strength = %v, want inside (0.5, 0.8]", sig.Strength)
	}
	if !hasWarning(sig.Warnings, "overbought") {
		t.Fatalf("warnings = %v, want overbought", sig.Warnings)
	}
}

func TestEvaluateWarnsOnWeakVolume(t *testing.T) {
	t.Parallel()
	_, clock := testClock()
	e := NewEngine(gateConfig(), clock, testLogger())

	quote := types.Quote{Price: 10000, Volume: 100} // well under the 100k average
	sig, err := e.Evaluate("000111", types.StrategyVolume, quote, flatBars(70, 10000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !hasWarning(sig.Warnings, "volume below average") {
		t.Fatalf("warnings = %v, want volume warning", sig.Warnings)
	}
}

func TestRiskBlockHugsSwingLow(t *testing.T) {
	t.Parallel()
	_, clock := testClock()
	e := NewEngine(gateConfig(), clock, testLogger())

	// Sideways at 10000: the 9900 swing low sits inside 1.5 ATRs, so the
	// stop lands on it and the target on the 10100 swing high.
	sig, err := e.Evaluate("000111", types.StrategyTechnical, types.Quote{Price: 10000, Volume: 100000}, flatBars(70, 10000))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig.StopLoss != 9900 || sig.TargetPrice != 10100 {
		t.Fatalf("risk block %d/%d, want 9900/10100", sig.StopLoss, sig.TargetPrice)
	}
	almost(t, sig.RiskReward, 1)
}

func TestAcceptsGates(t *testing.T) {
	t.Parallel()
	_, clock := testClock()
	e := NewEngine(gateConfig(), clock, testLogger())

	base := types.Signal{Symbol: "000111", Strength: 0.7, Confidence: 0.8, RiskReward: 2.0}

	cases := []struct {
		name   string
		mut    func(*types.Signal)
		wantOK bool
	}{
		{"passes", func(s *types.Signal) {}, true},
		{"score floor", func(s *types.Signal) { s.Strength = 0.59 }, false},
		{"confidence floor", func(s *types.Signal) { s.Confidence = 0.5 }, false},
		{"risk reward floor", func(s *types.Signal) { s.RiskReward = 1.4 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := base
			tc.mut(&sig)
			err := e.Accepts(&sig)
			if tc.wantOK && err != nil {
				t.Fatalf("rejected: %v", err)
			}
			if !tc.wantOK {
				if !types.IsKind(err, types.ErrValidation) {
					t.Fatalf("err = %v, want VALIDATION", err)
				}
			}
		})
	}
}

func TestComponentLadders(t *testing.T) {
	t.Parallel()

	almost(t, trendScore(110, 105, 100, 95), 1.0)
	almost(t, trendScore(110, 105, 100, 120), 0.75)
	almost(t, trendScore(110, 105, 120, 130), 0.5)
	almost(t, trendScore(90, 105, 100, 95), 0.25)
	almost(t, trendScore(90, 95, 100, 105), 0)

	almost(t, rsiScore(25), 0.8)
	almost(t, rsiScore(40), 1.0)
	almost(t, rsiScore(55), 0.6)
	almost(t, rsiScore(65), 0.4)
	almost(t, rsiScore(80), 0)

	almost(t, macdScore(5, 3), 1.0)
	almost(t, macdScore(-2, -4), 0.7)
	almost(t, macdScore(2, 4), 0.4)
	almost(t, macdScore(-4, -2), 0)

	almost(t, bandPosition(100, 120, 80), 0.5)
	almost(t, bandPosition(80, 120, 80), 0)
	almost(t, bandPosition(130, 120, 80), 1) // clamped
	almost(t, bandPosition(100, 90, 90), 0.5)

	almost(t, bandScore(0.1), 1.0)
	almost(t, bandScore(0.4), 0.7)
	almost(t, bandScore(0.7), 0.4)
	almost(t, bandScore(0.95), 0.1)

	almost(t, volumeScore(2.5), 1.0)
	almost(t, volumeScore(1.7), 0.8)
	almost(t, volumeScore(1.1), 0.5)
	almost(t, volumeScore(0.5), 0.2)
}

func hasWarning(warnings []string, want string) bool {
	for _, w := range warnings {
		if w == want {
			return true
		}
	}
	return false
}
