package schedule

import (
	"fmt"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/market"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// SlotFilters is the per-slot candidate gate, applied by discovery on top
// of the universe filters.
type SlotFilters struct {
	MinGapRate     float64
	MinTechScore   float64
	MinVolumeRatio float64
	MaxPerStrategy int
}

// TimeSlot is one wall-clock trading window with its strategy mix. Start
// and End are minutes since midnight KST; windows are half-open [Start,
// End) and must not overlap. Primary strategies carry the slot's focus,
// secondary ones fill remaining attention; ScoreMultipliers lets a slot
// emphasize a strategy beyond its table weight and defaults to 1.
type TimeSlot struct {
	Name             string
	Start            int
	End              int
	Primary          map[types.Strategy]float64
	Secondary        map[types.Strategy]float64
	Filters          SlotFilters
	ScoreMultipliers map[types.Strategy]float64
}

// Contains reports whether the minute-of-day falls inside the window.
func (s TimeSlot) Contains(minute int) bool {
	return minute >= s.Start && minute < s.End
}

// Window renders the slot bounds as "HH:MM".
func (s TimeSlot) Window() (start, end string) {
	return clockString(s.Start), clockString(s.End)
}

// Weights flattens primary and secondary into the effective per-strategy
// weights, multiplier applied. A strategy named in both keeps its primary
// weight.
func (s TimeSlot) Weights() map[types.Strategy]float64 {
	out := make(map[types.Strategy]float64, len(s.Primary)+len(s.Secondary))
	for strat, w := range s.Primary {
		out[strat] = w * s.multiplier(strat)
	}
	for strat, w := range s.Secondary {
		if _, ok := out[strat]; !ok {
			out[strat] = w * s.multiplier(strat)
		}
	}
	return out
}

func (s TimeSlot) multiplier(strat types.Strategy) float64 {
	if m, ok := s.ScoreMultipliers[strat]; ok && m > 0 {
		return m
	}
	return 1
}

// Criteria builds the discovery criteria for this slot.
func (s TimeSlot) Criteria() market.SlotCriteria {
	return market.SlotCriteria{
		Weights:        s.Weights(),
		MinGapRate:     s.Filters.MinGapRate,
		MinTechScore:   s.Filters.MinTechScore,
		MinVolumeRatio: s.Filters.MinVolumeRatio,
		MaxPerStrategy: s.Filters.MaxPerStrategy,
	}
}

// DefaultSlots is the stock trading day cut into five windows. Gap plays
// dominate before the open while yesterday's imbalances still price in;
// the open itself belongs to volume and momentum; the middle of the day
// rewards technicals; the close leans on momentum again.
func DefaultSlots() []TimeSlot {
	return []TimeSlot{
		{
			Name:  "pre_market_early",
			Start: hhmm(0, 0),
			End:   hhmm(8, 30),
			Primary: map[types.Strategy]float64{
				types.StrategyGap:       1.0,
				types.StrategyTechnical: 0.8,
			},
			Secondary: map[types.Strategy]float64{
				types.StrategyVolume:   0.6,
				types.StrategyMomentum: 0.4,
			},
			Filters: SlotFilters{MinGapRate: 2.0, MinTechScore: 60, MinVolumeRatio: 1.5, MaxPerStrategy: 3},
		},
		{
			Name:  "pre_market",
			Start: hhmm(8, 30),
			End:   hhmm(9, 0),
			Primary: map[types.Strategy]float64{
				types.StrategyGap:       2.0,
				types.StrategyTechnical: 1.8,
			},
			Secondary: map[types.Strategy]float64{
				types.StrategyVolume:   0.8,
				types.StrategyMomentum: 0.6,
			},
			Filters: SlotFilters{MinGapRate: 3.0, MinTechScore: 65, MinVolumeRatio: 2.0, MaxPerStrategy: 5},
		},
		{
			Name:  "early_market",
			Start: hhmm(9, 0),
			End:   hhmm(10, 30),
			Primary: map[types.Strategy]float64{
				types.StrategyVolume:   2.0,
				types.StrategyMomentum: 1.8,
			},
			Secondary: map[types.Strategy]float64{
				types.StrategyGap:       1.2,
				types.StrategyTechnical: 1.0,
			},
			Filters: SlotFilters{MinGapRate: 2.0, MinTechScore: 60, MinVolumeRatio: 3.0, MaxPerStrategy: 5},
		},
		{
			Name:  "mid_market",
			Start: hhmm(10, 30),
			End:   hhmm(14, 0),
			Primary: map[types.Strategy]float64{
				types.StrategyTechnical: 2.0,
				types.StrategyMomentum:  1.5,
			},
			Secondary: map[types.Strategy]float64{
				types.StrategyVolume: 1.2,
				types.StrategyGap:    0.8,
			},
			Filters: SlotFilters{MinGapRate: 2.0, MinTechScore: 70, MinVolumeRatio: 2.0, MaxPerStrategy: 4},
		},
		{
			Name:  "late_market",
			Start: hhmm(14, 0),
			End:   hhmm(15, 30),
			Primary: map[types.Strategy]float64{
				types.StrategyMomentum: 1.8,
				types.StrategyVolume:   1.5,
			},
			Secondary: map[types.Strategy]float64{
				types.StrategyTechnical: 1.2,
				types.StrategyGap:       0.5,
			},
			Filters: SlotFilters{MinGapRate: 1.5, MinTechScore: 65, MinVolumeRatio: 2.5, MaxPerStrategy: 3},
		},
	}
}

// priorityFor derives the subscription priority for a candidate. Gap picks
// stream at CRITICAL because the edge decays within minutes of the open;
// everything else starts at HIGH. Deep ranks degrade so a #14 pick does
// not occupy a stream slot: ranks 6-10 drop one level, 11+ two.
func priorityFor(strategy types.Strategy, rank int) types.Priority {
	p := types.PriorityHigh
	if strategy == types.StrategyGap {
		p = types.PriorityCritical
	}
	switch {
	case rank >= 11:
		p += 2
	case rank >= 6:
		p++
	}
	if p > types.PriorityBackground {
		p = types.PriorityBackground
	}
	return p
}

// ————————————————————————————————————————————————————————————————————————
// Clock arithmetic
// ————————————————————————————————————————————————————————————————————————

const minutesPerDay = 24 * 60

func hhmm(h, m int) int { return h*60 + m }

func clockString(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

// parseClock parses "HH:MM" into a minute-of-day.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return hhmm(t.Hour(), t.Minute()), nil
}

// minuteOf is the KST minute-of-day of t.
func minuteOf(t time.Time) int {
	k := t.In(types.KST)
	return hhmm(k.Hour(), k.Minute())
}
