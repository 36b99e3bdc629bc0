package market

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// Discovery turns one screening sweep into ranked candidate lists. The
// scheduler calls it once per time slot with the slot's criteria; the
// result is deterministic for a given sweep, so re-running a slot against
// identical screening output selects identical rows.

// SlotCriteria is the per-slot selection shape. Weights carry the
// effective per-strategy weight (slot weight times the time-of-day
// multiplier); a strategy absent from Weights is skipped entirely.
type SlotCriteria struct {
	Weights        map[types.Strategy]float64
	MinGapRate     float64
	MinTechScore   float64
	MinVolumeRatio float64
	MaxPerStrategy int // 0 falls back to the configured default
}

// Discovery filters, scores, and ranks screening rows into candidates.
type Discovery struct {
	cfg    config.DiscoveryConfig
	logger *slog.Logger
}

// NewDiscovery creates a discovery stage.
func NewDiscovery(cfg config.DiscoveryConfig, logger *slog.Logger) *Discovery {
	return &Discovery{
		cfg:    cfg,
		logger: logger.With("component", "discovery"),
	}
}

// Discover applies the criteria to one sweep. Candidates come back grouped
// by strategy in a fixed order (gap, volume, momentum, technical), each
// group ranked by weighted score with Rank assigned 1-based. A symbol may
// appear under more than one strategy; subscription-level deduplication is
// the caller's concern.
func (d *Discovery) Discover(res *types.ScreenResult, now time.Time, criteria SlotCriteria) []types.Candidate {
	if res == nil {
		return nil
	}
	maxPer := criteria.MaxPerStrategy
	if maxPer <= 0 {
		maxPer = d.cfg.MaxPerStrategy
	}

	lists := []struct {
		strategy types.Strategy
		items    []types.ScreenItem
	}{
		{types.StrategyGap, res.Gap},
		{types.StrategyVolume, res.Volume},
		{types.StrategyMomentum, res.Momentum},
		{types.StrategyTechnical, res.Technical},
	}

	var out []types.Candidate
	for _, l := range lists {
		weight := criteria.Weights[l.strategy]
		if weight <= 0 {
			continue
		}

		var kept []types.Candidate
		for _, item := range l.items {
			if !d.baseFilter(item) || !passes(l.strategy, item, criteria) {
				continue
			}
			kept = append(kept, types.Candidate{
				Symbol:       item.Symbol,
				Name:         item.Name,
				Strategy:     l.strategy,
				Score:        baseScore(l.strategy, item) * weight,
				Reason:       reasonFor(l.strategy, item),
				DiscoveredAt: now,
				Price:        item.Price,
				ChangeRate:   item.ChangeRate,
				Volume:       item.Volume,
				VolumeRatio:  item.VolumeRatio,
				GapRate:      item.GapRate,
				Momentum:     item.Momentum,
				TechScore:    item.TechScore,
			})
		}

		sort.SliceStable(kept, func(i, j int) bool {
			if kept[i].Score != kept[j].Score {
				return kept[i].Score > kept[j].Score
			}
			return kept[i].Symbol < kept[j].Symbol
		})
		if len(kept) > maxPer {
			kept = kept[:maxPer]
		}
		for i := range kept {
			kept[i].Rank = i + 1
		}
		out = append(out, kept...)
	}

	d.logger.Info("discovery complete",
		"swept", len(res.Gap)+len(res.Volume)+len(res.Momentum)+len(res.Technical),
		"selected", len(out),
	)
	return out
}

// baseFilter rejects rows outside the tradable universe regardless of
// strategy: penny and ultra-expensive names, and thin books.
func (d *Discovery) baseFilter(item types.ScreenItem) bool {
	if item.Symbol == "" || item.Price <= 0 {
		return false
	}
	if item.Price < d.cfg.MinPrice {
		return false
	}
	if d.cfg.MaxPrice > 0 && item.Price > d.cfg.MaxPrice {
		return false
	}
	return item.Volume >= d.cfg.MinVolume
}

// passes applies the slot's per-strategy gate.
func passes(strategy types.Strategy, item types.ScreenItem, c SlotCriteria) bool {
	switch strategy {
	case types.StrategyGap:
		return item.GapRate >= c.MinGapRate
	case types.StrategyVolume:
		return item.VolumeRatio >= c.MinVolumeRatio
	case types.StrategyMomentum:
		return item.ChangeRate > 0
	case types.StrategyTechnical:
		return item.TechScore >= c.MinTechScore
	}
	return false
}

// baseScore maps each strategy to its ranking metric. TechScore runs
// 0..100 and is scaled down to stay comparable with the percent-scale
// metrics of the other lists.
func baseScore(strategy types.Strategy, item types.ScreenItem) float64 {
	switch strategy {
	case types.StrategyGap:
		return item.GapRate
	case types.StrategyVolume:
		return item.VolumeRatio
	case types.StrategyMomentum:
		return item.Momentum
	case types.StrategyTechnical:
		return item.TechScore / 10
	}
	return 0
}

func reasonFor(strategy types.Strategy, item types.ScreenItem) string {
	if item.Reason != "" {
		return item.Reason
	}
	switch strategy {
	case types.StrategyGap:
		return fmt.Sprintf("gap %+.1f%%", item.GapRate)
	case types.StrategyVolume:
		return fmt.Sprintf("volume %.1fx average", item.VolumeRatio)
	case types.StrategyMomentum:
		return fmt.Sprintf("momentum %+.1f%%", item.Momentum)
	case types.StrategyTechnical:
		return fmt.Sprintf("technical score %.0f", item.TechScore)
	}
	return ""
}
