package scoring

import (
	"context"
	"time"

	"github.com/one-covenant/basilica-sub000/internal/model"
)

// CategoryDistribution summarizes one category inside a weight allocation.
type CategoryDistribution struct {
	MinerCount   int     `json:"miner_count"`
	TotalWeight  float64 `json:"total_weight"`
	AverageScore float64 `json:"average_score"`
}

// MinerAllocation is one per-miner per-category audit row.
type MinerAllocation struct {
	MinerUID uint16  `json:"miner_uid"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// WeightAllocation is the payload handed to the weight-setting sink. The
// core computes the category groupings; a downstream component maps scores
// to integer chain weights.
type WeightAllocation struct {
	EpochBlock            uint64                          `json:"epoch_block"`
	BurnAmount            float64                         `json:"burn_amount"`
	BurnPercentage        float64                         `json:"burn_percentage"`
	TotalMiners           int                             `json:"total_miners"`
	CategoryDistributions map[string]CategoryDistribution `json:"category_distributions"`
	Allocations           []MinerAllocation               `json:"allocations"`
}

// BuildWeightAllocation assembles the emission payload for one epoch from
// the current category view. Categories below the configured miner floor
// contribute their share to the burn.
func (e *Engine) BuildWeightAllocation(ctx context.Context, epochBlock uint64, epochTS *time.Time, cutoffHours uint32, metagraph *model.Metagraph) (*WeightAllocation, error) {
	emission := e.emission.Current()
	view, err := e.ByCategory(ctx, epochTS, cutoffHours, metagraph)
	if err != nil {
		return nil, err
	}

	allocation := &WeightAllocation{
		EpochBlock:            epochBlock,
		BurnPercentage:        emission.BurnPercentage,
		CategoryDistributions: make(map[string]CategoryDistribution, len(view)),
	}

	miners := map[uint16]struct{}{}
	burned := emission.BurnPercentage
	for category, entries := range view {
		if len(entries) < emission.MinMinersPerCategory {
			// Too thin to reward; its share burns this epoch.
			burned += emission.GPUAllocations[category].Percentage
			continue
		}
		dist := CategoryDistribution{MinerCount: len(entries)}
		for _, entry := range entries {
			dist.TotalWeight += entry.Score
			miners[entry.MinerUID] = struct{}{}
			allocation.Allocations = append(allocation.Allocations, MinerAllocation{
				MinerUID: entry.MinerUID,
				Category: category,
				Score:    entry.Score,
			})
		}
		dist.AverageScore = dist.TotalWeight / float64(len(entries))
		allocation.CategoryDistributions[category] = dist
	}
	allocation.TotalMiners = len(miners)
	allocation.BurnAmount = burned
	return allocation, nil
}
