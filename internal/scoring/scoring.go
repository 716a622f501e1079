// Package scoring converts executor validation outcomes into per-miner GPU
// profiles and aggregates them into per-category weight allocations for
// on-chain emission.
package scoring

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/model"
	"github.com/one-covenant/basilica-sub000/internal/registry"
)

// Engine owns profile upserts and the category view. It reads reconciled
// state from the registry and the current emission table from the provider.
type Engine struct {
	store    *registry.Store
	emission *config.EmissionProvider
}

// NewEngine wires the scoring engine over the registry store.
func NewEngine(store *registry.Store, emission *config.EmissionProvider) *Engine {
	return &Engine{store: store, emission: emission}
}

// ScoreBatch computes the normalized per-run verification score of one
// executor batch: the fraction of validations that are both valid and
// carry a valid attestation. The GPU-weighted parallel score is returned
// for logging only; the persisted score is the ratio.
func ScoreBatch(validations []model.ExecutorVerification) (score, gpuWeighted float64) {
	if len(validations) == 0 {
		return 0, 0
	}
	valid := 0
	seen := map[string]struct{}{}
	var gpuTotal uint32
	for _, v := range validations {
		if v.IsValid && v.AttestationValid {
			valid++
			if _, dup := seen[v.ExecutorID]; !dup {
				seen[v.ExecutorID] = struct{}{}
				gpuTotal += v.GPUCount
			}
		}
	}
	score = model.ClampScore(float64(valid) / float64(len(validations)))
	return score, score * float64(gpuTotal)
}

// UpdateProfile persists the outcome of one verification task for miner
// uid: reconciled per-category GPU counts, the batch score, a bumped
// verification count, and the success stamp when any executor validation
// fully succeeded.
func (e *Engine) UpdateProfile(ctx context.Context, uid uint16, validations []model.ExecutorVerification) error {
	score, gpuWeighted := ScoreBatch(validations)

	summaries, err := e.store.ExecutorGPUSummaries(ctx, uid)
	if err != nil {
		return err
	}
	counts := map[string]uint32{}
	for _, sum := range summaries {
		if sum.GPUCount == 0 {
			continue
		}
		counts[string(model.NormalizeGPUName(sum.GPUName))] += sum.GPUCount
	}

	anySuccess := false
	for _, v := range validations {
		if v.IsValid && v.AttestationValid {
			anySuccess = true
			break
		}
	}

	log.Debug("Updating miner GPU profile", "miner", uid, "score", score,
		"gpu_weighted", gpuWeighted, "categories", len(counts), "success", anySuccess)
	return e.store.UpsertProfile(ctx, uid, counts, score, anySuccess)
}

// MinerCategoryScore is one allocation row of the category view.
type MinerCategoryScore struct {
	MinerUID uint16  `json:"miner_uid"`
	Score    float64 `json:"score"`
}

// ByCategory builds the per-category allocation view:
// recently updated profiles, optionally gated on an epoch success stamp,
// filtered to miners with a live axon, their executors mapped to canonical
// categories, admission floors applied, scores weighted linearly by GPU
// count and sorted descending.
func (e *Engine) ByCategory(ctx context.Context, epochTS *time.Time, cutoffHours uint32, metagraph *model.Metagraph) (map[string][]MinerCategoryScore, error) {
	emission := e.emission.Current()
	profiles, err := e.store.ProfilesUpdatedSince(ctx, time.Now().UTC().Add(-time.Duration(cutoffHours)*time.Hour))
	if err != nil {
		return nil, err
	}

	view := make(map[string][]MinerCategoryScore, len(emission.GPUAllocations))
	for _, profile := range profiles {
		if epochTS != nil {
			if profile.LastSuccessfulValidation == nil || profile.LastSuccessfulValidation.Before(*epochTS) {
				continue
			}
		}
		if !metagraph.AxonAt(profile.MinerUID).Active() {
			log.Trace("Skipping miner without live axon", "miner", profile.MinerUID)
			continue
		}

		summaries, err := e.store.ExecutorGPUSummaries(ctx, profile.MinerUID)
		if err != nil {
			return nil, err
		}
		perCategory := map[string]uint32{}
		vramOK := map[string]bool{}
		for _, sum := range summaries {
			if sum.GPUCount == 0 {
				continue
			}
			category := string(model.NormalizeGPUName(sum.GPUName))
			allocation, rewardable := emission.GPUAllocations[category]
			if !rewardable {
				continue
			}
			if allocation.HasVramFloor() && sum.GPUMemoryGB < allocation.MinGPUVram {
				continue
			}
			perCategory[category] += sum.GPUCount
			vramOK[category] = true
		}

		for category, count := range perCategory {
			allocation := emission.GPUAllocations[category]
			if count < allocation.MinGPUCount || !vramOK[category] {
				continue
			}
			view[category] = append(view[category], MinerCategoryScore{
				MinerUID: profile.MinerUID,
				Score:    profile.TotalScore * float64(count),
			})
		}
	}

	for category := range view {
		entries := view[category]
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Score != entries[j].Score {
				return entries[i].Score > entries[j].Score
			}
			return entries[i].MinerUID < entries[j].MinerUID
		})
		view[category] = entries
	}
	return view, nil
}

// CategoryStatistics summarizes one category for monitoring.
type CategoryStatistics struct {
	MinerCount int     `json:"miner_count"`
	TotalScore float64 `json:"total_score"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Average    float64 `json:"average"`
}

// GetCategoryStatistics derives per-category monitoring statistics from a
// category view.
func GetCategoryStatistics(view map[string][]MinerCategoryScore) map[string]CategoryStatistics {
	stats := make(map[string]CategoryStatistics, len(view))
	for category, entries := range view {
		if len(entries) == 0 {
			continue
		}
		s := CategoryStatistics{MinerCount: len(entries), Min: entries[0].Score, Max: entries[0].Score}
		for _, entry := range entries {
			s.TotalScore += entry.Score
			if entry.Score < s.Min {
				s.Min = entry.Score
			}
			if entry.Score > s.Max {
				s.Max = entry.Score
			}
		}
		s.Average = s.TotalScore / float64(len(entries))
		stats[category] = s
	}
	return stats
}
