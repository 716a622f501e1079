// Package strategy decides, per executor, between the heavyweight binary
// attestation and the lightweight continuity refresh.
package strategy

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/model"
)

// ValidationLogStore is the slice of the registry the selector reads: the
// most recent successful full attestation for an executor, if any.
type ValidationLogStore interface {
	// LatestSuccessfulFullValidation returns the newest validation log for
	// executorID with success=true, type=ssh_automation and
	// binary_validation_successful=true in its details, or nil when none
	// exists. Details are returned decompressed.
	LatestSuccessfulFullValidation(ctx context.Context, executorID string) (*model.ValidationLog, error)
}

// Decision is the selector's verdict. A lightweight decision carries the
// prior attestation so the lightweight path can re-assert continuity without
// re-running the binary.
type Decision struct {
	Strategy                   model.ValidationStrategy
	PreviousScore              float64
	PreviousExecutorResult     *model.ExecutorResult
	GPUCount                   uint64
	BinaryValidationSuccessful bool
}

// Selector queries the validation log for freshness-window decisions.
type Selector struct {
	store     ValidationLogStore
	freshness time.Duration
}

// NewSelector builds a selector with the configured freshness window.
func NewSelector(store ValidationLogStore, cfg config.StrategyConfig) *Selector {
	return &Selector{store: store, freshness: cfg.Freshness()}
}

// StrategyFor returns Lightweight when a successful full attestation exists
// inside the freshness window, Full otherwise. Store errors degrade to Full:
// over-verifying is safe, skipping verification is not.
func (s *Selector) StrategyFor(ctx context.Context, executorID string, minerUID uint16) Decision {
	last, err := s.store.LatestSuccessfulFullValidation(ctx, executorID)
	if err != nil {
		log.Warn("Strategy lookup failed, defaulting to full validation",
			"executor", executorID, "miner", minerUID, "err", err)
		return Decision{Strategy: model.StrategyFull}
	}
	if last == nil || time.Since(last.Timestamp) > s.freshness {
		return Decision{Strategy: model.StrategyFull}
	}

	details, err := model.DecodeValidationDetails(last.Details)
	if err != nil {
		log.Warn("Undecodable prior validation details, defaulting to full validation",
			"executor", executorID, "log", last.ID, "err", err)
		return Decision{Strategy: model.StrategyFull}
	}
	if !details.BinaryValidationSuccessful {
		return Decision{Strategy: model.StrategyFull}
	}

	log.Debug("Prior full attestation fresh, selecting lightweight validation",
		"executor", executorID, "miner", minerUID, "age", time.Since(last.Timestamp).Round(time.Second))
	return Decision{
		Strategy:                   model.StrategyLightweight,
		PreviousScore:              last.Score,
		PreviousExecutorResult:     details.ExecutorResult,
		GPUCount:                   details.GPUCount,
		BinaryValidationSuccessful: details.BinaryValidationSuccessful,
	}
}
