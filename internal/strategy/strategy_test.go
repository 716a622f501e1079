package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/model"
)

type fakeLogStore struct {
	entry *model.ValidationLog
	err   error
}

func (f *fakeLogStore) LatestSuccessfulFullValidation(context.Context, string) (*model.ValidationLog, error) {
	return f.entry, f.err
}

func freshLog(t *testing.T, age time.Duration, binaryOK bool) *model.ValidationLog {
	t.Helper()
	details, err := json.Marshal(&model.ValidationDetails{
		ExecutorResult: &model.ExecutorResult{
			GPUUUID:  "GPU-prior",
			GPUInfos: []model.GPUInfo{{GPUUUID: "GPU-prior", GPUName: "NVIDIA H100"}},
		},
		GPUCount:                   1,
		BinaryValidationSuccessful: binaryOK,
	})
	require.NoError(t, err)
	return &model.ValidationLog{
		ID:               "log-1",
		ExecutorID:       "exec-x",
		VerificationType: model.VerificationTypeSSHAutomation,
		Timestamp:        time.Now().Add(-age),
		Score:            0.85,
		Success:          true,
		Details:          details,
	}
}

func newTestSelector(store ValidationLogStore) *Selector {
	return NewSelector(store, config.StrategyConfig{FreshFullValidationWithinHours: 3})
}

func TestStrategyForFreshAttestation(t *testing.T) {
	selector := newTestSelector(&fakeLogStore{entry: freshLog(t, time.Hour, true)})

	decision := selector.StrategyFor(context.Background(), "exec-x", 7)
	require.Equal(t, model.StrategyLightweight, decision.Strategy)
	require.InDelta(t, 0.85, decision.PreviousScore, 1e-9)
	require.EqualValues(t, 1, decision.GPUCount)
	require.True(t, decision.BinaryValidationSuccessful)
	require.NotNil(t, decision.PreviousExecutorResult)
	require.Equal(t, "GPU-prior", decision.PreviousExecutorResult.GPUUUID)
}

func TestStrategyForExpiredAttestation(t *testing.T) {
	selector := newTestSelector(&fakeLogStore{entry: freshLog(t, 4*time.Hour, true)})

	decision := selector.StrategyFor(context.Background(), "exec-x", 7)
	require.Equal(t, model.StrategyFull, decision.Strategy)
	require.Zero(t, decision.PreviousScore)
}

func TestStrategyForNoHistory(t *testing.T) {
	selector := newTestSelector(&fakeLogStore{})
	decision := selector.StrategyFor(context.Background(), "exec-x", 7)
	require.Equal(t, model.StrategyFull, decision.Strategy)
}

func TestStrategyForStoreErrorDefaultsToFull(t *testing.T) {
	selector := newTestSelector(&fakeLogStore{err: errors.New("db busy")})
	decision := selector.StrategyFor(context.Background(), "exec-x", 7)
	require.Equal(t, model.StrategyFull, decision.Strategy)
}

func TestStrategyForBinaryNotSuccessful(t *testing.T) {
	selector := newTestSelector(&fakeLogStore{entry: freshLog(t, time.Hour, false)})
	decision := selector.StrategyFor(context.Background(), "exec-x", 7)
	require.Equal(t, model.StrategyFull, decision.Strategy)
}
