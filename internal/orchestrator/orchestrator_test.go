package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/discovery"
	"github.com/one-covenant/basilica-sub000/internal/model"
)

func TestOverallScore(t *testing.T) {
	tests := []struct {
		name        string
		validations []model.ExecutorVerification
		want        float64
	}{
		{name: "empty", want: 0},
		{
			name: "mean of scores",
			validations: []model.ExecutorVerification{
				{Score: 1.0}, {Score: 0.5}, {Score: 0},
			},
			want: 0.5,
		},
		{
			name:        "single executor",
			validations: []model.ExecutorVerification{{Score: 0.85}},
			want:        0.85,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, overallScore(tt.validations), 1e-9)
		})
	}
}

func TestApplyFilter(t *testing.T) {
	cfg := config.Defaults()
	cfg.Orchestrator.ExecutorFilter = "gpu_count >= 2"
	orch, err := New(cfg, nil, nil, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	kept := orch.applyFilter([]discovery.ExecutorInfo{
		{ExecutorID: "small", GPUCount: 1},
		{ExecutorID: "big", GPUCount: 8},
	})
	require.Len(t, kept, 1)
	require.Equal(t, "big", kept[0].ExecutorID)
}

func TestApplyFilterUnsetKeepsAll(t *testing.T) {
	orch, err := New(config.Defaults(), nil, nil, nil, nil, nil, nil, nil)
	require.NoError(t, err)
	infos := []discovery.ExecutorInfo{{ExecutorID: "a"}, {ExecutorID: "b"}}
	require.Len(t, orch.applyFilter(infos), 2)
}

func TestNewRejectsBadFilter(t *testing.T) {
	cfg := config.Defaults()
	cfg.Orchestrator.ExecutorFilter = "((("
	_, err := New(cfg, nil, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestAxonEndpoint(t *testing.T) {
	tests := []struct {
		name string
		axon model.AxonInfo
		want string
	}{
		{name: "public ip", axon: model.AxonInfo{IP: 0xCB007105, Port: 8091}, want: "203.0.113.5:8091"},
		{name: "low octets", axon: model.AxonInfo{IP: 0x0A000001, Port: 1}, want: "10.0.0.1:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, AxonEndpoint(tt.axon))
		})
	}
}

func TestStepRecorderOrdersSteps(t *testing.T) {
	rec := new(stepRecorder)
	start := time.Now()
	rec.add("discover", model.StepCompleted, start, "3 discovered")
	rec.add("verify_executor:x", model.StepFailed, start, "timeout")

	require.Len(t, rec.steps, 2)
	require.Equal(t, "discover", rec.steps[0].Name)
	require.Equal(t, model.StepCompleted, rec.steps[0].Status)
	require.Equal(t, model.StepFailed, rec.steps[1].Status)
	require.GreaterOrEqual(t, rec.steps[1].Duration, time.Duration(0))
}
