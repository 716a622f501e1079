package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.EqualValues(t, 3, cfg.Strategy.FreshFullValidationWithinHours)
	require.EqualValues(t, 2, cfg.Reaper.ConsecutiveFailuresThreshold)
	require.EqualValues(t, 6, cfg.Reaper.StaleGPUHours)
	require.EqualValues(t, 10, cfg.Reaper.StaleExecutorMinutes)
	require.Equal(t, 120*time.Minute, cfg.Reaper.GPUCleanupTTL())
	require.Equal(t, 30*time.Second, cfg.Discovery.Timeout.Duration)
	require.Equal(t, 120*time.Second, cfg.BinaryValidation.Timeout())
}

func TestGPUCleanupTTLClamp(t *testing.T) {
	tests := []struct {
		name    string
		minutes uint32
		want    time.Duration
	}{
		{name: "below floor", minutes: 30, want: 120 * time.Minute},
		{name: "zero", minutes: 0, want: 120 * time.Minute},
		{name: "at floor", minutes: 120, want: 120 * time.Minute},
		{name: "above floor", minutes: 240, want: 240 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ReaperConfig{GPUAssignmentCleanupTTLMinutes: tt.minutes}
			require.Equal(t, tt.want, cfg.GPUCleanupTTL())
		})
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
emission_file = "/etc/basilica/emission.yaml"

[discovery]
discovery_timeout = "45s"
use_dynamic_discovery = false

[binary_validation]
validator_binary_path = "/opt/basilica/validator-binary"
execution_timeout_secs = 90

[strategy]
fresh_full_validation_within_hours = 6

[reaper]
gpu_assignment_cleanup_ttl = 60

[orchestrator]
executor_fanout = 0
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/etc/basilica/emission.yaml", cfg.EmissionFile)
	require.Equal(t, 45*time.Second, cfg.Discovery.Timeout.Duration)
	require.False(t, cfg.Discovery.UseDynamicDiscovery)
	require.Equal(t, "/opt/basilica/validator-binary", cfg.BinaryValidation.ValidatorBinaryPath)
	require.Equal(t, 90*time.Second, cfg.BinaryValidation.Timeout())
	require.Equal(t, 6*time.Hour, cfg.Strategy.Freshness())
	// Sanitize clamps the TTL floor and the fan-out.
	require.Equal(t, 120*time.Minute, cfg.Reaper.GPUCleanupTTL())
	require.Equal(t, 1, cfg.Orchestrator.ExecutorFanout)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	_, err := Load("/nonexistent/validator.toml")
	require.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoadEmission(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emission.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
burn_percentage: 10.0
burn_uid: 0
min_miners_per_category: 1
weight_set_interval_blocks: 360
gpu_allocations:
  H100:
    percentage: 20
    min_gpu_count: 2
  B200:
    percentage: 80
    min_gpu_count: 8
    min_gpu_vram: 180
  A100:
    percentage: 0
    min_gpu_count: 1
    min_gpu_vram: 1
`), 0o600))

	cfg, err := LoadEmission(path)
	require.NoError(t, err)
	require.InDelta(t, 10.0, cfg.BurnPercentage, 1e-9)
	require.Len(t, cfg.GPUAllocations, 3)

	require.False(t, cfg.GPUAllocations["H100"].HasVramFloor(), "absent min_gpu_vram is a sentinel")
	require.False(t, cfg.GPUAllocations["A100"].HasVramFloor(), "min_gpu_vram 1 is a sentinel")
	require.True(t, cfg.GPUAllocations["B200"].HasVramFloor())
	require.EqualValues(t, 180, cfg.GPUAllocations["B200"].MinGPUVram)
}

func TestEmissionProviderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emission.yaml")
	require.NoError(t, os.WriteFile(path, []byte("burn_percentage: 5\ngpu_allocations: {}\n"), 0o600))

	provider, err := NewEmissionProvider(path)
	require.NoError(t, err)
	defer provider.Close()
	require.InDelta(t, 5.0, provider.Current().BurnPercentage, 1e-9)

	require.NoError(t, os.WriteFile(path, []byte("burn_percentage: 7\ngpu_allocations: {}\n"), 0o600))
	require.Eventually(t, func() bool {
		return provider.Current().BurnPercentage == 7
	}, 3*time.Second, 20*time.Millisecond, "reload never observed")

	// A broken write keeps the last good snapshot.
	require.NoError(t, os.WriteFile(path, []byte("burn_percentage: [broken"), 0o600))
	require.Never(t, func() bool {
		return provider.Current().BurnPercentage != 7
	}, 500*time.Millisecond, 50*time.Millisecond)
}
