package binaryvalidator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/one-covenant/basilica-sub000/internal/config"
)

// writeScript drops an executable shell script standing in for the
// validator binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "validator-binary")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testDriver(t *testing.T, binary string) *Driver {
	t.Helper()
	return NewDriver(config.BinaryValidationConfig{
		ValidatorBinaryPath:  binary,
		ExecutorBinaryPath:   "/opt/basilica/executor-binary",
		OutputFormat:         "json",
		ExecutionTimeoutSecs: 30,
	}, nil)
}

var testSSH = SSHParams{Host: "203.0.113.9", Port: 22, Username: "basilica", PrivateKeyPath: "/tmp/key"}

func TestDriverRunSuccess(t *testing.T) {
	script := writeScript(t, `echo 'establishing session...'
cat <<'EOF'
{"success": true, "execution_time_ms": 120, "matrix_size": 512, "timing_fingerprint": "1f",
 "gpu_count": 1,
 "gpu_results": [{"gpu_index": 0, "gpu_name": "NVIDIA A100", "gpu_uuid": "GPU-run-1",
   "computation_time_ns": 42000000,
   "metrics": {"anti_debug_passed": true, "memory_bandwidth_gbps": 16000,
               "sm_utilization": {"min": 0.8, "max": 1.0, "avg": 0.92, "active_sms": 100, "total_sms": 108}}}]}
EOF`)

	outcome := testDriver(t, script).Run(context.Background(), testSSH)
	require.True(t, outcome.OK, "reason: %s", outcome.Reason)
	require.InDelta(t, 0.9, outcome.Score, 1e-9)
	require.EqualValues(t, 1, outcome.GPUCount)
	require.NotNil(t, outcome.ExecutorResult)
	require.Equal(t, "GPU-run-1", outcome.ExecutorResult.GPUUUID)
	require.EqualValues(t, 0x1f, outcome.ExecutorResult.TimingFingerprint)
}

func TestDriverRunReportedFailure(t *testing.T) {
	script := writeScript(t, `echo '{"success": false, "execution_time_ms": 5, "error_message": "anti-debug tripped", "gpu_results": []}'`)

	outcome := testDriver(t, script).Run(context.Background(), testSSH)
	require.False(t, outcome.OK)
	require.Zero(t, outcome.Score)
	require.Equal(t, "anti-debug tripped", outcome.Reason)
}

func TestDriverRunParseFailureKeepsRawExtract(t *testing.T) {
	script := writeScript(t, `echo 'ssh: connect to host refused'`)

	outcome := testDriver(t, script).Run(context.Background(), testSSH)
	require.False(t, outcome.OK)
	require.Zero(t, outcome.Score)
	require.Contains(t, outcome.Reason, "parse validator output")
	require.Contains(t, outcome.RawExtract, "connect to host refused")
}

func TestDriverRunNonZeroExit(t *testing.T) {
	script := writeScript(t, `exit 3`)

	outcome := testDriver(t, script).Run(context.Background(), testSSH)
	require.False(t, outcome.OK)
	require.Zero(t, outcome.Score)
	require.Contains(t, outcome.Reason, "validator binary failed")
}

func TestDriverRunEmptyOutput(t *testing.T) {
	script := writeScript(t, `:`)

	outcome := testDriver(t, script).Run(context.Background(), testSSH)
	require.False(t, outcome.OK)
	require.Equal(t, "validator binary produced no output", outcome.Reason)
}

func TestDriverRunCancellationKillsProcessGroup(t *testing.T) {
	script := writeScript(t, `sleep 600`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	outcome := testDriver(t, script).Run(ctx, testSSH)
	require.False(t, outcome.OK)
	require.True(t, outcome.TimedOut)
	require.Zero(t, outcome.Score)
	require.Less(t, time.Since(started), 10*time.Second, "kill must not wait for the sleep")
}

func TestDriverRunMissingBinary(t *testing.T) {
	outcome := testDriver(t, "/nonexistent/validator-binary").Run(context.Background(), testSSH)
	require.False(t, outcome.OK)
	require.Contains(t, outcome.Reason, "spawn validator binary")
}
