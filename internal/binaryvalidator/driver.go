package binaryvalidator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/metrics"
	"github.com/one-covenant/basilica-sub000/internal/model"
)

// killGrace is added to the configured execution timeout to form the hard
// wall-clock bound before the process group is killed.
const killGrace = 10 * time.Second

// SSHParams are the connection details the driver forwards to the binary.
type SSHParams struct {
	Host           string
	Port           uint16
	Username       string
	PrivateKeyPath string
}

// ResourceSample is a snapshot of the child process taken just before a hard
// kill, to distinguish a stuck binary from a slow executor.
type ResourceSample struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Outcome is the result of one driver run. A failed run carries score zero
// and a reason; the driver never retries internally.
type Outcome struct {
	OK             bool                  `json:"ok"`
	Score          float64               `json:"score"`
	Reason         string                `json:"reason,omitempty"`
	Output         *BinaryOutput         `json:"output,omitempty"`
	ExecutorResult *model.ExecutorResult `json:"executor_result,omitempty"`
	GPUCount       uint64                `json:"gpu_count"`
	DurationMs     int64                 `json:"duration_ms"`
	TimedOut       bool                  `json:"timed_out,omitempty"`
	RawExtract     string                `json:"raw_extract,omitempty"`
	ResourceSample *ResourceSample       `json:"resource_sample,omitempty"`
}

// Driver spawns the trusted validator binary against a live SSH session.
type Driver struct {
	cfg config.BinaryValidationConfig
	rec *metrics.Recorder
}

// NewDriver builds a driver from the binary validation configuration.
func NewDriver(cfg config.BinaryValidationConfig, rec *metrics.Recorder) *Driver {
	return &Driver{cfg: cfg, rec: rec}
}

// Run executes the binary with the session's SSH parameters. The wall clock
// is bounded at the configured timeout plus a ten second grace; past that
// the whole process group receives SIGKILL. Stdout carries the report;
// stderr is logged but never authoritative.
func (d *Driver) Run(ctx context.Context, ssh SSHParams) *Outcome {
	timeout := d.cfg.Timeout()
	args := []string{
		"--ssh-host", ssh.Host,
		"--ssh-port", strconv.Itoa(int(ssh.Port)),
		"--ssh-user", ssh.Username,
		"--ssh-key", ssh.PrivateKeyPath,
		"--executor-path", d.cfg.ExecutorBinaryPath,
		"--output-format", d.cfg.OutputFormat,
		"--timeout", strconv.FormatUint(uint64(timeout/time.Second), 10),
	}

	cmd := exec.Command(d.cfg.ValidatorBinaryPath, args...)
	// Own process group so a kill reaches the binary's SSH children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		d.countRun("spawn_error")
		return &Outcome{Reason: fmt.Sprintf("spawn validator binary: %v", err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.NewTimer(timeout + killGrace)
	defer deadline.Stop()

	var waitErr error
	var timedOut bool
	var sample *ResourceSample
	select {
	case waitErr = <-done:
	case <-deadline.C:
		timedOut = true
		sample = sampleProcess(cmd.Process.Pid)
		d.kill(cmd)
		waitErr = <-done
	case <-ctx.Done():
		timedOut = true
		d.kill(cmd)
		waitErr = <-done
	}
	elapsed := time.Since(started)

	if stderr.Len() > 0 {
		log.Debug("Validator binary stderr", "host", ssh.Host, "stderr", truncate(stderr.String(), 2048))
	}

	outcome := &Outcome{DurationMs: elapsed.Milliseconds(), TimedOut: timedOut, ResourceSample: sample}
	if timedOut {
		d.countRun("timeout")
		if d.rec != nil {
			d.rec.BinaryKills.Inc()
		}
		outcome.Reason = fmt.Sprintf("hard deadline exceeded after %s", elapsed.Round(time.Millisecond))
		return outcome
	}
	if waitErr != nil {
		d.countRun("exit_error")
		outcome.Reason = fmt.Sprintf("validator binary failed: %v", waitErr)
		return outcome
	}
	if stdout.Len() == 0 {
		d.countRun("empty_output")
		outcome.Reason = "validator binary produced no output"
		return outcome
	}

	report, tier, err := extractReport(stdout.String())
	if err != nil {
		d.countRun("parse_error")
		outcome.Reason = fmt.Sprintf("parse validator output: %v", err)
		outcome.RawExtract = truncate(stdout.String(), 4096)
		return outcome
	}
	if d.rec != nil {
		d.rec.ParseFallbackUsed.WithLabelValues(string(tier)).Inc()
	}

	outcome.Output = report
	outcome.ExecutorResult = report.ToExecutorResult()
	outcome.GPUCount = report.EffectiveGPUCount()
	outcome.Score = ScoreOutput(report)
	if !report.Success {
		d.countRun("attestation_failed")
		outcome.Score = 0
		outcome.Reason = report.ErrorMessage
		if outcome.Reason == "" {
			outcome.Reason = "attestation reported failure"
		}
		return outcome
	}

	d.countRun("ok")
	outcome.OK = true
	log.Debug("Validator binary run complete", "host", ssh.Host, "score", outcome.Score,
		"gpus", outcome.GPUCount, "tier", tier, "elapsed", elapsed.Round(time.Millisecond))
	return outcome
}

func (d *Driver) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid targets the whole process group created by Setpgid.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		log.Warn("Failed to kill validator binary process group", "pid", cmd.Process.Pid, "err", err)
		_ = cmd.Process.Kill()
	}
}

func (d *Driver) countRun(outcome string) {
	if d.rec != nil {
		d.rec.BinaryRuns.WithLabelValues(outcome).Inc()
	}
}

// sampleProcess snapshots RSS and CPU of the child just before a kill. Best
// effort; a vanished process yields nil.
func sampleProcess(pid int) *ResourceSample {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	sample := new(ResourceSample)
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		sample.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	}
	return sample
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…(truncated)"
}
