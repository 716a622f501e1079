// Package binaryvalidator drives the locally installed attestation binary:
// it spawns the binary against a live SSH session, enforces the hard
// deadline, extracts the JSON report from stdout and scores the run.
package binaryvalidator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/one-covenant/basilica-sub000/internal/model"
)

// SMUtilizationOutput is the utilization block of one GPU result.
type SMUtilizationOutput struct {
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Avg       float64 `json:"avg"`
	ActiveSMs uint32  `json:"active_sms"`
	TotalSMs  uint32  `json:"total_sms"`
}

// GPUMetrics is the metrics block of one GPU result.
type GPUMetrics struct {
	AntiDebugPassed     bool                `json:"anti_debug_passed"`
	MemoryBandwidthGbps float64             `json:"memory_bandwidth_gbps"`
	SMUtilization       SMUtilizationOutput `json:"sm_utilization"`
}

// GPUResult is one device's section of the binary report.
type GPUResult struct {
	GPUIndex          uint32     `json:"gpu_index"`
	GPUName           string     `json:"gpu_name"`
	GPUUUID           string     `json:"gpu_uuid"`
	ComputationTimeNs uint64     `json:"computation_time_ns"`
	MerkleRoot        string     `json:"merkle_root,omitempty"`
	Metrics           GPUMetrics `json:"metrics"`
}

// BinaryOutput is the top-level report emitted by the validator binary. The
// schema evolves on the binary side; decoding ignores unknown fields and the
// driver only requires two of the four marker keys to be present.
type BinaryOutput struct {
	Success             bool        `json:"success"`
	ExecutionTimeMs     uint64      `json:"execution_time_ms"`
	MatrixSize          uint64      `json:"matrix_size"`
	RandomSeed          uint64      `json:"random_seed"`
	TimingFingerprint   string      `json:"timing_fingerprint"`
	GPUCount            uint64      `json:"gpu_count"`
	GPUResults          []GPUResult `json:"gpu_results"`
	TotalExecutionTimeNs uint64     `json:"total_execution_time_ns"`
	ErrorMessage        string      `json:"error_message,omitempty"`
}

// EffectiveGPUCount falls back to the length of gpu_results when the count
// field is absent or zero.
func (o *BinaryOutput) EffectiveGPUCount() uint64 {
	if o.GPUCount > 0 {
		return o.GPUCount
	}
	return uint64(len(o.GPUResults))
}

// Fingerprint decodes the hex timing fingerprint, accepting an optional 0x
// prefix. A missing or malformed fingerprint decodes to zero.
func (o *BinaryOutput) Fingerprint() uint64 {
	raw := strings.TrimPrefix(strings.TrimSpace(o.TimingFingerprint), "0x")
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0
	}
	return v
}

// ToExecutorResult converts the binary report into the attestation payload
// persisted in validation log details.
func (o *BinaryOutput) ToExecutorResult() *model.ExecutorResult {
	result := &model.ExecutorResult{
		TimingFingerprint: o.Fingerprint(),
	}
	for _, gpu := range o.GPUResults {
		result.GPUInfos = append(result.GPUInfos, model.GPUInfo{
			Index:               gpu.GPUIndex,
			GPUName:             gpu.GPUName,
			GPUUUID:             gpu.GPUUUID,
			ComputationTimeNs:   gpu.ComputationTimeNs,
			MemoryBandwidthGbps: gpu.Metrics.MemoryBandwidthGbps,
			SMUtilization: model.SMUtilization{
				Min: gpu.Metrics.SMUtilization.Min,
				Max: gpu.Metrics.SMUtilization.Max,
				Avg: gpu.Metrics.SMUtilization.Avg,
			},
			ActiveSMs:       gpu.Metrics.SMUtilization.ActiveSMs,
			TotalSMs:        gpu.Metrics.SMUtilization.TotalSMs,
			AntiDebugPassed: gpu.Metrics.AntiDebugPassed,
		})
	}
	if len(o.GPUResults) > 0 {
		first := o.GPUResults[0]
		result.GPUName = first.GPUName
		result.GPUUUID = first.GPUUUID
		result.ComputationTimeNs = first.ComputationTimeNs
		result.MemoryBandwidthGbps = first.Metrics.MemoryBandwidthGbps
		result.SMUtilization = model.SMUtilization{
			Min: first.Metrics.SMUtilization.Min,
			Max: first.Metrics.SMUtilization.Max,
			Avg: first.Metrics.SMUtilization.Avg,
		}
		result.ActiveSMs = first.Metrics.SMUtilization.ActiveSMs
		result.TotalSMs = first.Metrics.SMUtilization.TotalSMs
		result.AntiDebugPassed = first.Metrics.AntiDebugPassed
	}
	return result
}

// validatorOutputMarkers are the keys a JSON object must carry (at least two
// of) to be treated as validator output rather than incidental JSON noise.
var validatorOutputMarkers = []string{"success", "gpu_results", "execution_time_ms", "matrix_size"}

// looksLikeValidatorOutput reports whether raw parses to an object carrying
// at least two marker keys.
func looksLikeValidatorOutput(raw []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	found := 0
	for _, key := range validatorOutputMarkers {
		if _, ok := fields[key]; ok {
			found++
		}
	}
	return found >= 2
}

// parseOutput decodes a candidate span into a BinaryOutput.
func parseOutput(raw []byte) (*BinaryOutput, error) {
	out := new(BinaryOutput)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode validator output: %w", err)
	}
	return out, nil
}
