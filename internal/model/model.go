// Package model holds the persistent and wire data types of the verification
// core: miners, executors, GPU-UUID assignments, validation logs and the
// attestation payload produced by the validator binary.
package model

import (
	"strings"
	"time"
)

// ExecutorStatus is the lifecycle state of an executor record. All persisted
// and transmitted status strings are lower-case.
type ExecutorStatus string

const (
	StatusOnline   ExecutorStatus = "online"
	StatusVerified ExecutorStatus = "verified"
	StatusOffline  ExecutorStatus = "offline"
	StatusFailed   ExecutorStatus = "failed"
	StatusStale    ExecutorStatus = "stale"
)

// Inactive reports whether the status releases the executor's GPU claims for
// reassignment to another owner.
func (s ExecutorStatus) Inactive() bool {
	switch s {
	case StatusOffline, StatusFailed, StatusStale:
		return true
	default:
		return false
	}
}

// Miner is a registered subnet operator. Identity is the hotkey; the UID slot
// may recycle when the chain reassigns it.
type Miner struct {
	UID               uint16    `json:"uid"`
	Hotkey            string    `json:"hotkey"`
	Endpoint          string    `json:"endpoint"`
	VerificationScore float64   `json:"verification_score"`
	UptimePct         float64   `json:"uptime_percentage"`
	LastSeen          time.Time `json:"last_seen"`
	RegisteredAt      time.Time `json:"registered_at"`
	ExecutorInfo      []byte    `json:"executor_info,omitempty"` // opaque JSON blob
}

// Executor is a single machine advertised by a miner. MinerID is immutable
// for the life of the record; GRPCAddress is unique across miners.
type Executor struct {
	ID              string         `json:"id"`
	MinerID         uint16         `json:"miner_id"`
	GRPCAddress     string         `json:"grpc_address"`
	GPUCount        uint32         `json:"gpu_count"`
	GPUSpecs        string         `json:"gpu_specs,omitempty"`
	CPUSpecs        string         `json:"cpu_specs,omitempty"`
	Location        string         `json:"location,omitempty"`
	Status          ExecutorStatus `json:"status"`
	LastHealthCheck time.Time      `json:"last_health_check"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// GPUAssignment binds a GPU-UUID to its single current owner.
type GPUAssignment struct {
	GPUUUID      string    `json:"gpu_uuid"`
	GPUIndex     uint32    `json:"gpu_index"`
	ExecutorID   string    `json:"executor_id"`
	MinerID      uint16    `json:"miner_id"`
	GPUName      string    `json:"gpu_name"`
	LastVerified time.Time `json:"last_verified"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ValidationLog is the append-only record of one verification attempt.
type ValidationLog struct {
	ID                        string    `json:"id"`
	ExecutorID                string    `json:"executor_id"`
	ValidatorHotkey           string    `json:"validator_hotkey"`
	VerificationType          string    `json:"verification_type"`
	Timestamp                 time.Time `json:"timestamp"`
	Score                     float64   `json:"score"`
	Success                   bool      `json:"success"`
	Details                   []byte    `json:"details,omitempty"` // JSON, zstd-compressed at rest
	DurationMs                int64     `json:"duration_ms"`
	ErrorMessage              string    `json:"error_message,omitempty"`
	LastBinaryValidation      *time.Time `json:"last_binary_validation,omitempty"`
	LastBinaryValidationScore *float64   `json:"last_binary_validation_score,omitempty"`
}

// Verification types recorded in validation logs.
const (
	VerificationTypeSSHAutomation = "ssh_automation"
	VerificationTypeLightweight   = "lightweight"
)

// MinerGPUProfile is the scoring engine's per-miner view.
type MinerGPUProfile struct {
	MinerUID                 uint16            `json:"miner_uid"`
	GPUCounts                map[string]uint32 `json:"gpu_counts"`
	TotalScore               float64           `json:"total_score"`
	VerificationCount        uint32            `json:"verification_count"`
	LastUpdated              time.Time         `json:"last_updated"`
	LastSuccessfulValidation *time.Time        `json:"last_successful_validation,omitempty"`
}

// SMUtilization is the streaming-multiprocessor utilization summary of one
// attestation run.
type SMUtilization struct {
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Avg   float64   `json:"avg"`
	PerSM []float64 `json:"per_sm,omitempty"`
}

// GPUInfo is the per-device section of an attestation payload.
type GPUInfo struct {
	Index               uint32        `json:"index"`
	GPUName             string        `json:"gpu_name"`
	GPUUUID             string        `json:"gpu_uuid"`
	ComputationTimeNs   uint64        `json:"computation_time_ns"`
	MemoryBandwidthGbps float64       `json:"memory_bandwidth_gbps"`
	SMUtilization       SMUtilization `json:"sm_utilization"`
	ActiveSMs           uint32        `json:"active_sms"`
	TotalSMs            uint32        `json:"total_sms"`
	AntiDebugPassed     bool          `json:"anti_debug_passed"`
}

// MatrixC is the result matrix of the attestation compute challenge.
type MatrixC struct {
	Rows uint32    `json:"rows"`
	Cols uint32    `json:"cols"`
	Data []float64 `json:"data,omitempty"`
}

// ExecutorResult is the attestation payload embedded in validation log
// details. The binary emits this shape; parsing tolerates extra fields.
type ExecutorResult struct {
	GPUName             string        `json:"gpu_name"`
	GPUUUID             string        `json:"gpu_uuid"`
	GPUInfos            []GPUInfo     `json:"gpu_infos"`
	CPUInfo             string        `json:"cpu_info,omitempty"`
	MemoryInfo          string        `json:"memory_info,omitempty"`
	NetworkInfo         string        `json:"network_info,omitempty"`
	MatrixC             MatrixC       `json:"matrix_c"`
	ComputationTimeNs   uint64        `json:"computation_time_ns"`
	Checksum            [32]byte      `json:"checksum"`
	SMUtilization       SMUtilization `json:"sm_utilization"`
	ActiveSMs           uint32        `json:"active_sms"`
	TotalSMs            uint32        `json:"total_sms"`
	MemoryBandwidthGbps float64       `json:"memory_bandwidth_gbps"`
	AntiDebugPassed     bool          `json:"anti_debug_passed"`
	TimingFingerprint   uint64        `json:"timing_fingerprint"`
}

// GPUCount returns the number of devices attested in the payload.
func (r *ExecutorResult) GPUCount() int { return len(r.GPUInfos) }

// AxonInfo is a miner's advertised network endpoint on the chain. A zero
// address or port means inactive.
type AxonInfo struct {
	IP   uint32 `json:"ip"`
	Port uint16 `json:"port"`
}

// Active reports whether the axon carries a dialable endpoint.
func (a AxonInfo) Active() bool { return a.IP != 0 && a.Port != 0 }

// Metagraph is the read-only chain view consumed by the core, indexed by UID.
type Metagraph struct {
	Hotkeys []string   `json:"hotkeys"`
	Axons   []AxonInfo `json:"axons"`
}

// AxonAt returns the axon for a UID, or a zero axon if the slot is out of
// range.
func (m *Metagraph) AxonAt(uid uint16) AxonInfo {
	if int(uid) >= len(m.Axons) {
		return AxonInfo{}
	}
	return m.Axons[uid]
}

// HotkeyAt returns the hotkey for a UID, or "" if the slot is out of range.
func (m *Metagraph) HotkeyAt(uid uint16) string {
	if int(uid) >= len(m.Hotkeys) {
		return ""
	}
	return m.Hotkeys[uid]
}

// GPUCategory is the canonicalized GPU model used for weight allocation.
type GPUCategory string

const (
	CategoryA100  GPUCategory = "A100"
	CategoryH100  GPUCategory = "H100"
	CategoryH200  GPUCategory = "H200"
	CategoryB200  GPUCategory = "B200"
	CategoryOther GPUCategory = "OTHER"
)

// NormalizeGPUName maps a device-reported model string to its canonical
// category. Matching is substring-based because vendors decorate the model
// name with memory size and form factor (eg. "NVIDIA H100 80GB HBM3").
// H200 is checked before H100 so the longer token wins.
func NormalizeGPUName(name string) GPUCategory {
	upper := strings.ToUpper(name)
	switch {
	case strings.Contains(upper, "H200"):
		return CategoryH200
	case strings.Contains(upper, "H100"):
		return CategoryH100
	case strings.Contains(upper, "B200"):
		return CategoryB200
	case strings.Contains(upper, "A100"):
		return CategoryA100
	default:
		return CategoryOther
	}
}

// ClampScore bounds a score into [0, 1].
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
