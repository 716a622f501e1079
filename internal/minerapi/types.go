// Package minerapi defines the gRPC contract between the validator and a
// miner's fleet manager: executor roster requests and SSH session brokering.
//
// The service descriptor is authored by hand in the shape protoc-gen-go-grpc
// emits, and messages travel as JSON through a custom codec (see codec.go).
// The RPC surface and field names match the miner side bit for bit.
package minerapi

import "time"

// ResourceLimits narrows which executors a roster request is interested in.
type ResourceLimits struct {
	MinGPUCount    uint32  `json:"min_gpu_count,omitempty"`
	MinGPUMemoryGB uint32  `json:"min_gpu_memory_gb,omitempty"`
	MinCPUCores    uint32  `json:"min_cpu_cores,omitempty"`
	MinMemoryGB    uint32  `json:"min_memory_gb,omitempty"`
	GPUModels      []string `json:"gpu_models,omitempty"`
}

// ExecutorDetails is one advertised executor in a miner's roster.
type ExecutorDetails struct {
	ExecutorID   string  `json:"executor_id"`
	GRPCEndpoint string  `json:"grpc_endpoint"`
	GPUCount     uint32  `json:"gpu_count"`
	GPUSpecs     string  `json:"gpu_specs,omitempty"`
	CPUSpecs     string  `json:"cpu_specs,omitempty"`
	GPUMemoryGB  uint32  `json:"gpu_memory_gb,omitempty"`
	Location     string  `json:"location,omitempty"`
	PricePerHour float64 `json:"price_per_hour,omitempty"`
}

// RequestExecutorsRequest asks a miner for its current roster.
type RequestExecutorsRequest struct {
	Requirements  *ResourceLimits `json:"requirements,omitempty"`
	LeaseDuration time.Duration   `json:"lease_duration"`
}

// RequestExecutorsResponse carries the advertised roster.
type RequestExecutorsResponse struct {
	Executors []ExecutorDetails `json:"executors"`
}

// InitiateSshSessionRequest asks the miner to install a validator public key
// on one executor and open an SSH session window.
type InitiateSshSessionRequest struct {
	ExecutorID      string        `json:"executor_id"`
	ValidatorHotkey string        `json:"validator_hotkey"`
	PublicKey       string        `json:"public_key"`
	Duration        time.Duration `json:"duration"`
}

// SshSessionInfo is the connection handle returned by the miner.
type SshSessionInfo struct {
	SessionID   string    `json:"session_id"`
	Host        string    `json:"host"`
	Port        uint16    `json:"port"`
	Username    string    `json:"username"`
	ExpiresAt   time.Time `json:"expires_at"`
	Credentials string    `json:"credentials,omitempty"`
}

// CloseSshSessionRequest asks the miner to uninstall the session key.
type CloseSshSessionRequest struct {
	SessionID string `json:"session_id"`
}

// CloseSshSessionResponse acknowledges the teardown.
type CloseSshSessionResponse struct {
	Closed bool `json:"closed"`
}
