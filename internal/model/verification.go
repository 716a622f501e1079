package model

import "time"

// ValidationStrategy selects between the heavyweight binary attestation and
// the lightweight continuity refresh.
type ValidationStrategy string

const (
	StrategyFull        ValidationStrategy = "full"
	StrategyLightweight ValidationStrategy = "lightweight"
)

// VerificationTask is the unit of work handed to the orchestrator: one miner
// to verify end to end.
type VerificationTask struct {
	MinerUID         uint16             `json:"miner_uid"`
	MinerHotkey      string             `json:"miner_hotkey"`
	MinerEndpoint    string             `json:"miner_endpoint"`
	IsValidator      bool               `json:"is_validator"`
	StakeTao         float64            `json:"stake_tao"`
	IntendedStrategy ValidationStrategy `json:"intended_strategy"`
}

// StepStatus is the lifecycle state of one orchestrator step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// VerificationStep records one stage of a verification task for audit.
type VerificationStep struct {
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Details  string        `json:"details,omitempty"`
}

// ExecutorVerification is the per-executor outcome inside a task.
type ExecutorVerification struct {
	ExecutorID       string             `json:"executor_id"`
	Strategy         ValidationStrategy `json:"strategy"`
	IsValid          bool               `json:"is_valid"`
	AttestationValid bool               `json:"attestation_valid"`
	Score            float64            `json:"score"`
	GPUCount         uint32             `json:"gpu_count"`
	Error            string             `json:"error,omitempty"`
}

// VerificationResult is the aggregate outcome of one task: the arithmetic
// mean of per-executor scores (zero when nothing verified) plus the step
// trail.
type VerificationResult struct {
	MinerUID     uint16                 `json:"miner_uid"`
	OverallScore float64                `json:"overall_score"`
	Executors    []ExecutorVerification `json:"executors"`
	Steps        []VerificationStep     `json:"steps"`
	CompletedAt  time.Time              `json:"completed_at"`
}

// SecurityEvent is broadcast when a GPU-UUID claim or endpoint claim is
// rejected as theft.
type SecurityEvent struct {
	GPUUUID       string    `json:"gpu_uuid,omitempty"`
	GRPCAddress   string    `json:"grpc_address,omitempty"`
	ClaimMinerID  uint16    `json:"claim_miner_id"`
	ClaimExecutor string    `json:"claim_executor_id"`
	OwnerMinerID  uint16    `json:"owner_miner_id"`
	OwnerExecutor string    `json:"owner_executor_id"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}
