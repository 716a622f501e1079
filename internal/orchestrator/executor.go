package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/one-covenant/basilica-sub000/internal/basilicaerr"
	"github.com/one-covenant/basilica-sub000/internal/binaryvalidator"
	"github.com/one-covenant/basilica-sub000/internal/discovery"
	"github.com/one-covenant/basilica-sub000/internal/model"
	"github.com/one-covenant/basilica-sub000/internal/sshbroker"
	"github.com/one-covenant/basilica-sub000/internal/strategy"
)

// verifyExecutor runs the per-executor pipeline: broker lease, miner
// channel, SSH session, strategy dispatch, persistence. A nil return means
// the executor was skipped without contributing a validation (strategy
// mismatch).
func (o *Orchestrator) verifyExecutor(ctx context.Context, task model.VerificationTask, info discovery.ExecutorInfo, steps *stepRecorder) *model.ExecutorVerification {
	stepName := "verify_executor:" + info.ExecutorID
	stepStart := time.Now()

	lease, err := o.sessions.Broker().Acquire(ctx, info.ExecutorID)
	if err != nil {
		steps.add(stepName, model.StepFailed, stepStart, err.Error())
		return o.failedVerification(ctx, task, info, stepStart, model.StrategyFull, err)
	}
	defer lease.Release()

	conn, err := o.disc.OpenSession(ctx, task.MinerEndpoint)
	if err != nil {
		steps.add(stepName, model.StepFailed, stepStart, err.Error())
		return o.failedVerification(ctx, task, info, stepStart, model.StrategyFull, err)
	}
	defer conn.Close()

	decision := o.selector.StrategyFor(ctx, info.ExecutorID, task.MinerUID)
	if task.IntendedStrategy != "" && decision.Strategy != task.IntendedStrategy {
		// Non-fatal: this pipeline run is configured for the other strategy.
		steps.add(stepName, model.StepCompleted, stepStart,
			fmt.Sprintf("strategy mismatch: selector %s, pipeline %s", decision.Strategy, task.IntendedStrategy))
		log.Debug("Strategy mismatch, skipping executor", "executor", info.ExecutorID,
			"selector", decision.Strategy, "intended", task.IntendedStrategy)
		return nil
	}

	session, err := o.sessions.Establish(ctx, conn, info.ExecutorID,
		o.cfg.Orchestrator.ValidatorHotkey, o.cfg.SSH.SessionTTL.Duration)
	if err != nil {
		steps.add(stepName, model.StepFailed, stepStart, err.Error())
		return o.failedVerification(ctx, task, info, stepStart, decision.Strategy, err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.sessions.Cleanup(cleanupCtx, conn, session); err != nil {
			log.Warn("SSH session cleanup incomplete", "executor", info.ExecutorID, "err", err)
		}
	}()

	var verification *model.ExecutorVerification
	switch decision.Strategy {
	case model.StrategyLightweight:
		verification = o.runLightweight(ctx, task, info, decision)
	default:
		verification = o.runFull(ctx, task, info, session)
	}

	status := model.StepCompleted
	if !verification.IsValid {
		status = model.StepFailed
	}
	steps.add(stepName, status, stepStart, verification.Error)
	return verification
}

// runFull executes the binary attestation and applies the full-path
// registry rules.
func (o *Orchestrator) runFull(ctx context.Context, task model.VerificationTask, info discovery.ExecutorInfo, session *sshbroker.Session) *model.ExecutorVerification {
	outcome := o.driver.Run(ctx, binaryvalidator.SSHParams{
		Host:           session.Host,
		Port:           session.Port,
		Username:       session.Username,
		PrivateKeyPath: session.PrivateKeyPath,
	})

	verification := &model.ExecutorVerification{
		ExecutorID: info.ExecutorID,
		Strategy:   model.StrategyFull,
		Score:      outcome.Score,
	}
	details := &model.ValidationDetails{
		ExecutorResult:             outcome.ExecutorResult,
		GPUCount:                   outcome.GPUCount,
		BinaryValidationSuccessful: outcome.OK,
		Reason:                     outcome.Reason,
		RawExtract:                 outcome.RawExtract,
	}
	if outcome.ResourceSample != nil {
		if raw, err := json.Marshal(outcome.ResourceSample); err == nil {
			details.ResourceSample = raw
		}
	}

	if outcome.OK {
		reported := 0
		if outcome.ExecutorResult != nil {
			reported = outcome.ExecutorResult.GPUCount()
		}
		reg, err := o.store.RegisterGPUs(ctx, task.MinerUID, info.ExecutorID, gpuInfos(outcome))
		switch {
		case err != nil:
			verification.Error = err.Error()
			outcome.OK = false
		case reg.Accepted == 0 && reported >= 1:
			// Everything the executor attested was rejected: treat as theft.
			if err := o.store.DropGPUAssignments(ctx, task.MinerUID, info.ExecutorID); err != nil {
				log.Warn("Failed to drop assignments after rejected batch",
					"executor", info.ExecutorID, "err", err)
			}
			verification.Error = "all attested gpus rejected"
			outcome.OK = false
		default:
			verification.IsValid = true
			verification.AttestationValid = true
			verification.GPUCount = reg.GPUCount
		}
	} else {
		if err := o.store.DropGPUAssignments(ctx, task.MinerUID, info.ExecutorID); err != nil {
			log.Warn("Failed to drop assignments after failed attestation",
				"executor", info.ExecutorID, "err", err)
		}
		if err := o.store.SetExecutorStatus(ctx, task.MinerUID, info.ExecutorID, model.StatusFailed); err != nil {
			log.Warn("Failed to mark executor failed", "executor", info.ExecutorID, "err", err)
		}
		verification.Error = outcome.Reason
	}

	o.persistLog(ctx, &model.ValidationLog{
		ExecutorID:       info.ExecutorID,
		ValidatorHotkey:  o.cfg.Orchestrator.ValidatorHotkey,
		VerificationType: model.VerificationTypeSSHAutomation,
		Score:            outcome.Score,
		Success:          outcome.OK,
		Details:          marshalDetails(details),
		DurationMs:       outcome.DurationMs,
		ErrorMessage:     verification.Error,
	})
	return verification
}

// runLightweight refreshes continuity with the most recent full
// attestation: only last_verified timestamps on previously registered UUIDs
// are touched, no rows are created or rebound.
func (o *Orchestrator) runLightweight(ctx context.Context, task model.VerificationTask, info discovery.ExecutorInfo, decision strategy.Decision) *model.ExecutorVerification {
	started := time.Now()
	verification := &model.ExecutorVerification{
		ExecutorID: info.ExecutorID,
		Strategy:   model.StrategyLightweight,
		Score:      decision.PreviousScore,
	}

	var uuids []string
	if decision.PreviousExecutorResult != nil {
		for _, gpu := range decision.PreviousExecutorResult.GPUInfos {
			if gpu.GPUUUID != "" {
				uuids = append(uuids, gpu.GPUUUID)
			}
		}
	}
	touched, err := o.store.TouchGPUs(ctx, task.MinerUID, info.ExecutorID, uuids)
	if err != nil {
		verification.Error = err.Error()
	} else {
		verification.IsValid = true
		verification.AttestationValid = true
		verification.GPUCount = uint32(touched)
	}

	prevScore := decision.PreviousScore
	prevAt := time.Now().UTC()
	o.persistLog(ctx, &model.ValidationLog{
		ExecutorID:       info.ExecutorID,
		ValidatorHotkey:  o.cfg.Orchestrator.ValidatorHotkey,
		VerificationType: model.VerificationTypeLightweight,
		Score:            decision.PreviousScore,
		Success:          verification.IsValid,
		Details: marshalDetails(&model.ValidationDetails{
			ExecutorResult:             decision.PreviousExecutorResult,
			GPUCount:                   decision.GPUCount,
			BinaryValidationSuccessful: decision.BinaryValidationSuccessful,
		}),
		DurationMs:                time.Since(started).Milliseconds(),
		ErrorMessage:              verification.Error,
		LastBinaryValidation:      &prevAt,
		LastBinaryValidationScore: &prevScore,
	})
	return verification
}

// failedVerification records a step that never reached its strategy: the
// session or channel could not be established. Transient by definition.
func (o *Orchestrator) failedVerification(ctx context.Context, task model.VerificationTask, info discovery.ExecutorInfo, started time.Time, strat model.ValidationStrategy, cause error) *model.ExecutorVerification {
	if basilicaerr.Is(cause, basilicaerr.KindFatal) {
		// Surfaced by the caller; still record the failure below.
		log.Error("Fatal error during executor verification", "executor", info.ExecutorID, "err", cause)
	}
	o.persistLog(ctx, &model.ValidationLog{
		ExecutorID:       info.ExecutorID,
		ValidatorHotkey:  o.cfg.Orchestrator.ValidatorHotkey,
		VerificationType: model.VerificationTypeSSHAutomation,
		Score:            0,
		Success:          false,
		Details:          marshalDetails(&model.ValidationDetails{Reason: cause.Error()}),
		DurationMs:       time.Since(started).Milliseconds(),
		ErrorMessage:     cause.Error(),
	})
	return &model.ExecutorVerification{
		ExecutorID: info.ExecutorID,
		Strategy:   strat,
		Error:      cause.Error(),
	}
}

// persistLog appends a validation log entry; reconciliation has already run
// by the time the log lands, so an idempotent re-run cannot mask state.
func (o *Orchestrator) persistLog(ctx context.Context, entry *model.ValidationLog) {
	if err := o.store.InsertValidationLog(ctx, entry); err != nil {
		log.Error("Failed to persist validation log", "executor", entry.ExecutorID, "err", err)
	}
}

// gpuInfos extracts the attested device list from a driver outcome.
func gpuInfos(outcome *binaryvalidator.Outcome) []model.GPUInfo {
	if outcome.ExecutorResult == nil {
		return nil
	}
	return outcome.ExecutorResult.GPUInfos
}
