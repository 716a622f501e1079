package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/lib/pq"

	"github.com/one-covenant/basilica-sub000/internal/model"
)

// GPURegistration is the outcome of one full-verification GPU claim batch.
type GPURegistration struct {
	Accepted int
	Rejected []model.SecurityEvent
	// GPUCount is the reconciled row count for the executor after the batch.
	GPUCount uint32
	// Status is the executor status after reconciliation.
	Status model.ExecutorStatus
}

// RegisterGPUs applies the GPU-UUID ownership state machine for one attested
// batch, inside a single transaction per (miner, executor):
//
//   - unknown uuid: insert and bind;
//   - same owner: touch last_verified;
//   - different owner whose executor is offline, failed, stale or absent:
//     rebind;
//   - different active owner: reject the claim and flag it, state unchanged.
//
// Rows owned by the executor but absent from the batch are removed, so after
// every successful full verification the row count equals the attested
// count. The executor's gpu_count and status are reconciled from that count.
func (s *Store) RegisterGPUs(ctx context.Context, minerID uint16, executorID string, gpus []model.GPUInfo) (*GPURegistration, error) {
	reg := new(GPURegistration)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		accepted := make([]string, 0, len(gpus))
		for i := range gpus {
			gpu := &gpus[i]
			if gpu.GPUUUID == "" {
				continue
			}
			ok, err := claimGPU(ctx, tx, minerID, executorID, gpu, reg)
			if err != nil {
				return err
			}
			if ok {
				accepted = append(accepted, gpu.GPUUUID)
			}
		}
		reg.Accepted = len(accepted)

		// Rows this executor held that were not re-attested are stale claims.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM gpu_uuid_assignments
			  WHERE miner_id = $1 AND executor_id = $2 AND NOT (gpu_uuid = ANY($3))`,
			int64(minerID), executorID, pq.Array(accepted)); err != nil {
			return fmt.Errorf("prune unattested assignments: %w", err)
		}

		count, status, err := reconcileExecutorTx(ctx, tx, minerID, executorID)
		if err != nil {
			return err
		}
		reg.GPUCount, reg.Status = count, status
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range reg.Rejected {
		s.emitSecurityEvent(ev)
	}
	return reg, nil
}

// claimGPU runs the state machine for a single uuid. Returns whether the
// claim now binds to (minerID, executorID).
func claimGPU(ctx context.Context, tx *sql.Tx, minerID uint16, executorID string, gpu *model.GPUInfo, reg *GPURegistration) (bool, error) {
	var ownerMiner int64
	var ownerExecutor string
	err := tx.QueryRowContext(ctx,
		`SELECT miner_id, executor_id FROM gpu_uuid_assignments WHERE gpu_uuid = $1`,
		gpu.GPUUUID).Scan(&ownerMiner, &ownerExecutor)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO gpu_uuid_assignments (gpu_uuid, gpu_index, executor_id, miner_id, gpu_name, last_verified)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			gpu.GPUUUID, int64(gpu.Index), executorID, int64(minerID), gpu.GPUName)
		if err != nil {
			return false, fmt.Errorf("insert assignment %s: %w", gpu.GPUUUID, err)
		}
		return true, nil

	case err != nil:
		return false, fmt.Errorf("lookup assignment %s: %w", gpu.GPUUUID, err)

	case uint16(ownerMiner) == minerID && ownerExecutor == executorID:
		_, err = tx.ExecContext(ctx,
			`UPDATE gpu_uuid_assignments
			    SET gpu_index = $2, gpu_name = $3, last_verified = now(), updated_at = now()
			  WHERE gpu_uuid = $1`,
			gpu.GPUUUID, int64(gpu.Index), gpu.GPUName)
		if err != nil {
			return false, fmt.Errorf("touch assignment %s: %w", gpu.GPUUUID, err)
		}
		return true, nil
	}

	// Foreign owner: rebinding is allowed only when its executor is gone or
	// inactive.
	var ownerStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM miner_executors WHERE miner_id = $1 AND executor_id = $2`,
		ownerMiner, ownerExecutor).Scan(&ownerStatus)
	ownerAbsent := errors.Is(err, sql.ErrNoRows)
	if err != nil && !ownerAbsent {
		return false, fmt.Errorf("lookup owner executor: %w", err)
	}
	if ownerAbsent || model.ExecutorStatus(ownerStatus).Inactive() {
		_, err = tx.ExecContext(ctx,
			`UPDATE gpu_uuid_assignments
			    SET miner_id = $2, executor_id = $3, gpu_index = $4, gpu_name = $5,
			        last_verified = now(), updated_at = now()
			  WHERE gpu_uuid = $1`,
			gpu.GPUUUID, int64(minerID), executorID, int64(gpu.Index), gpu.GPUName)
		if err != nil {
			return false, fmt.Errorf("rebind assignment %s: %w", gpu.GPUUUID, err)
		}
		log.Info("GPU-UUID rebound to new owner", "uuid", gpu.GPUUUID,
			"from_miner", ownerMiner, "from_executor", ownerExecutor,
			"to_miner", minerID, "to_executor", executorID)
		return true, nil
	}

	reg.Rejected = append(reg.Rejected, model.SecurityEvent{
		GPUUUID:       gpu.GPUUUID,
		ClaimMinerID:  minerID,
		ClaimExecutor: executorID,
		OwnerMinerID:  uint16(ownerMiner),
		OwnerExecutor: ownerExecutor,
		Reason:        "gpu uuid claimed while owner executor is active",
	})
	log.Warn("Rejected GPU-UUID claim, owner executor active", "uuid", gpu.GPUUUID,
		"owner_miner", ownerMiner, "owner_executor", ownerExecutor,
		"claim_miner", minerID, "claim_executor", executorID)
	return false, nil
}

// TouchGPUs refreshes last_verified on the subset of previously registered
// uuids reported by a lightweight validation. No rows are created or
// rebound. Returns how many rows were touched.
func (s *Store) TouchGPUs(ctx context.Context, minerID uint16, executorID string, uuids []string) (int, error) {
	if len(uuids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE gpu_uuid_assignments
		    SET last_verified = now(), updated_at = now()
		  WHERE miner_id = $1 AND executor_id = $2 AND gpu_uuid = ANY($3)`,
		int64(minerID), executorID, pq.Array(uuids))
	if err != nil {
		return 0, fmt.Errorf("touch assignments: %w", err)
	}
	touched, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(touched), nil
}

// DropGPUAssignments removes every GPU row of one executor and zeroes its
// claimed count.
func (s *Store) DropGPUAssignments(ctx context.Context, minerID uint16, executorID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM gpu_uuid_assignments WHERE miner_id = $1 AND executor_id = $2`,
			int64(minerID), executorID); err != nil {
			return fmt.Errorf("drop assignments: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE miner_executors SET gpu_count = 0, updated_at = now()
			  WHERE miner_id = $1 AND executor_id = $2`,
			int64(minerID), executorID)
		return err
	})
}

// ListAssignments returns the GPU rows currently bound to one executor.
func (s *Store) ListAssignments(ctx context.Context, minerID uint16, executorID string) ([]model.GPUAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gpu_uuid, gpu_index, executor_id, miner_id, gpu_name, last_verified, created_at, updated_at
		   FROM gpu_uuid_assignments
		  WHERE miner_id = $1 AND executor_id = $2 ORDER BY gpu_index`,
		int64(minerID), executorID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []model.GPUAssignment
	for rows.Next() {
		var a model.GPUAssignment
		var mid int64
		if err := rows.Scan(&a.GPUUUID, &a.GPUIndex, &a.ExecutorID, &mid, &a.GPUName,
			&a.LastVerified, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.MinerID = uint16(mid)
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// ReconcileExecutor recomputes an executor's gpu_count from its assignment
// rows and applies the status ladder.
func (s *Store) ReconcileExecutor(ctx context.Context, minerID uint16, executorID string) (uint32, model.ExecutorStatus, error) {
	var count uint32
	var status model.ExecutorStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		count, status, err = reconcileExecutorTx(ctx, tx, minerID, executorID)
		return err
	})
	return count, status, err
}

// reconcileExecutorTx sets gpu_count to the registered row count and steps
// the status: zero rows demote to offline; with rows present, a first
// successful reconciliation lands on verified and a subsequent one promotes
// to online, which is then preserved.
func reconcileExecutorTx(ctx context.Context, tx *sql.Tx, minerID uint16, executorID string) (uint32, model.ExecutorStatus, error) {
	var count int64
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM gpu_uuid_assignments WHERE miner_id = $1 AND executor_id = $2`,
		int64(minerID), executorID).Scan(&count)
	if err != nil {
		return 0, "", fmt.Errorf("count assignments: %w", err)
	}

	var prior string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM miner_executors WHERE miner_id = $1 AND executor_id = $2`,
		int64(minerID), executorID).Scan(&prior)
	if errors.Is(err, sql.ErrNoRows) {
		return uint32(count), "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("lookup executor status: %w", err)
	}

	var next model.ExecutorStatus
	switch {
	case count == 0:
		next = model.StatusOffline
	case model.ExecutorStatus(prior) == model.StatusOnline:
		next = model.StatusOnline
	case model.ExecutorStatus(prior) == model.StatusVerified:
		next = model.StatusOnline
	default:
		next = model.StatusVerified
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE miner_executors
		    SET gpu_count = $3, status = $4, last_health_check = now(), updated_at = now()
		  WHERE miner_id = $1 AND executor_id = $2`,
		int64(minerID), executorID, count, string(next))
	if err != nil {
		return 0, "", fmt.Errorf("reconcile executor: %w", err)
	}
	return uint32(count), next, nil
}
