package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/one-covenant/basilica-sub000/internal/basilicaerr"
	"github.com/one-covenant/basilica-sub000/internal/model"
)

// GPUSpecs is the JSON document stored in miner_executors.gpu_specs.
type GPUSpecs struct {
	GPUName     string `json:"gpu_name,omitempty"`
	GPUMemoryGB uint32 `json:"gpu_memory_gb,omitempty"`
}

// ExecutorUpsert describes one discovered executor to be persisted.
type ExecutorUpsert struct {
	MinerID     uint16
	ExecutorID  string
	GRPCAddress string
	GPUCount    uint32
	GPUSpecs    GPUSpecs
	CPUSpecs    string
	Location    string
}

// UpsertExecutor persists a discovered executor, enforcing the grpc address
// invariant:
//
//   - an address claimed by a different miner rejects the upsert as a
//     security event;
//   - the same miner rotating executor_id under an unchanged address
//     migrates the GPU rows to the new id and deletes the old row;
//   - a duplicate executor sharing the miner's address under another id is
//     marked offline and its assignments are cleaned.
func (s *Store) UpsertExecutor(ctx context.Context, up ExecutorUpsert) error {
	var security *model.SecurityEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var ownerID int64
		var ownerExecutor string
		err := tx.QueryRowContext(ctx,
			`SELECT miner_id, executor_id FROM miner_executors WHERE grpc_address = $1`,
			up.GRPCAddress).Scan(&ownerID, &ownerExecutor)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Fresh address.
		case err != nil:
			return fmt.Errorf("lookup grpc address owner: %w", err)
		case uint16(ownerID) != up.MinerID:
			security = &model.SecurityEvent{
				GRPCAddress:   up.GRPCAddress,
				ClaimMinerID:  up.MinerID,
				ClaimExecutor: up.ExecutorID,
				OwnerMinerID:  uint16(ownerID),
				OwnerExecutor: ownerExecutor,
				Reason:        "grpc address registered to another miner",
			}
			return basilicaerr.Newf(basilicaerr.KindSecurity, "registry.upsert_executor",
				"%w: %s held by miner %d", basilicaerr.ErrEndpointConflict, up.GRPCAddress, ownerID)
		case ownerExecutor != up.ExecutorID:
			// Same miner rotating the executor id under the same address.
			if err := rotateExecutorID(ctx, tx, up.MinerID, ownerExecutor, up.ExecutorID); err != nil {
				return err
			}
		}

		specs, err := json.Marshal(up.GPUSpecs)
		if err != nil {
			return fmt.Errorf("encode gpu specs: %w", err)
		}
		cpuSpecs, err := json.Marshal(up.CPUSpecs)
		if err != nil {
			return fmt.Errorf("encode cpu specs: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO miner_executors
			        (miner_id, executor_id, grpc_address, gpu_count, gpu_specs, cpu_specs, location, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 'online')
			 ON CONFLICT (miner_id, executor_id) DO UPDATE
			    SET grpc_address = EXCLUDED.grpc_address,
			        gpu_specs = EXCLUDED.gpu_specs,
			        cpu_specs = EXCLUDED.cpu_specs,
			        location = EXCLUDED.location,
			        last_health_check = now(),
			        updated_at = now()`,
			int64(up.MinerID), up.ExecutorID, up.GRPCAddress, int64(up.GPUCount),
			specs, cpuSpecs, up.Location)
		if err != nil {
			return fmt.Errorf("upsert executor %s: %w", up.ExecutorID, err)
		}

		// Duplicates sharing this miner's address under a different id go
		// offline and lose their assignments.
		rows, err := tx.QueryContext(ctx,
			`SELECT executor_id FROM miner_executors
			  WHERE miner_id = $1 AND grpc_address = $2 AND executor_id <> $3`,
			int64(up.MinerID), up.GRPCAddress, up.ExecutorID)
		if err != nil {
			return fmt.Errorf("scan duplicate executors: %w", err)
		}
		var duplicates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			duplicates = append(duplicates, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, dup := range duplicates {
			log.Warn("Duplicate executor on shared address, marking offline",
				"miner", up.MinerID, "executor", dup, "address", up.GRPCAddress)
			if _, err := tx.ExecContext(ctx,
				`UPDATE miner_executors SET status = 'offline', gpu_count = 0, updated_at = now()
				  WHERE miner_id = $1 AND executor_id = $2`,
				int64(up.MinerID), dup); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM gpu_uuid_assignments WHERE miner_id = $1 AND executor_id = $2`,
				int64(up.MinerID), dup); err != nil {
				return err
			}
		}
		return nil
	})
	if security != nil {
		s.emitSecurityEvent(*security)
	}
	return err
}

// rotateExecutorID moves GPU rows from the old executor id to the new one
// and deletes the old executor row, all inside the caller's transaction.
func rotateExecutorID(ctx context.Context, tx *sql.Tx, minerID uint16, oldID, newID string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE gpu_uuid_assignments SET executor_id = $3, updated_at = now()
		  WHERE miner_id = $1 AND executor_id = $2`,
		int64(minerID), oldID, newID); err != nil {
		return fmt.Errorf("rotate assignments %s -> %s: %w", oldID, newID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM miner_executors WHERE miner_id = $1 AND executor_id = $2`,
		int64(minerID), oldID); err != nil {
		return fmt.Errorf("delete rotated executor %s: %w", oldID, err)
	}
	log.Info("Executor id rotated under unchanged address",
		"miner", minerID, "old", oldID, "new", newID)
	return nil
}

const executorColumns = `executor_id, miner_id, grpc_address, gpu_count, status,
       last_health_check, created_at, updated_at`

func scanExecutor(scanner interface{ Scan(...any) error }) (*model.Executor, error) {
	e := new(model.Executor)
	var minerID int64
	var status string
	if err := scanner.Scan(&e.ID, &minerID, &e.GRPCAddress, &e.GPUCount, &status,
		&e.LastHealthCheck, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.MinerID = uint16(minerID)
	e.Status = model.ExecutorStatus(status)
	return e, nil
}

// GetExecutor loads one executor row, or nil when absent.
func (s *Store) GetExecutor(ctx context.Context, minerID uint16, executorID string) (*model.Executor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executorColumns+` FROM miner_executors
		  WHERE miner_id = $1 AND executor_id = $2`,
		int64(minerID), executorID)
	e, err := scanExecutor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load executor %s: %w", executorID, err)
	}
	return e, nil
}

// ListExecutorsByMiner returns the known roster for a miner, the fallback
// when live discovery fails.
func (s *Store) ListExecutorsByMiner(ctx context.Context, minerID uint16) ([]model.Executor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executorColumns+` FROM miner_executors WHERE miner_id = $1 ORDER BY executor_id`,
		int64(minerID))
	if err != nil {
		return nil, fmt.Errorf("list executors for miner %d: %w", minerID, err)
	}
	defer rows.Close()

	var executors []model.Executor
	for rows.Next() {
		e, err := scanExecutor(rows)
		if err != nil {
			return nil, err
		}
		executors = append(executors, *e)
	}
	return executors, rows.Err()
}

// SetExecutorStatus updates one executor's lifecycle state.
func (s *Store) SetExecutorStatus(ctx context.Context, minerID uint16, executorID string, status model.ExecutorStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE miner_executors SET status = $3, last_health_check = now(), updated_at = now()
		  WHERE miner_id = $1 AND executor_id = $2`,
		int64(minerID), executorID, string(status))
	return err
}
