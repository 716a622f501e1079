package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/one-covenant/basilica-sub000/internal/model"
)

// InsertValidationLog appends one verification record. Logs are append-only;
// the id is minted here when the caller left it empty. Details are stored
// zstd-compressed.
func (s *Store) InsertValidationLog(ctx context.Context, entry *model.ValidationLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Score = model.ClampScore(entry.Score)

	var errMsg sql.NullString
	if entry.ErrorMessage != "" {
		errMsg = sql.NullString{String: entry.ErrorMessage, Valid: true}
	}
	var lastBinary sql.NullTime
	if entry.LastBinaryValidation != nil {
		lastBinary = sql.NullTime{Time: *entry.LastBinaryValidation, Valid: true}
	}
	var lastBinaryScore sql.NullFloat64
	if entry.LastBinaryValidationScore != nil {
		lastBinaryScore = sql.NullFloat64{Float64: *entry.LastBinaryValidationScore, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_logs
		        (id, executor_id, validator_hotkey, verification_type, timestamp,
		         score, success, details, duration_ms, error_message,
		         last_binary_validation, last_binary_validation_score)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.ExecutorID, entry.ValidatorHotkey, entry.VerificationType,
		entry.Timestamp, entry.Score, entry.Success, compressDetails(entry.Details),
		entry.DurationMs, errMsg, lastBinary, lastBinaryScore)
	if err != nil {
		return fmt.Errorf("insert validation log: %w", err)
	}
	return nil
}

// LatestSuccessfulFullValidation returns the newest successful binary
// attestation for an executor, with details decompressed, or nil when none
// exists. Only records whose details carry binary_validation_successful are
// considered; the details filter runs client-side because the column is a
// compressed blob.
func (s *Store) LatestSuccessfulFullValidation(ctx context.Context, executorID string) (*model.ValidationLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, executor_id, validator_hotkey, verification_type, timestamp,
		        score, success, details, duration_ms, error_message
		   FROM verification_logs
		  WHERE executor_id = $1 AND success = TRUE AND verification_type = $2
		  ORDER BY timestamp DESC
		  LIMIT 10`,
		executorID, model.VerificationTypeSSHAutomation)
	if err != nil {
		return nil, fmt.Errorf("query validation logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanValidationLog(rows)
		if err != nil {
			return nil, err
		}
		details, err := model.DecodeValidationDetails(entry.Details)
		if err != nil {
			continue
		}
		if details.BinaryValidationSuccessful {
			return entry, nil
		}
	}
	return nil, rows.Err()
}

func scanValidationLog(rows *sql.Rows) (*model.ValidationLog, error) {
	entry := new(model.ValidationLog)
	var details []byte
	var errMsg sql.NullString
	if err := rows.Scan(&entry.ID, &entry.ExecutorID, &entry.ValidatorHotkey,
		&entry.VerificationType, &entry.Timestamp, &entry.Score, &entry.Success,
		&details, &entry.DurationMs, &errMsg); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		entry.ErrorMessage = errMsg.String
	}
	raw, err := decompressDetails(details)
	if err != nil {
		return nil, fmt.Errorf("decompress details for log %s: %w", entry.ID, err)
	}
	entry.Details = raw
	return entry, nil
}

// failureCounts summarizes one executor's recent outcomes for the reaper.
type failureCounts struct {
	executorID string
	minerID    uint16
	failures   int
	successes  int
}

// recentFailureCounts returns, per executor, the failure and success counts
// in the trailing window.
func (s *Store) recentFailureCounts(ctx context.Context, window time.Duration) ([]failureCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.executor_id, e.miner_id,
		        count(*) FILTER (WHERE NOT l.success) AS failures,
		        count(*) FILTER (WHERE l.success) AS successes
		   FROM verification_logs l
		   JOIN miner_executors e ON e.executor_id = l.executor_id
		  WHERE l.timestamp > $1
		  GROUP BY l.executor_id, e.miner_id`,
		time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("aggregate recent outcomes: %w", err)
	}
	defer rows.Close()

	var counts []failureCounts
	for rows.Next() {
		var c failureCounts
		var minerID int64
		if err := rows.Scan(&c.executorID, &minerID, &c.failures, &c.successes); err != nil {
			return nil, err
		}
		c.minerID = uint16(minerID)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

var errNoSuchLog = errors.New("validation log not found")

// GetValidationLog loads one log entry by id, details decompressed.
func (s *Store) GetValidationLog(ctx context.Context, id string) (*model.ValidationLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, executor_id, validator_hotkey, verification_type, timestamp,
		        score, success, details, duration_ms, error_message
		   FROM verification_logs WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, errNoSuchLog
	}
	return scanValidationLog(rows)
}
