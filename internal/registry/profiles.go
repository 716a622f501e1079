package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/one-covenant/basilica-sub000/internal/model"
)

// UpsertProfile writes the scoring engine's per-miner view: reconciled GPU
// counts, the normalized score, a bumped verification count and, on a fully
// successful batch, the last successful validation stamp.
func (s *Store) UpsertProfile(ctx context.Context, minerUID uint16, gpuCounts map[string]uint32, totalScore float64, anySuccess bool) error {
	counts, err := json.Marshal(gpuCounts)
	if err != nil {
		return fmt.Errorf("encode gpu counts: %w", err)
	}
	totalScore = model.ClampScore(totalScore)
	if len(gpuCounts) == 0 {
		totalScore = 0
	}

	if anySuccess {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO miner_gpu_profiles
			        (miner_uid, gpu_counts_json, total_score, verification_count, last_updated, last_successful_validation)
			 VALUES ($1, $2, $3, 1, now(), now())
			 ON CONFLICT (miner_uid) DO UPDATE
			    SET gpu_counts_json = EXCLUDED.gpu_counts_json,
			        total_score = EXCLUDED.total_score,
			        verification_count = miner_gpu_profiles.verification_count + 1,
			        last_updated = now(),
			        last_successful_validation = now()`,
			int64(minerUID), counts, totalScore)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO miner_gpu_profiles
			        (miner_uid, gpu_counts_json, total_score, verification_count, last_updated)
			 VALUES ($1, $2, $3, 1, now())
			 ON CONFLICT (miner_uid) DO UPDATE
			    SET gpu_counts_json = EXCLUDED.gpu_counts_json,
			        total_score = EXCLUDED.total_score,
			        verification_count = miner_gpu_profiles.verification_count + 1,
			        last_updated = now()`,
			int64(minerUID), counts, totalScore)
	}
	if err != nil {
		return fmt.Errorf("upsert profile %d: %w", minerUID, err)
	}
	return nil
}

// GetProfile loads one miner profile, or nil when absent.
func (s *Store) GetProfile(ctx context.Context, minerUID uint16) (*model.MinerGPUProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT miner_uid, gpu_counts_json, total_score, verification_count,
		        last_updated, last_successful_validation
		   FROM miner_gpu_profiles WHERE miner_uid = $1`, int64(minerUID))
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ProfilesUpdatedSince returns every profile touched after cutoff, the
// input set of the category view.
func (s *Store) ProfilesUpdatedSince(ctx context.Context, cutoff time.Time) ([]model.MinerGPUProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT miner_uid, gpu_counts_json, total_score, verification_count,
		        last_updated, last_successful_validation
		   FROM miner_gpu_profiles WHERE last_updated > $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []model.MinerGPUProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func scanProfile(scanner interface{ Scan(...any) error }) (*model.MinerGPUProfile, error) {
	p := new(model.MinerGPUProfile)
	var uid int64
	var counts []byte
	var lastSuccess sql.NullTime
	if err := scanner.Scan(&uid, &counts, &p.TotalScore, &p.VerificationCount,
		&p.LastUpdated, &lastSuccess); err != nil {
		return nil, err
	}
	p.MinerUID = uint16(uid)
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &p.GPUCounts); err != nil {
			return nil, fmt.Errorf("decode gpu counts for %d: %w", uid, err)
		}
	}
	if p.GPUCounts == nil {
		p.GPUCounts = map[string]uint32{}
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		p.LastSuccessfulValidation = &t
	}
	return p, nil
}

// ExecutorGPUSummary is the category view's per-executor input row.
type ExecutorGPUSummary struct {
	ExecutorID  string
	GPUCount    uint32
	GPUName     string
	GPUMemoryGB uint32
}

// ExecutorGPUSummaries returns, for one miner, the active executors with
// their reconciled counts, the attested device name and the advertised VRAM.
// The device name comes from the assignment rows (attested ground truth);
// the VRAM from the roster's gpu_specs.
func (s *Store) ExecutorGPUSummaries(ctx context.Context, minerUID uint16) ([]ExecutorGPUSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.executor_id, e.gpu_count, e.gpu_specs,
		        COALESCE((SELECT a.gpu_name FROM gpu_uuid_assignments a
		                   WHERE a.miner_id = e.miner_id AND a.executor_id = e.executor_id
		                   ORDER BY a.gpu_index LIMIT 1), '') AS gpu_name
		   FROM miner_executors e
		  WHERE e.miner_id = $1 AND e.status IN ('online', 'verified')`,
		int64(minerUID))
	if err != nil {
		return nil, fmt.Errorf("list executor summaries: %w", err)
	}
	defer rows.Close()

	var summaries []ExecutorGPUSummary
	for rows.Next() {
		var sum ExecutorGPUSummary
		var specsRaw []byte
		if err := rows.Scan(&sum.ExecutorID, &sum.GPUCount, &specsRaw, &sum.GPUName); err != nil {
			return nil, err
		}
		if len(specsRaw) > 0 {
			var specs GPUSpecs
			if err := json.Unmarshal(specsRaw, &specs); err == nil {
				sum.GPUMemoryGB = specs.GPUMemoryGB
				if sum.GPUName == "" {
					sum.GPUName = specs.GPUName
				}
			}
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// RecomputeProfileCounts rebuilds a miner's gpu_counts from its remaining
// assignment rows, zeroing the score when nothing is left. The reaper calls
// this for every miner it touched.
func (s *Store) RecomputeProfileCounts(ctx context.Context, minerUID uint16) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gpu_name, count(*) FROM gpu_uuid_assignments
		  WHERE miner_id = $1 GROUP BY gpu_name`, int64(minerUID))
	if err != nil {
		return fmt.Errorf("aggregate assignments: %w", err)
	}
	counts := map[string]uint32{}
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			rows.Close()
			return err
		}
		category := string(model.NormalizeGPUName(name))
		counts[category] += uint32(n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	encoded, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("encode gpu counts: %w", err)
	}
	if len(counts) == 0 {
		_, err = s.db.ExecContext(ctx,
			`UPDATE miner_gpu_profiles
			    SET gpu_counts_json = $2, total_score = 0, last_updated = now()
			  WHERE miner_uid = $1`, int64(minerUID), encoded)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE miner_gpu_profiles
			    SET gpu_counts_json = $2, last_updated = now()
			  WHERE miner_uid = $1`, int64(minerUID), encoded)
	}
	return err
}
