package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/one-covenant/basilica-sub000/internal/config"
)

// ReaperStats summarizes one reaper pass.
type ReaperStats struct {
	ReleasedOfflineAssignments int
	CountResets                int
	StaleAssignmentsDeleted    int
	WholesalePurges            int
	FailedExecutorsDeleted     int
	StaleExecutorsDeleted      int
	ProfilesRecomputed         int
}

// RunReaper performs the periodic cleanup pass. Each step holds its own
// short transaction so in-flight verifications are never blocked for longer
// than a single statement:
//
//  1. release GPU rows attached to offline executors;
//  2. reset disagreeing gpu_counts, demote empty online/verified executors;
//  3. delete assignments unverified past the stale window or whose executor
//     has been offline past two hours;
//  4. purge assignments wholesale for executors offline past the cleanup TTL;
//  5. delete executors with enough consecutive failures and no success in
//     the trailing hour, transactionally with their assignments;
//  6. delete stale offline executors untouched past the stale window;
//  7. recompute the GPU profile of every miner touched above.
func (s *Store) RunReaper(ctx context.Context, cfg config.ReaperConfig) (*ReaperStats, error) {
	stats := new(ReaperStats)
	touched := map[uint16]struct{}{}
	now := time.Now().UTC()

	// Step 1: offline executors hold no GPU claims.
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`DELETE FROM gpu_uuid_assignments a
			  USING miner_executors e
			  WHERE e.miner_id = a.miner_id AND e.executor_id = a.executor_id
			    AND e.status = 'offline'
			  RETURNING a.miner_id`)
		if err != nil {
			return fmt.Errorf("release offline assignments: %w", err)
		}
		stats.ReleasedOfflineAssignments = collectMinerIDs(rows, touched)
		return rows.Err()
	})
	if err != nil {
		return stats, err
	}

	// Step 2: claimed counts must match registered rows; empty executors
	// are not online.
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE miner_executors e
			    SET gpu_count = sub.actual, updated_at = now()
			   FROM (SELECT e2.id,
			                (SELECT count(*) FROM gpu_uuid_assignments a
			                  WHERE a.miner_id = e2.miner_id AND a.executor_id = e2.executor_id) AS actual
			           FROM miner_executors e2) sub
			  WHERE sub.id = e.id AND e.gpu_count <> sub.actual`)
		if err != nil {
			return fmt.Errorf("reset disagreeing counts: %w", err)
		}
		n, _ := res.RowsAffected()
		stats.CountResets = int(n)

		_, err = tx.ExecContext(ctx,
			`UPDATE miner_executors SET status = 'offline', updated_at = now()
			  WHERE status IN ('online', 'verified') AND gpu_count = 0`)
		if err != nil {
			return fmt.Errorf("demote empty executors: %w", err)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	// Step 3: unverified or long-offline assignments expire.
	staleCutoff := now.Add(-time.Duration(cfg.StaleGPUHours) * time.Hour)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`DELETE FROM gpu_uuid_assignments a
			  WHERE a.last_verified < $1
			     OR EXISTS (SELECT 1 FROM miner_executors e
			                 WHERE e.miner_id = a.miner_id AND e.executor_id = a.executor_id
			                   AND e.status = 'offline' AND e.updated_at < $2)
			  RETURNING a.miner_id`,
			staleCutoff, now.Add(-2*time.Hour))
		if err != nil {
			return fmt.Errorf("expire stale assignments: %w", err)
		}
		stats.StaleAssignmentsDeleted = collectMinerIDs(rows, touched)
		return rows.Err()
	})
	if err != nil {
		return stats, err
	}

	// Step 4: wholesale purge for executors offline past the cleanup TTL.
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`DELETE FROM gpu_uuid_assignments a
			  USING miner_executors e
			  WHERE e.miner_id = a.miner_id AND e.executor_id = a.executor_id
			    AND e.status = 'offline' AND e.updated_at < $1
			  RETURNING a.miner_id`,
			now.Add(-cfg.GPUCleanupTTL()))
		if err != nil {
			return fmt.Errorf("purge offline assignments: %w", err)
		}
		stats.WholesalePurges = collectMinerIDs(rows, touched)
		return rows.Err()
	})
	if err != nil {
		return stats, err
	}

	// Step 5: executors failing consecutively with no recent success are
	// removed together with their assignments.
	counts, err := s.recentFailureCounts(ctx, time.Hour)
	if err != nil {
		return stats, err
	}
	for _, c := range counts {
		if c.successes > 0 || c.failures < int(cfg.ConsecutiveFailuresThreshold) {
			continue
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM gpu_uuid_assignments WHERE miner_id = $1 AND executor_id = $2`,
				int64(c.minerID), c.executorID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`DELETE FROM miner_executors WHERE miner_id = $1 AND executor_id = $2`,
				int64(c.minerID), c.executorID)
			return err
		})
		if err != nil {
			return stats, fmt.Errorf("delete failed executor %s: %w", c.executorID, err)
		}
		touched[c.minerID] = struct{}{}
		stats.FailedExecutorsDeleted++
		log.Info("Reaper removed failing executor", "miner", c.minerID,
			"executor", c.executorID, "failures", c.failures)
	}

	// Step 6: offline executors untouched past the stale window disappear.
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`DELETE FROM miner_executors
			  WHERE status = 'offline' AND updated_at < $1
			  RETURNING miner_id`,
			now.Add(-time.Duration(cfg.StaleExecutorMinutes)*time.Minute))
		if err != nil {
			return fmt.Errorf("delete stale executors: %w", err)
		}
		stats.StaleExecutorsDeleted = collectMinerIDs(rows, touched)
		return rows.Err()
	})
	if err != nil {
		return stats, err
	}

	// Step 7: rebuild the profiles of every miner the pass touched.
	for uid := range touched {
		if err := s.RecomputeProfileCounts(ctx, uid); err != nil {
			return stats, fmt.Errorf("recompute profile %d: %w", uid, err)
		}
		stats.ProfilesRecomputed++
	}

	if s.rec != nil {
		s.rec.ReaperDeletedExecutors.Add(float64(stats.FailedExecutorsDeleted + stats.StaleExecutorsDeleted))
		s.rec.ReaperDeletedAssignments.Add(float64(stats.ReleasedOfflineAssignments +
			stats.StaleAssignmentsDeleted + stats.WholesalePurges))
	}
	log.Debug("Reaper pass complete",
		"released", stats.ReleasedOfflineAssignments,
		"count_resets", stats.CountResets,
		"stale_assignments", stats.StaleAssignmentsDeleted,
		"purged", stats.WholesalePurges,
		"failed_executors", stats.FailedExecutorsDeleted,
		"stale_executors", stats.StaleExecutorsDeleted,
		"profiles", stats.ProfilesRecomputed)
	return stats, nil
}

// collectMinerIDs drains a RETURNING miner_id cursor into the touched set
// and returns the row count.
func collectMinerIDs(rows *sql.Rows, touched map[uint16]struct{}) int {
	defer rows.Close()
	n := 0
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			continue
		}
		touched[uint16(uid)] = struct{}{}
		n++
	}
	return n
}
