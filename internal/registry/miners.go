package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/one-covenant/basilica-sub000/internal/basilicaerr"
	"github.com/one-covenant/basilica-sub000/internal/model"
)

// UpsertMiner applies the miner creation and migration rules for one
// metagraph entry:
//
//   - same uid, same hotkey: refresh endpoint and last_seen;
//   - same uid, different hotkey: the chain recycled the slot, overwrite in
//     place;
//   - same hotkey under a different uid: re-registration, atomically move
//     the miner row, its executors, its GPU assignments and its profile to
//     the new uid (rejected when the target uid holds an unrelated hotkey);
//   - otherwise: insert.
func (s *Store) UpsertMiner(ctx context.Context, uid uint16, hotkey, endpoint string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existingHotkey string
		err := tx.QueryRowContext(ctx, `SELECT hotkey FROM miners WHERE id = $1`, int64(uid)).Scan(&existingHotkey)
		switch {
		case err == nil && existingHotkey == hotkey:
			_, err = tx.ExecContext(ctx,
				`UPDATE miners SET endpoint = $2, last_seen = now(), updated_at = now() WHERE id = $1`,
				int64(uid), endpoint)
			return err

		case err == nil:
			// UID recycled on-chain: a new hotkey owns the slot. The previous
			// occupant's executors and assignments die with the slot.
			log.Warn("Miner UID recycled, overwriting slot", "uid", uid,
				"old_hotkey", existingHotkey, "new_hotkey", hotkey)
			if err := clearMinerChildren(ctx, tx, uid); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE miners SET hotkey = $2, endpoint = $3, verification_score = 0,
				        uptime_percentage = 0, last_seen = now(), registered_at = now(),
				        updated_at = now(), executor_info = NULL
				  WHERE id = $1`,
				int64(uid), hotkey, endpoint)
			return err

		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup miner uid %d: %w", uid, err)
		}

		var oldUID int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM miners WHERE hotkey = $1`, hotkey).Scan(&oldUID)
		switch {
		case err == nil:
			// Re-registration under a new uid: relocate the whole graph.
			return migrateMinerUID(ctx, tx, uint16(oldUID), uid, hotkey, endpoint)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup miner hotkey: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO miners (id, hotkey, endpoint) VALUES ($1, $2, $3)`,
			int64(uid), hotkey, endpoint)
		if err != nil {
			return fmt.Errorf("insert miner %d: %w", uid, err)
		}
		log.Info("Registered new miner", "uid", uid, "hotkey", hotkey, "endpoint", endpoint)
		return nil
	})
}

// migrateMinerUID moves a miner and all of its children from oldUID to
// newUID inside the caller's transaction.
func migrateMinerUID(ctx context.Context, tx *sql.Tx, oldUID, newUID uint16, hotkey, endpoint string) error {
	var occupant string
	err := tx.QueryRowContext(ctx, `SELECT hotkey FROM miners WHERE id = $1`, int64(newUID)).Scan(&occupant)
	switch {
	case err == nil && occupant != hotkey:
		return basilicaerr.Newf(basilicaerr.KindInvariant, "registry.migrate_miner",
			"%w: uid %d held by %s", basilicaerr.ErrHotkeyConflict, newUID, occupant)
	case err == nil:
		// Target row already carries our hotkey; fold the old row into it.
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup target uid %d: %w", newUID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM miners WHERE id = $1`, int64(newUID)); err != nil {
		return fmt.Errorf("clear target uid %d: %w", newUID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE miners SET id = $2, endpoint = $3, last_seen = now(), updated_at = now() WHERE id = $1`,
		int64(oldUID), int64(newUID), endpoint); err != nil {
		return fmt.Errorf("move miner row %d -> %d: %w", oldUID, newUID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE miner_executors SET miner_id = $2, updated_at = now() WHERE miner_id = $1`,
		int64(oldUID), int64(newUID)); err != nil {
		return fmt.Errorf("move executors %d -> %d: %w", oldUID, newUID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE gpu_uuid_assignments SET miner_id = $2, updated_at = now() WHERE miner_id = $1`,
		int64(oldUID), int64(newUID)); err != nil {
		return fmt.Errorf("move assignments %d -> %d: %w", oldUID, newUID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM miner_gpu_profiles WHERE miner_uid = $1`, int64(newUID)); err != nil {
		return fmt.Errorf("clear target profile %d: %w", newUID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE miner_gpu_profiles SET miner_uid = $2, last_updated = now() WHERE miner_uid = $1`,
		int64(oldUID), int64(newUID)); err != nil {
		return fmt.Errorf("move profile %d -> %d: %w", oldUID, newUID, err)
	}

	log.Info("Migrated miner to new UID", "hotkey", hotkey, "old_uid", oldUID, "new_uid", newUID)
	return nil
}

// clearMinerChildren removes a slot's executors, assignments and profile.
func clearMinerChildren(ctx context.Context, tx *sql.Tx, uid uint16) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM gpu_uuid_assignments WHERE miner_id = $1`, int64(uid)); err != nil {
		return fmt.Errorf("clear assignments for uid %d: %w", uid, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM miner_executors WHERE miner_id = $1`, int64(uid)); err != nil {
		return fmt.Errorf("clear executors for uid %d: %w", uid, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM miner_gpu_profiles WHERE miner_uid = $1`, int64(uid)); err != nil {
		return fmt.Errorf("clear profile for uid %d: %w", uid, err)
	}
	return nil
}

// GetMiner loads one miner by uid, or nil when the slot is empty.
func (s *Store) GetMiner(ctx context.Context, uid uint16) (*model.Miner, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, hotkey, endpoint, verification_score, uptime_percentage,
		        last_seen, registered_at, executor_info
		   FROM miners WHERE id = $1`, int64(uid))
	m := new(model.Miner)
	var id int64
	var info sql.NullString
	err := row.Scan(&id, &m.Hotkey, &m.Endpoint, &m.VerificationScore,
		&m.UptimePct, &m.LastSeen, &m.RegisteredAt, &info)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load miner %d: %w", uid, err)
	}
	m.UID = uint16(id)
	if info.Valid {
		m.ExecutorInfo = []byte(info.String)
	}
	return m, nil
}

// GetMinerByHotkey loads one miner by hotkey, or nil when unknown. The
// metagraph sync uses it to order hotkey migrations ahead of slot overwrites
// so a recycled slot never clears a miner that merely moved.
func (s *Store) GetMinerByHotkey(ctx context.Context, hotkey string) (*model.Miner, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, hotkey, endpoint, verification_score, uptime_percentage,
		        last_seen, registered_at, executor_info
		   FROM miners WHERE hotkey = $1`, hotkey)
	m := new(model.Miner)
	var id int64
	var info sql.NullString
	err := row.Scan(&id, &m.Hotkey, &m.Endpoint, &m.VerificationScore,
		&m.UptimePct, &m.LastSeen, &m.RegisteredAt, &info)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load miner by hotkey: %w", err)
	}
	m.UID = uint16(id)
	if info.Valid {
		m.ExecutorInfo = []byte(info.String)
	}
	return m, nil
}

// SetMinerScore stores the latest per-task verification score on the miner
// row.
func (s *Store) SetMinerScore(ctx context.Context, uid uint16, score float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE miners SET verification_score = $2, updated_at = now() WHERE id = $1`,
		int64(uid), model.ClampScore(score))
	return err
}
