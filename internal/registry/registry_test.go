package registry

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/one-covenant/basilica-sub000/internal/basilicaerr"
	"github.com/one-covenant/basilica-sub000/internal/model"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreFromDB(db, nil), mock
}

func TestUpsertMinerRefreshSameHotkey(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT hotkey FROM miners WHERE id`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"hotkey"}).AddRow("hk-7"))
	mock.ExpectExec(`UPDATE miners SET endpoint`).
		WithArgs(int64(7), "10.0.0.1:8091").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertMiner(context.Background(), 7, "hk-7", "10.0.0.1:8091"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMinerInsertNew(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT hotkey FROM miners WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"hotkey"}))
	mock.ExpectQuery(`SELECT id FROM miners WHERE hotkey`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO miners`).
		WithArgs(int64(7), "hk-7", "10.0.0.1:8091").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertMiner(context.Background(), 7, "hk-7", "10.0.0.1:8091"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMinerUIDRecycleClearsChildren(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT hotkey FROM miners WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"hotkey"}).AddRow("hk-old"))
	mock.ExpectExec(`DELETE FROM gpu_uuid_assignments WHERE miner_id`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM miner_executors WHERE miner_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM miner_gpu_profiles WHERE miner_uid`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE miners SET hotkey`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertMiner(context.Background(), 7, "hk-new", "10.0.0.2:8091"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMinerHotkeyMigration(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT hotkey FROM miners WHERE id`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"hotkey"}))
	mock.ExpectQuery(`SELECT id FROM miners WHERE hotkey`).
		WithArgs("hk-7").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	// migrateMinerUID: target slot empty, relocate the graph.
	mock.ExpectQuery(`SELECT hotkey FROM miners WHERE id`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"hotkey"}))
	mock.ExpectExec(`DELETE FROM miners WHERE id`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE miners SET id`).
		WithArgs(int64(7), int64(42), "10.0.0.1:8091").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE miner_executors SET miner_id`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`UPDATE gpu_uuid_assignments SET miner_id`).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`DELETE FROM miner_gpu_profiles WHERE miner_uid`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE miner_gpu_profiles SET miner_uid`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertMiner(context.Background(), 42, "hk-7", "10.0.0.1:8091"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMinerMigrationConflict(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT hotkey FROM miners WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"hotkey"}))
	mock.ExpectQuery(`SELECT id FROM miners WHERE hotkey`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery(`SELECT hotkey FROM miners WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"hotkey"}).AddRow("hk-unrelated"))
	mock.ExpectRollback()

	err := store.UpsertMiner(context.Background(), 42, "hk-7", "10.0.0.1:8091")
	require.ErrorIs(t, err, basilicaerr.ErrHotkeyConflict)
	require.True(t, basilicaerr.Is(err, basilicaerr.KindInvariant))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterGPUsTheftRejected(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	// GPU-A is owned by miner 7 / executor X, whose executor is online.
	mock.ExpectQuery(`SELECT miner_id, executor_id FROM gpu_uuid_assignments`).
		WithArgs("GPU-A").
		WillReturnRows(sqlmock.NewRows([]string{"miner_id", "executor_id"}).AddRow(int64(7), "X"))
	mock.ExpectQuery(`SELECT status FROM miner_executors`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("online"))
	// Nothing accepted: the pruning pass and reconciliation still run.
	mock.ExpectExec(`DELETE FROM gpu_uuid_assignments`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM gpu_uuid_assignments`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery(`SELECT status FROM miner_executors`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("online"))
	mock.ExpectExec(`UPDATE miner_executors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reg, err := store.RegisterGPUs(context.Background(), 9, "Y",
		[]model.GPUInfo{{GPUUUID: "GPU-A", GPUName: "NVIDIA H100"}})
	require.NoError(t, err)
	require.Zero(t, reg.Accepted)
	require.Len(t, reg.Rejected, 1)
	require.Equal(t, "GPU-A", reg.Rejected[0].GPUUUID)
	require.EqualValues(t, 7, reg.Rejected[0].OwnerMinerID)
	require.EqualValues(t, 0, reg.GPUCount)
	require.Equal(t, model.StatusOffline, reg.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterGPUsRebindFromOfflineOwner(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT miner_id, executor_id FROM gpu_uuid_assignments`).
		WithArgs("GPU-A").
		WillReturnRows(sqlmock.NewRows([]string{"miner_id", "executor_id"}).AddRow(int64(7), "X"))
	mock.ExpectQuery(`SELECT status FROM miner_executors`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("offline"))
	mock.ExpectExec(`UPDATE gpu_uuid_assignments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM gpu_uuid_assignments`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM gpu_uuid_assignments`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery(`SELECT status FROM miner_executors`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))
	mock.ExpectExec(`UPDATE miner_executors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reg, err := store.RegisterGPUs(context.Background(), 9, "Y",
		[]model.GPUInfo{{GPUUUID: "GPU-A", GPUName: "NVIDIA H100"}})
	require.NoError(t, err)
	require.Equal(t, 1, reg.Accepted)
	require.Empty(t, reg.Rejected)
	require.EqualValues(t, 1, reg.GPUCount)
	require.Equal(t, model.StatusVerified, reg.Status, "first successful reconciliation lands on verified")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterGPUsIdempotentSameOwner(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT miner_id, executor_id FROM gpu_uuid_assignments`).
		WithArgs("GPU-A").
		WillReturnRows(sqlmock.NewRows([]string{"miner_id", "executor_id"}).AddRow(int64(7), "X"))
	mock.ExpectExec(`UPDATE gpu_uuid_assignments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM gpu_uuid_assignments`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM gpu_uuid_assignments`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery(`SELECT status FROM miner_executors`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("online"))
	mock.ExpectExec(`UPDATE miner_executors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reg, err := store.RegisterGPUs(context.Background(), 7, "X",
		[]model.GPUInfo{{GPUUUID: "GPU-A", GPUName: "NVIDIA H100"}})
	require.NoError(t, err)
	require.Equal(t, 1, reg.Accepted)
	require.Empty(t, reg.Rejected)
	require.Equal(t, model.StatusOnline, reg.Status, "online is preserved")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertExecutorForeignAddressRejected(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT miner_id, executor_id FROM miner_executors WHERE grpc_address`).
		WithArgs("198.51.100.4:50051").
		WillReturnRows(sqlmock.NewRows([]string{"miner_id", "executor_id"}).AddRow(int64(7), "X"))
	mock.ExpectRollback()

	err := store.UpsertExecutor(context.Background(), ExecutorUpsert{
		MinerID:     9,
		ExecutorID:  "Y",
		GRPCAddress: "198.51.100.4:50051",
	})
	require.ErrorIs(t, err, basilicaerr.ErrEndpointConflict)
	require.True(t, basilicaerr.Is(err, basilicaerr.KindSecurity))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertExecutorRotation(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT miner_id, executor_id FROM miner_executors WHERE grpc_address`).
		WillReturnRows(sqlmock.NewRows([]string{"miner_id", "executor_id"}).AddRow(int64(7), "X"))
	// Same miner, new executor id: rotate the assignments, drop the old row.
	mock.ExpectExec(`UPDATE gpu_uuid_assignments SET executor_id`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM miner_executors WHERE miner_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO miner_executors`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT executor_id FROM miner_executors`).
		WillReturnRows(sqlmock.NewRows([]string{"executor_id"}))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertExecutor(context.Background(), ExecutorUpsert{
		MinerID:     7,
		ExecutorID:  "X2",
		GRPCAddress: "198.51.100.4:50051",
		GPUCount:    2,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchGPUsEmptySetIsNoop(t *testing.T) {
	store, mock := mockStore(t)
	touched, err := store.TouchGPUs(context.Background(), 7, "X", nil)
	require.NoError(t, err)
	require.Zero(t, touched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDetailsCodecRoundTrip(t *testing.T) {
	raw := []byte(`{"executor_result":{"gpu_uuid":"GPU-A"},"gpu_count":2,"binary_validation_successful":true}`)
	compressed := compressDetails(raw)
	require.NotEqual(t, raw, compressed)

	restored, err := decompressDetails(compressed)
	require.NoError(t, err)
	require.Equal(t, raw, restored)

	// Legacy plain JSON passes through untouched.
	passthrough, err := decompressDetails(raw)
	require.NoError(t, err)
	require.Equal(t, raw, passthrough)

	empty, err := decompressDetails(nil)
	require.NoError(t, err)
	require.Nil(t, empty)
}
