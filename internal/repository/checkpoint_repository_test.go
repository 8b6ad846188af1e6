package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Njuhobby/0xElite/internal/model"
)

// TestCheckpointRepository_Errors 测试错误类型
func TestCheckpointRepository_Errors(t *testing.T) {
	assert.Equal(t, "checkpoint not found", ErrCheckpointNotFound.Error())
}

func TestCheckpointRepository_GetMissing(t *testing.T) {
	repo := NewCheckpointRepository(setupTestDB(t))

	_, err := repo.Get(context.Background(), "escrow_vault")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointRepository_AdvanceIsMonotonic(t *testing.T) {
	repo := NewCheckpointRepository(setupTestDB(t))
	ctx := context.Background()
	const listener = "escrow_vault"
	contract := "0x5fbdb2315678afecb367f032d93f642f64180aa3"

	save := func(block uint64, txIndex uint32) bool {
		advanced, err := repo.Advance(ctx, &model.SyncCheckpoint{
			ListenerID:           listener,
			ContractAddress:      contract,
			LastProcessedBlock:   block,
			LastProcessedTxIndex: txIndex,
		})
		require.NoError(t, err)
		return advanced
	}

	// 首次写入时惰性创建
	assert.True(t, save(100, model.BlockFullyProcessed))
	cp, err := repo.Get(ctx, listener)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp.LastProcessedBlock)
	assert.True(t, cp.BlockComplete())
	assert.NotZero(t, cp.CreatedAt)

	t.Run("forward moves", func(t *testing.T) {
		assert.True(t, save(105, 2))
		assert.True(t, save(105, 4))
		assert.True(t, save(105, model.BlockFullyProcessed))
	})

	t.Run("rewind is ignored", func(t *testing.T) {
		assert.False(t, save(104, model.BlockFullyProcessed))
		assert.False(t, save(105, 3))
		assert.False(t, save(105, model.BlockFullyProcessed))

		cp, err := repo.Get(ctx, listener)
		require.NoError(t, err)
		assert.Equal(t, uint64(105), cp.LastProcessedBlock)
		assert.Equal(t, model.BlockFullyProcessed, cp.LastProcessedTxIndex)
	})

	t.Run("listeners are independent", func(t *testing.T) {
		advanced, err := repo.Advance(ctx, &model.SyncCheckpoint{
			ListenerID:           "stake_vault",
			ContractAddress:      contract,
			LastProcessedBlock:   7,
			LastProcessedTxIndex: model.BlockFullyProcessed,
		})
		require.NoError(t, err)
		assert.True(t, advanced)

		cp, err := repo.Get(ctx, listener)
		require.NoError(t, err)
		assert.Equal(t, uint64(105), cp.LastProcessedBlock)
	})
}

func TestCheckpointRepository_AdvanceSQL(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewCheckpointRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "sync_checkpoints" .* ON CONFLICT \("listener_id"\) DO UPDATE SET .* WHERE \(sync_checkpoints.last_processed_block < excluded.last_processed_block OR .*\) RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	advanced, err := repo.Advance(context.Background(), &model.SyncCheckpoint{
		ListenerID:           "escrow_vault",
		ContractAddress:      "0x0",
		LastProcessedBlock:   10,
		LastProcessedTxIndex: model.BlockFullyProcessed,
	})
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.NoError(t, mock.ExpectationsWereMet())
}
