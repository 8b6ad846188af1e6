package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Njuhobby/0xElite/internal/model"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// 只允许检查点前进
const checkpointAdvanceGuard = "(sync_checkpoints.last_processed_block < excluded.last_processed_block OR " +
	"(sync_checkpoints.last_processed_block = excluded.last_processed_block AND " +
	"sync_checkpoints.last_processed_tx_index < excluded.last_processed_tx_index))"

// CheckpointRepository 同步检查点仓储接口
type CheckpointRepository interface {
	Get(ctx context.Context, listenerID string) (*model.SyncCheckpoint, error)
	// Advance 单调写入检查点, 返回是否真正前进
	Advance(ctx context.Context, checkpoint *model.SyncCheckpoint) (bool, error)
}

// checkpointRepository 同步检查点仓储实现
type checkpointRepository struct {
	*Repository
}

// NewCheckpointRepository 创建同步检查点仓储
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{
		Repository: NewRepository(db),
	}
}

func (r *checkpointRepository) Get(ctx context.Context, listenerID string) (*model.SyncCheckpoint, error) {
	var checkpoint model.SyncCheckpoint
	err := r.DB(ctx).Where("listener_id = ?", listenerID).First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (r *checkpointRepository) Advance(ctx context.Context, checkpoint *model.SyncCheckpoint) (bool, error) {
	now := nowMilli()
	checkpoint.UpdatedAt = now
	if checkpoint.CreatedAt == 0 {
		checkpoint.CreatedAt = now
	}

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "listener_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"contract_address", "last_processed_block", "last_processed_tx_index", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: checkpointAdvanceGuard}}},
	}).Create(checkpoint)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
