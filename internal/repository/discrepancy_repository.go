package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Njuhobby/0xElite/internal/model"
)

// DiscrepancyRepository 对账差异仓储
type DiscrepancyRepository interface {
	// Record 同一条日志只记录一次
	Record(ctx context.Context, d *model.ReconciliationDiscrepancy) (bool, error)
	CountOpen(ctx context.Context) (int64, error)
}

type discrepancyRepository struct {
	*Repository
}

// NewDiscrepancyRepository 创建对账差异仓储
func NewDiscrepancyRepository(db *gorm.DB) DiscrepancyRepository {
	return &discrepancyRepository{
		Repository: NewRepository(db),
	}
}

func (r *discrepancyRepository) Record(ctx context.Context, d *model.ReconciliationDiscrepancy) (bool, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = model.DiscrepancyStatusOpen
	}
	if d.CreatedAt == 0 {
		d.CreatedAt = nowMilli()
	}

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
		DoNothing: true,
	}).Create(d)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *discrepancyRepository) CountOpen(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ReconciliationDiscrepancy{}).
		Where("status = ?", model.DiscrepancyStatusOpen).
		Count(&count).Error
	return count, err
}
