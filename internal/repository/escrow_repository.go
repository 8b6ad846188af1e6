package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Njuhobby/0xElite/internal/model"
)

var (
	ErrProjectNotFound       = errors.New("project not found")
	ErrEscrowAccountNotFound = errors.New("escrow account not found")
	ErrMilestoneNotFound     = errors.New("milestone not found")
	ErrPaymentNotFound       = errors.New("payment history entry not found")
)

// EscrowRepository 托管相关仓储: 项目、托管账户、里程碑付款字段、账本
type EscrowRepository interface {
	// 项目
	GetProjectByContractID(ctx context.Context, contractProjectID string) (*model.Project, error)
	MarkProjectFunded(ctx context.Context, projectID, txHash string, depositedAt int64) error

	// 托管账户
	EnsureAccount(ctx context.Context, account *model.EscrowAccount) (bool, error)
	GetAccount(ctx context.Context, projectID string, opts *QueryOptions) (*model.EscrowAccount, error)
	GetAccountByContractID(ctx context.Context, contractProjectID string) (*model.EscrowAccount, error)
	AddDeposited(ctx context.Context, projectID string, amount decimal.Decimal) error
	AddReleased(ctx context.Context, projectID string, amount decimal.Decimal) error
	SetFrozen(ctx context.Context, projectID string, frozenAt int64, frozenBy string) error
	ClearFrozen(ctx context.Context, projectID string) error
	SettleDispute(ctx context.Context, projectID string, total decimal.Decimal) error

	// 里程碑
	FindPayableMilestone(ctx context.Context, projectID string) (*model.Milestone, error)
	MarkMilestonePaid(ctx context.Context, milestoneID string, amount decimal.Decimal, txHash string, paidAt int64) (bool, error)
	SetMilestonePlatformFee(ctx context.Context, milestoneID string, fee decimal.Decimal) (bool, error)

	// 账本
	InsertPayment(ctx context.Context, entry *model.PaymentHistoryEntry) (bool, error)
	GetPaymentByTxHash(ctx context.Context, txHash string) (*model.PaymentHistoryEntry, error)
	LatestReleasePayment(ctx context.Context, projectID string) (*model.PaymentHistoryEntry, error)
}

// escrowRepository 托管仓储实现
type escrowRepository struct {
	*Repository
}

// NewEscrowRepository 创建托管仓储
func NewEscrowRepository(db *gorm.DB) EscrowRepository {
	return &escrowRepository{
		Repository: NewRepository(db),
	}
}

func (r *escrowRepository) GetProjectByContractID(ctx context.Context, contractProjectID string) (*model.Project, error) {
	var project model.Project
	err := r.DB(ctx).Where("contract_project_id = ?", contractProjectID).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *escrowRepository) MarkProjectFunded(ctx context.Context, projectID, txHash string, depositedAt int64) error {
	return r.DB(ctx).Model(&model.Project{}).
		Where("id = ? AND escrow_deposited = ?", projectID, false).
		Updates(map[string]interface{}{
			"status":                 model.ProjectStatusActive,
			"escrow_deposited":       true,
			"escrow_deposit_tx_hash": txHash,
			"escrow_deposited_at":    depositedAt,
			"updated_at":             nowMilli(),
		}).Error
}

func (r *escrowRepository) EnsureAccount(ctx context.Context, account *model.EscrowAccount) (bool, error) {
	now := nowMilli()
	account.CreatedAt = now
	account.UpdatedAt = now

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}},
		DoNothing: true,
	}).Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *escrowRepository) GetAccount(ctx context.Context, projectID string, opts *QueryOptions) (*model.EscrowAccount, error) {
	var account model.EscrowAccount
	err := opts.ApplyLock(r.DB(ctx)).Where("project_id = ?", projectID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEscrowAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *escrowRepository) GetAccountByContractID(ctx context.Context, contractProjectID string) (*model.EscrowAccount, error) {
	var account model.EscrowAccount
	err := r.DB(ctx).Where("contract_project_id = ?", contractProjectID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEscrowAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *escrowRepository) AddDeposited(ctx context.Context, projectID string, amount decimal.Decimal) error {
	return r.updateAccount(ctx, projectID, map[string]interface{}{
		"total_deposited": gorm.Expr("total_deposited + ?", amount),
	})
}

func (r *escrowRepository) AddReleased(ctx context.Context, projectID string, amount decimal.Decimal) error {
	return r.updateAccount(ctx, projectID, map[string]interface{}{
		"total_released": gorm.Expr("total_released + ?", amount),
	})
}

func (r *escrowRepository) SetFrozen(ctx context.Context, projectID string, frozenAt int64, frozenBy string) error {
	return r.updateAccount(ctx, projectID, map[string]interface{}{
		"is_frozen": true,
		"frozen_at": frozenAt,
		"frozen_by": frozenBy,
	})
}

func (r *escrowRepository) ClearFrozen(ctx context.Context, projectID string) error {
	return r.updateAccount(ctx, projectID, map[string]interface{}{
		"is_frozen": false,
		"frozen_at": nil,
		"frozen_by": nil,
	})
}

func (r *escrowRepository) SettleDispute(ctx context.Context, projectID string, total decimal.Decimal) error {
	return r.updateAccount(ctx, projectID, map[string]interface{}{
		"total_released": gorm.Expr("total_released + ?", total),
		"is_frozen":      false,
		"frozen_at":      nil,
		"frozen_by":      nil,
	})
}

func (r *escrowRepository) updateAccount(ctx context.Context, projectID string, updates map[string]interface{}) error {
	updates["updated_at"] = nowMilli()
	result := r.DB(ctx).Model(&model.EscrowAccount{}).
		Where("project_id = ?", projectID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEscrowAccountNotFound
	}
	return nil
}

func (r *escrowRepository) FindPayableMilestone(ctx context.Context, projectID string) (*model.Milestone, error) {
	var milestone model.Milestone
	err := r.DB(ctx).
		Where("project_id = ? AND status = ? AND paid_at IS NULL", projectID, model.MilestoneStatusPendingReview).
		Order("submitted_at DESC").
		First(&milestone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMilestoneNotFound
	}
	if err != nil {
		return nil, err
	}
	return &milestone, nil
}

func (r *escrowRepository) MarkMilestonePaid(ctx context.Context, milestoneID string, amount decimal.Decimal, txHash string, paidAt int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Milestone{}).
		Where("id = ? AND paid_at IS NULL", milestoneID).
		Updates(map[string]interface{}{
			"payment_amount":  amount,
			"payment_tx_hash": txHash,
			"paid_at":         paidAt,
			"updated_at":      nowMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *escrowRepository) SetMilestonePlatformFee(ctx context.Context, milestoneID string, fee decimal.Decimal) (bool, error) {
	result := r.DB(ctx).Model(&model.Milestone{}).
		Where("id = ? AND platform_fee IS NULL", milestoneID).
		Updates(map[string]interface{}{
			"platform_fee": fee,
			"updated_at":   nowMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *escrowRepository) InsertPayment(ctx context.Context, entry *model.PaymentHistoryEntry) (bool, error) {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = nowMilli()
	}
	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}},
		DoNothing: true,
	}).Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *escrowRepository) GetPaymentByTxHash(ctx context.Context, txHash string) (*model.PaymentHistoryEntry, error) {
	var entry model.PaymentHistoryEntry
	err := r.DB(ctx).Where("tx_hash = ?", txHash).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *escrowRepository) LatestReleasePayment(ctx context.Context, projectID string) (*model.PaymentHistoryEntry, error) {
	var entry model.PaymentHistoryEntry
	err := r.DB(ctx).
		Where("project_id = ? AND transaction_type = ?", projectID, model.PaymentTypeRelease).
		Order("block_number DESC, log_index DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
