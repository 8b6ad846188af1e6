package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Njuhobby/0xElite/internal/model"
)

var (
	ErrDeveloperNotFound  = errors.New("developer not found")
	ErrStakeEntryNotFound = errors.New("stake history entry not found")
)

// DeveloperRepository 开发者质押仓储
type DeveloperRepository interface {
	GetByWallet(ctx context.Context, wallet string, opts *QueryOptions) (*model.Developer, error)
	UpdateStake(ctx context.Context, developerID int64, stake decimal.Decimal, status model.DeveloperStatus, stakedAt *int64) error
	InsertStakeEntry(ctx context.Context, entry *model.StakeHistoryEntry) (bool, error)
	GetStakeEntryByTxHash(ctx context.Context, txHash string) (*model.StakeHistoryEntry, error)
}

// developerRepository 开发者仓储实现
type developerRepository struct {
	*Repository
}

// NewDeveloperRepository 创建开发者仓储
func NewDeveloperRepository(db *gorm.DB) DeveloperRepository {
	return &developerRepository{
		Repository: NewRepository(db),
	}
}

func (r *developerRepository) GetByWallet(ctx context.Context, wallet string, opts *QueryOptions) (*model.Developer, error) {
	var developer model.Developer
	err := opts.ApplyLock(r.DB(ctx)).
		Where("wallet_address = ?", strings.ToLower(wallet)).
		First(&developer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeveloperNotFound
	}
	if err != nil {
		return nil, err
	}
	return &developer, nil
}

func (r *developerRepository) UpdateStake(ctx context.Context, developerID int64, stake decimal.Decimal, status model.DeveloperStatus, stakedAt *int64) error {
	updates := map[string]interface{}{
		"stake_amount": stake,
		"status":       status,
		"updated_at":   nowMilli(),
	}
	if stakedAt != nil {
		updates["staked_at"] = *stakedAt
	}

	result := r.DB(ctx).Model(&model.Developer{}).
		Where("id = ?", developerID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDeveloperNotFound
	}
	return nil
}

func (r *developerRepository) InsertStakeEntry(ctx context.Context, entry *model.StakeHistoryEntry) (bool, error) {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = nowMilli()
	}
	entry.DeveloperAddress = strings.ToLower(entry.DeveloperAddress)

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}},
		DoNothing: true,
	}).Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *developerRepository) GetStakeEntryByTxHash(ctx context.Context, txHash string) (*model.StakeHistoryEntry, error) {
	var entry model.StakeHistoryEntry
	err := r.DB(ctx).Where("tx_hash = ?", txHash).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStakeEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
