package model

import "github.com/shopspring/decimal"

// DeveloperStatus 开发者入驻状态
type DeveloperStatus string

const (
	DeveloperStatusPending   DeveloperStatus = "pending"
	DeveloperStatusActive    DeveloperStatus = "active"
	DeveloperStatusSuspended DeveloperStatus = "suspended"
)

// Developer 开发者, 钱包地址统一小写存储
type Developer struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletAddress string          `gorm:"column:wallet_address;type:varchar(42);uniqueIndex;not null" json:"wallet_address"`
	Email         string          `gorm:"column:email;type:varchar(255)" json:"email"`
	GithubUser    string          `gorm:"column:github_username;type:varchar(100)" json:"github_username"`
	Status        DeveloperStatus `gorm:"column:status;type:varchar(20);not null" json:"status"`
	StakeAmount   decimal.Decimal `gorm:"column:stake_amount;type:decimal(36,6);not null" json:"stake_amount"`
	StakedAt      *int64          `gorm:"column:staked_at;type:bigint" json:"staked_at,omitempty"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Developer) TableName() string {
	return "developers"
}

// StakeAction 质押流水动作
type StakeAction string

const (
	StakeActionStake   StakeAction = "stake"
	StakeActionUnstake StakeAction = "unstake"
)

// StakeHistoryEntry 质押流水, tx_hash 唯一
type StakeHistoryEntry struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	DeveloperAddress string          `gorm:"column:developer_address;type:varchar(42);index;not null" json:"developer_address"`
	Action           StakeAction     `gorm:"column:action;type:varchar(10);not null" json:"action"`
	Amount           decimal.Decimal `gorm:"column:amount;type:decimal(36,6);not null" json:"amount"`
	BalanceAfter     decimal.Decimal `gorm:"column:balance_after;type:decimal(36,6);not null" json:"balance_after"`
	TxHash           string          `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null" json:"tx_hash"`
	BlockNumber      uint64          `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	LogIndex         uint32          `gorm:"column:log_index;type:int;not null" json:"log_index"`
	BlockTimestamp   int64           `gorm:"column:block_timestamp;type:bigint;not null" json:"block_timestamp"` // 毫秒
	CreatedAt        int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (StakeHistoryEntry) TableName() string {
	return "developer_stake_history"
}
