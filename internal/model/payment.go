package model

import "github.com/shopspring/decimal"

// PaymentTransactionType 账本流水类型
type PaymentTransactionType string

const (
	PaymentTypeDeposit           PaymentTransactionType = "deposit"
	PaymentTypeRelease           PaymentTransactionType = "release"
	PaymentTypeFeeCollection     PaymentTransactionType = "fee_collection"
	PaymentTypeFreeze            PaymentTransactionType = "freeze"
	PaymentTypeUnfreeze          PaymentTransactionType = "unfreeze"
	PaymentTypeDisputeResolution PaymentTransactionType = "dispute_resolution"
)

// PaymentHistoryEntry 托管账本, 只追加; tx_hash 唯一即幂等边界
type PaymentHistoryEntry struct {
	ID              int64                  `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID       string                 `gorm:"column:project_id;type:varchar(36);index;not null" json:"project_id"`
	MilestoneID     *string                `gorm:"column:milestone_id;type:varchar(36);index" json:"milestone_id,omitempty"`
	TransactionType PaymentTransactionType `gorm:"column:transaction_type;type:varchar(30);not null" json:"transaction_type"`
	Amount          decimal.Decimal        `gorm:"column:amount;type:decimal(36,6);not null" json:"amount"`
	FromAddress     string                 `gorm:"column:from_address;type:varchar(42);not null" json:"from_address"`
	ToAddress       string                 `gorm:"column:to_address;type:varchar(42);not null" json:"to_address"`
	TxHash          string                 `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null" json:"tx_hash"`
	BlockNumber     uint64                 `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	LogIndex        uint32                 `gorm:"column:log_index;type:int;not null" json:"log_index"`
	BlockTimestamp  int64                  `gorm:"column:block_timestamp;type:bigint;not null" json:"block_timestamp"` // 毫秒
	Notes           string                 `gorm:"column:notes;type:varchar(500)" json:"notes"`
	CreatedAt       int64                  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (PaymentHistoryEntry) TableName() string {
	return "payment_history"
}
