package model

import "github.com/shopspring/decimal"

// DiscrepancyStatus 差异处理状态
type DiscrepancyStatus string

const (
	DiscrepancyStatusOpen     DiscrepancyStatus = "DISCREPANCY" // 待处理
	DiscrepancyStatusResolved DiscrepancyStatus = "RESOLVED"    // 已解决
	DiscrepancyStatusIgnored  DiscrepancyStatus = "IGNORED"     // 已忽略
)

// ReconciliationDiscrepancy 被拒绝应用的链上事件.
// 链上已经发生但会破坏链下守恒关系 (例如释放超过存入) 的事件记录在这里等待人工处理.
type ReconciliationDiscrepancy struct {
	ID         string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ListenerID string            `gorm:"column:listener_id;type:varchar(64);not null" json:"listener_id"`
	EventType  EventType         `gorm:"column:event_type;type:varchar(30);not null" json:"event_type"`
	SubjectKey string            `gorm:"column:subject_key;type:varchar(78);index;not null" json:"subject_key"` // contract project id 或开发者地址
	TxHash     string            `gorm:"column:tx_hash;type:varchar(66);uniqueIndex:uk_discrepancy_log;not null" json:"tx_hash"`
	LogIndex   uint32            `gorm:"column:log_index;type:int;uniqueIndex:uk_discrepancy_log;not null" json:"log_index"`
	Block      uint64            `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	Expected   decimal.Decimal   `gorm:"column:expected;type:decimal(36,6);not null" json:"expected"` // 链下可用额
	Actual     decimal.Decimal   `gorm:"column:actual;type:decimal(36,6);not null" json:"actual"`     // 事件金额
	Reason     string            `gorm:"column:reason;type:varchar(500);not null" json:"reason"`
	Status     DiscrepancyStatus `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	Resolution string            `gorm:"column:resolution;type:varchar(500)" json:"resolution"`
	ResolvedBy string            `gorm:"column:resolved_by;type:varchar(42)" json:"resolved_by"`
	ResolvedAt int64             `gorm:"column:resolved_at;type:bigint" json:"resolved_at"`
	CreatedAt  int64             `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (ReconciliationDiscrepancy) TableName() string {
	return "reconciliation_discrepancies"
}

// Difference 超出部分
func (d *ReconciliationDiscrepancy) Difference() decimal.Decimal {
	return d.Actual.Sub(d.Expected)
}
