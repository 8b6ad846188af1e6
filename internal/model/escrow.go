package model

import "github.com/shopspring/decimal"

// UnixMilliOf 链上秒级时间戳转毫秒
func UnixMilliOf(seconds uint64) int64 {
	return int64(seconds) * 1000
}

// ProjectStatus 项目状态
type ProjectStatus string

const (
	ProjectStatusDraft     ProjectStatus = "draft"
	ProjectStatusOpen      ProjectStatus = "open"
	ProjectStatusAssigned  ProjectStatus = "assigned"
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusDisputed  ProjectStatus = "disputed"
)

// Project 项目, 由业务 API 维护, 同步服务只更新托管相关字段
type Project struct {
	ID                  string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ContractProjectID   string        `gorm:"column:contract_project_id;type:varchar(78);uniqueIndex" json:"contract_project_id"`
	ClientAddress       string        `gorm:"column:client_address;type:varchar(42);not null" json:"client_address"`
	AssignedDeveloper   string        `gorm:"column:assigned_developer;type:varchar(42)" json:"assigned_developer"`
	Title               string        `gorm:"column:title;type:varchar(200)" json:"title"`
	Status              ProjectStatus `gorm:"column:status;type:varchar(20);not null" json:"status"`
	EscrowDeposited     bool          `gorm:"column:escrow_deposited;not null;default:false" json:"escrow_deposited"`
	EscrowDepositTxHash *string       `gorm:"column:escrow_deposit_tx_hash;type:varchar(66)" json:"escrow_deposit_tx_hash,omitempty"`
	EscrowDepositedAt   *int64        `gorm:"column:escrow_deposited_at;type:bigint" json:"escrow_deposited_at,omitempty"`
	CreatedAt           int64         `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt           int64         `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Project) TableName() string {
	return "projects"
}

// MilestoneStatus 里程碑状态
type MilestoneStatus string

const (
	MilestoneStatusPending       MilestoneStatus = "pending"
	MilestoneStatusInProgress    MilestoneStatus = "in_progress"
	MilestoneStatusPendingReview MilestoneStatus = "pending_review"
	MilestoneStatusCompleted     MilestoneStatus = "completed"
)

// Milestone 里程碑; 付款字段只会被 Released 事件写入一次
type Milestone struct {
	ID            string              `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ProjectID     string              `gorm:"column:project_id;type:varchar(36);index;not null" json:"project_id"`
	Title         string              `gorm:"column:title;type:varchar(200)" json:"title"`
	Budget        decimal.Decimal     `gorm:"column:budget;type:decimal(36,6);not null" json:"budget"`
	Status        MilestoneStatus     `gorm:"column:status;type:varchar(20);not null" json:"status"`
	SubmittedAt   *int64              `gorm:"column:submitted_at;type:bigint" json:"submitted_at,omitempty"`
	PaymentAmount decimal.NullDecimal `gorm:"column:payment_amount;type:decimal(36,6)" json:"payment_amount"`
	PlatformFee   decimal.NullDecimal `gorm:"column:platform_fee;type:decimal(36,6)" json:"platform_fee"`
	PaymentTxHash *string             `gorm:"column:payment_tx_hash;type:varchar(66)" json:"payment_tx_hash,omitempty"`
	PaidAt        *int64              `gorm:"column:paid_at;type:bigint" json:"paid_at,omitempty"`
	CreatedAt     int64               `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64               `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Milestone) TableName() string {
	return "milestones"
}

// IsPaid 是否已付款
func (m *Milestone) IsPaid() bool {
	return m.PaidAt != nil
}

// EscrowAccount 项目托管账户, 由首个 Deposited 事件创建, 永不删除
type EscrowAccount struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID         string          `gorm:"column:project_id;type:varchar(36);uniqueIndex;not null" json:"project_id"`
	ContractProjectID string          `gorm:"column:contract_project_id;type:varchar(78);index;not null" json:"contract_project_id"`
	ClientAddress     string          `gorm:"column:client_address;type:varchar(42);not null" json:"client_address"`
	TotalDeposited    decimal.Decimal `gorm:"column:total_deposited;type:decimal(36,6);not null" json:"total_deposited"`
	TotalReleased     decimal.Decimal `gorm:"column:total_released;type:decimal(36,6);not null" json:"total_released"`
	DepositTxHash     string          `gorm:"column:deposit_tx_hash;type:varchar(66);not null" json:"deposit_tx_hash"`
	IsFrozen          bool            `gorm:"column:is_frozen;not null;default:false" json:"is_frozen"`
	FrozenAt          *int64          `gorm:"column:frozen_at;type:bigint" json:"frozen_at,omitempty"`
	FrozenBy          *string         `gorm:"column:frozen_by;type:varchar(42)" json:"frozen_by,omitempty"`
	CreatedAt         int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt         int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (EscrowAccount) TableName() string {
	return "escrow_deposits"
}

// Available 剩余可释放金额
func (a *EscrowAccount) Available() decimal.Decimal {
	return a.TotalDeposited.Sub(a.TotalReleased)
}

// CanRelease 释放 amount 后是否仍满足 totalReleased <= totalDeposited
func (a *EscrowAccount) CanRelease(amount decimal.Decimal) bool {
	return a.TotalReleased.Add(amount).LessThanOrEqual(a.TotalDeposited)
}
