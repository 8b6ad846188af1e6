package model

import "math"

// BlockFullyProcessed 表示检查点所在区块已全部处理完毕
const BlockFullyProcessed uint32 = math.MaxUint32

// SyncCheckpoint 监听器同步检查点, 每个监听器一行, 只增不减
type SyncCheckpoint struct {
	ID                   int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ListenerID           string `gorm:"column:listener_id;type:varchar(64);uniqueIndex;not null" json:"listener_id"`
	ContractAddress      string `gorm:"column:contract_address;type:varchar(42);not null" json:"contract_address"`
	LastProcessedBlock   uint64 `gorm:"column:last_processed_block;type:bigint;not null" json:"last_processed_block"`
	LastProcessedTxIndex uint32 `gorm:"column:last_processed_tx_index;type:bigint;not null" json:"last_processed_tx_index"`
	CreatedAt            int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt            int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (SyncCheckpoint) TableName() string {
	return "sync_checkpoints"
}

// BlockComplete 检查点区块是否已完整处理
func (c *SyncCheckpoint) BlockComplete() bool {
	return c.LastProcessedTxIndex == BlockFullyProcessed
}

// ResumeBlock 重启后应从哪个区块开始扫描.
// 区块未完整处理时从同一区块重扫, 已处理部分由账本唯一约束吸收.
func (c *SyncCheckpoint) ResumeBlock() uint64 {
	if c.BlockComplete() {
		return c.LastProcessedBlock + 1
	}
	return c.LastProcessedBlock
}

// Before 当前检查点是否严格早于 (block, txIndex)
func (c *SyncCheckpoint) Before(block uint64, txIndex uint32) bool {
	if c.LastProcessedBlock != block {
		return c.LastProcessedBlock < block
	}
	return c.LastProcessedTxIndex < txIndex
}
