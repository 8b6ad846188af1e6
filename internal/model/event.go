package model

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// RawEvent 链上原始日志
type RawEvent struct {
	Address        common.Address
	Topics         []common.Hash
	Data           []byte
	BlockNumber    uint64
	BlockHash      common.Hash
	BlockTimestamp uint64 // 秒
	TxHash         common.Hash
	TxIndex        uint32
	LogIndex       uint32
	Removed        bool // 链重组导致日志被移除
}

// Key 同一条日志的唯一标识
func (e RawEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// Position 链上位置
func (e RawEvent) Position() EventPosition {
	return EventPosition{Block: e.BlockNumber, LogIndex: e.LogIndex}
}

// EventPosition 链上顺序: 先区块号, 再区块内 logIndex
type EventPosition struct {
	Block    uint64
	LogIndex uint32
}

// Less 是否排在 other 之前
func (p EventPosition) Less(other EventPosition) bool {
	if p.Block != other.Block {
		return p.Block < other.Block
	}
	return p.LogIndex < other.LogIndex
}

// EventType 领域事件类型
type EventType string

const (
	EventDeposited       EventType = "Deposited"
	EventReleased        EventType = "Released"
	EventFeesCollected   EventType = "FeesCollected"
	EventFrozen          EventType = "Frozen"
	EventUnfrozen        EventType = "Unfrozen"
	EventDisputeResolved EventType = "DisputeResolved"
	EventStaked          EventType = "Staked"
	EventUnstaked        EventType = "Unstaked"
)

// EventMeta 所有领域事件共有的链上元数据
type EventMeta struct {
	Contract       common.Address
	TxHash         common.Hash
	BlockNumber    uint64
	BlockTimestamp uint64 // 秒
	TxIndex        uint32
	LogIndex       uint32
}

// Meta 返回元数据
func (m EventMeta) Meta() EventMeta {
	return m
}

// MetaFromRaw 从原始日志提取元数据
func MetaFromRaw(raw RawEvent) EventMeta {
	return EventMeta{
		Contract:       raw.Address,
		TxHash:         raw.TxHash,
		BlockNumber:    raw.BlockNumber,
		BlockTimestamp: raw.BlockTimestamp,
		TxIndex:        raw.TxIndex,
		LogIndex:       raw.LogIndex,
	}
}

// DomainEvent 解码后的领域事件
type DomainEvent interface {
	Type() EventType
	Meta() EventMeta
}

// DepositedEvent 客户存入托管
type DepositedEvent struct {
	EventMeta
	ContractProjectID *big.Int
	Client            common.Address
	Amount            decimal.Decimal
	Timestamp         uint64
}

func (DepositedEvent) Type() EventType { return EventDeposited }

// ReleasedEvent 里程碑款项释放给开发者
type ReleasedEvent struct {
	EventMeta
	ContractProjectID *big.Int
	Developer         common.Address
	Amount            decimal.Decimal
	Timestamp         uint64
}

func (ReleasedEvent) Type() EventType { return EventReleased }

// FeesCollectedEvent 平台手续费划转到金库
type FeesCollectedEvent struct {
	EventMeta
	ContractProjectID *big.Int
	Treasury          common.Address
	FeeAmount         decimal.Decimal
	Timestamp         uint64
}

func (FeesCollectedEvent) Type() EventType { return EventFeesCollected }

// FrozenEvent 托管冻结
type FrozenEvent struct {
	EventMeta
	ContractProjectID *big.Int
	FrozenBy          common.Address
	Timestamp         uint64
}

func (FrozenEvent) Type() EventType { return EventFrozen }

// UnfrozenEvent 托管解冻
type UnfrozenEvent struct {
	EventMeta
	ContractProjectID *big.Int
	Timestamp         uint64
}

func (UnfrozenEvent) Type() EventType { return EventUnfrozen }

// DisputeResolvedEvent 争议裁决, 两部分份额均可为 0
type DisputeResolvedEvent struct {
	EventMeta
	ContractProjectID *big.Int
	ClientShare       decimal.Decimal
	DeveloperShare    decimal.Decimal
	Timestamp         uint64
}

func (DisputeResolvedEvent) Type() EventType { return EventDisputeResolved }

// Total 本次裁决释放的总额
func (e DisputeResolvedEvent) Total() decimal.Decimal {
	return e.ClientShare.Add(e.DeveloperShare)
}

// StakedEvent 开发者质押
type StakedEvent struct {
	EventMeta
	Developer common.Address
	Amount    decimal.Decimal
}

func (StakedEvent) Type() EventType { return EventStaked }

// UnstakedEvent 开发者取回质押
type UnstakedEvent struct {
	EventMeta
	Developer common.Address
	Amount    decimal.Decimal
}

func (UnstakedEvent) Type() EventType { return EventUnstaked }
