package model

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ErrInvalidSettlementRequest = errors.New("invalid settlement request")

// SettlementRequestMessage 里程碑审批通过后发来的结算请求, Kafka 消息体
type SettlementRequestMessage struct {
	RequestID         string          `json:"request_id"`
	ProjectID         string          `json:"project_id"`
	MilestoneID       string          `json:"milestone_id"`
	ContractProjectID string          `json:"contract_project_id"` // uint256 十进制
	Developer         string          `json:"developer"`
	Amount            decimal.Decimal `json:"amount"`       // USDC
	PlatformFee       decimal.Decimal `json:"platform_fee"` // USDC, 可为 0
	RequestedAt       int64           `json:"requested_at"`
}

// ParsedContractProjectID 解析链上项目 ID
func (m *SettlementRequestMessage) ParsedContractProjectID() (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(m.ContractProjectID), 10)
	if !ok || id.Sign() < 0 {
		return nil, ErrInvalidSettlementRequest
	}
	return id, nil
}

// Validate 校验请求字段
func (m *SettlementRequestMessage) Validate() error {
	if m.RequestID == "" {
		return ErrInvalidSettlementRequest
	}
	if _, err := m.ParsedContractProjectID(); err != nil {
		return err
	}
	if !common.IsHexAddress(m.Developer) {
		return ErrInvalidSettlementRequest
	}
	if !m.Amount.IsPositive() || m.PlatformFee.IsNegative() {
		return ErrInvalidSettlementRequest
	}
	return nil
}

// SettlementStatus 结算结果状态
type SettlementStatus string

const (
	SettlementStatusCompleted  SettlementStatus = "completed"   // release 与 fee 均已记账
	SettlementStatusFeePending SettlementStatus = "fee_pending" // release 已上链, fee 待人工处理
	SettlementStatusFailed     SettlementStatus = "failed"
)
