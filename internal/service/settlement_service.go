package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Njuhobby/0xElite/internal/contract"
	"github.com/Njuhobby/0xElite/internal/metrics"
	"github.com/Njuhobby/0xElite/internal/model"
	"github.com/Njuhobby/0xElite/internal/repository"
	"github.com/Njuhobby/0xElite/pkg/alert"
	"github.com/Njuhobby/0xElite/pkg/logger"
)

var (
	ErrEscrowFrozen          = errors.New("escrow account is frozen")
	ErrTxReverted            = errors.New("transaction reverted")
	ErrReceiptTimeout        = errors.New("timed out waiting for receipt")
	ErrSettlementNotObserved = errors.New("settlement not yet recorded in ledger")
	ErrFeeCollectionPending  = errors.New("milestone released but platform fee collection failed")
)

const (
	settleActionRelease = "release"
	settleActionFee     = "fee"

	settlementLockPrefix = "settlement:"
)

// TxBackend 结算交易需要的链客户端能力, 由 blockchain.Client 实现
type TxBackend interface {
	bind.DeployBackend
	Address() common.Address
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SignTransaction(tx *types.Transaction) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// SubmitLocker 串行化同一签名地址的提交, 由 lock.RedisLocker 实现
type SubmitLocker interface {
	WithLockRetry(ctx context.Context, key string, retryInterval time.Duration, maxRetries int, fn func(ctx context.Context) error) error
}

// PaymentLedger 结算服务读取的账本视图
type PaymentLedger interface {
	GetAccountByContractID(ctx context.Context, contractProjectID string) (*model.EscrowAccount, error)
	GetPaymentByTxHash(ctx context.Context, txHash string) (*model.PaymentHistoryEntry, error)
}

// SettlementConfig 结算配置
type SettlementConfig struct {
	ReceiptTimeout     time.Duration
	LedgerAwaitTimeout time.Duration
	LedgerPollInterval time.Duration
	FeeRetryAttempts   int
	FeeRetryDelay      time.Duration
	LockRetryInterval  time.Duration
	LockMaxRetries     int
}

// SettlementRequest 一次里程碑结算
type SettlementRequest struct {
	ContractProjectID *big.Int
	Developer         common.Address
	Amount            decimal.Decimal
	PlatformFee       decimal.Decimal
}

// SettlementResult 结算结果. 只有 Payment 非空时链下账本才已经记账;
// 返回 ErrFeeCollectionPending 时 FeeTxHash 非空表示手续费交易已广播但未确认成功
type SettlementResult struct {
	ReleaseTxHash string
	FeeTxHash     string
	Payment       *model.PaymentHistoryEntry
	Fee           *model.PaymentHistoryEntry
}

// SettlementService 发起资金释放交易.
// 这里只负责提交并等待上链, 链下记账完全由对账引擎观察事件完成.
type SettlementService struct {
	backend TxBackend
	escrow  *contract.EscrowVaultContract
	gas     *contract.GasEstimator
	ledger  PaymentLedger
	locker  SubmitLocker
	alerter alert.Alerter
	cfg     SettlementConfig
}

// NewSettlementService 创建结算服务
func NewSettlementService(
	backend TxBackend,
	escrow *contract.EscrowVaultContract,
	gas *contract.GasEstimator,
	ledger PaymentLedger,
	locker SubmitLocker,
	alerter alert.Alerter,
	cfg SettlementConfig,
) *SettlementService {
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 5 * time.Minute
	}
	if cfg.LedgerAwaitTimeout == 0 {
		cfg.LedgerAwaitTimeout = 2 * time.Minute
	}
	if cfg.LedgerPollInterval == 0 {
		cfg.LedgerPollInterval = time.Second
	}
	if cfg.FeeRetryAttempts == 0 {
		cfg.FeeRetryAttempts = 3
	}
	if cfg.FeeRetryDelay == 0 {
		cfg.FeeRetryDelay = 5 * time.Second
	}
	if cfg.LockRetryInterval == 0 {
		cfg.LockRetryInterval = 200 * time.Millisecond
	}
	if cfg.LockMaxRetries == 0 {
		cfg.LockMaxRetries = 50
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter()
	}
	return &SettlementService{
		backend: backend,
		escrow:  escrow,
		gas:     gas,
		ledger:  ledger,
		locker:  locker,
		alerter: alerter,
		cfg:     cfg,
	}
}

// ReleaseMilestonePayment 提交 release 交易并等待上链, 返回交易哈希.
// 返回成功不代表链下已记账, 需要时调用 AwaitSettlement.
func (s *SettlementService) ReleaseMilestonePayment(ctx context.Context, contractProjectID *big.Int, developer common.Address, amount decimal.Decimal) (string, error) {
	if err := s.checkAccount(ctx, contractProjectID); err != nil {
		return "", err
	}
	data, err := s.escrow.PackRelease(contractProjectID, developer, amount)
	if err != nil {
		return "", fmt.Errorf("pack release: %w", err)
	}

	logger.Info("submitting milestone release",
		zap.String("contract_project_id", contractProjectID.String()),
		zap.String("developer", developer.Hex()),
		zap.String("amount", amount.String()))
	return s.submit(ctx, settleActionRelease, data)
}

// CollectPlatformFee 提交 releaseFee 交易并等待上链
func (s *SettlementService) CollectPlatformFee(ctx context.Context, contractProjectID *big.Int, fee decimal.Decimal) (string, error) {
	if err := s.checkAccount(ctx, contractProjectID); err != nil {
		return "", err
	}
	data, err := s.escrow.PackReleaseFee(contractProjectID, fee)
	if err != nil {
		return "", fmt.Errorf("pack release fee: %w", err)
	}

	logger.Info("submitting platform fee collection",
		zap.String("contract_project_id", contractProjectID.String()),
		zap.String("fee", fee.String()))
	return s.submit(ctx, settleActionFee, data)
}

// AwaitSettlement 轮询账本直到对账引擎记录了该交易
func (s *SettlementService) AwaitSettlement(ctx context.Context, txHash string) (*model.PaymentHistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerAwaitTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.LedgerPollInterval)
	defer ticker.Stop()

	for {
		entry, err := s.ledger.GetPaymentByTxHash(ctx, txHash)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, repository.ErrPaymentNotFound) && ctx.Err() == nil {
			logger.Warn("ledger lookup failed", zap.String("tx_hash", txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrSettlementNotObserved, txHash)
		case <-ticker.C:
		}
	}
}

// SettleMilestone 释放里程碑款项并收取平台费, 两笔交易都被账本记录后才算完成.
// release 上链后手续费一直失败时返回 ErrFeeCollectionPending, release 不回滚.
func (s *SettlementService) SettleMilestone(ctx context.Context, req *SettlementRequest) (*SettlementResult, error) {
	releaseTx, err := s.ReleaseMilestonePayment(ctx, req.ContractProjectID, req.Developer, req.Amount)
	if err != nil {
		return nil, err
	}
	result := &SettlementResult{ReleaseTxHash: releaseTx}

	if req.PlatformFee.IsPositive() {
		feeTx, err := s.collectFeeWithRetry(ctx, req)
		result.FeeTxHash = feeTx
		if err != nil {
			logger.Error("platform fee collection failed after release",
				zap.String("contract_project_id", req.ContractProjectID.String()),
				zap.String("release_tx", releaseTx),
				zap.String("fee_tx", feeTx),
				zap.Error(err))
			s.alerter.SendAsync(context.Background(), &alert.Alert{
				Title: "Platform fee collection pending",
				Message: fmt.Sprintf("project %s: release %s mined but fee %s USDC could not be collected (fee tx %q): %v",
					req.ContractProjectID.String(), releaseTx, req.PlatformFee.String(), feeTx, err),
				Severity: alert.SeverityCritical,
				Tags:     map[string]string{"contract_project_id": req.ContractProjectID.String(), "tx_hash": releaseTx},
			})
			return result, fmt.Errorf("%w: %v", ErrFeeCollectionPending, err)
		}
	}

	if result.Payment, err = s.AwaitSettlement(ctx, releaseTx); err != nil {
		return result, err
	}
	if result.FeeTxHash != "" {
		if result.Fee, err = s.AwaitSettlement(ctx, result.FeeTxHash); err != nil {
			return result, err
		}
	}
	return result, nil
}

// collectFeeWithRetry 只重试广播之前的失败. 交易一旦广播 (回执超时或回滚),
// 再签一笔新 nonce 的 releaseFee 可能重复收费, 直接返回该交易哈希交给人工处理.
func (s *SettlementService) collectFeeWithRetry(ctx context.Context, req *SettlementRequest) (string, error) {
	var txHash string
	attempt := 0
	op := func() error {
		attempt++
		hash, err := s.CollectPlatformFee(ctx, req.ContractProjectID, req.PlatformFee)
		if err != nil {
			if hash != "" {
				txHash = hash
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrEscrowFrozen) || errors.Is(err, ErrEscrowAccountNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		txHash = hash
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.FeeRetryDelay), uint64(s.cfg.FeeRetryAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		logger.Warn("fee collection failed, retrying",
			zap.String("contract_project_id", req.ContractProjectID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("next", next),
			zap.Error(err))
	})
	return txHash, err
}

// checkAccount 链下账户未知或已冻结时拒绝提交
func (s *SettlementService) checkAccount(ctx context.Context, contractProjectID *big.Int) error {
	if contractProjectID == nil {
		return contract.ErrInvalidProjectID
	}
	account, err := s.ledger.GetAccountByContractID(ctx, contractProjectID.String())
	if errors.Is(err, repository.ErrEscrowAccountNotFound) {
		return fmt.Errorf("%w: contract project %s", ErrEscrowAccountNotFound, contractProjectID.String())
	}
	if err != nil {
		return err
	}
	if account.IsFrozen {
		return fmt.Errorf("%w: project %s", ErrEscrowFrozen, account.ProjectID)
	}
	return nil
}

// submit 在提交锁内估算、签名、广播, 锁外等待回执
func (s *SettlementService) submit(ctx context.Context, action string, data []byte) (string, error) {
	start := time.Now()
	from := s.backend.Address()
	to := s.escrow.Address()

	var signed *types.Transaction
	err := s.locker.WithLockRetry(ctx, settlementLockPrefix+strings.ToLower(from.Hex()), s.cfg.LockRetryInterval, s.cfg.LockMaxRetries,
		func(ctx context.Context) error {
			estimate, err := s.gas.Estimate(ctx, from, to, data)
			if err != nil {
				return fmt.Errorf("estimate gas: %w", err)
			}
			nonce, err := s.backend.PendingNonceAt(ctx, from)
			if err != nil {
				return fmt.Errorf("pending nonce: %w", err)
			}

			tx := types.NewTransaction(nonce, to, big.NewInt(0), estimate.GasLimit, estimate.GasPrice, data)
			signed, err = s.backend.SignTransaction(tx)
			if err != nil {
				return fmt.Errorf("sign transaction: %w", err)
			}
			if err := s.backend.SendTransaction(ctx, signed); err != nil {
				if strings.Contains(err.Error(), "nonce too low") {
					s.gas.InvalidateCache()
				}
				return fmt.Errorf("send transaction: %w", err)
			}
			metrics.UpdateGasPrice(weiToGwei(estimate.GasPrice))
			return nil
		})
	if err != nil {
		metrics.RecordSettlement(action, "failed", 0)
		logger.Error("settlement submission failed", zap.String("action", action), zap.Error(err))
		return "", err
	}

	txHash := signed.Hash().Hex()
	logger.Info("settlement transaction sent",
		zap.String("action", action),
		zap.String("tx_hash", txHash),
		zap.Uint64("nonce", signed.Nonce()))

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, s.backend, signed)
	if err != nil {
		metrics.RecordSettlement(action, "failed", 0)
		return txHash, fmt.Errorf("%w: %s: %v", ErrReceiptTimeout, txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.RecordSettlement(action, "reverted", time.Since(start).Seconds())
		logger.Error("settlement transaction reverted",
			zap.String("action", action),
			zap.String("tx_hash", txHash),
			zap.Uint64("block", receipt.BlockNumber.Uint64()))
		return txHash, fmt.Errorf("%w: %s", ErrTxReverted, txHash)
	}

	metrics.RecordSettlement(action, "mined", time.Since(start).Seconds())
	logger.Info("settlement transaction mined",
		zap.String("action", action),
		zap.String("tx_hash", txHash),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.Uint64("gas_used", receipt.GasUsed))
	return txHash, nil
}

func weiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(wei, -9).Float64()
	return f
}
