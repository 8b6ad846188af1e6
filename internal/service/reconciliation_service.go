// Package service 提供链上事件同步与结算服务
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Njuhobby/0xElite/internal/contract"
	"github.com/Njuhobby/0xElite/internal/model"
	"github.com/Njuhobby/0xElite/internal/repository"
	"github.com/Njuhobby/0xElite/pkg/alert"
	"github.com/Njuhobby/0xElite/pkg/logger"
)

var (
	ErrProjectNotFound       = errors.New("project not found for contract project id")
	ErrDeveloperNotFound     = errors.New("developer not found for wallet")
	ErrEscrowAccountNotFound = errors.New("escrow account not found")
	ErrConservationViolation = errors.New("event would break escrow conservation")
	ErrLedgerCollision       = errors.New("tx hash already recorded for a different log")
	ErrUnsupportedEvent      = errors.New("unsupported domain event")
)

// IsStructural 结构性错误: 重试无法修复, 跳过该事件并计数告警
func IsStructural(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrDeveloperNotFound) ||
		errors.Is(err, ErrEscrowAccountNotFound) ||
		errors.Is(err, ErrConservationViolation) ||
		errors.Is(err, ErrLedgerCollision) ||
		errors.Is(err, ErrUnsupportedEvent) ||
		contract.IsMalformedPayload(err)
}

// ApplyOutcome 事件应用结果
type ApplyOutcome string

const (
	OutcomeApplied   ApplyOutcome = "applied"
	OutcomeDuplicate ApplyOutcome = "duplicate" // 账本已有该交易, 零效果
)

// ApplyResult 单个事件的应用结果
type ApplyResult struct {
	Outcome       ApplyOutcome
	EventType     model.EventType
	TxHash        string
	Notifications []*model.Notification
}

// Notifier 事务提交后的异步通知出口, 队列满时返回 false
type Notifier interface {
	Enqueue(n *model.Notification) bool
}

// TxRunner 事务执行器
type TxRunner interface {
	TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error
}

// ReconciliationConfig 对账引擎配置
type ReconciliationConfig struct {
	RequiredStake decimal.Decimal // 开发者激活所需质押
	TxRetries     int             // 死锁/序列化失败时的事务重试次数
}

// ReconciliationService 对账引擎: 把单个链上事件原子地应用到链下状态.
// 账本 tx_hash 唯一约束是幂等边界, 重复投递的事件零效果提交.
type ReconciliationService struct {
	tx              TxRunner
	escrowRepo      repository.EscrowRepository
	developerRepo   repository.DeveloperRepository
	discrepancyRepo repository.DiscrepancyRepository
	notifier        Notifier
	alerter         alert.Alerter
	cfg             ReconciliationConfig
}

// NewReconciliationService 创建对账引擎
func NewReconciliationService(
	tx TxRunner,
	escrowRepo repository.EscrowRepository,
	developerRepo repository.DeveloperRepository,
	discrepancyRepo repository.DiscrepancyRepository,
	notifier Notifier,
	alerter alert.Alerter,
	cfg ReconciliationConfig,
) *ReconciliationService {
	if cfg.TxRetries <= 0 {
		cfg.TxRetries = 3
	}
	if cfg.RequiredStake.IsZero() {
		cfg.RequiredStake = decimal.NewFromInt(150)
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter()
	}
	return &ReconciliationService{
		tx:              tx,
		escrowRepo:      escrowRepo,
		developerRepo:   developerRepo,
		discrepancyRepo: discrepancyRepo,
		notifier:        notifier,
		alerter:         alerter,
		cfg:             cfg,
	}
}

// discrepancyError 携带需要落库的差异记录
type discrepancyError struct {
	record *model.ReconciliationDiscrepancy
	err    error
}

func (e *discrepancyError) Error() string {
	return fmt.Sprintf("%s: %s", e.err.Error(), e.record.Reason)
}

func (e *discrepancyError) Unwrap() error {
	return e.err
}

// application 单次事件应用的上下文
type application struct {
	listenerID string
	meta       model.EventMeta
	eventType  model.EventType
	result     *ApplyResult
}

func (a *application) txHash() string {
	return a.meta.TxHash.Hex()
}

func (a *application) reject(sentinel error, subject string, expected, actual decimal.Decimal, reason string) error {
	return &discrepancyError{
		err: sentinel,
		record: &model.ReconciliationDiscrepancy{
			ListenerID: a.listenerID,
			EventType:  a.eventType,
			SubjectKey: subject,
			TxHash:     a.txHash(),
			LogIndex:   a.meta.LogIndex,
			Block:      a.meta.BlockNumber,
			Expected:   expected,
			Actual:     actual,
			Reason:     reason,
		},
	}
}

func (a *application) notify(typ model.NotificationType, key string, payload map[string]string) {
	a.result.Notifications = append(a.result.Notifications, &model.Notification{
		Type:    typ,
		Key:     key,
		Payload: payload,
		TxHash:  a.txHash(),
	})
}

func (a *application) fields() []zap.Field {
	return []zap.Field{
		zap.String("listener", a.listenerID),
		zap.String("event", string(a.eventType)),
		zap.String("tx_hash", a.txHash()),
		zap.Uint64("block", a.meta.BlockNumber),
		zap.Uint32("log_index", a.meta.LogIndex),
	}
}

// Apply 在一个事务内应用事件. 结构性错误见 IsStructural, 其余错误视为暂时性错误由调用方重试.
func (s *ReconciliationService) Apply(ctx context.Context, listenerID string, ev model.DomainEvent) (*ApplyResult, error) {
	a := &application{
		listenerID: listenerID,
		meta:       ev.Meta(),
		eventType:  ev.Type(),
	}

	err := s.tx.TransactionWithRetry(ctx, s.cfg.TxRetries, func(txCtx context.Context) error {
		a.result = &ApplyResult{
			Outcome:   OutcomeApplied,
			EventType: a.eventType,
			TxHash:    a.txHash(),
		}
		switch e := ev.(type) {
		case model.DepositedEvent:
			return s.applyDeposited(txCtx, a, e)
		case model.ReleasedEvent:
			return s.applyReleased(txCtx, a, e)
		case model.FeesCollectedEvent:
			return s.applyFeesCollected(txCtx, a, e)
		case model.FrozenEvent:
			return s.applyFrozen(txCtx, a, e)
		case model.UnfrozenEvent:
			return s.applyUnfrozen(txCtx, a, e)
		case model.DisputeResolvedEvent:
			return s.applyDisputeResolved(txCtx, a, e)
		case model.StakedEvent:
			return s.applyStaked(txCtx, a, e)
		case model.UnstakedEvent:
			return s.applyUnstaked(txCtx, a, e)
		default:
			return fmt.Errorf("%w: %T", ErrUnsupportedEvent, ev)
		}
	})
	if err != nil {
		var de *discrepancyError
		if errors.As(err, &de) {
			s.recordDiscrepancy(ctx, a, de)
		}
		return nil, err
	}

	if a.result.Outcome == OutcomeDuplicate {
		logger.Debug("duplicate event, nothing to apply", a.fields()...)
		return a.result, nil
	}

	for _, n := range a.result.Notifications {
		if s.notifier != nil {
			s.notifier.Enqueue(n)
		}
	}
	logger.Info("event applied", a.fields()...)
	return a.result, nil
}

// recordDiscrepancy 在独立事务中记录差异, 主事务已回滚
func (s *ReconciliationService) recordDiscrepancy(ctx context.Context, a *application, de *discrepancyError) {
	fields := append(a.fields(), zap.String("reason", de.record.Reason),
		zap.String("expected", de.record.Expected.String()),
		zap.String("actual", de.record.Actual.String()))
	logger.Error("event rejected, recording discrepancy", fields...)

	if _, err := s.discrepancyRepo.Record(ctx, de.record); err != nil {
		logger.Error("failed to record discrepancy", append(fields, zap.Error(err))...)
	}

	s.alerter.SendAsync(ctx, &alert.Alert{
		Title:    "Reconciliation discrepancy",
		Message:  fmt.Sprintf("%s %s rejected: %s", a.eventType, a.txHash(), de.record.Reason),
		Severity: alert.SeverityCritical,
		Tags: map[string]string{
			"listener": a.listenerID,
			"subject":  de.record.SubjectKey,
			"tx_hash":  a.txHash(),
		},
	})
}

func (s *ReconciliationService) project(ctx context.Context, contractProjectID *big.Int) (*model.Project, error) {
	project, err := s.escrowRepo.GetProjectByContractID(ctx, contractProjectID.String())
	if errors.Is(err, repository.ErrProjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, contractProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// lockedAccount 加行锁读取托管账户, 不存在时返回 nil
func (s *ReconciliationService) lockedAccount(ctx context.Context, projectID string) (*model.EscrowAccount, error) {
	account, err := s.escrowRepo.GetAccount(ctx, projectID, &repository.QueryOptions{ForUpdate: true})
	if errors.Is(err, repository.ErrEscrowAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow account: %w", err)
	}
	return account, nil
}

// insertPayment 写入账本; 返回 true 表示该日志已应用过
func (s *ReconciliationService) insertPayment(ctx context.Context, a *application, entry *model.PaymentHistoryEntry) (bool, error) {
	entry.TxHash = a.txHash()
	entry.BlockNumber = a.meta.BlockNumber
	entry.LogIndex = a.meta.LogIndex

	inserted, err := s.escrowRepo.InsertPayment(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("insert payment history: %w", err)
	}
	if inserted {
		return false, nil
	}

	existing, err := s.escrowRepo.GetPaymentByTxHash(ctx, entry.TxHash)
	if err != nil {
		return false, fmt.Errorf("load existing payment history: %w", err)
	}
	if existing.LogIndex != a.meta.LogIndex {
		return false, a.reject(ErrLedgerCollision, entry.ProjectID, decimal.Zero, entry.Amount,
			fmt.Sprintf("tx already recorded as %s at log %d", existing.TransactionType, existing.LogIndex))
	}
	a.result.Outcome = OutcomeDuplicate
	return true, nil
}

// checkRelease 守恒校验: totalReleased + amount <= totalDeposited
func (s *ReconciliationService) checkRelease(a *application, subject string, account *model.EscrowAccount, amount decimal.Decimal) error {
	if account == nil {
		return a.reject(ErrConservationViolation, subject, decimal.Zero, amount, "release without escrow deposit")
	}
	if !account.CanRelease(amount) {
		return a.reject(ErrConservationViolation, subject, account.Available(), amount,
			fmt.Sprintf("release of %s exceeds available %s", amount, account.Available()))
	}
	return nil
}

func (s *ReconciliationService) applyDeposited(ctx context.Context, a *application, e model.DepositedEvent) error {
	project, err := s.project(ctx, e.ContractProjectID)
	if err != nil {
		return err
	}

	depositedAt := eventMillis(e.Timestamp, a.meta)
	duplicate, err := s.insertPayment(ctx, a, &model.PaymentHistoryEntry{
		ProjectID:       project.ID,
		TransactionType: model.PaymentTypeDeposit,
		Amount:          e.Amount,
		FromAddress:     addressString(e.Client),
		ToAddress:       addressString(a.meta.Contract),
		BlockTimestamp:  depositedAt,
	})
	if err != nil || duplicate {
		return err
	}

	created, err := s.escrowRepo.EnsureAccount(ctx, &model.EscrowAccount{
		ProjectID:         project.ID,
		ContractProjectID: e.ContractProjectID.String(),
		ClientAddress:     addressString(e.Client),
		TotalDeposited:    decimal.Zero,
		TotalReleased:     decimal.Zero,
		DepositTxHash:     a.txHash(),
	})
	if err != nil {
		return fmt.Errorf("ensure escrow account: %w", err)
	}
	if err := s.escrowRepo.AddDeposited(ctx, project.ID, e.Amount); err != nil {
		return fmt.Errorf("add deposited: %w", err)
	}
	if err := s.escrowRepo.MarkProjectFunded(ctx, project.ID, a.txHash(), depositedAt); err != nil {
		return fmt.Errorf("mark project funded: %w", err)
	}

	logger.Debug("escrow deposit recorded", append(a.fields(),
		zap.String("project_id", project.ID),
		zap.String("amount", e.Amount.String()),
		zap.Bool("account_created", created))...)
	return nil
}

func (s *ReconciliationService) applyReleased(ctx context.Context, a *application, e model.ReleasedEvent) error {
	project, err := s.project(ctx, e.ContractProjectID)
	if err != nil {
		return err
	}
	account, err := s.lockedAccount(ctx, project.ID)
	if err != nil {
		return err
	}
	milestone, err := s.escrowRepo.FindPayableMilestone(ctx, project.ID)
	if err != nil && !errors.Is(err, repository.ErrMilestoneNotFound) {
		return fmt.Errorf("find payable milestone: %w", err)
	}

	var milestoneID *string
	if milestone != nil {
		milestoneID = &milestone.ID
	}
	paidAt := eventMillis(e.Timestamp, a.meta)
	duplicate, err := s.insertPayment(ctx, a, &model.PaymentHistoryEntry{
		ProjectID:       project.ID,
		MilestoneID:     milestoneID,
		TransactionType: model.PaymentTypeRelease,
		Amount:          e.Amount,
		FromAddress:     addressString(a.meta.Contract),
		ToAddress:       addressString(e.Developer),
		BlockTimestamp:  paidAt,
	})
	if err != nil || duplicate {
		return err
	}
	if err := s.checkRelease(a, e.ContractProjectID.String(), account, e.Amount); err != nil {
		return err
	}

	if account.IsFrozen {
		// 链上已经放款, 链下冻结标记只做提示
		logger.Warn("release observed while escrow is frozen", append(a.fields(), zap.String("project_id", project.ID))...)
	}
	if err := s.escrowRepo.AddReleased(ctx, project.ID, e.Amount); err != nil {
		return fmt.Errorf("add released: %w", err)
	}

	if milestone == nil {
		logger.Warn("no payable milestone for release, ledger entry left unlinked",
			append(a.fields(), zap.String("project_id", project.ID))...)
		return nil
	}
	if _, err := s.escrowRepo.MarkMilestonePaid(ctx, milestone.ID, e.Amount, a.txHash(), paidAt); err != nil {
		return fmt.Errorf("mark milestone paid: %w", err)
	}

	a.notify(model.NotificationMilestonePaid, project.ID, map[string]string{
		"project_id":   project.ID,
		"milestone_id": milestone.ID,
		"developer":    addressString(e.Developer),
		"amount":       e.Amount.String(),
	})
	return nil
}

func (s *ReconciliationService) applyFeesCollected(ctx context.Context, a *application, e model.FeesCollectedEvent) error {
	project, err := s.project(ctx, e.ContractProjectID)
	if err != nil {
		return err
	}
	account, err := s.lockedAccount(ctx, project.ID)
	if err != nil {
		return err
	}

	var milestoneID *string
	release, err := s.escrowRepo.LatestReleasePayment(ctx, project.ID)
	switch {
	case err == nil:
		milestoneID = release.MilestoneID
	case !errors.Is(err, repository.ErrPaymentNotFound):
		return fmt.Errorf("latest release payment: %w", err)
	}

	duplicate, err := s.insertPayment(ctx, a, &model.PaymentHistoryEntry{
		ProjectID:       project.ID,
		MilestoneID:     milestoneID,
		TransactionType: model.PaymentTypeFeeCollection,
		Amount:          e.FeeAmount,
		FromAddress:     addressString(a.meta.Contract),
		ToAddress:       addressString(e.Treasury),
		BlockTimestamp:  eventMillis(e.Timestamp, a.meta),
	})
	if err != nil || duplicate {
		return err
	}
	if err := s.checkRelease(a, e.ContractProjectID.String(), account, e.FeeAmount); err != nil {
		return err
	}

	if err := s.escrowRepo.AddReleased(ctx, project.ID, e.FeeAmount); err != nil {
		return fmt.Errorf("add released: %w", err)
	}
	if milestoneID == nil {
		logger.Warn("no release to attach platform fee to", append(a.fields(), zap.String("project_id", project.ID))...)
		return nil
	}
	if _, err := s.escrowRepo.SetMilestonePlatformFee(ctx, *milestoneID, e.FeeAmount); err != nil {
		return fmt.Errorf("set milestone platform fee: %w", err)
	}
	return nil
}

func (s *ReconciliationService) applyFrozen(ctx context.Context, a *application, e model.FrozenEvent) error {
	project, err := s.project(ctx, e.ContractProjectID)
	if err != nil {
		return err
	}

	frozenAt := eventMillis(e.Timestamp, a.meta)
	duplicate, err := s.insertPayment(ctx, a, &model.PaymentHistoryEntry{
		ProjectID:       project.ID,
		TransactionType: model.PaymentTypeFreeze,
		Amount:          decimal.Zero,
		FromAddress:     addressString(e.FrozenBy),
		ToAddress:       addressString(a.meta.Contract),
		BlockTimestamp:  frozenAt,
		Notes:           "Escrow frozen due to dispute",
	})
	if err != nil || duplicate {
		return err
	}

	if err := s.escrowRepo.SetFrozen(ctx, project.ID, frozenAt, addressString(e.FrozenBy)); err != nil {
		return accountError("set frozen", e.ContractProjectID, err)
	}
	a.notify(model.NotificationEscrowFrozen, project.ID, map[string]string{
		"project_id": project.ID,
		"frozen_by":  addressString(e.FrozenBy),
	})
	return nil
}

func (s *ReconciliationService) applyUnfrozen(ctx context.Context, a *application, e model.UnfrozenEvent) error {
	project, err := s.project(ctx, e.ContractProjectID)
	if err != nil {
		return err
	}

	duplicate, err := s.insertPayment(ctx, a, &model.PaymentHistoryEntry{
		ProjectID:       project.ID,
		TransactionType: model.PaymentTypeUnfreeze,
		Amount:          decimal.Zero,
		FromAddress:     addressString(a.meta.Contract),
		ToAddress:       addressString(a.meta.Contract),
		BlockTimestamp:  eventMillis(e.Timestamp, a.meta),
		Notes:           "Escrow unfrozen after dispute resolution",
	})
	if err != nil || duplicate {
		return err
	}

	if err := s.escrowRepo.ClearFrozen(ctx, project.ID); err != nil {
		return accountError("clear frozen", e.ContractProjectID, err)
	}
	return nil
}

func (s *ReconciliationService) applyDisputeResolved(ctx context.Context, a *application, e model.DisputeResolvedEvent) error {
	project, err := s.project(ctx, e.ContractProjectID)
	if err != nil {
		return err
	}
	account, err := s.lockedAccount(ctx, project.ID)
	if err != nil {
		return err
	}

	total := e.Total()
	duplicate, err := s.insertPayment(ctx, a, &model.PaymentHistoryEntry{
		ProjectID:       project.ID,
		TransactionType: model.PaymentTypeDisputeResolution,
		Amount:          total,
		FromAddress:     addressString(a.meta.Contract),
		ToAddress:       strings.ToLower(project.ClientAddress),
		BlockTimestamp:  eventMillis(e.Timestamp, a.meta),
		Notes: fmt.Sprintf("Dispute resolved: client %s USDC, developer %s USDC",
			e.ClientShare.String(), e.DeveloperShare.String()),
	})
	if err != nil || duplicate {
		return err
	}
	if err := s.checkRelease(a, e.ContractProjectID.String(), account, total); err != nil {
		return err
	}

	if err := s.escrowRepo.SettleDispute(ctx, project.ID, total); err != nil {
		return accountError("settle dispute", e.ContractProjectID, err)
	}
	a.notify(model.NotificationDisputeResolved, project.ID, map[string]string{
		"project_id":      project.ID,
		"client_share":    e.ClientShare.String(),
		"developer_share": e.DeveloperShare.String(),
	})
	return nil
}

func (s *ReconciliationService) developer(ctx context.Context, wallet common.Address) (*model.Developer, error) {
	developer, err := s.developerRepo.GetByWallet(ctx, wallet.Hex(), &repository.QueryOptions{ForUpdate: true})
	if errors.Is(err, repository.ErrDeveloperNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDeveloperNotFound, addressString(wallet))
	}
	if err != nil {
		return nil, fmt.Errorf("get developer: %w", err)
	}
	return developer, nil
}

// insertStakeEntry 写入质押流水; 返回 true 表示该日志已应用过
func (s *ReconciliationService) insertStakeEntry(ctx context.Context, a *application, entry *model.StakeHistoryEntry) (bool, error) {
	entry.TxHash = a.txHash()
	entry.BlockNumber = a.meta.BlockNumber
	entry.LogIndex = a.meta.LogIndex
	entry.BlockTimestamp = model.UnixMilliOf(a.meta.BlockTimestamp)

	inserted, err := s.developerRepo.InsertStakeEntry(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("insert stake history: %w", err)
	}
	if inserted {
		return false, nil
	}

	existing, err := s.developerRepo.GetStakeEntryByTxHash(ctx, entry.TxHash)
	if err != nil {
		return false, fmt.Errorf("load existing stake history: %w", err)
	}
	if existing.LogIndex != a.meta.LogIndex {
		return false, a.reject(ErrLedgerCollision, entry.DeveloperAddress, decimal.Zero, entry.Amount,
			fmt.Sprintf("tx already recorded as %s at log %d", existing.Action, existing.LogIndex))
	}
	a.result.Outcome = OutcomeDuplicate
	return true, nil
}

func (s *ReconciliationService) applyStaked(ctx context.Context, a *application, e model.StakedEvent) error {
	developer, err := s.developer(ctx, e.Developer)
	if err != nil {
		return err
	}

	balance := developer.StakeAmount.Add(e.Amount)
	duplicate, err := s.insertStakeEntry(ctx, a, &model.StakeHistoryEntry{
		DeveloperAddress: developer.WalletAddress,
		Action:           model.StakeActionStake,
		Amount:           e.Amount,
		BalanceAfter:     balance,
	})
	if err != nil || duplicate {
		return err
	}

	status := developer.Status
	activated := status == model.DeveloperStatusPending && balance.GreaterThanOrEqual(s.cfg.RequiredStake)
	if activated {
		status = model.DeveloperStatusActive
	}
	stakedAt := model.UnixMilliOf(a.meta.BlockTimestamp)
	if err := s.developerRepo.UpdateStake(ctx, developer.ID, balance, status, &stakedAt); err != nil {
		return fmt.Errorf("update stake: %w", err)
	}

	if activated {
		a.notify(model.NotificationDeveloperActivated, developer.WalletAddress, map[string]string{
			"wallet_address": developer.WalletAddress,
			"email":          developer.Email,
			"stake_amount":   balance.String(),
		})
	} else if developer.Status == model.DeveloperStatusPending {
		logger.Info("stake below activation threshold", append(a.fields(),
			zap.String("developer", developer.WalletAddress),
			zap.String("stake", balance.String()),
			zap.String("required", s.cfg.RequiredStake.String()))...)
	}
	return nil
}

func (s *ReconciliationService) applyUnstaked(ctx context.Context, a *application, e model.UnstakedEvent) error {
	developer, err := s.developer(ctx, e.Developer)
	if err != nil {
		return err
	}

	balance := developer.StakeAmount.Sub(e.Amount)
	duplicate, err := s.insertStakeEntry(ctx, a, &model.StakeHistoryEntry{
		DeveloperAddress: developer.WalletAddress,
		Action:           model.StakeActionUnstake,
		Amount:           e.Amount,
		BalanceAfter:     balance,
	})
	if err != nil || duplicate {
		return err
	}
	if balance.IsNegative() {
		return a.reject(ErrConservationViolation, developer.WalletAddress, developer.StakeAmount, e.Amount,
			fmt.Sprintf("unstake of %s exceeds recorded stake %s", e.Amount, developer.StakeAmount))
	}

	// 低于门槛不降级
	if err := s.developerRepo.UpdateStake(ctx, developer.ID, balance, developer.Status, nil); err != nil {
		return fmt.Errorf("update stake: %w", err)
	}
	return nil
}

func accountError(op string, contractProjectID *big.Int, err error) error {
	if errors.Is(err, repository.ErrEscrowAccountNotFound) {
		return fmt.Errorf("%s: %w: %s", op, ErrEscrowAccountNotFound, contractProjectID)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func addressString(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// eventMillis 事件自带时间戳优先, 没有时用区块时间
func eventMillis(timestamp uint64, meta model.EventMeta) int64 {
	if timestamp == 0 {
		timestamp = meta.BlockTimestamp
	}
	return model.UnixMilliOf(timestamp)
}
