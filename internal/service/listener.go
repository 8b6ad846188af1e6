package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/Njuhobby/0xElite/internal/blockchain"
	"github.com/Njuhobby/0xElite/internal/contract"
	"github.com/Njuhobby/0xElite/internal/metrics"
	"github.com/Njuhobby/0xElite/internal/model"
	"github.com/Njuhobby/0xElite/internal/repository"
	"github.com/Njuhobby/0xElite/pkg/alert"
	"github.com/Njuhobby/0xElite/pkg/logger"
)

var (
	ErrListenerRunning    = errors.New("listener already running")
	ErrListenerNotRunning = errors.New("listener not running")
)

// ListenerState 监听器状态
type ListenerState string

const (
	StateStopped      ListenerState = "stopped"
	StateInitializing ListenerState = "initializing"
	StateBackfilling  ListenerState = "backfilling"
	StateLive         ListenerState = "live"
	StateReconnecting ListenerState = "reconnecting"
)

var allListenerStates = []string{
	string(StateStopped), string(StateInitializing), string(StateBackfilling),
	string(StateLive), string(StateReconnecting),
}

// ChainReader 链上日志读取
type ChainReader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, address common.Address, from, to uint64) ([]model.RawEvent, error)
	Subscribe(ctx context.Context, address common.Address) (blockchain.LogStream, error)
}

// EventDecoder 原始日志解码
type EventDecoder interface {
	Decode(raw model.RawEvent) (model.DomainEvent, error)
}

// EventApplier 事件应用, 由对账引擎实现
type EventApplier interface {
	Apply(ctx context.Context, listenerID string, ev model.DomainEvent) (*ApplyResult, error)
}

// Lease 多副本部署时的监听器租约
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Hold(ctx context.Context, onLost func(error))
	Release(ctx context.Context) error
}

// ListenerConfig 监听器配置
type ListenerConfig struct {
	ID                 string
	Contract           common.Address
	StartBlock         uint64
	BatchSize          uint64
	Confirmations      uint64
	PollInterval       time.Duration
	RetryDelay         time.Duration // 退避起点
	RetryMaxDelay      time.Duration // 退避上限
	RetryAttempts      int           // 超过后告警, 继续重试
	AlertOnErrorCount  int
	HealthLagThreshold uint64
	ReconnectDelay     time.Duration
	LeaseRetryInterval time.Duration
}

// ListenerHealth 健康状态
type ListenerHealth struct {
	Listener           string        `json:"listener"`
	State              ListenerState `json:"state"`
	Healthy            bool          `json:"healthy"`
	LastProcessedBlock uint64        `json:"last_processed_block"`
	ChainHead          uint64        `json:"chain_head"`
	Lag                uint64        `json:"lag"`
	ConsecutiveErrors  int           `json:"consecutive_errors"`
	UpdatedAt          int64         `json:"updated_at"`
}

// Listener 单个合约的同步编排器.
// 状态机: Stopped -> Initializing -> Backfilling -> Live -> (Reconnecting -> Initializing | Stopped).
// 一个监听器内部严格串行, 检查点总是在事件事务提交之后写入.
type Listener struct {
	cfg         ListenerConfig
	chain       ChainReader
	decoder     EventDecoder
	applier     EventApplier
	checkpoints repository.CheckpointRepository
	lease       Lease
	alerter     alert.Alerter
	seq         *Sequencer
	log         *zap.Logger

	mu                sync.RWMutex
	state             ListenerState
	lastBlock         uint64
	lastTxIndex       uint32
	chainHead         uint64
	consecutiveErrors int
	updatedAt         int64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewListener 创建监听器
func NewListener(
	cfg ListenerConfig,
	chain ChainReader,
	decoder EventDecoder,
	applier EventApplier,
	checkpoints repository.CheckpointRepository,
	lease Lease,
	alerter alert.Alerter,
) *Listener {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryDelay {
		cfg.RetryMaxDelay = cfg.RetryDelay * 12
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.AlertOnErrorCount <= 0 {
		cfg.AlertOnErrorCount = 5
	}
	if cfg.HealthLagThreshold == 0 {
		cfg.HealthLagThreshold = 100
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = cfg.RetryDelay
	}
	if cfg.LeaseRetryInterval <= 0 {
		cfg.LeaseRetryInterval = cfg.PollInterval
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter()
	}

	return &Listener{
		cfg:         cfg,
		chain:       chain,
		decoder:     decoder,
		applier:     applier,
		checkpoints: checkpoints,
		lease:       lease,
		alerter:     alerter,
		seq:         NewSequencer(0),
		log:         logger.Named("listener").With(zap.String("listener", cfg.ID)),
		state:       StateStopped,
	}
}

// ID 监听器标识
func (l *Listener) ID() string {
	return l.cfg.ID
}

// Start 在后台运行监听器
func (l *Listener) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running {
		return ErrListenerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go func() {
		defer close(l.done)
		l.Run(runCtx)
	}()
	return nil
}

// Stop 停止监听器并等待当前事件处理完
func (l *Listener) Stop() error {
	l.runMu.Lock()
	if !l.running {
		l.runMu.Unlock()
		return ErrListenerNotRunning
	}
	l.cancel()
	done := l.done
	l.running = false
	l.runMu.Unlock()

	<-done
	return nil
}

// Run 阻塞运行直到 ctx 结束
func (l *Listener) Run(ctx context.Context) {
	l.log.Info("listener starting",
		zap.String("contract", l.cfg.Contract.Hex()),
		zap.Uint64("confirmations", l.cfg.Confirmations),
		zap.Uint64("batch_size", l.cfg.BatchSize))

	for ctx.Err() == nil {
		err := l.session(ctx)
		if ctx.Err() != nil {
			break
		}

		l.setState(StateReconnecting)
		l.log.Warn("listener session ended, reconnecting",
			zap.Error(err),
			zap.Duration("delay", l.cfg.ReconnectDelay))
		if !sleepCtx(ctx, l.cfg.ReconnectDelay) {
			break
		}
	}

	l.setState(StateStopped)
	l.log.Info("listener stopped")
}

// session 一次完整的生命周期: 租约, 加载检查点, 补扫, 实时
func (l *Listener) session(ctx context.Context) error {
	l.setState(StateInitializing)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if l.lease != nil {
		if err := l.acquireLease(sessionCtx); err != nil {
			return err
		}
		defer func() {
			cancel()
			if err := l.lease.Release(context.WithoutCancel(ctx)); err != nil {
				l.log.Debug("release lease", zap.Error(err))
			}
		}()
		go l.lease.Hold(sessionCtx, func(err error) {
			l.log.Warn("listener lease lost", zap.Error(err))
			cancel()
		})
	}

	next, err := l.initialize(sessionCtx)
	if err != nil {
		return err
	}

	l.setState(StateBackfilling)
	next, err = l.backfill(sessionCtx, next)
	if err != nil {
		return err
	}

	l.setState(StateLive)
	return l.live(sessionCtx, next)
}

func (l *Listener) acquireLease(ctx context.Context) error {
	for {
		ok, err := l.lease.Acquire(ctx)
		if err != nil {
			l.log.Warn("acquire listener lease failed", zap.Error(err))
		}
		if ok {
			l.log.Info("listener lease acquired")
			return nil
		}
		if !sleepCtx(ctx, l.cfg.LeaseRetryInterval) {
			return ctx.Err()
		}
	}
}

// initialize 加载检查点, 返回下一个要扫描的区块
func (l *Listener) initialize(ctx context.Context) (uint64, error) {
	var checkpoint *model.SyncCheckpoint
	err := l.retry(ctx, "initialize", func() error {
		cp, err := l.checkpoints.Get(ctx, l.cfg.ID)
		if errors.Is(err, repository.ErrCheckpointNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		checkpoint = cp
		return nil
	})
	if err != nil {
		return 0, err
	}

	if checkpoint == nil {
		l.log.Info("no checkpoint, starting from configured block", zap.Uint64("start_block", l.cfg.StartBlock))
		if l.cfg.StartBlock > 0 {
			l.setProgress(l.cfg.StartBlock-1, model.BlockFullyProcessed)
		}
		return l.cfg.StartBlock, nil
	}

	l.setProgress(checkpoint.LastProcessedBlock, checkpoint.LastProcessedTxIndex)
	next := checkpoint.ResumeBlock()
	l.log.Info("checkpoint loaded",
		zap.Uint64("block", checkpoint.LastProcessedBlock),
		zap.Bool("block_complete", checkpoint.BlockComplete()),
		zap.Uint64("resume_block", next))
	return next, nil
}

// backfill 分批扫描到补扫开始时的安全高度, 每批完成后写检查点
func (l *Listener) backfill(ctx context.Context, next uint64) (uint64, error) {
	var head uint64
	err := l.retry(ctx, "backfill", func() error {
		h, err := l.chain.CurrentHeight(ctx)
		head = h
		return err
	})
	if err != nil {
		return next, err
	}
	l.setHead(head)

	target, ok := l.safeHeight(head)
	if !ok || next > target {
		return next, nil
	}
	l.log.Info("backfill started",
		zap.Uint64("from", next),
		zap.Uint64("to", target),
		zap.Uint64("head", head))

	for next <= target {
		if ctx.Err() != nil {
			return next, ctx.Err()
		}
		to := minUint64(next+l.cfg.BatchSize-1, target)

		var events []model.RawEvent
		err := l.retry(ctx, "backfill", func() error {
			logs, err := l.chain.GetLogs(ctx, l.cfg.Contract, next, to)
			events = logs
			return err
		})
		if err != nil {
			return next, err
		}

		for _, raw := range events {
			if err := l.process(ctx, raw); err != nil {
				return next, err
			}
		}
		if err := l.advance(ctx, to, model.BlockFullyProcessed); err != nil {
			return next, err
		}
		l.log.Debug("backfill batch done",
			zap.Uint64("from", next),
			zap.Uint64("to", to),
			zap.Int("events", len(events)))
		next = to + 1
	}

	l.log.Info("backfill completed", zap.Uint64("block", target))
	return next, nil
}

// live 订阅与周期轮询共同喂给排序器; 订阅出错即结束本次会话
func (l *Listener) live(ctx context.Context, next uint64) error {
	l.seq.Reset()

	stream, err := l.chain.Subscribe(ctx, l.cfg.Contract)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer stream.Close()

	l.log.Info("live sync started", zap.Uint64("next_block", next))
	if err := l.poll(ctx, &next); err != nil {
		return err
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-stream.Err():
			return fmt.Errorf("subscription: %w", err)

		case raw, ok := <-stream.Events():
			if !ok {
				select {
				case err := <-stream.Err():
					return fmt.Errorf("subscription: %w", err)
				default:
					return blockchain.ErrSubscriptionClosed
				}
			}
			l.offer(raw, next)
			if l.cfg.Confirmations == 0 && !raw.Removed {
				if err := l.poll(ctx, &next); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if err := l.poll(ctx, &next); err != nil {
				return err
			}
		}
	}
}

// poll 拉取 [next, 安全高度] 的日志并放行已确认事件.
// RPC 失败只记录, 下个周期重试, 未确认的事件保留在排序器中.
func (l *Listener) poll(ctx context.Context, next *uint64) error {
	head, err := l.chain.CurrentHeight(ctx)
	if err != nil {
		l.transientFailure(ctx, "live", err)
		return nil
	}
	l.setHead(head)

	safe, ok := l.safeHeight(head)
	if !ok {
		return nil
	}

	for *next <= safe {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		to := minUint64(*next+l.cfg.BatchSize-1, safe)

		logs, err := l.chain.GetLogs(ctx, l.cfg.Contract, *next, to)
		if err != nil {
			l.transientFailure(ctx, "live", err)
			return nil
		}
		for _, raw := range logs {
			l.offer(raw, *next)
		}

		released, orphaned := l.seq.Release(to, logs)
		for _, raw := range orphaned {
			l.orphaned(raw)
		}
		for _, raw := range released {
			if err := l.process(ctx, raw); err != nil {
				return err
			}
			if err := l.advance(ctx, raw.BlockNumber, raw.TxIndex); err != nil {
				return err
			}
		}
		if err := l.advance(ctx, to, model.BlockFullyProcessed); err != nil {
			return err
		}
		*next = to + 1
	}
	l.recordSuccess()
	return nil
}

// offer 事件进入排序器. next 之前的区块已完整扫描并应用过.
func (l *Listener) offer(raw model.RawEvent, next uint64) {
	if raw.BlockNumber < next {
		if raw.Removed {
			l.reorged(raw)
		}
		return
	}

	switch l.seq.Add(raw) {
	case SequenceReorged:
		l.reorged(raw)
	case SequenceStale:
		l.log.Warn("late event behind released position",
			zap.String("tx_hash", raw.TxHash.Hex()),
			zap.Uint64("block", raw.BlockNumber),
			zap.Uint32("log_index", raw.LogIndex))
		metrics.RecordEvent(l.cfg.ID, "", "stale")
	case SequenceDropped:
		l.log.Debug("removed event dropped before apply",
			zap.String("tx_hash", raw.TxHash.Hex()),
			zap.Uint64("block", raw.BlockNumber))
	}
}

// orphaned 订阅收到但确认后不在规范链上的日志, 丢弃不应用
func (l *Listener) orphaned(raw model.RawEvent) {
	l.log.Warn("subscribed event missing from canonical logs, dropped",
		zap.String("tx_hash", raw.TxHash.Hex()),
		zap.Uint64("block", raw.BlockNumber),
		zap.Uint32("log_index", raw.LogIndex))
	metrics.RecordEvent(l.cfg.ID, "", "orphaned")
}

// reorged 已应用的事件被链重组移除, 链下状态需要人工核对
func (l *Listener) reorged(raw model.RawEvent) {
	l.log.Error("applied event removed by reorg",
		zap.String("tx_hash", raw.TxHash.Hex()),
		zap.Uint64("block", raw.BlockNumber),
		zap.Uint32("log_index", raw.LogIndex))
	metrics.RecordEvent(l.cfg.ID, "", "reorged")
	l.alerter.SendAsync(context.Background(), &alert.Alert{
		Title:    "Applied event removed by reorg",
		Message:  fmt.Sprintf("listener %s: %s log %d at block %d was reorged after being applied", l.cfg.ID, raw.TxHash.Hex(), raw.LogIndex, raw.BlockNumber),
		Severity: alert.SeverityCritical,
		Tags:     map[string]string{"listener": l.cfg.ID, "tx_hash": raw.TxHash.Hex()},
	})
}

// process 解码并应用单个事件. 结构性错误跳过并计数, 暂时性错误按退避重试直到成功;
// 只有 ctx 结束时返回错误.
func (l *Listener) process(ctx context.Context, raw model.RawEvent) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	fields := []zap.Field{
		zap.String("tx_hash", raw.TxHash.Hex()),
		zap.Uint64("block", raw.BlockNumber),
		zap.Uint32("log_index", raw.LogIndex),
	}

	ev, err := l.decoder.Decode(raw)
	if err != nil {
		if contract.IsUnknownTopic(err) {
			l.log.Debug("skipping unknown topic", append(fields, zap.Error(err))...)
			metrics.RecordEvent(l.cfg.ID, "", "unknown_topic")
			return nil
		}
		metrics.RecordEvent(l.cfg.ID, "", "malformed")
		l.structuralFailure(ctx, raw, "", err)
		return nil
	}

	var result *ApplyResult
	started := time.Now()
	err = l.retry(ctx, "apply", func() error {
		// 停止信号只在事件之间检查, 不打断进行中的事务
		res, err := l.applier.Apply(context.WithoutCancel(ctx), l.cfg.ID, ev)
		if err != nil {
			if IsStructural(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.RecordEvent(l.cfg.ID, string(ev.Type()), "structural")
		l.structuralFailure(ctx, raw, ev.Type(), err)
		return nil
	}

	metrics.RecordApply(l.cfg.ID, time.Since(started).Seconds())
	metrics.RecordEvent(l.cfg.ID, string(ev.Type()), string(result.Outcome))
	l.recordSuccess()
	return nil
}

// advance 单调推进检查点
func (l *Listener) advance(ctx context.Context, block uint64, txIndex uint32) error {
	return l.retry(ctx, "checkpoint", func() error {
		_, err := l.checkpoints.Advance(ctx, &model.SyncCheckpoint{
			ListenerID:           l.cfg.ID,
			ContractAddress:      l.cfg.Contract.Hex(),
			LastProcessedBlock:   block,
			LastProcessedTxIndex: txIndex,
		})
		if err != nil {
			return err
		}
		l.setProgress(block, txIndex)
		return nil
	})
}

// retry 指数退避重试, 无总时长上限; 达到告警次数后继续重试
func (l *Listener) retry(ctx context.Context, stage string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryDelay
	b.MaxInterval = l.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0

	attempts := 0
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		attempts++
		metrics.RecordRetry(l.cfg.ID, stage)
		l.log.Warn("transient failure, retrying",
			zap.String("stage", stage),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
		l.recordFailure(ctx, err)

		if attempts == l.cfg.RetryAttempts {
			l.alerter.SendAsync(ctx, &alert.Alert{
				Title:    "Listener retries exhausted",
				Message:  fmt.Sprintf("listener %s: %s failed %d times, still retrying: %v", l.cfg.ID, stage, attempts, err),
				Severity: alert.SeverityWarning,
				Tags:     map[string]string{"listener": l.cfg.ID, "stage": stage},
			})
		}
	})
}

func (l *Listener) transientFailure(ctx context.Context, stage string, err error) {
	metrics.RecordRetry(l.cfg.ID, stage)
	l.log.Warn("transient failure, will retry next poll", zap.String("stage", stage), zap.Error(err))
	l.recordFailure(ctx, err)
}

func (l *Listener) structuralFailure(ctx context.Context, raw model.RawEvent, eventType model.EventType, err error) {
	l.log.Error("event skipped, operator attention required",
		zap.String("event", string(eventType)),
		zap.String("tx_hash", raw.TxHash.Hex()),
		zap.Uint64("block", raw.BlockNumber),
		zap.Uint32("log_index", raw.LogIndex),
		zap.Error(err))
	l.recordFailure(ctx, err)
}

func (l *Listener) recordFailure(ctx context.Context, err error) {
	l.mu.Lock()
	l.consecutiveErrors++
	count := l.consecutiveErrors
	l.mu.Unlock()

	healthy := l.Health().Healthy
	metrics.SetListenerHealth(l.cfg.ID, healthy, count)

	if count == l.cfg.AlertOnErrorCount {
		l.alerter.SendAsync(ctx, &alert.Alert{
			Title:    "Listener failing",
			Message:  fmt.Sprintf("listener %s hit %d consecutive errors, last: %v", l.cfg.ID, count, err),
			Severity: alert.SeverityCritical,
			Tags:     map[string]string{"listener": l.cfg.ID},
		})
	}
}

func (l *Listener) recordSuccess() {
	l.mu.Lock()
	reset := l.consecutiveErrors > 0
	l.consecutiveErrors = 0
	l.mu.Unlock()
	if reset {
		metrics.SetListenerHealth(l.cfg.ID, l.Health().Healthy, 0)
	}
}

// safeHeight 已满足确认数的最高区块
func (l *Listener) safeHeight(head uint64) (uint64, bool) {
	if head < l.cfg.Confirmations {
		return 0, false
	}
	return head - l.cfg.Confirmations, true
}

func (l *Listener) setState(state ListenerState) {
	l.mu.Lock()
	prev := l.state
	l.state = state
	l.updatedAt = time.Now().UnixMilli()
	l.mu.Unlock()

	if prev != state {
		l.log.Info("listener state changed", zap.String("from", string(prev)), zap.String("to", string(state)))
		metrics.SetListenerState(l.cfg.ID, string(state), allListenerStates)
	}
}

func (l *Listener) setProgress(block uint64, txIndex uint32) {
	l.mu.Lock()
	if block > l.lastBlock || (block == l.lastBlock && txIndex > l.lastTxIndex) {
		l.lastBlock = block
		l.lastTxIndex = txIndex
	}
	l.updatedAt = time.Now().UnixMilli()
	head := l.chainHead
	last := l.lastBlock
	l.mu.Unlock()
	metrics.UpdateSyncProgress(l.cfg.ID, last, head)
}

func (l *Listener) setHead(head uint64) {
	l.mu.Lock()
	if head > l.chainHead {
		l.chainHead = head
	}
	l.updatedAt = time.Now().UnixMilli()
	last := l.lastBlock
	current := l.chainHead
	l.mu.Unlock()
	metrics.UpdateSyncProgress(l.cfg.ID, last, current)
}

// RefreshHead 刷新链头, 供健康检查任务调用
func (l *Listener) RefreshHead(ctx context.Context) error {
	head, err := l.chain.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	l.setHead(head)
	return nil
}

// Health 当前健康状态, 落后超过阈值或已停止时不健康
func (l *Listener) Health() ListenerHealth {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var lag uint64
	if l.chainHead > l.lastBlock {
		lag = l.chainHead - l.lastBlock
	}
	return ListenerHealth{
		Listener:           l.cfg.ID,
		State:              l.state,
		Healthy:            l.state != StateStopped && lag <= l.cfg.HealthLagThreshold,
		LastProcessedBlock: l.lastBlock,
		ChainHead:          l.chainHead,
		Lag:                lag,
		ConsecutiveErrors:  l.consecutiveErrors,
		UpdatedAt:          l.updatedAt,
	}
}

// State 当前状态
func (l *Listener) State() ListenerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
