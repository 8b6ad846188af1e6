package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/Njuhobby/0xElite/internal/model"
	"github.com/Njuhobby/0xElite/pkg/logger"
)

// LogSource 适配器依赖的链上读取能力, *Client 实现
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	SupportsSubscription() bool
}

// LogStream 拉取式日志流; Err 产生一个错误后流终止
type LogStream interface {
	Events() <-chan model.RawEvent
	Err() <-chan error
	Close()
}

// AdapterConfig 适配器配置
type AdapterConfig struct {
	PollInterval time.Duration // 无 websocket 时的轮询间隔
	BufferSize   int
}

// Adapter 将 RPC 客户端包装为监听器使用的链读取接口
type Adapter struct {
	src          LogSource
	pollInterval time.Duration
	bufferSize   int
}

// NewAdapter 创建链读取适配器
func NewAdapter(src LogSource, cfg AdapterConfig) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Adapter{
		src:          src,
		pollInterval: cfg.PollInterval,
		bufferSize:   cfg.BufferSize,
	}
}

// CurrentHeight 当前链高度
func (a *Adapter) CurrentHeight(ctx context.Context) (uint64, error) {
	return a.src.BlockNumber(ctx)
}

// GetLogs 查询 [from, to] 区间内合约日志, 按 (block, logIndex) 排序并补齐区块时间
func (a *Adapter) GetLogs(ctx context.Context, address common.Address, from, to uint64) ([]model.RawEvent, error) {
	if from > to {
		return nil, nil
	}
	logs, err := a.src.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
	})
	if err != nil {
		return nil, fmt.Errorf("get logs [%d, %d]: %w", from, to, err)
	}

	times := newBlockTimes(a.src)
	events := make([]model.RawEvent, 0, len(logs))
	for _, l := range logs {
		ts, err := times.lookup(ctx, l.BlockNumber)
		if err != nil {
			return nil, err
		}
		events = append(events, toRawEvent(l, ts))
	}
	sortEvents(events)
	return events, nil
}

// Subscribe 订阅合约日志; 配置了 websocket 时走推送, 否则轮询
func (a *Adapter) Subscribe(ctx context.Context, address common.Address) (LogStream, error) {
	if a.src.SupportsSubscription() {
		return a.subscribeWS(ctx, address)
	}
	start, err := a.src.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return a.subscribePoll(ctx, address, start), nil
}

func (a *Adapter) subscribeWS(ctx context.Context, address common.Address) (LogStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	logs := make(chan types.Log, a.bufferSize)
	sub, err := a.src.SubscribeFilterLogs(streamCtx, ethereum.FilterQuery{
		Addresses: []common.Address{address},
	}, logs)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	s := newStream(cancel, a.bufferSize)
	go func() {
		defer s.finish()
		defer sub.Unsubscribe()

		times := newBlockTimes(a.src)
		for {
			select {
			case <-streamCtx.Done():
				return
			case err, ok := <-sub.Err():
				if !ok || err == nil {
					s.fail(ErrSubscriptionClosed)
				} else {
					s.fail(fmt.Errorf("%w: %v", ErrSubscriptionClosed, err))
				}
				return
			case l := <-logs:
				// 被重组移除的日志不需要区块时间
				var ts uint64
				if !l.Removed {
					var err error
					if ts, err = times.lookup(streamCtx, l.BlockNumber); err != nil {
						s.fail(err)
						return
					}
					times.forgetBefore(l.BlockNumber)
				}
				if !s.emit(streamCtx, toRawEvent(l, ts)) {
					return
				}
			}
		}
	}()
	return s, nil
}

func (a *Adapter) subscribePoll(ctx context.Context, address common.Address, start uint64) LogStream {
	streamCtx, cancel := context.WithCancel(ctx)
	s := newStream(cancel, a.bufferSize)

	go func() {
		defer s.finish()

		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()

		last := start
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
			}

			head, err := a.src.BlockNumber(streamCtx)
			if err != nil {
				s.fail(err)
				return
			}
			if head <= last {
				continue
			}

			events, err := a.GetLogs(streamCtx, address, last+1, head)
			if err != nil {
				s.fail(err)
				return
			}
			for _, ev := range events {
				if !s.emit(streamCtx, ev) {
					return
				}
			}
			logger.Debug("poll stream advanced",
				zap.String("contract", address.Hex()),
				zap.Uint64("from", last+1),
				zap.Uint64("to", head),
				zap.Int("events", len(events)))
			last = head
		}
	}()
	return s
}

// stream LogStream 实现
type stream struct {
	events chan model.RawEvent
	errs   chan error
	cancel context.CancelFunc
	once   sync.Once
}

func newStream(cancel context.CancelFunc, size int) *stream {
	return &stream{
		events: make(chan model.RawEvent, size),
		errs:   make(chan error, 1),
		cancel: cancel,
	}
}

func (s *stream) Events() <-chan model.RawEvent { return s.events }

func (s *stream) Err() <-chan error { return s.errs }

func (s *stream) Close() {
	s.once.Do(s.cancel)
}

func (s *stream) emit(ctx context.Context, ev model.RawEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stream) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *stream) finish() {
	close(s.events)
	s.Close()
}

// blockTimes 区块时间缓存, 同一区块只查询一次区块头
type blockTimes struct {
	src   LogSource
	times map[uint64]uint64
}

func newBlockTimes(src LogSource) *blockTimes {
	return &blockTimes{src: src, times: make(map[uint64]uint64)}
}

func (b *blockTimes) lookup(ctx context.Context, block uint64) (uint64, error) {
	if ts, ok := b.times[block]; ok {
		return ts, nil
	}
	header, err := b.src.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", block, err)
	}
	b.times[block] = header.Time
	return header.Time, nil
}

func (b *blockTimes) forgetBefore(block uint64) {
	for n := range b.times {
		if n < block {
			delete(b.times, n)
		}
	}
}

func toRawEvent(l types.Log, blockTime uint64) model.RawEvent {
	return model.RawEvent{
		Address:        l.Address,
		Topics:         l.Topics,
		Data:           l.Data,
		BlockNumber:    l.BlockNumber,
		BlockHash:      l.BlockHash,
		BlockTimestamp: blockTime,
		TxHash:         l.TxHash,
		TxIndex:        uint32(l.TxIndex),
		LogIndex:       uint32(l.Index),
		Removed:        l.Removed,
	}
}

func sortEvents(events []model.RawEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position().Less(events[j].Position())
	})
}
