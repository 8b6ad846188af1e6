package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/Njuhobby/0xElite/internal/metrics"
	"github.com/Njuhobby/0xElite/internal/model"
	"github.com/Njuhobby/0xElite/pkg/logger"
)

// NotificationPublisher 通知下游, 由 kafka.Producer 实现
type NotificationPublisher interface {
	Publish(ctx context.Context, n *model.Notification) error
}

// logPublisher 未启用 Kafka 时只记日志
type logPublisher struct{}

func (logPublisher) Publish(_ context.Context, n *model.Notification) error {
	logger.Info("notification",
		zap.String("type", string(n.Type)),
		zap.String("key", n.Key),
		zap.String("tx_hash", n.TxHash),
		zap.Any("payload", n.Payload))
	return nil
}

// NotificationConfig 通知分发配置
type NotificationConfig struct {
	Workers        int
	QueueSize      int
	PublishTimeout time.Duration
}

// NotificationDispatcher 有界队列 + 协程池异步投递通知.
// Enqueue 从不阻塞, 队列满时丢弃并告警, 保证监听循环不被下游拖慢.
type NotificationDispatcher struct {
	publisher NotificationPublisher
	pool      *ants.Pool
	queue     chan *model.Notification
	timeout   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewNotificationDispatcher 创建通知分发器, publisher 为空时只记日志
func NewNotificationDispatcher(publisher NotificationPublisher, cfg NotificationConfig) (*NotificationDispatcher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if publisher == nil {
		publisher = logPublisher{}
	}

	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p interface{}) {
		logger.Error("notification worker panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, err
	}

	return &NotificationDispatcher{
		publisher: publisher,
		pool:      pool,
		queue:     make(chan *model.Notification, cfg.QueueSize),
		timeout:   cfg.PublishTimeout,
	}, nil
}

// Enqueue 入队, 队列满返回 false
func (d *NotificationDispatcher) Enqueue(n *model.Notification) bool {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = time.Now().UnixMilli()
	}

	select {
	case d.queue <- n:
		metrics.UpdateNotificationQueue(len(d.queue))
		return true
	default:
		metrics.RecordNotification(string(n.Type), "dropped")
		logger.Warn("notification queue full, dropping",
			zap.String("type", string(n.Type)),
			zap.String("key", n.Key),
			zap.String("tx_hash", n.TxHash))
		return false
	}
}

// Start 启动分发循环
func (d *NotificationDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})

	d.wg.Add(1)
	go d.loop(ctx, d.stopCh)
}

// Stop 停止分发, 投递完队列中剩余的通知
func (d *NotificationDispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	if err := d.pool.ReleaseTimeout(d.timeout); err != nil {
		logger.Warn("notification pool release timeout", zap.Error(err))
	}
}

func (d *NotificationDispatcher) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.queue:
			d.dispatch(n)
		case <-ctx.Done():
			d.drain()
			return
		case <-stopCh:
			d.drain()
			return
		}
	}
}

func (d *NotificationDispatcher) drain() {
	for {
		select {
		case n := <-d.queue:
			d.dispatch(n)
		default:
			return
		}
	}
}

func (d *NotificationDispatcher) dispatch(n *model.Notification) {
	metrics.UpdateNotificationQueue(len(d.queue))
	if err := d.pool.Submit(func() { d.publish(n) }); err != nil {
		metrics.RecordNotification(string(n.Type), "failed")
		logger.Error("failed to submit notification", zap.String("type", string(n.Type)), zap.Error(err))
	}
}

func (d *NotificationDispatcher) publish(n *model.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.publisher.Publish(ctx, n); err != nil {
		metrics.RecordNotification(string(n.Type), "failed")
		logger.Warn("failed to publish notification",
			zap.String("id", n.ID),
			zap.String("type", string(n.Type)),
			zap.String("key", n.Key),
			zap.Error(err))
		return
	}
	metrics.RecordNotification(string(n.Type), "published")
}
