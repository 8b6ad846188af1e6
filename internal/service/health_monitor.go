package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/Njuhobby/0xElite/internal/metrics"
	"github.com/Njuhobby/0xElite/pkg/alert"
	"github.com/Njuhobby/0xElite/pkg/logger"
)

// HealthSource 可被巡检的监听器
type HealthSource interface {
	ID() string
	RefreshHead(ctx context.Context) error
	Health() ListenerHealth
}

// HealthSink 健康状态的下游, 由 handler.HealthHandler 实现
type HealthSink interface {
	Update(status ListenerHealth)
}

// OpenDiscrepancyCounter 待处理差异计数
type OpenDiscrepancyCounter interface {
	CountOpen(ctx context.Context) (int64, error)
}

// HealthMonitor 定时巡检监听器: 刷新链头, 更新指标与 gRPC 健康状态, 转为不健康时告警
type HealthMonitor struct {
	sources       []HealthSource
	sink          HealthSink
	discrepancies OpenDiscrepancyCounter
	alerter       alert.Alerter
	interval      time.Duration
	scheduler     gocron.Scheduler

	mu      sync.Mutex
	healthy map[string]bool
}

// NewHealthMonitor 创建巡检器
func NewHealthMonitor(
	sources []HealthSource,
	sink HealthSink,
	discrepancies OpenDiscrepancyCounter,
	alerter alert.Alerter,
	interval time.Duration,
) (*HealthMonitor, error) {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &HealthMonitor{
		sources:       sources,
		sink:          sink,
		discrepancies: discrepancies,
		alerter:       alerter,
		interval:      interval,
		scheduler:     s,
		healthy:       make(map[string]bool),
	}, nil
}

// Start 注册巡检任务并启动调度器, 首次立即执行
func (m *HealthMonitor) Start(ctx context.Context) error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() { m.Check(ctx) }),
		gocron.WithName("listener-health"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("register health job: %w", err)
	}
	m.scheduler.Start()
	logger.Info("health monitor started", zap.Duration("interval", m.interval))
	return nil
}

// Stop 停止调度器
func (m *HealthMonitor) Stop() error {
	return m.scheduler.Shutdown()
}

// Check 执行一次巡检
func (m *HealthMonitor) Check(ctx context.Context) {
	for _, src := range m.sources {
		if err := src.RefreshHead(ctx); err != nil {
			logger.Warn("failed to refresh chain head", zap.String("listener", src.ID()), zap.Error(err))
		}
		status := src.Health()

		metrics.SetListenerHealth(status.Listener, status.Healthy, status.ConsecutiveErrors)
		metrics.UpdateSyncProgress(status.Listener, status.LastProcessedBlock, status.ChainHead)
		if m.sink != nil {
			m.sink.Update(status)
		}
		m.observe(status)
	}

	if m.discrepancies != nil {
		count, err := m.discrepancies.CountOpen(ctx)
		if err != nil {
			logger.Warn("failed to count open discrepancies", zap.Error(err))
			return
		}
		metrics.UpdateOpenDiscrepancies(count)
	}
}

// observe 只在健康状态变化时告警
func (m *HealthMonitor) observe(status ListenerHealth) {
	m.mu.Lock()
	prev, known := m.healthy[status.Listener]
	m.healthy[status.Listener] = status.Healthy
	m.mu.Unlock()

	switch {
	case !status.Healthy && (!known || prev):
		logger.Warn("listener unhealthy",
			zap.String("listener", status.Listener),
			zap.String("state", string(status.State)),
			zap.Uint64("last_processed_block", status.LastProcessedBlock),
			zap.Uint64("chain_head", status.ChainHead),
			zap.Uint64("lag", status.Lag))
		m.alerter.SendAsync(context.Background(), &alert.Alert{
			Title: "Listener unhealthy",
			Message: fmt.Sprintf("listener %s is %s, %d blocks behind head %d",
				status.Listener, status.State, status.Lag, status.ChainHead),
			Severity: alert.SeverityWarning,
			Tags:     map[string]string{"listener": status.Listener},
		})
	case status.Healthy && known && !prev:
		logger.Info("listener recovered", zap.String("listener", status.Listener), zap.Uint64("lag", status.Lag))
	}
}
