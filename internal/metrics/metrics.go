// Package metrics 提供 elite-chain 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "elite_chain"

// 事件同步指标
var (
	// EventsTotal 处理的链上事件数
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "处理的链上事件数",
		},
		[]string{"listener", "event", "outcome"}, // applied, duplicate, structural, unknown_topic, malformed, stale, reorged
	)

	// EventApplyDuration 单个事件应用耗时
	EventApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_apply_duration_seconds",
			Help:      "单个事件事务耗时(秒)",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"listener"},
	)

	// CheckpointBlock 检查点区块
	CheckpointBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_block",
			Help:      "最后处理的区块",
		},
		[]string{"listener"},
	)

	// ChainHead 链上最新区块
	ChainHead = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_block",
			Help:      "观察到的链上最新区块",
		},
		[]string{"listener"},
	)

	// SyncLag 落后区块数
	SyncLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_lag_blocks",
			Help:      "检查点落后链头的区块数",
		},
		[]string{"listener"},
	)

	// ListenerState 监听器当前状态, 当前状态为 1
	ListenerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_state",
			Help:      "监听器状态",
		},
		[]string{"listener", "state"},
	)

	// ListenerHealthy 监听器是否健康
	ListenerHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_healthy",
			Help:      "监听器健康状态(1=健康)",
		},
		[]string{"listener"},
	)

	// ConsecutiveErrors 连续错误数
	ConsecutiveErrors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_consecutive_errors",
			Help:      "监听器连续错误数",
		},
		[]string{"listener"},
	)

	// RetriesTotal 暂时性错误重试次数
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "暂时性错误重试次数",
		},
		[]string{"listener", "stage"}, // backfill, live, apply
	)

	// OpenDiscrepancies 待处理对账差异
	OpenDiscrepancies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_discrepancies",
			Help:      "待人工处理的对账差异数",
		},
	)
)

// 结算指标
var (
	// SettlementsTotal 结算交易数
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "结算交易数",
		},
		[]string{"action", "status"}, // release/fee, mined/reverted/failed
	)

	// SettlementDuration 提交到上链耗时
	SettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "结算交易提交到确认耗时(秒)",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"action"},
	)

	// GasPrice 当前 gas 价格
	GasPrice = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gas_price_gwei",
			Help:      "当前 gas 价格(Gwei)",
		},
	)
)

// 通知指标
var (
	// NotificationsTotal 通知投递数
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "通知投递数",
		},
		[]string{"type", "status"}, // published, dropped, failed
	)

	// NotificationQueueSize 通知队列长度
	NotificationQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_queue_size",
			Help:      "待投递通知数",
		},
	)

	// KafkaMessagesTotal Kafka 消息数
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka 消息数",
		},
		[]string{"topic", "status"},
	)
)

// RecordEvent 记录事件处理结果
func RecordEvent(listener, event, outcome string) {
	EventsTotal.WithLabelValues(listener, event, outcome).Inc()
}

// RecordApply 记录事件事务耗时
func RecordApply(listener string, durationSeconds float64) {
	EventApplyDuration.WithLabelValues(listener).Observe(durationSeconds)
}

// UpdateSyncProgress 更新检查点与链头
func UpdateSyncProgress(listener string, checkpoint, head uint64) {
	CheckpointBlock.WithLabelValues(listener).Set(float64(checkpoint))
	ChainHead.WithLabelValues(listener).Set(float64(head))
	if head > checkpoint {
		SyncLag.WithLabelValues(listener).Set(float64(head - checkpoint))
	} else {
		SyncLag.WithLabelValues(listener).Set(0)
	}
}

// SetListenerState 设置当前状态, 其余状态清零
func SetListenerState(listener, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ListenerState.WithLabelValues(listener, s).Set(v)
	}
}

// SetListenerHealth 更新健康指标
func SetListenerHealth(listener string, healthy bool, consecutiveErrors int) {
	v := 0.0
	if healthy {
		v = 1
	}
	ListenerHealthy.WithLabelValues(listener).Set(v)
	ConsecutiveErrors.WithLabelValues(listener).Set(float64(consecutiveErrors))
}

// RecordRetry 记录一次重试
func RecordRetry(listener, stage string) {
	RetriesTotal.WithLabelValues(listener, stage).Inc()
}

// UpdateOpenDiscrepancies 更新待处理差异数
func UpdateOpenDiscrepancies(count int64) {
	OpenDiscrepancies.Set(float64(count))
}

// RecordSettlement 记录结算交易
func RecordSettlement(action, status string, durationSeconds float64) {
	SettlementsTotal.WithLabelValues(action, status).Inc()
	if durationSeconds > 0 {
		SettlementDuration.WithLabelValues(action).Observe(durationSeconds)
	}
}

// UpdateGasPrice 更新 gas 价格
func UpdateGasPrice(gasPriceGwei float64) {
	GasPrice.Set(gasPriceGwei)
}

// RecordNotification 记录通知投递
func RecordNotification(notificationType, status string) {
	NotificationsTotal.WithLabelValues(notificationType, status).Inc()
}

// UpdateNotificationQueue 更新通知队列长度
func UpdateNotificationQueue(size int) {
	NotificationQueueSize.Set(float64(size))
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, produced bool) {
	status := "success"
	if !produced {
		status = "failed"
	}
	KafkaMessagesTotal.WithLabelValues(topic, status).Inc()
}
