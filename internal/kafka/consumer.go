package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Njuhobby/0xElite/internal/metrics"
	"github.com/Njuhobby/0xElite/internal/model"
	"github.com/Njuhobby/0xElite/internal/service"
	"github.com/Njuhobby/0xElite/pkg/logger"
)

// TopicSettlementRequests 结算请求 Topic
// 生产者: 里程碑审批服务
// Partition Key: project_id
// 消息格式: model.SettlementRequestMessage
const TopicSettlementRequests = "milestone-settlements"

// Settler 结算入口, 由 service.SettlementService 实现
type Settler interface {
	SettleMilestone(ctx context.Context, req *service.SettlementRequest) (*service.SettlementResult, error)
}

// Publisher 结算结果回执
type Publisher interface {
	Publish(ctx context.Context, n *model.Notification) error
}

// Consumer Kafka 消费者
type Consumer struct {
	client  sarama.ConsumerGroup
	handler *consumerGroupHandler
	topics  []string
	groupID string

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig, settler Settler, publisher Publisher) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	topic := cfg.Topic
	if topic == "" {
		topic = TopicSettlementRequests
	}
	return &Consumer{
		client:  client,
		handler: newConsumerGroupHandler(settler, publisher),
		topics:  []string{topic},
		groupID: cfg.GroupID,
	}, nil
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error("kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))

	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)
	c.running = false

	err := c.client.Close()
	<-c.done
	return err
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	settler   Settler
	publisher Publisher
}

func newConsumerGroupHandler(settler Settler, publisher Publisher) *consumerGroupHandler {
	return &consumerGroupHandler{settler: settler, publisher: publisher}
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim 每条请求至多执行一次: 先同步提交位点再结算, 失败由结果回执和告警交给人工处理,
// 避免崩溃或超时后重放造成重复放款.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		session.MarkMessage(msg, "")
		session.Commit()

		if err := h.handle(session.Context(), msg.Value); err != nil {
			logger.Error("failed to handle settlement request",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
	return nil
}

func (h *consumerGroupHandler) handle(ctx context.Context, data []byte) error {
	var msg model.SettlementRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	projectID, _ := msg.ParsedContractProjectID()

	logger.Info("received settlement request",
		zap.String("request_id", msg.RequestID),
		zap.String("project_id", msg.ProjectID),
		zap.String("milestone_id", msg.MilestoneID))

	res, err := h.settler.SettleMilestone(ctx, &service.SettlementRequest{
		ContractProjectID: projectID,
		Developer:         common.HexToAddress(msg.Developer),
		Amount:            msg.Amount,
		PlatformFee:       msg.PlatformFee,
	})
	h.reply(ctx, &msg, res, err)
	return err
}

// reply 发布结算结果
func (h *consumerGroupHandler) reply(ctx context.Context, msg *model.SettlementRequestMessage, res *service.SettlementResult, err error) {
	if h.publisher == nil {
		return
	}

	status := model.SettlementStatusCompleted
	switch {
	case errors.Is(err, service.ErrFeeCollectionPending):
		status = model.SettlementStatusFeePending
	case err != nil:
		status = model.SettlementStatusFailed
	}

	payload := map[string]string{
		"request_id":   msg.RequestID,
		"project_id":   msg.ProjectID,
		"milestone_id": msg.MilestoneID,
		"status":       string(status),
	}
	var txHash string
	if res != nil {
		txHash = res.ReleaseTxHash
		payload["release_tx_hash"] = res.ReleaseTxHash
		if res.FeeTxHash != "" {
			payload["fee_tx_hash"] = res.FeeTxHash
		}
	}
	if err != nil {
		payload["error"] = err.Error()
	}

	n := &model.Notification{
		ID:        uuid.New().String(),
		Type:      model.NotificationSettlementResult,
		Key:       msg.ProjectID,
		Payload:   payload,
		TxHash:    txHash,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := h.publisher.Publish(ctx, n); err != nil {
		metrics.RecordNotification(string(n.Type), "failed")
		logger.Warn("failed to publish settlement result",
			zap.String("request_id", msg.RequestID),
			zap.Error(err))
		return
	}
	metrics.RecordNotification(string(n.Type), "published")
}
