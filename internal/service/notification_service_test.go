package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Njuhobby/0xElite/internal/model"
)

// capturingPublisher 记录发布的通知
type capturingPublisher struct {
	mu      sync.Mutex
	items   []*model.Notification
	failFor model.NotificationType
}

func (p *capturingPublisher) Publish(_ context.Context, n *model.Notification) error {
	if n.Type == p.failFor {
		return errors.New("broker unavailable")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, n)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func TestNotificationDispatcher_Publishes(t *testing.T) {
	pub := &capturingPublisher{}
	d, err := NewNotificationDispatcher(pub, NotificationConfig{Workers: 2, QueueSize: 8})
	require.NoError(t, err)
	d.Start(context.Background())
	defer d.Stop()

	n := &model.Notification{Type: model.NotificationMilestonePaid, Key: "p-1"}
	assert.True(t, d.Enqueue(n))
	assert.NotEmpty(t, n.ID)
	assert.NotZero(t, n.CreatedAt)

	assert.True(t, d.Enqueue(&model.Notification{Type: model.NotificationEscrowFrozen, Key: "p-1"}))
	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestNotificationDispatcher_FullQueueDrops(t *testing.T) {
	pub := &capturingPublisher{}
	// 未启动, 队列不会被消费
	d, err := NewNotificationDispatcher(pub, NotificationConfig{Workers: 1, QueueSize: 2})
	require.NoError(t, err)

	assert.True(t, d.Enqueue(&model.Notification{Type: model.NotificationMilestonePaid}))
	assert.True(t, d.Enqueue(&model.Notification{Type: model.NotificationMilestonePaid}))

	done := make(chan bool)
	go func() { done <- d.Enqueue(&model.Notification{Type: model.NotificationMilestonePaid}) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	// 停止时投递剩余通知
	d.Start(context.Background())
	d.Stop()
	assert.Equal(t, 2, pub.count())
}

func TestNotificationDispatcher_PublishFailureIsNotFatal(t *testing.T) {
	pub := &capturingPublisher{failFor: model.NotificationEscrowFrozen}
	d, err := NewNotificationDispatcher(pub, NotificationConfig{Workers: 1, QueueSize: 4})
	require.NoError(t, err)
	d.Start(context.Background())

	d.Enqueue(&model.Notification{Type: model.NotificationEscrowFrozen})
	d.Enqueue(&model.Notification{Type: model.NotificationDisputeResolved})
	d.Stop()

	assert.Equal(t, 1, pub.count())
}

func TestNotificationDispatcher_EngineEnqueuesAfterCommit(t *testing.T) {
	f := newEngineFixture(t)
	pub := &capturingPublisher{}
	d, err := NewNotificationDispatcher(pub, NotificationConfig{Workers: 1, QueueSize: 4})
	require.NoError(t, err)
	f.engine.notifier = d
	d.Start(context.Background())

	f.seedProject(t, "p-1", 1)
	_, err = f.engine.Apply(context.Background(), "escrow", depositedEvent("0xd1", 1, 1, "100"))
	require.NoError(t, err)
	_, err = f.engine.Apply(context.Background(), "escrow", frozenEvent("0xd2", 2, 1))
	require.NoError(t, err)

	d.Stop()
	require.Equal(t, 1, pub.count())
	assert.Equal(t, model.NotificationEscrowFrozen, pub.items[0].Type)
	assert.Equal(t, txHash("0xd2").Hex(), pub.items[0].TxHash)
}
