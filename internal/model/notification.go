package model

// NotificationType 通知类型
type NotificationType string

const (
	NotificationDeveloperActivated NotificationType = "developer.activated"
	NotificationMilestonePaid      NotificationType = "milestone.paid"
	NotificationEscrowFrozen       NotificationType = "escrow.frozen"
	NotificationDisputeResolved    NotificationType = "dispute.resolved"
	NotificationSettlementResult   NotificationType = "settlement.result"
)

// Notification 事务提交后异步投递的通知
type Notification struct {
	ID        string            `json:"id"`
	Type      NotificationType  `json:"type"`
	Key       string            `json:"key"` // 分区键
	Payload   map[string]string `json:"payload"`
	TxHash    string            `json:"tx_hash"`
	CreatedAt int64             `json:"created_at"`
}
