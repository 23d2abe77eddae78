package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, so every kind lives under a
// dotted namespace.
const (
	KindConnectivityChanged      = "connectivity.changed"
	KindConnectivityReconnected  = "connectivity.reconnected"
	KindConnectivityDisconnected = "connectivity.disconnected"

	KindMessageEnqueued = "message.enqueued"
	KindMessageStatus   = "message.status"
	KindMessageUpserted = "message.upserted"
	KindMessageSendAck  = "message.send_ack"
	KindMessageFailed   = "message.send_failed"

	KindQueueSynced = "queue.synced"

	KindConversationInterrupted = "conversation.interrupted"
	KindConversationReceipts    = "conversation.receipts"

	KindLifecycleBackground = "lifecycle.background"
	KindLifecyclePaused     = "lifecycle.paused"
	KindLifecycleForeground = "lifecycle.foreground"
	KindLifecycleCatchUp    = "lifecycle.catchup"

	KindConfigReloaded = "config.reloaded"
)
