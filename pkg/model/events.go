package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event topics published on the in-process bus and relayed to NATS.
const (
	TopicOrderPlaced      = "order.placed"
	TopicOrderCancelled   = "order.cancelled"
	TopicTradeMatched     = "trade.matched"
	TopicEscrowTransition = "escrow.transition"
	TopicDisputeOpened    = "dispute.opened"
	TopicDisputeResolved  = "dispute.resolved"
)

// Event is a domain notification. UserIDs lists the parties to notify;
// delivery is fire-and-forget and never fails the operation that emitted it.
type Event struct {
	Topic     string    `json:"topic"`
	UserIDs   []string  `json:"user_ids"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// EscrowTransitionPayload describes a single state-machine step.
type EscrowTransitionPayload struct {
	EscrowID string      `json:"escrow_id"`
	TradeID  string      `json:"trade_id"`
	From     EscrowState `json:"from"`
	To       EscrowState `json:"to"`
	Reason   string      `json:"reason,omitempty"`
}

// TradeMatchedPayload describes a fill produced by the matcher.
type TradeMatchedPayload struct {
	TradeID   string          `json:"trade_id"`
	EscrowID  string          `json:"escrow_id"`
	Asset     string          `json:"asset"`
	Fiat      string          `json:"fiat"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Envelope is the canonical wire format for events published to NATS.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
