package domain

import (
	"encoding/json"
	"time"
)

// ChatMessage is immutable once composed. MessageID is generated by the
// sender and is the idempotency key for delivery and receipts.
type ChatMessage struct {
	From      PeerID          `json:"from"`
	To        PeerID          `json:"to"`
	MessageID string          `json:"messageId"`
	Text      string          `json:"text"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Conversation returns the key this message belongs to.
func (m ChatMessage) Conversation() ConversationKey {
	return NewConversationKey(m.From, m.To)
}

// ReceiptStatus is the delivery state of a message. Statuses only move forward.
type ReceiptStatus string

const (
	StatusPending   ReceiptStatus = "pending" // local only, before the relay ack
	StatusSent      ReceiptStatus = "sent"
	StatusDelivered ReceiptStatus = "delivered"
	StatusSeen      ReceiptStatus = "seen"
)

// Rank orders statuses; unknown statuses rank below pending.
func (s ReceiptStatus) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusSeen:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s may appear on the wire in a receipt.
func (s ReceiptStatus) Valid() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusSeen
}

// Advances reports whether moving from s to next is a forward step.
func (s ReceiptStatus) Advances(next ReceiptStatus) bool {
	return next.Rank() > s.Rank()
}

// DeliveryReceipt reports the status of one message.
type DeliveryReceipt struct {
	MessageID string        `json:"messageId"`
	Status    ReceiptStatus `json:"status"`
	From      PeerID        `json:"from,omitempty"`
	To        PeerID        `json:"to,omitempty"`
}

// TypingSignal is an ephemeral typing hint. Last write wins.
type TypingSignal struct {
	From     PeerID `json:"from,omitempty"`
	To       PeerID `json:"to,omitempty"`
	IsTyping bool   `json:"isTyping"`
}
