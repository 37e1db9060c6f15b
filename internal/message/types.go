// Package message persists and reads conversation messages.
package message

import (
	"time"

	"github.com/commshubhq/commshub/internal/channel"
)

// Direction distinguishes customer traffic from agent traffic.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

// Status is the delivery state of a message. Inbound messages land as
// received; outbound messages move queued → sent|failed.
type Status string

const (
	StatusReceived Status = "received"
	StatusQueued   Status = "queued"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// Message is an immutable-once-sent unit within a conversation.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	Channel        channel.ChannelType `json:"channel"`
	Direction      Direction           `json:"direction"`
	Status         Status              `json:"status"`
	ExternalID     string              `json:"external_id,omitempty"`
	TargetID       string              `json:"target_id,omitempty"`
	SenderAddress  string              `json:"sender_address,omitempty"`
	Subject        string              `json:"subject,omitempty"`
	Body           string              `json:"body"`
	Fingerprint    string              `json:"-"`
	OccurredAt     time.Time           `json:"occurred_at"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}
