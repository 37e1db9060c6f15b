// Package outbox is the durable send queue. Accepted sends survive restarts
// and are delivered by background workers with classified retries.
package outbox

import (
	"time"

	"github.com/commshubhq/commshub/internal/channel"
)

// Status is the delivery lifecycle state of an outbox entry.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusRetrying  Status = "retrying"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further attempts.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Entry is one durable send. Payload is the original request; MessageID links
// the conversation message row created on the first attempt.
type Entry struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	Channel        channel.ChannelType `json:"channel"`
	Status         Status              `json:"status"`
	Attempts       int                 `json:"attempts"`
	NextAttemptAt  time.Time           `json:"next_attempt_at"`
	LastError      string              `json:"last_error,omitempty"`
	Payload        channel.SendRequest `json:"payload"`
	IdempotencyKey string              `json:"idempotency_key"`
	Priority       int                 `json:"priority"`
	MessageID      string              `json:"message_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Counts summarizes queue depth per status for the admin surface.
type Counts map[Status]int
