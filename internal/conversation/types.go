// Package conversation owns conversation threads and binds inbound messages
// to them.
package conversation

import (
	"time"

	"github.com/commshubhq/commshub/internal/channel"
)

// Status is the agent-facing state of a thread.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusSnoozed  Status = "snoozed"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusOpen, StatusPending, StatusResolved, StatusSnoozed:
		return Status(raw), true
	}
	return "", false
}

// Conversation is an ongoing thread with one contact on one channel.
// At most one thread per contact+channel pair is treated as the open thread;
// resolution either reuses it or explicitly supersedes it. Threads are never
// hard-deleted.
type Conversation struct {
	ID            string              `json:"id"`
	ContactID     string              `json:"contact_id"`
	Channel       channel.ChannelType `json:"channel"`
	Status        Status              `json:"status"`
	Subject       string              `json:"subject,omitempty"`
	LastMessageAt time.Time           `json:"last_message_at,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Metadata keys used for thread-continuity annotations.
const (
	// MetaWarnings accumulates non-fatal resolution warnings shown to operators.
	MetaWarnings = "warnings"
	// MetaTicketRef records a numeric ticket token matched from an email subject.
	MetaTicketRef = "ticket_ref"
)
