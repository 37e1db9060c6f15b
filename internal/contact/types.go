// Package contact resolves inbound sender addresses to known contacts.
// Identity storage proper lives outside the engine; the engine consumes the
// Resolver interface and ships a Postgres-backed default.
package contact

import (
	"context"
	"time"

	"github.com/commshubhq/commshub/internal/channel"
)

// Contact is a known person owning one or more channel addresses.
type Contact struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// PersonChannel is a contact's address on one channel, stored in the
// channel's normalized form. At most one per channel type is primary.
type PersonChannel struct {
	ID        string
	ContactID string
	Channel   channel.ChannelType
	Address   string
	Primary   bool
}

// Resolver is the collaborator interface the inbound pipeline consumes.
type Resolver interface {
	// ResolveOrCreate finds the contact owning the normalized address on the
	// given channel, creating contact and channel rows when absent.
	ResolveOrCreate(ctx context.Context, ct channel.ChannelType, address, displayName string) (Contact, PersonChannel, error)
}
