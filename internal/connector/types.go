// Package connector resolves which configured credential/target serves a
// given channel and logical routing key. Targets are owned by the external
// configuration subsystem; the engine reads them and only writes back the
// mailbox cursor kept in Settings.
package connector

import (
	"time"

	"github.com/commshubhq/commshub/internal/channel"
)

// Target is one configured credential and routing scope: a mailbox, a
// WhatsApp business number, or a Meta page/account.
type Target struct {
	ID      string
	Channel channel.ChannelType
	Name    string
	// RoutingKey is the provider-side routing identity: the mailbox address,
	// the WhatsApp phone-number ID, or the Meta page/account ID.
	RoutingKey  string
	Credentials map[string]any
	Settings    map[string]any
	Disabled    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Credential returns a string credential field, or empty when absent.
func (t Target) Credential(key string) string {
	v, _ := t.Credentials[key].(string)
	return v
}
