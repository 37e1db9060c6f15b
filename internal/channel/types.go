// Package channel provides a unified abstraction for the messaging transports
// served by the hub. It defines canonical message types, adapter interfaces,
// and a registry keyed by channel type.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging transport.
type ChannelType string

const (
	ChannelEmail      ChannelType = "email"
	ChannelWhatsApp   ChannelType = "whatsapp"
	ChannelMessenger  ChannelType = "facebook_messenger"
	ChannelInstagram  ChannelType = "instagram_dm"
	ChannelChatWidget ChannelType = "chat_widget"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// ParseChannelType normalizes a raw string into a ChannelType.
// Registration against the registry decides whether it is supported.
func ParseChannelType(raw string) ChannelType {
	return ChannelType(strings.TrimSpace(strings.ToLower(raw)))
}

// RawInbound is a provider payload before normalization. Webhook handlers and
// mailbox pollers construct it; the inbound normalizer consumes it.
type RawInbound struct {
	Channel     ChannelType         `json:"channel"`
	TargetID    string              `json:"target_id,omitempty"`
	RoutingKey  string              `json:"routing_key,omitempty"`
	Sender      string              `json:"sender"`
	SenderName  string              `json:"sender_name,omitempty"`
	ExternalID  string              `json:"external_id,omitempty"`
	Subject     string              `json:"subject,omitempty"`
	Body        string              `json:"body"`
	ReceivedAt  time.Time           `json:"received_at,omitempty"`
	Headers     map[string]string   `json:"headers,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	Attachments []InboundAttachment `json:"attachments,omitempty"`
}

// InboundAttachment carries raw attachment bytes from the transport.
type InboundAttachment struct {
	Name string
	Mime string
	Data []byte
}

// InboundEvent is the canonical normalized form of a RawInbound payload.
type InboundEvent struct {
	Channel       ChannelType
	TargetID      string
	SenderAddress string
	SenderName    string
	ExternalID    string
	Subject       string
	Body          string
	ReceivedAt    time.Time
	Headers       map[string]string
	Metadata      map[string]any
	Attachments   []InboundAttachment
}

// Header returns the trimmed header value for the given key, case-insensitive.
func (e InboundEvent) Header(key string) string {
	for k, v := range e.Headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// SendRequest describes one outbound send. It is the unit serialized into the
// outbox payload, so all fields must round-trip through JSON.
type SendRequest struct {
	ConversationID string            `json:"conversation_id" validate:"required,uuid"`
	Channel        ChannelType       `json:"channel" validate:"required"`
	TargetID       string            `json:"target_id,omitempty"`
	To             string            `json:"to,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	Body           string            `json:"body" validate:"required"`
	Vars           map[string]string `json:"vars,omitempty"`
	Attachments    []AttachmentRef   `json:"attachments,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// AttachmentRef points to a stored attachment blob.
type AttachmentRef struct {
	Ref  string `json:"ref"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Descriptor exposes channel-level policy to the dispatcher.
type Descriptor struct {
	Type        ChannelType
	DisplayName string
	// ReplyWindow bounds business-initiated sends after the last inbound
	// message. Zero means no window restriction.
	ReplyWindow time.Duration
}
