// Package widget implements the chat widget channel adapter. The widget has
// no external provider: inbound arrives over the public API and outbound is
// delivered to connected clients through the event hub.
package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/event"
)

type Adapter struct {
	events event.Publisher
	logger *slog.Logger
}

func New(log *slog.Logger, events event.Publisher) *Adapter {
	return &Adapter{
		events: events,
		logger: log.With(slog.String("adapter", "widget")),
	}
}

func (a *Adapter) Type() channel.ChannelType { return channel.ChannelChatWidget }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.ChannelChatWidget,
		DisplayName: "Chat Widget",
	}
}

// NormalizeAddress trims the widget session/visitor ID.
func (a *Adapter) NormalizeAddress(raw string) string {
	return strings.TrimSpace(raw)
}

func (a *Adapter) Normalize(raw channel.RawInbound) (channel.InboundEvent, error) {
	sender := a.NormalizeAddress(raw.Sender)
	if sender == "" {
		return channel.InboundEvent{}, fmt.Errorf("widget visitor id is required")
	}
	if strings.TrimSpace(raw.Body) == "" {
		return channel.InboundEvent{}, fmt.Errorf("widget message body is required")
	}
	return channel.InboundEvent{
		Channel:       channel.ChannelChatWidget,
		SenderAddress: sender,
		SenderName:    raw.SenderName,
		ExternalID:    raw.ExternalID,
		Body:          raw.Body,
		ReceivedAt:    raw.ReceivedAt,
		Metadata:      raw.Metadata,
	}, nil
}

// SelfAddresses is empty: the widget never echoes agent traffic back through
// the inbound path.
func (a *Adapter) SelfAddresses(map[string]any) []string { return nil }

// Send publishes the reply to subscribed widget clients. Delivery to a
// disconnected visitor is still a success; the client fetches history on
// reconnect.
func (a *Adapter) Send(_ context.Context, _ map[string]any, req channel.SendRequest) channel.SendOutcome {
	id := uuid.NewString()
	data, _ := json.Marshal(map[string]any{
		"to":   req.To,
		"body": req.Body,
	})
	a.events.Publish(event.Event{
		Type:           event.TypeMessageSent,
		ConversationID: req.ConversationID,
		MessageID:      id,
		Data:           data,
	})
	return channel.Sent(id)
}

var (
	_ channel.Adapter = (*Adapter)(nil)
	_ channel.Sender  = (*Adapter)(nil)
)
