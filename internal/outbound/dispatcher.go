package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/connector"
	"github.com/commshubhq/commshub/internal/conversation"
	"github.com/commshubhq/commshub/internal/event"
	"github.com/commshubhq/commshub/internal/fault"
	"github.com/commshubhq/commshub/internal/message"
)

// MessageStore is the message persistence surface the dispatcher needs;
// *message.Store satisfies it.
type MessageStore interface {
	Create(ctx context.Context, msg message.Message) (message.Message, error)
	Get(ctx context.Context, id string) (message.Message, error)
	LastInbound(ctx context.Context, conversationID string) (message.Message, bool, error)
	UpdateStatus(ctx context.Context, id string, status message.Status, errSummary string) error
	SetExternalID(ctx context.Context, id, externalID string) error
}

// ThreadStore is the conversation surface the dispatcher needs.
type ThreadStore interface {
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	TouchLastMessage(ctx context.Context, id string, at time.Time) error
}

// TargetResolver picks the credentialed target for a send.
type TargetResolver interface {
	Resolve(ctx context.Context, ct channel.ChannelType, explicitID, routingKey string) (connector.Target, error)
}

// Dispatcher delivers one outbound send. Prepare validates the request and
// creates the queued message row once; Deliver runs a single provider attempt
// and records the terminal state. Retry scheduling belongs to the outbox.
type Dispatcher struct {
	registry    *channel.Registry
	connectors  TargetResolver
	messages    MessageStore
	threads     ThreadStore
	events      event.Publisher
	sendTimeout time.Duration
	logger      *slog.Logger
}

func NewDispatcher(
	log *slog.Logger,
	registry *channel.Registry,
	connectors TargetResolver,
	messages MessageStore,
	threads ThreadStore,
	events event.Publisher,
	sendTimeout time.Duration,
) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		registry:    registry,
		connectors:  connectors,
		messages:    messages,
		threads:     threads,
		events:      events,
		sendTimeout: sendTimeout,
		logger:      log.With(slog.String("service", "outbound")),
	}
}

// Prepare validates the request against the conversation's channel binding
// and creates the queued message row. Replies go out on the channel the
// conversation lives on; cross-channel sends are rejected before any
// provider traffic.
func (d *Dispatcher) Prepare(ctx context.Context, req channel.SendRequest) (message.Message, error) {
	conv, err := d.threads.Get(ctx, req.ConversationID)
	if err != nil {
		return message.Message{}, err
	}
	if req.Channel == "" {
		req.Channel = conv.Channel
	}
	if req.Channel != conv.Channel {
		return message.Message{}, fault.Validation(
			"conversation %s is bound to channel %s; cannot send on %s",
			conv.ID, conv.Channel, req.Channel)
	}
	if _, ok := d.registry.GetSender(req.Channel); !ok {
		return message.Message{}, fault.Validation("channel %s has no outbound transport", req.Channel)
	}

	msg, err := d.messages.Create(ctx, message.Message{
		ConversationID: conv.ID,
		Channel:        req.Channel,
		Direction:      message.DirectionOutbound,
		Status:         message.StatusQueued,
		TargetID:       req.TargetID,
		Subject:        req.Subject,
		Body:           Render(req.Body, req.Vars),
		OccurredAt:     time.Now().UTC(),
		Metadata:       req.Metadata,
	})
	if err != nil {
		return message.Message{}, fmt.Errorf("create outbound message: %w", err)
	}
	return msg, nil
}

// Deliver runs one provider attempt for a prepared message. Transient
// failures leave the message queued for the outbox to retry; permanent and
// auth failures finalize it as failed.
func (d *Dispatcher) Deliver(ctx context.Context, msg message.Message, req channel.SendRequest) channel.SendOutcome {
	conv := msg.ConversationID

	last, hasInbound, err := d.messages.LastInbound(ctx, conv)
	if err != nil {
		return channel.TransientFailure(fmt.Errorf("load last inbound: %w", err))
	}

	if desc, ok := d.registry.GetDescriptor(msg.Channel); ok && desc.ReplyWindow > 0 {
		if !hasInbound {
			outcome := channel.PermanentFailure(fmt.Errorf(
				"channel %s only allows replies within %s of an inbound message; conversation has none",
				msg.Channel, desc.ReplyWindow))
			d.finalize(ctx, msg, outcome)
			return outcome
		}
		if age := time.Since(last.OccurredAt); age > desc.ReplyWindow {
			outcome := channel.PermanentFailure(fmt.Errorf(
				"reply window of %s exceeded: last inbound was %s ago", desc.ReplyWindow, age.Round(time.Minute)))
			d.finalize(ctx, msg, outcome)
			return outcome
		}
	}

	// Replies stay on the target the customer wrote to. An explicit target
	// that contradicts the thread is rejected before any provider traffic.
	if req.TargetID != "" && hasInbound && last.TargetID != "" && req.TargetID != last.TargetID {
		outcome := channel.PermanentFailure(fmt.Errorf(
			"conversation %s last received through target %s; cannot send through target %s",
			conv, last.TargetID, req.TargetID))
		d.finalize(ctx, msg, outcome)
		return outcome
	}

	// Reply addressing defaults to the customer side of the thread.
	if req.To == "" && hasInbound {
		req.To = last.SenderAddress
	}
	targetID := req.TargetID
	if targetID == "" && hasInbound {
		targetID = last.TargetID
	}
	target, err := d.connectors.Resolve(ctx, msg.Channel, targetID, "")
	if err != nil {
		outcome := outcomeFromFault(err)
		if !outcome.Retryable() {
			d.finalize(ctx, msg, outcome)
		}
		return outcome
	}

	sender, ok := d.registry.GetSender(msg.Channel)
	if !ok {
		outcome := channel.PermanentFailure(fmt.Errorf("channel %s has no outbound transport", msg.Channel))
		d.finalize(ctx, msg, outcome)
		return outcome
	}

	req.Body = msg.Body
	req.Subject = msg.Subject

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	outcome := sender.Send(sendCtx, target.Credentials, req)

	if outcome.OK() {
		d.finalize(ctx, msg, outcome)
		return outcome
	}
	d.logger.Warn("outbound send failed",
		slog.String("message_id", msg.ID),
		slog.String("channel", msg.Channel.String()),
		slog.String("class", string(outcome.Class)),
		slog.String("error", outcome.ErrorSummary()))
	if !outcome.Retryable() {
		d.finalize(ctx, msg, outcome)
	}
	return outcome
}

// Fail finalizes a message as failed, used by the outbox when the retry
// budget is exhausted or an entry is cancelled.
func (d *Dispatcher) Fail(ctx context.Context, messageID, summary string) {
	msg, err := d.messages.Get(ctx, messageID)
	if err != nil {
		d.logger.Warn("load message for failure", slog.String("error", err.Error()))
		return
	}
	d.finalize(ctx, msg, channel.PermanentFailure(fmt.Errorf("%s", summary)))
}

func (d *Dispatcher) finalize(ctx context.Context, msg message.Message, outcome channel.SendOutcome) {
	if outcome.OK() {
		if err := d.messages.UpdateStatus(ctx, msg.ID, message.StatusSent, ""); err != nil {
			d.logger.Error("mark message sent", slog.String("error", err.Error()))
		}
		if outcome.ProviderMessageID != "" {
			if err := d.messages.SetExternalID(ctx, msg.ID, outcome.ProviderMessageID); err != nil {
				d.logger.Warn("record provider message id", slog.String("error", err.Error()))
			}
		}
		if err := d.threads.TouchLastMessage(ctx, msg.ConversationID, time.Now().UTC()); err != nil {
			d.logger.Warn("touch conversation", slog.String("error", err.Error()))
		}
		d.publish(event.TypeMessageSent, msg)
		d.logger.Info("outbound message sent",
			slog.String("message_id", msg.ID),
			slog.String("channel", msg.Channel.String()),
			slog.String("provider_message_id", outcome.ProviderMessageID))
		return
	}

	if err := d.messages.UpdateStatus(ctx, msg.ID, message.StatusFailed, outcome.ErrorSummary()); err != nil {
		d.logger.Error("mark message failed", slog.String("error", err.Error()))
	}
	d.publish(event.TypeMessageFailed, msg)
}

func (d *Dispatcher) publish(t event.Type, msg message.Message) {
	data, _ := json.Marshal(msg)
	d.events.Publish(event.Event{
		Type:           t,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Data:           data,
	})
}

// outcomeFromFault maps engine faults on the send path into outcome classes.
func outcomeFromFault(err error) channel.SendOutcome {
	switch fault.KindOf(err) {
	case fault.KindTransient:
		return channel.TransientFailure(err)
	case fault.KindConfig:
		return channel.AuthFailure(err, 0, "")
	default:
		return channel.PermanentFailure(err)
	}
}
