package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/commshubhq/commshub/internal/attachment"
	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/connector"
	"github.com/commshubhq/commshub/internal/contact"
	"github.com/commshubhq/commshub/internal/conversation"
	"github.com/commshubhq/commshub/internal/deadletter"
	"github.com/commshubhq/commshub/internal/event"
	"github.com/commshubhq/commshub/internal/fault"
	"github.com/commshubhq/commshub/internal/message"
)

// defaultPersistAttempts bounds retries of the storage stage before the
// payload is parked in dead letters, when no limit is configured.
const defaultPersistAttempts = 3

// Pipeline is the end-to-end inbound ingestion path. Webhook handlers and
// mailbox pollers feed it raw payloads; it owns everything from normalization
// to the persisted message and the published notification.
type Pipeline struct {
	connectors      *connector.Service
	normalizer      *Normalizer
	contacts        contact.Resolver
	resolver        *conversation.Resolver
	threads         *conversation.Store
	messages        *message.Store
	attachments     attachment.Store
	events          event.Publisher
	letters         *deadletter.Store
	persistAttempts int
	logger          *slog.Logger
}

func NewPipeline(
	log *slog.Logger,
	connectors *connector.Service,
	normalizer *Normalizer,
	contacts contact.Resolver,
	resolver *conversation.Resolver,
	threads *conversation.Store,
	messages *message.Store,
	attachments attachment.Store,
	events event.Publisher,
	letters *deadletter.Store,
	persistAttempts int,
) *Pipeline {
	if persistAttempts <= 0 {
		persistAttempts = defaultPersistAttempts
	}
	return &Pipeline{
		connectors:      connectors,
		normalizer:      normalizer,
		contacts:        contacts,
		resolver:        resolver,
		threads:         threads,
		messages:        messages,
		attachments:     attachments,
		events:          events,
		letters:         letters,
		persistAttempts: persistAttempts,
		logger:          log.With(slog.String("service", "inbound")),
	}
}

// Ingest processes one raw inbound payload. Suppressed payloads (echoes and
// duplicates) return a nil error so callers ack the provider; a duplicate's
// outcome carries the message it converged on. Payloads that fail
// normalization, or that exhaust the persistence retry budget, are parked in
// dead letters.
func (p *Pipeline) Ingest(ctx context.Context, raw channel.RawInbound) (Outcome, error) {
	target, err := p.connectors.Resolve(ctx, raw.Channel, raw.TargetID, raw.RoutingKey)
	if err != nil {
		if !fault.Retryable(err) {
			p.park(ctx, raw, err)
		}
		return Outcome{}, err
	}

	outcome, err := p.normalizer.Normalize(ctx, target, raw)
	if err != nil {
		if fault.KindOf(err) == fault.KindValidation {
			p.park(ctx, raw, err)
		}
		return Outcome{}, err
	}
	if outcome.Suppressed {
		p.logger.Info("inbound suppressed",
			slog.String("channel", raw.Channel.String()),
			slog.String("reason", string(outcome.Reason)))
		return outcome, nil
	}

	msg, created, err := p.persistWithRetry(ctx, outcome)
	if err != nil {
		p.park(ctx, raw, err)
		return Outcome{}, err
	}

	p.publish(msg, created)
	outcome.Existing = &msg
	return outcome, nil
}

// Replay re-runs a parked payload through the pipeline and marks the record
// replayed on success.
func (p *Pipeline) Replay(ctx context.Context, id string) (Outcome, error) {
	rec, err := p.letters.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	var raw channel.RawInbound
	if err := json.Unmarshal(rec.Payload, &raw); err != nil {
		return Outcome{}, fault.Validation("dead letter payload is not replayable: %v", err)
	}
	outcome, err := p.Ingest(ctx, raw)
	if err != nil {
		return Outcome{}, err
	}
	if err := p.letters.MarkReplayed(ctx, id); err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (p *Pipeline) persistWithRetry(ctx context.Context, outcome Outcome) (message.Message, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= p.persistAttempts; attempt++ {
		msg, created, err := p.persist(ctx, outcome)
		if err == nil {
			return msg, created, nil
		}
		lastErr = err
		if !fault.Retryable(err) {
			return message.Message{}, false, err
		}
		p.logger.Warn("inbound persist attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return message.Message{}, false, ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return message.Message{}, false, lastErr
}

func (p *Pipeline) persist(ctx context.Context, outcome Outcome) (message.Message, bool, error) {
	ev := outcome.Event

	c, _, err := p.contacts.ResolveOrCreate(ctx, ev.Channel, ev.SenderAddress, ev.SenderName)
	if err != nil {
		return message.Message{}, false, fmt.Errorf("resolve contact: %w", err)
	}

	res, err := p.resolver.Resolve(ctx, c.ID, ev)
	if err != nil {
		return message.Message{}, false, err
	}

	metadata := map[string]any{}
	for k, v := range ev.Metadata {
		metadata[k] = v
	}
	if ev.SenderName != "" {
		metadata["sender_name"] = ev.SenderName
	}
	if refs := p.storeAttachments(ctx, ev.Attachments); len(refs) > 0 {
		metadata["attachments"] = refs
	}

	msg, err := p.messages.Create(ctx, message.Message{
		ConversationID: res.Conversation.ID,
		Channel:        ev.Channel,
		Direction:      message.DirectionInbound,
		Status:         message.StatusReceived,
		ExternalID:     ev.ExternalID,
		TargetID:       ev.TargetID,
		SenderAddress:  ev.SenderAddress,
		Subject:        ev.Subject,
		Body:           ev.Body,
		Fingerprint:    outcome.Fingerprint,
		OccurredAt:     ev.ReceivedAt,
		Metadata:       metadata,
	})
	if err != nil {
		return message.Message{}, false, fmt.Errorf("store inbound message: %w", err)
	}

	if err := p.threads.TouchLastMessage(ctx, res.Conversation.ID, ev.ReceivedAt); err != nil {
		p.logger.Warn("touch conversation failed",
			slog.String("conversation_id", res.Conversation.ID),
			slog.String("error", err.Error()))
	}

	p.logger.Info("inbound message stored",
		slog.String("message_id", msg.ID),
		slog.String("conversation_id", msg.ConversationID),
		slog.String("channel", msg.Channel.String()))
	return msg, res.Created, nil
}

func (p *Pipeline) storeAttachments(ctx context.Context, items []channel.InboundAttachment) []attachment.Ref {
	var refs []attachment.Ref
	for _, a := range items {
		ref, err := p.attachments.Put(ctx, a.Name, a.Mime, a.Data)
		if err != nil {
			p.logger.Warn("store attachment failed",
				slog.String("name", a.Name),
				slog.String("error", err.Error()))
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func (p *Pipeline) publish(msg message.Message, conversationCreated bool) {
	if conversationCreated {
		p.events.Publish(event.Event{
			Type:           event.TypeConversationOpened,
			ConversationID: msg.ConversationID,
		})
	}
	data, _ := json.Marshal(msg)
	p.events.Publish(event.Event{
		Type:           event.TypeMessageReceived,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Data:           data,
	})
}

func (p *Pipeline) park(ctx context.Context, raw channel.RawInbound, cause error) {
	if p.letters == nil {
		return
	}
	if _, err := p.letters.Park(ctx, raw.Channel.String(), raw.TargetID, raw, cause, ""); err != nil {
		p.logger.Error("park dead letter failed", slog.String("error", err.Error()))
	}
}
