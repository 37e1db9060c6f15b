package outbox

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/fault"
	"github.com/commshubhq/commshub/internal/message"
)

// Deliverer is the send-path surface the outbox drives; the outbound
// dispatcher satisfies it.
type Deliverer interface {
	Prepare(ctx context.Context, req channel.SendRequest) (message.Message, error)
	Deliver(ctx context.Context, msg message.Message, req channel.SendRequest) channel.SendOutcome
	Fail(ctx context.Context, messageID, summary string)
}

// MessageLoader loads the prepared message row on retry attempts.
type MessageLoader interface {
	Get(ctx context.Context, id string) (message.Message, error)
}

// EntryStore is the persistence surface the service drives; *Store satisfies
// it. Claim increments the attempt counter, the mark operations do not.
type EntryStore interface {
	Insert(ctx context.Context, req channel.SendRequest, idempotencyKey string, priority int) (Entry, bool, error)
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, status Status, limit int32) ([]Entry, error)
	Claim(ctx context.Context, id string) (Entry, bool, error)
	SetMessageID(ctx context.Context, id, messageID string) error
	MarkSent(ctx context.Context, id string) error
	MarkRetrying(ctx context.Context, id string, nextAttempt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	Cancel(ctx context.Context, id string) (Entry, error)
	Retry(ctx context.Context, id string) (Entry, error)
	CountByStatus(ctx context.Context) (Counts, error)
}

// Service owns enqueueing and per-entry processing. Workers call Process;
// handlers call Enqueue and the admin operations.
type Service struct {
	store    EntryStore
	registry *channel.Registry
	deliver  Deliverer
	messages MessageLoader
	policy   BackoffPolicy
	validate *validator.Validate
	logger   *slog.Logger
}

func NewService(log *slog.Logger, store EntryStore, registry *channel.Registry, deliver Deliverer, messages MessageLoader, policy BackoffPolicy) *Service {
	if policy.MaxAttempts <= 0 {
		policy = DefaultBackoff()
	}
	return &Service{
		store:    store,
		registry: registry,
		deliver:  deliver,
		messages: messages,
		policy:   policy,
		validate: validator.New(),
		logger:   log.With(slog.String("service", "outbox")),
	}
}

// Enqueue accepts a send for durable delivery. A repeated idempotency key
// returns the stored entry, whatever its status, with enqueued=false; the
// caller treats that as success.
func (s *Service) Enqueue(ctx context.Context, req channel.SendRequest, idempotencyKey string, priority int) (Entry, bool, error) {
	if err := s.validate.Struct(req); err != nil {
		return Entry{}, false, fault.Wrap(fault.KindValidation, err)
	}
	if _, err := s.registry.Parse(req.Channel.String()); err != nil {
		return Entry{}, false, fault.Wrap(fault.KindValidation, err)
	}
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	entry, inserted, err := s.store.Insert(ctx, req, key, priority)
	if err != nil {
		return Entry{}, false, err
	}
	if inserted {
		s.logger.Info("outbound send enqueued",
			slog.String("entry_id", entry.ID),
			slog.String("conversation_id", entry.ConversationID),
			slog.String("channel", entry.Channel.String()))
	} else {
		s.logger.Debug("idempotency key replay",
			slog.String("entry_id", entry.ID),
			slog.String("status", string(entry.Status)))
	}
	return entry, inserted, nil
}

// Process runs one delivery attempt for a due entry. It never returns a
// provider failure as an error; failures are recorded on the entry.
func (s *Service) Process(ctx context.Context, id string) error {
	entry, claimed, err := s.store.Claim(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	msg, ok := s.ensureMessage(ctx, &entry)
	if !ok {
		return nil
	}

	outcome := s.deliver.Deliver(ctx, msg, entry.Payload)
	switch {
	case outcome.OK():
		if err := s.store.MarkSent(ctx, entry.ID); err != nil {
			return err
		}
	case outcome.Retryable():
		s.scheduleRetry(ctx, entry, outcome.ErrorSummary())
	default:
		// Dispatcher already finalized the message row.
		if err := s.store.MarkFailed(ctx, entry.ID, outcome.ErrorSummary()); err != nil {
			return err
		}
		s.logger.Warn("outbox entry failed permanently",
			slog.String("entry_id", entry.ID),
			slog.String("class", string(outcome.Class)),
			slog.String("error", outcome.ErrorSummary()))
	}
	return nil
}

// ensureMessage prepares the conversation message row on the first attempt
// and loads it on later ones.
func (s *Service) ensureMessage(ctx context.Context, entry *Entry) (message.Message, bool) {
	if entry.MessageID != "" {
		msg, err := s.messages.Get(ctx, entry.MessageID)
		if err == nil {
			return msg, true
		}
		s.logger.Error("load prepared message failed",
			slog.String("entry_id", entry.ID),
			slog.String("message_id", entry.MessageID),
			slog.String("error", err.Error()))
		s.scheduleRetry(ctx, *entry, err.Error())
		return message.Message{}, false
	}

	msg, err := s.deliver.Prepare(ctx, entry.Payload)
	if err != nil {
		if fault.Retryable(err) {
			s.scheduleRetry(ctx, *entry, err.Error())
		} else {
			if markErr := s.store.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
				s.logger.Error("mark entry failed", slog.String("error", markErr.Error()))
			}
			s.logger.Warn("outbox entry rejected",
				slog.String("entry_id", entry.ID),
				slog.String("error", err.Error()))
		}
		return message.Message{}, false
	}
	if err := s.store.SetMessageID(ctx, entry.ID, msg.ID); err != nil {
		s.logger.Error("link outbox message", slog.String("error", err.Error()))
	}
	entry.MessageID = msg.ID
	return msg, true
}

// scheduleRetry records the failed attempt. Claim already counted it, so
// entry.Attempts includes the pass that just failed.
func (s *Service) scheduleRetry(ctx context.Context, entry Entry, summary string) {
	attempt := entry.Attempts
	if s.policy.Exhausted(attempt) {
		if err := s.store.MarkFailed(ctx, entry.ID, summary); err != nil {
			s.logger.Error("mark entry failed", slog.String("error", err.Error()))
		}
		if entry.MessageID != "" {
			s.deliver.Fail(ctx, entry.MessageID, "retry budget exhausted: "+summary)
		}
		s.logger.Warn("outbox entry exhausted retries",
			slog.String("entry_id", entry.ID),
			slog.Int("attempts", attempt))
		return
	}
	next := time.Now().UTC().Add(s.policy.NextDelay(attempt))
	if err := s.store.MarkRetrying(ctx, entry.ID, next, summary); err != nil {
		s.logger.Error("mark entry retrying", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("outbox entry scheduled for retry",
		slog.String("entry_id", entry.ID),
		slog.Int("attempt", attempt),
		slog.Time("next_attempt_at", next))
}

// Get exposes one entry for the admin surface.
func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	return s.store.Get(ctx, id)
}

// List exposes entries filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int32) ([]Entry, error) {
	return s.store.List(ctx, status, limit)
}

// Counts exposes queue depth per status.
func (s *Service) Counts(ctx context.Context) (Counts, error) {
	return s.store.CountByStatus(ctx)
}

// Cancel withdraws a pending entry and fails its message row if one exists.
func (s *Service) Cancel(ctx context.Context, id string) (Entry, error) {
	entry, err := s.store.Cancel(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if entry.MessageID != "" {
		s.deliver.Fail(ctx, entry.MessageID, "cancelled by operator")
	}
	s.logger.Info("outbox entry cancelled", slog.String("entry_id", entry.ID))
	return entry, nil
}

// Retry requeues a failed entry for an immediate attempt.
func (s *Service) Retry(ctx context.Context, id string) (Entry, error) {
	return s.store.Retry(ctx, id)
}
