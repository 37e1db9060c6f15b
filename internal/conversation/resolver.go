package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/message"
)

// ThreadStore is the subset of Store the resolver needs.
type ThreadStore interface {
	Create(ctx context.Context, contactID string, ct channel.ChannelType, subject string) (Conversation, error)
	Get(ctx context.Context, id string) (Conversation, error)
	FindByIDPrefix(ctx context.Context, prefix string) (Conversation, bool, error)
	FindByTicketRef(ctx context.Context, ref string) (Conversation, bool, error)
	FindOpen(ctx context.Context, contactID string, ct channel.ChannelType) (Conversation, bool, error)
	UpdateStatus(ctx context.Context, id string, status Status) (Conversation, error)
	AppendWarning(ctx context.Context, id, warning string) error
	SetMetadataKey(ctx context.Context, id, key, value string) error
}

// MessageFinder looks up prior messages for reference-based threading.
type MessageFinder interface {
	FindByExternalIDs(ctx context.Context, ct channel.ChannelType, externalIDs []string) (message.Message, bool, error)
}

// Resolution is the outcome of binding an inbound event to a thread.
type Resolution struct {
	Conversation Conversation
	Created      bool
	Warnings     []string
}

var (
	// conv-<first uuid group, 8+ hex chars>, embedded in subjects or
	// plus-addressed recipients like support+conv-1a2b3c4d@example.com.
	convTokenRe = regexp.MustCompile(`(?i)conv-([0-9a-f]{8}[0-9a-f-]*)`)
	ticketRe    = regexp.MustCompile(`(?i)ticket\s*#(\d+)`)
)

// Resolver binds normalized inbound events to conversation threads.
//
// Resolution order: explicit tokens in the subject or recipient address,
// then email reference headers, then the contact's open thread on the same
// channel, then a fresh thread. An inbound message always reopens a
// resolved or snoozed thread.
type Resolver struct {
	threads  ThreadStore
	messages MessageFinder
	logger   *slog.Logger
}

func NewResolver(log *slog.Logger, threads ThreadStore, messages MessageFinder) *Resolver {
	return &Resolver{
		threads:  threads,
		messages: messages,
		logger:   log.With(slog.String("service", "conversation.resolver")),
	}
}

// Resolve returns the thread the event belongs to, creating one if needed.
// contactID is the already-resolved sender identity.
func (r *Resolver) Resolve(ctx context.Context, contactID string, ev channel.InboundEvent) (Resolution, error) {
	conv, found, warnings, err := r.match(ctx, contactID, ev)
	if err != nil {
		return Resolution{}, err
	}

	created := false
	if !found {
		conv, err = r.threads.Create(ctx, contactID, ev.Channel, ev.Subject)
		if err != nil {
			return Resolution{}, fmt.Errorf("create conversation: %w", err)
		}
		created = true
		r.logger.Info("conversation opened",
			slog.String("conversation_id", conv.ID),
			slog.String("channel", ev.Channel.String()))
	}

	if conv.ContactID != "" && conv.ContactID != contactID {
		// Keep the thread binding but flag it: a matched token or reference
		// can arrive from a forwarded or shared mailbox.
		r.logger.Warn("inbound contact differs from conversation contact",
			slog.String("conversation_id", conv.ID),
			slog.String("conversation_contact", conv.ContactID),
			slog.String("inbound_contact", contactID))
		warnings = append(warnings, "sender does not match conversation contact")
	}

	if conv.Status != StatusOpen {
		conv, err = r.threads.UpdateStatus(ctx, conv.ID, StatusOpen)
		if err != nil {
			return Resolution{}, fmt.Errorf("reopen conversation: %w", err)
		}
		r.logger.Info("conversation reopened by inbound message",
			slog.String("conversation_id", conv.ID))
	}

	for _, w := range warnings {
		if err := r.threads.AppendWarning(ctx, conv.ID, w); err != nil {
			r.logger.Warn("append warning failed", slog.String("error", err.Error()))
		}
	}

	return Resolution{Conversation: conv, Created: created, Warnings: warnings}, nil
}

func (r *Resolver) match(ctx context.Context, contactID string, ev channel.InboundEvent) (Conversation, bool, []string, error) {
	var warnings []string

	// Explicit conv token beats everything.
	if token := extractConvToken(ev); token != "" {
		conv, ok, err := r.threads.FindByIDPrefix(ctx, token)
		if err != nil {
			return Conversation{}, false, nil, err
		}
		if ok {
			return conv, true, warnings, nil
		}
		warnings = append(warnings, fmt.Sprintf("conversation token %q did not match a thread", "conv-"+token))
	}

	// Ticket reference in the subject.
	if ref := extractTicketRef(ev.Subject); ref != "" {
		conv, ok, err := r.threads.FindByTicketRef(ctx, ref)
		if err != nil {
			return Conversation{}, false, nil, err
		}
		if ok {
			if err := r.threads.SetMetadataKey(ctx, conv.ID, MetaTicketRef, ref); err != nil {
				r.logger.Warn("record ticket ref failed", slog.String("error", err.Error()))
			}
			return conv, true, warnings, nil
		}
	}

	// Email reference headers point at messages we already stored.
	if ev.Channel == channel.ChannelEmail {
		if refs := referenceIDs(ev); len(refs) > 0 {
			prior, ok, err := r.messages.FindByExternalIDs(ctx, ev.Channel, refs)
			if err != nil {
				return Conversation{}, false, nil, err
			}
			if ok && prior.ConversationID != "" {
				conv, err := r.threads.Get(ctx, prior.ConversationID)
				if err == nil {
					return conv, true, warnings, nil
				}
				r.logger.Warn("referenced conversation not loadable",
					slog.String("conversation_id", prior.ConversationID),
					slog.String("error", err.Error()))
			}
		}
	}

	// Fall back to the contact's open thread on this channel.
	conv, ok, err := r.threads.FindOpen(ctx, contactID, ev.Channel)
	if err != nil {
		return Conversation{}, false, nil, err
	}
	if ok {
		if ev.Channel == channel.ChannelEmail && looksLikeReply(ev) {
			// A reply without any continuity signal landed on the open thread
			// by contact identity alone. Surface that to operators.
			warnings = append(warnings, "reply matched open conversation without threading headers")
		}
		return conv, true, warnings, nil
	}

	return Conversation{}, false, warnings, nil
}

// extractConvToken searches the subject and recipient-side metadata for an
// embedded conv-<uuid fragment> token.
func extractConvToken(ev channel.InboundEvent) string {
	candidates := []string{ev.Subject, ev.Header("To"), ev.Header("Delivered-To")}
	if v, ok := ev.Metadata["recipient"].(string); ok {
		candidates = append(candidates, v)
	}
	for _, c := range candidates {
		if m := convTokenRe.FindStringSubmatch(c); m != nil {
			return strings.ToLower(m[1])
		}
	}
	return ""
}

func extractTicketRef(subject string) string {
	if m := ticketRe.FindStringSubmatch(subject); m != nil {
		return m[1]
	}
	return ""
}

// referenceIDs collects In-Reply-To and References message IDs, stripped of
// angle brackets, newest-first order preserved from the headers.
func referenceIDs(ev channel.InboundEvent) []string {
	var ids []string
	seen := map[string]struct{}{}
	add := func(raw string) {
		for _, f := range strings.Fields(raw) {
			id := strings.Trim(f, "<>")
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	add(ev.Header("In-Reply-To"))
	add(ev.Header("References"))
	return ids
}

// looksLikeReply reports whether a subject carries a reply prefix while the
// event lacks threading headers, the case that warrants a warning.
func looksLikeReply(ev channel.InboundEvent) bool {
	subject := strings.ToLower(strings.TrimSpace(ev.Subject))
	hasPrefix := strings.HasPrefix(subject, "re:") || strings.HasPrefix(subject, "fwd:") || strings.HasPrefix(subject, "fw:")
	return hasPrefix && len(referenceIDs(ev)) == 0
}
