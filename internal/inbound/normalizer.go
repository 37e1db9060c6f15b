// Package inbound runs the ingestion pipeline: normalize a raw provider
// payload, suppress echoes and duplicates, resolve contact and conversation,
// and persist the message.
package inbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/connector"
	"github.com/commshubhq/commshub/internal/fault"
	"github.com/commshubhq/commshub/internal/message"
)

// SuppressReason explains why an inbound payload produced no new message.
type SuppressReason string

const (
	ReasonDuplicate SuppressReason = "duplicate"
	ReasonSelfSent  SuppressReason = "self_sent"
)

// Outcome is the normalizer verdict for one raw payload. Suppression is a
// success, not an error: the caller acks the provider either way.
type Outcome struct {
	Suppressed bool
	Reason     SuppressReason
	// Existing is the previously stored message a duplicate converged on.
	Existing *message.Message
	// Event is the canonical form, valid when not suppressed.
	Event channel.InboundEvent
	// Fingerprint is the content hash persisted alongside the message.
	Fingerprint string
}

// MessageLookup is the dedup query surface; *message.Store satisfies it.
type MessageLookup interface {
	FindByExternalID(ctx context.Context, ct channel.ChannelType, externalID, targetID string) (message.Message, bool, error)
	FindInboundByFingerprint(ctx context.Context, ct channel.ChannelType, fingerprint string, occurredAt time.Time, window time.Duration) (message.Message, bool, error)
}

// Normalizer converts raw payloads into canonical events and applies
// self-send suppression and duplicate detection.
type Normalizer struct {
	registry *channel.Registry
	messages MessageLookup
	window   time.Duration
	logger   *slog.Logger
}

func NewNormalizer(log *slog.Logger, registry *channel.Registry, messages MessageLookup, fingerprintWindow time.Duration) *Normalizer {
	if fingerprintWindow <= 0 {
		fingerprintWindow = 5 * time.Minute
	}
	return &Normalizer{
		registry: registry,
		messages: messages,
		window:   fingerprintWindow,
		logger:   log.With(slog.String("service", "inbound.normalizer")),
	}
}

// Normalize produces the canonical event for a raw payload, or a suppressed
// outcome. Malformed payloads return a validation fault.
func (n *Normalizer) Normalize(ctx context.Context, target connector.Target, raw channel.RawInbound) (Outcome, error) {
	adapter, ok := n.registry.Get(raw.Channel)
	if !ok {
		return Outcome{}, fault.Validation("unsupported channel type: %s", raw.Channel)
	}

	ev, err := adapter.Normalize(raw)
	if err != nil {
		return Outcome{}, fault.Wrap(fault.KindValidation, err)
	}
	ev.Channel = adapter.Type()
	ev.TargetID = target.ID
	ev.SenderAddress = adapter.NormalizeAddress(ev.SenderAddress)
	ev.ExternalID = NormalizeExternalID(ev.Channel, ev.ExternalID)
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	if n.isSelfSend(adapter, target, raw, ev) {
		n.logger.Debug("self-send suppressed",
			slog.String("channel", ev.Channel.String()),
			slog.String("sender", ev.SenderAddress))
		return Outcome{Suppressed: true, Reason: ReasonSelfSent, Event: ev}, nil
	}

	fingerprint := Fingerprint(ev)

	if ev.ExternalID != "" {
		// Email dedup crosses targets: polling and direct receipt can see
		// the same Message-ID on different mailboxes.
		dedupTarget := target.ID
		if ev.Channel == channel.ChannelEmail {
			dedupTarget = ""
		}
		existing, found, err := n.messages.FindByExternalID(ctx, ev.Channel, ev.ExternalID, dedupTarget)
		if err != nil {
			return Outcome{}, err
		}
		if found {
			return Outcome{Suppressed: true, Reason: ReasonDuplicate, Existing: &existing, Event: ev, Fingerprint: fingerprint}, nil
		}
	} else {
		existing, found, err := n.messages.FindInboundByFingerprint(ctx, ev.Channel, fingerprint, ev.ReceivedAt, n.window)
		if err != nil {
			return Outcome{}, err
		}
		if found {
			return Outcome{Suppressed: true, Reason: ReasonDuplicate, Existing: &existing, Event: ev, Fingerprint: fingerprint}, nil
		}
	}

	return Outcome{Event: ev, Fingerprint: fingerprint}, nil
}

func (n *Normalizer) isSelfSend(adapter channel.Adapter, target connector.Target, raw channel.RawInbound, ev channel.InboundEvent) bool {
	if marker, ok := adapter.(channel.EchoMarker); ok && marker.IsEcho(raw) {
		return true
	}
	if ev.SenderAddress == "" {
		return false
	}
	for _, self := range adapter.SelfAddresses(target.Credentials) {
		if adapter.NormalizeAddress(self) == ev.SenderAddress {
			return true
		}
	}
	return false
}

// NormalizeExternalID canonicalizes a provider message ID. Email Message-IDs
// lose their angle brackets; oversized IDs collapse to a stable hash so the
// index stays bounded.
func NormalizeExternalID(ct channel.ChannelType, raw string) string {
	id := strings.TrimSpace(raw)
	if ct == channel.ChannelEmail {
		id = strings.Trim(id, "<>")
	}
	if len(id) > 120 {
		sum := sha256.Sum256([]byte(id))
		id = hex.EncodeToString(sum[:])
	}
	return id
}

// Fingerprint hashes the content identity of an event for ID-less dedup.
func Fingerprint(ev channel.InboundEvent) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s",
		ev.Channel, ev.SenderAddress, ev.Subject, ev.Body))
	return hex.EncodeToString(sum[:])
}
