package inbound

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/connector"
	"github.com/commshubhq/commshub/internal/fault"
	"github.com/commshubhq/commshub/internal/message"
)

type fakeLookup struct {
	byExternalID  map[string]message.Message
	byFingerprint map[string]message.Message

	lastExternalTarget string
	fingerprintCalls   int
}

func (f *fakeLookup) FindByExternalID(_ context.Context, _ channel.ChannelType, externalID, targetID string) (message.Message, bool, error) {
	f.lastExternalTarget = targetID
	msg, ok := f.byExternalID[externalID]
	return msg, ok, nil
}

func (f *fakeLookup) FindInboundByFingerprint(_ context.Context, _ channel.ChannelType, fingerprint string, _ time.Time, _ time.Duration) (message.Message, bool, error) {
	f.fingerprintCalls++
	msg, ok := f.byFingerprint[fingerprint]
	return msg, ok, nil
}

type fakeAdapter struct {
	ct     channel.ChannelType
	selves []string
	echo   bool
}

func (a *fakeAdapter) Type() channel.ChannelType { return a.ct }
func (a *fakeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: a.ct, DisplayName: string(a.ct)}
}
func (a *fakeAdapter) NormalizeAddress(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
func (a *fakeAdapter) Normalize(raw channel.RawInbound) (channel.InboundEvent, error) {
	return channel.InboundEvent{
		Channel:       a.ct,
		SenderAddress: raw.Sender,
		SenderName:    raw.SenderName,
		ExternalID:    raw.ExternalID,
		Subject:       raw.Subject,
		Body:          raw.Body,
		ReceivedAt:    raw.ReceivedAt,
		Headers:       raw.Headers,
		Metadata:      raw.Metadata,
	}, nil
}
func (a *fakeAdapter) SelfAddresses(map[string]any) []string { return a.selves }
func (a *fakeAdapter) IsEcho(raw channel.RawInbound) bool {
	echo, _ := raw.Metadata["is_echo"].(bool)
	return a.echo || echo
}

func testNormalizer(t *testing.T, adapters []channel.Adapter, lookup MessageLookup) *Normalizer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := channel.NewRegistry()
	for _, a := range adapters {
		registry.MustRegister(a)
	}
	return NewNormalizer(log, registry, lookup, 5*time.Minute)
}

func TestNormalizeCanonicalizesEvent(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{}
	n := testNormalizer(t, []channel.Adapter{&fakeAdapter{ct: channel.ChannelWhatsApp}}, lookup)

	out, err := n.Normalize(context.Background(), connector.Target{ID: "t-1"}, channel.RawInbound{
		Channel:    channel.ChannelWhatsApp,
		Sender:     "  4915112345678 ",
		ExternalID: "wamid.X1",
		Body:       "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Suppressed {
		t.Fatalf("unexpected suppression: %s", out.Reason)
	}
	if out.Event.SenderAddress != "4915112345678" {
		t.Fatalf("unexpected sender: %q", out.Event.SenderAddress)
	}
	if out.Event.TargetID != "t-1" {
		t.Fatalf("unexpected target id: %q", out.Event.TargetID)
	}
	if out.Event.ReceivedAt.IsZero() {
		t.Fatalf("received_at should be defaulted")
	}
	if out.Fingerprint == "" {
		t.Fatalf("fingerprint should be set")
	}
}

func TestNormalizeUnsupportedChannel(t *testing.T) {
	t.Parallel()

	n := testNormalizer(t, nil, &fakeLookup{})
	_, err := n.Normalize(context.Background(), connector.Target{}, channel.RawInbound{Channel: "telex"})
	if err == nil {
		t.Fatalf("expected error for unsupported channel")
	}
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("unexpected fault kind: %s", fault.KindOf(err))
	}
}

func TestNormalizeDuplicateByExternalID(t *testing.T) {
	t.Parallel()

	existing := message.Message{ID: "m-1", ExternalID: "wamid.DUP"}
	lookup := &fakeLookup{byExternalID: map[string]message.Message{"wamid.DUP": existing}}
	n := testNormalizer(t, []channel.Adapter{&fakeAdapter{ct: channel.ChannelWhatsApp}}, lookup)

	out, err := n.Normalize(context.Background(), connector.Target{ID: "t-1"}, channel.RawInbound{
		Channel:    channel.ChannelWhatsApp,
		Sender:     "4915112345678",
		ExternalID: "wamid.DUP",
		Body:       "hello again",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Suppressed || out.Reason != ReasonDuplicate {
		t.Fatalf("expected duplicate suppression, got %+v", out)
	}
	if out.Existing == nil || out.Existing.ID != "m-1" {
		t.Fatalf("duplicate should converge on the stored message")
	}
	if lookup.lastExternalTarget != "t-1" {
		t.Fatalf("non-email dedup should be scoped to the target, got %q", lookup.lastExternalTarget)
	}
}

func TestNormalizeEmailDedupCrossesTargets(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{}
	n := testNormalizer(t, []channel.Adapter{&fakeAdapter{ct: channel.ChannelEmail}}, lookup)

	out, err := n.Normalize(context.Background(), connector.Target{ID: "mailbox-a"}, channel.RawInbound{
		Channel:    channel.ChannelEmail,
		Sender:     "customer@example.com",
		ExternalID: "<msg-123@mail.example.com>",
		Body:       "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Suppressed {
		t.Fatalf("unexpected suppression: %s", out.Reason)
	}
	if lookup.lastExternalTarget != "" {
		t.Fatalf("email dedup should ignore the target, got %q", lookup.lastExternalTarget)
	}
	if out.Event.ExternalID != "msg-123@mail.example.com" {
		t.Fatalf("angle brackets should be stripped, got %q", out.Event.ExternalID)
	}
}

func TestNormalizeDuplicateByFingerprint(t *testing.T) {
	t.Parallel()

	ev := channel.InboundEvent{
		Channel:       channel.ChannelChatWidget,
		SenderAddress: "visitor-9",
		Body:          "is anyone there?",
	}
	existing := message.Message{ID: "m-2"}
	lookup := &fakeLookup{byFingerprint: map[string]message.Message{Fingerprint(ev): existing}}
	n := testNormalizer(t, []channel.Adapter{&fakeAdapter{ct: channel.ChannelChatWidget}}, lookup)

	out, err := n.Normalize(context.Background(), connector.Target{ID: "widget-1"}, channel.RawInbound{
		Channel: channel.ChannelChatWidget,
		Sender:  "visitor-9",
		Body:    "is anyone there?",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Suppressed || out.Reason != ReasonDuplicate {
		t.Fatalf("expected fingerprint duplicate, got %+v", out)
	}
	if lookup.fingerprintCalls != 1 {
		t.Fatalf("expected one fingerprint lookup, got %d", lookup.fingerprintCalls)
	}
	if out.Existing == nil || out.Existing.ID != "m-2" {
		t.Fatalf("duplicate should converge on the stored message")
	}
}

func TestNormalizeSelfSendSuppressed(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{ct: channel.ChannelEmail, selves: []string{"Support@Example.com"}}
	n := testNormalizer(t, []channel.Adapter{adapter}, &fakeLookup{})

	out, err := n.Normalize(context.Background(), connector.Target{ID: "mailbox-a"}, channel.RawInbound{
		Channel: channel.ChannelEmail,
		Sender:  "support@example.com",
		Body:    "auto copy of our own reply",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Suppressed || out.Reason != ReasonSelfSent {
		t.Fatalf("expected self-send suppression, got %+v", out)
	}
}

func TestNormalizeEchoSuppressed(t *testing.T) {
	t.Parallel()

	n := testNormalizer(t, []channel.Adapter{&fakeAdapter{ct: channel.ChannelMessenger}}, &fakeLookup{})

	out, err := n.Normalize(context.Background(), connector.Target{ID: "page-1"}, channel.RawInbound{
		Channel:  channel.ChannelMessenger,
		Sender:   "1234567890",
		Body:     "our own message mirrored back",
		Metadata: map[string]any{"is_echo": true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Suppressed || out.Reason != ReasonSelfSent {
		t.Fatalf("expected echo suppression, got %+v", out)
	}
}

func TestNormalizeExternalID(t *testing.T) {
	t.Parallel()

	if got := NormalizeExternalID(channel.ChannelEmail, " <abc@mail> "); got != "abc@mail" {
		t.Fatalf("unexpected email id: %q", got)
	}
	if got := NormalizeExternalID(channel.ChannelWhatsApp, "wamid.ABC"); got != "wamid.ABC" {
		t.Fatalf("unexpected whatsapp id: %q", got)
	}

	long := strings.Repeat("x", 200)
	hashed := NormalizeExternalID(channel.ChannelChatWidget, long)
	if len(hashed) != 64 {
		t.Fatalf("oversized id should collapse to a sha256 hex digest, got %d chars", len(hashed))
	}
	if again := NormalizeExternalID(channel.ChannelChatWidget, long); again != hashed {
		t.Fatalf("hashing should be stable")
	}
}

func TestFingerprintIsContentSensitive(t *testing.T) {
	t.Parallel()

	a := channel.InboundEvent{Channel: channel.ChannelEmail, SenderAddress: "a@x", Subject: "hi", Body: "one"}
	b := a
	b.Body = "two"
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatalf("different bodies should not collide")
	}
	if Fingerprint(a) != Fingerprint(a) {
		t.Fatalf("fingerprint should be deterministic")
	}
}
