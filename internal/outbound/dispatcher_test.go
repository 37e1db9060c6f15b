package outbound

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/connector"
	"github.com/commshubhq/commshub/internal/conversation"
	"github.com/commshubhq/commshub/internal/event"
	"github.com/commshubhq/commshub/internal/fault"
	"github.com/commshubhq/commshub/internal/message"
)

type fakeMessages struct {
	byID        map[string]message.Message
	lastInbound map[string]message.Message
	statuses    map[string]message.Status
	externalIDs map[string]string
	nextID      int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{
		byID:        map[string]message.Message{},
		lastInbound: map[string]message.Message{},
		statuses:    map[string]message.Status{},
		externalIDs: map[string]string{},
	}
}

func (f *fakeMessages) Create(_ context.Context, msg message.Message) (message.Message, error) {
	f.nextID++
	msg.ID = "msg-" + strconv.Itoa(f.nextID)
	f.byID[msg.ID] = msg
	return msg, nil
}

func (f *fakeMessages) Get(_ context.Context, id string) (message.Message, error) {
	msg, ok := f.byID[id]
	if !ok {
		return message.Message{}, fault.NotFound("message %s", id)
	}
	return msg, nil
}

func (f *fakeMessages) LastInbound(_ context.Context, conversationID string) (message.Message, bool, error) {
	msg, ok := f.lastInbound[conversationID]
	return msg, ok, nil
}

func (f *fakeMessages) UpdateStatus(_ context.Context, id string, status message.Status, _ string) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeMessages) SetExternalID(_ context.Context, id, externalID string) error {
	f.externalIDs[id] = externalID
	return nil
}

type fakeThreads struct {
	byID    map[string]conversation.Conversation
	touched map[string]int
}

func (f *fakeThreads) Get(_ context.Context, id string) (conversation.Conversation, error) {
	conv, ok := f.byID[id]
	if !ok {
		return conversation.Conversation{}, fault.NotFound("conversation %s", id)
	}
	return conv, nil
}

func (f *fakeThreads) TouchLastMessage(_ context.Context, id string, _ time.Time) error {
	f.touched[id]++
	return nil
}

type fakeTargets struct {
	target connector.Target
	err    error
}

func (f *fakeTargets) Resolve(context.Context, channel.ChannelType, string, string) (connector.Target, error) {
	return f.target, f.err
}

// sendAdapter is a channel adapter with a scripted send outcome.
type sendAdapter struct {
	ct      channel.ChannelType
	window  time.Duration
	outcome channel.SendOutcome
	calls   int
	lastTo  string
}

func (a *sendAdapter) Type() channel.ChannelType { return a.ct }
func (a *sendAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: a.ct, DisplayName: string(a.ct), ReplyWindow: a.window}
}
func (a *sendAdapter) NormalizeAddress(raw string) string { return raw }
func (a *sendAdapter) Normalize(channel.RawInbound) (channel.InboundEvent, error) {
	return channel.InboundEvent{}, nil
}
func (a *sendAdapter) SelfAddresses(map[string]any) []string { return nil }
func (a *sendAdapter) Send(_ context.Context, _ map[string]any, req channel.SendRequest) channel.SendOutcome {
	a.calls++
	a.lastTo = req.To
	return a.outcome
}

func testDispatcher(t *testing.T, adapter channel.Adapter, messages *fakeMessages, threads *fakeThreads, targets *fakeTargets) *Dispatcher {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := channel.NewRegistry()
	registry.MustRegister(adapter)
	if targets == nil {
		targets = &fakeTargets{target: connector.Target{ID: "target-1"}}
	}
	return NewDispatcher(log, registry, targets, messages, threads, event.NewHub(), 5*time.Second)
}

func TestPrepareRejectsCrossChannelSend(t *testing.T) {
	t.Parallel()

	messages := newFakeMessages()
	threads := &fakeThreads{
		byID:    map[string]conversation.Conversation{"conv-1": {ID: "conv-1", Channel: channel.ChannelWhatsApp}},
		touched: map[string]int{},
	}
	d := testDispatcher(t, &sendAdapter{ct: channel.ChannelWhatsApp}, messages, threads, nil)

	_, err := d.Prepare(context.Background(), channel.SendRequest{
		ConversationID: "conv-1",
		Channel:        channel.ChannelEmail,
		Body:           "hi",
	})
	if err == nil {
		t.Fatalf("expected cross-channel send to be rejected")
	}
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("unexpected fault kind: %s", fault.KindOf(err))
	}
	if len(messages.byID) != 0 {
		t.Fatalf("no message row should be created")
	}
}

func TestPrepareDefaultsChannelAndRendersBody(t *testing.T) {
	t.Parallel()

	messages := newFakeMessages()
	threads := &fakeThreads{
		byID:    map[string]conversation.Conversation{"conv-1": {ID: "conv-1", Channel: channel.ChannelWhatsApp}},
		touched: map[string]int{},
	}
	d := testDispatcher(t, &sendAdapter{ct: channel.ChannelWhatsApp}, messages, threads, nil)

	msg, err := d.Prepare(context.Background(), channel.SendRequest{
		ConversationID: "conv-1",
		Body:           "Hi {{name}}",
		Vars:           map[string]string{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Channel != channel.ChannelWhatsApp {
		t.Fatalf("channel should default to the conversation binding, got %s", msg.Channel)
	}
	if msg.Body != "Hi Ada" {
		t.Fatalf("unexpected body: %q", msg.Body)
	}
	if msg.Status != message.StatusQueued {
		t.Fatalf("prepared message should be queued, got %s", msg.Status)
	}
}

func TestDeliverRejectsExpiredReplyWindow(t *testing.T) {
	t.Parallel()

	adapter := &sendAdapter{ct: channel.ChannelInstagram, window: 24 * time.Hour}
	messages := newFakeMessages()
	messages.lastInbound["conv-1"] = message.Message{
		ID:            "in-1",
		SenderAddress: "igsid-7",
		OccurredAt:    time.Now().Add(-25 * time.Hour),
	}
	threads := &fakeThreads{byID: map[string]conversation.Conversation{}, touched: map[string]int{}}
	d := testDispatcher(t, adapter, messages, threads, nil)

	msg := message.Message{ID: "out-1", ConversationID: "conv-1", Channel: channel.ChannelInstagram, Body: "late"}
	messages.byID[msg.ID] = msg

	outcome := d.Deliver(context.Background(), msg, channel.SendRequest{ConversationID: "conv-1"})
	if outcome.Class != channel.FailurePermanent {
		t.Fatalf("expired window should fail permanently, got %s", outcome.Class)
	}
	if adapter.calls != 0 {
		t.Fatalf("provider must not be called, got %d calls", adapter.calls)
	}
	if messages.statuses["out-1"] != message.StatusFailed {
		t.Fatalf("message should be finalized failed, got %s", messages.statuses["out-1"])
	}
}

func TestDeliverRejectsWindowedChannelWithoutInbound(t *testing.T) {
	t.Parallel()

	adapter := &sendAdapter{ct: channel.ChannelWhatsApp, window: 24 * time.Hour}
	messages := newFakeMessages()
	threads := &fakeThreads{byID: map[string]conversation.Conversation{}, touched: map[string]int{}}
	d := testDispatcher(t, adapter, messages, threads, nil)

	msg := message.Message{ID: "out-1", ConversationID: "conv-1", Channel: channel.ChannelWhatsApp, Body: "hi"}
	messages.byID[msg.ID] = msg

	outcome := d.Deliver(context.Background(), msg, channel.SendRequest{ConversationID: "conv-1"})
	if outcome.Class != channel.FailurePermanent {
		t.Fatalf("send without inbound should fail permanently, got %s", outcome.Class)
	}
	if adapter.calls != 0 {
		t.Fatalf("provider must not be called")
	}
}

func TestDeliverDefaultsRecipientFromLastInbound(t *testing.T) {
	t.Parallel()

	adapter := &sendAdapter{ct: channel.ChannelWhatsApp, window: 24 * time.Hour, outcome: channel.Sent("wamid.OUT")}
	messages := newFakeMessages()
	messages.lastInbound["conv-1"] = message.Message{
		ID:            "in-1",
		SenderAddress: "4915112345678",
		TargetID:      "target-1",
		OccurredAt:    time.Now().Add(-time.Hour),
	}
	threads := &fakeThreads{byID: map[string]conversation.Conversation{}, touched: map[string]int{}}
	d := testDispatcher(t, adapter, messages, threads, nil)

	msg := message.Message{ID: "out-1", ConversationID: "conv-1", Channel: channel.ChannelWhatsApp, Body: "reply"}
	messages.byID[msg.ID] = msg

	outcome := d.Deliver(context.Background(), msg, channel.SendRequest{ConversationID: "conv-1"})
	if !outcome.OK() {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if adapter.lastTo != "4915112345678" {
		t.Fatalf("recipient should default to the last inbound sender, got %q", adapter.lastTo)
	}
	if messages.statuses["out-1"] != message.StatusSent {
		t.Fatalf("message should be marked sent, got %s", messages.statuses["out-1"])
	}
	if messages.externalIDs["out-1"] != "wamid.OUT" {
		t.Fatalf("provider message id should be recorded, got %q", messages.externalIDs["out-1"])
	}
	if threads.touched["conv-1"] != 1 {
		t.Fatalf("conversation should be touched once, got %d", threads.touched["conv-1"])
	}
}

func TestDeliverRejectsMismatchedTarget(t *testing.T) {
	t.Parallel()

	adapter := &sendAdapter{ct: channel.ChannelWhatsApp, window: 24 * time.Hour, outcome: channel.Sent("wamid.OUT")}
	messages := newFakeMessages()
	messages.lastInbound["conv-1"] = message.Message{
		ID:            "in-1",
		SenderAddress: "4915112345678",
		TargetID:      "target-1",
		OccurredAt:    time.Now().Add(-time.Hour),
	}
	threads := &fakeThreads{byID: map[string]conversation.Conversation{}, touched: map[string]int{}}
	d := testDispatcher(t, adapter, messages, threads, nil)

	msg := message.Message{ID: "out-1", ConversationID: "conv-1", Channel: channel.ChannelWhatsApp, Body: "reply"}
	messages.byID[msg.ID] = msg

	outcome := d.Deliver(context.Background(), msg, channel.SendRequest{
		ConversationID: "conv-1",
		TargetID:       "target-2",
	})
	if outcome.Class != channel.FailurePermanent {
		t.Fatalf("send through a different target should fail permanently, got %s", outcome.Class)
	}
	if adapter.calls != 0 {
		t.Fatalf("provider must not be called, got %d calls", adapter.calls)
	}
	if messages.statuses["out-1"] != message.StatusFailed {
		t.Fatalf("message should be finalized failed, got %s", messages.statuses["out-1"])
	}
}

func TestDeliverLeavesTransientFailureRetryable(t *testing.T) {
	t.Parallel()

	adapter := &sendAdapter{ct: channel.ChannelEmail, outcome: channel.TransientFailure(context.DeadlineExceeded)}
	messages := newFakeMessages()
	threads := &fakeThreads{byID: map[string]conversation.Conversation{}, touched: map[string]int{}}
	d := testDispatcher(t, adapter, messages, threads, nil)

	msg := message.Message{ID: "out-1", ConversationID: "conv-1", Channel: channel.ChannelEmail, Body: "hi"}
	messages.byID[msg.ID] = msg

	outcome := d.Deliver(context.Background(), msg, channel.SendRequest{
		ConversationID: "conv-1",
		To:             "customer@example.com",
	})
	if !outcome.Retryable() {
		t.Fatalf("transient failure should be retryable")
	}
	if _, finalized := messages.statuses["out-1"]; finalized {
		t.Fatalf("transient failure must not finalize the message")
	}
}

func TestDeliverFinalizesAuthFailure(t *testing.T) {
	t.Parallel()

	adapter := &sendAdapter{ct: channel.ChannelEmail, outcome: channel.AuthFailure(context.Canceled, 401, "bad token")}
	messages := newFakeMessages()
	threads := &fakeThreads{byID: map[string]conversation.Conversation{}, touched: map[string]int{}}
	d := testDispatcher(t, adapter, messages, threads, nil)

	msg := message.Message{ID: "out-1", ConversationID: "conv-1", Channel: channel.ChannelEmail, Body: "hi"}
	messages.byID[msg.ID] = msg

	outcome := d.Deliver(context.Background(), msg, channel.SendRequest{
		ConversationID: "conv-1",
		To:             "customer@example.com",
	})
	if outcome.Retryable() {
		t.Fatalf("auth failure must not be retryable")
	}
	if messages.statuses["out-1"] != message.StatusFailed {
		t.Fatalf("auth failure should finalize the message as failed")
	}
}

func TestFailFinalizesMessage(t *testing.T) {
	t.Parallel()

	messages := newFakeMessages()
	threads := &fakeThreads{byID: map[string]conversation.Conversation{}, touched: map[string]int{}}
	d := testDispatcher(t, &sendAdapter{ct: channel.ChannelEmail}, messages, threads, nil)

	msg := message.Message{ID: "out-1", ConversationID: "conv-1", Channel: channel.ChannelEmail}
	messages.byID[msg.ID] = msg

	d.Fail(context.Background(), "out-1", "retry budget exhausted: smtp timeout")
	if messages.statuses["out-1"] != message.StatusFailed {
		t.Fatalf("message should be failed, got %s", messages.statuses["out-1"])
	}
}
