package inbound

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/contact"
	"github.com/commshubhq/commshub/internal/fault"
)

// downContacts fails every resolution with a retryable fault.
type downContacts struct{ calls int }

func (f *downContacts) ResolveOrCreate(context.Context, channel.ChannelType, string, string) (contact.Contact, contact.PersonChannel, error) {
	f.calls++
	return contact.Contact{}, contact.PersonChannel{}, fault.Transient("contact store unavailable")
}

func TestPersistRetryBudgetIsConfigurable(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	contacts := &downContacts{}
	p := NewPipeline(log, nil, nil, contacts, nil, nil, nil, nil, nil, nil, 2)

	outcome := Outcome{Event: channel.InboundEvent{
		Channel:       channel.ChannelEmail,
		SenderAddress: "jane@example.com",
	}}
	if _, _, err := p.persistWithRetry(context.Background(), outcome); err == nil {
		t.Fatalf("expected persistence to fail")
	}
	if contacts.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", contacts.calls)
	}
}

func TestPersistRetryBudgetDefaultsWhenUnset(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPipeline(log, nil, nil, nil, nil, nil, nil, nil, nil, nil, 0)
	if p.persistAttempts != defaultPersistAttempts {
		t.Fatalf("unset budget should fall back to the default, got %d", p.persistAttempts)
	}
}
