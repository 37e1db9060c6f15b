package meta

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/commshubhq/commshub/internal/channel"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDescriptorsCarryReplyWindow(t *testing.T) {
	t.Parallel()

	for _, a := range []*Adapter{NewMessenger(discardLog()), NewInstagram(discardLog())} {
		desc := a.Descriptor()
		if desc.ReplyWindow != 24*time.Hour {
			t.Fatalf("%s: unexpected reply window %s", a.Type(), desc.ReplyWindow)
		}
	}
}

func TestChannelTypes(t *testing.T) {
	t.Parallel()

	if got := NewMessenger(discardLog()).Type(); got != channel.ChannelMessenger {
		t.Fatalf("unexpected type: %s", got)
	}
	if got := NewInstagram(discardLog()).Type(); got != channel.ChannelInstagram {
		t.Fatalf("unexpected type: %s", got)
	}
}

func TestIsEcho(t *testing.T) {
	t.Parallel()

	a := NewMessenger(discardLog())
	if !a.IsEcho(channel.RawInbound{Metadata: map[string]any{"is_echo": true}}) {
		t.Fatalf("is_echo payload should be an echo")
	}
	if a.IsEcho(channel.RawInbound{Metadata: map[string]any{"is_echo": false}}) {
		t.Fatalf("explicit false should not be an echo")
	}
	if a.IsEcho(channel.RawInbound{}) {
		t.Fatalf("missing metadata should not be an echo")
	}
}

func TestSelfAddresses(t *testing.T) {
	t.Parallel()

	a := NewInstagram(discardLog())
	got := a.SelfAddresses(map[string]any{"account_id": "178001", "page_access_token": "tok"})
	if len(got) != 1 || got[0] != "178001" {
		t.Fatalf("unexpected self addresses: %v", got)
	}
}

func TestSendPostsGraphSendPayload(t *testing.T) {
	t.Parallel()

	var gotToken string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("access_token")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"recipient_id": "psid-1",
			"message_id":   "mid.OUT1",
		})
	}))
	defer srv.Close()

	a := NewMessenger(discardLog())
	a.baseURL = srv.URL

	outcome := a.Send(context.Background(),
		map[string]any{"page_access_token": "page-tok"},
		channel.SendRequest{To: " psid-1 ", Body: "hello"})
	if !outcome.OK() {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.ProviderMessageID != "mid.OUT1" {
		t.Fatalf("unexpected provider id: %q", outcome.ProviderMessageID)
	}
	if gotToken != "page-tok" {
		t.Fatalf("unexpected token: %q", gotToken)
	}
	if gotPayload["messaging_type"] != "RESPONSE" {
		t.Fatalf("unexpected messaging_type: %v", gotPayload["messaging_type"])
	}
	recipient, _ := gotPayload["recipient"].(map[string]any)
	if recipient["id"] != "psid-1" {
		t.Fatalf("recipient should be trimmed, got %v", recipient)
	}
}

func TestSendServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewInstagram(discardLog())
	a.baseURL = srv.URL

	outcome := a.Send(context.Background(),
		map[string]any{"page_access_token": "tok"},
		channel.SendRequest{To: "igsid-1", Body: "hi"})
	if outcome.Class != channel.FailureTransient {
		t.Fatalf("unexpected class: %s", outcome.Class)
	}
}

func TestSendRequiresToken(t *testing.T) {
	t.Parallel()

	a := NewMessenger(discardLog())
	outcome := a.Send(context.Background(), map[string]any{}, channel.SendRequest{To: "psid", Body: "hi"})
	if outcome.Class != channel.FailureAuth {
		t.Fatalf("missing token should be an auth failure, got %s", outcome.Class)
	}
}
