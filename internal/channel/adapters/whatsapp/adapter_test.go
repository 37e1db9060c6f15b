package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/commshubhq/commshub/internal/channel"
)

func testAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if baseURL != "" {
		a.baseURL = baseURL
	}
	return a
}

func TestNormalizeAddressKeepsDigitsOnly(t *testing.T) {
	t.Parallel()

	a := testAdapter(t, "")
	cases := map[string]string{
		"+49 151 1234 5678": "4915112345678",
		"4915112345678":     "4915112345678",
		"(0151) 123-45678":  "015112345678",
		"no digits":         "",
	}
	for in, want := range cases {
		if got := a.NormalizeAddress(in); got != want {
			t.Fatalf("NormalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeParsesTimestampMetadata(t *testing.T) {
	t.Parallel()

	a := testAdapter(t, "")
	ev, err := a.Normalize(channel.RawInbound{
		Sender:   "4915112345678",
		Body:     "hello",
		Metadata: map[string]any{"timestamp": "1700000000"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ReceivedAt.Unix() != 1700000000 {
		t.Fatalf("unexpected received_at: %s", ev.ReceivedAt)
	}
}

func TestNormalizeRejectsEmptyBody(t *testing.T) {
	t.Parallel()

	a := testAdapter(t, "")
	if _, err := a.Normalize(channel.RawInbound{Sender: "491511234"}); err == nil {
		t.Fatalf("expected error for empty body")
	}
}

func creds() map[string]any {
	return map[string]any{"access_token": "tok", "phone_number_id": "123456"}
}

func TestSendSuccess(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{{"id": "wamid.SENT1"}},
		})
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	outcome := a.Send(context.Background(), creds(), channel.SendRequest{To: "+49 151 1234 5678", Body: "hi"})
	if !outcome.OK() {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.ProviderMessageID != "wamid.SENT1" {
		t.Fatalf("unexpected provider id: %q", outcome.ProviderMessageID)
	}
	if gotPath != "/123456/messages" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotPayload["to"] != "4915112345678" {
		t.Fatalf("recipient should be digit-normalized, got %v", gotPayload["to"])
	}
	if gotPayload["messaging_product"] != "whatsapp" {
		t.Fatalf("unexpected payload: %v", gotPayload)
	}
}

func TestSendClassifiesAuthFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad token"}}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	outcome := a.Send(context.Background(), creds(), channel.SendRequest{To: "49151", Body: "hi"})
	if outcome.Class != channel.FailureAuth {
		t.Fatalf("unexpected class: %s", outcome.Class)
	}
	if outcome.Retryable() {
		t.Fatalf("auth failure must not be retryable")
	}
	if outcome.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", outcome.StatusCode)
	}
	if outcome.Detail == "" {
		t.Fatalf("response body should be kept as detail")
	}
}

func TestSendClassifiesRateLimitAsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	outcome := a.Send(context.Background(), creds(), channel.SendRequest{To: "49151", Body: "hi"})
	if outcome.Class != channel.FailureTransient {
		t.Fatalf("unexpected class: %s", outcome.Class)
	}
	if !outcome.Retryable() {
		t.Fatalf("rate limit should be retryable")
	}
}

func TestSendClassifiesBadRequestAsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	outcome := a.Send(context.Background(), creds(), channel.SendRequest{To: "49151", Body: "hi"})
	if outcome.Class != channel.FailurePermanent {
		t.Fatalf("unexpected class: %s", outcome.Class)
	}
}

func TestSendRequiresCredentials(t *testing.T) {
	t.Parallel()

	a := testAdapter(t, "")
	outcome := a.Send(context.Background(), map[string]any{}, channel.SendRequest{To: "49151", Body: "hi"})
	if outcome.Class != channel.FailureAuth {
		t.Fatalf("missing credentials should be an auth failure, got %s", outcome.Class)
	}
}
