package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/config"
	"github.com/commshubhq/commshub/internal/inbound"
)

func metaHandler(cfg config.MetaConfig) *MetaWebhookHandler {
	return NewMetaWebhookHandler(discardLog(), nil, config.Config{Meta: cfg})
}

// captureIngestor records every raw payload fed to it.
type captureIngestor struct {
	raws []channel.RawInbound
}

func (f *captureIngestor) Ingest(_ context.Context, raw channel.RawInbound) (inbound.Outcome, error) {
	f.raws = append(f.raws, raw)
	return inbound.Outcome{}, nil
}

func metaReceive(t *testing.T, h *MetaWebhookHandler, body string) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/meta", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Receive(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func verifyRequest(t *testing.T, h *MetaWebhookHandler, params url.Values) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/meta?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	return rec, h.Verify(e.NewContext(req, rec))
}

func TestMetaVerifyHandshake(t *testing.T) {
	t.Parallel()

	h := metaHandler(config.MetaConfig{VerifyToken: "secret-token"})
	rec, err := verifyRequest(t, h, url.Values{
		"hub.mode":         {"subscribe"},
		"hub.verify_token": {"secret-token"},
		"hub.challenge":    {"challenge-123"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Body.String() != "challenge-123" {
		t.Fatalf("challenge should be echoed back, got %q", rec.Body.String())
	}
}

func TestMetaVerifyRejectsBadToken(t *testing.T) {
	t.Parallel()

	h := metaHandler(config.MetaConfig{VerifyToken: "secret-token"})
	_, err := verifyRequest(t, h, url.Values{
		"hub.mode":         {"subscribe"},
		"hub.verify_token": {"wrong"},
		"hub.challenge":    {"challenge-123"},
	})
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestMetaSignatureVerification(t *testing.T) {
	t.Parallel()

	h := metaHandler(config.MetaConfig{AppSecret: "app-secret"})
	body := []byte(`{"object":"page"}`)

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(body)
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !h.verifySignature(good, body) {
		t.Fatalf("valid signature should verify")
	}
	if h.verifySignature("sha256=deadbeef", body) {
		t.Fatalf("forged signature should be rejected")
	}
	if h.verifySignature("", body) {
		t.Fatalf("missing signature should be rejected when a secret is set")
	}
}

func TestMetaReceiveTimestamp(t *testing.T) {
	t.Parallel()

	sink := &captureIngestor{}
	h := metaHandler(config.MetaConfig{})
	h.pipeline = sink

	metaReceive(t, h, `{"object":"page","entry":[{"id":"page-1","messaging":[
		{"sender":{"id":"psid-1"},"message":{"mid":"mid-1","text":"hello"},"timestamp":1700000000000},
		{"sender":{"id":"psid-2"},"message":{"mid":"mid-2","text":"again"}}
	]}]}`)

	if len(sink.raws) != 2 {
		t.Fatalf("expected two ingested messages, got %d", len(sink.raws))
	}
	want := time.UnixMilli(1700000000000).UTC()
	if !sink.raws[0].ReceivedAt.Equal(want) {
		t.Fatalf("unexpected received_at: %s", sink.raws[0].ReceivedAt)
	}
	if !sink.raws[1].ReceivedAt.IsZero() {
		t.Fatalf("missing timestamp must stay zero, not %s", sink.raws[1].ReceivedAt)
	}
}

func TestMetaSignatureOptionalWithoutSecret(t *testing.T) {
	t.Parallel()

	h := metaHandler(config.MetaConfig{})
	if !h.verifySignature("", []byte("{}")) {
		t.Fatalf("unsigned payloads should pass when no secret is configured")
	}
}
