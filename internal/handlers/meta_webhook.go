package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/config"
	"github.com/commshubhq/commshub/internal/inbound"
)

// ingestor is the inbound pipeline surface webhook handlers feed.
type ingestor interface {
	Ingest(ctx context.Context, raw channel.RawInbound) (inbound.Outcome, error)
}

// MetaWebhookHandler receives Messenger and Instagram webhook deliveries.
// Both products share the handshake and the signed-payload envelope; the
// object field selects the channel.
type MetaWebhookHandler struct {
	pipeline ingestor
	cfg      config.MetaConfig
	logger   *slog.Logger
}

func NewMetaWebhookHandler(log *slog.Logger, pipeline *inbound.Pipeline, cfg config.Config) *MetaWebhookHandler {
	return &MetaWebhookHandler{
		pipeline: pipeline,
		cfg:      cfg.Meta,
		logger:   log.With(slog.String("handler", "meta_webhook")),
	}
}

func (h *MetaWebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/meta", h.Verify)
	e.POST("/webhooks/meta", h.Receive)
}

func (h *MetaWebhookHandler) Verify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")
	if mode != "subscribe" || token == "" || token != h.cfg.VerifyToken {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

type metaWebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Time      int64  `json:"time"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"`
			Message   *struct {
				MID    string `json:"mid"`
				Text   string `json:"text"`
				IsEcho bool   `json:"is_echo"`
			} `json:"message,omitempty"`
		} `json:"messaging"`
	} `json:"entry"`
}

func (h *MetaWebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if !h.verifySignature(c.Request().Header.Get("X-Hub-Signature-256"), body) {
		return echo.NewHTTPError(http.StatusForbidden, "signature verification failed")
	}

	var payload metaWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	var ct channel.ChannelType
	switch payload.Object {
	case "page":
		ct = channel.ChannelMessenger
	case "instagram":
		ct = channel.ChannelInstagram
	default:
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	ctx := c.Request().Context()
	for _, entry := range payload.Entry {
		for _, messaging := range entry.Messaging {
			if messaging.Message == nil || messaging.Message.Text == "" {
				continue
			}
			raw := channel.RawInbound{
				Channel:    ct,
				RoutingKey: entry.ID,
				Sender:     messaging.Sender.ID,
				ExternalID: messaging.Message.MID,
				Body:       messaging.Message.Text,
				Metadata: map[string]any{
					"is_echo":   messaging.Message.IsEcho,
					"recipient": messaging.Recipient.ID,
				},
			}
			// A missing timestamp stays zero so the receive time is used
			// downstream instead of the Unix epoch.
			if messaging.Timestamp > 0 {
				raw.ReceivedAt = time.UnixMilli(messaging.Timestamp).UTC()
			}
			if _, err := h.pipeline.Ingest(ctx, raw); err != nil {
				h.logger.Error("meta ingest failed",
					slog.String("object", payload.Object),
					slog.String("external_id", messaging.Message.MID),
					slog.String("error", err.Error()))
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}

func (h *MetaWebhookHandler) verifySignature(header string, body []byte) bool {
	if h.cfg.AppSecret == "" {
		// No secret configured: accept, matching Meta's unsigned test sends.
		return true
	}
	signature := strings.TrimPrefix(header, "sha256=")
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
