package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/connector"
	"github.com/commshubhq/commshub/internal/inbound"
)

// EmailWebhookHandler receives inbound email pushed by a Mailgun route,
// for targets that prefer webhook delivery over mailbox polling.
type EmailWebhookHandler struct {
	pipeline   *inbound.Pipeline
	connectors *connector.Service
	logger     *slog.Logger
}

func NewEmailWebhookHandler(log *slog.Logger, pipeline *inbound.Pipeline, connectors *connector.Service) *EmailWebhookHandler {
	return &EmailWebhookHandler{
		pipeline:   pipeline,
		connectors: connectors,
		logger:     log.With(slog.String("handler", "email_webhook")),
	}
}

func (h *EmailWebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/email/:target_id", h.Receive)
}

func (h *EmailWebhookHandler) Receive(c echo.Context) error {
	targetID := strings.TrimSpace(c.Param("target_id"))
	if targetID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target_id is required")
	}
	target, err := h.connectors.Get(c.Request().Context(), targetID)
	if err != nil {
		return httpError(err)
	}

	r := c.Request()
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		if err2 := r.ParseForm(); err2 != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "parse form")
		}
	}

	if signingKey, _ := target.Credentials["webhook_signing_key"].(string); signingKey != "" {
		mac := hmac.New(sha256.New, []byte(signingKey))
		mac.Write([]byte(r.FormValue("timestamp") + r.FormValue("token")))
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(r.FormValue("signature"))) {
			return echo.NewHTTPError(http.StatusForbidden, "signature verification failed")
		}
	}

	raw := channel.RawInbound{
		Channel:    channel.ChannelEmail,
		TargetID:   target.ID,
		Sender:     r.FormValue("sender"),
		ExternalID: r.FormValue("Message-Id"),
		Subject:    r.FormValue("subject"),
		Body:       r.FormValue("body-plain"),
		Headers: map[string]string{
			"Message-Id":  r.FormValue("Message-Id"),
			"In-Reply-To": r.FormValue("In-Reply-To"),
			"References":  r.FormValue("References"),
		},
		Metadata: map[string]any{
			"recipient": r.FormValue("recipient"),
		},
	}
	if html := r.FormValue("body-html"); html != "" {
		raw.Metadata["body_html"] = html
	}

	outcome, err := h.pipeline.Ingest(c.Request().Context(), raw)
	if err != nil {
		h.logger.Error("email ingest failed",
			slog.String("target_id", target.ID),
			slog.String("error", err.Error()))
		return httpError(err)
	}
	if outcome.Suppressed {
		return c.JSON(http.StatusOK, map[string]string{"status": string(outcome.Reason)})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}
