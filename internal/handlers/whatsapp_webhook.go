package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/config"
	"github.com/commshubhq/commshub/internal/inbound"
)

// WhatsAppWebhookHandler receives WhatsApp Cloud API webhook deliveries.
type WhatsAppWebhookHandler struct {
	pipeline *inbound.Pipeline
	cfg      config.MetaConfig
	logger   *slog.Logger
}

func NewWhatsAppWebhookHandler(log *slog.Logger, pipeline *inbound.Pipeline, cfg config.Config) *WhatsAppWebhookHandler {
	return &WhatsAppWebhookHandler{
		pipeline: pipeline,
		cfg:      cfg.Meta,
		logger:   log.With(slog.String("handler", "whatsapp_webhook")),
	}
}

func (h *WhatsAppWebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/whatsapp", h.Verify)
	e.POST("/webhooks/whatsapp", h.Receive)
}

// Verify answers Meta's subscription handshake.
func (h *WhatsAppWebhookHandler) Verify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")
	if mode != "subscribe" || token == "" || token != h.cfg.VerifyToken {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

type whatsAppWebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				MessagingProduct string `json:"messaging_product"`
				Metadata         struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text,omitempty"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// Receive fans out every text message in the delivery. Provider retries are
// absorbed by dedup, so the response is 200 as long as the payload parses.
func (h *WhatsAppWebhookHandler) Receive(c echo.Context) error {
	var payload whatsAppWebhookPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	ctx := c.Request().Context()
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			names := map[string]string{}
			for _, contact := range value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range value.Messages {
				if msg.Type != "text" || msg.Text == nil {
					continue
				}
				raw := channel.RawInbound{
					Channel:    channel.ChannelWhatsApp,
					RoutingKey: value.Metadata.PhoneNumberID,
					Sender:     msg.From,
					SenderName: names[msg.From],
					ExternalID: msg.ID,
					Body:       msg.Text.Body,
					Metadata: map[string]any{
						"timestamp": msg.Timestamp,
					},
				}
				if _, err := h.pipeline.Ingest(ctx, raw); err != nil {
					h.logger.Error("whatsapp ingest failed",
						slog.String("external_id", msg.ID),
						slog.String("error", err.Error()))
				}
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}
