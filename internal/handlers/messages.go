package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/message"
	"github.com/commshubhq/commshub/internal/outbox"
)

// MessageHandler accepts outbound sends and reads conversation history.
type MessageHandler struct {
	outbox   *outbox.Service
	messages *message.Store
	logger   *slog.Logger
}

func NewMessageHandler(log *slog.Logger, outboxService *outbox.Service, messages *message.Store) *MessageHandler {
	return &MessageHandler{
		outbox:   outboxService,
		messages: messages,
		logger:   log.With(slog.String("handler", "message")),
	}
}

func (h *MessageHandler) Register(e *echo.Echo) {
	e.POST("/api/messages", h.Send)
	e.GET("/api/conversations/:id/messages", h.ListByConversation)
}

type sendMessageRequest struct {
	ConversationID string              `json:"conversation_id"`
	Channel        channel.ChannelType `json:"channel,omitempty"`
	TargetID       string              `json:"target_id,omitempty"`
	To             string              `json:"to,omitempty"`
	Subject        string              `json:"subject,omitempty"`
	Body           string              `json:"body"`
	Vars           map[string]string   `json:"vars,omitempty"`
	Priority       int                 `json:"priority,omitempty"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
}

type sendMessageResponse struct {
	Entry     outbox.Entry `json:"entry"`
	Deduped   bool         `json:"deduped"`
	MessageID string       `json:"message_id,omitempty"`
}

// Send enqueues a durable outbound message. A repeated Idempotency-Key
// returns the original entry with deduped=true.
func (h *MessageHandler) Send(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	entry, enqueued, err := h.outbox.Enqueue(c.Request().Context(), channel.SendRequest{
		ConversationID: req.ConversationID,
		Channel:        req.Channel,
		TargetID:       req.TargetID,
		To:             req.To,
		Subject:        req.Subject,
		Body:           req.Body,
		Vars:           req.Vars,
		Metadata:       req.Metadata,
	}, strings.TrimSpace(c.Request().Header.Get("Idempotency-Key")), req.Priority)
	if err != nil {
		return httpError(err)
	}

	resp := sendMessageResponse{
		Entry:     entry,
		Deduped:   !enqueued,
		MessageID: entry.MessageID,
	}
	if enqueued {
		return c.JSON(http.StatusAccepted, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *MessageHandler) ListByConversation(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}
	messages, err := h.messages.ListByConversation(c.Request().Context(), id, int32(intQuery(c, "limit", 200)))
	if err != nil {
		return httpError(err)
	}
	if messages == nil {
		messages = []message.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": messages})
}
