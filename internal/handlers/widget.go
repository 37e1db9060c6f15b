package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/channel"
	"github.com/commshubhq/commshub/internal/inbound"
)

// WidgetHandler is the inbound surface for the embedded chat widget.
type WidgetHandler struct {
	pipeline *inbound.Pipeline
	logger   *slog.Logger
}

func NewWidgetHandler(log *slog.Logger, pipeline *inbound.Pipeline) *WidgetHandler {
	return &WidgetHandler{
		pipeline: pipeline,
		logger:   log.With(slog.String("handler", "widget")),
	}
}

func (h *WidgetHandler) Register(e *echo.Echo) {
	e.POST("/api/widget/messages", h.Receive)
}

type widgetMessageRequest struct {
	VisitorID   string `json:"visitor_id"`
	VisitorName string `json:"visitor_name,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Body        string `json:"body"`
}

func (h *WidgetHandler) Receive(c echo.Context) error {
	var req widgetMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if strings.TrimSpace(req.VisitorID) == "" || strings.TrimSpace(req.Body) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "visitor_id and body are required")
	}

	outcome, err := h.pipeline.Ingest(c.Request().Context(), channel.RawInbound{
		Channel:    channel.ChannelChatWidget,
		Sender:     req.VisitorID,
		SenderName: req.VisitorName,
		ExternalID: req.MessageID,
		Body:       req.Body,
	})
	if err != nil {
		return httpError(err)
	}
	if outcome.Suppressed && outcome.Reason == inbound.ReasonDuplicate && outcome.Existing != nil {
		return c.JSON(http.StatusOK, outcome.Existing)
	}
	if outcome.Existing != nil {
		return c.JSON(http.StatusCreated, outcome.Existing)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}
