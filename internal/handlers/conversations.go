package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/conversation"
)

// ConversationHandler reads and transitions conversation threads.
type ConversationHandler struct {
	threads *conversation.Store
	logger  *slog.Logger
}

func NewConversationHandler(log *slog.Logger, threads *conversation.Store) *ConversationHandler {
	return &ConversationHandler{
		threads: threads,
		logger:  log.With(slog.String("handler", "conversation")),
	}
}

func (h *ConversationHandler) Register(e *echo.Echo) {
	e.GET("/api/conversations", h.List)
	e.GET("/api/conversations/:id", h.Get)
	e.PUT("/api/conversations/:id/status", h.UpdateStatus)
}

func (h *ConversationHandler) List(c echo.Context) error {
	var status conversation.Status
	if raw := c.QueryParam("status"); raw != "" {
		parsed, ok := conversation.ParseStatus(raw)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status: "+raw)
		}
		status = parsed
	}
	items, err := h.threads.List(c.Request().Context(), status, int32(intQuery(c, "limit", 100)))
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []conversation.Conversation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": items})
}

func (h *ConversationHandler) Get(c echo.Context) error {
	conv, err := h.threads.Get(c.Request().Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *ConversationHandler) UpdateStatus(c echo.Context) error {
	var req updateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	status, ok := conversation.ParseStatus(req.Status)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status: "+req.Status)
	}
	conv, err := h.threads.UpdateStatus(c.Request().Context(), strings.TrimSpace(c.Param("id")), status)
	if err != nil {
		return httpError(err)
	}
	h.logger.Info("conversation status changed",
		slog.String("conversation_id", conv.ID),
		slog.String("status", string(conv.Status)))
	return c.JSON(http.StatusOK, conv)
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
