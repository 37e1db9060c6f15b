package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/outbox"
)

// OutboxHandler is the operator surface over the durable send queue.
type OutboxHandler struct {
	outbox *outbox.Service
	logger *slog.Logger
}

func NewOutboxHandler(log *slog.Logger, outboxService *outbox.Service) *OutboxHandler {
	return &OutboxHandler{
		outbox: outboxService,
		logger: log.With(slog.String("handler", "outbox")),
	}
}

func (h *OutboxHandler) Register(e *echo.Echo) {
	e.GET("/api/outbox", h.List)
	e.GET("/api/outbox/counts", h.Counts)
	e.GET("/api/outbox/:id", h.Get)
	e.POST("/api/outbox/:id/cancel", h.Cancel)
	e.POST("/api/outbox/:id/retry", h.Retry)
}

func (h *OutboxHandler) List(c echo.Context) error {
	status := outbox.Status(c.QueryParam("status"))
	items, err := h.outbox.List(c.Request().Context(), status, int32(intQuery(c, "limit", 100)))
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []outbox.Entry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": items})
}

func (h *OutboxHandler) Counts(c echo.Context) error {
	counts, err := h.outbox.Counts(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *OutboxHandler) Get(c echo.Context) error {
	entry, err := h.outbox.Get(c.Request().Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *OutboxHandler) Cancel(c echo.Context) error {
	entry, err := h.outbox.Cancel(c.Request().Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *OutboxHandler) Retry(c echo.Context) error {
	entry, err := h.outbox.Retry(c.Request().Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}
