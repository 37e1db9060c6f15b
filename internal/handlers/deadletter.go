package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/deadletter"
	"github.com/commshubhq/commshub/internal/inbound"
)

// DeadLetterHandler inspects and replays parked inbound payloads.
type DeadLetterHandler struct {
	letters  *deadletter.Store
	pipeline *inbound.Pipeline
	logger   *slog.Logger
}

func NewDeadLetterHandler(log *slog.Logger, letters *deadletter.Store, pipeline *inbound.Pipeline) *DeadLetterHandler {
	return &DeadLetterHandler{
		letters:  letters,
		pipeline: pipeline,
		logger:   log.With(slog.String("handler", "deadletter")),
	}
}

func (h *DeadLetterHandler) Register(e *echo.Echo) {
	e.GET("/api/deadletters", h.List)
	e.GET("/api/deadletters/:id", h.Get)
	e.POST("/api/deadletters/:id/replay", h.Replay)
}

func (h *DeadLetterHandler) List(c echo.Context) error {
	items, err := h.letters.List(c.Request().Context(), int32(intQuery(c, "limit", 100)))
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []deadletter.Record{}
	}
	return c.JSON(http.StatusOK, map[string]any{"dead_letters": items})
}

func (h *DeadLetterHandler) Get(c echo.Context) error {
	rec, err := h.letters.Get(c.Request().Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *DeadLetterHandler) Replay(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	outcome, err := h.pipeline.Replay(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	h.logger.Info("dead letter replayed", slog.String("id", id))
	if outcome.Suppressed {
		return c.JSON(http.StatusOK, map[string]string{"status": string(outcome.Reason)})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "replayed"})
}
