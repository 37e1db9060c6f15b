package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/event"
)

// EventsHandler streams engine notifications as server-sent events. Widget
// clients and agent consoles use it for live updates.
type EventsHandler struct {
	hub    *event.Hub
	logger *slog.Logger
}

func NewEventsHandler(log *slog.Logger, hub *event.Hub) *EventsHandler {
	return &EventsHandler{
		hub:    hub,
		logger: log.With(slog.String("handler", "events")),
	}
}

func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/api/events", h.Stream)
}

func (h *EventsHandler) Stream(c echo.Context) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	events, cancel := h.hub.Subscribe(64)
	defer cancel()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
