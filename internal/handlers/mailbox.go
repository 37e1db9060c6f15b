package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/mailbox"
)

// MailboxHandler triggers an immediate poll cycle outside the schedule.
type MailboxHandler struct {
	mailboxes *mailbox.Service
	logger    *slog.Logger
}

func NewMailboxHandler(log *slog.Logger, mailboxes *mailbox.Service) *MailboxHandler {
	return &MailboxHandler{
		mailboxes: mailboxes,
		logger:    log.With(slog.String("handler", "mailbox")),
	}
}

func (h *MailboxHandler) Register(e *echo.Echo) {
	e.POST("/api/mailboxes/poll", h.Poll)
}

func (h *MailboxHandler) Poll(c echo.Context) error {
	h.mailboxes.PollAll(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]string{"status": "polled"})
}
