// Package handlers exposes the HTTP surface: provider webhooks, the message
// and conversation API, and the outbox/dead-letter admin endpoints.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/commshubhq/commshub/internal/fault"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// httpError maps engine fault kinds onto HTTP statuses.
func httpError(err error) *echo.HTTPError {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case fault.KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case fault.KindConfig:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case fault.KindPermanent:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
}
