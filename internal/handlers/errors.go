package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"coliving_app_echo/internal/config"
	"coliving_app_echo/internal/gateway"
	"coliving_app_echo/internal/services"
)

// httpError maps service errors onto the API's status codes.
// Unexpected errors become a bare 500 so the error handler hides their detail.
func httpError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, services.ErrInvalidSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, services.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "payment belongs to another customer")
	case errors.Is(err, services.ErrPaymentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "payment not found")
	case errors.Is(err, services.ErrBookingNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "booking not found")
	case errors.Is(err, services.ErrNotInitiated),
		errors.Is(err, services.ErrMissingIdentifier),
		errors.Is(err, services.ErrBookingCancelled),
		errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, gateway.ErrMalformedCallback):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrAlreadySettled):
		return echo.NewHTTPError(http.StatusConflict, "payment already settled")
	case errors.Is(err, services.ErrCheckoutFailed):
		return echo.NewHTTPError(http.StatusBadGateway, "checkout could not be started, please try again")
	case errors.Is(err, gateway.ErrGatewayNotConfigured), errors.Is(err, config.ErrMissingCredentials):
		slog.Error("Gateway configuration error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "payment gateway is not configured")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
}
