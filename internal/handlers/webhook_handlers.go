package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"coliving_app_echo/internal/models"
	"coliving_app_echo/internal/services"
)

const maxCallbackBody = 1 << 20

type CallbackProcessor interface {
	HandleCallback(ctx context.Context, gatewayName string, rawBody []byte, signature string) (*services.ReconcileResult, error)
}

type WebhookHandler struct {
	callbacks CallbackProcessor
}

func NewWebhookHandler(callbacks CallbackProcessor) *WebhookHandler {
	return &WebhookHandler{callbacks: callbacks}
}

// PhonePe callbacks carry SHA256(username:password) in the Authorization header
func (h *WebhookHandler) PhonePe(c echo.Context) error {
	return h.handle(c, string(models.PaymentGatewayPhonePe), c.Request().Header.Get(echo.HeaderAuthorization))
}

// Midtrans notifications sign themselves through signature_key in the body
func (h *WebhookHandler) Midtrans(c echo.Context) error {
	return h.handle(c, string(models.PaymentGatewayMidtrans), "")
}

func (h *WebhookHandler) handle(c echo.Context, gatewayName, signature string) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCallbackBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	res, err := h.callbacks.HandleCallback(c.Request().Context(), gatewayName, body, signature)
	if errors.Is(err, services.ErrPaymentNotFound) {
		// Signed but for no payment of ours; acknowledged so the gateway stops retrying.
		// The delivery is already in the callback history as failed.
		slog.Warn("Webhook for unknown payment acknowledged", "gateway", gatewayName, "error", err)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"status":  "ignored",
		})
	}
	if err != nil {
		slog.Warn("Webhook rejected", "gateway", gatewayName, "error", err)
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  res.Payment.Status,
	})
}
