package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"coliving_app_echo/internal/middleware"
	"coliving_app_echo/internal/models"
)

type PreferenceStore interface {
	NotifPreference(ctx context.Context, customerID uint) (*models.CustomerNotifPreference, error)
	SaveNotifPreference(ctx context.Context, pref *models.CustomerNotifPreference) error
}

// PreferenceHandler lets a customer choose where payment receipts go
type PreferenceHandler struct {
	store PreferenceStore
}

func NewPreferenceHandler(store PreferenceStore) *PreferenceHandler {
	return &PreferenceHandler{store: store}
}

type preferenceRequest struct {
	Channel            models.NotificationChannel `json:"channel" validate:"required,oneof=email whatsapp none"`
	WhatsappTargetType string                     `json:"whatsappTargetType" validate:"omitempty,oneof=personal group"`
	WhatsappGroupID    string                     `json:"whatsappGroupId" validate:"required_if=WhatsappTargetType group,max=100"`
}

func (h *PreferenceHandler) Get(c echo.Context) error {
	customer, ok := middleware.CustomerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "session required")
	}

	pref, err := h.store.NotifPreference(c.Request().Context(), customer.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "preference": pref})
}

func (h *PreferenceHandler) Update(c echo.Context) error {
	customer, ok := middleware.CustomerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "session required")
	}

	var req preferenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	targetType := req.WhatsappTargetType
	if targetType == "" {
		targetType = models.WhatsappTargetTypePersonal
	}
	pref := &models.CustomerNotifPreference{
		CustomerID:         customer.ID,
		Channel:            req.Channel,
		WhatsappTargetType: targetType,
		WhatsappGroupID:    req.WhatsappGroupID,
	}
	if err := h.store.SaveNotifPreference(c.Request().Context(), pref); err != nil {
		slog.Error("Failed to save notification preference", "customer_id", customer.ID, "error", err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "preference": pref})
}
