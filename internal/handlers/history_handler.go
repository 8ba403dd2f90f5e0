package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"coliving_app_echo/internal/middleware"
	"coliving_app_echo/internal/models"
	"coliving_app_echo/internal/services"
)

type PaymentLister interface {
	ListForCustomer(ctx context.Context, q services.PaymentQuery) (*services.PaymentPage, error)
}

type PaymentHistoryHandler struct {
	lister PaymentLister
}

func NewPaymentHistoryHandler(lister PaymentLister) *PaymentHistoryHandler {
	return &PaymentHistoryHandler{lister: lister}
}

// List returns the caller's payments.
// Query: status, show_cancelled, sort_by, sort_order, page, page_size.
func (h *PaymentHistoryHandler) List(c echo.Context) error {
	customer, ok := middleware.CustomerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "session required")
	}

	q := services.PaymentQuery{
		CustomerID:    customer.ID,
		Status:        models.PaymentStatus(c.QueryParam("status")),
		ShowCancelled: cast.ToBool(c.QueryParam("show_cancelled")),
		SortBy:        c.QueryParam("sort_by"),
		SortOrder:     c.QueryParam("sort_order"),
		Page:          cast.ToInt(c.QueryParam("page")),
		PageSize:      cast.ToInt(c.QueryParam("page_size")),
	}

	page, err := h.lister.ListForCustomer(c.Request().Context(), q)
	if err != nil {
		return httpError(err)
	}

	items := make([]paymentView, 0, len(page.Payments))
	for _, p := range page.Payments {
		items = append(items, paymentView{
			ID:              p.ID,
			Status:          p.Status,
			Amount:          p.TotalDue(),
			Currency:        p.Currency,
			PaymentDate:     p.PaymentDate,
			MerchantOrderID: p.MerchantOrderID,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":    true,
		"payments":   items,
		"page":       page.Page,
		"totalPages": page.TotalPages,
		"totalCount": page.TotalCount,
	})
}
