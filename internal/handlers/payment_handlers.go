package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"coliving_app_echo/internal/gateway"
	"coliving_app_echo/internal/middleware"
	"coliving_app_echo/internal/models"
	"coliving_app_echo/internal/services"
)

type PaymentReconciler interface {
	ReconcileForCustomer(ctx context.Context, paymentID, customerID uint) (*services.ReconcileResult, error)
	CompleteManually(ctx context.Context, req services.ManualCompleteRequest, requester *models.Customer) (*services.ReconcileResult, error)
}

type CheckoutService interface {
	CreatePayment(ctx context.Context, customerID uint, in services.CreatePaymentInput) (*models.Payment, error)
	InitiateCheckout(ctx context.Context, paymentID, customerID uint, gatewayName string) (*services.CheckoutResult, error)
}

type PaymentHandler struct {
	reconciler PaymentReconciler
	checkout   CheckoutService
}

func NewPaymentHandler(reconciler PaymentReconciler, checkout CheckoutService) *PaymentHandler {
	return &PaymentHandler{reconciler: reconciler, checkout: checkout}
}

type paymentView struct {
	ID              uint                 `json:"id"`
	Status          models.PaymentStatus `json:"status"`
	Amount          int64                `json:"amount"`
	Currency        string               `json:"currency"`
	PaymentDate     *time.Time           `json:"paymentDate"`
	MerchantOrderID string               `json:"merchantOrderId"`
}

type gatewayView struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type bookingView struct {
	ID     uint                 `json:"id"`
	Status models.BookingStatus `json:"status"`
}

type statusResponse struct {
	Success bool                 `json:"success"`
	Status  models.PaymentStatus `json:"status"`
	Payment paymentView          `json:"payment"`
	Gateway *gatewayView         `json:"gateway,omitempty"`
}

type completeResponse struct {
	statusResponse
	Booking   *bookingView `json:"booking"`
	IsSuccess bool         `json:"isSuccess"`
	IsFailed  bool         `json:"isFailed"`
}

type initiateRequest struct {
	Gateway string `json:"gateway" validate:"omitempty,oneof=phonepe midtrans"`
}

type initiateResponse struct {
	Success         bool   `json:"success"`
	PaymentID       uint   `json:"paymentId"`
	RedirectURL     string `json:"redirectUrl"`
	MerchantOrderID string `json:"merchantOrderId"`
	Reused          bool   `json:"reused"`
}

func newStatusResponse(res *services.ReconcileResult) statusResponse {
	p := res.Payment
	out := statusResponse{
		Success: true,
		Status:  p.Status,
		Payment: paymentView{
			ID:              p.ID,
			Status:          p.Status,
			Amount:          p.TotalDue(),
			Currency:        p.Currency,
			PaymentDate:     p.PaymentDate,
			MerchantOrderID: p.MerchantOrderID,
		},
	}
	// Gateway block only when this request actually asked the gateway
	if !res.ShortCircuited {
		out.Gateway = &gatewayView{Code: res.Outcome.Code, State: res.Outcome.State}
	}
	return out
}

// Status reconciles the payment with its gateway and reports the result
func (h *PaymentHandler) Status(c echo.Context) error {
	customer, ok := middleware.CustomerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "session required")
	}

	id, err := paymentIDParam(c)
	if err != nil {
		return err
	}

	res, err := h.reconciler.ReconcileForCustomer(c.Request().Context(), id, customer.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, newStatusResponse(res))
}

// Complete is called by the checkout return page with whichever identifier it has
func (h *PaymentHandler) Complete(c echo.Context) error {
	customer, ok := middleware.CustomerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "session required")
	}

	var req services.ManualCompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := h.reconciler.CompleteManually(c.Request().Context(), req, customer)
	if err != nil {
		return httpError(err)
	}

	out := completeResponse{
		statusResponse: newStatusResponse(res),
		IsSuccess:      res.Outcome.IsSuccess(),
		IsFailed:       res.Outcome.IsFailed(),
	}
	if res.Booking != nil {
		out.Booking = &bookingView{ID: res.Booking.ID, Status: res.Booking.Status}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *PaymentHandler) Create(c echo.Context) error {
	customer, ok := middleware.CustomerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "session required")
	}

	var in services.CreatePaymentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&in); err != nil {
		return err
	}

	p, err := h.checkout.CreatePayment(c.Request().Context(), customer.ID, in)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"payment": paymentView{
			ID:          p.ID,
			Status:      p.Status,
			Amount:      p.TotalDue(),
			Currency:    p.Currency,
			PaymentDate: p.PaymentDate,
		},
	})
}

// Initiate opens (or reuses) a gateway checkout and returns where to send the customer
func (h *PaymentHandler) Initiate(c echo.Context) error {
	customer, ok := middleware.CustomerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "session required")
	}

	id, err := paymentIDParam(c)
	if err != nil {
		return err
	}

	var req initiateRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	res, err := h.checkout.InitiateCheckout(c.Request().Context(), id, customer.ID, req.Gateway)
	if err != nil {
		if errors.Is(err, gateway.ErrGatewayNotConfigured) {
			return echo.NewHTTPError(http.StatusBadRequest, "payment gateway not available")
		}
		return httpError(err)
	}

	return c.JSON(http.StatusOK, initiateResponse{
		Success:         true,
		PaymentID:       res.Payment.ID,
		RedirectURL:     res.RedirectURL,
		MerchantOrderID: res.MerchantOrderID,
		Reused:          res.Reused,
	})
}

func paymentIDParam(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid payment id")
	}
	return uint(id), nil
}
