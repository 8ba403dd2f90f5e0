package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coliving_app_echo/internal/gateway"
	"coliving_app_echo/internal/models"
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrBookingCancelled = errors.New("booking is cancelled")
	ErrAlreadySettled   = errors.New("payment already settled")
	ErrCheckoutFailed   = errors.New("gateway checkout failed")
)

const defaultCurrency = "INR"

// CreatePaymentInput amounts are major-unit decimal strings, e.g. "12500.50"
type CreatePaymentInput struct {
	BookingID      uint       `json:"bookingId" validate:"required"`
	Amount         string     `json:"amount" validate:"required"`
	Currency       string     `json:"currency" validate:"omitempty,len=3"`
	DueDate        *time.Time `json:"dueDate"`
	LateFees       string     `json:"lateFees"`
	UtilityCharges string     `json:"utilityCharges"`
	Notes          string     `json:"notes" validate:"max=500"`
}

type CheckoutResult struct {
	Payment         *models.Payment
	RedirectURL     string
	MerchantOrderID string
	Reused          bool
}

// PaymentService creates payments and opens gateway checkouts for them
type PaymentService struct {
	payments  PaymentStore
	bookings  BookingStore
	customers CustomerStore
	gateways  GatewayResolver
	appURL    string

	newOrderID func(paymentID uint) string
}

func NewPaymentService(payments PaymentStore, bookings BookingStore, customers CustomerStore, gateways GatewayResolver, appURL string) *PaymentService {
	return &PaymentService{
		payments:   payments,
		bookings:   bookings,
		customers:  customers,
		gateways:   gateways,
		appURL:     strings.TrimRight(appURL, "/"),
		newOrderID: NewMerchantOrderID,
	}
}

// NewMerchantOrderID builds a unique, gateway-safe order id for a payment
func NewMerchantOrderID(paymentID uint) string {
	return fmt.Sprintf("RENT-%d-%s", paymentID, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// ToMinorUnits converts a major-unit decimal string into minor units.
// Values finer than one minor unit are rejected rather than rounded.
func ToMinorUnits(amount string) (int64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, amount)
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has more than two decimal places", ErrInvalidAmount, amount)
	}
	return minor.IntPart(), nil
}

// FromMinorUnits formats minor units as a major-unit decimal string
func FromMinorUnits(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func (s *PaymentService) CreatePayment(ctx context.Context, customerID uint, in CreatePaymentInput) (*models.Payment, error) {
	amount, err := ToMinorUnits(in.Amount)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	lateFees, err := ToMinorUnits(in.LateFees)
	if err != nil {
		return nil, err
	}
	utilities, err := ToMinorUnits(in.UtilityCharges)
	if err != nil {
		return nil, err
	}

	booking, err := s.bookings.FindByID(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if booking.CustomerID != customerID {
		return nil, ErrForbidden
	}
	if booking.Status == models.BookingStatusCancelled {
		return nil, ErrBookingCancelled
	}

	snapshot, _ := json.Marshal(map[string]interface{}{
		"id":            booking.ID,
		"property_name": booking.PropertyName,
		"room_label":    booking.RoomLabel,
		"monthly_rent":  booking.MonthlyRent,
	})

	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = defaultCurrency
	}

	p := &models.Payment{
		CustomerID:     customerID,
		PayForID:       &booking.ID,
		PayForSnapshot: snapshot,
		Amount:         amount,
		Currency:       currency,
		Status:         models.PaymentStatusPending,
		DueDate:        in.DueDate,
		LateFees:       lateFees,
		UtilityCharges: utilities,
		Notes:          in.Notes,
	}
	if err := s.payments.Create(ctx, p); err != nil {
		return nil, err
	}

	slog.Info("Payment created", "payment_id", p.ID, "booking_id", booking.ID, "amount", FromMinorUnits(p.TotalDue()), "currency", currency)
	return p, nil
}

// InitiateCheckout opens a gateway checkout for a pending payment. A payment that
// already has one gets the existing checkout URL back; order ids are never replaced.
func (s *PaymentService) InitiateCheckout(ctx context.Context, paymentID, customerID uint, gatewayName string) (*CheckoutResult, error) {
	p, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.CustomerID != customerID {
		return nil, ErrForbidden
	}
	if p.Status.IsTerminal() {
		return nil, ErrAlreadySettled
	}
	if p.IsInitiated() && p.CheckoutURL != "" {
		return &CheckoutResult{Payment: p, RedirectURL: p.CheckoutURL, MerchantOrderID: p.MerchantOrderID, Reused: true}, nil
	}

	if gatewayName == "" {
		gatewayName = string(models.PaymentGatewayPhonePe)
	}
	client, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	req := gateway.CreateRequest{
		MerchantOrderID: s.newOrderID(p.ID),
		AmountMinor:     p.TotalDue(),
		Currency:        p.Currency,
		RedirectURL:     fmt.Sprintf("%s/payments/%d", s.appURL, p.ID),
		CallbackURL:     fmt.Sprintf("%s/api/webhooks/%s", s.appURL, gatewayName),
		Description:     fmt.Sprintf("Rent payment #%d", p.ID),
	}
	if customer, err := s.customers.FindByID(ctx, p.CustomerID); err == nil {
		req.CustomerName, req.CustomerEmail, req.CustomerPhone = customer.Name, customer.Email, customer.Phone
	} else {
		slog.Warn("Customer lookup failed during checkout", "payment_id", p.ID, "error", err)
	}

	res := client.CreatePayment(ctx, req)
	if !res.Success {
		if _, err := s.payments.RecordGatewayAudit(ctx, p.ID, GatewayAudit{State: "CREATE_FAILED", Raw: auditRaw(res.Raw)}); err != nil {
			slog.Warn("Failed to record checkout failure", "payment_id", p.ID, "error", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, res.Err)
	}

	applied, err := s.payments.MarkInitiated(ctx, p.ID, Initiation{
		Gateway:         models.PaymentGateway(gatewayName),
		MerchantOrderID: req.MerchantOrderID,
		GatewayOrderID:  res.GatewayOrderID,
		CheckoutURL:     res.RedirectURL,
		Audit:           GatewayAudit{State: "CREATED", Raw: auditRaw(res.Raw)},
	})
	if err != nil {
		return nil, err
	}

	current, err := s.payments.FindByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A concurrent initiation won; its checkout is the one to use
		slog.Warn("Discarding duplicate checkout", "payment_id", p.ID, "merchant_order_id", req.MerchantOrderID, "kept", current.MerchantOrderID)
		if current.Status.IsTerminal() {
			return nil, ErrAlreadySettled
		}
		if current.CheckoutURL == "" {
			return nil, ErrCheckoutFailed
		}
		return &CheckoutResult{Payment: current, RedirectURL: current.CheckoutURL, MerchantOrderID: current.MerchantOrderID, Reused: true}, nil
	}

	slog.Info("Checkout initiated", "payment_id", p.ID, "gateway", gatewayName, "merchant_order_id", req.MerchantOrderID)
	return &CheckoutResult{Payment: current, RedirectURL: res.RedirectURL, MerchantOrderID: req.MerchantOrderID}, nil
}
