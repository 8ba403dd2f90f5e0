package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"coliving_app_echo/internal/gateway"
	"coliving_app_echo/internal/models"
)

var (
	ErrForbidden         = errors.New("payment belongs to another customer")
	ErrNotInitiated      = errors.New("payment not initiated with gateway")
	ErrInvalidSignature  = errors.New("invalid callback signature")
	ErrMissingIdentifier = errors.New("paymentId or merchantTransactionId is required")
)

// Trigger names what asked for a reconciliation
type Trigger string

const (
	TriggerPoll     Trigger = "poll"
	TriggerCallback Trigger = "callback"
	TriggerManual   Trigger = "manual"
	TriggerSweep    Trigger = "sweep"
)

// GatewayResolver looks up a configured gateway client by name
type GatewayResolver interface {
	Get(name string) (gateway.Client, error)
}

// Notifier is told about payments that just reached a terminal status.
// Implementations must not block and their failures never affect the payment.
type Notifier interface {
	PaymentSettled(ctx context.Context, p *models.Payment)
}

type ReconcileResult struct {
	Payment *models.Payment
	Outcome gateway.Outcome
	// Transitioned is true when this reconciliation committed the terminal status
	Transitioned bool
	// ShortCircuited is true when the stored status was already terminal and no gateway call was made
	ShortCircuited bool
	Booking        *models.Booking
}

type ManualCompleteRequest struct {
	PaymentID             uint   `json:"paymentId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
}

// Reconciler drives a payment from an open status to a terminal one using the
// gateway's view of the order. Polls, callbacks, manual completes and the stale
// sweep all share the same classify-and-commit path.
type Reconciler struct {
	payments   PaymentStore
	gateways   GatewayResolver
	bookings   *BookingSynchronizer
	classifier *gateway.Classifier
	notifier   Notifier
	timeout    time.Duration
	now        func() time.Time

	group singleflight.Group
}

type ReconcilerOption func(*Reconciler)

func WithClassifier(c *gateway.Classifier) ReconcilerOption {
	return func(r *Reconciler) { r.classifier = c }
}

func WithNotifier(n Notifier) ReconcilerOption {
	return func(r *Reconciler) { r.notifier = n }
}

// WithStatusTimeout bounds each gateway status call
func WithStatusTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(payments PaymentStore, gateways GatewayResolver, bookings *BookingSynchronizer, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		payments:   payments,
		gateways:   gateways,
		bookings:   bookings,
		classifier: gateway.NewClassifier(),
		timeout:    12 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileForCustomer is the customer poll: the payment must belong to customerID
func (r *Reconciler) ReconcileForCustomer(ctx context.Context, paymentID, customerID uint) (*ReconcileResult, error) {
	p, err := r.payments.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.CustomerID != customerID {
		return nil, ErrForbidden
	}
	return r.Reconcile(ctx, p.ID, TriggerPoll)
}

// CompleteManually reconciles a payment identified by id or merchant order id.
// Customers may only complete their own payments; admins may complete any.
func (r *Reconciler) CompleteManually(ctx context.Context, req ManualCompleteRequest, requester *models.Customer) (*ReconcileResult, error) {
	if req.PaymentID == 0 && req.MerchantTransactionID == "" {
		return nil, ErrMissingIdentifier
	}

	var (
		p   *models.Payment
		err error
	)
	if req.PaymentID != 0 {
		p, err = r.payments.FindByID(ctx, req.PaymentID)
		if err == nil && req.MerchantTransactionID != "" && p.MerchantOrderID != req.MerchantTransactionID {
			err = ErrPaymentNotFound
		}
	} else {
		p, err = r.payments.FindByMerchantOrderID(ctx, req.MerchantTransactionID)
	}
	if err != nil {
		return nil, err
	}

	if requester == nil || (!requester.IsAdmin() && p.CustomerID != requester.ID) {
		return nil, ErrForbidden
	}

	return r.Reconcile(ctx, p.ID, TriggerManual)
}

// Reconcile checks the gateway for an open payment and commits any terminal outcome.
// Concurrent calls for the same payment in this process share one gateway round trip.
func (r *Reconciler) Reconcile(ctx context.Context, paymentID uint, trigger Trigger) (*ReconcileResult, error) {
	// The shared call must not die with whichever caller happened to arrive first
	shared := context.WithoutCancel(ctx)

	v, err, _ := r.group.Do(strconv.FormatUint(uint64(paymentID), 10), func() (interface{}, error) {
		p, err := r.payments.FindByID(shared, paymentID)
		if err != nil {
			return nil, err
		}
		return r.reconcilePayment(shared, p, trigger)
	})
	if err != nil {
		return nil, err
	}

	res := *v.(*ReconcileResult)
	return &res, nil
}

func (r *Reconciler) reconcilePayment(ctx context.Context, p *models.Payment, trigger Trigger) (*ReconcileResult, error) {
	if p.Status.IsTerminal() {
		return r.settled(ctx, p), nil
	}
	if !p.IsInitiated() || p.Gateway == models.PaymentGatewayManual {
		return nil, ErrNotInitiated
	}

	client, err := r.gateways.Get(string(p.Gateway))
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	status := client.CheckStatus(sctx, p.MerchantOrderID)
	cancel()

	outcome := r.classifier.Classify(status)
	if outcome.Transient {
		slog.Warn("Gateway status check failed, keeping current status",
			"payment_id", p.ID, "merchant_order_id", p.MerchantOrderID, "trigger", trigger, "error", status.Err)
	}

	return r.commit(ctx, p, outcome, trigger)
}

// commit applies a classified outcome. Non-terminal outcomes only refresh the audit
// columns; terminal ones go through the conditional transition.
func (r *Reconciler) commit(ctx context.Context, p *models.Payment, outcome gateway.Outcome, trigger Trigger) (*ReconcileResult, error) {
	audit := GatewayAudit{Code: outcome.Code, State: outcome.State, Raw: auditRaw(outcome.Raw)}

	var target models.PaymentStatus
	var bookingTarget models.BookingStatus
	switch outcome.Kind {
	case gateway.OutcomeSuccess:
		target, bookingTarget = models.PaymentStatusCompleted, models.BookingStatusConfirmed
	case gateway.OutcomeFailed:
		target, bookingTarget = models.PaymentStatusFailed, models.BookingStatusCancelled
	default:
		recorded, err := r.payments.RecordGatewayAudit(ctx, p.ID, audit)
		if err != nil {
			slog.Warn("Failed to record gateway audit", "payment_id", p.ID, "error", err)
		} else if !recorded {
			// Settled elsewhere while the gateway was being asked
			current, err := r.payments.FindByID(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			if current.Status.IsTerminal() {
				slog.Info("Payment already settled by a concurrent reconciliation",
					"payment_id", p.ID, "status", current.Status, "trigger", trigger)
				return r.settled(ctx, current), nil
			}
		}
		p.GatewayLastCode, p.GatewayLastState = audit.Code, audit.State
		return &ReconcileResult{Payment: p, Outcome: outcome, Booking: r.bookings.Lookup(ctx, p)}, nil
	}

	at := r.now()
	applied, err := r.payments.Transition(ctx, p.ID, target, audit, at)
	if err != nil {
		return nil, fmt.Errorf("transition payment %d to %s: %w", p.ID, target, err)
	}

	if !applied {
		// Another writer settled the payment first; report what it committed
		winner, err := r.payments.FindByID(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		slog.Info("Payment already settled by a concurrent reconciliation",
			"payment_id", p.ID, "status", winner.Status, "trigger", trigger)
		return &ReconcileResult{Payment: winner, Outcome: outcome, Booking: r.bookings.Lookup(ctx, winner)}, nil
	}

	p.Status = target
	p.GatewayLastCode, p.GatewayLastState = audit.Code, audit.State
	p.GatewayLastRaw = datatypes.JSON(audit.Raw)
	if target == models.PaymentStatusCompleted {
		p.PaymentDate = &at
	}

	slog.Info("Payment settled", "payment_id", p.ID, "status", target, "trigger", trigger, "gateway", p.Gateway)

	booking := r.bookings.Sync(ctx, p, bookingTarget)
	if r.notifier != nil {
		r.notifier.PaymentSettled(ctx, p)
	}

	return &ReconcileResult{Payment: p, Outcome: outcome, Transitioned: true, Booking: booking}, nil
}

// settled builds the short-circuit result for a payment that is already terminal
func (r *Reconciler) settled(ctx context.Context, p *models.Payment) *ReconcileResult {
	out := gateway.Outcome{Kind: gateway.OutcomeUnknown, Code: p.GatewayLastCode, State: p.GatewayLastState}
	switch p.Status {
	case models.PaymentStatusCompleted:
		out.Kind = gateway.OutcomeSuccess
	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		out.Kind = gateway.OutcomeFailed
	}
	return &ReconcileResult{Payment: p, Outcome: out, ShortCircuited: true, Booking: r.bookings.Lookup(ctx, p)}
}

// HandleCallback processes a webhook delivery. The signature is verified before
// anything else; a rejected delivery only leaves a row in the callback log.
// The callback's own status is trusted, the gateway is not queried again.
func (r *Reconciler) HandleCallback(ctx context.Context, gatewayName string, rawBody []byte, signature string) (*ReconcileResult, error) {
	client, err := r.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	history := &models.PaymentCallbackHistory{
		PaymentGateway: models.PaymentGateway(gatewayName),
		Status:         models.CallbackStatusReceived,
		Metadata:       datatypes.JSON(auditRaw(rawBody)),
	}
	defer func() {
		if err := r.payments.RecordCallback(context.WithoutCancel(ctx), history); err != nil {
			slog.Error("Failed to record payment callback", "gateway", gatewayName, "error", err)
		}
	}()

	if !client.VerifyCallback(rawBody, signature) {
		history.Status = models.CallbackStatusRejected
		history.Error = ErrInvalidSignature.Error()
		slog.Warn("Rejected payment callback with invalid signature", "gateway", gatewayName)
		return nil, ErrInvalidSignature
	}
	history.SignatureValid = true

	event, err := client.ParseCallback(rawBody)
	if err != nil {
		history.Status = models.CallbackStatusFailed
		history.Error = err.Error()
		return nil, err
	}
	history.MerchantOrderID = event.MerchantOrderID

	p, err := r.payments.FindByMerchantOrderID(ctx, event.MerchantOrderID)
	if err == nil && string(p.Gateway) != gatewayName {
		err = ErrPaymentNotFound
	}
	if err != nil {
		history.Status = models.CallbackStatusFailed
		history.Error = err.Error()
		return nil, err
	}
	history.PaymentID = &p.ID

	var res *ReconcileResult
	if p.Status.IsTerminal() {
		res = r.settled(ctx, p)
	} else {
		res, err = r.commit(ctx, p, r.classifier.Classify(event.Status), TriggerCallback)
		if err != nil {
			history.Status = models.CallbackStatusFailed
			history.Error = err.Error()
			return nil, err
		}
	}

	history.Status = models.CallbackStatusProcessed
	return res, nil
}

// sweepTransientLimit consecutive transient failures from one gateway end its part of a sweep
const sweepTransientLimit = 3

// ReconcileStale sweeps open payments not updated since before. It recovers
// payments whose webhook never arrived and returns how many were settled.
func (r *Reconciler) ReconcileStale(ctx context.Context, before time.Time, limit int) (int, error) {
	stale, err := r.payments.ListStale(ctx, before, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	transient := make(map[models.PaymentGateway]int)
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if transient[p.Gateway] >= sweepTransientLimit {
			continue
		}
		res, err := r.Reconcile(ctx, p.ID, TriggerSweep)
		if err != nil {
			slog.Warn("Stale payment reconciliation failed", "payment_id", p.ID, "error", err)
			continue
		}
		if res.Outcome.Transient {
			transient[p.Gateway]++
			if transient[p.Gateway] == sweepTransientLimit {
				slog.Warn("Gateway unavailable, skipping its remaining stale payments", "gateway", p.Gateway)
			}
			continue
		}
		transient[p.Gateway] = 0
		if res.Transitioned {
			settled++
		}
	}
	return settled, nil
}

// auditRaw makes sure the value stored in a JSON column is valid JSON
func auditRaw(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(map[string]string{"raw": string(raw)})
	return b
}
