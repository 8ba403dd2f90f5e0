package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"coliving_app_echo/internal/gateway"
	"coliving_app_echo/internal/models"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type reconcileFixture struct {
	payments  *memPaymentStore
	bookings  *memBookingStore
	gw        *MockGateway
	notifier  *countingNotifier
	reconcile *Reconciler
}

func newReconcileFixture(t *testing.T, p models.Payment, status gateway.StatusResult) *reconcileFixture {
	t.Helper()
	f := &reconcileFixture{
		payments: newMemPaymentStore(p),
		bookings: newMemBookingStore(models.Booking{ID: 7, CustomerID: 1, Status: models.BookingStatusPending}),
		gw: &MockGateway{
			NameValue:       "phonepe",
			CheckStatusFunc: statusReturning(status),
			VerifyFunc:      func([]byte, string) bool { return true },
		},
		notifier: &countingNotifier{},
	}
	f.reconcile = NewReconciler(f.payments, gateway.NewRegistry(f.gw), NewBookingSynchronizer(f.bookings),
		WithNotifier(f.notifier),
		WithClock(func() time.Time { return fixedNow }),
		WithStatusTimeout(50*time.Millisecond),
	)
	return f
}

func initiatedPayment() models.Payment {
	return models.Payment{
		ID:              1,
		CustomerID:      1,
		PayForID:        uintPtr(7),
		Amount:          1500000,
		Status:          models.PaymentStatusInitiated,
		Gateway:         models.PaymentGatewayPhonePe,
		MerchantOrderID: "M1",
	}
}

func TestReconcileCompletesPaymentAndConfirmsBooking(t *testing.T) {
	f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{
		Success: true,
		Raw:     json.RawMessage(`{"orderId":"OMO1","state":"COMPLETED"}`),
	})

	res, err := f.reconcile.ReconcileForCustomer(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("ReconcileForCustomer() error = %v", err)
	}

	if res.Payment.Status != models.PaymentStatusCompleted {
		t.Errorf("status = %s; want completed", res.Payment.Status)
	}
	if res.Payment.PaymentDate == nil || !res.Payment.PaymentDate.Equal(fixedNow) {
		t.Errorf("payment date = %v; want %v", res.Payment.PaymentDate, fixedNow)
	}
	if !res.Transitioned || !res.Outcome.IsSuccess() {
		t.Errorf("result = %+v; want a committed success", res)
	}
	if res.Booking == nil || res.Booking.Status != models.BookingStatusConfirmed {
		t.Errorf("booking = %+v; want confirmed", res.Booking)
	}
	if stored := f.payments.get(1); stored.Status != models.PaymentStatusCompleted || string(stored.GatewayLastRaw) == "" {
		t.Errorf("stored payment = %+v", stored)
	}
	if got := f.notifier.calls.Load(); got != 1 {
		t.Errorf("notifier called %d times; want 1", got)
	}
}

func TestReconcileTerminalPollIsIdempotent(t *testing.T) {
	f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{Success: true, State: gateway.StateSuccess})
	ctx := context.Background()

	first, err := f.reconcile.ReconcileForCustomer(ctx, 1, 1)
	if err != nil {
		t.Fatalf("first poll error = %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := f.reconcile.ReconcileForCustomer(ctx, 1, 1)
		if err != nil {
			t.Fatalf("poll %d error = %v", i, err)
		}
		if !res.ShortCircuited || res.Transitioned {
			t.Errorf("poll %d = %+v; want short circuit", i, res)
		}
		if !res.Payment.PaymentDate.Equal(*first.Payment.PaymentDate) {
			t.Errorf("payment date changed: %v != %v", res.Payment.PaymentDate, first.Payment.PaymentDate)
		}
	}

	if got := f.gw.StatusCalls.Load(); got != 1 {
		t.Errorf("gateway called %d times; want 1", got)
	}
	if got := f.bookings.updateCount(7); got != 1 {
		t.Errorf("booking updated %d times; want 1", got)
	}
}

func TestReconcileTerminalStatusesNeverCallGateway(t *testing.T) {
	for _, status := range []models.PaymentStatus{
		models.PaymentStatusCompleted,
		models.PaymentStatusFailed,
		models.PaymentStatusCancelled,
		models.PaymentStatusRefunded,
	} {
		t.Run(string(status), func(t *testing.T) {
			p := initiatedPayment()
			p.Status = status
			f := newReconcileFixture(t, p, gateway.StatusResult{State: gateway.StatePending})

			res, err := f.reconcile.Reconcile(context.Background(), 1, TriggerManual)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if !res.ShortCircuited || res.Payment.Status != status {
				t.Errorf("result = %+v", res)
			}
			if f.gw.StatusCalls.Load() != 0 {
				t.Error("gateway must not be queried for a terminal payment")
			}
		})
	}
}

func TestReconcileRequiresInitiatedPayment(t *testing.T) {
	p := models.Payment{ID: 1, CustomerID: 1, Status: models.PaymentStatusPending}
	f := newReconcileFixture(t, p, gateway.StatusResult{State: gateway.StateSuccess})

	_, err := f.reconcile.ReconcileForCustomer(context.Background(), 1, 1)
	if !errors.Is(err, ErrNotInitiated) {
		t.Fatalf("error = %v; want ErrNotInitiated", err)
	}
	if err.Error() != "payment not initiated with gateway" {
		t.Errorf("message = %q", err.Error())
	}
	if f.gw.StatusCalls.Load() != 0 || f.payments.get(1).Status != models.PaymentStatusPending {
		t.Error("an uninitiated payment must not be queried or mutated")
	}
}

func TestReconcileFailureCancelsBooking(t *testing.T) {
	f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{Success: true, Code: gateway.StateError})

	res, err := f.reconcile.Reconcile(context.Background(), 1, TriggerPoll)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Payment.Status != models.PaymentStatusFailed || res.Payment.PaymentDate != nil {
		t.Errorf("payment = %+v; want failed without payment date", res.Payment)
	}
	if res.Booking == nil || res.Booking.Status != models.BookingStatusCancelled {
		t.Errorf("booking = %+v; want cancelled", res.Booking)
	}
}

func TestReconcileTransientErrorKeepsStatus(t *testing.T) {
	tests := []struct {
		name   string
		status func(ctx context.Context, id string) gateway.StatusResult
	}{
		{
			name: "empty response",
			status: statusReturning(gateway.StatusResult{
				State: gateway.StatePending,
				Raw:   json.RawMessage(`{"error":"empty gateway response"}`),
				Err:   gateway.ErrEmptyResponse,
			}),
		},
		{
			name: "timeout",
			status: func(ctx context.Context, id string) gateway.StatusResult {
				<-ctx.Done()
				return gateway.StatusResult{State: gateway.StatePending, Err: ctx.Err()}
			},
		},
		{
			name:   "unknown code",
			status: statusReturning(gateway.StatusResult{Raw: json.RawMessage(`{"code":"INTERNAL_SERVER_ERROR"}`)}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := initiatedPayment()
			p.Status = models.PaymentStatusPending
			f := newReconcileFixture(t, p, gateway.StatusResult{})
			f.gw.CheckStatusFunc = tt.status

			res, err := f.reconcile.ReconcileForCustomer(context.Background(), 1, 1)
			if err != nil {
				t.Fatalf("ReconcileForCustomer() error = %v", err)
			}
			if res.Payment.Status != models.PaymentStatusPending || res.Transitioned {
				t.Errorf("result = %+v; want unchanged pending", res)
			}
			if f.payments.transitions.Load() != 0 {
				t.Error("no transition should be committed")
			}
			if f.payments.audits.Load() != 1 {
				t.Error("the observation should still be recorded for audit")
			}
			if f.bookings.updateCount(7) != 0 {
				t.Error("booking must not change")
			}
		})
	}
}

func TestReconcileOwnership(t *testing.T) {
	f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{State: gateway.StateSuccess})

	if _, err := f.reconcile.ReconcileForCustomer(context.Background(), 1, 2); !errors.Is(err, ErrForbidden) {
		t.Errorf("other customer error = %v; want ErrForbidden", err)
	}
	if _, err := f.reconcile.ReconcileForCustomer(context.Background(), 99, 1); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("missing payment error = %v; want ErrPaymentNotFound", err)
	}
	if f.gw.StatusCalls.Load() != 0 {
		t.Error("gateway should not be called for rejected requests")
	}
}

func TestCompleteManually(t *testing.T) {
	owner := &models.Customer{ID: 1, Role: models.CustomerRoleCustomer}
	stranger := &models.Customer{ID: 2, Role: models.CustomerRoleCustomer}
	admin := &models.Customer{ID: 3, Role: models.CustomerRoleAdmin}

	tests := []struct {
		name      string
		req       ManualCompleteRequest
		requester *models.Customer
		wantErr   error
	}{
		{"no identifiers", ManualCompleteRequest{}, owner, ErrMissingIdentifier},
		{"owner by id", ManualCompleteRequest{PaymentID: 1}, owner, nil},
		{"owner by merchant id", ManualCompleteRequest{MerchantTransactionID: "M1"}, owner, nil},
		{"admin completes any", ManualCompleteRequest{PaymentID: 1}, admin, nil},
		{"stranger", ManualCompleteRequest{PaymentID: 1}, stranger, ErrForbidden},
		{"mismatched identifiers", ManualCompleteRequest{PaymentID: 1, MerchantTransactionID: "M2"}, owner, ErrPaymentNotFound},
		{"unknown merchant id", ManualCompleteRequest{MerchantTransactionID: "nope"}, admin, ErrPaymentNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{Success: true, State: gateway.StateSuccess})

			res, err := f.reconcile.CompleteManually(context.Background(), tt.req, tt.requester)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v; want %v", err, tt.wantErr)
				}
				if f.payments.get(1).Status != models.PaymentStatusInitiated {
					t.Error("rejected request mutated the payment")
				}
				return
			}
			if err != nil {
				t.Fatalf("CompleteManually() error = %v", err)
			}
			if res.Payment.Status != models.PaymentStatusCompleted {
				t.Errorf("status = %s; want completed", res.Payment.Status)
			}
		})
	}
}

func TestConcurrentManualCompleteCommitsOnce(t *testing.T) {
	payments := newMemPaymentStore(initiatedPayment())
	bookings := newMemBookingStore(models.Booking{ID: 7, CustomerID: 1, Status: models.BookingStatusPending})

	// Both reconcilers read the open payment and reach the gateway before either commits
	var arrived sync.WaitGroup
	arrived.Add(2)
	gw := &MockGateway{
		NameValue: "phonepe",
		CheckStatusFunc: func(context.Context, string) gateway.StatusResult {
			arrived.Done()
			arrived.Wait()
			return gateway.StatusResult{Success: true, State: gateway.StateSuccess}
		},
	}
	notifier := &countingNotifier{}
	registry := gateway.NewRegistry(gw)

	// Separate reconcilers stand in for separate server processes
	a := NewReconciler(payments, registry, NewBookingSynchronizer(bookings), WithNotifier(notifier))
	b := NewReconciler(payments, registry, NewBookingSynchronizer(bookings), WithNotifier(notifier))

	admin := &models.Customer{ID: 3, Role: models.CustomerRoleAdmin}
	results := make([]*ReconcileResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, r := range []*Reconciler{a, b} {
		wg.Add(1)
		go func(i int, r *Reconciler) {
			defer wg.Done()
			results[i], errs[i] = r.CompleteManually(context.Background(), ManualCompleteRequest{PaymentID: 1}, admin)
		}(i, r)
	}
	wg.Wait()

	transitioned := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("call %d error = %v", i, errs[i])
		}
		if results[i].Payment.Status != models.PaymentStatusCompleted {
			t.Errorf("call %d saw status %s", i, results[i].Payment.Status)
		}
		if results[i].Transitioned {
			transitioned++
		}
	}
	if transitioned != 1 {
		t.Errorf("%d calls committed; want exactly 1", transitioned)
	}
	if got := payments.transitions.Load(); got != 1 {
		t.Errorf("store applied %d transitions; want 1", got)
	}
	if got := bookings.updateCount(7); got != 1 {
		t.Errorf("booking updated %d times; want 1", got)
	}
	if got := notifier.calls.Load(); got != 1 {
		t.Errorf("notifier called %d times; want 1", got)
	}

	// A later call sees the committed status and makes no gateway call
	before := gw.StatusCalls.Load()
	res, err := a.CompleteManually(context.Background(), ManualCompleteRequest{PaymentID: 1}, admin)
	if err != nil || !res.ShortCircuited {
		t.Fatalf("follow-up = %+v, %v; want short circuit", res, err)
	}
	if gw.StatusCalls.Load() != before {
		t.Error("follow-up call reached the gateway")
	}
}

func TestConcurrentPollsShareGatewayCall(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{})
	f.gw.CheckStatusFunc = func(context.Context, string) gateway.StatusResult {
		close(entered)
		<-release
		return gateway.StatusResult{Success: true, State: gateway.StateSuccess}
	}
	f.reconcile = NewReconciler(f.payments, gateway.NewRegistry(f.gw), NewBookingSynchronizer(f.bookings))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.reconcile.ReconcileForCustomer(context.Background(), 1, 1)
		errs <- err
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.reconcile.ReconcileForCustomer(context.Background(), 1, 1)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("poll error = %v", err)
		}
	}
	if got := f.gw.StatusCalls.Load(); got != 1 {
		t.Errorf("gateway called %d times; want 1", got)
	}
	if got := f.payments.transitions.Load(); got != 1 {
		t.Errorf("transitions = %d; want 1", got)
	}
}

func TestHandleCallback(t *testing.T) {
	body := []byte(`{"event":"checkout.order.completed","payload":{"merchantOrderId":"M1","state":"COMPLETED"}}`)
	parse := func(raw []byte) (*gateway.CallbackEvent, error) {
		return &gateway.CallbackEvent{
			MerchantOrderID: "M1",
			Status:          gateway.StatusResult{Success: true, State: gateway.StateSuccess, Raw: raw},
		}, nil
	}

	t.Run("valid signature settles without re-query", func(t *testing.T) {
		f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{})
		f.gw.ParseFunc = parse

		res, err := f.reconcile.HandleCallback(context.Background(), "phonepe", body, "sig")
		if err != nil {
			t.Fatalf("HandleCallback() error = %v", err)
		}
		if res.Payment.Status != models.PaymentStatusCompleted || !res.Transitioned {
			t.Errorf("result = %+v", res)
		}
		if f.gw.StatusCalls.Load() != 0 {
			t.Error("callback should use its own payload")
		}
		if n := len(f.payments.callbacks); n != 1 || f.payments.callbacks[0].Status != models.CallbackStatusProcessed {
			t.Errorf("callback log = %+v", f.payments.callbacks)
		}
	})

	t.Run("tampered signature is rejected", func(t *testing.T) {
		f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{})
		f.gw.VerifyFunc = func([]byte, string) bool { return false }
		f.gw.ParseFunc = parse
		before := f.payments.get(1)

		_, err := f.reconcile.HandleCallback(context.Background(), "phonepe", body, "forged")
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("error = %v; want ErrInvalidSignature", err)
		}
		if after := f.payments.get(1); after.Status != before.Status || after.GatewayLastState != before.GatewayLastState {
			t.Errorf("payment changed: %+v -> %+v", before, after)
		}
		if f.bookings.updateCount(7) != 0 {
			t.Error("booking changed")
		}
		if n := len(f.payments.callbacks); n != 1 || f.payments.callbacks[0].SignatureValid || f.payments.callbacks[0].Status != models.CallbackStatusRejected {
			t.Errorf("callback log = %+v", f.payments.callbacks)
		}
	})

	t.Run("late failure does not overwrite completion", func(t *testing.T) {
		p := initiatedPayment()
		p.Status = models.PaymentStatusCompleted
		f := newReconcileFixture(t, p, gateway.StatusResult{})
		f.gw.ParseFunc = func(raw []byte) (*gateway.CallbackEvent, error) {
			return &gateway.CallbackEvent{MerchantOrderID: "M1", Status: gateway.StatusResult{State: gateway.StateError, Raw: raw}}, nil
		}

		res, err := f.reconcile.HandleCallback(context.Background(), "phonepe", body, "sig")
		if err != nil {
			t.Fatalf("HandleCallback() error = %v", err)
		}
		if res.Payment.Status != models.PaymentStatusCompleted || f.payments.get(1).Status != models.PaymentStatusCompleted {
			t.Error("a terminal payment was overwritten")
		}
	})

	t.Run("callback for another gateway's order", func(t *testing.T) {
		f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{})
		other := &MockGateway{
			NameValue:  "midtrans",
			VerifyFunc: func([]byte, string) bool { return true },
			ParseFunc:  parse,
		}
		f.reconcile = NewReconciler(f.payments, gateway.NewRegistry(f.gw, other), NewBookingSynchronizer(f.bookings))

		if _, err := f.reconcile.HandleCallback(context.Background(), "midtrans", body, "sig"); !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("error = %v; want ErrPaymentNotFound", err)
		}
		if f.payments.get(1).Status != models.PaymentStatusInitiated {
			t.Error("payment changed")
		}
	})

	t.Run("unconfigured gateway", func(t *testing.T) {
		f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{})
		if _, err := f.reconcile.HandleCallback(context.Background(), "paypal", body, "sig"); !errors.Is(err, gateway.ErrGatewayNotConfigured) {
			t.Errorf("error = %v; want ErrGatewayNotConfigured", err)
		}
	})
}

func TestMonotonicAcrossTriggers(t *testing.T) {
	f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{Success: true, State: gateway.StateSuccess})
	ctx := context.Background()

	if _, err := f.reconcile.Reconcile(ctx, 1, TriggerPoll); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	// Every later observation disagrees; none may move the payment
	f.gw.CheckStatusFunc = statusReturning(gateway.StatusResult{State: gateway.StatePending})
	f.gw.ParseFunc = func(raw []byte) (*gateway.CallbackEvent, error) {
		return &gateway.CallbackEvent{MerchantOrderID: "M1", Status: gateway.StatusResult{State: gateway.StateError}}, nil
	}
	for _, trigger := range []Trigger{TriggerPoll, TriggerManual, TriggerSweep} {
		if _, err := f.reconcile.Reconcile(ctx, 1, trigger); err != nil {
			t.Fatalf("Reconcile(%s) error = %v", trigger, err)
		}
	}
	if _, err := f.reconcile.HandleCallback(ctx, "phonepe", []byte(`{}`), "sig"); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if got := f.payments.get(1).Status; got != models.PaymentStatusCompleted {
		t.Errorf("status = %s; want completed", got)
	}
}

func TestReconcileMissingBookingStillCompletes(t *testing.T) {
	p := initiatedPayment()
	p.PayForID = uintPtr(404)
	f := newReconcileFixture(t, p, gateway.StatusResult{Success: true, State: gateway.StateSuccess})

	res, err := f.reconcile.Reconcile(context.Background(), 1, TriggerPoll)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Payment.Status != models.PaymentStatusCompleted || res.Booking != nil {
		t.Errorf("result = %+v; want completed with no booking", res)
	}
}

func TestReconcileStale(t *testing.T) {
	old := fixedNow.Add(-time.Hour)
	settled := initiatedPayment()
	settled.UpdatedAt = old
	waiting := initiatedPayment()
	waiting.ID, waiting.MerchantOrderID, waiting.UpdatedAt = 2, "M2", old
	fresh := initiatedPayment()
	fresh.ID, fresh.MerchantOrderID, fresh.UpdatedAt = 3, "M3", fixedNow

	f := newReconcileFixture(t, settled, gateway.StatusResult{})
	f.payments = newMemPaymentStore(settled, waiting, fresh)
	f.gw.CheckStatusFunc = func(_ context.Context, id string) gateway.StatusResult {
		if id == "M1" {
			return gateway.StatusResult{Success: true, State: gateway.StateSuccess}
		}
		return gateway.StatusResult{State: gateway.StatePending}
	}
	f.reconcile = NewReconciler(f.payments, gateway.NewRegistry(f.gw), NewBookingSynchronizer(f.bookings))

	n, err := f.reconcile.ReconcileStale(context.Background(), fixedNow.Add(-15*time.Minute), 50)
	if err != nil {
		t.Fatalf("ReconcileStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("settled = %d; want 1", n)
	}
	if got := f.gw.StatusCalls.Load(); got != 2 {
		t.Errorf("gateway called %d times; want 2 (fresh payment skipped)", got)
	}
}

func TestLaterCompletedPaymentConfirmsCancelledBooking(t *testing.T) {
	db := newTestDB(t)
	first, booking := seedPayment(t, db, models.PaymentStatusInitiated, "M-A")
	second := models.Payment{
		CustomerID:      first.CustomerID,
		PayForID:        &booking.ID,
		Amount:          1500000,
		Status:          models.PaymentStatusInitiated,
		Gateway:         models.PaymentGatewayPhonePe,
		MerchantOrderID: "M-B",
	}
	if err := db.Create(&second).Error; err != nil {
		t.Fatalf("create payment: %v", err)
	}

	gw := &MockGateway{
		NameValue: "phonepe",
		CheckStatusFunc: func(_ context.Context, merchantOrderID string) gateway.StatusResult {
			if merchantOrderID == "M-A" {
				return gateway.StatusResult{State: gateway.StateError}
			}
			return gatewaySuccess()
		},
		VerifyFunc: func([]byte, string) bool { return true },
	}
	r := NewReconciler(NewGormPaymentStore(db), registryOf(gw), NewBookingSynchronizer(NewGormBookingStore(db)))
	ctx := context.Background()

	res, err := r.Reconcile(ctx, first.ID, TriggerPoll)
	if err != nil {
		t.Fatalf("Reconcile(first) error = %v", err)
	}
	if res.Payment.Status != models.PaymentStatusFailed || res.Booking == nil || res.Booking.Status != models.BookingStatusCancelled {
		t.Fatalf("first result = %s / %+v; want failed and cancelled", res.Payment.Status, res.Booking)
	}

	res, err = r.Reconcile(ctx, second.ID, TriggerPoll)
	if err != nil {
		t.Fatalf("Reconcile(second) error = %v", err)
	}
	if !res.Transitioned || res.Payment.Status != models.PaymentStatusCompleted {
		t.Errorf("second result = %+v; want a committed completion", res)
	}
	if res.Booking == nil || res.Booking.Status != models.BookingStatusConfirmed {
		t.Errorf("booking = %+v; want confirmed", res.Booking)
	}

	var stored models.Booking
	if err := db.First(&stored, booking.ID).Error; err != nil {
		t.Fatalf("load booking: %v", err)
	}
	if stored.Status != models.BookingStatusConfirmed {
		t.Errorf("stored booking = %s; want confirmed", stored.Status)
	}
}

func TestPendingPollReportsConcurrentSettlement(t *testing.T) {
	f := newReconcileFixture(t, initiatedPayment(), gateway.StatusResult{})
	f.gw.CheckStatusFunc = func(ctx context.Context, _ string) gateway.StatusResult {
		// A callback commits while this poll waits on the gateway
		if _, err := f.payments.Transition(ctx, 1, models.PaymentStatusCompleted, GatewayAudit{State: gateway.StateSuccess}, fixedNow); err != nil {
			t.Errorf("Transition() error = %v", err)
		}
		return gateway.StatusResult{State: gateway.StatePending}
	}

	res, err := f.reconcile.ReconcileForCustomer(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("ReconcileForCustomer() error = %v", err)
	}
	if res.Payment.Status != models.PaymentStatusCompleted {
		t.Errorf("status = %s; want the committed completed", res.Payment.Status)
	}
	if res.Transitioned {
		t.Error("this poll did not commit the transition")
	}
	if got := f.notifier.calls.Load(); got != 0 {
		t.Errorf("notifier called %d times; want 0", got)
	}
	if stored := f.payments.get(1); stored.GatewayLastState != gateway.StateSuccess {
		t.Errorf("audit overwritten: %s", stored.GatewayLastState)
	}
}

func TestReconcileStaleBacksOffUnavailableGateway(t *testing.T) {
	old := fixedNow.Add(-time.Hour)
	var stale []models.Payment
	for i := uint(1); i <= 5; i++ {
		p := initiatedPayment()
		p.ID, p.MerchantOrderID, p.UpdatedAt = i, fmt.Sprintf("M%d", i), old
		stale = append(stale, p)
	}
	other := initiatedPayment()
	other.ID, other.MerchantOrderID, other.Gateway, other.UpdatedAt = 6, "MT6", models.PaymentGatewayMidtrans, old
	stale = append(stale, other)

	f := newReconcileFixture(t, stale[0], gateway.StatusResult{State: gateway.StatePending, Err: gateway.ErrEmptyResponse})
	f.payments = newMemPaymentStore(stale...)
	midtrans := &MockGateway{
		NameValue:       "midtrans",
		CheckStatusFunc: statusReturning(gatewaySuccess()),
		VerifyFunc:      func([]byte, string) bool { return true },
	}
	f.reconcile = NewReconciler(f.payments, registryOf(f.gw, midtrans), NewBookingSynchronizer(f.bookings))

	n, err := f.reconcile.ReconcileStale(context.Background(), fixedNow.Add(-15*time.Minute), 50)
	if err != nil {
		t.Fatalf("ReconcileStale() error = %v", err)
	}
	if got := f.gw.StatusCalls.Load(); got != sweepTransientLimit {
		t.Errorf("failing gateway called %d times; want %d", got, sweepTransientLimit)
	}
	if n != 1 || midtrans.StatusCalls.Load() != 1 {
		t.Errorf("settled = %d, midtrans calls = %d; want the other gateway still swept", n, midtrans.StatusCalls.Load())
	}
}
