package services

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"coliving_app_echo/internal/gateway"
	"coliving_app_echo/internal/models"
)

// memPaymentStore keeps payments in memory with the same conditional-write
// semantics as GormPaymentStore
type memPaymentStore struct {
	mu        sync.Mutex
	payments  map[uint]models.Payment
	callbacks []models.PaymentCallbackHistory
	nextID    uint

	transitions atomic.Int32
	audits      atomic.Int32
}

func newMemPaymentStore(payments ...models.Payment) *memPaymentStore {
	s := &memPaymentStore{payments: make(map[uint]models.Payment), nextID: 100}
	for _, p := range payments {
		s.payments[p.ID] = p
	}
	return s
}

func (s *memPaymentStore) get(id uint) models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[id]
}

func (s *memPaymentStore) FindByID(_ context.Context, id uint) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (s *memPaymentStore) FindByMerchantOrderID(_ context.Context, merchantOrderID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if merchantOrderID != "" && p.MerchantOrderID == merchantOrderID {
			return &p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (s *memPaymentStore) Create(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.payments[p.ID] = *p
	return nil
}

func (s *memPaymentStore) MarkInitiated(_ context.Context, id uint, in Initiation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != models.PaymentStatusPending || p.MerchantOrderID != "" {
		return false, nil
	}
	p.Status = models.PaymentStatusInitiated
	p.Gateway = in.Gateway
	p.MerchantOrderID = in.MerchantOrderID
	p.GatewayOrderID = in.GatewayOrderID
	p.CheckoutURL = in.CheckoutURL
	s.payments[id] = p
	return true, nil
}

func (s *memPaymentStore) RecordGatewayAudit(_ context.Context, id uint, audit GatewayAudit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits.Add(1)
	p, ok := s.payments[id]
	if !ok || p.Status.IsTerminal() {
		return false, nil
	}
	p.GatewayLastCode, p.GatewayLastState, p.GatewayLastRaw = audit.Code, audit.State, audit.Raw
	s.payments[id] = p
	return true, nil
}

func (s *memPaymentStore) Transition(_ context.Context, id uint, to models.PaymentStatus, audit GatewayAudit, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status.IsTerminal() {
		return false, nil
	}
	p.Status = to
	p.GatewayLastCode, p.GatewayLastState, p.GatewayLastRaw = audit.Code, audit.State, audit.Raw
	if to == models.PaymentStatusCompleted {
		p.PaymentDate = &at
	}
	s.payments[id] = p
	s.transitions.Add(1)
	return true, nil
}

func (s *memPaymentStore) ListStale(_ context.Context, before time.Time, limit int) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payment
	for _, p := range s.payments {
		if !p.Status.IsTerminal() && p.MerchantOrderID != "" && p.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPaymentStore) RecordCallback(_ context.Context, h *models.PaymentCallbackHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, *h)
	return nil
}

type memBookingStore struct {
	mu       sync.Mutex
	bookings map[uint]models.Booking
	updates  map[uint]int
}

func newMemBookingStore(bookings ...models.Booking) *memBookingStore {
	s := &memBookingStore{bookings: make(map[uint]models.Booking), updates: make(map[uint]int)}
	for _, b := range bookings {
		s.bookings[b.ID] = b
	}
	return s
}

func (s *memBookingStore) FindByID(_ context.Context, id uint) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return &b, nil
}

func (s *memBookingStore) UpdateStatus(_ context.Context, id uint, status models.BookingStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || !slices.Contains(status.SyncSources(), b.Status) {
		return false, nil
	}
	b.Status = status
	s.bookings[id] = b
	s.updates[id]++
	return true, nil
}

func (s *memBookingStore) updateCount(id uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[id]
}

type memCustomerStore struct {
	customers map[uint]models.Customer
}

func (s *memCustomerStore) FindByID(_ context.Context, id uint) (*models.Customer, error) {
	c, ok := s.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return &c, nil
}

func (s *memCustomerStore) FindByFirebaseUID(_ context.Context, uid string) (*models.Customer, error) {
	for _, c := range s.customers {
		if c.FirebaseUID == uid {
			return &c, nil
		}
	}
	return nil, ErrCustomerNotFound
}

func (s *memCustomerStore) NotifPreference(_ context.Context, customerID uint) (*models.CustomerNotifPreference, error) {
	return &models.CustomerNotifPreference{CustomerID: customerID, Channel: models.NotificationChannelEmail}, nil
}

// MockGateway records calls and delegates to the configured funcs
type MockGateway struct {
	NameValue         string
	CheckStatusFunc   func(ctx context.Context, merchantOrderID string) gateway.StatusResult
	CreatePaymentFunc func(ctx context.Context, req gateway.CreateRequest) gateway.CreateResult
	VerifyFunc        func(rawBody []byte, signature string) bool
	ParseFunc         func(rawBody []byte) (*gateway.CallbackEvent, error)

	StatusCalls atomic.Int32
	CreateCalls atomic.Int32
}

func (m *MockGateway) Name() string { return m.NameValue }

func (m *MockGateway) CreatePayment(ctx context.Context, req gateway.CreateRequest) gateway.CreateResult {
	m.CreateCalls.Add(1)
	return m.CreatePaymentFunc(ctx, req)
}

func (m *MockGateway) CheckStatus(ctx context.Context, merchantOrderID string) gateway.StatusResult {
	m.StatusCalls.Add(1)
	return m.CheckStatusFunc(ctx, merchantOrderID)
}

func (m *MockGateway) VerifyCallback(rawBody []byte, signature string) bool {
	return m.VerifyFunc(rawBody, signature)
}

func (m *MockGateway) ParseCallback(rawBody []byte) (*gateway.CallbackEvent, error) {
	return m.ParseFunc(rawBody)
}

func statusReturning(res gateway.StatusResult) func(context.Context, string) gateway.StatusResult {
	return func(context.Context, string) gateway.StatusResult { return res }
}

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) PaymentSettled(context.Context, *models.Payment) {
	n.calls.Add(1)
}

func uintPtr(v uint) *uint { return &v }

func gatewaySuccess() gateway.StatusResult {
	return gateway.StatusResult{Success: true, State: gateway.StateSuccess}
}

func registryOf(clients ...gateway.Client) *gateway.Registry {
	return gateway.NewRegistry(clients...)
}
