package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"coliving_app_echo/internal/models"
)

var ErrPaymentNotFound = errors.New("payment not found")

// GatewayAudit is the last observed gateway response, written for debugging only
type GatewayAudit struct {
	Code  string
	State string
	Raw   []byte
}

func (a GatewayAudit) columns() map[string]interface{} {
	cols := map[string]interface{}{
		"gateway_last_code":  a.Code,
		"gateway_last_state": a.State,
	}
	if len(a.Raw) > 0 {
		cols["gateway_last_raw"] = datatypes.JSON(a.Raw)
	}
	return cols
}

// Initiation carries the identifiers assigned when a gateway checkout is opened
type Initiation struct {
	Gateway         models.PaymentGateway
	MerchantOrderID string
	GatewayOrderID  string
	CheckoutURL     string
	Audit           GatewayAudit
}

// PaymentStore persists payments. Status changes only go through Transition,
// which is conditional on the stored status still being open.
type PaymentStore interface {
	FindByID(ctx context.Context, id uint) (*models.Payment, error)
	FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Payment, error)
	Create(ctx context.Context, p *models.Payment) error
	MarkInitiated(ctx context.Context, id uint, in Initiation) (bool, error)
	RecordGatewayAudit(ctx context.Context, id uint, audit GatewayAudit) (bool, error)
	Transition(ctx context.Context, id uint, to models.PaymentStatus, audit GatewayAudit, at time.Time) (bool, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.Payment, error)
	RecordCallback(ctx context.Context, h *models.PaymentCallbackHistory) error
}

type GormPaymentStore struct {
	db *gorm.DB
}

func NewGormPaymentStore(db *gorm.DB) *GormPaymentStore {
	return &GormPaymentStore{db: db}
}

func (s *GormPaymentStore) FindByID(ctx context.Context, id uint) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormPaymentStore) FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Payment, error) {
	if merchantOrderID == "" {
		return nil, ErrPaymentNotFound
	}
	var p models.Payment
	err := s.db.WithContext(ctx).Where("merchant_order_id = ?", merchantOrderID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormPaymentStore) Create(ctx context.Context, p *models.Payment) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// MarkInitiated attaches checkout identifiers once. It only applies while the
// payment is pending and has no merchant order id yet.
func (s *GormPaymentStore) MarkInitiated(ctx context.Context, id uint, in Initiation) (bool, error) {
	cols := in.Audit.columns()
	cols["status"] = models.PaymentStatusInitiated
	cols["gateway"] = in.Gateway
	cols["merchant_order_id"] = in.MerchantOrderID
	cols["gateway_order_id"] = in.GatewayOrderID
	cols["checkout_url"] = in.CheckoutURL

	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ? AND (merchant_order_id = '' OR merchant_order_id IS NULL)", id, models.PaymentStatusPending).
		Updates(cols)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordGatewayAudit stores a non-terminal observation. It never touches status and
// leaves the audit of an already settled payment alone, reporting false then.
func (s *GormPaymentStore) RecordGatewayAudit(ctx context.Context, id uint, audit GatewayAudit) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, models.OpenPaymentStatuses).
		Updates(audit.columns())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Transition is a compare-and-swap on status: it only applies while the stored
// status is still open, so at most one terminal transition ever commits.
// payment_date is written in the same statement when moving to completed.
func (s *GormPaymentStore) Transition(ctx context.Context, id uint, to models.PaymentStatus, audit GatewayAudit, at time.Time) (bool, error) {
	cols := audit.columns()
	cols["status"] = to
	if to == models.PaymentStatusCompleted {
		cols["payment_date"] = at
	}

	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, models.OpenPaymentStatuses).
		Updates(cols)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListStale returns open payments with a gateway checkout that have not been touched since before
func (s *GormPaymentStore) ListStale(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).
		Where("status IN ? AND merchant_order_id <> '' AND updated_at < ?", models.OpenPaymentStatuses, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (s *GormPaymentStore) RecordCallback(ctx context.Context, h *models.PaymentCallbackHistory) error {
	return s.db.WithContext(ctx).Create(h).Error
}

// PaymentQuery filters a customer's payment history. Zero values mean defaults.
type PaymentQuery struct {
	CustomerID    uint
	Status        models.PaymentStatus
	ShowCancelled bool
	SortBy        string
	SortOrder     string
	Page          int
	PageSize      int
}

type PaymentPage struct {
	Payments   []models.Payment
	TotalCount int64
	Page       int
	TotalPages int
}

var paymentSortColumns = map[string]string{
	"created_at": "created_at",
	"due_date":   "due_date",
	"amount":     "amount",
	"status":     "status",
}

// ListForCustomer pages through one customer's payments, newest first by default
func (s *GormPaymentStore) ListForCustomer(ctx context.Context, q PaymentQuery) (*PaymentPage, error) {
	pageSize := q.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.Payment{}).Where("customer_id = ?", q.CustomerID)
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	} else if !q.ShowCancelled {
		// Hide cancelled payments by default
		query = query.Where("status <> ?", models.PaymentStatusCancelled)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	if totalPages == 0 {
		totalPages = 1
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	column, ok := paymentSortColumns[q.SortBy]
	if !ok {
		column = "created_at"
	}
	order := "desc"
	if strings.EqualFold(q.SortOrder, "asc") {
		order = "asc"
	}

	var payments []models.Payment
	err := query.Order(column + " " + order).Order("id " + order).
		Limit(pageSize).Offset((page - 1) * pageSize).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}

	return &PaymentPage{Payments: payments, TotalCount: total, Page: page, TotalPages: totalPages}, nil
}
