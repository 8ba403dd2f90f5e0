package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PaymentGateway string

const (
	PaymentGatewayPhonePe  PaymentGateway = "phonepe"
	PaymentGatewayMidtrans PaymentGateway = "midtrans"
	PaymentGatewayManual   PaymentGateway = "manual"
)

// PaymentStatus is the lifecycle state of a rent or booking payment
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusInitiated  PaymentStatus = "initiated"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// OpenPaymentStatuses lists the statuses an automatic transition may move away from.
var OpenPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusInitiated,
	PaymentStatusProcessing,
}

// IsTerminal reports whether no further automatic transition may occur
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// Payment records a single rent or booking payment and its gateway checkout attempt.
// Amounts are stored in minor currency units (paise for INR).
type Payment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	CustomerID     uint           `gorm:"index;not null" json:"customer_id"`
	PayForID       *uint          `gorm:"index" json:"payfor,omitempty"`
	PayForSnapshot datatypes.JSON `gorm:"type:jsonb" json:"payfor_snapshot,omitempty"`

	Amount   int64         `gorm:"not null" json:"amount"`
	Currency string        `gorm:"type:varchar(3);default:'INR'" json:"currency"`
	Status   PaymentStatus `gorm:"type:varchar(20);index;not null;default:'pending'" json:"status"`

	Gateway         PaymentGateway `gorm:"type:varchar(50)" json:"gateway"`
	MerchantOrderID string         `gorm:"type:varchar(100);uniqueIndex:idx_payments_merchant_order_id,where:merchant_order_id <> ''" json:"merchant_order_id"`
	GatewayOrderID  string         `gorm:"type:varchar(100)" json:"gateway_order_id,omitempty"`
	CheckoutURL     string         `gorm:"type:text" json:"checkout_url,omitempty"`

	// Last observed gateway response, kept for audit only
	GatewayLastCode  string         `gorm:"type:varchar(100)" json:"gateway_last_code,omitempty"`
	GatewayLastState string         `gorm:"type:varchar(100)" json:"gateway_last_state,omitempty"`
	GatewayLastRaw   datatypes.JSON `gorm:"type:jsonb" json:"gateway_last_raw,omitempty"`

	PaymentDate    *time.Time `json:"payment_date"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	LateFees       int64      `gorm:"default:0" json:"late_fees"`
	UtilityCharges int64      `gorm:"default:0" json:"utility_charges"`
	Notes          string     `gorm:"type:text" json:"notes,omitempty"`

	// Relationships
	Customer Customer `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	PayFor   *Booking `gorm:"foreignKey:PayForID" json:"-"`
}

// IsInitiated reports whether a gateway checkout exists for this payment
func (p Payment) IsInitiated() bool {
	return p.MerchantOrderID != "" && p.Gateway != ""
}

// TotalDue is the amount charged at the gateway, in minor units
func (p Payment) TotalDue() int64 {
	return p.Amount + p.LateFees + p.UtilityCharges
}
