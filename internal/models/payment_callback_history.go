package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CallbackStatus string

const (
	CallbackStatusReceived  CallbackStatus = "received"
	CallbackStatusRejected  CallbackStatus = "rejected"
	CallbackStatusProcessed CallbackStatus = "processed"
	CallbackStatusFailed    CallbackStatus = "failed"
)

// PaymentCallbackHistory logs every webhook delivery, accepted or not
type PaymentCallbackHistory struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	PaymentGateway  PaymentGateway `gorm:"type:varchar(50);not null" json:"payment_gateway"`
	PaymentID       *uint          `gorm:"index" json:"payment_id,omitempty"`
	MerchantOrderID string         `gorm:"type:varchar(100);index" json:"merchant_order_id"`
	SignatureValid  bool           `json:"signature_valid"`
	Status          CallbackStatus `gorm:"type:varchar(20)" json:"status"`
	Error           string         `gorm:"type:text" json:"error,omitempty"`
	Metadata        datatypes.JSON `gorm:"type:jsonb" json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}
