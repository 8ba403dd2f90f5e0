package models

import (
	"time"

	"gorm.io/gorm"
)

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusCompleted BookingStatus = "completed"
)

// Booking is a customer's reservation of a room in a property
type Booking struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	CustomerID   uint          `gorm:"index;not null" json:"customer_id"`
	PropertyName string        `gorm:"type:varchar(255)" json:"property_name"`
	RoomLabel    string        `gorm:"type:varchar(100)" json:"room_label"`
	MonthlyRent  int64         `json:"monthly_rent"` // minor units
	CheckIn      *time.Time    `json:"check_in,omitempty"`
	CheckOut     *time.Time    `json:"check_out,omitempty"`
	Status       BookingStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`

	Payments []Payment `gorm:"foreignKey:PayForID" json:"payments,omitempty"`
}

// SyncSources lists the booking statuses a payment outcome may move away from.
// A completed payment confirms even a booking an earlier failed payment cancelled;
// a failed payment only cancels a booking that is still pending.
func (s BookingStatus) SyncSources() []BookingStatus {
	switch s {
	case BookingStatusConfirmed:
		return []BookingStatus{BookingStatusPending, BookingStatusCancelled}
	case BookingStatusCancelled:
		return []BookingStatus{BookingStatusPending}
	default:
		return nil
	}
}
