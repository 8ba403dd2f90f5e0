package models

import (
	"time"

	"gorm.io/gorm"
)

// CustomerRole represents the access level of a customer account
type CustomerRole string

const (
	CustomerRoleCustomer CustomerRole = "customer"
	CustomerRoleAdmin    CustomerRole = "admin"
)

// Customer is a resident or applicant, linked to a Firebase account
type Customer struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	FirebaseUID string       `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	Name        string       `gorm:"type:varchar(255)" json:"name"`
	Email       string       `gorm:"type:varchar(255);index" json:"email"`
	Phone       string       `gorm:"type:varchar(50)" json:"phone"`
	Role        CustomerRole `gorm:"type:varchar(20);default:'customer'" json:"role"`

	Bookings []Booking `gorm:"foreignKey:CustomerID" json:"bookings,omitempty"`
}

func (c Customer) IsAdmin() bool {
	return c.Role == CustomerRoleAdmin
}
