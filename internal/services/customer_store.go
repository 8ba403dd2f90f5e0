package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"coliving_app_echo/internal/models"
)

var ErrCustomerNotFound = errors.New("customer not found")

type CustomerStore interface {
	FindByID(ctx context.Context, id uint) (*models.Customer, error)
	FindByFirebaseUID(ctx context.Context, uid string) (*models.Customer, error)
	NotifPreference(ctx context.Context, customerID uint) (*models.CustomerNotifPreference, error)
}

type GormCustomerStore struct {
	db *gorm.DB
}

func NewGormCustomerStore(db *gorm.DB) *GormCustomerStore {
	return &GormCustomerStore{db: db}
}

func (s *GormCustomerStore) FindByID(ctx context.Context, id uint) (*models.Customer, error) {
	var c models.Customer
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *GormCustomerStore) FindByFirebaseUID(ctx context.Context, uid string) (*models.Customer, error) {
	var c models.Customer
	if err := s.db.WithContext(ctx).Where("firebase_uid = ?", uid).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

// NotifPreference returns the stored preference, or the email default when none exists
func (s *GormCustomerStore) NotifPreference(ctx context.Context, customerID uint) (*models.CustomerNotifPreference, error) {
	var pref models.CustomerNotifPreference
	err := s.db.WithContext(ctx).Where("customer_id = ?", customerID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.CustomerNotifPreference{
			CustomerID:         customerID,
			Channel:            models.NotificationChannelEmail,
			WhatsappTargetType: models.WhatsappTargetTypePersonal,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

// SaveNotifPreference upserts the customer's preference row
func (s *GormCustomerStore) SaveNotifPreference(ctx context.Context, pref *models.CustomerNotifPreference) error {
	var existing models.CustomerNotifPreference
	err := s.db.WithContext(ctx).Where("customer_id = ?", pref.CustomerID).First(&existing).Error
	switch {
	case err == nil:
		pref.ID = existing.ID
		pref.CreatedAt = existing.CreatedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	default:
		pref.ID = 0
	}
	return s.db.WithContext(ctx).Save(pref).Error
}
