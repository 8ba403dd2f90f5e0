package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"coliving_app_echo/internal/models"
)

var ErrBookingNotFound = errors.New("booking not found")

type BookingStore interface {
	FindByID(ctx context.Context, id uint) (*models.Booking, error)
	// UpdateStatus moves a booking to status from one of status.SyncSources() and
	// reports whether a row changed
	UpdateStatus(ctx context.Context, id uint, status models.BookingStatus) (bool, error)
}

type GormBookingStore struct {
	db *gorm.DB
}

func NewGormBookingStore(db *gorm.DB) *GormBookingStore {
	return &GormBookingStore{db: db}
}

func (s *GormBookingStore) FindByID(ctx context.Context, id uint) (*models.Booking, error) {
	var b models.Booking
	if err := s.db.WithContext(ctx).First(&b, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *GormBookingStore) UpdateStatus(ctx context.Context, id uint, status models.BookingStatus) (bool, error) {
	sources := status.SyncSources()
	if len(sources) == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Booking{}).
		Where("id = ? AND status IN ?", id, sources).
		Update("status", status)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
