package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/spf13/cast"

	"coliving_app_echo/internal/models"
)

// BookingSynchronizer projects a payment's terminal status onto its booking.
// Payment truth is authoritative: booking failures are logged, never returned.
type BookingSynchronizer struct {
	bookings BookingStore
}

func NewBookingSynchronizer(bookings BookingStore) *BookingSynchronizer {
	return &BookingSynchronizer{bookings: bookings}
}

// Sync moves the linked booking to target and returns its current state,
// or nil when the payment has no resolvable booking.
func (s *BookingSynchronizer) Sync(ctx context.Context, p *models.Payment, target models.BookingStatus) *models.Booking {
	bookingID, ok := BookingIDOf(p)
	if !ok {
		slog.Info("Payment has no linked booking", "payment_id", p.ID)
		return nil
	}

	changed, err := s.bookings.UpdateStatus(ctx, bookingID, target)
	if err != nil {
		slog.Error("Failed to update booking status", "payment_id", p.ID, "booking_id", bookingID, "target", target, "error", err)
	}

	booking, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		slog.Warn("Linked booking not found", "payment_id", p.ID, "booking_id", bookingID, "error", err)
		return nil
	}

	if changed {
		slog.Info("Booking status synchronized", "payment_id", p.ID, "booking_id", bookingID, "status", target)
	} else if booking.Status != target {
		slog.Warn("Booking state does not allow the update, left unchanged", "booking_id", bookingID, "status", booking.Status, "target", target)
	}
	return booking
}

// BookingIDOf resolves the booking a payment is for, preferring the direct
// reference over the denormalised snapshot
func BookingIDOf(p *models.Payment) (uint, bool) {
	if p.PayForID != nil && *p.PayForID != 0 {
		return *p.PayForID, true
	}
	if len(p.PayForSnapshot) == 0 {
		return 0, false
	}

	var snap map[string]interface{}
	if err := json.Unmarshal(p.PayForSnapshot, &snap); err != nil {
		return 0, false
	}
	id, err := cast.ToUintE(snap["id"])
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// Lookup returns the linked booking without modifying it
func (s *BookingSynchronizer) Lookup(ctx context.Context, p *models.Payment) *models.Booking {
	bookingID, ok := BookingIDOf(p)
	if !ok {
		return nil
	}
	booking, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil
	}
	return booking
}
