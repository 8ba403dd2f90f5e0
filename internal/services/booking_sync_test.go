package services

import (
	"context"
	"testing"

	"coliving_app_echo/internal/models"
)

func TestBookingIDOf(t *testing.T) {
	tests := []struct {
		name   string
		p      models.Payment
		want   uint
		wantOK bool
	}{
		{"direct reference", models.Payment{PayForID: uintPtr(7)}, 7, true},
		{"direct wins over snapshot", models.Payment{PayForID: uintPtr(7), PayForSnapshot: []byte(`{"id":9}`)}, 7, true},
		{"numeric snapshot", models.Payment{PayForSnapshot: []byte(`{"id":9}`)}, 9, true},
		{"string snapshot", models.Payment{PayForSnapshot: []byte(`{"id":"12"}`)}, 12, true},
		{"snapshot without id", models.Payment{PayForSnapshot: []byte(`{"room":"A2"}`)}, 0, false},
		{"broken snapshot", models.Payment{PayForSnapshot: []byte(`not json`)}, 0, false},
		{"nothing", models.Payment{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := BookingIDOf(&tt.p)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("BookingIDOf() = %d, %v; want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBookingSynchronizerIsIdempotent(t *testing.T) {
	bookings := newMemBookingStore(models.Booking{ID: 9, Status: models.BookingStatusPending})
	sync := NewBookingSynchronizer(bookings)
	p := &models.Payment{ID: 1, PayForSnapshot: []byte(`{"id":9}`)}

	for i := 0; i < 2; i++ {
		b := sync.Sync(context.Background(), p, models.BookingStatusConfirmed)
		if b == nil || b.Status != models.BookingStatusConfirmed {
			t.Fatalf("Sync() #%d = %+v", i, b)
		}
	}
	if got := bookings.updateCount(9); got != 1 {
		t.Errorf("updates = %d; want 1", got)
	}

	if b := sync.Sync(context.Background(), &models.Payment{ID: 2, PayForID: uintPtr(404)}, models.BookingStatusConfirmed); b != nil {
		t.Errorf("Sync() for a missing booking = %+v; want nil", b)
	}
}
