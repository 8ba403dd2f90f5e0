package services

import (
	"gorm.io/gorm"
)

// NewGormReconciler wires the gorm-backed stores into a Reconciler
func NewGormReconciler(db *gorm.DB, gateways GatewayResolver, opts ...ReconcilerOption) *Reconciler {
	return NewReconciler(
		NewGormPaymentStore(db),
		gateways,
		NewBookingSynchronizer(NewGormBookingStore(db)),
		opts...,
	)
}
