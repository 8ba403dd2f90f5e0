package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"coliving_app_echo/internal/config"
	"coliving_app_echo/internal/gateway"
	"coliving_app_echo/internal/services"
)

// reconcile_payment asks the gateway about one payment and commits the outcome,
// the same way the complete endpoint does for an admin.
func main() {
	paymentID := flag.Uint("payment_id", 0, "Payment ID")
	merchantOrderID := flag.String("merchant_order_id", "", "Merchant order ID (RENT-...)")
	flag.Parse()

	if *paymentID == 0 && *merchantOrderID == "" {
		fmt.Println("Usage: reconcile_payment -payment_id <id> | -merchant_order_id <id>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	db, err := services.InitDB(cfg.DatabaseURL, cfg.DBDebug)
	if err != nil {
		log.Fatalf("Failed to connect DB: %v", err)
	}
	gateways, err := gateway.FromConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to configure gateways: %v", err)
	}

	ctx := context.Background()
	payments := services.NewGormPaymentStore(db)
	id := *paymentID
	if id == 0 {
		p, err := payments.FindByMerchantOrderID(ctx, *merchantOrderID)
		if err != nil {
			log.Fatalf("Lookup %s: %v", *merchantOrderID, err)
		}
		id = p.ID
	}

	reconciler := services.NewGormReconciler(db, gateways, services.WithStatusTimeout(cfg.GatewayStatusTimeout))
	res, err := reconciler.Reconcile(ctx, id, services.TriggerManual)
	if err != nil {
		log.Fatalf("Reconcile payment %d: %v", id, err)
	}

	out, _ := json.MarshalIndent(map[string]interface{}{
		"payment_id":      res.Payment.ID,
		"status":          res.Payment.Status,
		"payment_date":    res.Payment.PaymentDate,
		"outcome":         res.Outcome.Kind,
		"gateway_code":    res.Outcome.Code,
		"gateway_state":   res.Outcome.State,
		"transitioned":    res.Transitioned,
		"short_circuited": res.ShortCircuited,
	}, "", "  ")
	fmt.Println(string(out))
}
