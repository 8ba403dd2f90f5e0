package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coliving_app_echo/internal/config"
	"coliving_app_echo/internal/gateway"
	"coliving_app_echo/internal/services"
	"coliving_app_echo/internal/tasks"
)

// Tasks still running after this long belonged to a worker that died mid-run
const stuckTaskAfter = 30 * time.Minute

func main() {
	cfg := config.Load()

	if cfg.DatabaseURL == "" {
		fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.DatabaseURL, cfg.DBDebug)
	if err != nil {
		fatal("Failed to connect to database", "error", err)
	}

	gateways, err := gateway.FromConfig(cfg)
	if err != nil {
		fatal("Failed to configure payment gateways", "error", err)
	}

	reconciler := services.NewGormReconciler(db, gateways,
		services.WithNotifier(tasks.NewNotificationScheduler(db)),
		services.WithStatusTimeout(cfg.GatewayStatusTimeout),
	)

	registry := tasks.NewRegistry(
		tasks.NewReconcileStalePaymentsTask(reconciler, cfg.StalePaymentAfter),
		tasks.NewSendPaymentNotificationTask(
			services.NewGormPaymentStore(db),
			services.NewGormCustomerStore(db),
			services.NewGormBookingStore(db),
			services.NewEmailService(cfg.SMTP),
			services.NewWahaService(cfg.Waha),
		),
	)
	runner := tasks.NewRunner(db, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, created, err := tasks.EnsureRecurring(ctx, db, tasks.ReconcileStalePaymentsTaskID, tasks.DefaultSweepRule, map[string]interface{}{}, time.Now()); err != nil {
		slog.Error("Failed to schedule stale payment sweep", "error", err)
	} else if created {
		slog.Info("Scheduled stale payment sweep", "rule", tasks.DefaultSweepRule)
	}

	slog.Info("Worker started", "interval", cfg.WorkerInterval, "tasks", registry.Names())

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	// Run once on start, then on every tick
	tick(ctx, runner)
	for {
		select {
		case <-ticker.C:
			tick(ctx, runner)
		case <-ctx.Done():
			slog.Info("Shutting down worker...")
			return
		}
	}
}

func tick(ctx context.Context, runner *tasks.Runner) {
	if n, err := runner.ReleaseStuck(ctx, stuckTaskAfter); err != nil {
		slog.Error("Failed to release stuck tasks", "error", err)
	} else if n > 0 {
		slog.Warn("Released stuck tasks", "count", n)
	}

	ran, err := runner.RunDue(ctx)
	if err != nil {
		slog.Error("Error processing scheduled tasks", "error", err)
		return
	}
	if ran > 0 {
		slog.Info("Processed scheduled tasks", "count", ran)
	}
}

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
