package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"coliving_app_echo/internal/config"
	"coliving_app_echo/internal/gateway"
	"coliving_app_echo/internal/handlers"
	apiMiddleware "coliving_app_echo/internal/middleware"
	"coliving_app_echo/internal/services"
	"coliving_app_echo/internal/tasks"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.DatabaseURL, cfg.DBDebug)
	if err != nil {
		fatal("Failed to connect to database", "error", err)
	}
	if err := services.AutoMigrate(db); err != nil {
		fatal("Failed to run database migrations", "error", err)
	}

	// Auth routes answer 500 until valid credentials are provided
	var (
		verifier apiMiddleware.SessionVerifier
		issuer   handlers.SessionIssuer
	)
	if authClient, err := services.InitFirebase(ctx, cfg.FirebaseCredentialsPath); err != nil {
		slog.Warn("Firebase initialization failed, auth features disabled", "error", err)
	} else {
		verifier, issuer = authClient, authClient
	}

	checks := map[string]handlers.Pinger{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	payments := services.NewGormPaymentStore(db)
	bookings := services.NewGormBookingStore(db)
	customers := services.NewGormCustomerStore(db)

	var (
		limiter     services.RateLimiter         = services.NewMemoryRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
		sessionUser apiMiddleware.CustomerLookup = customers
	)
	if cfg.RedisURL != "" {
		cache, err := services.NewRedisCache(cfg.RedisURL)
		if err != nil {
			slog.Warn("Redis unavailable, using in-process rate limiting", "error", err)
		} else {
			defer cache.Close()
			limiter = services.NewRedisRateLimiter(cache, cfg.RateLimitRequests, cfg.RateLimitWindow)
			sessionUser = services.NewCachedCustomerStore(customers, cache)
			checks["redis"] = func(ctx context.Context) error { return cache.Client().Ping(ctx).Err() }
		}
	}

	gateways, err := gateway.FromConfig(cfg)
	if err != nil {
		fatal("Failed to configure payment gateways", "error", err)
	}
	slog.Info("Payment gateways ready", "gateways", gateways.Names())

	reconciler := services.NewReconciler(payments, gateways, services.NewBookingSynchronizer(bookings),
		services.WithNotifier(tasks.NewNotificationScheduler(db)),
		services.WithStatusTimeout(cfg.GatewayStatusTimeout),
	)
	checkout := services.NewPaymentService(payments, bookings, customers, gateways, cfg.AppURL)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = apiMiddleware.JSONErrorHandler
	e.Validator = handlers.NewRequestValidator()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	authHandler := handlers.NewAuthHandler(issuer, strings.HasPrefix(cfg.AppURL, "https://"))
	paymentHandler := handlers.NewPaymentHandler(reconciler, checkout)
	historyHandler := handlers.NewPaymentHistoryHandler(payments)
	webhookHandler := handlers.NewWebhookHandler(reconciler)
	preferenceHandler := handlers.NewPreferenceHandler(customers)
	healthHandler := handlers.NewHealthHandler(checks)

	e.GET("/healthz", healthHandler.Healthz)

	api := e.Group("/api")
	api.POST("/auth/session", authHandler.Login, apiMiddleware.RateLimit(limiter))
	api.POST("/auth/logout", authHandler.Logout)

	// Gateways authenticate with signatures, not sessions
	api.POST("/webhooks/phonepe", webhookHandler.PhonePe)
	api.POST("/webhooks/midtrans", webhookHandler.Midtrans)

	protected := api.Group("")
	protected.Use(apiMiddleware.RequireCustomer(verifier, sessionUser))
	protected.Use(apiMiddleware.RateLimit(limiter))

	protected.GET("/payments", historyHandler.List)
	protected.POST("/payments", paymentHandler.Create)
	protected.GET("/payments/:id/status", paymentHandler.Status)
	protected.POST("/payments/:id/initiate", paymentHandler.Initiate)
	protected.POST("/payments/gateway/complete", paymentHandler.Complete)

	protected.GET("/me/notification-preference", preferenceHandler.Get)
	protected.PUT("/me/notification-preference", preferenceHandler.Update)

	go func() {
		slog.Info("Server starting", "port", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("Server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
}

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
