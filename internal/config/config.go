// Package config reads process configuration from the environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// ErrMissingCredentials is returned when a required gateway credential is absent
var ErrMissingCredentials = errors.New("missing gateway credentials")

type PhonePeEnv string

const (
	PhonePeSandbox    PhonePeEnv = "sandbox"
	PhonePeProduction PhonePeEnv = "production"
)

type PhonePeConfig struct {
	ClientID         string
	ClientSecret     string
	ClientVersion    string
	Env              PhonePeEnv
	CallbackUsername string
	CallbackPassword string
	// Overrides for the API hosts, mostly for tests and proxies
	BaseURL string
	AuthURL string
}

// Validate checks that all credentials needed to talk to PhonePe are present
func (c PhonePeConfig) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "PHONEPE_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "PHONEPE_CLIENT_SECRET")
	}
	if c.ClientVersion == "" {
		missing = append(missing, "PHONEPE_CLIENT_VERSION")
	}
	if c.Env != PhonePeSandbox && c.Env != PhonePeProduction {
		missing = append(missing, "PHONEPE_ENV")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

type MidtransConfig struct {
	ServerKey    string
	ClientKey    string
	IsProduction bool
}

// Enabled reports whether Midtrans should be registered as a gateway
func (c MidtransConfig) Enabled() bool {
	return c.ServerKey != ""
}

type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
}

type WahaConfig struct {
	BaseURL string
	APIKey  string
}

type Config struct {
	Port    string
	AppURL  string
	DBDebug bool

	DatabaseURL             string
	RedisURL                string
	FirebaseCredentialsPath string

	PhonePe  PhonePeConfig
	Midtrans MidtransConfig

	GatewayStatusTimeout time.Duration
	RateLimitRequests    int
	RateLimitWindow      time.Duration
	StalePaymentAfter    time.Duration
	WorkerInterval       time.Duration

	SMTP SMTPConfig
	Waha WahaConfig
}

// Load reads .env (if present) and then the process environment
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using system environment")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, applying defaults for unset keys
func FromEnv(getenv func(string) string) *Config {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}
	duration := func(key string, fallback time.Duration) time.Duration {
		v := get(key, "")
		if v == "" {
			return fallback
		}
		d, err := cast.ToDurationE(v)
		if err != nil || d <= 0 {
			slog.Warn("Invalid duration, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return d
	}

	return &Config{
		Port:    get("PORT", "8080"),
		AppURL:  strings.TrimRight(get("APP_URL", "http://localhost:8080"), "/"),
		DBDebug: cast.ToBool(get("DB_DEBUG", "false")),

		DatabaseURL:             get("DATABASE_URL", ""),
		RedisURL:                get("REDIS_URL", ""),
		FirebaseCredentialsPath: get("FIREBASE_CREDENTIALS_PATH", "./firebase-service-account.json"),

		PhonePe: PhonePeConfig{
			ClientID:         get("PHONEPE_CLIENT_ID", ""),
			ClientSecret:     get("PHONEPE_CLIENT_SECRET", ""),
			ClientVersion:    get("PHONEPE_CLIENT_VERSION", ""),
			Env:              PhonePeEnv(strings.ToLower(get("PHONEPE_ENV", string(PhonePeSandbox)))),
			CallbackUsername: get("PHONEPE_CALLBACK_USERNAME", ""),
			CallbackPassword: get("PHONEPE_CALLBACK_PASSWORD", ""),
			BaseURL:          get("PHONEPE_BASE_URL", ""),
			AuthURL:          get("PHONEPE_AUTH_URL", ""),
		},
		Midtrans: MidtransConfig{
			ServerKey:    get("MIDTRANS_SERVER_KEY", ""),
			ClientKey:    get("MIDTRANS_CLIENT_KEY", ""),
			IsProduction: cast.ToBool(get("MIDTRANS_IS_PRODUCTION", "false")),
		},

		GatewayStatusTimeout: duration("GATEWAY_STATUS_TIMEOUT", 12*time.Second),
		RateLimitRequests:    cast.ToInt(get("RATE_LIMIT_REQUESTS", "30")),
		RateLimitWindow:      duration("RATE_LIMIT_WINDOW", time.Minute),
		StalePaymentAfter:    duration("STALE_PAYMENT_AFTER", 15*time.Minute),
		WorkerInterval:       duration("WORKER_INTERVAL", 5*time.Minute),

		SMTP: SMTPConfig{
			Host:     get("SMTP_HOST", ""),
			Port:     get("SMTP_PORT", ""),
			User:     get("SMTP_USER", ""),
			Password: get("SMTP_PASS", ""),
			From:     get("EMAIL_FROM", ""),
		},
		Waha: WahaConfig{
			BaseURL: get("WAHA_BASE_URL", "http://waha:3000"),
			APIKey:  get("WAHA_API_KEY", ""),
		},
	}
}
