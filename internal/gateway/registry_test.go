package gateway

import (
	"errors"
	"reflect"
	"testing"

	"coliving_app_echo/internal/config"
)

func TestRegistryFromConfig(t *testing.T) {
	cfg := config.FromEnv(func(key string) string {
		return map[string]string{
			"PHONEPE_CLIENT_ID":      "id",
			"PHONEPE_CLIENT_SECRET":  "secret",
			"PHONEPE_CLIENT_VERSION": "1",
		}[key]
	})

	r, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"phonepe"}) {
		t.Errorf("Names() = %v; want [phonepe]", got)
	}
	if _, err := r.Get("midtrans"); !errors.Is(err, ErrGatewayNotConfigured) {
		t.Errorf("Get(midtrans) error = %v; want ErrGatewayNotConfigured", err)
	}

	cfg.Midtrans.ServerKey = "SB-Mid-server-x"
	r, err = FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig() with midtrans error = %v", err)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"midtrans", "phonepe"}) {
		t.Errorf("Names() = %v", got)
	}
}

func TestRegistryFromConfigMissingPhonePe(t *testing.T) {
	cfg := config.FromEnv(func(string) string { return "" })
	if _, err := FromConfig(cfg); !errors.Is(err, config.ErrMissingCredentials) {
		t.Fatalf("FromConfig() error = %v; want ErrMissingCredentials", err)
	}
}
