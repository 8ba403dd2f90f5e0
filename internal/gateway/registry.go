package gateway

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"coliving_app_echo/internal/config"
)

// Registry resolves a gateway name to its client. It is built once at startup
// and read concurrently afterwards.
type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// FromConfig registers PhonePe, which is required, and Midtrans when a server key is set
func FromConfig(cfg *config.Config) (*Registry, error) {
	phonePe, err := NewPhonePe(cfg.PhonePe, cfg.GatewayStatusTimeout)
	if err != nil {
		return nil, fmt.Errorf("phonepe: %w", err)
	}
	clients := []Client{phonePe}

	if cfg.Midtrans.Enabled() {
		mt, err := NewMidtrans(cfg.Midtrans)
		if err != nil {
			return nil, fmt.Errorf("midtrans: %w", err)
		}
		clients = append(clients, mt)
	}

	r := NewRegistry(clients...)
	slog.Info("Payment gateways registered", "gateways", r.Names(), "status_timeout", cfg.GatewayStatusTimeout.Round(time.Millisecond))
	return r, nil
}

func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGatewayNotConfigured, name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
