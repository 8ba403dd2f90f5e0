// Package gateway wraps the payment providers behind a single fail-soft client contract.
//
// Clients never return transport or SDK errors to the caller. Failures are captured in
// the result's Raw payload and Err field so reconciliation can treat them as "still pending".
package gateway

import (
	"context"
	"encoding/json"
	"errors"
)

// Normalised gateway states. Anything else is passed through verbatim.
const (
	StateSuccess = "PAYMENT_SUCCESS"
	StatePending = "PAYMENT_PENDING"
	StateError   = "PAYMENT_ERROR"
)

var (
	ErrGatewayNotConfigured = errors.New("payment gateway not configured")
	ErrEmptyResponse        = errors.New("empty gateway response")
	ErrMalformedCallback    = errors.New("malformed callback payload")
)

// CreateRequest describes a checkout session to open with the provider
type CreateRequest struct {
	MerchantOrderID string
	AmountMinor     int64
	Currency        string
	RedirectURL     string
	CallbackURL     string
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	Description     string
}

type CreateResult struct {
	Success        bool
	RedirectURL    string
	GatewayOrderID string
	Raw            json.RawMessage
	Err            error
}

type StatusResult struct {
	Success bool
	Code    string
	State   string
	Raw     json.RawMessage
	Err     error
}

// CallbackEvent is the part of a webhook payload reconciliation cares about
type CallbackEvent struct {
	MerchantOrderID string
	Status          StatusResult
}

// Client is implemented by every payment provider adapter
type Client interface {
	Name() string
	CreatePayment(ctx context.Context, req CreateRequest) CreateResult
	CheckStatus(ctx context.Context, merchantOrderID string) StatusResult
	VerifyCallback(rawBody []byte, signature string) bool
	ParseCallback(rawBody []byte) (*CallbackEvent, error)
}

// errorRaw captures an error as a JSON document suitable for the audit column
func errorRaw(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

func pendingOnError(err error, raw json.RawMessage) StatusResult {
	if len(raw) == 0 || !json.Valid(raw) {
		raw = errorRaw(err)
	}
	return StatusResult{Success: false, State: StatePending, Raw: raw, Err: err}
}
