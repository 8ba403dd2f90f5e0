package gateway

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"

	"coliving_app_echo/internal/config"
	"coliving_app_echo/internal/models"
)

// snapAPI and coreAPI are the subsets of the Midtrans SDK clients in use
type snapAPI interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

type coreAPI interface {
	CheckTransaction(orderID string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
}

// Midtrans adapts Snap checkout and the Core API status endpoint.
// It is only registered when a server key is configured.
type Midtrans struct {
	snap      snapAPI
	core      coreAPI
	serverKey string
}

func NewMidtrans(cfg config.MidtransConfig) (*Midtrans, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: MIDTRANS_SERVER_KEY", config.ErrMissingCredentials)
	}

	env := midtrans.Sandbox
	if cfg.IsProduction {
		env = midtrans.Production
	}

	var s snap.Client
	s.New(cfg.ServerKey, env)

	var c coreapi.Client
	c.New(cfg.ServerKey, env)

	return &Midtrans{snap: &s, core: &c, serverKey: cfg.ServerKey}, nil
}

func (m *Midtrans) Name() string {
	return string(models.PaymentGatewayMidtrans)
}

func (m *Midtrans) CreatePayment(ctx context.Context, req CreateRequest) CreateResult {
	// Snap takes whole currency units
	if req.AmountMinor%100 != 0 {
		err := fmt.Errorf("midtrans: amount %d has a fractional part", req.AmountMinor)
		return CreateResult{Raw: errorRaw(err), Err: err}
	}
	gross := req.AmountMinor / 100

	param := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.MerchantOrderID,
			GrossAmt: gross,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.CustomerName,
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    req.MerchantOrderID,
				Name:  truncate(itemName(req.Description), 50),
				Price: gross,
				Qty:   1,
			},
		},
		Callbacks: &snap.Callbacks{
			Finish: req.RedirectURL,
		},
	}

	type created struct {
		resp *snap.Response
		err  *midtrans.Error
	}
	done := make(chan created, 1)
	go func() {
		resp, err := m.snap.CreateTransaction(param)
		done <- created{resp, err}
	}()

	select {
	case <-ctx.Done():
		return CreateResult{Raw: errorRaw(ctx.Err()), Err: ctx.Err()}
	case out := <-done:
		if out.err != nil {
			slog.Warn("Midtrans create transaction failed", "order_id", req.MerchantOrderID, "error", out.err.Error())
			err := fmt.Errorf("midtrans create transaction: %s", out.err.Error())
			return CreateResult{Raw: errorRaw(err), Err: err}
		}
		raw, _ := json.Marshal(out.resp)
		if out.resp == nil || out.resp.RedirectURL == "" {
			err := fmt.Errorf("midtrans create transaction: %w", ErrEmptyResponse)
			return CreateResult{Raw: errorRaw(err), Err: err}
		}
		return CreateResult{
			Success:        true,
			RedirectURL:    out.resp.RedirectURL,
			GatewayOrderID: out.resp.Token,
			Raw:            raw,
		}
	}
}

// CheckStatus wraps the SDK call so the caller's deadline is honoured even though
// the SDK itself takes no context.
func (m *Midtrans) CheckStatus(ctx context.Context, merchantOrderID string) StatusResult {
	type checked struct {
		resp *coreapi.TransactionStatusResponse
		err  *midtrans.Error
	}
	done := make(chan checked, 1)
	go func() {
		resp, err := m.core.CheckTransaction(merchantOrderID)
		done <- checked{resp, err}
	}()

	select {
	case <-ctx.Done():
		return pendingOnError(ctx.Err(), nil)
	case out := <-done:
		if out.err != nil {
			return pendingOnError(fmt.Errorf("midtrans check transaction: %s", out.err.Error()), nil)
		}
		if out.resp == nil {
			return pendingOnError(fmt.Errorf("midtrans check transaction: %w", ErrEmptyResponse), nil)
		}
		raw, _ := json.Marshal(out.resp)
		return StatusResult{
			Success: true,
			Code:    out.resp.StatusCode,
			State:   midtransState(out.resp.TransactionStatus, out.resp.FraudStatus),
			Raw:     raw,
		}
	}
}

type midtransNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
}

// VerifyCallback checks SHA512(order_id + status_code + gross_amount + server key)
// against the body's signature_key, or the given header value when the body has none.
func (m *Midtrans) VerifyCallback(rawBody []byte, signature string) bool {
	var n midtransNotification
	if err := json.Unmarshal(rawBody, &n); err != nil || n.OrderID == "" {
		return false
	}

	got := n.SignatureKey
	if got == "" {
		got = signature
	}
	if got == "" {
		return false
	}

	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + m.serverKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(got)), []byte(expected)) == 1
}

func (m *Midtrans) ParseCallback(rawBody []byte) (*CallbackEvent, error) {
	var n midtransNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("%w: missing order_id", ErrMalformedCallback)
	}

	return &CallbackEvent{
		MerchantOrderID: n.OrderID,
		Status: StatusResult{
			Success: n.TransactionStatus != "",
			Code:    n.StatusCode,
			State:   midtransState(n.TransactionStatus, n.FraudStatus),
			Raw:     json.RawMessage(rawBody),
		},
	}, nil
}

// midtransState folds transaction_status and fraud_status into the normalised states
func midtransState(transactionStatus, fraudStatus string) string {
	switch strings.ToLower(transactionStatus) {
	case "settlement":
		return StateSuccess
	case "capture":
		switch strings.ToLower(fraudStatus) {
		case "", "accept":
			return StateSuccess
		case "deny":
			return StateError
		default:
			return strings.ToUpper(fraudStatus)
		}
	case "deny", "cancel", "expire", "failure":
		return StateError
	case "pending":
		return StatePending
	default:
		return strings.ToUpper(transactionStatus)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func itemName(description string) string {
	if description == "" {
		return "Rent payment"
	}
	return description
}
