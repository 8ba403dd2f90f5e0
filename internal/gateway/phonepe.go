package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"coliving_app_echo/internal/config"
	"coliving_app_echo/internal/models"
)

const (
	phonePeSandboxBaseURL    = "https://api-preprod.phonepe.com/apis/pg-sandbox"
	phonePeSandboxAuthURL    = "https://api-preprod.phonepe.com/apis/pg-sandbox/v1/oauth/token"
	phonePeProductionBaseURL = "https://api.phonepe.com/apis/pg"
	phonePeProductionAuthURL = "https://api.phonepe.com/apis/identity-manager/v1/oauth/token"

	// Refresh the access token this long before PhonePe says it expires
	tokenRefreshSkew = time.Minute
	checkoutExpiry   = 20 * time.Minute
)

// PhonePe talks to the PhonePe Standard Checkout v2 API
type PhonePe struct {
	cfg     config.PhonePeConfig
	baseURL string
	authURL string
	timeout time.Duration
	http    *fasthttp.Client
	now     func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewPhonePe validates credentials and builds a client that is safe for concurrent use
func NewPhonePe(cfg config.PhonePeConfig, timeout time.Duration) (*PhonePe, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 12 * time.Second
	}

	baseURL, authURL := phonePeSandboxBaseURL, phonePeSandboxAuthURL
	if cfg.Env == config.PhonePeProduction {
		baseURL, authURL = phonePeProductionBaseURL, phonePeProductionAuthURL
	}
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.AuthURL != "" {
		authURL = cfg.AuthURL
	}

	return &PhonePe{
		cfg:     cfg,
		baseURL: baseURL,
		authURL: authURL,
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "coliving-payments",
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: time.Minute,
		},
		now: time.Now,
	}, nil
}

func (p *PhonePe) Name() string {
	return string(models.PaymentGatewayPhonePe)
}

type phonePeTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at"`
	ExpiresIn   int64  `json:"expires_in"`
}

type phonePePayRequest struct {
	MerchantOrderID string            `json:"merchantOrderId"`
	Amount          int64             `json:"amount"`
	ExpireAfter     int64             `json:"expireAfter"`
	MetaInfo        map[string]string `json:"metaInfo,omitempty"`
	PaymentFlow     phonePePayFlow    `json:"paymentFlow"`
}

type phonePePayFlow struct {
	Type         string `json:"type"`
	Message      string `json:"message,omitempty"`
	MerchantUrls struct {
		RedirectURL string `json:"redirectUrl"`
	} `json:"merchantUrls"`
}

type phonePePayResponse struct {
	OrderID     string `json:"orderId"`
	State       string `json:"state"`
	RedirectURL string `json:"redirectUrl"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

type phonePeStatusResponse struct {
	OrderID string `json:"orderId"`
	State   string `json:"state"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		State string `json:"state"`
	} `json:"data"`
}

type phonePeCallback struct {
	Event   string `json:"event"`
	Payload struct {
		MerchantOrderID string `json:"merchantOrderId"`
		OrderID         string `json:"orderId"`
		State           string `json:"state"`
		Amount          int64  `json:"amount"`
	} `json:"payload"`
}

// CreatePayment opens a PG_CHECKOUT session; amounts are in paise
func (p *PhonePe) CreatePayment(ctx context.Context, req CreateRequest) CreateResult {
	token, err := p.accessToken(ctx)
	if err != nil {
		return CreateResult{Raw: errorRaw(err), Err: err}
	}

	body := phonePePayRequest{
		MerchantOrderID: req.MerchantOrderID,
		Amount:          req.AmountMinor,
		ExpireAfter:     int64(checkoutExpiry / time.Second),
		PaymentFlow:     phonePePayFlow{Type: "PG_CHECKOUT", Message: req.Description},
	}
	body.PaymentFlow.MerchantUrls.RedirectURL = req.RedirectURL
	if req.CustomerEmail != "" {
		body.MetaInfo = map[string]string{"udf1": req.CustomerEmail}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return CreateResult{Raw: errorRaw(err), Err: err}
	}

	status, raw, err := p.do(ctx, fasthttp.MethodPost, p.baseURL+"/checkout/v2/pay", payload, "application/json", token)
	if err != nil {
		slog.Warn("PhonePe create payment failed", "merchant_order_id", req.MerchantOrderID, "error", err)
		return CreateResult{Raw: errorRaw(err), Err: err}
	}
	if len(raw) == 0 || !json.Valid(raw) {
		err := fmt.Errorf("phonepe pay: %w (http %d)", ErrEmptyResponse, status)
		return CreateResult{Raw: errorRaw(err), Err: err}
	}

	var resp phonePePayResponse
	_ = json.Unmarshal(raw, &resp)
	if status != fasthttp.StatusOK || resp.RedirectURL == "" {
		err := fmt.Errorf("phonepe pay: http %d code %q: %s", status, resp.Code, resp.Message)
		return CreateResult{Raw: raw, Err: err}
	}

	return CreateResult{
		Success:        true,
		RedirectURL:    resp.RedirectURL,
		GatewayOrderID: resp.OrderID,
		Raw:            raw,
	}
}

// CheckStatus queries the order by merchant order id. Empty or non-JSON bodies,
// timeouts and 5xx responses come back as a transient PAYMENT_PENDING.
func (p *PhonePe) CheckStatus(ctx context.Context, merchantOrderID string) StatusResult {
	token, err := p.accessToken(ctx)
	if err != nil {
		return pendingOnError(err, nil)
	}

	endpoint := fmt.Sprintf("%s/checkout/v2/order/%s/status?details=false", p.baseURL, url.PathEscape(merchantOrderID))
	status, raw, err := p.do(ctx, fasthttp.MethodGet, endpoint, nil, "", token)
	if err != nil {
		slog.Warn("PhonePe status check failed", "merchant_order_id", merchantOrderID, "error", err)
		return pendingOnError(err, nil)
	}
	if len(raw) == 0 || !json.Valid(raw) {
		return pendingOnError(fmt.Errorf("phonepe status: %w (http %d)", ErrEmptyResponse, status), nil)
	}
	if status >= fasthttp.StatusInternalServerError {
		return pendingOnError(fmt.Errorf("phonepe status: http %d", status), raw)
	}

	var resp phonePeStatusResponse
	_ = json.Unmarshal(raw, &resp)

	state := resp.State
	if state == "" {
		state = resp.Data.State
	}

	return StatusResult{
		Success: status == fasthttp.StatusOK && state != "",
		Code:    resp.Code,
		State:   normalisePhonePeState(state),
		Raw:     raw,
	}
}

// VerifyCallback checks the Authorization header PhonePe sends with webhooks:
// the hex SHA-256 of "username:password" configured on the merchant dashboard.
func (p *PhonePe) VerifyCallback(rawBody []byte, signature string) bool {
	if p.cfg.CallbackUsername == "" || p.cfg.CallbackPassword == "" || len(rawBody) == 0 {
		return false
	}

	sum := sha256.Sum256([]byte(p.cfg.CallbackUsername + ":" + p.cfg.CallbackPassword))
	expected := hex.EncodeToString(sum[:])

	got := strings.TrimSpace(signature)
	if len(got) > 7 && strings.EqualFold(got[:7], "SHA256 ") {
		got = strings.TrimSpace(got[7:])
	}
	got = strings.ToLower(got)

	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func (p *PhonePe) ParseCallback(rawBody []byte) (*CallbackEvent, error) {
	var cb phonePeCallback
	if err := json.Unmarshal(rawBody, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if cb.Payload.MerchantOrderID == "" {
		return nil, fmt.Errorf("%w: missing merchantOrderId", ErrMalformedCallback)
	}

	state := cb.Payload.State
	if state == "" {
		switch cb.Event {
		case "checkout.order.completed":
			state = "COMPLETED"
		case "checkout.order.failed":
			state = "FAILED"
		}
	}

	return &CallbackEvent{
		MerchantOrderID: cb.Payload.MerchantOrderID,
		Status: StatusResult{
			Success: state != "",
			Code:    cb.Event,
			State:   normalisePhonePeState(state),
			Raw:     json.RawMessage(rawBody),
		},
	}, nil
}

func normalisePhonePeState(state string) string {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "COMPLETED", "SUCCESS", StateSuccess:
		return StateSuccess
	case "FAILED", StateError:
		return StateError
	case "PENDING", StatePending:
		return StatePending
	default:
		return state
	}
}

// accessToken returns a cached OAuth token, fetching a new one when close to expiry.
// Only the refresh is serialised; callers holding a valid token never wait on the network.
func (p *PhonePe) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Add(tokenRefreshSkew).Before(p.tokenExpiry) {
		return p.token, nil
	}

	form := url.Values{}
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_version", p.cfg.ClientVersion)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("grant_type", "client_credentials")

	status, raw, err := p.do(ctx, fasthttp.MethodPost, p.authURL, []byte(form.Encode()), "application/x-www-form-urlencoded", "")
	if err != nil {
		return "", fmt.Errorf("phonepe auth: %w", err)
	}
	if status != fasthttp.StatusOK {
		return "", fmt.Errorf("phonepe auth: http %d", status)
	}

	var tok phonePeTokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("phonepe auth: malformed token response")
	}

	expiry := p.now().Add(10 * time.Minute)
	switch {
	case tok.ExpiresAt > 0:
		expiry = time.Unix(tok.ExpiresAt, 0)
	case tok.ExpiresIn > 0:
		expiry = p.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	p.token = tok.AccessToken
	p.tokenExpiry = expiry
	return p.token, nil
}

func (p *PhonePe) do(ctx context.Context, method, uri string, body []byte, contentType, token string) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "O-Bearer "+token)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := p.now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := p.http.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, err
	}

	// resp is released on return, so the body has to be copied out
	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out, nil
}
