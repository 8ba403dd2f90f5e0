package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"coliving_app_echo/internal/config"
)

// WahaService sends WhatsApp messages through a WAHA (WhatsApp HTTP API) instance
type WahaService struct {
	baseURL string
	apiKey  string
	client  *fasthttp.Client
	timeout time.Duration
	pause   func(time.Duration)
}

func NewWahaService(cfg config.WahaConfig) *WahaService {
	return &WahaService{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &fasthttp.Client{Name: "coliving-notifier"},
		timeout: 10 * time.Second,
		pause:   time.Sleep,
	}
}

func (s *WahaService) Configured() bool {
	return s.baseURL != ""
}

func (s *WahaService) makeRequest(endpoint string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.baseURL + endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Api-Key", s.apiKey)
	req.SetBody(data)

	if err := s.client.DoTimeout(req, resp, s.timeout); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

func (s *WahaService) chatAction(endpoint, chatID string) error {
	return s.makeRequest(endpoint, map[string]string{
		"chatId":  chatID,
		"session": "default",
	})
}

func (s *WahaService) sendText(chatID, text string) error {
	return s.makeRequest("/api/sendText", map[string]string{
		"chatId":  chatID,
		"text":    text,
		"session": "default",
	})
}

// NormalizeChatID adds the WhatsApp suffix and standardizes Indian numbers to the 91 country code
func NormalizeChatID(chatID string) string {
	chatID = strings.TrimSpace(chatID)

	if strings.HasSuffix(chatID, "@g.us") {
		return chatID
	}

	chatID = strings.TrimSuffix(chatID, "@c.us")
	chatID = strings.NewReplacer(" ", "", "-", "", "+", "").Replace(chatID)

	switch {
	case strings.HasPrefix(chatID, "0"):
		chatID = "91" + strings.TrimPrefix(chatID, "0")
	case len(chatID) == 10:
		chatID = "91" + chatID
	}

	return chatID + "@c.us"
}

// SendMessage mimics a person replying: seen, typing, stop typing, then the text
func (s *WahaService) SendMessage(chatID, text string) error {
	chatID = NormalizeChatID(chatID)

	if err := s.chatAction("/api/sendSeen", chatID); err != nil {
		return fmt.Errorf("failed to send seen: %w", err)
	}
	s.pause(100 * time.Millisecond)

	if err := s.chatAction("/api/startTyping", chatID); err != nil {
		return fmt.Errorf("failed to start typing: %w", err)
	}
	s.pause(150 * time.Millisecond)

	if err := s.chatAction("/api/stopTyping", chatID); err != nil {
		return fmt.Errorf("failed to stop typing: %w", err)
	}
	s.pause(50 * time.Millisecond)

	if err := s.sendText(chatID, text); err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}
