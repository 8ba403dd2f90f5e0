package services

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"coliving_app_echo/internal/config"
)

var ErrSMTPNotConfigured = errors.New("SMTP credentials not fully configured")

type EmailService struct {
	cfg  config.SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailService(cfg config.SMTPConfig) *EmailService {
	return &EmailService{cfg: cfg, send: smtp.SendMail}
}

func (s *EmailService) Configured() bool {
	return s.cfg.Host != "" && s.cfg.Port != "" && s.cfg.User != "" && s.cfg.Password != ""
}

func (s *EmailService) SendEmail(to []string, subject, body string) error {
	if !s.Configured() {
		return ErrSMTPNotConfigured
	}
	if len(to) == 0 {
		return fmt.Errorf("no email recipients")
	}

	from := s.cfg.From
	if from == "" {
		from = s.cfg.User
	}

	auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	message := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", from, strings.Join(to, ", "), subject, body))

	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, from, to, message); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
