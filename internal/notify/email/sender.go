// Package email sends alert emails over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"time"

	"github.com/go-mail/mail"

	"github.com/cropalert/backend/internal/notify"
)

const (
	provider       = "smtp"
	defaultPort    = 587
	defaultTimeout = 15 * time.Second
)

// Config holds SMTP configuration.
type Config struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Sender implements notify.EmailSender with go-mail.
type Sender struct {
	config Config
	dialer *mail.Dialer
	logger *slog.Logger
}

// NewSender validates the config and creates a sender.
func NewSender(config Config, logger *slog.Logger) (*Sender, error) {
	if config.Host == "" {
		return nil, errors.New("email: SMTP host is required")
	}
	if config.From == "" {
		return nil, errors.New("email: from address is required")
	}
	if config.Port == 0 {
		config.Port = defaultPort
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer := mail.NewDialer(config.Host, config.Port, config.Username, config.Password)
	dialer.Timeout = config.Timeout

	return &Sender{config: config, dialer: dialer, logger: logger}, nil
}

// SendEmail implements notify.EmailSender.
func (s *Sender) SendEmail(ctx context.Context, msg notify.EmailMessage) error {
	if msg.To == "" {
		return notify.Permanent(provider, 0, "recipient is empty")
	}

	m := s.buildMessage(msg)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return notify.Temporary(provider, 0, "cancelled", ctx.Err())
	case err := <-done:
		if err != nil {
			return classify(err)
		}
	}

	s.logger.Debug("email sent", slog.String("to", msg.To))
	return nil
}

func (s *Sender) buildMessage(msg notify.EmailMessage) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", s.config.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}
	return m
}

// classify maps SMTP reply codes onto retryable and permanent failures.
// 4xx replies and network errors are temporary; 5xx replies are not.
func classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return &notify.ChannelError{Provider: provider, Code: tpErr.Code, Message: tpErr.Msg, Err: err}
		}
		return notify.Temporary(provider, tpErr.Code, tpErr.Msg, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return notify.Temporary(provider, 0, fmt.Sprintf("network: %v", err), err)
	}

	return notify.Temporary(provider, 0, err.Error(), err)
}
