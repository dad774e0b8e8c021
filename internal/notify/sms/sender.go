// Package sms sends alert text messages through an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cropalert/backend/internal/notify"
)

const (
	provider       = "sms gateway"
	defaultTimeout = 10 * time.Second
	defaultRate    = 5.0
)

// Config holds SMS gateway configuration.
type Config struct {
	Enabled       bool
	GatewayURL    string
	APIKey        string
	SenderID      string
	Timeout       time.Duration
	RatePerSecond float64
}

// Sender posts messages to the gateway's JSON API.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewSender validates the config and creates a sender.
func NewSender(config Config, logger *slog.Logger) (*Sender, error) {
	if config.GatewayURL == "" {
		return nil, errors.New("sms: gateway URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = defaultRate
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RatePerSecond), 1),
		logger:     logger,
	}, nil
}

type sendRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendSMS implements notify.SMSSender.
func (s *Sender) SendSMS(ctx context.Context, to, body string) error {
	if to == "" {
		return notify.Permanent(provider, 0, "destination number is empty")
	}
	if body == "" {
		return notify.Permanent(provider, 0, "message body is empty")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return notify.Temporary(provider, 0, "rate limiter: "+err.Error(), err)
	}

	payload, err := json.Marshal(sendRequest{To: to, From: s.config.SenderID, Message: body})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.GatewayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return notify.Temporary(provider, 0, fmt.Sprintf("send request: %v", err), err)
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, to)
}

func (s *Sender) handleResponse(resp *http.Response, to string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return notify.Temporary(provider, resp.StatusCode, "read response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out sendResponse
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &out); err != nil {
				return notify.Permanent(provider, resp.StatusCode, "malformed response: "+err.Error())
			}
		}
		switch strings.ToLower(out.Status) {
		case "", "success", "sent", "queued", "accepted":
			s.logger.Debug("sms sent", slog.String("to", maskNumber(to)), slog.String("message_id", out.MessageID))
			return nil
		default:
			msg := out.Error
			if msg == "" {
				msg = "provider status " + out.Status
			}
			return notify.Permanent(provider, resp.StatusCode, msg)
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return notify.Temporary(provider, resp.StatusCode, "rate limited", nil)

	case resp.StatusCode >= 500:
		return notify.Temporary(provider, resp.StatusCode, fmt.Sprintf("server error: %s", string(body)), nil)

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return notify.Permanent(provider, resp.StatusCode, "invalid gateway credentials")

	default:
		return notify.Permanent(provider, resp.StatusCode, fmt.Sprintf("rejected: %s", string(body)))
	}
}

// maskNumber hides all but the last four digits for logging.
func maskNumber(n string) string {
	if len(n) <= 4 {
		return n
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}
