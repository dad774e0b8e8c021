// Package notify renders alert messages and delivers them over SMS and email.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cropalert/backend/internal/model"
)

// SMSSender delivers a text message to an E.164 number.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// EmailSender delivers an email message.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is a multipart email with a plain-text and an HTML part.
type EmailMessage struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Message is the rendered content for every channel.
type Message struct {
	SMS     string
	Subject string
	Text    string
	HTML    string
}

// ForChannel returns the text recorded for an attempt on channel.
func (m Message) ForChannel(channel model.Channel) string {
	if channel == model.ChannelSMS {
		return m.SMS
	}
	return m.Subject + "\n\n" + m.Text
}

// ChannelResult is the outcome of one channel send.
type ChannelResult struct {
	Channel   model.Channel       `json:"channel"`
	Result    model.AttemptResult `json:"result"`
	Error     string              `json:"error,omitempty"`
	Retryable bool                `json:"retryable,omitempty"`
	Duration  time.Duration       `json:"duration"`
	Err       error               `json:"-"`
}

// DispatchResult collects the per-channel outcomes of a dispatch.
type DispatchResult struct {
	Results map[model.Channel]ChannelResult `json:"results"`
}

// Delivered reports whether at least one channel was sent.
func (r DispatchResult) Delivered() bool {
	for _, res := range r.Results {
		if res.Result == model.ResultSent {
			return true
		}
	}
	return false
}

// Channels returns the results in a stable SMS, email order.
func (r DispatchResult) Channels() []ChannelResult {
	out := make([]ChannelResult, 0, len(r.Results))
	for _, ch := range model.ChannelBoth.Targets() {
		if res, ok := r.Results[ch]; ok {
			out = append(out, res)
		}
	}
	return out
}

// Dispatcher sends a rendered message on each channel a subscription selects.
type Dispatcher struct {
	sms    SMSSender
	email  EmailSender
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. Either sender may be nil, in which
// case that channel is reported as skipped.
func NewDispatcher(sms SMSSender, email EmailSender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sms: sms, email: email, logger: logger}
}

// Dispatch makes exactly one attempt per selected channel. Channels are
// sent concurrently and a failure on one never blocks the other.
func (d *Dispatcher) Dispatch(ctx context.Context, sub *model.Subscription, msg Message) DispatchResult {
	targets := sub.Channel.Targets()
	result := DispatchResult{Results: make(map[model.Channel]ChannelResult, len(targets))}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ch := range targets {
		wg.Add(1)
		go func(ch model.Channel) {
			defer wg.Done()
			res := d.send(ctx, ch, sub, msg)
			mu.Lock()
			result.Results[ch] = res
			mu.Unlock()
		}(ch)
	}
	wg.Wait()

	return result
}

func (d *Dispatcher) send(ctx context.Context, ch model.Channel, sub *model.Subscription, msg Message) ChannelResult {
	start := time.Now()
	res := ChannelResult{Channel: ch}

	var err error
	switch ch {
	case model.ChannelSMS:
		switch {
		case d.sms == nil:
			err = ErrSenderNotConfigured
		case sub.PhoneNumber() == "":
			err = ErrMissingContact
		default:
			err = d.sms.SendSMS(ctx, sub.PhoneNumber(), msg.SMS)
		}
	case model.ChannelEmail:
		switch {
		case d.email == nil:
			err = ErrSenderNotConfigured
		case sub.EmailAddress() == "":
			err = ErrMissingContact
		default:
			err = d.email.SendEmail(ctx, EmailMessage{
				To:      sub.EmailAddress(),
				Subject: msg.Subject,
				Text:    msg.Text,
				HTML:    msg.HTML,
			})
		}
	}
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		res.Result = model.ResultSent
	case err == ErrSenderNotConfigured || err == ErrMissingContact:
		res.Result = model.ResultSkipped
		res.Err = err
		res.Error = err.Error()
	default:
		res.Result = model.ResultFailed
		res.Err = err
		res.Error = err.Error()
		res.Retryable = IsRetryable(err)
	}

	recordSend(ch, res.Result, res.Duration)

	log := d.logger.With(
		slog.String("subscription_id", sub.ID.String()),
		slog.String("channel", string(ch)),
		slog.String("result", string(res.Result)),
		slog.Duration("duration", res.Duration),
	)
	if res.Err != nil {
		log.Warn("notification not sent", slog.String("error", res.Error), slog.Bool("retryable", res.Retryable))
	} else {
		log.Info("notification sent")
	}

	return res
}
