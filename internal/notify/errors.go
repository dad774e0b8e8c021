package notify

import (
	"errors"
	"fmt"
)

// ErrSenderNotConfigured is reported for a selected channel with no sender.
var ErrSenderNotConfigured = errors.New("sender not configured")

// ErrMissingContact is reported when the subscription lacks the address
// a channel needs.
var ErrMissingContact = errors.New("missing contact")

// ChannelError is a provider failure classified for logging and metrics.
// Sends are never retried in-process; Retryable only says whether the
// next scheduled run is expected to succeed.
type ChannelError struct {
	Provider  string
	Code      int
	Message   string
	Retryable bool
	Err       error
}

func (e *ChannelError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s error %d: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure is temporary.
func (e *ChannelError) IsRetryable() bool { return e.Retryable }

// Permanent builds a non-retryable provider error.
func Permanent(provider string, code int, message string) *ChannelError {
	return &ChannelError{Provider: provider, Code: code, Message: message}
}

// Temporary builds a retryable provider error.
func Temporary(provider string, code int, message string, err error) *ChannelError {
	return &ChannelError{Provider: provider, Code: code, Message: message, Retryable: true, Err: err}
}

// IsRetryable classifies an error. Unknown errors are treated as temporary.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	if errors.Is(err, ErrSenderNotConfigured) || errors.Is(err, ErrMissingContact) {
		return false
	}
	return true
}
