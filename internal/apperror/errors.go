package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common cases
var (
	ErrNotFound      = errors.New("resource not found")
	ErrBadRequest    = errors.New("bad request")
	ErrValidation    = errors.New("validation error")
	ErrConflict      = errors.New("conflict")
	ErrUnprocessable = errors.New("unprocessable")
	ErrUnavailable   = errors.New("service unavailable")
	ErrInternal      = errors.New("internal server error")
)

// sentinelStatus maps each sentinel to its HTTP status. Order matters only
// for errors that wrap more than one sentinel.
var sentinelStatus = []struct {
	err    error
	status int
}{
	{ErrNotFound, http.StatusNotFound},
	{ErrBadRequest, http.StatusBadRequest},
	{ErrValidation, http.StatusBadRequest},
	{ErrConflict, http.StatusConflict},
	{ErrUnprocessable, http.StatusUnprocessableEntity},
	{ErrUnavailable, http.StatusServiceUnavailable},
}

// AppError wraps errors with HTTP status and user-friendly message
type AppError struct {
	Err        error  // Original error (for logging)
	Message    string // User-friendly message
	StatusCode int    // HTTP status code
	Field      string // Optional field name for validation errors
}

func (e *AppError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newError(err error, status int, message string) *AppError {
	return &AppError{Err: err, Message: message, StatusCode: status}
}

func NotFound(resource string) *AppError {
	return newError(ErrNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource))
}

func BadRequest(message string) *AppError {
	return newError(ErrBadRequest, http.StatusBadRequest, message)
}

// ValidationError reports an invalid request field. Field uses the JSON name.
func ValidationError(field, message string) *AppError {
	e := newError(ErrValidation, http.StatusBadRequest, message)
	e.Field = field
	return e
}

func Conflict(message string) *AppError {
	return newError(ErrConflict, http.StatusConflict, message)
}

// Unprocessable reports a well-formed request that cannot be acted on in the
// current state, such as a test send with no price available.
func Unprocessable(err error, message string) *AppError {
	if err == nil {
		err = ErrUnprocessable
	} else {
		err = fmt.Errorf("%w: %w", ErrUnprocessable, err)
	}
	return newError(err, http.StatusUnprocessableEntity, message)
}

// Unavailable reports a feature that is switched off or a dependency that is down.
func Unavailable(err error, message string) *AppError {
	if err == nil {
		err = ErrUnavailable
	} else {
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return newError(err, http.StatusServiceUnavailable, message)
}

// Internal hides err behind a generic message.
func Internal(err error) *AppError {
	return newError(err, http.StatusInternalServerError, "an internal error occurred")
}

// GetStatusCode extracts HTTP status from error, defaults to 500
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	for _, s := range sentinelStatus {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// GetMessage extracts user message from error
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
