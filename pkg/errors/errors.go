// Package errors defines the delivery error taxonomy shared by the transport,
// channel, and coordinator layers. Callers classify failures with errors.Is
// against the sentinels below.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrConfiguration       = errors.New("configuration error")
	ErrTransientTransport  = errors.New("transient transport error")
	ErrTerminalApplication = errors.New("terminal application error")
	ErrAckTimeout          = errors.New("ack timeout")
	ErrNoHealthyChannel    = errors.New("no healthy channel")
	ErrRetriesExhausted    = errors.New("retries exhausted")
	ErrShutdown            = errors.New("engine shut down")
)

// DeliveryError carries the HTTP status and HEC response code of a failed
// exchange alongside its classification sentinel.
type DeliveryError struct {
	Err        error
	Message    string
	StatusCode int
	HECCode    int
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return fmt.Sprintf("%s: %s (status %d, code %d)", e.Err.Error(), e.Message, e.StatusCode, e.HECCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *DeliveryError {
	return &DeliveryError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *DeliveryError {
	return &DeliveryError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Retryable reports whether err may succeed when retried on another channel.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTerminalApplication),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrShutdown),
		errors.Is(err, ErrRetriesExhausted):
		return false
	case errors.Is(err, ErrTransientTransport), errors.Is(err, ErrAckTimeout):
		return true
	default:
		return false
	}
}

// Classify maps an HTTP status from an indexer onto the taxonomy: 429 and
// 5xx are transient, every other non-2xx status is terminal.
func Classify(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return ErrTransientTransport
	default:
		return ErrTerminalApplication
	}
}
