package domain

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of a provider or broker error.
type ErrorType string

const (
	// ErrorTypeAuthentication indicates the provider rejected our
	// credentials (401/403).
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypePaymentRequired indicates the provider account is out of
	// funds (402). This latches the gateway until reconfiguration.
	ErrorTypePaymentRequired ErrorType = "payment_required"

	// ErrorTypeRequest indicates any other provider-side failure
	// (4xx/5xx or exhausted retries).
	ErrorTypeRequest ErrorType = "request"

	// ErrorTypeDelivery indicates the broker could not deliver a
	// message after exhausting its retry budget.
	ErrorTypeDelivery ErrorType = "delivery"
)

// Error is a typed error raised at a component boundary. Callers decide
// fatal-vs-degrade per call site based on Type.
type Error struct {
	Type       ErrorType
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrAuthentication builds an authentication error.
func ErrAuthentication(status int, msg string) *Error {
	return &Error{Type: ErrorTypeAuthentication, StatusCode: status, Message: msg}
}

// ErrPaymentRequired builds the sticky 402 error.
func ErrPaymentRequired(msg string) *Error {
	return &Error{Type: ErrorTypePaymentRequired, StatusCode: 402, Message: msg}
}

// ErrRequest builds a generic provider request error.
func ErrRequest(status int, msg string) *Error {
	return &Error{Type: ErrorTypeRequest, StatusCode: status, Message: msg}
}

// ErrDelivery builds a broker delivery-failure error wrapping the last
// transport error.
func ErrDelivery(msg string, cause error) *Error {
	return &Error{Type: ErrorTypeDelivery, Message: msg, Err: cause}
}

// IsType reports whether err is a domain Error of the given type.
func IsType(err error, t ErrorType) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Type == t
	}
	return false
}
