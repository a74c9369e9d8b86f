// Package provider carries the error taxonomy shared by the bridge and
// payout API clients.
package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed provider failure carrying the upstream HTTP status.
type Error struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Operation, e.StatusCode, e.Message)
}

// NewError builds a provider error from an upstream response.
func NewError(provider, operation string, statusCode int, message string) *Error {
	return &Error{
		Provider:   provider,
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
	}
}

// Retryable reports whether the error is a transient provider failure that
// idempotent reads may safely repeat: 429 and 5xx only.
func Retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode >= 500
}

// UserMessage maps upstream status codes to user-actionable messages.
func UserMessage(err error) string {
	var pe *Error
	if !errors.As(err, &pe) {
		return "provider request failed"
	}
	switch {
	case pe.StatusCode == http.StatusBadRequest:
		return "provider rejected the request as invalid"
	case pe.StatusCode == http.StatusUnauthorized:
		return "provider authentication failed"
	case pe.StatusCode == http.StatusTooManyRequests:
		return "provider rate limit reached, try again shortly"
	case pe.StatusCode >= 500:
		return "provider is temporarily unavailable"
	default:
		return pe.Message
	}
}
