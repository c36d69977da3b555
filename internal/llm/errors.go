package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind separates failures worth retrying from those that are not.
type Kind string

const (
	Transient Kind = "transient"
	Permanent Kind = "permanent"
)

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Message, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewTransient builds a retryable error.
func NewTransient(provider, message string, cause error) *Error {
	return &Error{Kind: Transient, Provider: provider, Message: message, Cause: cause}
}

// NewPermanent builds a non-retryable error.
func NewPermanent(provider, message string, cause error) *Error {
	return &Error{Kind: Permanent, Provider: provider, Message: message, Cause: cause}
}

// Classify returns the Kind of err. Unclassified errors are transient,
// except cancellation which is permanent.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	return Transient
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}

var permanentMarkers = []string{
	"unauthorized", "authentication", "api key", "permission denied", "forbidden",
	"invalid request", "invalid_request", "bad request", "status code: 400", "status 400",
	"status code: 401", "status code: 403", "status code: 404",
	"context length", "maximum context", "model not found", "does not exist",
}

var transientMarkers = []string{
	"rate limit", "too many requests", "429", "overloaded",
	"timeout", "deadline", "temporarily", "unavailable",
	"network", "connection", "eof",
	"500", "502", "503", "504", "internal server error", "bad gateway",
}

// TranslateError classifies an SDK error by its message. Errors that are
// already classified pass through unchanged.
func TranslateError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransient(provider, "call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewPermanent(provider, "call cancelled", err)
	}

	lower := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m) {
			return NewPermanent(provider, "request rejected", err)
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return NewTransient(provider, "provider unavailable", err)
		}
	}
	return NewTransient(provider, "completion failed", err)
}
