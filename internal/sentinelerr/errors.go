// Package sentinelerr defines the error taxonomy shared by every component of
// the incident pipeline. Components return a *Error carrying one of the Kind
// values below instead of ad-hoc sentinel errors, so callers at the transport
// boundary can categorize failures without inspecting message text.
package sentinelerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the rest of the pipeline needs to react
// to it: retry, surface to the caller, or swallow and continue.
type Kind string

const (
	NotFound                Kind = "not_found"
	InvalidInput             Kind = "invalid_input"
	InvalidStateTransition   Kind = "invalid_state_transition"
	StorageUnavailable       Kind = "storage_unavailable"
	StorageCorrupt           Kind = "storage_corrupt"
	Timeout                  Kind = "timeout"
	NotificationOverload     Kind = "notification_overload"
	ChannelTerminal          Kind = "channel_terminal"
	ChannelRetryable         Kind = "channel_retryable"
	EnrichmentUnavailable    Kind = "enrichment_unavailable"
	MLUnavailable            Kind = "ml_unavailable"
	CorrelationUnavailable   Kind = "correlation_unavailable"
	ConfigInvalid            Kind = "config_invalid"
)

// Error is the concrete error type every component returns.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, sentinelerr.New(Kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Retryable reports whether err (or a wrapped *Error within it) represents a
// condition the caller should retry rather than surface immediately.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case StorageUnavailable, Timeout, ChannelRetryable:
		return true
	default:
		return false
	}
}

// OfKind reports whether err wraps an *Error of the given kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
