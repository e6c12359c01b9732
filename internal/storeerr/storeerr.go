// Package storeerr defines the error taxonomy surfaced across the engine:
// every operation that can fail returns one of these kinds, or wraps one
// with additional context via fmt.Errorf("%w").
package storeerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the engine's error categories.
type Kind int

const (
	// Internal is a bug; logged with a correlation id and returned generically.
	Internal Kind = iota
	// DimMismatch means a vector's length did not equal the deployment's D.
	DimMismatch
	// NotFound means a referenced concept id does not exist.
	NotFound
	// Backpressure means the WriteLog is at capacity.
	Backpressure
	// DiskFull means a WAL or snapshot write failed for lack of space.
	DiskFull
	// EmbeddingUnavailable means the external embedding service failed after retries.
	EmbeddingUnavailable
	// Corruption means a CRC check failed while reading the WAL or snapshot.
	Corruption
	// QuotaExceeded means a tenant/edition quota was hit.
	QuotaExceeded
	// ProtocolError means a malformed frame, oversize payload, or bad version.
	ProtocolError
	// Timeout means an operation exceeded its deadline.
	Timeout
	// ConfigError means the engine was started with an invalid configuration.
	ConfigError
)

func (k Kind) String() string {
	switch k {
	case DimMismatch:
		return "dim_mismatch"
	case NotFound:
		return "not_found"
	case Backpressure:
		return "backpressure"
	case DiskFull:
		return "disk_full"
	case EmbeddingUnavailable:
		return "embedding_unavailable"
	case Corruption:
		return "corruption"
	case QuotaExceeded:
		return "quota_exceeded"
	case ProtocolError:
		return "protocol_error"
	case Timeout:
		return "timeout"
	case ConfigError:
		return "config_error"
	default:
		return "internal"
	}
}

// Error is the concrete error type returned across the engine's public
// surfaces. Internal errors carry a CorrelationID so operators can
// cross-reference logs without leaking details to the client.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.Kind == Internal && e.CorrelationID != "" {
		return fmt.Sprintf("internal error (correlation_id=%s)", e.CorrelationID)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is(err, storeerr.New(kind, "")) by comparing Kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind that also carries an
// underlying cause for logs (via %w), without exposing it in Error().
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Sentinel is a convenience constructor for comparing kinds with errors.Is,
// e.g. errors.Is(err, storeerr.Sentinel(storeerr.NotFound)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the Kind of err if it is (or wraps) a *Error, defaulting
// to Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
