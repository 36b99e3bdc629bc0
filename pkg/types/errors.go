package types

import (
	"errors"
	"fmt"
)

// ErrKind classifies failures so callers can branch on disposition
// (retry, degrade, surface) without string matching.
type ErrKind string

const (
	ErrTransport         ErrKind = "TRANSPORT"          // network/IO failure to broker
	ErrRateLimited       ErrKind = "RATE_LIMITED"       // broker throttling
	ErrMarketClosed      ErrKind = "MARKET_CLOSED"      // order outside trading hours
	ErrValidation        ErrKind = "VALIDATION"         // precondition failed, do not retry
	ErrCapacityExceeded  ErrKind = "CAPACITY_EXCEEDED"  // stream cap hit, degrade to polling
	ErrInsufficientFunds ErrKind = "INSUFFICIENT_FUNDS" // order budget exceeds deployable cash
	ErrBrokerRejected    ErrKind = "BROKER_REJECTED"    // other broker-side refusal
	ErrStaleData         ErrKind = "STALE_DATA"         // no fresh enough quote, skip signal
	ErrStoreBusy         ErrKind = "STORE_BUSY"         // persistence engine locked, retry
	ErrShutdown          ErrKind = "SHUTDOWN"           // shutdown in progress
	ErrNotFound          ErrKind = "NOT_FOUND"          // unknown symbol/order
	ErrDataUnavailable   ErrKind = "DATA_UNAVAILABLE"   // screener/daily endpoint empty
)

// Error is a classified error. It wraps an optional cause, so errors.Is and
// errors.As keep working through it.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error // optional cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two classified errors by kind, so
// errors.Is(err, &Error{Kind: ErrStaleData}) works as a kind test.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// NewError builds a classified error with a formatted message.
func NewError(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification from err, or "" when err carries none.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrKind) bool { return KindOf(err) == kind }
