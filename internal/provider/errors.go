package provider

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the closed set of provider failures.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindFormat
	KindAuth
	KindRateLimitExceeded
	KindServiceUnavailable
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindFormat:
		return "format"
	case KindAuth:
		return "auth"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

// Error is a provider failure. It is a plain value so a configured failure can
// be returned any number of times.
type Error struct {
	Kind    ErrorKind
	Message string
}

var (
	// ErrRateLimitExceeded matches any rate limit failure via errors.Is.
	ErrRateLimitExceeded = &Error{Kind: KindRateLimitExceeded}
	// ErrServiceUnavailable matches any outage failure via errors.Is.
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
)

// NetworkError reports a transport failure.
func NetworkError(format string, args ...any) *Error {
	return &Error{Kind: KindNetwork, Message: fmt.Sprintf(format, args...)}
}

// FormatError reports a payload that could not be parsed into the expected shape.
func FormatError(format string, args ...any) *Error {
	return &Error{Kind: KindFormat, Message: fmt.Sprintf(format, args...)}
}

// AuthError reports rejected credentials.
func AuthError(format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Message: fmt.Sprintf(format, args...)}
}

// RateLimitExceeded returns a fresh rate limit failure.
func RateLimitExceeded() *Error {
	return &Error{Kind: KindRateLimitExceeded}
}

// ServiceUnavailable returns a fresh outage failure.
func ServiceUnavailable() *Error {
	return &Error{Kind: KindServiceUnavailable}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRateLimitExceeded:
		return "provider: rate limit exceeded"
	case KindServiceUnavailable:
		return "provider: service unavailable"
	default:
		return fmt.Sprintf("provider: %s error: %s", e.Kind, e.Message)
	}
}

// Is matches errors of the same kind, ignoring the message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// Clone returns an independent copy of e.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// AsError extracts a provider error from err. Errors outside the taxonomy are
// reported as network failures so callers can always branch on Kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Kind: KindNetwork, Message: err.Error()}
}
