// Package apperr classifies failures that leave the engine for callers such
// as the CLI or an API layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"fee-insights/internal/provider"
)

// Kind is the failure class reported to callers.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindNetwork
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindNetwork:
		return "network"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error is an application error carrying its class and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the kind to the status an API layer should answer with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNetwork:
		return http.StatusBadGateway
	case KindParse:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps the kind to a process exit status.
func (e *Error) ExitCode() int {
	switch e.Kind {
	case KindConfig:
		return 2
	case KindNetwork:
		return 3
	case KindParse:
		return 4
	default:
		return 1
	}
}

func newf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Config wraps a configuration failure.
func Config(err error, format string, args ...any) *Error {
	return newf(KindConfig, err, format, args...)
}

// Network wraps an upstream connectivity failure.
func Network(err error, format string, args ...any) *Error {
	return newf(KindNetwork, err, format, args...)
}

// Parse wraps a malformed-data failure.
func Parse(err error, format string, args ...any) *Error {
	return newf(KindParse, err, format, args...)
}

// FromProvider maps a provider failure: Format becomes Parse, every other
// kind is an upstream problem.
func FromProvider(err error) *Error {
	if err == nil {
		return nil
	}
	perr := provider.AsError(err)
	kind := KindNetwork
	if perr.Kind == provider.KindFormat {
		kind = KindParse
	}
	return &Error{Kind: kind, Message: "provider failure", Err: err}
}

// Classify returns err as an *Error, wrapping unclassified errors as
// Unknown and provider errors via FromProvider.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return FromProvider(err)
	}
	return &Error{Kind: KindUnknown, Err: err}
}

// ExitCode returns the process exit status for err; 0 for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return Classify(err).ExitCode()
}
