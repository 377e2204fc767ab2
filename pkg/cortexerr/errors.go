// Package cortexerr defines the error taxonomy shared by every cortex
// service. Errors carry a Kind that the HTTP layer maps to a status code,
// a human-readable message, and an optional wrapped cause.
package cortexerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and event payloads.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindBadRequest       Kind = "bad_request"
	KindIncompatibleHost Kind = "incompatible_host"
	KindLoadFailed       Kind = "load_failed"
	KindEngineBusy       Kind = "engine_busy"
	KindEngineError      Kind = "engine_error"
	KindDownloadFailed   Kind = "download_failed"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
)

// Error is the typed error value used across service boundaries.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error. A nil cause behaves like New.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors report KindInternal; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindBadRequest, KindIncompatibleHost:
		return http.StatusBadRequest
	case KindEngineBusy:
		return http.StatusTooManyRequests
	case KindEngineError, KindDownloadFailed:
		return http.StatusBadGateway
	case KindCancelled:
		// Nginx-style client-closed-request; streams just close.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
