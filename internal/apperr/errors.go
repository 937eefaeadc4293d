// Package apperr defines the error kinds shared by the realtime handlers and the HTTP API.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown          Kind = "unknown"
	KindUnauthenticated  Kind = "unauthenticated"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindStoreUnavailable Kind = "store_unavailable"
	KindInvalid          Kind = "invalid"
	KindForbidden        Kind = "forbidden"
)

type Error struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Constructors
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Unauthenticated(msg string) error { return New(KindUnauthenticated, msg) }

func NotFound(msg string) error { return New(KindNotFound, msg) }

func Conflict(msg string) error { return New(KindConflict, msg) }

func Invalid(msg string) error { return New(KindInvalid, msg) }

func Forbidden(msg string) error { return New(KindForbidden, msg) }

// StoreUnavailable wraps a failed store call. The cause is kept for logs, the message is safe for clients.
func StoreUnavailable(msg string, cause error) error {
	return Wrap(KindStoreUnavailable, msg, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// PublicMessage returns the client-facing message of err. Errors without a kind are reported as internal.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
