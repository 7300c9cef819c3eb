package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping. The set is closed; handlers
// switch on it to pick an HTTP status or a socket error event.
type Kind string

const (
	AuthRequired            Kind = "auth_required"
	AuthInvalid             Kind = "auth_invalid"
	AuthExpired             Kind = "auth_expired"
	RateLimited             Kind = "rate_limited"
	NotParticipant          Kind = "not_participant"
	NotAuthor               Kind = "not_author"
	NotFound                Kind = "not_found"
	ConflictUniqueViolation Kind = "conflict_unique_violation"
	InvalidInput            Kind = "invalid_input"
	PayloadTooLarge         Kind = "payload_too_large"
	ConversationClosed      Kind = "conversation_closed"
	InvalidReply            Kind = "invalid_reply"
	StorageUnavailable      Kind = "storage_unavailable"
	QueueUnavailable        Kind = "queue_unavailable"
	Internal                Kind = "internal"
)

// Error is the application error type. Wrap an underlying cause where one
// exists so errors.Is/As keep working through the boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case AuthRequired, AuthInvalid, AuthExpired:
		return http.StatusUnauthorized
	case NotParticipant, NotAuthor:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case ConflictUniqueViolation:
		return http.StatusConflict
	case InvalidInput, InvalidReply, ConversationClosed:
		return http.StatusBadRequest
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case RateLimited:
		return http.StatusTooManyRequests
	case StorageUnavailable, QueueUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
