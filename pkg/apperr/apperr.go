// Package apperr defines the error kinds shared by the scoring, hashing,
// anchoring and review packages, and their mapping to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindInvalidInput           Kind = "invalid_input"
	KindPartialScoringFailure  Kind = "partial_scoring_failure"
	KindAnchorUnavailable      Kind = "anchor_unavailable"
	KindAnchorNotConfirmed     Kind = "anchor_not_confirmed"
	KindConcurrentModification Kind = "concurrent_modification"
	KindUnauthorized           Kind = "unauthorized"
	KindNotFound               Kind = "not_found"
	KindInvalidTransition      Kind = "invalid_transition"
	KindInternal               Kind = "internal"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrInvalidInput           = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrPartialScoringFailure  = &Error{Kind: KindPartialScoringFailure, Message: "partial scoring failure"}
	ErrAnchorUnavailable      = &Error{Kind: KindAnchorUnavailable, Message: "anchor unavailable"}
	ErrAnchorNotConfirmed     = &Error{Kind: KindAnchorNotConfirmed, Message: "anchor not confirmed"}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification, Message: "concurrent modification"}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}
)

// Error carries a kind, a human readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality so that errors.Is(err, ErrNotFound) holds for any
// not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the status code returned by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindPartialScoringFailure:
		return http.StatusOK
	case KindAnchorUnavailable:
		return http.StatusServiceUnavailable
	case KindAnchorNotConfirmed, KindConcurrentModification, KindInvalidTransition:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts err into an echo.HTTPError carrying the error kind.
// Internal errors are reported without their message.
func ToHTTPError(err error) *echo.HTTPError {
	kind := KindOf(err)
	status := HTTPStatus(kind)
	msg := err.Error()
	if kind == KindInternal {
		msg = "internal server error"
	}
	return echo.NewHTTPError(status, map[string]string{
		"error":   string(kind),
		"message": msg,
	}).SetInternal(err)
}
