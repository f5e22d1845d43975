package chaterr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindAuthorization
	KindNotFound
	KindValidation
	KindDecryption
	KindPersistence
	KindRateLimited
	KindUnavailable
)

func (k Kind) String() string {
	return [...]string{
		"internal",
		"authorization",
		"not_found",
		"validation",
		"decryption",
		"persistence",
		"rate_limited",
		"unavailable",
	}[k]
}

// Error is the error type returned by the messaging core. Kind decides how
// the failure is reported back to the client that issued the command.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so callers can write
// errors.Is(err, chaterr.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

var (
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrDecryption    = &Error{Kind: KindDecryption}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrRateLimited   = &Error{Kind: KindRateLimited}
	ErrUnavailable   = &Error{Kind: KindUnavailable}
)

func NewAuthorizationError(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

func NewNotFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func NewValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func NewDecryptionError(err error) *Error {
	return &Error{Kind: KindDecryption, Message: "decryption failed", Err: err}
}

func NewPersistenceError(err error) *Error {
	return &Error{Kind: KindPersistence, Message: "persistence failed", Err: err}
}

func NewRateLimitedError() *Error {
	return &Error{Kind: KindRateLimited, Message: "too many messages, slow down"}
}

func NewUnavailableError() *Error {
	return &Error{Kind: KindUnavailable, Message: "service unavailable"}
}

func NewInternalError(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// Code maps an error to the response code sent back to websocket clients.
func Code(err error) int {
	switch KindOf(err) {
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindDecryption:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to show to a client. Wrapped causes of
// internal and persistence failures are never exposed.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal server error"
	}

	switch e.Kind {
	case KindInternal, KindPersistence:
		return e.Message
	}

	if e.Message == "" {
		return e.Kind.String()
	}

	return e.Message
}
