// Package apperr defines the error taxonomy shared by every server component.
// Each error carries a stable Kind that is sent to clients verbatim.
package apperr

import (
	"errors"
	"time"
)

// Kind is a stable, wire-visible error classification.
type Kind string

// Wire error kinds.
const (
	MalformedMessage       Kind = "MalformedMessage"
	Unauthenticated        Kind = "Unauthenticated"
	Banned                 Kind = "Banned"
	Muted                  Kind = "Muted"
	RateLimited            Kind = "RateLimited"
	NotFound               Kind = "NotFound"
	Conflict               Kind = "Conflict"
	Insufficient           Kind = "Insufficient"
	BadCredentials         Kind = "BadCredentials"
	NeedsEmailVerification Kind = "NeedsEmailVerification"
	InvalidToken           Kind = "InvalidToken"
	Expired                Kind = "Expired"
	InvalidInput           Kind = "InvalidInput"
	Precondition           Kind = "Precondition"
	Internal               Kind = "Internal"

	// Registration and verification refinements.
	UsernameTaken Kind = "UsernameTaken"
	EmailTaken    Kind = "EmailTaken"
	InvalidCode   Kind = "InvalidCode"
	Overflow      Kind = "Overflow"
)

// Error is a classified error. The zero RetryAfter means "not applicable".
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	cause      error
}

// New returns an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies err under kind, keeping it reachable through errors.Unwrap.
//
// Postcondition: Returns nil when err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, cause: err}
}

// RateLimit returns a RateLimited error carrying the recovery delay.
func RateLimit(retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

func (e *Error) Error() string {
	if e.cause != nil {
		if e.Message == "" {
			return string(e.Kind) + ": " + e.cause.Error()
		}
		return e.Message + ": " + e.cause.Error()
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two Errors by kind and message so that package-level sentinels
// compare equal to wrapped copies of themselves.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message && t.cause == nil
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are Internal; a nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns the text safe to show a client. Internal faults are
// never described beyond "transient failure".
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == Internal {
		return "transient failure"
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}
