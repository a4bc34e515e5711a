package gate

import (
	"errors"
	"fmt"
)

// Kind classifies why a request was refused. The set is closed; the
// transport maps each kind to exactly one status and message.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidToken
	KindUserBanned
	KindUserNotFound
	KindRateLimited
	KindNotPrivileged
	KindCredentialMismatch
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindInvalidToken:       "invalid_token",
	KindUserBanned:         "user_banned",
	KindUserNotFound:       "user_not_found",
	KindRateLimited:        "rate_limited",
	KindNotPrivileged:      "not_privileged",
	KindCredentialMismatch: "credential_mismatch",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a refusal of a given kind. Err carries the underlying cause, if
// any, and is never shown to clients.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, gate.ErrRateLimited).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidToken       = &Error{Kind: KindInvalidToken}
	ErrUserBanned         = &Error{Kind: KindUserBanned}
	ErrUserNotFound       = &Error{Kind: KindUserNotFound}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrNotPrivileged      = &Error{Kind: KindNotPrivileged}
	ErrCredentialMismatch = &Error{Kind: KindCredentialMismatch}
)

// NewError builds a refusal of kind caused by err.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Internal wraps a backend failure.
func Internal(err error) *Error {
	return NewError(KindInternal, err)
}

// KindOf reports the kind of err. Errors that are not *Error are internal.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindInternal
}
