// ABOUTME: Error taxonomy shared by every component boundary in the gateway
// ABOUTME: Errors carry a Kind for policy decisions and a stable Code for matching

package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting policy.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindRetryableBackend   Kind = "retryable_backend"
	KindTerminalBackend    Kind = "terminal_backend"
	KindStorageUnavailable Kind = "storage_unavailable"
)

// Code identifies a specific failure within a Kind.
type Code string

const (
	CodeInvalidContent     Code = "INVALID_CONTENT"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyMatched     Code = "ALREADY_MATCHED"
	CodeAlreadyFinished    Code = "ALREADY_FINISHED"
	CodeContention         Code = "CONTENTION"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeBackendRetryable   Code = "BACKEND_RETRYABLE"
	CodeBackendTerminal    Code = "BACKEND_TERMINAL"
)

// Error is the value every component returns across a boundary.
// Reason is plain language and safe to log; it is never shown to participants.
type Error struct {
	Kind   Kind
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on Code when the target carries one, otherwise on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return t.Kind != "" && e.Kind == t.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrInvalidContent     = &Error{Kind: KindValidation, Code: CodeInvalidContent}
	ErrNotFound           = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrAlreadyMatched     = &Error{Kind: KindConflict, Code: CodeAlreadyMatched}
	ErrAlreadyFinished    = &Error{Kind: KindConflict, Code: CodeAlreadyFinished}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable, Code: CodeStorageUnavailable}
)

// New builds an Error.
func New(kind Kind, code Code, reason string, err error) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason, Err: err}
}

func Validation(code Code, reason string) *Error {
	return New(KindValidation, code, reason, nil)
}

func NotFound(reason string) *Error {
	return New(KindNotFound, CodeNotFound, reason, nil)
}

func Conflict(code Code, reason string) *Error {
	return New(KindConflict, code, reason, nil)
}

func StorageUnavailable(reason string, err error) *Error {
	return New(KindStorageUnavailable, CodeStorageUnavailable, reason, err)
}

func RetryableBackend(reason string, err error) *Error {
	return New(KindRetryableBackend, CodeBackendRetryable, reason, err)
}

func TerminalBackend(reason string, err error) *Error {
	return New(KindTerminalBackend, CodeBackendTerminal, reason, err)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
