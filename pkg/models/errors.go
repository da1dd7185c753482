package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies accounting failures. Callers branch on the kind, never on
// the message.
type ErrorKind string

const (
	KindInvalidEntry       ErrorKind = "InvalidEntry"
	KindInsufficientTokens ErrorKind = "InsufficientTokens"
	KindInvalidAmount      ErrorKind = "InvalidAmount"
	KindInvalidState       ErrorKind = "InvalidState"
	KindInvalidTransition  ErrorKind = "InvalidTransition"
	KindNotFound           ErrorKind = "NotFound"
	KindConflict           ErrorKind = "Conflict"
	KindInvalidRequest     ErrorKind = "InvalidRequest"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrInvalidEntry       = &Error{Kind: KindInvalidEntry}
	ErrInsufficientTokens = &Error{Kind: KindInsufficientTokens}
	ErrInvalidAmount      = &Error{Kind: KindInvalidAmount}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
)

// Error is a typed accounting failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
