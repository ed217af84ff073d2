// Package apperr carries machine-readable reason codes for request-facing
// failures so handlers can map them to HTTP status classes without string
// matching.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindInsufficient
	KindConflict
)

type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Code + ": " + e.Msg
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func Invalid(code, msg string) *Error      { return New(KindInvalid, code, msg) }
func NotFound(code, msg string) *Error     { return New(KindNotFound, code, msg) }
func Insufficient(code, msg string) *Error { return New(KindInsufficient, code, msg) }
func Conflict(code, msg string) *Error     { return New(KindConflict, code, msg) }

func Invalidf(code, format string, args ...any) *Error {
	return Invalid(code, fmt.Sprintf(format, args...))
}

// CodeOf returns the reason code of err, or "" if err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf returns the kind of err and whether err is an apperr.Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
