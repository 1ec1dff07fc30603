package store

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure reported by the store. The codes are the
// store's native error codes and are surfaced to callers as-is.
type Code int

const (
	CodeUnknown Code = iota
	CodeNotFound
	CodeConstraint
	CodeData
	CodeReadOnly
	CodeTransactionInactive
	CodeInvalidState
	CodeInvalidAccess
	CodeSyntax
	CodeVersion
	CodeAbort
	CodeHandlerPanic
	CodeBackend
)

var codeNames = map[Code]string{
	CodeUnknown:             "UnknownError",
	CodeNotFound:            "NotFoundError",
	CodeConstraint:          "ConstraintError",
	CodeData:                "DataError",
	CodeReadOnly:            "ReadOnlyError",
	CodeTransactionInactive: "TransactionInactiveError",
	CodeInvalidState:        "InvalidStateError",
	CodeInvalidAccess:       "InvalidAccessError",
	CodeSyntax:              "SyntaxError",
	CodeVersion:             "VersionError",
	CodeAbort:               "AbortError",
	CodeHandlerPanic:        "HandlerPanicError",
	CodeBackend:             "BackendError",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

var (
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrConstraint          = &Error{Code: CodeConstraint}
	ErrData                = &Error{Code: CodeData}
	ErrReadOnly            = &Error{Code: CodeReadOnly}
	ErrTransactionInactive = &Error{Code: CodeTransactionInactive}
	ErrInvalidState        = &Error{Code: CodeInvalidState}
	ErrInvalidAccess       = &Error{Code: CodeInvalidAccess}
	ErrSyntax              = &Error{Code: CodeSyntax}
	ErrVersion             = &Error{Code: CodeVersion}
	ErrAbort               = &Error{Code: CodeAbort}
	ErrHandlerPanic        = &Error{Code: CodeHandlerPanic}
	ErrBackend             = &Error{Code: CodeBackend}
)

// Error is the store's native error type. errors.Is(err, store.ErrConstraint)
// and friends match on Code only.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func newError(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, op string, err error, format string, args ...any) *Error {
	e := newError(code, op, format, args...)
	e.Err = err
	return e
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg += "(" + e.Op + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

// ErrorCode returns the Code of the outermost *Error in err's chain, or
// CodeUnknown if there is none.
func ErrorCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// RootCause returns the innermost *Error in err's chain, or nil if there is none.
// An AbortError caused by a failed request unwraps to the request's error.
func RootCause(err error) *Error {
	var root *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			root = e
		}
		err = errors.Unwrap(err)
	}
	return root
}

// asStoreError converts err into an *Error, wrapping anything that is not
// already one as a backend failure.
func asStoreError(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return wrapError(CodeBackend, op, err, "backend error")
}
