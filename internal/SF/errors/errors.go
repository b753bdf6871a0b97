package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the failure class of a storage or transaction error.
// 0 is reserved for OK, fatal storage errors come first.
type ErrorCode int

const (
	DDB_OK ErrorCode = iota
	DDB_IOERR
	DDB_CORRUPT
	DDB_CONSTRAINT
	DDB_TRANSACTION
	DDB_BUSY
	DDB_INTERNAL
)

func (c ErrorCode) String() string {
	switch c {
	case DDB_OK:
		return "DDB_OK"
	case DDB_IOERR:
		return "DDB_IOERR"
	case DDB_CORRUPT:
		return "DDB_CORRUPT"
	case DDB_CONSTRAINT:
		return "DDB_CONSTRAINT"
	case DDB_TRANSACTION:
		return "DDB_TRANSACTION"
	case DDB_BUSY:
		return "DDB_BUSY"
	default:
		return "DDB_INTERNAL"
	}
}

// Error is a structured engine error carrying an error code, a
// human-readable message, and an optional wrapped underlying error.
// Storage-layer messages include the page number or WAL sequence involved
// so failures can be debugged post mortem.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped underlying error (may be nil)
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches target. Two *Error values match
// when their Codes are equal, so sentinel comparisons like
// errors.Is(err, errors.New(DDB_CONSTRAINT, "")) work across wrapping.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a new *Error with the given code and message.
func New(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf creates a new *Error with the given code and a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new *Error wrapping err.
func Wrap(code ErrorCode, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the ErrorCode of err: DDB_OK for nil, the code from any
// *Error in the chain, or DDB_INTERNAL for any other non-nil error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return DDB_OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return DDB_INTERNAL
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
