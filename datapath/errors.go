package datapath

import (
	"errors"
	"fmt"
)

// A Code classifies the kind of failure a datapath operation produced,
// per the error taxonomy of the control plane: INVALID, NOT_FOUND,
// ALREADY_EXISTS, EXHAUSTED, OUT_OF_MEMORY, TOO_LARGE, TOO_BIG, BUSY,
// BAD_VERSION, BAD_STAT.
type Code int

// Code values. Zero value is never a valid Code in a returned *Error.
const (
	_ Code = iota
	Invalid
	NotFound
	AlreadyExists
	Exhausted
	OutOfMemory
	TooLarge
	TooBig
	Busy
	BadVersion
	BadStat
)

func (c Code) String() string {
	switch c {
	case Invalid:
		return "invalid"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case Exhausted:
		return "exhausted"
	case OutOfMemory:
		return "out of memory"
	case TooLarge:
		return "too large"
	case TooBig:
		return "too big"
	case Busy:
		return "busy"
	case BadVersion:
		return "bad version"
	case BadStat:
		return "bad stat"
	default:
		return "unknown"
	}
}

// An Error is a datapath control-plane error. It carries the Code from
// the taxonomy above plus the operation that failed and, optionally,
// the underlying cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("datapath: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("datapath: %s: %s", e.Op, e.Code)
}

// Unwrap allows errors.Is/errors.As to see through an *Error to its
// underlying cause.
func (e *Error) Unwrap() error { return e.Err }

func newErr(op string, code Code) *Error {
	return &Error{Op: op, Code: code}
}

func wrapErr(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// codeOf reports the Code of err if it is (or wraps) an *Error.
func codeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// IsNotFound reports whether err is a NotFound *Error.
func IsNotFound(err error) bool { c, ok := codeOf(err); return ok && c == NotFound }

// IsAlreadyExists reports whether err is an AlreadyExists *Error.
func IsAlreadyExists(err error) bool { c, ok := codeOf(err); return ok && c == AlreadyExists }

// IsExhausted reports whether err is an Exhausted *Error.
func IsExhausted(err error) bool { c, ok := codeOf(err); return ok && c == Exhausted }

// IsBusy reports whether err is a Busy *Error.
func IsBusy(err error) bool { c, ok := codeOf(err); return ok && c == Busy }

// IsInvalid reports whether err is an Invalid *Error.
func IsInvalid(err error) bool { c, ok := codeOf(err); return ok && c == Invalid }
