// Package errkind defines the closed error taxonomy used across the backup
// engine: every fallible operation returns (or wraps) one of these kinds so
// callers can branch with errors.Is/errors.As instead of string matching.
package errkind

import "fmt"

// Kind is one of the error taxonomy entries from the error handling design.
type Kind string

const (
	AssertError            Kind = "AssertError"
	FormatError             Kind = "FormatError"
	FileMissingError        Kind = "FileMissingError"
	PathMissingError        Kind = "PathMissingError"
	FileOpenError           Kind = "FileOpenError"
	FileReadError           Kind = "FileReadError"
	FileWriteError          Kind = "FileWriteError"
	FileRemoveError         Kind = "FileRemoveError"
	LinkDestinationError    Kind = "LinkDestinationError"
	LinkExpectedError       Kind = "LinkExpectedError"
	ProtocolError           Kind = "ProtocolError"
	AccessError             Kind = "AccessError"
	OptionInvalidValueError Kind = "OptionInvalidValueError"
	CryptoError             Kind = "CryptoError"
)

// Error wraps an underlying error with a taxonomy Kind and the operation
// that failed. It implements Unwrap so errors.Is/errors.As see through it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind/op, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether an error of this kind is a candidate for the
// server's fixed-delay retry policy (I/O errors, not structural/programmer
// errors).
func (k Kind) Retryable() bool {
	switch k {
	case FileOpenError, FileReadError, FileWriteError, FileRemoveError, AccessError:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err carries a Kind whose Retryable() is true
// anywhere in its chain.
func IsRetryable(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind.Retryable() {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the taxonomy Kind carried by err, or "" if err does not
// wrap an *Error. Used to fill the wire-level error code on a Response.
func CodeOf(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return string(e.Kind)
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
