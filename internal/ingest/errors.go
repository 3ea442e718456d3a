package ingest

import (
	"errors"
	"fmt"
)

// Error codes classify failures by blast radius: connection errors are
// run-fatal, everything else isolates to a table, row or file.
const (
	CodeConnection = "E_CONNECTION"
	CodeSchema     = "E_SCHEMA"
	CodeTransform  = "E_TRANSFORM"
	CodeIndexWrite = "E_INDEX_WRITE"
	CodeDownload   = "E_DOWNLOAD"
)

// Error wraps pipeline failures with a code and retryability hint.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// WrapError attaches a code and retryability hint to err.
func WrapError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// CodeOf returns the error code of err, or "" for uncoded errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err carries a retryable hint.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsRunFatal reports whether err should abort the whole run rather than
// the current table, row or file.
func IsRunFatal(err error) bool {
	return CodeOf(err) == CodeConnection
}
