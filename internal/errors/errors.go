// Package errors defines the error taxonomy shared by the GridStore engine,
// its document-store adapters and the HTTP gateway.
package errors

import (
	stderrors "errors"
	"fmt"
)

// GridError is a categorised failure with a machine-readable code, a
// human-readable message, the HTTP status the gateway reports for it, and an
// optional underlying cause.
type GridError struct {
	// Code is the stable error code (e.g. "FileNotFound", "CorruptChunk").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code the gateway returns (e.g. 404, 409).
	HTTPStatus int
	// Cause is the wrapped underlying error, if any.
	Cause error
}

// Error implements the error interface for GridError.
func (e *GridError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *GridError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a GridError with the same code. Sentinels
// therefore match every error derived from them with With* helpers.
func (e *GridError) Is(target error) bool {
	t, ok := target.(*GridError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of the error carrying a more specific message.
func (e *GridError) WithMessage(format string, args ...any) *GridError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// WithCause returns a copy of the error wrapping cause.
func (e *GridError) WithCause(cause error) *GridError {
	cp := *e
	cp.Cause = cause
	return &cp
}

// Pre-defined errors.
var (
	// ErrFileNotFound is returned when no complete file record matches an id
	// or a filename and revision.
	ErrFileNotFound = &GridError{
		Code:       "FileNotFound",
		Message:    "no file matches the request",
		HTTPStatus: 404,
	}

	// ErrCorruptChunk is returned when a chunk payload length disagrees with
	// the expected length for its position, or a chunk index repeats.
	ErrCorruptChunk = &GridError{
		Code:       "CorruptChunk",
		Message:    "chunk payload does not match its expected length",
		HTTPStatus: 500,
	}

	// ErrMissingChunk is returned when the chunk index sequence has a gap.
	ErrMissingChunk = &GridError{
		Code:       "MissingChunk",
		Message:    "chunk index sequence has a gap",
		HTTPStatus: 500,
	}

	// ErrTruncatedFile is returned when the chunks run out before the
	// recorded file length was delivered.
	ErrTruncatedFile = &GridError{
		Code:       "TruncatedFile",
		Message:    "fewer bytes are stored than the recorded file length",
		HTTPStatus: 500,
	}

	// ErrCorruptIndex is returned when an id lookup matches more than one
	// file record.
	ErrCorruptIndex = &GridError{
		Code:       "CorruptIndex",
		Message:    "more than one file record has the same id",
		HTTPStatus: 500,
	}

	// ErrConcurrentUsage is returned when a stream receives an operation
	// while another caller operation is still outstanding.
	ErrConcurrentUsage = &GridError{
		Code:       "ConcurrentUsage",
		Message:    "stream already has an operation in progress",
		HTTPStatus: 409,
	}

	// ErrStreamFailed is returned by a stream after a collection operation
	// failed. The original failure is available through errors.Unwrap.
	ErrStreamFailed = &GridError{
		Code:       "StreamFailed",
		Message:    "a collection operation failed",
		HTTPStatus: 502,
	}

	// ErrStreamClosed is returned when a stream is used after it was closed
	// or aborted.
	ErrStreamClosed = &GridError{
		Code:       "StreamClosed",
		Message:    "stream is closed",
		HTTPStatus: 409,
	}

	// ErrInvalidArgument is returned for malformed caller input such as a
	// non-positive chunk size.
	ErrInvalidArgument = &GridError{
		Code:       "InvalidArgument",
		Message:    "invalid argument",
		HTTPStatus: 400,
	}

	// ErrCorruptArchive is returned when a bucket archive is malformed or a
	// file's content does not match its recorded digest.
	ErrCorruptArchive = &GridError{
		Code:       "CorruptArchive",
		Message:    "archive is malformed",
		HTTPStatus: 422,
	}

	// ErrUnauthorized is returned by the gateway when a request lacks a
	// valid bearer token.
	ErrUnauthorized = &GridError{
		Code:       "Unauthorized",
		Message:    "missing or invalid bearer token",
		HTTPStatus: 401,
	}

	// ErrEntityTooLarge is returned when an upload body exceeds the
	// configured limit.
	ErrEntityTooLarge = &GridError{
		Code:       "EntityTooLarge",
		Message:    "upload exceeds the maximum allowed size",
		HTTPStatus: 413,
	}
)

// StreamFailed wraps cause in ErrStreamFailed.
func StreamFailed(cause error) *GridError {
	return ErrStreamFailed.WithCause(cause)
}

// As returns the GridError in err's chain, if any.
func As(err error) (*GridError, bool) {
	var ge *GridError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// CodeOf returns the GridError code in err's chain, or "InternalError".
func CodeOf(err error) string {
	if ge, ok := As(err); ok {
		return ge.Code
	}
	return "InternalError"
}
