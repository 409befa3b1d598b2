// Package errors provides the recorder's error taxonomy.
// Every surfaced failure carries a Code so callers can decide between
// retrying, warning the speaker, or falling back.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an AppError.
type Code int

const (
	CodeUnknown Code = iota
	CodeInternal
	CodeInvalidArgument
	CodeInvalidState
	CodeNotFound
	CodeConfigInvalid
	CodeDevice
	CodeUnsupportedRate
	CodeManifestIO
)

var codeNames = map[Code]string{
	CodeUnknown:         "UNKNOWN",
	CodeInternal:        "INTERNAL",
	CodeInvalidArgument: "INVALID_ARGUMENT",
	CodeInvalidState:    "INVALID_STATE",
	CodeNotFound:        "NOT_FOUND",
	CodeConfigInvalid:   "CONFIG_INVALID",
	CodeDevice:          "DEVICE_ERROR",
	CodeUnsupportedRate: "UNSUPPORTED_RATE",
	CodeManifestIO:      "MANIFEST_IO",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return codeNames[CodeUnknown]
}

// httpStatusMap maps error codes to the status the presentation boundary reports.
var httpStatusMap = map[Code]int{
	CodeUnknown:         http.StatusInternalServerError,
	CodeInternal:        http.StatusInternalServerError,
	CodeInvalidArgument: http.StatusBadRequest,
	CodeInvalidState:    http.StatusConflict,
	CodeNotFound:        http.StatusNotFound,
	CodeConfigInvalid:   http.StatusInternalServerError,
	CodeDevice:          http.StatusServiceUnavailable,
	CodeUnsupportedRate: http.StatusUnprocessableEntity,
	CodeManifestIO:      http.StatusInternalServerError,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the corresponding HTTP status code.
func (e *AppError) HTTPStatus() int {
	if c, ok := httpStatusMap[e.Code]; ok {
		return c
	}
	return http.StatusInternalServerError
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// As extracts the outermost AppError from an error chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost AppError, or CodeUnknown.
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// IsRetryable returns true if the error is potentially retryable.
// Only manifest I/O qualifies: a take's audio may already be on disk and the
// row can still be written on a later attempt.
func IsRetryable(err error) bool {
	return IsCode(err, CodeManifestIO)
}
