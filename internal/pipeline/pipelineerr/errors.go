// Package pipelineerr provides unified, structured error handling for the
// pipeline core: a closed error-code enum, an HTTPError carrying the code
// through to API responses, and a Record type the alert service consumes
// as its error stream input.
package pipelineerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a closed error-code enum for this domain.
type Code string

const (
	CodeRequestTooLarge    Code = "REQUEST_TOO_LARGE"
	CodeInvalidContentType Code = "INVALID_CONTENT_TYPE"
	CodeInvalidFileType    Code = "INVALID_FILE_TYPE"
	CodeFileTooLarge       Code = "FILE_TOO_LARGE"
	CodeMismatchedFileType Code = "MISMATCHED_FILE_TYPE"
	CodeInvalidFilename    Code = "INVALID_FILENAME"
	CodeInvalidJSON        Code = "INVALID_JSON"
	CodeSuspiciousInput    Code = "SUSPICIOUS_INPUT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Classification is the shared error taxonomy used by the retry
// classifier (C3) and by HTTP validation responses (C9).
type Classification string

const (
	ClassValidation             Classification = "validation"
	ClassTransient              Classification = "transient"
	ClassPermanent              Classification = "permanent"
	ClassDependencyUnavailable  Classification = "dependency_unavailable"
	ClassInternal               Classification = "internal"
)

// HTTPError is a structured error with a code, message, and HTTP status —
// directly grounded on the teacher's ServiceError, renamed and re-scoped
// to this domain's error codes.
type HTTPError struct {
	Code       Code                   `json:"error_code"`
	Message    string                 `json:"detail"`
	Status     int                    `json:"status"`
	Details    map[string]interface{} `json:"context,omitempty"`
	Err        error                  `json:"-"`
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// WithDetail attaches a context key/value pair and returns the receiver
// for chaining.
func (e *HTTPError) WithDetail(key string, value interface{}) *HTTPError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an HTTPError.
func New(code Code, message string, status int) *HTTPError {
	return &HTTPError{Code: code, Message: message, Status: status}
}

// Wrap wraps an existing error with an HTTPError.
func Wrap(code Code, message string, status int, err error) *HTTPError {
	return &HTTPError{Code: code, Message: message, Status: status, Err: err}
}

// Constructors for the validation-layer codes (C9).

func RequestTooLarge(maxBytes int64) *HTTPError {
	return New(CodeRequestTooLarge, "request body exceeds the configured size limit", http.StatusRequestEntityTooLarge).
		WithDetail("max_bytes", maxBytes)
}

func InvalidContentType(got string) *HTTPError {
	return New(CodeInvalidContentType, "unsupported content type", http.StatusUnsupportedMediaType).
		WithDetail("content_type", got)
}

func InvalidFileType(field, ext string) *HTTPError {
	return New(CodeInvalidFileType, "file extension not allowed", http.StatusBadRequest).
		WithDetail("field", field).WithDetail("extension", ext)
}

func FileTooLarge(field string, maxBytes int64) *HTTPError {
	return New(CodeFileTooLarge, "uploaded file exceeds the configured size limit", http.StatusRequestEntityTooLarge).
		WithDetail("field", field).WithDetail("max_bytes", maxBytes)
}

func MismatchedFileType(field, declared, sniffed string) *HTTPError {
	return New(CodeMismatchedFileType, "declared content type does not match file contents", http.StatusBadRequest).
		WithDetail("field", field).WithDetail("declared", declared).WithDetail("sniffed", sniffed)
}

func InvalidFilename(field, reason string) *HTTPError {
	return New(CodeInvalidFilename, "invalid filename", http.StatusBadRequest).
		WithDetail("field", field).WithDetail("reason", reason)
}

func InvalidJSON(err error) *HTTPError {
	return Wrap(CodeInvalidJSON, "request body is not valid JSON", http.StatusBadRequest, err)
}

func SuspiciousInput(field, path string) *HTTPError {
	return New(CodeSuspiciousInput, "input matched a blocked pattern", http.StatusBadRequest).
		WithDetail("field", field).WithDetail("path", path)
}

func NotFound(resource, id string) *HTTPError {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetail("resource", resource).WithDetail("id", id)
}

func Conflict(message string) *HTTPError {
	return New(CodeConflict, message, http.StatusConflict)
}

// Internal masks an internal error behind a correlation id; the real
// error is retained on Err for logging, never surfaced to the caller.
func Internal(correlationID string, err error) *HTTPError {
	return Wrap(CodeInternal, "an internal error occurred", http.StatusInternalServerError, err).
		WithDetail("correlation_id", correlationID)
}

// IsHTTPError reports whether err carries an HTTPError.
func IsHTTPError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he)
}

// GetHTTPError extracts an HTTPError from an error chain.
func GetHTTPError(err error) *HTTPError {
	var he *HTTPError
	if errors.As(err, &he) {
		return he
	}
	return nil
}

// GetStatus returns the HTTP status code for an error, defaulting to 500.
func GetStatus(err error) int {
	if he := GetHTTPError(err); he != nil {
		return he.Status
	}
	return http.StatusInternalServerError
}

// Record is produced for every classified error and consumed by the
// alert service (C8) as its stream input.
type Record struct {
	ErrorID         string
	CorrelationID   string
	Stage           string
	DocumentID      string
	Classification  Classification
	Message         string
	Stack           string
	RetryCount      int
	FirstOccurrence time.Time
	LastOccurrence  time.Time
}
