package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine readable code the engine attaches to every error body.
type ErrorCode int64

const (
	UnknownError ErrorCode = 0

	JobConfigParseError     ErrorCode = 10101
	JobConfigUnknownField   ErrorCode = 10102
	JobIDAlreadyExists      ErrorCode = 10111
	InvalidDateFormat       ErrorCode = 10201
	UnknownJobError         ErrorCode = 20101
	NoSuchModelSnapshot     ErrorCode = 20102
	JobNotRunning           ErrorCode = 20201
	JobPaused               ErrorCode = 20202
	NativeProcessStartError ErrorCode = 30001
	NativeProcessWriteError ErrorCode = 30002
	TooManyJobsRunning      ErrorCode = 30101
	UploadTimeOrderError    ErrorCode = 40101
	UploadMissingTimeField  ErrorCode = 40102
	UploadUnparseableDate   ErrorCode = 40103
	UploadDataParseError    ErrorCode = 40104
)

// ErrClosed is returned by any operation issued after Close.
var ErrClosed = errors.New("engine client is closed")

// APIError is a protocol level failure: the engine answered with a non-success status.
type APIError struct {
	Code       ErrorCode       `json:"errorCode"`
	Message    string          `json:"message"`
	Cause      json.RawMessage `json:"cause,omitempty"`
	StatusCode int             `json:"-"`
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("engine error %d (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// TransportError wraps connection, timeout and stream failures. No usable response
// was received when it is returned.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is an APIError for a missing job or a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound || apiErr.Code == UnknownJobError
}

// unknownError builds the fallback error for bodies that carry no usable error document.
func unknownError(status int, detail string) *APIError {
	return &APIError{
		Code:       UnknownError,
		Message:    fmt.Sprintf("unknown error: server returned %d %s%s", status, http.StatusText(status), detail),
		StatusCode: status,
	}
}

// parseAPIError decodes the error document of a failed response.
func parseAPIError(status int, body []byte) *APIError {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return unknownError(status, " with an empty body")
	}

	var apiErr APIError
	if err := json.Unmarshal(trimmed, &apiErr); err != nil || (apiErr.Code == UnknownError && apiErr.Message == "") {
		return unknownError(status, fmt.Sprintf(": %s", snippet(trimmed)))
	}
	apiErr.StatusCode = status
	return &apiErr
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
