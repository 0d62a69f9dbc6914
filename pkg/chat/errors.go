package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// Error code constants for the failure kinds a conversation call can report.
const (
	ErrCodeConfiguration = "configuration_error"
	ErrCodeTransport     = "transport_error"
	ErrCodeProtocol      = "protocol_error"
	ErrCodeTimeout       = "timeout"
	ErrCodeCanceled      = "canceled"
)

// Error is a typed failure from the conversation client.
// Use the IsXxx helpers below to classify errors without inspecting fields.
type Error struct {
	Code    string // One of the ErrCode* constants.
	Message string // Human-readable description.

	// Populated for ErrCodeTransport only.
	StatusCode int
	StatusText string
	Body       string // Raw response body text.

	Err error // Underlying error (may be nil).
}

func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s %d: %s", e.Message, e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed error.
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewTransportError creates an error for a non-success HTTP response.
func NewTransportError(statusCode int, statusText, body string) *Error {
	if statusText == "" {
		statusText = http.StatusText(statusCode)
	}
	return &Error{
		Code:       ErrCodeTransport,
		Message:    "completion request failed",
		StatusCode: statusCode,
		StatusText: statusText,
		Body:       body,
	}
}

// IsConfigurationError reports whether err is a configuration failure.
func IsConfigurationError(err error) bool {
	return hasCode(err, ErrCodeConfiguration)
}

// IsTransportError reports whether err is a non-success HTTP response.
func IsTransportError(err error) bool {
	return hasCode(err, ErrCodeTransport)
}

// IsProtocolError reports whether err is a malformed or unexpected payload.
func IsProtocolError(err error) bool {
	return hasCode(err, ErrCodeProtocol)
}

// IsTimeoutError reports whether err is an elapsed deadline.
func IsTimeoutError(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsCanceledError reports whether err is an explicit cancellation.
func IsCanceledError(err error) bool {
	return hasCode(err, ErrCodeCanceled)
}

// IsRateLimited reports whether err is a transport error with status 429.
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeTransport && e.StatusCode == http.StatusTooManyRequests
}

func hasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
