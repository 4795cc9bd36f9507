package core

import (
	"errors"
	"fmt"
	"net/url"
)

// Error represents a call-client error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`

	// StatusCode and Body are set for server errors.
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`

	// Op and URL are set for transport errors.
	Op  string `json:"op,omitempty"`
	URL string `json:"url,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	switch {
	case e.StatusCode != 0 && e.Body != "":
		msg = fmt.Sprintf("%s (status %d, body %q)", msg, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Op != "" && e.URL != "" {
		msg = fmt.Sprintf("%s during %s %s", msg, e.Op, redactURLUserInfo(e.URL))
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrConfiguration  ErrorType = "configuration_error"
	ErrRequestBuild   ErrorType = "request_build_error"
	ErrTransport      ErrorType = "transport_error"
	ErrServer         ErrorType = "server_error"
	ErrDecoding       ErrorType = "decoding_error"
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNoSession      ErrorType = "no_session_error"
)

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string) *Error {
	return &Error{
		Type:    ErrConfiguration,
		Message: message,
	}
}

// NewRequestBuildError creates a request build error.
func NewRequestBuildError(message string, err error) *Error {
	return &Error{
		Type:    ErrRequestBuild,
		Message: message,
		Err:     err,
	}
}

// NewTransportError creates a transport error for a failed op against url.
func NewTransportError(op, rawURL string, err error) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: "request failed",
		Op:      op,
		URL:     rawURL,
		Err:     err,
	}
}

// NewServerError creates a server error carrying the response status and raw body.
func NewServerError(statusCode int, body string) *Error {
	return &Error{
		Type:       ErrServer,
		Message:    "unexpected response status",
		StatusCode: statusCode,
		Body:       body,
	}
}

// NewDecodingError creates a decoding error.
func NewDecodingError(message string, err error) *Error {
	return &Error{
		Type:    ErrDecoding,
		Message: message,
		Err:     err,
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewNoSessionError reports an operation that needs an active call.
func NewNoSessionError(op string) *Error {
	return &Error{
		Type:    ErrNoSession,
		Message: op + " requires an active call",
	}
}

// IsType reports whether err is (or wraps) a *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == t
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
