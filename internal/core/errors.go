package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an EmailError so callers can branch on it.
type ErrorCode string

const (
	CodeConfig     ErrorCode = "EMAIL_CONFIG_ERROR"
	CodeTransport  ErrorCode = "EMAIL_TRANSPORT_ERROR"
	CodeValidation ErrorCode = "EMAIL_VALIDATION_ERROR"
	CodeSend       ErrorCode = "EMAIL_SEND_ERROR"
	CodeConnection ErrorCode = "EMAIL_CONNECTION_ERROR"
)

var (
	// ErrRateLimited is wrapped by transporters when the send window is full.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTimeout indicates a bounded operation did not finish in time.
	ErrTimeout = errors.New("operation timed out")

	// ErrClientClosed indicates the mailer has been destroyed.
	ErrClientClosed = errors.New("mailer destroyed")
)

// EmailError is the single error shape returned to callers.
type EmailError struct {
	// Code classifies the failure.
	Code ErrorCode

	// Message is a human readable description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *EmailError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("[%s] %v", e.Code, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *EmailError) Unwrap() error {
	return e.Err
}

// Is matches another EmailError with the same code, which lets the
// code-only sentinels be used with errors.Is.
func (e *EmailError) Is(target error) bool {
	t, ok := target.(*EmailError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// NewEmailError creates a new EmailError.
func NewEmailError(code ErrorCode, message string, err error) *EmailError {
	return &EmailError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewConfigError wraps a configuration problem.
func NewConfigError(err error) *EmailError {
	return NewEmailError(CodeConfig, "invalid mailer configuration: "+err.Error(), err)
}

// NewTransportError reports a failure to build a backend connection object.
func NewTransportError(message string, err error) *EmailError {
	if err != nil {
		message += ": " + err.Error()
	}
	return NewEmailError(CodeTransport, message, err)
}

// NewConnectionError reports a verify, handshake or timeout failure.
func NewConnectionError(message string, err error) *EmailError {
	if err != nil {
		message += ": " + err.Error()
	}
	return NewEmailError(CodeConnection, message, err)
}

// CodeOf returns the code of the first EmailError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ee *EmailError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
