package dualmailer

import (
	"errors"
	"fmt"

	"github.com/lattiq/dualmailer/internal/core"
)

// Type aliases to re-export core error types for the public API.
type (
	EmailError      = core.EmailError
	ErrorCode       = core.ErrorCode
	ValidationError = core.ValidationError
)

// Error codes carried by EmailError.
const (
	CodeConfig     = core.CodeConfig
	CodeTransport  = core.CodeTransport
	CodeValidation = core.CodeValidation
	CodeSend       = core.CodeSend
	CodeConnection = core.CodeConnection
)

// Code sentinels. errors.Is(err, ErrSend) reports whether err is an
// EmailError with the EMAIL_SEND_ERROR code, whatever its message.
var (
	ErrConfiguration = &EmailError{Code: CodeConfig}
	ErrTransport     = &EmailError{Code: CodeTransport}
	ErrValidation    = &EmailError{Code: CodeValidation}
	ErrSend          = &EmailError{Code: CodeSend}
	ErrConnection    = &EmailError{Code: CodeConnection}
)

// Predefined sentinel errors for common cases.
var (
	// ErrClientClosed indicates the mailer has been destroyed.
	ErrClientClosed = core.ErrClientClosed

	// ErrRateLimited indicates the SMTP send window was full.
	ErrRateLimited = core.ErrRateLimited

	// ErrTimeout indicates a handshake or verification ran out of time.
	ErrTimeout = core.ErrTimeout

	// ErrTemplateNotFound indicates a requested template was not found.
	ErrTemplateNotFound = errors.New("template not found")
)

// Error constructor functions
var (
	NewValidationError = core.NewValidationError
	CodeOf             = core.CodeOf
)

// TemplateError represents an error in template processing.
type TemplateError struct {
	// Template is the name of the template that caused the error.
	Template string

	// Operation is the operation that failed (e.g., "parse", "render").
	Operation string

	// Message is the error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	return fmt.Sprintf("template error in %s during %s: %s", e.Template, e.Operation, e.Message)
}

// Unwrap returns the underlying error.
func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// NewTemplateError creates a new template error.
func NewTemplateError(template, operation, message string, cause error) *TemplateError {
	return &TemplateError{
		Template:  template,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}
