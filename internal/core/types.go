package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Transporter is a live, reusable connection bound to one backend.
// Implementations must be safe for concurrent use; Send may be called
// from several goroutines sharing the same cached transporter.
type Transporter interface {
	// Verify checks that the backend is reachable and ready to accept mail.
	Verify(ctx context.Context) error

	// Send dispatches a rendered payload.
	Send(ctx context.Context, payload *Payload) error

	// Ready reports whether the transporter can still be used.
	// A transporter that reports false is replaced on the next acquire.
	Ready() bool

	// Close releases the underlying connections.
	Close() error
}

// TransportFactory creates a transporter for a backend, performing the
// initial handshake. The pool bounds the call with a timeout.
type TransportFactory func(ctx context.Context, backend Backend) (Transporter, error)

// BackendKind identifies which transport a Backend describes.
type BackendKind int

const (
	// BackendSMTPPlain is an SMTP relay without authentication.
	BackendSMTPPlain BackendKind = iota + 1

	// BackendSMTPAuthenticated is an SMTP relay with AUTH and connection pooling.
	BackendSMTPAuthenticated

	// BackendMailgun is the hosted Mailgun HTTP API.
	BackendMailgun
)

// String returns the string representation of the backend kind.
func (k BackendKind) String() string {
	switch k {
	case BackendSMTPPlain:
		return "smtp"
	case BackendSMTPAuthenticated:
		return "smtp_auth"
	case BackendMailgun:
		return "mailgun"
	default:
		return "unknown"
	}
}

// PoolSettings holds the connection pooling and rate limiting parameters
// applied to authenticated SMTP backends.
type PoolSettings struct {
	// MaxConnections bounds concurrent SMTP sessions.
	MaxConnections int

	// MaxMessages is the number of messages sent over one session before it is recycled.
	MaxMessages int

	// RateDelta is the length of the rate window.
	RateDelta time.Duration

	// RateLimit is the maximum number of messages per RateDelta.
	RateLimit int
}

// Backend is the resolved transport choice plus its connection parameters.
// Only the fields relevant to Kind are populated.
type Backend struct {
	Kind BackendKind

	// SMTP
	Host     string
	Port     int
	User     string
	Password string
	Pool     PoolSettings

	// Mailgun
	APIKey  string
	Domain  string
	BaseURL string

	// Development relaxes TLS enforcement for SMTP.
	Development bool
}

// Key returns the cache key identifying the backend. Secrets are never part of it.
func (b Backend) Key() string {
	switch b.Kind {
	case BackendSMTPAuthenticated:
		return "smtp://" + b.User + "@" + b.Address()
	case BackendSMTPPlain:
		return "smtp://" + b.Address()
	case BackendMailgun:
		return "mailgun://" + b.Domain
	default:
		return "default"
	}
}

// Address returns host:port for SMTP backends.
func (b Backend) Address() string {
	return b.Host + ":" + strconv.Itoa(b.Port)
}

// String implements fmt.Stringer without exposing credentials.
func (b Backend) String() string {
	return b.Kind.String() + "(" + b.Key() + ")"
}

// HTMLContent is the structured HTML part of a message.
type HTMLContent struct {
	Title string `json:"title"`           // Document title (required)
	Style string `json:"style,omitempty"` // Extra CSS (optional)
	Body  string `json:"body"`            // Body fragment, inserted verbatim (required)
}

// Message is a send request as supplied by the caller.
type Message struct {
	To      string      `json:"to"`
	Subject string      `json:"subject"`
	Text    string      `json:"text,omitempty"`
	From    string      `json:"from,omitempty"`
	HTML    HTMLContent `json:"html"`
	ReplyTo string      `json:"reply_to,omitempty"`
}

// Validate checks that all mandatory fields are present.
func (m *Message) Validate() error {
	if m == nil {
		return &ValidationError{Field: "message", Message: "message is required"}
	}

	if strings.TrimSpace(m.To) == "" {
		return &ValidationError{Field: "to", Message: "recipient is required"}
	}

	if strings.TrimSpace(m.Subject) == "" {
		return &ValidationError{Field: "subject", Message: "subject is required"}
	}

	if strings.TrimSpace(m.HTML.Title) == "" {
		return &ValidationError{Field: "html.title", Message: "html title is required"}
	}

	if strings.TrimSpace(m.HTML.Body) == "" {
		return &ValidationError{Field: "html.body", Message: "html body is required"}
	}

	return nil
}

// Payload is the rendered message handed to a transporter.
type Payload struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	Text    string
	HTML    string
}

// Level is a log level understood by Logger.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Logger is the logging capability consumed by the library.
// Metadata passed to a Logger never contains secret fields.
type Logger func(level Level, msg string, meta map[string]any)

// ValidationError represents a validation error with specific field information.
type ValidationError struct {
	// Field is the name of the field that failed validation.
	Field string

	// Message is the validation error message.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// Is implements error matching for errors.Is.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
