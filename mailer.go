package dualmailer

import (
	"context"

	"github.com/lattiq/dualmailer/internal/core"
)

// Type aliases to re-export core types for the public API.
type (
	Message     = core.Message
	HTMLContent = core.HTMLContent
	Logger      = core.Logger
	Level       = core.Level
)

// Log levels passed to a Logger.
const (
	LevelInfo  = core.LevelInfo
	LevelWarn  = core.LevelWarn
	LevelError = core.LevelError
)

// Public interfaces for the mailer library
type (
	// Mailer defines the email sending interface.
	// All methods are safe for concurrent use.
	Mailer interface {
		// SendMail validates, renders and dispatches a message, retrying per
		// the retry policy. Every failure is an *EmailError.
		SendMail(ctx context.Context, msg *Message) error

		// SendTemplate renders a registered template and sends the result.
		SendTemplate(ctx context.Context, req *TemplateRequest) error

		// Destroy stops background cleanup and closes every cached
		// transporter. It must be called before the process exits.
		Destroy() error
	}

	// TemplateEngine defines the interface for template rendering.
	TemplateEngine interface {
		// Render renders a template with the provided data.
		Render(name string, data any) (string, error)

		// RegisterTemplate registers a template with the given name and content.
		RegisterTemplate(name, content string) error

		// LoadTemplatesFromDir loads all templates from the specified directory.
		LoadTemplatesFromDir(dir string) error
	}
)

// TemplateRequest describes a templated email. The "<Template>.html"
// template is required; "<Template>.text" and "<Template>.subject" are
// used when registered.
type TemplateRequest struct {
	// Template is the base name of the registered templates.
	Template string

	To      string
	From    string
	ReplyTo string

	// Subject overrides the "<Template>.subject" template.
	Subject string

	// Title is the document title. It defaults to the subject.
	Title string

	// Style is extra CSS for the rendered document.
	Style string

	// Data is passed to every template.
	Data any
}
