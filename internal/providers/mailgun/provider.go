package mailgun

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"sync/atomic"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/lattiq/dualmailer/internal/core"
)

var errClosed = errors.New("mailgun: transporter closed")

// Transporter implements core.Transporter for the Mailgun HTTP API.
type Transporter struct {
	client mailgun.Mailgun
	domain string
	closed atomic.Bool
}

// New creates a new Mailgun transporter.
func New(backend core.Backend) (*Transporter, error) {
	if backend.APIKey == "" {
		return nil, core.NewValidationError("api_key", "Mailgun API key is required")
	}
	if backend.Domain == "" {
		return nil, core.NewValidationError("domain", "Mailgun domain is required")
	}

	client := mailgun.NewMailgun(backend.Domain, backend.APIKey)

	// Set base URL if provided (for EU customers)
	if backend.BaseURL != "" {
		client.SetAPIBase(backend.BaseURL)
	}

	return &Transporter{
		client: client,
		domain: backend.Domain,
	}, nil
}

// Verify is a no-op: the HTTP client holds no connection state, and the
// API key is checked by the first send.
func (t *Transporter) Verify(context.Context) error {
	if t.closed.Load() {
		return errClosed
	}
	return nil
}

// Send sends a single email using Mailgun.
func (t *Transporter) Send(ctx context.Context, payload *core.Payload) error {
	if t.closed.Load() {
		return errClosed
	}

	rcpts, err := netmail.ParseAddressList(payload.To)
	if err != nil {
		return fmt.Errorf("mailgun: invalid recipient: %w", err)
	}

	// v4 API uses NewMessage as a standalone function
	message := mailgun.NewMessage(payload.From, payload.Subject, payload.Text, rcpts[0].String())
	for _, r := range rcpts[1:] {
		if err := message.AddRecipient(r.String()); err != nil {
			return fmt.Errorf("mailgun: failed to add recipient %s: %w", r.String(), err)
		}
	}

	message.SetHTML(payload.HTML)

	if payload.ReplyTo != "" {
		message.AddHeader("Reply-To", payload.ReplyTo)
	}

	if _, _, err := t.client.Send(ctx, message); err != nil {
		return fmt.Errorf("mailgun: send via %s failed: %w", t.domain, err)
	}
	return nil
}

// Ready reports whether the transporter is still open.
func (t *Transporter) Ready() bool {
	return !t.closed.Load()
}

// Close marks the transporter closed. There is nothing to release.
func (t *Transporter) Close() error {
	t.closed.Store(true)
	return nil
}
