// Package providers builds transporters for each backend kind.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lattiq/dualmailer/internal/core"
	"github.com/lattiq/dualmailer/internal/providers/mailgun"
	"github.com/lattiq/dualmailer/internal/providers/smtp"
	"github.com/lattiq/dualmailer/internal/ratelimit"
)

// NewFactory returns the default core.TransportFactory. SMTP backends get a
// pooled go-mail transporter whose commands time out after timeout;
// Mailgun backends an HTTP API transporter.
func NewFactory(clock clockwork.Clock, timeout time.Duration) core.TransportFactory {
	limiters := ratelimit.NewRegistry(clock)
	return func(ctx context.Context, backend core.Backend) (core.Transporter, error) {
		switch backend.Kind {
		case core.BackendSMTPPlain, core.BackendSMTPAuthenticated:
			t, err := smtp.New(ctx, backend, smtp.WithClock(clock), smtp.WithTimeout(timeout), smtp.WithLimiters(limiters))
			if err != nil {
				return nil, err
			}
			return t, nil
		case core.BackendMailgun:
			t, err := mailgun.New(backend)
			if err != nil {
				return nil, err
			}
			return t, nil
		default:
			return nil, fmt.Errorf("unsupported backend: %s", backend.Kind)
		}
	}
}
