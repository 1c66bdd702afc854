package dualmailer

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattiq/dualmailer/internal/core"
	"github.com/lattiq/dualmailer/internal/logger"
)

// Option is a functional option for configuring the mailer client.
type Option func(*Config)

// TransportFactory creates the transporter for a backend. Replacing it is
// mostly useful in tests.
type TransportFactory = core.TransportFactory

// Transporter is a live connection to a backend.
type Transporter = core.Transporter

// Payload is the rendered message handed to a Transporter.
type Payload = core.Payload

// WithSMTP configures an unauthenticated SMTP relay.
func WithSMTP(host string, port int) Option {
	return func(c *Config) {
		c.SMTP.Host = host
		c.SMTP.Port = port
	}
}

// WithSMTPAuth configures an authenticated SMTP relay.
func WithSMTPAuth(host string, port int, user, password string) Option {
	return func(c *Config) {
		c.SMTP = SMTPConfig{Host: host, Port: port, User: user, Password: password}
	}
}

// WithMailgun configures the Mailgun API.
func WithMailgun(apiKey, domain string) Option {
	return func(c *Config) {
		c.Mailgun.APIKey = apiKey
		c.Mailgun.Domain = domain
	}
}

// WithMailgunEU configures the Mailgun API in the EU region.
func WithMailgunEU(apiKey, domain string) Option {
	return func(c *Config) {
		c.Mailgun = MailgunConfig{APIKey: apiKey, Domain: domain, BaseURL: "https://api.eu.mailgun.net"}
	}
}

// WithFrom sets the default sender.
func WithFrom(from string) Option {
	return func(c *Config) {
		c.From = from
	}
}

// WithDevelopment enables development mode.
func WithDevelopment() Option {
	return func(c *Config) {
		c.Development = true
	}
}

// WithLogger sets a custom logger. It receives redacted metadata only.
func WithLogger(l Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithSlog logs through a *slog.Logger.
func WithSlog(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = logger.FromSlog(l)
		}
	}
}

// WithZerolog logs through an existing zerolog.Logger.
func WithZerolog(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger.FromZerolog(l)
	}
}

// WithSilent discards all logs.
func WithSilent() Option {
	return func(c *Config) {
		c.Silent = true
	}
}

// WithRetry enables retries. With no retryable substrings every failure is retried.
func WithRetry(maxRetries int, delay time.Duration, retryableErrors ...string) Option {
	return func(c *Config) {
		c.Retry = RetryConfig{
			MaxRetries:      maxRetries,
			RetryDelay:      delay,
			RetryableErrors: retryableErrors,
		}
	}
}

// WithoutRetry disables retry functionality.
func WithoutRetry() Option {
	return func(c *Config) {
		c.Retry = RetryConfig{}
	}
}

// WithRateLimit sets the authenticated SMTP pooling and rate limits.
func WithRateLimit(rl RateLimitConfig) Option {
	return func(c *Config) {
		c.RateLimit = rl
	}
}

// WithLifecycle sets the transporter refresh thresholds and timeouts.
func WithLifecycle(lc LifecycleConfig) Option {
	return func(c *Config) {
		c.Lifecycle = lc
	}
}

// WithTemplates loads templates from directory at construction.
func WithTemplates(directory string) Option {
	return func(c *Config) {
		c.Templates.Directory = directory
	}
}

// WithClock replaces the clock driving ages, timeouts, backoff and the sweep.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Config) {
		c.clock = clock
	}
}

// WithTransportFactory replaces the factory that builds transporters.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Config) {
		c.factory = f
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.tracerProvider = tp
	}
}
