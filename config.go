package dualmailer

import (
	"fmt"
	netmail "net/mail"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattiq/dualmailer/internal/core"
	"github.com/lattiq/dualmailer/internal/pool"
)

// Config holds the complete mailer configuration. It is read once by New
// and never modified afterwards.
type Config struct {
	// SMTP configures an SMTP relay. Host and Port select it; User and
	// Password, given together, enable authentication and session pooling.
	SMTP SMTPConfig

	// Mailgun configures the Mailgun HTTP API.
	Mailgun MailgunConfig

	// From is the default sender. When empty it is noreply@ the SMTP host
	// or the Mailgun domain, whichever backend is selected.
	From string

	// Development disables the background sweep and TLS enforcement and
	// logs the full content of messages that finally fail.
	Development bool

	// Retry contains retry policy configuration.
	Retry RetryConfig

	// RateLimit contains the pooling and rate limiting parameters of
	// authenticated SMTP.
	RateLimit RateLimitConfig

	// Lifecycle contains transporter refresh and timeout thresholds.
	Lifecycle LifecycleConfig

	// Templates contains template engine configuration.
	Templates TemplateConfig

	// Logger receives all library logs. Nil means the default zerolog logger.
	Logger Logger

	// Silent discards all logs.
	Silent bool

	clock          clockwork.Clock
	factory        core.TransportFactory
	tracerProvider trace.TracerProvider
}

// SMTPConfig contains SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// MailgunConfig contains Mailgun API settings.
type MailgunConfig struct {
	APIKey string
	Domain string

	// BaseURL overrides the API endpoint, e.g. https://api.eu.mailgun.net.
	BaseURL string
}

// RetryConfig contains retry policy configuration. Retries are disabled
// while MaxRetries is zero.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryDelay is the delay before the first retry; it doubles for each
	// subsequent retry.
	RetryDelay time.Duration

	// RetryableErrors restricts retries to errors whose message contains one
	// of these substrings. Empty means every failure is retried.
	RetryableErrors []string
}

// RateLimitConfig contains the authenticated SMTP limits. Zero fields take
// the defaults.
type RateLimitConfig struct {
	// MaxConnections bounds concurrent SMTP sessions (default 5).
	MaxConnections int

	// MaxMessages is the number of messages per session before it is
	// recycled (default 200).
	MaxMessages int

	// RateDelta is the rate window (default 1s).
	RateDelta time.Duration

	// RateLimit is the maximum number of messages per window (default 5).
	RateLimit int
}

// LifecycleConfig contains transporter refresh thresholds and timeouts.
// Zero fields take the defaults.
type LifecycleConfig struct {
	// MaxAge is the age after which a transporter is replaced (default 30m).
	MaxAge time.Duration

	// MaxIdle is the idle time after which a transporter is replaced (default 15m).
	MaxIdle time.Duration

	// MaxEmails is the email count above which a transporter is replaced (default 1000).
	MaxEmails int

	// MaxFailures is the consecutive failure count at which a transporter
	// is replaced (default 3).
	MaxFailures int

	// SweepInterval is how often stale transporters are evicted (default 5m).
	SweepInterval time.Duration

	// ConnectTimeout bounds the handshake and the verification, each (default 5s).
	ConnectTimeout time.Duration

	// CloseTimeout bounds a close before it is abandoned with a warning (default 5s).
	CloseTimeout time.Duration
}

// TemplateConfig contains template engine configuration.
type TemplateConfig struct {
	// Directory is the path to the directory containing email templates.
	Directory string

	// Extension is the file extension for template files (default: ".html", ".txt").
	Extension []string

	// AllowUnsafeFunctions enables unsafe template functions that bypass auto-escaping.
	// WARNING: Only enable this if you trust all template content completely.
	AllowUnsafeFunctions bool
}

// Default pooling parameters for authenticated SMTP.
const (
	DefaultMaxConnections = 5
	DefaultMaxMessages    = 200
	DefaultRateDelta      = time.Second
	DefaultRateLimit      = 5
)

// DefaultConfig returns a configuration with the default thresholds filled in.
// A backend still has to be configured.
func DefaultConfig() Config {
	d := pool.DefaultSettings()
	return Config{
		RateLimit: RateLimitConfig{
			MaxConnections: DefaultMaxConnections,
			MaxMessages:    DefaultMaxMessages,
			RateDelta:      DefaultRateDelta,
			RateLimit:      DefaultRateLimit,
		},
		Lifecycle: LifecycleConfig{
			MaxAge:         d.MaxAge,
			MaxIdle:        d.MaxIdle,
			MaxEmails:      d.MaxEmails,
			MaxFailures:    d.MaxFailures,
			SweepInterval:  d.SweepInterval,
			ConnectTimeout: d.ConnectTimeout,
			CloseTimeout:   d.CloseTimeout,
		},
		Templates: TemplateConfig{
			Extension: []string{".html", ".txt"},
		},
	}
}

// Validate checks if the configuration is valid and complete.
func (c *Config) Validate() error {
	s, m := c.SMTP, c.Mailgun

	if s.Host != "" && s.Port == 0 {
		return NewValidationError("smtp.port", "port is required when host is set")
	}
	if s.Port != 0 && s.Host == "" {
		return NewValidationError("smtp.host", "host is required when port is set")
	}
	if s.Port < 0 || s.Port > 65535 {
		return NewValidationError("smtp.port", fmt.Sprintf("invalid port number: %d", s.Port))
	}
	if s.User != "" && s.Password == "" {
		return NewValidationError("smtp.password", "password is required when user is set")
	}
	if s.Password != "" && s.User == "" {
		return NewValidationError("smtp.user", "user is required when password is set")
	}
	if s.User != "" && s.Host == "" {
		return NewValidationError("smtp.host", "credentials require a host")
	}

	if m.APIKey != "" && m.Domain == "" {
		return NewValidationError("mailgun.domain", "domain is required when api key is set")
	}
	if m.Domain != "" && m.APIKey == "" {
		return NewValidationError("mailgun.api_key", "api key is required when domain is set")
	}
	if m.BaseURL != "" && m.APIKey == "" {
		return NewValidationError("mailgun.base_url", "base url requires api key and domain")
	}

	if !c.hasSMTP() && !c.hasMailgun() {
		return NewValidationError("config", "either SMTP (host and port) or Mailgun (api key and domain) must be configured")
	}

	if c.From != "" {
		if _, err := netmail.ParseAddress(c.From); err != nil {
			return NewValidationError("from", "invalid default sender: "+err.Error())
		}
	}

	if c.Retry.MaxRetries < 0 {
		return NewValidationError("retry.max_retries", "max retries must not be negative")
	}
	if c.Retry.RetryDelay < 0 {
		return NewValidationError("retry.retry_delay", "retry delay must not be negative")
	}

	r := c.RateLimit
	if r.MaxConnections < 0 || r.MaxMessages < 0 || r.RateLimit < 0 || r.RateDelta < 0 {
		return NewValidationError("rate_limit", "rate limit values must not be negative")
	}

	l := c.Lifecycle
	if l.MaxAge < 0 || l.MaxIdle < 0 || l.MaxEmails < 0 || l.MaxFailures < 0 ||
		l.SweepInterval < 0 || l.ConnectTimeout < 0 || l.CloseTimeout < 0 {
		return NewValidationError("lifecycle", "lifecycle values must not be negative")
	}

	return nil
}

func (c *Config) hasSMTP() bool {
	return c.SMTP.Host != "" && c.SMTP.Port != 0
}

func (c *Config) hasMailgun() bool {
	return c.Mailgun.APIKey != "" && c.Mailgun.Domain != ""
}

// defaultFrom returns the sender used when a message has none.
func (c *Config) defaultFrom(b Backend) string {
	if c.From != "" {
		return c.From
	}
	if b.Kind == core.BackendMailgun {
		return "noreply@" + b.Domain
	}
	return "noreply@" + b.Host
}

func (r RateLimitConfig) settings() core.PoolSettings {
	s := core.PoolSettings{
		MaxConnections: DefaultMaxConnections,
		MaxMessages:    DefaultMaxMessages,
		RateDelta:      DefaultRateDelta,
		RateLimit:      DefaultRateLimit,
	}
	if r.MaxConnections > 0 {
		s.MaxConnections = r.MaxConnections
	}
	if r.MaxMessages > 0 {
		s.MaxMessages = r.MaxMessages
	}
	if r.RateDelta > 0 {
		s.RateDelta = r.RateDelta
	}
	if r.RateLimit > 0 {
		s.RateLimit = r.RateLimit
	}
	return s
}

func (l LifecycleConfig) settings() pool.Settings {
	s := pool.DefaultSettings()
	if l.MaxAge > 0 {
		s.MaxAge = l.MaxAge
	}
	if l.MaxIdle > 0 {
		s.MaxIdle = l.MaxIdle
	}
	if l.MaxEmails > 0 {
		s.MaxEmails = l.MaxEmails
	}
	if l.MaxFailures > 0 {
		s.MaxFailures = l.MaxFailures
	}
	if l.SweepInterval > 0 {
		s.SweepInterval = l.SweepInterval
	}
	if l.ConnectTimeout > 0 {
		s.ConnectTimeout = l.ConnectTimeout
	}
	if l.CloseTimeout > 0 {
		s.CloseTimeout = l.CloseTimeout
	}
	return s
}
