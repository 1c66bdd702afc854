package dualmailer

import "github.com/lattiq/dualmailer/internal/core"

// Type aliases to re-export the backend descriptor.
type (
	Backend      = core.Backend
	BackendKind  = core.BackendKind
	PoolSettings = core.PoolSettings
)

// Backend kinds.
const (
	BackendSMTPPlain         = core.BackendSMTPPlain
	BackendSMTPAuthenticated = core.BackendSMTPAuthenticated
	BackendMailgun           = core.BackendMailgun
)

// SelectBackend resolves the configuration into a single backend. SMTP is
// preferred when both SMTP and Mailgun are configured. An invalid
// configuration yields an EMAIL_CONFIG_ERROR wrapping a *ValidationError.
func SelectBackend(cfg Config) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return Backend{}, core.NewConfigError(err)
	}

	if cfg.hasSMTP() {
		b := Backend{
			Kind:        core.BackendSMTPPlain,
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Development: cfg.Development,
		}
		if cfg.SMTP.User != "" && cfg.SMTP.Password != "" {
			b.Kind = core.BackendSMTPAuthenticated
			b.User = cfg.SMTP.User
			b.Password = cfg.SMTP.Password
			b.Pool = cfg.RateLimit.settings()
		}
		return b, nil
	}

	return Backend{
		Kind:        core.BackendMailgun,
		APIKey:      cfg.Mailgun.APIKey,
		Domain:      cfg.Mailgun.Domain,
		BaseURL:     cfg.Mailgun.BaseURL,
		Development: cfg.Development,
	}, nil
}
