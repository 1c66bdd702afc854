package smtp

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wneessen/go-mail"

	"github.com/lattiq/dualmailer/internal/core"
	"github.com/lattiq/dualmailer/internal/ratelimit"
)

// DefaultTimeout is the per-command timeout of an SMTP session.
const DefaultTimeout = 15 * time.Second

var errClosed = errors.New("smtp: transporter closed")

// client is the part of *mail.Client a session uses.
type client interface {
	DialWithContext(ctx context.Context) error
	Send(msgs ...*mail.Msg) error
	Reset() error
	Close() error
}

type session struct {
	client client
	sent   int
}

// Option configures a Transporter.
type Option func(*Transporter)

// WithClock sets the clock used by the rate window.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Transporter) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithTimeout sets the per-command timeout of each session.
func WithTimeout(d time.Duration) Option {
	return func(t *Transporter) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithLimiters takes the transporter's limiter from r, keyed by backend, so a
// replacement transporter continues the rate window of the one it replaces.
func WithLimiters(r *ratelimit.Registry) Option {
	return func(t *Transporter) {
		t.limiters = r
	}
}

func withClientFactory(f func() (client, error)) Option {
	return func(t *Transporter) {
		t.newClient = f
	}
}

// Transporter implements core.Transporter over a set of SMTP sessions.
// Authenticated backends get up to Pool.MaxConnections sessions, each
// recycled after Pool.MaxMessages messages, and a send rate window.
// Plain backends use a single session and no rate window.
type Transporter struct {
	backend     core.Backend
	clock       clockwork.Clock
	timeout     time.Duration
	limiter     *ratelimit.Limiter
	limiters    *ratelimit.Registry
	rateLimited bool
	newClient   func() (client, error)

	mu     sync.Mutex
	idle   []*session
	closed atomic.Bool
	broken atomic.Bool
}

// New creates a transporter for an SMTP backend and performs the initial
// handshake (connect, EHLO, STARTTLS, AUTH) on its first session.
func New(ctx context.Context, backend core.Backend, opts ...Option) (*Transporter, error) {
	if backend.Host == "" {
		return nil, core.NewValidationError("host", "SMTP host is required")
	}
	if backend.Port <= 0 || backend.Port > 65535 {
		return nil, core.NewValidationError("port", fmt.Sprintf("invalid port number: %d", backend.Port))
	}

	t := &Transporter{
		backend: backend,
		clock:   clockwork.NewRealClock(),
		timeout: DefaultTimeout,
	}
	t.newClient = t.mailClient
	for _, opt := range opts {
		opt(t)
	}

	settings := core.PoolSettings{MaxConnections: 1}
	if backend.Kind == core.BackendSMTPAuthenticated {
		settings = backend.Pool
		t.rateLimited = true
	}
	if t.limiters != nil {
		t.limiter = t.limiters.For(backend.Key(), settings)
	} else {
		t.limiter = ratelimit.New(settings, t.clock)
	}

	s, err := t.take(ctx)
	if err != nil {
		return nil, err
	}
	t.put(s)

	return t, nil
}

// Verify checks that a session answers NOOP and RSET.
func (t *Transporter) Verify(ctx context.Context) error {
	if t.closed.Load() {
		return errClosed
	}
	if err := t.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer t.limiter.Release()

	s, err := t.take(ctx)
	if err != nil {
		return err
	}
	if err := s.client.Reset(); err != nil {
		t.discard(s)
		return fmt.Errorf("smtp: verify %s: %w", t.backend.Address(), err)
	}
	t.put(s)
	return nil
}

// Send delivers the payload over a free session.
func (t *Transporter) Send(ctx context.Context, payload *core.Payload) error {
	if t.closed.Load() {
		return errClosed
	}

	msg, err := buildMessage(payload)
	if err != nil {
		return fmt.Errorf("smtp: invalid message: %w", err)
	}

	if t.rateLimited {
		if err := t.limiter.Allow(); err != nil {
			return fmt.Errorf("smtp: %w", err)
		}
	}

	if err := t.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer t.limiter.Release()

	s, err := t.take(ctx)
	if err != nil {
		return err
	}

	if err := s.client.Send(msg); err != nil {
		t.discard(s)
		return fmt.Errorf("smtp: send failed: %w", err)
	}

	s.sent++
	if t.limiter.Exhausted(s.sent) {
		t.discard(s)
	} else {
		t.put(s)
	}
	return nil
}

// Ready reports false once the transporter is closed or the relay refused a connection.
func (t *Transporter) Ready() bool {
	return !t.closed.Load() && !t.broken.Load()
}

// Close ends every idle session. Sessions in use are ended when they are returned.
func (t *Transporter) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	idle := t.idle
	t.idle = nil
	t.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// take returns an idle session or dials a new one.
func (t *Transporter) take(ctx context.Context) (*session, error) {
	t.mu.Lock()
	if n := len(t.idle); n > 0 {
		s := t.idle[n-1]
		t.idle = t.idle[:n-1]
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	c, err := t.newClient()
	if err != nil {
		return nil, fmt.Errorf("smtp: client setup: %w", err)
	}
	if err := c.DialWithContext(ctx); err != nil {
		t.broken.Store(true)
		return nil, fmt.Errorf("smtp: dial %s: %w", t.backend.Address(), err)
	}
	return &session{client: c}, nil
}

func (t *Transporter) put(s *session) {
	t.mu.Lock()
	if !t.closed.Load() {
		t.idle = append(t.idle, s)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	_ = s.client.Close()
}

func (t *Transporter) discard(s *session) {
	_ = s.client.Close()
}

func (t *Transporter) mailClient() (client, error) {
	b := t.backend
	opts := []mail.Option{
		mail.WithPort(b.Port),
		mail.WithTimeout(t.timeout),
	}

	switch {
	case b.Port == 465:
		opts = append(opts, mail.WithSSL())
	case b.Development:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	if b.Kind == core.BackendSMTPAuthenticated {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(b.User),
			mail.WithPassword(b.Password),
		)
	}

	c, err := mail.NewClient(b.Host, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// buildMessage converts a payload into a MIME message. With a text part the
// HTML is attached as the alternative.
func buildMessage(p *core.Payload) (*mail.Msg, error) {
	m := mail.NewMsg()

	if err := m.From(p.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}

	rcpts, err := netmail.ParseAddressList(p.To)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	to := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		to = append(to, r.String())
	}
	if err := m.To(to...); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}

	if p.ReplyTo != "" {
		if err := m.ReplyTo(p.ReplyTo); err != nil {
			return nil, fmt.Errorf("reply-to: %w", err)
		}
	}

	m.Subject(p.Subject)

	if p.Text != "" {
		m.SetBodyString(mail.TypeTextPlain, p.Text)
		m.AddAlternativeString(mail.TypeTextHTML, p.HTML)
	} else {
		m.SetBodyString(mail.TypeTextHTML, p.HTML)
	}

	return m, nil
}
