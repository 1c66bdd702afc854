package dualmailer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattiq/dualmailer/internal/core"
	"github.com/lattiq/dualmailer/internal/logger"
	"github.com/lattiq/dualmailer/internal/pool"
	"github.com/lattiq/dualmailer/internal/providers"
)

// TransporterStat is a snapshot of one cached transporter.
type TransporterStat = pool.Stat

// Client implements the Mailer interface over a single selected backend.
// All methods are safe for concurrent use.
type Client struct {
	config     Config
	backend    Backend
	from       string
	pool       *pool.Pool
	supervisor *pool.Supervisor
	retry      *RetryPolicy
	templates  TemplateEngine
	log        core.Logger
	clock      clockwork.Clock
	tracer     trace.Tracer

	closed      atomic.Bool
	destroyed   chan struct{}
	destroyOnce sync.Once
}

var _ Mailer = (*Client)(nil)

// New creates a new email client with the given configuration.
// The client must be destroyed when no longer needed to release connections.
func New(config Config, opts ...Option) (*Client, error) {
	// Apply functional options
	for _, opt := range opts {
		opt(&config)
	}

	log := newLogger(config)

	backend, err := SelectBackend(config)
	if err != nil {
		log(core.LevelError, "invalid mailer configuration", map[string]any{"error": err.Error()})
		return nil, err
	}

	templates, err := NewTemplateEngine(config.Templates)
	if err != nil {
		err = core.NewConfigError(err)
		log(core.LevelError, "invalid mailer configuration", map[string]any{"error": err.Error()})
		return nil, err
	}

	clock := config.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	settings := config.Lifecycle.settings()

	factory := config.factory
	if factory == nil {
		factory = providers.NewFactory(clock, settings.ConnectTimeout)
	}

	tp := config.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	c := &Client{
		config:    config,
		backend:   backend,
		from:      config.defaultFrom(backend),
		retry:     NewRetryPolicy(config.Retry),
		templates: templates,
		log:       log,
		clock:     clock,
		tracer:    tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(Version)),
		destroyed: make(chan struct{}),
		pool: pool.New(factory,
			pool.WithClock(clock),
			pool.WithLogger(log),
			pool.WithSettings(settings),
		),
	}

	c.supervisor = pool.NewSupervisor(c.pool)
	if !config.Development {
		c.supervisor.Start()
	}

	log(core.LevelInfo, "mailer initialized", map[string]any{
		"backend":     backend.Kind.String(),
		"key":         backend.Key(),
		"development": config.Development,
		"retry":       c.retry.Enabled(),
		"version":     Version,
	})

	return c, nil
}

func newLogger(config Config) core.Logger {
	switch {
	case config.Silent:
		return logger.Nop()
	case config.Logger != nil:
		return logger.Safe(config.Logger)
	default:
		return logger.Safe(logger.New(config.Development, nil))
	}
}

// Backend returns the selected backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// Templates returns the template engine used by SendTemplate.
func (c *Client) Templates() TemplateEngine {
	return c.templates
}

// Stats returns a snapshot of the cached transporters.
func (c *Client) Stats() []TransporterStat {
	return c.pool.Stats()
}

// SendMail validates msg, renders it and dispatches it through a pooled
// transporter, retrying according to the retry policy.
func (c *Client) SendMail(ctx context.Context, msg *Message) error {
	sendID := uuid.NewString()

	ctx, span := c.tracer.Start(ctx, "dualmailer.Client.SendMail",
		trace.WithAttributes(
			attribute.String("mailer.send_id", sendID),
			attribute.String("mailer.backend", c.backend.Kind.String()),
		),
	)
	defer span.End()

	if c.closed.Load() {
		err := core.NewEmailError(core.CodeTransport, "mailer has been destroyed", ErrClientClosed)
		fail(span, err, "mailer destroyed")
		return err
	}

	if err := msg.Validate(); err != nil {
		verr := core.NewEmailError(core.CodeValidation, err.Error(), err)
		c.log(core.LevelWarn, "email validation failed", map[string]any{
			"send_id": sendID,
			"error":   err.Error(),
		})
		fail(span, verr, "validation failed")
		return verr
	}

	payload := c.render(msg)
	span.SetAttributes(
		attribute.String("mailer.to", payload.To),
		attribute.String("mailer.subject", payload.Subject),
	)

	attempt := 0
	var lastErr error
	for {
		attempt++
		c.log(core.LevelInfo, "sending email", map[string]any{
			"send_id": sendID,
			"attempt": attempt,
			"backend": c.backend.Kind.String(),
		})

		lastErr = c.dispatch(ctx, payload)
		if lastErr == nil {
			c.log(core.LevelInfo, "email sent", map[string]any{
				"send_id":  sendID,
				"attempts": attempt,
			})
			span.SetAttributes(attribute.Int("mailer.attempts", attempt))
			span.SetStatus(codes.Ok, "email sent successfully")
			return nil
		}

		if !c.retry.ShouldRetry(attempt, lastErr) {
			break
		}

		delay := c.retry.Delay(attempt)
		c.log(core.LevelWarn, "retrying email send", map[string]any{
			"send_id": sendID,
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   lastErr.Error(),
		})
		if err := c.sleep(ctx, delay); err != nil {
			if errors.Is(err, ErrClientClosed) {
				lastErr = core.NewEmailError(core.CodeTransport, "mailer destroyed during retry backoff", err)
			} else {
				lastErr = fmt.Errorf("%w; retry aborted: %v", lastErr, err)
			}
			break
		}
	}

	err := finalError(attempt, lastErr)
	meta := map[string]any{
		"send_id":  sendID,
		"attempts": attempt,
		"error":    err.Error(),
	}
	if c.config.Development {
		meta["from"] = payload.From
		meta["to"] = payload.To
		meta["reply_to"] = payload.ReplyTo
		meta["subject"] = payload.Subject
		meta["text"] = payload.Text
		meta["html"] = payload.HTML
	}
	c.log(core.LevelError, "email send failed", meta)

	span.SetAttributes(attribute.Int("mailer.attempts", attempt))
	fail(span, err, "send failed")
	return err
}

// SendTemplate renders req's templates and sends the result with SendMail.
func (c *Client) SendTemplate(ctx context.Context, req *TemplateRequest) error {
	ctx, span := c.tracer.Start(ctx, "dualmailer.Client.SendTemplate")
	defer span.End()

	if req == nil {
		err := core.NewEmailError(core.CodeValidation, "template request is required", nil)
		fail(span, err, "validation failed")
		return err
	}
	span.SetAttributes(attribute.String("mailer.template.name", req.Template))

	body, err := c.templates.Render(req.Template+".html", req.Data)
	if err != nil {
		verr := core.NewEmailError(core.CodeValidation, "failed to render HTML body: "+err.Error(), err)
		fail(span, verr, "HTML template render failed")
		return verr
	}

	text, err := c.optionalTemplate(req.Template+".text", req.Data)
	if err != nil {
		fail(span, err, "text template render failed")
		return err
	}

	subject := req.Subject
	if subject == "" {
		if subject, err = c.optionalTemplate(req.Template+".subject", req.Data); err != nil {
			fail(span, err, "subject template render failed")
			return err
		}
	}

	title := req.Title
	if title == "" {
		title = subject
	}

	return c.SendMail(ctx, &Message{
		To:      req.To,
		From:    req.From,
		ReplyTo: req.ReplyTo,
		Subject: subject,
		Text:    text,
		HTML: HTMLContent{
			Title: title,
			Style: req.Style,
			Body:  body,
		},
	})
}

func (c *Client) optionalTemplate(name string, data any) (string, error) {
	out, err := c.templates.Render(name, data)
	if errors.Is(err, ErrTemplateNotFound) {
		return "", nil
	}
	if err != nil {
		return "", core.NewEmailError(core.CodeValidation, "failed to render "+name+": "+err.Error(), err)
	}
	return out, nil
}

// Destroy stops the background sweep and closes every cached transporter.
// Later calls do nothing; later sends fail with ErrClientClosed.
func (c *Client) Destroy() error {
	c.destroyOnce.Do(func() {
		c.closed.Store(true)
		close(c.destroyed)
		c.supervisor.Stop()
		n := c.pool.Len()
		c.pool.Drain()
		c.log(core.LevelInfo, "mailer destroyed", map[string]any{"closed_transporters": n})
	})
	return nil
}

// dispatch runs one attempt: acquire, send, record the outcome.
func (c *Client) dispatch(ctx context.Context, payload *core.Payload) error {
	t, err := c.pool.Acquire(ctx, c.backend)
	if err != nil {
		return err
	}

	err = t.Send(ctx, payload)
	c.pool.Release(c.backend.Key(), t, err == nil)
	return err
}

func (c *Client) render(msg *Message) *core.Payload {
	from := msg.From
	if from == "" {
		from = c.from
	}
	return &core.Payload{
		From:    from,
		To:      msg.To,
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    RenderHTML(msg.HTML),
	}
}

// sleep waits d on the client clock. It returns early when ctx is done or
// the client is destroyed.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := c.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.destroyed:
		return ErrClientClosed
	}
}

// finalError builds the error returned once no retry is left. Acquisition
// failures keep their transport or connection code; anything else is a
// send error.
func finalError(attempts int, err error) error {
	code := core.CodeSend
	cause := err.Error()

	var ee *EmailError
	if errors.As(err, &ee) {
		if ee.Code == core.CodeTransport || ee.Code == core.CodeConnection {
			code = ee.Code
		}
		cause = ee.Message
		if ee != err {
			// keep context added around the EmailError, e.g. an aborted retry
			cause = err.Error()
		}
	}

	return core.NewEmailError(code, fmt.Sprintf("failed to send email after %d attempt(s): %s", attempts, cause), err)
}

func fail(span trace.Span, err error, status string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
}
