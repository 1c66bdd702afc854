package dualmailer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransporter records payloads. sendFn decides the outcome of the n-th
// send (1-based) across the transporter's lifetime.
type fakeTransporter struct {
	sendFn     func(n int) error
	closeBlock chan struct{}

	sends  atomic.Int32
	closes atomic.Int32

	mu       sync.Mutex
	payloads []*Payload
}

func (f *fakeTransporter) Verify(context.Context) error { return nil }

func (f *fakeTransporter) Send(_ context.Context, p *Payload) error {
	n := int(f.sends.Add(1))
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(n)
	}
	return nil
}

func (f *fakeTransporter) Ready() bool { return true }

func (f *fakeTransporter) Close() error {
	f.closes.Add(1)
	if f.closeBlock != nil {
		<-f.closeBlock
	}
	return nil
}

func (f *fakeTransporter) last() *Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[len(f.payloads)-1]
}

// fakeFactory builds transporters and counts creations.
type fakeFactory struct {
	err   error
	build func() *fakeTransporter

	mu       sync.Mutex
	backends []Backend
	created  []*fakeTransporter
}

func (f *fakeFactory) factory(_ context.Context, b Backend) (Transporter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.backends = append(f.backends, b)
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransporter{}
	if f.build != nil {
		t = f.build()
	}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) get(i int) *fakeTransporter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

type logEntry struct {
	level Level
	msg   string
	meta  map[string]any
}

// captureLogger collects every log call.
type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *captureLogger) log(level Level, msg string, meta map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, logEntry{level: level, msg: msg, meta: meta})
}

func (c *captureLogger) find(msg string) (logEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func newTestClient(t *testing.T, f *fakeFactory, opts ...Option) *Client {
	t.Helper()

	base := []Option{
		WithSMTP("smtp.test", 25),
		WithTransportFactory(f.factory),
		WithSilent(),
	}
	c, err := New(DefaultConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy() })
	return c
}

func testMessage() *Message {
	return &Message{
		To:      "user@example.com",
		Subject: "Welcome",
		Text:    "Hello",
		HTML:    HTMLContent{Title: "Welcome", Body: "<p>Hello</p>"},
	}
}

func TestSendMail_ReusesTransporter(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	c := newTestClient(t, f)

	require.NoError(t, c.SendMail(context.Background(), testMessage()))
	require.NoError(t, c.SendMail(context.Background(), testMessage()))

	assert.Equal(t, 1, f.count())
	assert.EqualValues(t, 2, f.get(0).sends.Load())
}

func TestSendMail_RetriesAllowedErrors(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(n int) error {
			if n <= 2 {
				return errors.New("Temporary Error")
			}
			return nil
		}}
	}}
	c := newTestClient(t, f, WithRetry(3, 100*time.Millisecond, "Temporary Error"))

	start := time.Now()
	require.NoError(t, c.SendMail(context.Background(), testMessage()))

	assert.EqualValues(t, 3, f.get(0).sends.Load())
	assert.Equal(t, 1, f.count())
	// 100ms before the first retry, 200ms before the second
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestSendMail_NoRetryByDefault(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(int) error { return errors.New("Temporary Error") }}
	}}
	c := newTestClient(t, f)

	err := c.SendMail(context.Background(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSend)
	assert.Contains(t, err.Error(), "1 attempt(s)")
	assert.Contains(t, err.Error(), "Temporary Error")
	assert.EqualValues(t, 1, f.get(0).sends.Load())
}

func TestSendMail_RetryStopsOnUnlistedError(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(int) error { return errors.New("550 mailbox unavailable") }}
	}}
	c := newTestClient(t, f, WithRetry(3, time.Millisecond, "Temporary Error"))

	err := c.SendMail(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 attempt(s)")
	assert.EqualValues(t, 1, f.get(0).sends.Load())
}

func TestSendMail_RetryExhausted(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(int) error { return errors.New("timeout") }}
	}}
	c := newTestClient(t, f, WithRetry(2, time.Millisecond))

	err := c.SendMail(context.Background(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSend)
	assert.Contains(t, err.Error(), "3 attempt(s)")
}

func TestSendMail_MissingTitleSkipsAcquire(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	c := newTestClient(t, f)

	msg := testMessage()
	msg.HTML.Title = ""

	err := c.SendMail(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "html.title", verr.Field)
	assert.Equal(t, 0, f.count())
}

func TestSendMail_ValidationFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Message)
		field  string
	}{
		{name: "to", mutate: func(m *Message) { m.To = " " }, field: "to"},
		{name: "subject", mutate: func(m *Message) { m.Subject = "" }, field: "subject"},
		{name: "body", mutate: func(m *Message) { m.HTML.Body = "" }, field: "html.body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := &fakeFactory{}
			c := newTestClient(t, f)

			msg := testMessage()
			tt.mutate(msg)

			var verr *ValidationError
			require.ErrorAs(t, c.SendMail(context.Background(), msg), &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, 0, f.count())
		})
	}

	c := newTestClient(t, &fakeFactory{})
	assert.ErrorIs(t, c.SendMail(context.Background(), nil), ErrValidation)
}

func TestSendMail_RefreshAfterThreeFailures(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(int) error { return errors.New("421 try again later") }}
	}}
	c := newTestClient(t, f)

	for i := 0; i < 3; i++ {
		require.Error(t, c.SendMail(context.Background(), testMessage()))
	}
	assert.Equal(t, 1, f.count())

	require.Error(t, c.SendMail(context.Background(), testMessage()))
	assert.Equal(t, 2, f.count())
	assert.EqualValues(t, 1, f.get(0).closes.Load())
}

func TestSendMail_RefreshAfterEmailCeiling(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	c := newTestClient(t, f)

	for i := 0; i < 1001; i++ {
		require.NoError(t, c.SendMail(context.Background(), testMessage()))
	}
	assert.Equal(t, 1, f.count())

	require.NoError(t, c.SendMail(context.Background(), testMessage()))
	assert.Equal(t, 2, f.count())
}

func TestSendMail_AcquireFailureKeepsCode(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{err: errors.New("dial tcp: connection refused")}
	c := newTestClient(t, f)

	err := c.SendMail(context.Background(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "failed to send email after 1 attempt(s)")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSendMail_AcquireFailureIsRetried(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{err: errors.New("connection refused")}
	c := newTestClient(t, f, WithRetry(2, time.Millisecond))

	err := c.SendMail(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 attempt(s)")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.backends, 3)
}

func TestSendMail_RateLimitIsSendError(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(int) error { return fmt.Errorf("smtp: %w", ErrRateLimited) }}
	}}
	c := newTestClient(t, f, WithRetry(3, time.Millisecond, "Temporary Error"))

	err := c.SendMail(context.Background(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "rate limit exceeded")
	assert.EqualValues(t, 1, f.get(0).sends.Load())
}

func TestSendMail_RateLimitRetriedWhenListed(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(n int) error {
			if n == 1 {
				return fmt.Errorf("smtp: %w", ErrRateLimited)
			}
			return nil
		}}
	}}
	c := newTestClient(t, f, WithRetry(1, time.Millisecond, "rate limit exceeded"))

	require.NoError(t, c.SendMail(context.Background(), testMessage()))
	assert.EqualValues(t, 2, f.get(0).sends.Load())
}

func TestSendMail_BackoffHonorsContext(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(int) error { return errors.New("Temporary Error") }}
	}}
	c := newTestClient(t, f, WithRetry(3, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.SendMail(ctx, testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSend)
	assert.Contains(t, err.Error(), "retry aborted")
	assert.EqualValues(t, 1, f.get(0).sends.Load())
}

func TestSendMail_Payload(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	c := newTestClient(t, f)

	msg := testMessage()
	msg.ReplyTo = "support@example.com"
	require.NoError(t, c.SendMail(context.Background(), msg))

	p := f.get(0).last()
	assert.Equal(t, "noreply@smtp.test", p.From)
	assert.Equal(t, "user@example.com", p.To)
	assert.Equal(t, "support@example.com", p.ReplyTo)
	assert.Equal(t, "Hello", p.Text)
	assert.Equal(t, RenderHTML(msg.HTML), p.HTML)

	msg.From = "team@example.com"
	require.NoError(t, c.SendMail(context.Background(), msg))
	assert.Equal(t, "team@example.com", f.get(0).last().From)
}

func TestSendMail_ConfiguredFrom(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	c := newTestClient(t, f, WithFrom("hello@example.com"))

	require.NoError(t, c.SendMail(context.Background(), testMessage()))
	assert.Equal(t, "hello@example.com", f.get(0).last().From)
}

func TestNew_MailgunBackend(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	c, err := New(DefaultConfig(),
		WithMailgun("key-test", "mg.example.com"),
		WithTransportFactory(f.factory),
		WithSilent(),
	)
	require.NoError(t, err)
	defer c.Destroy()

	require.NoError(t, c.SendMail(context.Background(), testMessage()))

	assert.Equal(t, BackendMailgun, c.Backend().Kind)
	assert.Equal(t, "noreply@mg.example.com", f.get(0).last().From)
	require.Len(t, c.Stats(), 1)
	assert.Equal(t, "mailgun://mg.example.com", c.Stats()[0].Key)
}

func TestNew_InvalidConfiguration(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, WithSilent())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestNew_LogsConfigurationError(t *testing.T) {
	t.Parallel()

	logs := &captureLogger{}
	_, err := New(Config{}, WithLogger(logs.log))
	require.Error(t, err)

	_, ok := logs.find("invalid mailer configuration")
	assert.True(t, ok)
}

func TestDestroy_ClosesEachTransporterOnce(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	c := newTestClient(t, f)
	require.NoError(t, c.SendMail(context.Background(), testMessage()))

	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy())

	assert.EqualValues(t, 1, f.get(0).closes.Load())
	assert.Empty(t, c.Stats())

	err := c.SendMail(context.Background(), testMessage())
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestDestroy_CloseTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{closeBlock: block}
	}}
	c := newTestClient(t, f, WithLifecycle(LifecycleConfig{CloseTimeout: 20 * time.Millisecond}))
	require.NoError(t, c.SendMail(context.Background(), testMessage()))

	done := make(chan struct{})
	go func() {
		_ = c.Destroy()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("destroy blocked on a hanging close")
	}
	assert.EqualValues(t, 1, f.get(0).closes.Load())
}

func TestDestroy_DuringRetryBackoff(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(int) error { return errors.New("Temporary Error") }}
	}}
	c := newTestClient(t, f, WithRetry(1, time.Hour))

	errc := make(chan error, 1)
	go func() { errc <- c.SendMail(context.Background(), testMessage()) }()

	require.Eventually(t, func() bool {
		return f.count() == 1 && f.get(0).sends.Load() == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Destroy())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClientClosed)
		assert.ErrorIs(t, err, ErrTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("send still waiting on backoff after destroy")
	}

	assert.Equal(t, 1, f.count())
	assert.Empty(t, c.Stats())
	assert.EqualValues(t, 1, f.get(0).closes.Load())
	assert.EqualValues(t, 1, f.get(0).sends.Load())
}

func TestSendMail_DevelopmentLogsContent(t *testing.T) {
	t.Parallel()

	logs := &captureLogger{}
	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(int) error { return errors.New("relay down") }}
	}}
	c, err := New(DefaultConfig(),
		WithSMTP("smtp.test", 25),
		WithTransportFactory(f.factory),
		WithDevelopment(),
		WithLogger(logs.log),
	)
	require.NoError(t, err)
	defer c.Destroy()

	require.Error(t, c.SendMail(context.Background(), testMessage()))

	entry, ok := logs.find("email send failed")
	require.True(t, ok)
	assert.Equal(t, LevelError, entry.level)
	assert.Equal(t, "Hello", entry.meta["text"])
	assert.Contains(t, entry.meta["html"], "<p>Hello</p>")
	assert.Equal(t, "Welcome", entry.meta["subject"])
}

func TestSendMail_ProductionOmitsContent(t *testing.T) {
	t.Parallel()

	logs := &captureLogger{}
	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(int) error { return errors.New("relay down") }}
	}}
	c, err := New(DefaultConfig(),
		WithSMTP("smtp.test", 25),
		WithTransportFactory(f.factory),
		WithLogger(logs.log),
	)
	require.NoError(t, err)
	defer c.Destroy()

	require.Error(t, c.SendMail(context.Background(), testMessage()))

	entry, ok := logs.find("email send failed")
	require.True(t, ok)
	assert.NotContains(t, entry.meta, "html")
	assert.NotContains(t, entry.meta, "text")
}

func TestSendMail_LogsNeverCarrySecrets(t *testing.T) {
	t.Parallel()

	logs := &captureLogger{}
	f := &fakeFactory{}
	c, err := New(DefaultConfig(),
		WithSMTPAuth("smtp.test", 587, "mailer", "hunter2"),
		WithTransportFactory(f.factory),
		WithLogger(logs.log),
	)
	require.NoError(t, err)
	defer c.Destroy()

	require.NoError(t, c.SendMail(context.Background(), testMessage()))

	logs.mu.Lock()
	defer logs.mu.Unlock()
	require.NotEmpty(t, logs.entries)
	for _, e := range logs.entries {
		for k, v := range e.meta {
			assert.NotContains(t, fmt.Sprint(v), "hunter2", "meta %q of %q", k, e.msg)
		}
	}
}

func TestSendMail_PanickingLoggerDoesNotMaskError(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{build: func() *fakeTransporter {
		return &fakeTransporter{sendFn: func(int) error { return errors.New("relay down") }}
	}}
	c, err := New(DefaultConfig(),
		WithSMTP("smtp.test", 25),
		WithTransportFactory(f.factory),
		WithLogger(func(Level, string, map[string]any) { panic("logger broke") }),
	)
	require.NoError(t, err)
	defer c.Destroy()

	err = c.SendMail(context.Background(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSend)
	assert.Contains(t, err.Error(), "relay down")
}

func TestSendTemplate(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	c := newTestClient(t, f)

	require.NoError(t, c.Templates().RegisterTemplate("welcome.html", `<p>Hi {{.Name | title}}</p>`))
	require.NoError(t, c.Templates().RegisterTemplate("welcome.subject", `Welcome, {{.Name}}`))
	require.NoError(t, c.Templates().RegisterTemplate("welcome.text", `Hi {{.Name}}`))

	err := c.SendTemplate(context.Background(), &TemplateRequest{
		Template: "welcome",
		To:       "user@example.com",
		Data:     map[string]string{"Name": "jane"},
	})
	require.NoError(t, err)

	p := f.get(0).last()
	assert.Equal(t, "Welcome, jane", p.Subject)
	assert.Equal(t, "Hi jane", p.Text)
	assert.Contains(t, p.HTML, "<p>Hi Jane</p>")
	assert.Contains(t, p.HTML, "<title>Welcome, jane</title>")
}

func TestSendTemplate_MissingTemplate(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	c := newTestClient(t, f)

	err := c.SendTemplate(context.Background(), &TemplateRequest{Template: "nope", To: "user@example.com", Subject: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.Equal(t, 0, f.count())
}
