// Package dualmailer sends transactional email through either an SMTP relay
// or the Mailgun HTTP API, selected once from configuration.
//
// Connections are kept in a pool of transporters keyed by backend identity.
// A transporter is replaced when it grows too old, has sent too many
// messages, has been idle too long, reports itself unusable or fails three
// times in a row. A background sweep applies the same rules every five
// minutes outside development mode.
//
// # Basic Usage
//
//	client, err := dualmailer.New(dualmailer.DefaultConfig(),
//		dualmailer.WithSMTPAuth("smtp.example.com", 587, "mailer", os.Getenv("SMTP_PASSWORD")),
//		dualmailer.WithRetry(3, 100*time.Millisecond, "Temporary Error"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Destroy()
//
//	err = client.SendMail(ctx, &dualmailer.Message{
//		To:      "user@example.com",
//		Subject: "Welcome",
//		Text:    "Welcome!",
//		HTML:    dualmailer.HTMLContent{Title: "Welcome", Body: "<h1>Welcome!</h1>"},
//	})
//
// # Backends
//
// SMTP is used when a host and port are configured, and is preferred when
// Mailgun is configured as well. A user and password enable AUTH, session
// pooling and a send rate window (5 sessions, 200 messages per session,
// 5 messages per second by default). Otherwise the Mailgun API is used.
//
// # Errors
//
// Every error returned by SendMail is an *EmailError. Branch on its code
// with errors.Is and the code sentinels:
//
//	if errors.Is(err, dualmailer.ErrValidation) { ... }
//
// # Logging
//
// Logs go to a zerolog logger by default, JSON in production and console
// output in development. Custom loggers and slog loggers are supported.
// Secret metadata such as passwords and API keys is redacted before any
// logger sees it.
package dualmailer
