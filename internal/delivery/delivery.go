// Package delivery runs a mail merge: it builds the messages, binds
// attachments, logs in and sends each message in order.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/mailmerge-lite/internal/credential"
	"github.com/shineum/mailmerge-lite/internal/email"
	"github.com/shineum/mailmerge-lite/internal/provider"
)

// ErrAborted is returned when a run stops before every message was attempted.
var ErrAborted = errors.New("run aborted")

// Gate logs a provider in on behalf of identity.
type Gate interface {
	Authenticate(ctx context.Context, identity string, auth credential.Authenticator) error
}

// Binder adds attachments to messages and returns how many it added.
type Binder interface {
	Attach(messages []*email.Message) int
}

// Orchestrator drives one run against a single provider.
type Orchestrator struct {
	Sender     string
	Recipients []email.Recipient
	Provider   provider.Provider

	// Gate is consulted only when the provider requires a secret.
	Gate Gate
	// Binder is optional.
	Binder Binder

	Out io.Writer
}

// Run sends one message per recipient. The returned report is nil when the
// run ended before sending started. A fatal provider failure mid-run prints
// and returns the partial report together with an error wrapping ErrAborted.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	messages := email.Build(o.Sender, o.Recipients)
	if o.Binder != nil {
		n := o.Binder.Attach(messages)
		slog.Debug("attachments bound", "count", n, "messages", len(messages))
	}

	if err := o.Provider.Connect(ctx); err != nil {
		fmt.Fprintf(o.Out, "Unable to connect to %s\n", endpoint(o.Provider))
		fmt.Fprintln(o.Out, "Please ensure that the mail server address is valid and working.")
		fmt.Fprintln(o.Out, "Program terminated.")
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	defer func() {
		if err := o.Provider.Close(); err != nil {
			slog.Warn("failed to close provider", "provider", o.Provider.Name(), "error", err)
		}
	}()

	if err := o.authenticate(ctx); err != nil {
		switch {
		case provider.IsFatal(err):
			o.disconnected()
		case !errors.Is(err, credential.ErrExhausted):
			// The gate explains exhaustion itself; everything else needs a line.
			fmt.Fprintf(o.Out, "Unable to log into %s: %v\n", o.Sender, err)
			fmt.Fprintln(o.Out, "Program terminated.")
		}
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	if len(messages) == 0 {
		fmt.Fprintln(o.Out, "There are no emails to send.")
		return nil, nil
	}

	report := &Report{}
	for i, msg := range messages {
		recipient := o.Recipients[i].String()

		err := o.Provider.Send(ctx, msg)
		if err == nil {
			fmt.Fprintf(o.Out, "Email sent to %s\n", msg.To)
			report.Successful = append(report.Successful, recipient)
			continue
		}

		kind, ok := provider.FailureOf(err)
		if !ok {
			slog.Error("send failed, aborting run",
				"provider", o.Provider.Name(),
				"recipient", msg.To,
				"error", err,
			)
			o.disconnected()
			report.Print(o.Out)
			return report, fmt.Errorf("%w: %w", ErrAborted, err)
		}

		slog.Warn("message not sent", "recipient", msg.To, "reason", kind.String(), "error", err)
		switch kind {
		case provider.SenderRefused:
			fmt.Fprintf(o.Out, "%s refused to send the email to %s\n", msg.From, msg.To)
		case provider.DataRejected:
			fmt.Fprintf(o.Out, "The server is unable to accept the message for %s\n", msg.To)
		default:
			fmt.Fprintf(o.Out, "Unable to send email to %s\n", msg.To)
		}
		report.Failed = append(report.Failed, Failure{Recipient: recipient, Reason: kind})
	}

	report.Print(o.Out)
	return report, nil
}

func (o *Orchestrator) authenticate(ctx context.Context) error {
	if !o.Provider.SecretRequired() {
		return o.Provider.Authenticate(ctx, o.Sender, "")
	}
	if o.Gate == nil {
		return fmt.Errorf("%s provider requires a secret but no credential gate is configured", o.Provider.Name())
	}
	return o.Gate.Authenticate(ctx, o.Sender, o.Provider)
}

func (o *Orchestrator) disconnected() {
	fmt.Fprintln(o.Out, "The mail server unexpectedly disconnected.")
	fmt.Fprintln(o.Out, "Program terminated.")
}

// endpoint names where the provider connects, falling back to its name.
func endpoint(p provider.Provider) string {
	if e, ok := p.(interface{ Endpoint() string }); ok {
		return e.Endpoint()
	}
	return p.Name()
}
