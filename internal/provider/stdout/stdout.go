// Package stdout implements a dry-run Provider that prints messages instead
// of submitting them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/mailmerge-lite/internal/email"
	"github.com/shineum/mailmerge-lite/internal/provider"
)

// Provider prints email messages to a writer in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	state  provider.State
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Connect marks the provider connected. There is nothing to dial.
func (p *Provider) Connect(_ context.Context) error {
	if p.state == provider.Connected || p.state == provider.Authenticated {
		return nil
	}
	if err := provider.Expect(p.state, provider.Disconnected, "connect"); err != nil {
		return err
	}
	p.state = provider.Connected
	return nil
}

// Authenticate accepts any identity; a dry run has no credentials to check.
func (p *Provider) Authenticate(_ context.Context, _, _ string) error {
	if err := provider.Expect(p.state, provider.Connected, "authenticate"); err != nil {
		return err
	}
	p.state = provider.Authenticated
	return nil
}

// Send prints the message. A failed write to the output is reported as a
// connection failure since nothing further can be printed either.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	if err := provider.Expect(p.state, provider.Authenticated, "send"); err != nil {
		return err
	}

	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")
	b.WriteString(msg.Body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString("========================================\n")

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return &provider.ConnectionError{Endpoint: p.Name(), Err: err}
	}
	return nil
}

// Close marks the provider closed.
func (p *Provider) Close() error {
	p.state = provider.Closed
	return nil
}

// SecretRequired returns false: a dry run never prompts.
func (p *Provider) SecretRequired() bool {
	return false
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
