// Package submission implements a Provider that submits messages over an
// implicit-TLS SMTP connection (port 465) with AUTH PLAIN.
package submission

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"time"

	"github.com/wneessen/go-mail/smtp"

	"github.com/shineum/mailmerge-lite/internal/email"
	"github.com/shineum/mailmerge-lite/internal/provider"
)

const (
	// DefaultHost is the submission endpoint used when none is configured.
	DefaultHost = "smtp.gmail.com"
	// DefaultPort is the implicit-TLS submission port.
	DefaultPort = 465

	defaultTimeout = 30 * time.Second
)

// Config holds the configuration for creating a submission Provider.
type Config struct {
	Host string
	Port int

	// Username overrides the identity passed to Authenticate when set.
	Username string

	// Timeout bounds each network round-trip.
	Timeout time.Duration

	// TLSConfig is used for the implicit TLS handshake. When nil, the system
	// roots are trusted and the server name is Host.
	TLSConfig *tls.Config
}

// Provider owns one SMTP session for the duration of a run.
type Provider struct {
	cfg    Config
	addr   string
	conn   net.Conn
	client *smtp.Client
	state  provider.State
}

// New creates a submission Provider. It does not dial.
func New(cfg Config) *Provider {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}

	return &Provider{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}
}

// Connect dials the endpoint and reads its greeting.
func (p *Provider) Connect(ctx context.Context) error {
	if p.state == provider.Connected || p.state == provider.Authenticated {
		return nil
	}
	if err := provider.Expect(p.state, provider.Disconnected, "connect"); err != nil {
		return err
	}
	if err := p.dial(ctx); err != nil {
		return err
	}

	p.state = provider.Connected
	slog.Debug("connected to submission endpoint", "addr", p.addr)
	return nil
}

func (p *Provider) dial(ctx context.Context) error {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: p.cfg.Timeout},
		Config:    p.cfg.TLSConfig,
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return &provider.ConnectionError{Endpoint: p.addr, Err: err}
	}
	p.conn = conn
	p.arm(ctx)

	client, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		conn.Close()
		p.conn = nil
		return &provider.ConnectionError{Endpoint: p.addr, Err: err}
	}
	p.client = client
	return nil
}

// Authenticate performs AUTH PLAIN. A rejected AUTH ends the SMTP session, so
// the following attempt dials a fresh one before authenticating again.
func (p *Provider) Authenticate(ctx context.Context, identity, secret string) error {
	if err := provider.Expect(p.state, provider.Connected, "authenticate"); err != nil {
		return err
	}
	if p.client == nil {
		if err := p.dial(ctx); err != nil {
			return err
		}
	}

	user := identity
	if p.cfg.Username != "" {
		user = p.cfg.Username
	}

	p.arm(ctx)
	err := p.client.Auth(smtp.PlainAuth("", user, secret, p.cfg.Host, false))
	if err == nil {
		p.state = provider.Authenticated
		return nil
	}

	p.discard()

	var replyErr *textproto.Error
	if errors.As(err, &replyErr) && replyErr.Code != 421 {
		return &provider.AuthenticationError{Identity: user, Err: err}
	}
	return &provider.ConnectionError{Endpoint: p.addr, Err: err}
}

// Send runs one MAIL, RCPT, DATA transaction for msg.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	if err := provider.Expect(p.state, provider.Authenticated, "send"); err != nil {
		return err
	}

	p.arm(ctx)

	if err := p.client.Mail(msg.From); err != nil {
		return p.failure(provider.SenderRefused, msg, err)
	}
	if err := p.client.Rcpt(msg.To); err != nil {
		return p.failure(provider.RecipientRefused, msg, err)
	}

	w, err := p.client.Data()
	if err != nil {
		return p.failure(provider.DataRejected, msg, err)
	}
	if _, err := msg.WriteTo(w); err != nil {
		w.Close()
		return p.failure(provider.DataRejected, msg, err)
	}
	if err := w.Close(); err != nil {
		return p.failure(provider.DataRejected, msg, err)
	}
	return nil
}

// failure converts a transaction error into a recoverable *SendError, or a
// fatal *ConnectionError when the session itself is gone.
func (p *Provider) failure(kind provider.FailureKind, msg *email.Message, err error) error {
	if isConnectionLoss(err) {
		return &provider.ConnectionError{Endpoint: p.addr, Err: err}
	}

	if resetErr := p.client.Reset(); resetErr != nil {
		slog.Debug("failed to reset SMTP transaction", "error", resetErr)
	}
	return &provider.SendError{Kind: kind, Recipient: msg.To, Err: err}
}

// Close sends QUIT and releases the connection.
func (p *Provider) Close() error {
	if p.state == provider.Closed {
		return nil
	}
	p.state = provider.Closed

	if p.client == nil {
		return nil
	}

	err := p.client.Quit()
	p.discard()
	if err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}
	return nil
}

// SecretRequired returns true: submission always authenticates.
func (p *Provider) SecretRequired() bool {
	return true
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Endpoint returns the host:port the provider connects to.
func (p *Provider) Endpoint() string {
	return p.addr
}

// arm sets the connection deadline to the sooner of the configured timeout
// and the context deadline.
func (p *Provider) arm(ctx context.Context) {
	if p.conn == nil {
		return
	}
	deadline := time.Now().Add(p.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetDeadline(deadline); err != nil {
		slog.Debug("failed to set connection deadline", "error", err)
	}
}

func (p *Provider) discard() {
	if p.client != nil {
		p.client.Close()
	}
	p.client = nil
	p.conn = nil
}

// isConnectionLoss reports whether err means the session can no longer be used:
// a 421 reply, or a transport-level error instead of an SMTP reply.
func isConnectionLoss(err error) bool {
	var replyErr *textproto.Error
	if errors.As(err, &replyErr) {
		return replyErr.Code == 421
	}

	var netErr net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &netErr)
}
