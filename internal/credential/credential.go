// Package credential obtains the sender's secret and logs the transport in,
// allowing a fixed number of attempts before failing closed.
package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/mailmerge-lite/internal/provider"
)

// MaxAttempts is the number of secrets an operator may enter per run.
const MaxAttempts = 3

// ErrExhausted is returned once every attempt has been rejected.
var ErrExhausted = errors.New("authentication attempts exhausted")

// SecretSource supplies one secret per call.
type SecretSource interface {
	ReadSecret(prompt string) (string, error)
}

// Authenticator is the part of a provider the gate drives.
type Authenticator interface {
	Authenticate(ctx context.Context, identity, secret string) error
}

// Store persists secrets between runs.
type Store interface {
	Get(identity string) (string, error)
	Set(identity, secret string) error
	Delete(identity string) error
}

// Acquire reads the next secret, or returns ErrExhausted when no attempts remain.
func Acquire(remaining int, src SecretSource, prompt string) (string, error) {
	if remaining <= 0 {
		return "", ErrExhausted
	}
	return src.ReadSecret(prompt)
}

// Gate runs the login dialogue.
type Gate struct {
	Source SecretSource
	Out    io.Writer

	// Store is optional. A stored secret is tried before prompting and does
	// not consume an attempt.
	Store Store
	// Remember saves a prompted secret to Store after a successful login.
	Remember bool
}

// Authenticate logs identity in through auth. Only rejected credentials
// consume an attempt; any other failure is returned as is.
func (g *Gate) Authenticate(ctx context.Context, identity string, auth Authenticator) error {
	if ok, err := g.tryStored(ctx, identity, auth); ok || err != nil {
		return err
	}

	fmt.Fprintf(g.Out, "\nYou have %d attempts to enter the password for %s before the program terminates.\n\n", MaxAttempts, identity)

	prompt := fmt.Sprintf("Enter password for %s: ", identity)
	for remaining := MaxAttempts; ; {
		secret, err := Acquire(remaining, g.Source, prompt)
		if errors.Is(err, ErrExhausted) {
			fmt.Fprintln(g.Out, "\nYou have exceeded the number of attempts for entering the password.")
			fmt.Fprintln(g.Out, "Program terminated.")
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		err = auth.Authenticate(ctx, identity, secret)
		if err == nil {
			fmt.Fprintf(g.Out, "Successfully logged into %s\n\n", identity)
			g.remember(identity, secret)
			return nil
		}
		if !provider.IsAuthentication(err) {
			return err
		}

		remaining--
		slog.Debug("login rejected", "identity", identity, "remaining", remaining, "error", err)
		fmt.Fprintf(g.Out, "\nUnable to log into %s\n", identity)
		fmt.Fprintln(g.Out, "Please verify that the password is correct, and then re-enter it.")
		fmt.Fprintf(g.Out, "You have %d attempts left.\n\n", remaining)
	}
}

// tryStored attempts a login with a stored secret. It reports true when the
// login succeeded. A stored secret that is rejected is removed.
func (g *Gate) tryStored(ctx context.Context, identity string, auth Authenticator) (bool, error) {
	if g.Store == nil {
		return false, nil
	}

	secret, err := g.Store.Get(identity)
	if err != nil {
		slog.Debug("no stored secret", "identity", identity, "error", err)
		return false, nil
	}

	err = auth.Authenticate(ctx, identity, secret)
	switch {
	case err == nil:
		fmt.Fprintf(g.Out, "Successfully logged into %s\n\n", identity)
		return true, nil
	case provider.IsAuthentication(err):
		slog.Warn("stored secret rejected, removing it", "identity", identity)
		if err := g.Store.Delete(identity); err != nil {
			slog.Warn("failed to delete stored secret", "identity", identity, "error", err)
		}
		return false, nil
	default:
		return false, err
	}
}

func (g *Gate) remember(identity, secret string) {
	if !g.Remember || g.Store == nil {
		return
	}
	if err := g.Store.Set(identity, secret); err != nil {
		slog.Warn("failed to store secret", "identity", identity, "error", err)
	}
}
