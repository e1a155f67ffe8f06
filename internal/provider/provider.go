// Package provider defines the interface for mail transports and the
// connection lifecycle they share.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/shineum/mailmerge-lite/internal/email"
)

// Provider is the interface that mail transports must implement.
// A provider owns one connection for the duration of a run and moves through
// Disconnected, Connected, Authenticated and Closed, in that order only.
type Provider interface {
	// Connect establishes the connection. Calling it again on a live
	// connection is a no-op. Failures are *ConnectionError.
	Connect(ctx context.Context) error

	// Authenticate logs identity in with secret. A rejected secret is an
	// *AuthenticationError and may be retried; anything else is fatal.
	Authenticate(ctx context.Context, identity, secret string) error

	// Send submits exactly one message. Recoverable failures are *SendError;
	// a *ConnectionError means the run cannot continue.
	Send(ctx context.Context, msg *email.Message) error

	// Close tears the connection down. It is safe to call more than once.
	Close() error

	// SecretRequired reports whether Authenticate needs an operator secret.
	SecretRequired() bool

	// Name returns the human-readable name of this provider.
	Name() string
}

// State is a position in the provider connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connected
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidState is returned when an operation is attempted out of order.
var ErrInvalidState = errors.New("invalid provider state")

// Expect returns ErrInvalidState unless current equals want.
func Expect(current, want State, op string) error {
	if current != want {
		return fmt.Errorf("%s: %w: %s, want %s", op, ErrInvalidState, current, want)
	}
	return nil
}
