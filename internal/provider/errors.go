package provider

import (
	"errors"
	"fmt"
)

// FailureKind classifies a recoverable per-message send failure.
type FailureKind int

const (
	// RecipientRefused means the endpoint rejected the recipient address.
	RecipientRefused FailureKind = iota + 1
	// SenderRefused means the endpoint would not accept mail from the sender.
	SenderRefused
	// DataRejected means the endpoint refused the message content.
	DataRejected
)

func (k FailureKind) String() string {
	switch k {
	case RecipientRefused:
		return "recipient refused"
	case SenderRefused:
		return "sender refused"
	case DataRejected:
		return "data rejected"
	default:
		return "unknown failure"
	}
}

// SendError is a recoverable failure that affects a single message.
type SendError struct {
	Kind      FailureKind
	Recipient string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %s: %v", e.Recipient, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ConnectionError is a connection-level failure: the endpoint is unreachable,
// refused the session, or went away mid-run. It is always fatal.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError means the endpoint rejected the supplied credentials.
type AuthenticationError struct {
	Identity string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication as %s: %v", e.Identity, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsAuthentication reports whether err is a rejected-credentials failure.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// FailureOf returns the failure kind carried by err, if it is a *SendError.
func FailureOf(err error) (FailureKind, bool) {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Kind, true
	}
	return 0, false
}
