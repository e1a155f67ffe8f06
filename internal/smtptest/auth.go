// Package smtptest provides an in-process SMTP submission endpoint with
// implicit TLS, configurable credentials and rejection rules, for testing
// mail transports end to end.
package smtptest

import (
	"encoding/base64"
	"errors"
	"strings"
)

var (
	errBadEncoding = errors.New("invalid base64 encoding")
	errBadFormat   = errors.New("invalid AUTH PLAIN format")
	errBadLogin    = errors.New("authentication failed")
)

// authenticator checks SMTP AUTH credentials against the configured pair.
type authenticator struct {
	username string
	password string
}

// enabled returns true if authentication credentials are configured.
func (a *authenticator) enabled() bool {
	return a.username != "" && a.password != ""
}

// verifyPlain decodes and verifies an AUTH PLAIN response of the form
// base64(authzid \0 authcid \0 password). The authorization identity is ignored.
func (a *authenticator) verifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errBadEncoding
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errBadFormat
	}
	return a.check(parts[1], parts[2])
}

// verifyLogin verifies base64-encoded AUTH LOGIN credentials.
func (a *authenticator) verifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errBadEncoding
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errBadEncoding
	}
	return a.check(string(user), string(pass))
}

func (a *authenticator) check(user, pass string) error {
	if user != a.username || pass != a.password {
		return errBadLogin
	}
	return nil
}
