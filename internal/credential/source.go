package credential

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// KeyringService is the service name secrets are stored under.
const KeyringService = "mailmerge-lite"

// TerminalSource prompts on Out and reads a secret from In without echo.
// When In is not a terminal, one line is read as is.
type TerminalSource struct {
	In  *os.File
	Out io.Writer

	lines *bufio.Reader
}

// NewTerminalSource reads from stdin and prompts on stdout.
func NewTerminalSource() *TerminalSource {
	return &TerminalSource{In: os.Stdin, Out: os.Stdout}
}

// ReadSecret implements SecretSource.
func (s *TerminalSource) ReadSecret(prompt string) (string, error) {
	fmt.Fprint(s.Out, prompt)

	fd := int(s.In.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(s.Out)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}

	if s.lines == nil {
		s.lines = bufio.NewReader(s.In)
	}
	line, err := s.lines.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Keyring stores secrets in the operating system keyring.
type Keyring struct {
	Service string
}

// NewKeyring returns a Keyring for KeyringService.
func NewKeyring() Keyring {
	return Keyring{Service: KeyringService}
}

// Get returns the secret stored for identity, or keyring.ErrNotFound.
func (k Keyring) Get(identity string) (string, error) {
	return keyring.Get(k.Service, identity)
}

// Set stores secret for identity, replacing any earlier one.
func (k Keyring) Set(identity, secret string) error {
	return keyring.Set(k.Service, identity, secret)
}

// Delete removes the secret stored for identity.
func (k Keyring) Delete(identity string) error {
	return keyring.Delete(k.Service, identity)
}
