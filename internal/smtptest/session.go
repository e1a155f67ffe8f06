package smtptest

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/shineum/mailmerge-lite/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 30 * time.Second

const hostname = "smtptest.local"

// session is a single client connection driven through the SMTP state machine.
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	server *Server
	state  int

	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, server *Server) *session {
	return &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		server: server,
		state:  stateConnected,
	}
}

// handle processes commands until the client quits or the connection drops.
func (s *session) handle() {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtptest", hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("smtptest: connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single command and returns true if the session should end.
func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		return s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", hostname, arg)
	if s.server.auth.enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250 SIZE 10485760")
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.server.auth.enabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		encoded := initial
		if encoded == "" {
			if encoded, err = s.challenge("334"); err != nil {
				return
			}
		}
		err = s.server.auth.verifyPlain(encoded)
	case "LOGIN":
		var user, pass string
		if user, err = s.challenge("334 VXNlcm5hbWU6"); err != nil {
			return
		}
		if pass, err = s.challenge("334 UGFzc3dvcmQ6"); err != nil {
			return
		}
		err = s.server.auth.verifyLogin(user, pass)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	if err != nil {
		s.server.recordAuthFailure()
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// challenge sends prompt and reads one response line.
func (s *session) challenge(prompt string) (string, error) {
	s.writeLine("%s", prompt)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.server.auth.enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if slices.Contains(s.server.opts.RejectSenders, addr) {
		s.writeLine("553 5.7.1 Sender address rejected")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT returns true when the session must end without a reply.
func (s *session) handleRCPT(arg string) bool {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return false
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return false
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return false
	}
	if slices.Contains(s.server.opts.DropRecipients, addr) {
		return true
	}
	if slices.Contains(s.server.opts.RejectRecipients, addr) {
		s.writeLine("550 5.1.1 No such user")
		return false
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
	return false
}

func (s *session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("smtptest: error reading DATA", "error", err)
			return
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		// Dot-stuffing: lines starting with ".." have the leading dot removed.
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	defer s.resetTransaction()

	msg, err := parser.Parse([]byte(data.String()))
	if err != nil {
		s.writeLine("554 5.6.0 Message could not be parsed")
		return
	}
	if slices.Contains(s.server.opts.RejectSubjects, msg.Subject) {
		s.writeLine("554 5.7.1 Message content rejected")
		return
	}

	s.server.recordDelivery(Delivery{From: s.mailFrom, To: s.rcptTo, Message: msg})
	s.writeLine("250 OK message queued")
}

// resetTransaction clears the mail transaction without touching greeting or auth.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		slog.Debug("smtptest: failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("smtptest: failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into the upper-cased verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress extracts an email address from a MAIL/RCPT parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	addr, _, _ := strings.Cut(s, " ")
	return addr
}
