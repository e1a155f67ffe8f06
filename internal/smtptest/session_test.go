package smtptest

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"
)

// dial opens an implicit-TLS client connection to srv.
func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", srv.Addr(), srv.ClientTLSConfig())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func start(t *testing.T, opts Options) *Server {
	t.Helper()
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// expect sends cmd and checks the reply prefix.
func expect(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd, prefix string) string {
	t.Helper()
	sendCmd(t, conn, cmd)
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, prefix) {
		t.Errorf("%s: got %q, want prefix %q", cmd, resp, prefix)
	}
	return resp
}

// ehlo greets the server and returns the capability lines.
func ehlo(t *testing.T, conn net.Conn, reader *bufio.Reader) []string {
	t.Helper()
	sendCmd(t, conn, "EHLO client.test")
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if !strings.HasPrefix(line, "250-") {
			return lines
		}
	}
}

func plain(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))
}

func TestSession_GreetingAndEHLO(t *testing.T) {
	t.Parallel()

	srv := start(t, Options{Username: "user", Password: "pass"})
	conn, reader := dial(t, srv)

	if greeting := readLine(t, reader); !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}

	lines := ehlo(t, conn, reader)
	if !strings.Contains(strings.Join(lines, "\n"), "AUTH PLAIN LOGIN") {
		t.Errorf("EHLO response missing AUTH capability: %v", lines)
	}

	expect(t, conn, reader, "QUIT", "221 ")
}

func TestSession_AuthRequired(t *testing.T) {
	t.Parallel()

	srv := start(t, Options{Username: "user", Password: "pass"})
	conn, reader := dial(t, srv)
	readLine(t, reader)

	expect(t, conn, reader, "MAIL FROM:<sender@example.com>", "503 ")
	ehlo(t, conn, reader)
	expect(t, conn, reader, "MAIL FROM:<sender@example.com>", "530 ")
	expect(t, conn, reader, "AUTH PLAIN "+plain("user", "wrong"), "535 ")
	expect(t, conn, reader, "AUTH PLAIN "+plain("user", "pass"), "235 ")
	expect(t, conn, reader, "MAIL FROM:<sender@example.com>", "250 ")

	if got := srv.AuthFailures(); got != 1 {
		t.Errorf("AuthFailures: got %d, want 1", got)
	}
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	srv := start(t, Options{Username: "user", Password: "pass"})
	conn, reader := dial(t, srv)
	readLine(t, reader)
	ehlo(t, conn, reader)

	expect(t, conn, reader, "AUTH LOGIN", "334 ")
	expect(t, conn, reader, base64.StdEncoding.EncodeToString([]byte("user")), "334 ")
	expect(t, conn, reader, base64.StdEncoding.EncodeToString([]byte("pass")), "235 ")
}

func TestSession_RejectionRules(t *testing.T) {
	t.Parallel()

	srv := start(t, Options{
		RejectSenders:    []string{"blocked@example.com"},
		RejectRecipients: []string{"nobody@example.com"},
		RejectSubjects:   []string{"spam"},
	})
	conn, reader := dial(t, srv)
	readLine(t, reader)
	ehlo(t, conn, reader)

	expect(t, conn, reader, "MAIL FROM:<blocked@example.com>", "553 ")
	expect(t, conn, reader, "MAIL FROM:<sender@example.com>", "250 ")
	expect(t, conn, reader, "RCPT TO:<nobody@example.com>", "550 ")
	expect(t, conn, reader, "RCPT TO:<alice@example.com>", "250 ")
	expect(t, conn, reader, "DATA", "354 ")

	message := strings.Join([]string{
		"From: sender@example.com",
		"To: alice@example.com",
		"Subject: spam",
		"",
		"buy now",
		".",
	}, "\r\n")
	if _, err := conn.Write([]byte(message + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "554 ") {
		t.Errorf("DATA completion: got %q, want prefix '554 '", resp)
	}

	if got := len(srv.Deliveries()); got != 0 {
		t.Errorf("Deliveries: got %d, want 0", got)
	}
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	srv := start(t, Options{})
	conn, reader := dial(t, srv)
	readLine(t, reader)
	ehlo(t, conn, reader)

	expect(t, conn, reader, "MAIL FROM:<sender@example.com>", "250 ")
	expect(t, conn, reader, "RCPT TO:<alice@example.com>", "250 ")
	expect(t, conn, reader, "DATA", "354 ")

	message := strings.Join([]string{
		"From: sender@example.com",
		"To: alice@example.com",
		"Subject: Test Email",
		"Content-Type: text/plain",
		"",
		"Hello, this is a test email.",
		"..leading dot",
		".",
	}, "\r\n")
	if _, err := conn.Write([]byte(message + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Errorf("DATA completion: got %q, want prefix '250 '", resp)
	}

	deliveries := srv.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("Deliveries: got %d, want 1", len(deliveries))
	}
	d := deliveries[0]
	if d.From != "sender@example.com" {
		t.Errorf("From: got %q, want %q", d.From, "sender@example.com")
	}
	if len(d.To) != 1 || d.To[0] != "alice@example.com" {
		t.Errorf("To: got %v, want [alice@example.com]", d.To)
	}
	if d.Message.Subject != "Test Email" {
		t.Errorf("Subject: got %q, want %q", d.Message.Subject, "Test Email")
	}
	if !strings.Contains(d.Message.Body, "\r\n.leading dot") {
		t.Errorf("Body should be dot-unstuffed, got %q", d.Message.Body)
	}
}

func TestSession_DropRecipient(t *testing.T) {
	t.Parallel()

	srv := start(t, Options{DropRecipients: []string{"gone@example.com"}})
	conn, reader := dial(t, srv)
	readLine(t, reader)
	ehlo(t, conn, reader)

	expect(t, conn, reader, "MAIL FROM:<sender@example.com>", "250 ")
	sendCmd(t, conn, "RCPT TO:<gone@example.com>")
	if _, err := reader.ReadString('\n'); err == nil {
		t.Error("expected the server to hang up, got a reply")
	}
}

func TestSession_RSETAndOrder(t *testing.T) {
	t.Parallel()

	srv := start(t, Options{})
	conn, reader := dial(t, srv)
	readLine(t, reader)

	expect(t, conn, reader, "EHLO", "501 ")
	ehlo(t, conn, reader)
	expect(t, conn, reader, "RCPT TO:<alice@example.com>", "503 ")
	expect(t, conn, reader, "DATA", "503 ")
	expect(t, conn, reader, "MAIL FROM:<sender@example.com>", "250 ")
	expect(t, conn, reader, "RSET", "250 ")
	expect(t, conn, reader, "RCPT TO:<alice@example.com>", "503 ")
	expect(t, conn, reader, "NOOP", "250 ")
	expect(t, conn, reader, "INVALID", "500 ")
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"RCPT TO:<user@example.com>", "RCPT", "TO:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			if cmd != tt.wantCmd {
				t.Errorf("command: got %q, want %q", cmd, tt.wantCmd)
			}
			if arg != tt.wantArg {
				t.Errorf("arg: got %q, want %q", arg, tt.wantArg)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"<user@example.com>", "user@example.com"},
		{"  <user@example.com>  ", "user@example.com"},
		{"<user@example.com> BODY=8BITMIME", "user@example.com"},
		{"user@example.com", "user@example.com"},
		{"user@example.com SMTPUTF8", "user@example.com"},
		{"<>", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := extractAddress(tt.input); got != tt.want {
				t.Errorf("extractAddress(%q): got %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
