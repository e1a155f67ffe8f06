package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/shineum/mailmerge-lite/internal/email"
	smtptls "github.com/shineum/mailmerge-lite/internal/tls"
)

// Options configures the behaviour of a test Server.
type Options struct {
	// Username and Password enable AUTH PLAIN/LOGIN. When both are empty,
	// authentication is not required.
	Username string
	Password string

	// RejectSenders lists MAIL FROM addresses answered with 553.
	RejectSenders []string
	// RejectRecipients lists RCPT TO addresses answered with 550.
	RejectRecipients []string
	// RejectSubjects lists message subjects whose DATA is answered with 554.
	RejectSubjects []string
	// DropRecipients lists RCPT TO addresses that make the server hang up
	// without replying, simulating an unexpected disconnect.
	DropRecipients []string
}

// Delivery is one message accepted by the server.
type Delivery struct {
	From    string
	To      []string
	Message *email.Message
}

// Server is an implicit-TLS SMTP endpoint listening on a loopback port.
type Server struct {
	opts     Options
	auth     *authenticator
	listener net.Listener
	roots    *x509.CertPool

	// wg tracks in-flight session goroutines.
	wg sync.WaitGroup

	mu           sync.Mutex
	conns        map[net.Conn]struct{}
	deliveries   []Delivery
	authFailures int
	closed       bool
}

// NewServer starts a Server on 127.0.0.1 with a fresh self-signed certificate.
func NewServer(opts Options) (*Server, error) {
	tlsConfig, roots, err := smtptls.SelfSignedServer()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &Server{
		opts:     opts,
		auth:     &authenticator{username: opts.Username, password: opts.Password},
		listener: tls.NewListener(ln, tlsConfig),
		roots:    roots,
		conns:    make(map[net.Conn]struct{}),
	}

	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			newSession(conn, s).handle()
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close stops the listener, hangs up on open sessions and waits for them.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.listener.Close()
	s.wg.Wait()
}

// Host returns the address the server listens on, without the port.
func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// RootCAs returns a pool that trusts the server certificate.
func (s *Server) RootCAs() *x509.CertPool {
	return s.roots
}

// ClientTLSConfig returns a client configuration that trusts the server.
func (s *Server) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		ServerName: s.Host(),
		RootCAs:    s.roots,
		MinVersion: tls.VersionTLS12,
	}
}

// Deliveries returns a copy of the messages accepted so far.
func (s *Server) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.deliveries)
}

// AuthFailures returns the number of rejected AUTH attempts.
func (s *Server) AuthFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authFailures
}

func (s *Server) recordDelivery(d Delivery) {
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	s.mu.Unlock()
	slog.Debug("smtptest: message accepted", "from", d.From, "to", d.To)
}

func (s *Server) recordAuthFailure() {
	s.mu.Lock()
	s.authFailures++
	s.mu.Unlock()
}
