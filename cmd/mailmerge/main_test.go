package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/shineum/mailmerge-lite/internal/credential"
	"github.com/shineum/mailmerge-lite/internal/delivery"
	"github.com/shineum/mailmerge-lite/internal/smtptest"
)

const recipientsYAML = `
- Name: Alice
  Email Address: alice@example.com
  Subject: Hello Alice
  Body: Hi Alice
- Name: Bob
  Email Address: bob@example.com
  Subject: Hello Bob
  Body: Hi Bob
`

// clearEnv blanks every variable the configuration reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"SENDER", "PROVIDER",
		"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_TIMEOUT", "SMTP_CA_FILE", "SMTP_INSECURE_SKIP_VERIFY",
		"SES_REGION", "SES_ACCESS_KEY_ID", "GRAPH_TENANT_ID", "GRAPH_CLIENT_ID",
		"ATTACHMENTS_DIR", "CREDENTIALS_KEYRING", "LOG_LEVEL",
	} {
		t.Setenv(env, "")
	}
}

func writeRecipients(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipients.yaml")
	if err := os.WriteFile(path, []byte(recipientsYAML), 0644); err != nil {
		t.Fatalf("failed to write recipients: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRun_DryRun(t *testing.T) {
	clearEnv(t)

	attachments := t.TempDir()
	if err := os.WriteFile(filepath.Join(attachments, "terms.txt"), []byte("terms"), 0644); err != nil {
		t.Fatalf("failed to write attachment: %v", err)
	}

	out, err := execute(t,
		"--recipients", writeRecipients(t),
		"--sender", "me@example.com",
		"--provider", "stdout",
		"--attachments", attachments,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}

	for _, want := range []string{
		"From: me@example.com",
		"To: alice@example.com",
		"Attachments: terms.txt (5 B)",
		"Email sent to alice@example.com",
		"Email sent to bob@example.com",
		"Emails sent to 2 recipients.",
		"\t- Alice <alice@example.com>",
		"\t- Bob <bob@example.com>",
	} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_ConfigFileAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SENDER", "env@example.com")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("provider: stdout\nattachments:\n  dir: /nonexistent/attachments\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	out, err := execute(t, "--recipients", writeRecipients(t), "--config", configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if !bytes.Contains([]byte(out), []byte("From: env@example.com")) {
		t.Errorf("sender from env not used:\n%s", out)
	}
	if !bytes.Contains([]byte(out), []byte(`directory does not exist.`)) {
		t.Errorf("missing attachments notice:\n%s", out)
	}
}

func TestRun_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		args    func(t *testing.T) []string
		wantErr string
	}{
		{
			name:    "recipients flag required",
			args:    func(*testing.T) []string { return []string{"--sender", "me@example.com"} },
			wantErr: `required flag(s) "recipients" not set`,
		},
		{
			name: "missing sender",
			args: func(t *testing.T) []string {
				return []string{"--recipients", writeRecipients(t), "--provider", "stdout"}
			},
			wantErr: "sender is required",
		},
		{
			name: "unknown provider",
			args: func(t *testing.T) []string {
				return []string{"--recipients", writeRecipients(t), "--sender", "me@example.com", "--provider", "pigeon"}
			},
			wantErr: `unknown provider "pigeon"`,
		},
		{
			name: "graph without registration",
			args: func(t *testing.T) []string {
				return []string{"--recipients", writeRecipients(t), "--sender", "me@example.com", "--provider", "graph"}
			},
			wantErr: "graph.tenant_id is required",
		},
		{
			name: "missing recipients file",
			args: func(*testing.T) []string {
				return []string{"--recipients", "/nonexistent/recipients.yaml", "--sender", "me@example.com", "--provider", "stdout"}
			},
			wantErr: "failed to read recipients file",
		},
		{
			name: "unreadable CA file",
			args: func(t *testing.T) []string {
				t.Setenv("SMTP_CA_FILE", "/nonexistent/ca.pem")
				return []string{"--recipients", writeRecipients(t), "--sender", "me@example.com"}
			},
			wantErr: "failed to setup TLS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := execute(t, tt.args(t)...)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !bytes.Contains([]byte(err.Error()), []byte(tt.wantErr)) {
				t.Errorf("error: got %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRun_UnreachableServer(t *testing.T) {
	clearEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	t.Setenv("SMTP_HOST", "127.0.0.1")
	t.Setenv("SMTP_PORT", strconv.Itoa(port))
	t.Setenv("SMTP_TIMEOUT", "2s")

	out, err := execute(t, "--recipients", writeRecipients(t), "--sender", "me@example.com")
	if !errors.Is(err, delivery.ErrAborted) {
		t.Fatalf("error: got %v, want ErrAborted", err)
	}
	if !bytes.Contains([]byte(out), []byte("Unable to connect to 127.0.0.1:"+strconv.Itoa(port))) {
		t.Errorf("missing connect failure notice:\n%s", out)
	}
	if bytes.Contains([]byte(out), []byte("Emails sent to")) {
		t.Errorf("no report expected on connect failure:\n%s", out)
	}
}

func TestRun_SubmissionWithStoredSecret(t *testing.T) {
	clearEnv(t)
	keyring.MockInit()

	const sender = "me@example.com"
	srv, err := smtptest.NewServer(smtptest.Options{
		Username:         sender,
		Password:         "app-password",
		RejectRecipients: []string{"bob@example.com"},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Close)

	if err := credential.NewKeyring().Set(sender, "app-password"); err != nil {
		t.Fatalf("failed to store secret: %v", err)
	}

	t.Setenv("SMTP_HOST", srv.Host())
	t.Setenv("SMTP_PORT", strconv.Itoa(srv.Port()))
	t.Setenv("SMTP_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("CREDENTIALS_KEYRING", "true")
	t.Setenv("ATTACHMENTS_DIR", t.TempDir())

	out, err := execute(t, "--recipients", writeRecipients(t), "--sender", sender)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}

	for _, want := range []string{
		"Successfully logged into me@example.com",
		"Email sent to alice@example.com",
		"Unable to send email to bob@example.com",
		"Emails sent to 1 recipients.",
		"Emails were NOT sent to 1 recipients.\n\t- Bob <bob@example.com>",
	} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	deliveries := srv.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("Deliveries: got %d, want 1", len(deliveries))
	}
	if got := deliveries[0].Message.Subject; got != "Hello Alice" {
		t.Errorf("Subject: got %q, want %q", got, "Hello Alice")
	}
}

func TestSelectProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("SENDER", "me@example.com")
	t.Setenv("SES_REGION", "eu-west-1")
	t.Setenv("GRAPH_TENANT_ID", "tenant-1")
	t.Setenv("GRAPH_CLIENT_ID", "client-1")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	tests := []struct {
		provider   string
		wantName   string
		wantSecret bool
	}{
		{"smtp", "smtp", true},
		{"ses", "ses", false},
		{"graph", "graph", true},
		{"stdout", "stdout", false},
	}

	for _, tt := range tests {
		cfg.Provider = tt.provider
		p, err := selectProvider(cfg, &bytes.Buffer{})
		if err != nil {
			t.Fatalf("selectProvider(%q): %v", tt.provider, err)
		}
		if p.Name() != tt.wantName {
			t.Errorf("selectProvider(%q).Name(): got %q, want %q", tt.provider, p.Name(), tt.wantName)
		}
		if p.SecretRequired() != tt.wantSecret {
			t.Errorf("selectProvider(%q).SecretRequired(): got %v, want %v", tt.provider, p.SecretRequired(), tt.wantSecret)
		}
	}
}
