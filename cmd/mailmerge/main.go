// Package main is the entry point for the mail merge sender.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/mailmerge-lite/internal/attach"
	"github.com/shineum/mailmerge-lite/internal/config"
	"github.com/shineum/mailmerge-lite/internal/credential"
	"github.com/shineum/mailmerge-lite/internal/delivery"
	"github.com/shineum/mailmerge-lite/internal/provider"
	"github.com/shineum/mailmerge-lite/internal/provider/graph"
	"github.com/shineum/mailmerge-lite/internal/provider/ses"
	"github.com/shineum/mailmerge-lite/internal/provider/stdout"
	"github.com/shineum/mailmerge-lite/internal/provider/submission"
	"github.com/shineum/mailmerge-lite/internal/recipients"
	smtptls "github.com/shineum/mailmerge-lite/internal/tls"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	err := newRootCommand(os.Stdout).ExecuteContext(ctx)
	if err == nil {
		return
	}
	// Aborted runs have already explained themselves on the console.
	if !errors.Is(err, delivery.ErrAborted) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	stop()
	os.Exit(1)
}

// options holds the command-line flags.
type options struct {
	configPath     string
	recipientsPath string
	sender         string
	provider       string
	attachmentsDir string
	remember       bool
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "mailmerge",
		Short: "Send personalized emails with attachments to a list of recipients",
		Long: `mailmerge sends one personalized email per recipient listed in a YAML or CSV
file, attaching every file in the attachments directory, and prints which
recipients were and were not reached.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, out)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.recipientsPath, "recipients", "r", "", "path to the recipients file (.yaml or .csv)")
	flags.StringVarP(&opts.sender, "sender", "s", "", "sender email address (overrides SENDER)")
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file (optional)")
	flags.StringVarP(&opts.provider, "provider", "p", "", "delivery provider: smtp, ses, graph or stdout (overrides PROVIDER)")
	flags.StringVarP(&opts.attachmentsDir, "attachments", "a", "", "attachments directory (overrides ATTACHMENTS_DIR)")
	flags.BoolVar(&opts.remember, "remember", false, "store the password in the system keyring after a successful login")
	_ = cmd.MarkFlagRequired("recipients")

	return cmd
}

func run(cmd *cobra.Command, opts *options, out io.Writer) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cmd, cfg, opts)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	list, err := recipients.Load(opts.recipientsPath)
	if err != nil {
		return err
	}

	prov, err := selectProvider(cfg, out)
	if err != nil {
		return err
	}

	slog.Info("starting mail merge",
		"provider", prov.Name(),
		"sender", cfg.Sender,
		"recipients", len(list),
		"attachments_dir", cfg.Attachments.Dir,
	)

	gate := &credential.Gate{
		Source:   &credential.TerminalSource{In: os.Stdin, Out: out},
		Out:      out,
		Remember: opts.remember,
	}
	if cfg.Credentials.Keyring || opts.remember {
		gate.Store = credential.NewKeyring()
	}

	orchestrator := &delivery.Orchestrator{
		Sender:     cfg.Sender,
		Recipients: list,
		Provider:   prov,
		Gate:       gate,
		Binder:     attach.New(cfg.Attachments.Dir, out),
		Out:        out,
	}

	report, err := orchestrator.Run(cmd.Context())
	if err != nil {
		return err
	}
	if report != nil {
		slog.Info("mail merge finished",
			"sent", len(report.Successful),
			"failed", len(report.Failed),
		)
	}
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// applyFlags overrides configuration with flags given on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config, opts *options) {
	flags := cmd.Flags()
	if flags.Changed("sender") {
		cfg.Sender = opts.sender
	}
	if flags.Changed("provider") {
		cfg.Provider = opts.provider
	}
	if flags.Changed("attachments") {
		cfg.Attachments.Dir = opts.attachmentsDir
	}
}

// setupLogger configures the global slog logger with JSON output on stderr
// and the specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelWarn
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider builds the delivery backend named by the configuration.
func selectProvider(cfg *config.Config, out io.Writer) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		tlsConfig, err := smtptls.ClientConfig(cfg.SMTP.Host, cfg.SMTP.CAFile, cfg.SMTP.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("failed to setup TLS: %w", err)
		}
		if cfg.SMTP.InsecureSkipVerify {
			slog.Warn("TLS certificate verification is disabled", "host", cfg.SMTP.Host)
		}
		slog.Info("using SMTP submission provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
		)
		return submission.New(submission.Config{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.Identity(),
			Timeout:   cfg.SMTP.Timeout,
			TLSConfig: tlsConfig,
		}), nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"static_credentials", cfg.SES.AccessKeyID != "",
		)
		return ses.New(ses.Config{
			Region:      cfg.SES.Region,
			AccessKeyID: cfg.SES.AccessKeyID,
		}), nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider",
			"tenant_id", cfg.Graph.TenantID,
			"client_id", cfg.Graph.ClientID,
		)
		return graph.New(graph.Config{
			TenantID: cfg.Graph.TenantID,
			ClientID: cfg.Graph.ClientID,
			Timeout:  cfg.SMTP.Timeout,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
