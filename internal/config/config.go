// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mailer.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Providers that may be selected.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Sender      string            `yaml:"sender"`
	Provider    string            `yaml:"provider"`
	SMTP        SMTPConfig        `yaml:"smtp"`
	SES         SESConfig         `yaml:"ses"`
	Graph       GraphConfig       `yaml:"graph"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SMTPConfig holds the submission endpoint configuration.
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Username is the login identity. Empty means the sender address.
	Username           string        `yaml:"username"`
	Timeout            time.Duration `yaml:"timeout"`
	CAFile             string        `yaml:"ca_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// SESConfig holds AWS SES configuration. The secret access key is never
// configured; it is entered at the password prompt.
type SESConfig struct {
	Region      string `yaml:"region"`
	AccessKeyID string `yaml:"access_key_id"`
}

// GraphConfig holds the Microsoft Graph application registration. The client
// secret is entered at the password prompt.
type GraphConfig struct {
	TenantID string `yaml:"tenant_id"`
	ClientID string `yaml:"client_id"`
}

// AttachmentsConfig holds the attachments directory.
type AttachmentsConfig struct {
	Dir string `yaml:"dir"`
}

// CredentialsConfig controls the operating system keyring.
type CredentialsConfig struct {
	Keyring bool `yaml:"keyring"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Identity returns the login identity for the submission endpoint.
func (c *Config) Identity() string {
	if c.SMTP.Username != "" {
		return c.SMTP.Username
	}
	return c.Sender
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Sender) == "" {
		errs = append(errs, errors.New("sender is required"))
	}

	switch c.Provider {
	case ProviderSMTP:
		if c.SMTP.Host == "" {
			errs = append(errs, errors.New("smtp.host is required"))
		}
		if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
			errs = append(errs, fmt.Errorf("smtp.port %d is out of range", c.SMTP.Port))
		}
		if c.SMTP.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("smtp.timeout %s must be positive", c.SMTP.Timeout))
		}
	case ProviderSES:
		if c.SES.Region == "" {
			errs = append(errs, errors.New("ses.region is required for the ses provider"))
		}
	case ProviderGraph:
		if c.Graph.TenantID == "" {
			errs = append(errs, errors.New("graph.tenant_id is required for the graph provider"))
		}
		if c.Graph.ClientID == "" {
			errs = append(errs, errors.New("graph.client_id is required for the graph provider"))
		}
	case ProviderStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q (want %s, %s, %s or %s)",
			c.Provider, ProviderSMTP, ProviderSES, ProviderGraph, ProviderStdout))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderSMTP
	c.SMTP.Host = "smtp.gmail.com"
	c.SMTP.Port = 465
	c.SMTP.Timeout = 30 * time.Second
	c.Attachments.Dir = "attachments"
	c.Logging.Level = "warn"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SENDER"); v != "" {
		c.Sender = v
	}
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		} else {
			slog.Warn("ignoring invalid SMTP_PORT", "value", v)
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.Timeout = d
		} else {
			slog.Warn("ignoring invalid SMTP_TIMEOUT", "value", v)
		}
	}
	if v := os.Getenv("SMTP_CA_FILE"); v != "" {
		c.SMTP.CAFile = v
	}
	if v := os.Getenv("SMTP_INSECURE_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.InsecureSkipVerify = b
		} else {
			slog.Warn("ignoring invalid SMTP_INSECURE_SKIP_VERIFY", "value", v)
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}

	if v := os.Getenv("ATTACHMENTS_DIR"); v != "" {
		c.Attachments.Dir = v
	}
	if v := os.Getenv("CREDENTIALS_KEYRING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Credentials.Keyring = b
		} else {
			slog.Warn("ignoring invalid CREDENTIALS_KEYRING", "value", v)
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
