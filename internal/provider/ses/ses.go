// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mailmerge-lite/internal/email"
	"github.com/shineum/mailmerge-lite/internal/provider"
)

// maxRetries is the maximum number of retry attempts for throttled requests.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a SES Provider.
type Config struct {
	Region string

	// AccessKeyID pairs with the secret access key supplied to Authenticate.
	// When empty, the default AWS credential chain is used and no secret is
	// prompted for.
	AccessKeyID string

	// NewClient builds the API client. Defaults to sesv2.NewFromConfig.
	NewClient func(aws.Config) API
}

// API is the subset of the SES v2 client used by the provider.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// Provider sends each message as a raw MIME SendEmail call.
type Provider struct {
	cfg        Config
	load       func(ctx context.Context, region string) (aws.Config, error)
	retryDelay time.Duration

	awsCfg aws.Config
	client API
	state  provider.State
}

// New creates a SES Provider. It makes no API calls.
func New(cfg Config) *Provider {
	if cfg.NewClient == nil {
		cfg.NewClient = func(c aws.Config) API { return sesv2.NewFromConfig(c) }
	}
	return &Provider{
		cfg:        cfg,
		load:       loadAWSConfig,
		retryDelay: baseRetryDelay,
	}
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
}

// Connect loads the AWS configuration for the region.
func (p *Provider) Connect(ctx context.Context) error {
	if p.state == provider.Connected || p.state == provider.Authenticated {
		return nil
	}
	if err := provider.Expect(p.state, provider.Disconnected, "connect"); err != nil {
		return err
	}

	awsCfg, err := p.load(ctx, p.cfg.Region)
	if err != nil {
		return &provider.ConnectionError{
			Endpoint: p.Endpoint(),
			Err:      fmt.Errorf("failed to load AWS config: %w", err),
		}
	}

	p.awsCfg = awsCfg
	p.state = provider.Connected
	return nil
}

// Authenticate builds a client from the access key ID and secret and verifies
// it with GetAccount. identity is the sender address and is only used for logging.
func (p *Provider) Authenticate(ctx context.Context, identity, secret string) error {
	if err := provider.Expect(p.state, provider.Connected, "authenticate"); err != nil {
		return err
	}

	awsCfg := p.awsCfg.Copy()
	if p.cfg.AccessKeyID != "" {
		awsCfg.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(p.cfg.AccessKeyID, secret, ""),
		)
	}
	client := p.cfg.NewClient(awsCfg)

	if _, err := client.GetAccount(ctx, &sesv2.GetAccountInput{}); err != nil {
		if isAuthError(err) {
			return &provider.AuthenticationError{Identity: p.cfg.AccessKeyID, Err: err}
		}
		return &provider.ConnectionError{Endpoint: p.Endpoint(), Err: err}
	}

	slog.Debug("SES credentials verified", "sender", identity, "region", p.cfg.Region)
	p.client = client
	p.state = provider.Authenticated
	return nil
}

// Send delivers msg as a raw MIME message. Throttled requests are retried
// with exponential backoff before the failure is treated as fatal.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	if err := provider.Expect(p.state, provider.Authenticated, "send"); err != nil {
		return err
	}

	var raw bytes.Buffer
	if _, err := msg.WriteTo(&raw); err != nil {
		return &provider.SendError{
			Kind:      provider.DataRejected,
			Recipient: msg.To,
			Err:       fmt.Errorf("failed to build raw message: %w", err),
		}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw.Bytes()},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying throttled SES request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, backoffDelay(p.retryDelay, attempt-1)); err != nil {
				return &provider.ConnectionError{Endpoint: p.Endpoint(), Err: err}
			}
		}

		_, err := p.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}
		lastErr = err

		var throttled *types.TooManyRequestsException
		if !errors.As(err, &throttled) {
			return p.classify(msg, err)
		}
		slog.Warn("SES request throttled", "attempt", attempt, "error", err)
	}

	return &provider.ConnectionError{
		Endpoint: p.Endpoint(),
		Err:      fmt.Errorf("SES request throttled after %d retries: %w", maxRetries, lastErr),
	}
}

// classify maps a SendEmail error onto the failure taxonomy.
func (p *Provider) classify(msg *email.Message, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &provider.ConnectionError{Endpoint: p.Endpoint(), Err: err}
	}

	var kind provider.FailureKind
	switch apiErr.ErrorCode() {
	case "MessageRejected":
		kind = provider.DataRejected
	case "MailFromDomainNotVerifiedException", "AccountSuspendedException", "SendingPausedException":
		kind = provider.SenderRefused
	case "BadRequestException", "NotFoundException":
		kind = provider.RecipientRefused
	default:
		return &provider.ConnectionError{Endpoint: p.Endpoint(), Err: err}
	}
	return &provider.SendError{Kind: kind, Recipient: msg.To, Err: err}
}

// Close releases the client. SES holds no session to tear down.
func (p *Provider) Close() error {
	p.state = provider.Closed
	p.client = nil
	return nil
}

// SecretRequired reports whether a secret access key must be supplied.
func (p *Provider) SecretRequired() bool {
	return p.cfg.AccessKeyID != ""
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// Endpoint returns the regional SES API host.
func (p *Provider) Endpoint() string {
	return fmt.Sprintf("email.%s.amazonaws.com", p.cfg.Region)
}

// authErrorCodes are API error codes returned for bad or unauthorized credentials.
var authErrorCodes = map[string]bool{
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"InvalidSignatureException":   true,
	"AccessDeniedException":       true,
	"ExpiredTokenException":       true,
}

func isAuthError(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && authErrorCodes[apiErr.ErrorCode()]
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
