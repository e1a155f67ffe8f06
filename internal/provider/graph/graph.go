// Package graph implements a Provider that sends emails through the Microsoft
// Graph sendMail API, logging in with the OAuth2 client credentials flow.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/mailmerge-lite/internal/email"
	"github.com/shineum/mailmerge-lite/internal/provider"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

const (
	defaultAuthority = "https://login.microsoftonline.com"
	defaultBaseURL   = "https://graph.microsoft.com/v1.0"
	defaultTimeout   = 30 * time.Second
	graphScope       = "https://graph.microsoft.com/.default"
)

// Config holds the configuration for creating a Graph Provider.
type Config struct {
	TenantID string
	// ClientID is the application ID; its client secret is supplied to
	// Authenticate.
	ClientID string
	Timeout  time.Duration

	// Authority and BaseURL default to the global Microsoft cloud.
	Authority string
	BaseURL   string
}

// Provider sends each message as one sendMail call on behalf of the sender's
// mailbox.
type Provider struct {
	cfg        Config
	retryDelay time.Duration

	httpClient  *http.Client
	credentials *clientcredentials.Config
	tokenCtx    context.Context
	tokens      oauth2.TokenSource
	state       provider.State
}

// New creates a Graph Provider. It makes no network calls.
func New(cfg Config) *Provider {
	if cfg.Authority == "" {
		cfg.Authority = defaultAuthority
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Authority = strings.TrimSuffix(cfg.Authority, "/")
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &Provider{
		cfg:        cfg,
		retryDelay: baseRetryDelay,
	}
}

// Connect prepares the HTTP client. No request is made until Authenticate.
func (p *Provider) Connect(context.Context) error {
	if p.state == provider.Connected || p.state == provider.Authenticated {
		return nil
	}
	if err := provider.Expect(p.state, provider.Disconnected, "connect"); err != nil {
		return err
	}

	p.httpClient = &http.Client{Timeout: p.cfg.Timeout}
	p.state = provider.Connected
	return nil
}

// Authenticate acquires an access token with the client secret. identity is
// the sender address and is only used for logging.
func (p *Provider) Authenticate(ctx context.Context, identity, secret string) error {
	if err := provider.Expect(p.state, provider.Connected, "authenticate"); err != nil {
		return err
	}

	cc := &clientcredentials.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: secret,
		TokenURL:     p.tokenURL(),
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	// Tokens outlive this call and are refreshed from Send.
	tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, p.httpClient)
	tokens := cc.TokenSource(tokenCtx)

	if _, err := tokens.Token(); err != nil {
		if isAuthError(err) {
			return &provider.AuthenticationError{Identity: p.cfg.ClientID, Err: err}
		}
		return &provider.ConnectionError{Endpoint: p.tokenURL(), Err: err}
	}

	slog.Debug("Graph access token acquired", "sender", identity, "client_id", p.cfg.ClientID)
	p.credentials = cc
	p.tokenCtx = tokenCtx
	p.tokens = tokens
	p.state = provider.Authenticated
	return nil
}

// Send delivers msg from the sender's mailbox. Throttling and server errors
// are retried with backoff, honouring Retry-After, and a 401 refreshes the
// token once. Exhausted retries are fatal.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	if err := provider.Expect(p.state, provider.Authenticated, "send"); err != nil {
		return err
	}

	body, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return &provider.SendError{
			Kind:      provider.DataRejected,
			Recipient: msg.To,
			Err:       fmt.Errorf("failed to marshal request body: %w", err),
		}
	}
	endpoint := fmt.Sprintf("%s/users/%s/sendMail", p.cfg.BaseURL, url.PathEscape(msg.From))

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := p.post(ctx, endpoint, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *apiError
		if !errors.As(err, &apiErr) {
			return &provider.ConnectionError{Endpoint: p.Endpoint(), Err: err}
		}

		var delay time.Duration
		switch {
		case apiErr.status == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			p.tokens = p.credentials.TokenSource(p.tokenCtx)
			tokenRefreshed = true
			continue
		case apiErr.status == http.StatusTooManyRequests:
			delay = p.retryAfterDelay(apiErr.retryAfter, attempt)
			slog.Info("rate limited by Graph API", "retry_after", delay)
		case apiErr.transient():
			delay = backoffDelay(p.retryDelay, attempt)
			slog.Info("transient Graph API error, retrying",
				"status", apiErr.status,
				"delay", delay,
			)
		default:
			return p.classify(msg, apiErr)
		}

		if attempt == maxRetries {
			break
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return &provider.ConnectionError{Endpoint: p.Endpoint(), Err: err}
		}
	}

	return &provider.ConnectionError{
		Endpoint: p.Endpoint(),
		Err:      fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr),
	}
}

// post performs a single sendMail request.
func (p *Provider) post(ctx context.Context, endpoint string, body []byte) error {
	token, err := p.tokens.Token()
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apiError{message: err.Error()}
	}
	defer resp.Body.Close()

	// 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	e := &apiError{
		status:     resp.StatusCode,
		message:    string(raw),
		retryAfter: resp.Header.Get("Retry-After"),
	}
	var envelope errorResponse
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		e.code = envelope.Error.Code
		e.message = envelope.Error.Message
	}
	return e
}

// failureCodes maps Graph error codes onto the failure taxonomy.
var failureCodes = map[string]provider.FailureKind{
	"ErrorInvalidRecipients":      provider.RecipientRefused,
	"ErrorRecipientNotFound":      provider.RecipientRefused,
	"ErrorSendAsDenied":           provider.SenderRefused,
	"ErrorAccessDenied":           provider.SenderRefused,
	"ErrorInvalidUser":            provider.SenderRefused,
	"MailboxNotEnabledForRESTAPI": provider.SenderRefused,
	"ErrorMessageSizeExceeded":    provider.DataRejected,
	"ErrorInvalidMimeContent":     provider.DataRejected,
}

// classify maps a permanent sendMail error onto the failure taxonomy.
func (p *Provider) classify(msg *email.Message, e *apiError) error {
	kind, ok := failureCodes[e.code]
	if !ok {
		switch e.status {
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			kind = provider.DataRejected
		case http.StatusForbidden, http.StatusNotFound:
			kind = provider.SenderRefused
		default:
			return &provider.ConnectionError{Endpoint: p.Endpoint(), Err: e}
		}
	}
	return &provider.SendError{Kind: kind, Recipient: msg.To, Err: e}
}

// Close drops the token and idle connections.
func (p *Provider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	p.tokens = nil
	p.state = provider.Closed
	return nil
}

// SecretRequired reports true: the client secret is always entered.
func (p *Provider) SecretRequired() bool {
	return true
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "graph"
}

// Endpoint returns the Graph API host.
func (p *Provider) Endpoint() string {
	if u, err := url.Parse(p.cfg.BaseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return p.cfg.BaseURL
}

func (p *Provider) tokenURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", p.cfg.Authority, url.PathEscape(p.cfg.TenantID))
}

// authErrorCodes are OAuth2 error codes returned for a bad client or secret.
var authErrorCodes = map[string]bool{
	"invalid_client":      true,
	"unauthorized_client": true,
}

func isAuthError(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if authErrorCodes[re.ErrorCode] {
		return true
	}
	return re.ErrorCode == "" && re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized
}

// apiError is a failed sendMail response. A zero status means the request
// never got one.
type apiError struct {
	status     int
	code       string
	message    string
	retryAfter string
}

func (e *apiError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("Graph API request failed: %s", e.message)
	}
	if e.code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.status, e.code, e.message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.status, e.message)
}

func (e *apiError) transient() bool {
	return e.status == 0 || e.status == http.StatusTooManyRequests || e.status >= 500
}

// retryAfterDelay parses the Retry-After header value, falling back to
// exponential backoff if it is missing or unparseable.
func (p *Provider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return backoffDelay(p.retryDelay, attempt)
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
