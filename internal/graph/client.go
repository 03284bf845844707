package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"teams-messenger/internal/config"
)

const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const (
	opGetToken    = "get_token"
	opGetUser     = "get_user"
	opListChats   = "list_chats"
	opCreateChat  = "create_chat"
	opSendMessage = "send_message"
)

// Observer receives request level measurements. *metrics.Metrics implements it.
type Observer interface {
	ObserveGraphRequest(operation string, statusCode int, elapsed float64)
	ObserveTokenFetch(success bool)
}

type noopObserver struct{}

func (noopObserver) ObserveGraphRequest(string, int, float64) {}
func (noopObserver) ObserveTokenFetch(bool)                   {}

// Client mediates all calls to Microsoft Graph for the configured account.
type Client struct {
	cfg      *config.Config
	client   *http.Client
	baseURL  string
	tokens   *TokenManager
	logger   logrus.FieldLogger
	observer Observer
	now      func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the default client, e.g. with a traced one.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithClock overrides the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithTokenManager shares an existing token cache instead of creating one.
func WithTokenManager(tm *TokenManager) Option {
	return func(c *Client) {
		c.tokens = tm
	}
}

// NewClient creates a Graph client for cfg.
func NewClient(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		client:   &http.Client{Timeout: 20 * time.Second},
		baseURL:  DefaultBaseURL,
		logger:   logrus.StandardLogger(),
		observer: noopObserver{},
		now:      time.Now,
	}
	if cfg.GraphBaseURL != "" {
		c.baseURL = strings.TrimRight(cfg.GraphBaseURL, "/")
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.tokens == nil {
		tokenURL := ""
		if cfg.LoginBaseURL != "" {
			tokenURL = fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(cfg.LoginBaseURL, "/"), cfg.TenantID)
		}
		c.tokens = NewTokenManager(CredentialsFromConfig(cfg), tokenURL, c.client, c.logger)
		c.tokens.observer = c.observer
		c.tokens.now = c.now
	}

	c.logger.WithFields(logrus.Fields{
		"tenant_id": cfg.TenantID,
		"client_id": cfg.ClientID,
		"base_url":  c.baseURL,
	}).Debug("Graph client initialized")

	return c
}

// Tokens exposes the client's token manager.
func (c *Client) Tokens() *TokenManager {
	return c.tokens
}

// InvalidateToken drops the cached access token, e.g. after Graph answered 401.
func (c *Client) InvalidateToken() {
	c.tokens.Invalidate()
}

// do performs one authenticated JSON round trip. Non-2xx replies become an
// *Error of the given kind carrying the response body.
func (c *Client) do(ctx context.Context, op string, kind error, method, endpoint string, payload, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return &Error{Kind: kind, Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
		body = bytes.NewReader(payloadBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &Error{Kind: kind, Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.WithFields(logrus.Fields{
		"method": method,
		"url":    endpoint,
	}).Debug("Calling Graph API")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Kind: kind, Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.observer.ObserveGraphRequest(op, resp.StatusCode, time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		gErr := &Error{
			Kind:       kind,
			Op:         op,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		bodyBytes, err := io.ReadAll(resp.Body)
		gErr.Body = string(bodyBytes)
		if err != nil {
			gErr.Err = fmt.Errorf("failed to read error response: %w", err)
		}
		return gErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: kind, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// sameOrigin reports whether link points at the configured Graph host, so the
// bearer token is never sent to a host taken from a response body.
func (c *Client) sameOrigin(link string) bool {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	next, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.EqualFold(base.Scheme, next.Scheme) && strings.EqualFold(base.Host, next.Host)
}
