package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"teams-messenger/internal/config"
)

const (
	// expiryBuffer is subtracted from the lifetime reported by the token endpoint.
	expiryBuffer = 60 * time.Second

	fetchTimeout = 30 * time.Second
)

// Credentials used for the resource-owner password grant.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Scope        string
	Username     string
	Password     string
}

func CredentialsFromConfig(cfg *config.Config) Credentials {
	return Credentials{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        cfg.Scope,
		Username:     cfg.Username,
		Password:     cfg.Password,
	}
}

// TokenState is the cached bearer token. It is usable while now < ExpiresAt.
type TokenState struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TokenManager acquires and caches the access token for a single account.
// It is safe for concurrent use; concurrent misses share one token request.
type TokenManager struct {
	oauth    *oauth2.Config
	username string
	password string
	client   *http.Client
	logger   logrus.FieldLogger
	observer Observer
	now      func() time.Time

	mu    sync.Mutex
	state TokenState
	group singleflight.Group
}

// NewTokenManager builds a token manager for creds. An empty tokenURL selects
// the Azure AD v2.0 endpoint of the configured tenant.
func NewTokenManager(creds Credentials, tokenURL string, httpClient *http.Client, logger logrus.FieldLogger) *TokenManager {
	endpoint := microsoft.AzureADEndpoint(creds.TenantID)
	if tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &TokenManager{
		oauth: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       strings.Fields(creds.Scope),
		},
		username: creds.Username,
		password: creds.Password,
		client:   httpClient,
		logger:   logger,
		observer: noopObserver{},
		now:      time.Now,
	}
}

// Token returns the cached access token, fetching a new one once it has expired.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	if token, ok := tm.cached(); ok {
		return token, nil
	}

	// The shared fetch outlives the caller that started it.
	ch := tm.group.DoChan("token", func() (interface{}, error) {
		if token, ok := tm.cached(); ok {
			return token, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return tm.fetch(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return "", &Error{Kind: ErrAuth, Op: opGetToken, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// State returns a copy of the cached token state.
func (tm *TokenManager) State() TokenState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.state
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (tm *TokenManager) Invalidate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.state = TokenState{}
}

func (tm *TokenManager) cached() (string, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.state.AccessToken != "" && tm.now().Before(tm.state.ExpiresAt) {
		return tm.state.AccessToken, true
	}
	return "", false
}

func (tm *TokenManager) fetch(ctx context.Context) (string, error) {
	tm.logger.WithFields(logrus.Fields{
		"token_url": tm.oauth.Endpoint.TokenURL,
		"client_id": tm.oauth.ClientID,
		"username":  maskUsername(tm.username),
	}).Debug("Requesting access token")

	issuedAt := tm.now()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, tm.client)
	tok, err := tm.oauth.PasswordCredentialsToken(ctx, tm.username, tm.password)
	if err != nil {
		tm.observer.ObserveTokenFetch(false)
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			status := 0
			if rErr.Response != nil {
				status = rErr.Response.StatusCode
			}
			return "", &Error{Kind: ErrAuth, Op: opGetToken, StatusCode: status, Body: string(rErr.Body)}
		}
		return "", &Error{Kind: ErrAuth, Op: opGetToken, Err: err}
	}
	tm.observer.ObserveTokenFetch(true)

	lifetime, ok := expiresIn(tok)
	if !ok && !tok.Expiry.IsZero() {
		lifetime = time.Until(tok.Expiry)
	}
	if lifetime <= 0 {
		tm.logger.Warn("Token response carried no lifetime, token will not be cached")
	}

	state := TokenState{
		AccessToken: tok.AccessToken,
		ExpiresAt:   issuedAt.Add(lifetime - expiryBuffer),
	}

	tm.mu.Lock()
	tm.state = state
	tm.mu.Unlock()

	tm.logger.WithFields(logrus.Fields{
		"token":      maskToken(state.AccessToken),
		"expires_at": state.ExpiresAt,
	}).Debug("Access token cached")

	return state.AccessToken, nil
}

// expiresIn reads the raw expires_in field so the lifetime is measured
// against the manager's clock rather than the one used inside oauth2.
func expiresIn(tok *oauth2.Token) (time.Duration, bool) {
	var seconds int64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		seconds = int64(v)
	case int64:
		seconds = v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		seconds = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		seconds = n
	default:
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func maskUsername(username string) string {
	if len(username) <= 4 {
		return "****"
	}
	return username[:2] + "****" + username[len(username)-2:]
}
