package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"hapanel/internal/config"
	"hapanel/internal/logging"
)

const (
	defaultExpiresIn    = 1800 * time.Second
	manualTokenLifetime = 10 * 365 * 24 * time.Hour
	networkRetryTries   = 3
	maxTokenResponse    = 1 << 20
)

type ManagerConfig struct {
	HTTPClient  *http.Client
	ClientID    string
	RedirectURL string
	// DefaultServerURL is used by AuthorizationURL when no server is given.
	DefaultServerURL string
}

// Manager obtains, renews and revokes tokens against the Home Assistant token
// endpoint and keeps the Store current.
type Manager struct {
	http        *http.Client
	store       Store
	clientID    string
	redirectURL string
	defaultURL  string
	logger      *logging.Logger

	refreshMu  sync.Mutex
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// Info describes the stored session without exposing any token value.
type Info struct {
	HasToken   bool      `json:"has_token"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	HasRefresh bool      `json:"has_refresh"`
	ServerURL  string    `json:"server_url,omitempty"`
	IsExpired  bool      `json:"is_expired"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        *int64 `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func NewManager(cfg ManagerConfig, store Store, logger *logging.Logger) *Manager {
	if logger == nil {
		panic("auth.NewManager: logger must not be nil")
	}
	if store == nil {
		panic("auth.NewManager: store must not be nil")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = config.NewHTTPClient()
	}
	return &Manager{
		http:        httpClient,
		store:       store,
		clientID:    cfg.ClientID,
		redirectURL: cfg.RedirectURL,
		defaultURL:  cfg.DefaultServerURL,
		logger:      logger,
		now:         time.Now,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

func (m *Manager) Store() Store {
	return m.store
}

// ValidateServerURL accepts absolute http(s) URLs with a host and returns the
// normalized form.
func ValidateServerURL(raw string) (string, error) {
	normalized, err := config.NormalizeServerURL(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}
	return normalized, nil
}

func tokenURL(serverURL string) (string, error) {
	endpoints, err := config.BuildEndpoints(serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}
	return endpoints.TokenURL, nil
}

func (m *Manager) expiry(now time.Time, expiresIn *int64) time.Time {
	if expiresIn == nil {
		return now.Add(defaultExpiresIn)
	}
	return now.Add(time.Duration(*expiresIn) * time.Second)
}

// ExchangeCode trades an authorization code for a token and stores it.
func (m *Manager) ExchangeCode(ctx context.Context, code string, serverURL string) (Token, error) {
	code = strings.TrimSpace(code)
	serverURL = strings.TrimSpace(serverURL)
	if code == "" || serverURL == "" {
		return Token{}, fmt.Errorf("%w: code and server URL are required", ErrInvalidRequest)
	}
	endpoint, err := tokenURL(serverURL)
	if err != nil {
		return Token{}, err
	}

	now := m.now()
	resp, err := m.postToken(ctx, endpoint, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {m.clientID},
		"redirect_uri": {m.redirectURL},
	})
	if err != nil {
		return Token{}, err
	}

	token := Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    m.expiry(now, resp.ExpiresIn),
		ServerURL:    serverURL,
	}
	m.store.Set(token)
	m.logger.Info("authorization code exchanged",
		logging.Field("server", serverURL),
		logging.Field("expires_at", token.ExpiresAt),
		logging.Field("has_refresh", token.HasRefresh()),
	)
	return token, nil
}

// Refresh renews current with its refresh token. The refresh token is kept
// when the response omits a new one, and the expiry always moves forward.
func (m *Manager) Refresh(ctx context.Context, current Token) (Token, error) {
	if current.RefreshToken == "" || strings.TrimSpace(current.ServerURL) == "" {
		return Token{}, fmt.Errorf("%w: refresh token and server URL are required", ErrInvalidRequest)
	}
	endpoint, err := tokenURL(current.ServerURL)
	if err != nil {
		return Token{}, err
	}

	now := m.now()
	resp, err := m.postToken(ctx, endpoint, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
		"client_id":     {m.clientID},
	})
	if err != nil {
		return Token{}, err
	}

	refreshed := Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: current.RefreshToken,
		ExpiresAt:    m.expiry(now, resp.ExpiresIn),
		ServerURL:    current.ServerURL,
	}
	if resp.RefreshToken != "" {
		refreshed.RefreshToken = resp.RefreshToken
	}
	if !refreshed.ExpiresAt.After(current.ExpiresAt) {
		refreshed.ExpiresAt = current.ExpiresAt.Add(time.Second)
	}
	m.store.Set(refreshed)
	m.logger.Info("access token refreshed", logging.Field("expires_at", refreshed.ExpiresAt))
	return refreshed, nil
}

// RefreshStored refreshes whatever token the store currently holds.
func (m *Manager) RefreshStored(ctx context.Context) (Token, error) {
	current, ok := m.store.Get()
	if !ok {
		return Token{}, ErrNotAuthenticated
	}
	return m.Refresh(ctx, current)
}

// StoreManual registers a long-lived token. It never expires in practice and
// has no refresh token.
func (m *Manager) StoreManual(accessToken string, serverURL string) (Token, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Token{}, fmt.Errorf("%w: access token is required", ErrInvalidRequest)
	}
	if _, err := ValidateServerURL(serverURL); err != nil {
		return Token{}, err
	}
	token := Token{
		AccessToken: accessToken,
		ExpiresAt:   m.now().Add(manualTokenLifetime),
		ServerURL:   strings.TrimRight(strings.TrimSpace(serverURL), "/"),
	}
	m.store.Set(token)
	m.logger.Info("manual token registered", logging.Field("server", token.ServerURL))
	return token, nil
}

// Revoke asks the server to revoke current's refresh token. Failures are
// logged and otherwise ignored.
func (m *Manager) Revoke(ctx context.Context, current Token) {
	if current.RefreshToken == "" {
		return
	}
	endpoint, err := tokenURL(current.ServerURL)
	if err != nil {
		m.logger.Debug("skipping token revoke", logging.Field("error", err))
		return
	}
	form := url.Values{"token": {current.RefreshToken}, "action": {"revoke"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		m.logger.Debug("token revoke request failed", logging.Field("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := m.http.Do(req)
	if err != nil {
		m.logger.Warn("token revoke failed", logging.Field("error", err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxTokenResponse))
	if resp.StatusCode >= 400 {
		m.logger.Warn("token revoke rejected", logging.Field("status", resp.Status))
		return
	}
	m.logger.Debug("refresh token revoked")
}

// Logout revokes the stored token if possible and always clears the store.
func (m *Manager) Logout(ctx context.Context) {
	if current, ok := m.store.Get(); ok {
		m.Revoke(ctx, current)
	}
	m.store.Clear()
	m.logger.Info("logged out")
}

// AuthorizationURL builds the browser redirect that starts the code flow. The
// state parameter carries the server URL back to the callback.
func (m *Manager) AuthorizationURL(serverURL string) (string, error) {
	if strings.TrimSpace(serverURL) == "" {
		serverURL = m.defaultURL
	}
	endpoints, err := config.BuildEndpoints(serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}
	oauthConfig := oauth2.Config{
		ClientID:    m.clientID,
		RedirectURL: m.redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoints.AuthorizeURL,
			TokenURL:  endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return oauthConfig.AuthCodeURL(endpoints.ServerURL), nil
}

func (m *Manager) Info(now time.Time) Info {
	token, ok := m.store.Get()
	if !ok {
		return Info{}
	}
	return Info{
		HasToken:   true,
		ExpiresAt:  token.ExpiresAt,
		HasRefresh: token.HasRefresh(),
		ServerURL:  token.ServerURL,
		IsExpired:  token.IsExpired(now),
	}
}

// ValidToken returns the stored token, refreshing it once when expired.
// Concurrent callers share a single refresh.
func (m *Manager) ValidToken(ctx context.Context) (Token, error) {
	token, ok := m.store.Get()
	if !ok {
		return Token{}, ErrNotAuthenticated
	}
	if !token.IsExpired(m.now()) {
		return token, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	token, ok = m.store.Get()
	if !ok {
		return Token{}, ErrNotAuthenticated
	}
	if !token.IsExpired(m.now()) {
		return token, nil
	}
	if !token.HasRefresh() {
		return Token{}, fmt.Errorf("%w: no refresh token", ErrAuthExpired)
	}
	refreshed, err := m.Refresh(ctx, token)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}
	return refreshed, nil
}

// TokenSource adapts ValidToken for oauth2.Transport.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return storeTokenSource{ctx: ctx, manager: m}
}

type storeTokenSource struct {
	ctx     context.Context
	manager *Manager
}

func (s storeTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.manager.ValidToken(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token.AccessToken, TokenType: "Bearer", Expiry: token.ExpiresAt}, nil
}

func (m *Manager) postToken(ctx context.Context, endpoint string, form url.Values) (tokenResponse, error) {
	operation := func() (tokenResponse, error) {
		resp, err := m.postTokenOnce(ctx, endpoint, form)
		if err != nil && !errors.Is(err, ErrNetwork) {
			return tokenResponse{}, backoff.Permanent(err)
		}
		return resp, err
	}
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(networkRetryTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("token request failed, retrying",
				logging.Field("error", err),
				logging.Field("retry_in", next.String()),
			)
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return tokenResponse{}, err
	}
	return resp, nil
}

func (m *Manager) postTokenOnce(ctx context.Context, endpoint string, form url.Values) (tokenResponse, error) {
	m.logger.Debug("token request", logging.Field("url", endpoint), logging.Field("grant_type", form.Get("grant_type")))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("%w: read token response: %w", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		body := logging.FormatHTTPPayload(data)
		m.logger.Warn("token request failed",
			logging.Field("status", resp.Status),
			logging.Field("response", body),
		)
		return tokenResponse{}, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(data)}
	}

	out := tokenResponse{}
	if err := json.Unmarshal(data, &out); err != nil {
		return tokenResponse{}, fmt.Errorf("%w: invalid token response: %v", ErrProtocol, err)
	}
	if out.Error != "" {
		return tokenResponse{}, &RemoteError{Code: out.Error, Description: out.ErrorDescription}
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return tokenResponse{}, fmt.Errorf("%w: missing access_token", ErrProtocol)
	}
	return out, nil
}
