package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"hapanel/internal/logging"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestManager(t *testing.T, rt roundTripFunc) (*Manager, *MemoryStore) {
	t.Helper()
	logger := logging.New(false)
	logger.SetOutput(io.Discard)
	store := NewMemoryStore()
	m := NewManager(ManagerConfig{
		HTTPClient:       &http.Client{Transport: rt},
		ClientID:         "http://localhost:8080/",
		RedirectURL:      "http://localhost:8080/auth/callback",
		DefaultServerURL: "http://homeassistant.local:8123",
	}, store, logger)
	m.now = func() time.Time { return fixedNow }
	m.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return m, store
}

func readForm(t *testing.T, req *http.Request) url.Values {
	t.Helper()
	require.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	form, err := url.ParseQuery(string(data))
	require.NoError(t, err)
	return form
}

func TestExchangeCode_StoresToken(t *testing.T) {
	m, store := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodPost, req.Method)
		require.Equal(t, "http://ha.local:8123/auth/token", req.URL.String())
		form := readForm(t, req)
		require.Equal(t, "authorization_code", form.Get("grant_type"))
		require.Equal(t, "abc123", form.Get("code"))
		require.Equal(t, "http://localhost:8080/", form.Get("client_id"))
		require.Equal(t, "http://localhost:8080/auth/callback", form.Get("redirect_uri"))
		return jsonResponse(200, `{"access_token":"at","refresh_token":"rt","expires_in":3600,"token_type":"Bearer"}`), nil
	})

	token, err := m.ExchangeCode(context.Background(), "abc123", "http://ha.local:8123/")
	require.NoError(t, err)
	require.Equal(t, "at", token.AccessToken)
	require.Equal(t, "rt", token.RefreshToken)
	require.Equal(t, fixedNow.Add(time.Hour), token.ExpiresAt)
	require.Equal(t, "http://ha.local:8123/", token.ServerURL)

	stored, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, token, stored)
}

func TestExchangeCode_DefaultExpiry(t *testing.T) {
	m, _ := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"access_token":"at"}`), nil
	})
	token, err := m.ExchangeCode(context.Background(), "code", "http://ha.local:8123")
	require.NoError(t, err)
	require.Equal(t, fixedNow.Add(1800*time.Second), token.ExpiresAt)
	require.False(t, token.HasRefresh())
}

func TestExchangeCode_InvalidRequest(t *testing.T) {
	var calls atomic.Int32
	m, store := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonResponse(200, `{"access_token":"at"}`), nil
	})

	_, err := m.ExchangeCode(context.Background(), "", "http://ha.local:8123")
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorIs(t, err, ErrValidation)

	_, err = m.ExchangeCode(context.Background(), "code", " ")
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.ExchangeCode(context.Background(), "code", "ftp://host")
	require.ErrorIs(t, err, ErrInvalidServerURL)

	require.Zero(t, calls.Load())
	_, ok := store.Get()
	require.False(t, ok)
}

func TestExchangeCode_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "http status",
			status: 400,
			body:   `{"error":"invalid_request"}`,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrProtocol)
				var statusErr *HTTPStatusError
				require.ErrorAs(t, err, &statusErr)
				require.Equal(t, 400, statusErr.StatusCode)
			},
		},
		{
			name:   "malformed json",
			status: 200,
			body:   `<html>`,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrProtocol)
			},
		},
		{
			name:   "remote error with description",
			status: 200,
			body:   `{"error":"invalid_grant","error_description":"Invalid code"}`,
			check: func(t *testing.T, err error) {
				var remote *RemoteError
				require.ErrorAs(t, err, &remote)
				require.Equal(t, "Invalid code", remote.Error())
				require.Equal(t, "invalid_grant", remote.Code)
			},
		},
		{
			name:   "remote error without description",
			status: 200,
			body:   `{"error":"invalid_grant"}`,
			check: func(t *testing.T, err error) {
				var remote *RemoteError
				require.ErrorAs(t, err, &remote)
				require.Equal(t, "invalid_grant", remote.Error())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			m, store := newTestManager(t, func(req *http.Request) (*http.Response, error) {
				calls.Add(1)
				return jsonResponse(tt.status, tt.body), nil
			})
			_, err := m.ExchangeCode(context.Background(), "code", "http://ha.local:8123")
			require.Error(t, err)
			tt.check(t, err)
			require.EqualValues(t, 1, calls.Load(), "non-network errors must not be retried")
			_, ok := store.Get()
			require.False(t, ok)
		})
	}
}

func TestExchangeCode_NetworkErrorRetried(t *testing.T) {
	var calls atomic.Int32
	m, _ := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})
	_, err := m.ExchangeCode(context.Background(), "code", "http://ha.local:8123")
	require.ErrorIs(t, err, ErrNetwork)
	require.EqualValues(t, networkRetryTries, calls.Load())
}

func TestExchangeCode_NetworkErrorRecovers(t *testing.T) {
	var calls atomic.Int32
	m, _ := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return jsonResponse(200, `{"access_token":"at"}`), nil
	})
	token, err := m.ExchangeCode(context.Background(), "code", "http://ha.local:8123")
	require.NoError(t, err)
	require.Equal(t, "at", token.AccessToken)
	require.EqualValues(t, 2, calls.Load())
}

func TestRefresh_PreservesRefreshTokenAndAdvancesExpiry(t *testing.T) {
	m, store := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		form := readForm(t, req)
		require.Equal(t, "refresh_token", form.Get("grant_type"))
		require.Equal(t, "rt", form.Get("refresh_token"))
		require.Equal(t, "http://localhost:8080/", form.Get("client_id"))
		return jsonResponse(200, `{"access_token":"new","expires_in":1800}`), nil
	})
	current := Token{AccessToken: "old", RefreshToken: "rt", ExpiresAt: fixedNow.Add(-time.Minute), ServerURL: "http://ha.local:8123"}

	refreshed, err := m.Refresh(context.Background(), current)
	require.NoError(t, err)
	require.Equal(t, "new", refreshed.AccessToken)
	require.Equal(t, "rt", refreshed.RefreshToken)
	require.Equal(t, current.ServerURL, refreshed.ServerURL)
	require.True(t, refreshed.ExpiresAt.After(current.ExpiresAt))

	stored, _ := store.Get()
	require.Equal(t, refreshed, stored)
}

func TestRefresh_ReplacesRefreshTokenWhenReturned(t *testing.T) {
	m, _ := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"access_token":"new","refresh_token":"rt2"}`), nil
	})
	refreshed, err := m.Refresh(context.Background(), Token{AccessToken: "old", RefreshToken: "rt", ServerURL: "http://ha.local:8123"})
	require.NoError(t, err)
	require.Equal(t, "rt2", refreshed.RefreshToken)
}

func TestRefresh_ExpiryAlwaysAdvances(t *testing.T) {
	m, _ := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"access_token":"new","expires_in":10}`), nil
	})
	current := Token{AccessToken: "old", RefreshToken: "rt", ExpiresAt: fixedNow.Add(time.Hour), ServerURL: "http://ha.local:8123"}
	refreshed, err := m.Refresh(context.Background(), current)
	require.NoError(t, err)
	require.True(t, refreshed.ExpiresAt.After(current.ExpiresAt))
}

func TestRefresh_RequiresRefreshToken(t *testing.T) {
	m, _ := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request")
		return nil, nil
	})
	_, err := m.Refresh(context.Background(), Token{AccessToken: "at", ServerURL: "http://ha.local:8123"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.Refresh(context.Background(), Token{AccessToken: "at", RefreshToken: "rt"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.RefreshStored(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestStoreManual(t *testing.T) {
	m, store := newTestManager(t, nil)

	_, err := m.StoreManual("llat", "ftp://host")
	require.ErrorIs(t, err, ErrValidation)
	_, err = m.StoreManual("llat", "http://")
	require.ErrorIs(t, err, ErrValidation)
	_, err = m.StoreManual("  ", "http://ha.local:8123")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, ok := store.Get()
	require.False(t, ok)

	token, err := m.StoreManual("llat", "https://ha.example.com/")
	require.NoError(t, err)
	require.Equal(t, "https://ha.example.com", token.ServerURL)
	require.Empty(t, token.RefreshToken)
	require.Equal(t, fixedNow.Add(manualTokenLifetime), token.ExpiresAt)
	require.False(t, store.IsExpired(fixedNow.Add(365*24*time.Hour)))
}

func TestLogout_ClearsEvenWhenRevokeFails(t *testing.T) {
	var revoked atomic.Bool
	m, store := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		form := readForm(t, req)
		require.Equal(t, "revoke", form.Get("action"))
		require.Equal(t, "rt", form.Get("token"))
		revoked.Store(true)
		return nil, errors.New("unreachable")
	})
	store.Set(Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: fixedNow.Add(time.Hour), ServerURL: "http://ha.local:8123"})

	m.Logout(context.Background())
	require.True(t, revoked.Load())
	_, ok := store.Get()
	require.False(t, ok)
}

func TestLogout_ManualTokenSkipsRevoke(t *testing.T) {
	m, store := newTestManager(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected revoke request")
		return nil, nil
	})
	_, err := m.StoreManual("llat", "http://ha.local:8123")
	require.NoError(t, err)
	m.Logout(context.Background())
	_, ok := store.Get()
	require.False(t, ok)
}

func TestValidToken(t *testing.T) {
	t.Run("not authenticated", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		_, err := m.ValidToken(context.Background())
		require.ErrorIs(t, err, ErrNotAuthenticated)
	})

	t.Run("fresh token returned as is", func(t *testing.T) {
		m, store := newTestManager(t, nil)
		store.Set(Token{AccessToken: "at", ExpiresAt: fixedNow.Add(time.Minute), ServerURL: "http://ha.local:8123"})
		token, err := m.ValidToken(context.Background())
		require.NoError(t, err)
		require.Equal(t, "at", token.AccessToken)
	})

	t.Run("expired without refresh", func(t *testing.T) {
		m, store := newTestManager(t, nil)
		store.Set(Token{AccessToken: "at", ExpiresAt: fixedNow, ServerURL: "http://ha.local:8123"})
		_, err := m.ValidToken(context.Background())
		require.ErrorIs(t, err, ErrAuthExpired)
	})

	t.Run("expired refreshes once", func(t *testing.T) {
		var calls atomic.Int32
		m, store := newTestManager(t, func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			return jsonResponse(200, `{"access_token":"new"}`), nil
		})
		store.Set(Token{AccessToken: "old", RefreshToken: "rt", ExpiresAt: fixedNow.Add(-time.Second), ServerURL: "http://ha.local:8123"})
		token, err := m.ValidToken(context.Background())
		require.NoError(t, err)
		require.Equal(t, "new", token.AccessToken)

		token, err = m.ValidToken(context.Background())
		require.NoError(t, err)
		require.Equal(t, "new", token.AccessToken)
		require.EqualValues(t, 1, calls.Load())
	})

	t.Run("refresh failure surfaces as expired", func(t *testing.T) {
		m, store := newTestManager(t, func(req *http.Request) (*http.Response, error) {
			return jsonResponse(200, `{"error":"invalid_grant"}`), nil
		})
		store.Set(Token{AccessToken: "old", RefreshToken: "rt", ExpiresAt: fixedNow.Add(-time.Second), ServerURL: "http://ha.local:8123"})
		_, err := m.ValidToken(context.Background())
		require.ErrorIs(t, err, ErrAuthExpired)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
	})
}

func TestTokenSource(t *testing.T) {
	m, store := newTestManager(t, nil)
	store.Set(Token{AccessToken: "at", ExpiresAt: fixedNow.Add(time.Minute), ServerURL: "http://ha.local:8123"})
	token, err := m.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	require.Equal(t, "at", token.AccessToken)
	require.Equal(t, "Bearer", token.TokenType)
}

func TestAuthorizationURL(t *testing.T) {
	m, _ := newTestManager(t, nil)

	raw, err := m.AuthorizationURL("")
	require.NoError(t, err)
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "homeassistant.local:8123", parsed.Host)
	require.Equal(t, "/auth/authorize", parsed.Path)
	query := parsed.Query()
	require.Equal(t, "http://localhost:8080/", query.Get("client_id"))
	require.Equal(t, "http://localhost:8080/auth/callback", query.Get("redirect_uri"))
	require.Equal(t, "code", query.Get("response_type"))
	require.Equal(t, "http://homeassistant.local:8123", query.Get("state"))

	_, err = m.AuthorizationURL("file:///etc")
	require.ErrorIs(t, err, ErrInvalidServerURL)
}

func TestInfo(t *testing.T) {
	m, store := newTestManager(t, nil)
	require.Equal(t, Info{}, m.Info(fixedNow))

	store.Set(Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: fixedNow, ServerURL: "http://ha.local:8123"})
	info := m.Info(fixedNow)
	require.True(t, info.HasToken)
	require.True(t, info.HasRefresh)
	require.True(t, info.IsExpired)
	require.Equal(t, "http://ha.local:8123", info.ServerURL)
}
