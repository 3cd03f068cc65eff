package haapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"hapanel/internal/auth"
	"hapanel/internal/config"
	"hapanel/internal/logging"
)

const maxResponseBytes = 8 << 20

// Credentials yields a usable token, refreshing it when needed.
type Credentials interface {
	ValidToken(ctx context.Context) (auth.Token, error)
}

// Envelope is the uniform result of every REST operation. Callers check
// Success instead of handling errors.
type Envelope struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Response string          `json:"response,omitempty"`
	// Status is the HTTP status a proxy should answer with.
	Status int `json:"-"`
}

func failure(status int, format string, args ...any) Envelope {
	return Envelope{Success: false, Error: fmt.Sprintf(format, args...), Status: status}
}

type Client struct {
	http   *http.Client
	creds  Credentials
	logger *logging.Logger
}

func New(httpClient *http.Client, creds Credentials, logger *logging.Logger) *Client {
	if logger == nil {
		panic("haapi.New: logger must not be nil")
	}
	if httpClient == nil {
		httpClient = config.NewHTTPClient()
	}
	return &Client{http: httpClient, creds: creds, logger: logger}
}

// bearerClient wraps the configured client so every request carries token.
func (c *Client) bearerClient(token auth.Token) *http.Client {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.AccessToken, TokenType: "Bearer"})
	return &http.Client{
		Transport: &oauth2.Transport{Source: source, Base: c.http.Transport},
		Timeout:   c.http.Timeout,
	}
}

// Request calls {server}/api{endpoint} with the stored token. body, when not
// nil, is sent as JSON.
func (c *Client) Request(ctx context.Context, endpoint string, method string, body any) Envelope {
	token, err := c.creds.ValidToken(ctx)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNotAuthenticated):
			return failure(http.StatusUnauthorized, "Missing Home Assistant URL or token")
		case errors.Is(err, auth.ErrAuthExpired):
			return failure(http.StatusUnauthorized, "Authentication expired: %v", err)
		default:
			return failure(http.StatusBadGateway, "%v", err)
		}
	}
	endpoints, err := config.BuildEndpoints(token.ServerURL)
	if err != nil {
		return failure(http.StatusBadRequest, "Invalid Home Assistant URL: %v", err)
	}
	url := endpoints.APIURL + endpoint
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return failure(http.StatusBadRequest, "Invalid request body: %v", err)
		}
		c.logger.Debug("api request body", logging.Field("url", url), logging.Field("payload", logging.FormatHTTPPayload(payload)))
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return failure(http.StatusBadRequest, "Invalid request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.bearerClient(token).Do(req)
	if err != nil {
		c.logger.Warn("api request failed", logging.Field("url", url), logging.Field("error", err))
		return failure(http.StatusBadGateway, "Request failed: %v", err)
	}
	defer resp.Body.Close()
	c.logger.Debugf("%s %s -> %s", method, url, resp.Status)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure(http.StatusBadGateway, "Request failed: %v", err)
	}
	if resp.StatusCode >= 400 {
		c.logger.Warn("api request rejected",
			logging.Field("status", resp.Status),
			logging.Field("url", url),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		env := failure(upstreamStatus(resp.StatusCode), "HTTP Error %d", resp.StatusCode)
		env.Response = string(data)
		return env
	}

	payload, err := decodePayload(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return failure(http.StatusBadGateway, "Invalid JSON response: %v", err)
	}
	return Envelope{Success: true, Data: payload, Status: http.StatusOK}
}

func upstreamStatus(code int) int {
	if code >= 500 {
		return http.StatusBadGateway
	}
	return code
}

// decodePayload validates JSON bodies and wraps plain text ones, such as the
// error log, in a JSON string.
func decodePayload(contentType string, data []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if strings.HasPrefix(mediaType, "text/") {
		encoded, err := json.Marshal(string(data))
		if err != nil {
			return nil, err
		}
		return encoded, nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("malformed body")
	}
	return json.RawMessage(trimmed), nil
}
