package config

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Options struct {
	ServerURL   string   `long:"server-url" env:"HA_URL" description:"Home Assistant base URL (e.g. http://homeassistant.local:8123)"`
	Token       string   `long:"token" env:"HA_TOKEN" description:"Long-lived access token"`
	TokenFile   string   `long:"token-file" env:"HA_TOKEN_FILE" description:"File holding a long-lived access token, reloaded when it changes"`
	ClientID    string   `long:"client-id" env:"HA_CLIENT_ID" default:"http://localhost:8080/" description:"OAuth client id (the public URL of this panel)"`
	RedirectURL string   `long:"redirect-url" env:"HA_REDIRECT_URL" default:"http://localhost:8080/auth/callback" description:"OAuth redirect URL"`
	Listen      string   `long:"listen" env:"HAPANEL_LISTEN" description:"Address for the proxy HTTP server (e.g. :8080)"`
	Entities    []string `long:"entity" env:"HA_ENTITIES" env-delim:"," description:"Entity id to watch for state changes (repeatable)"`
	EventType   string   `long:"event-type" env:"HA_EVENT_TYPE" description:"Also stream raw events of this type (\"*\" for all)"`
	Debug       bool     `long:"debug" env:"HAPANEL_DEBUG" description:"Enable verbose debug output"`
}

// Endpoints are the remote URLs derived from one server base URL.
type Endpoints struct {
	ServerURL    string
	AuthorizeURL string
	TokenURL     string
	APIURL       string
	RealtimeURL  string
}

const (
	authorizePath = "/auth/authorize"
	tokenPath     = "/auth/token"
	apiPath       = "/api"
	realtimePath  = "/api/websocket"
)

// Network policy shared by the token endpoint and the REST proxy.
const (
	RequestTimeout = 30 * time.Second
	ConnectTimeout = 10 * time.Second
)

func ParseOptions(args []string) (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return Options{}, err
	}
	opts.Entities = splitEntities(opts.Entities)
	return opts, nil
}

func ValidateRequired(opts Options) error {
	hasToken := strings.TrimSpace(opts.Token) != "" || strings.TrimSpace(opts.TokenFile) != ""
	listening := strings.TrimSpace(opts.Listen) != ""
	if !hasToken && !listening {
		return errors.New("set a token, a token file, or a listen address for interactive login")
	}
	if hasToken && strings.TrimSpace(opts.ServerURL) == "" {
		return errors.New("server URL is required when a token is configured")
	}
	for _, entityID := range opts.Entities {
		if !ValidEntityID(entityID) {
			return errors.New("invalid entity id " + entityID + ", expected domain.object_id")
		}
	}
	return nil
}

// ValidEntityID reports whether id has the domain.object_id shape.
func ValidEntityID(id string) bool {
	domain, object, ok := strings.Cut(id, ".")
	return ok && domain != "" && object != "" && !strings.ContainsAny(id, " /")
}

func splitEntities(values []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			id := strings.TrimSpace(part)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// NormalizeServerURL checks that raw is an absolute http(s) URL and strips
// query, fragment and trailing slashes.
func NormalizeServerURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", errors.New("server URL is empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("expected absolute URL like http://homeassistant.local:8123")
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return "", errors.New("server URL scheme must be http or https")
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.RawPath = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return strings.TrimRight(parsed.String(), "/"), nil
}

// WebSocketURL maps the server URL onto the realtime endpoint, http->ws and
// https->wss.
func WebSocketURL(serverURL string) (string, error) {
	base, err := NormalizeServerURL(serverURL)
	if err != nil {
		return "", err
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + realtimePath, nil
}

func BuildEndpoints(serverURL string) (Endpoints, error) {
	base, err := NormalizeServerURL(serverURL)
	if err != nil {
		return Endpoints{}, err
	}
	realtime, err := WebSocketURL(base)
	if err != nil {
		return Endpoints{}, err
	}
	return Endpoints{
		ServerURL:    base,
		AuthorizeURL: base + authorizePath,
		TokenURL:     base + tokenPath,
		APIURL:       base + apiPath,
		RealtimeURL:  realtime,
	}, nil
}

// NewHTTPClient returns a client enforcing RequestTimeout overall and
// ConnectTimeout for dialing and TLS.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = ConnectTimeout
	return &http.Client{Timeout: RequestTimeout, Transport: transport}
}
