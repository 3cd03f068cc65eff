package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hapanel/internal/logging"
)

func TestBuildEndpoints_NormalizesServerURL(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		server   string
		realtime string
	}{
		{name: "plain http", base: "http://homeassistant.local:8123", server: "http://homeassistant.local:8123", realtime: "ws://homeassistant.local:8123/api/websocket"},
		{name: "trailing slash", base: "http://10.0.0.2:8123/", server: "http://10.0.0.2:8123", realtime: "ws://10.0.0.2:8123/api/websocket"},
		{name: "https maps to wss", base: "https://ha.example.com", server: "https://ha.example.com", realtime: "wss://ha.example.com/api/websocket"},
		{name: "upper case scheme", base: "HTTPS://ha.example.com", server: "https://ha.example.com", realtime: "wss://ha.example.com/api/websocket"},
		{name: "subpath kept", base: "https://example.com/ha/", server: "https://example.com/ha", realtime: "wss://example.com/ha/api/websocket"},
		{name: "query fragment dropped", base: "https://ha.example.com/?x=1#y", server: "https://ha.example.com", realtime: "wss://ha.example.com/api/websocket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoints, err := BuildEndpoints(tt.base)
			if err != nil {
				t.Fatalf("BuildEndpoints failed: %v", err)
			}
			if endpoints.ServerURL != tt.server {
				t.Fatalf("ServerURL = %q, want %q", endpoints.ServerURL, tt.server)
			}
			if endpoints.RealtimeURL != tt.realtime {
				t.Fatalf("RealtimeURL = %q, want %q", endpoints.RealtimeURL, tt.realtime)
			}
			if endpoints.TokenURL != tt.server+"/auth/token" {
				t.Fatalf("TokenURL = %q", endpoints.TokenURL)
			}
			if endpoints.AuthorizeURL != tt.server+"/auth/authorize" {
				t.Fatalf("AuthorizeURL = %q", endpoints.AuthorizeURL)
			}
			if endpoints.APIURL != tt.server+"/api" {
				t.Fatalf("APIURL = %q", endpoints.APIURL)
			}
		})
	}
}

func TestBuildEndpoints_InvalidScheme(t *testing.T) {
	tests := []string{
		"ftp://host",
		"ws://homeassistant.local",
		"file:///tmp/ha",
		"homeassistant.local:8123",
		"",
	}
	for _, base := range tests {
		t.Run(base, func(t *testing.T) {
			if _, err := BuildEndpoints(base); err == nil {
				t.Fatalf("expected error for %q", base)
			}
		})
	}
}

func TestValidateRequired(t *testing.T) {
	if err := ValidateRequired(Options{}); err == nil {
		t.Fatalf("expected error without token or listen address")
	}
	if err := ValidateRequired(Options{Token: "abc"}); err == nil {
		t.Fatalf("expected error for token without server URL")
	}
	if err := ValidateRequired(Options{Listen: ":8080"}); err != nil {
		t.Fatalf("listen-only options rejected: %v", err)
	}
	opts := Options{Token: "abc", ServerURL: "http://ha:8123", Entities: []string{"light.kitchen", "kitchen"}}
	if err := ValidateRequired(opts); err == nil {
		t.Fatalf("expected error for malformed entity id")
	}
}

func TestSplitEntities_DedupesCommaLists(t *testing.T) {
	got := splitEntities([]string{"light.kitchen, switch.fan", "light.kitchen", " ", "cover.garage"})
	want := []string{"light.kitchen", "switch.fan", "cover.garage"}
	if len(got) != len(want) {
		t.Fatalf("splitEntities() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitEntities() = %v, want %v", got, want)
		}
	}
}

func TestParseOptions_FlagsAndDefaults(t *testing.T) {
	opts, err := ParseOptions([]string{"--server-url", "http://ha:8123", "--token", "abc", "--entity", "light.a,light.b", "--entity", "switch.c"})
	if err != nil {
		t.Fatalf("ParseOptions() error = %v", err)
	}
	if opts.ServerURL != "http://ha:8123" || opts.Token != "abc" {
		t.Fatalf("opts = %#v", opts)
	}
	if len(opts.Entities) != 3 {
		t.Fatalf("Entities = %v", opts.Entities)
	}
	if opts.ClientID == "" || opts.RedirectURL == "" {
		t.Fatalf("expected default client id and redirect URL, got %#v", opts)
	}
}

func TestNewHTTPClient_Policy(t *testing.T) {
	c := NewHTTPClient()
	if c.Timeout != RequestTimeout {
		t.Fatalf("Timeout = %v, want %v", c.Timeout, RequestTimeout)
	}
}

func TestWatchTokenFile_EmitsInitialAndUpdates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tokens, err := WatchTokenFile(ctx, path, logging.New(false))
	if err != nil {
		t.Fatalf("WatchTokenFile() error = %v", err)
	}

	expect := func(want string) {
		t.Helper()
		select {
		case got := <-tokens:
			if got != want {
				t.Fatalf("token = %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	expect("first")

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite token: %v", err)
	}
	expect("second")

	cancel()
	for range tokens {
	}
}

func TestWatchTokenFile_MissingFile(t *testing.T) {
	if _, err := WatchTokenFile(context.Background(), filepath.Join(t.TempDir(), "nope"), logging.New(false)); err == nil {
		t.Fatalf("expected error for missing token file")
	}
}

func TestWatchTokenFile_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte(" \n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	tokens, err := WatchTokenFile(context.Background(), path, logging.New(false))
	if !errors.Is(err, ErrEmptyTokenFile) {
		t.Fatalf("WatchTokenFile() error = %v, want ErrEmptyTokenFile", err)
	}
	if tokens != nil {
		t.Fatalf("WatchTokenFile() returned a channel for an empty file")
	}
}
