package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://chat.example.com", want: "wss://chat.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func newTestApp(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := Config{
		HTTPAddr:           "127.0.0.1:0",
		JWTSecret:          strings.Repeat("k", 40),
		JWTIssuer:          "parley-test",
		TokenTTL:           time.Hour,
		CORSAllowedOrigins: []string{"http://localhost:*"},
		RateLimitRequests:  1000,
		RateLimitWindow:    time.Minute,
		UploadDir:          t.TempDir(),
		MaxUploadBytes:     1 << 20,
		ServiceName:        "parley-test",
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestApp_InMemoryEndToEnd(t *testing.T) {
	t.Parallel()

	srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/conversations")
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous /conversations: want 401 got %d", resp.StatusCode)
	}

	body := `{"username":"ann","email":"ann@example.com","password":"correct horse battery staple"}`
	resp, err = http.Post(srv.URL+"/auth/signup", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	var session struct {
		AccessToken string `json:"access_token"`
	}
	err = json.NewDecoder(resp.Body).Decode(&session)
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusCreated || session.AccessToken == "" {
		t.Fatalf("signup: status=%d err=%v", resp.StatusCode, err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized /conversations: want 200 got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(raw), "parley_http_requests_total") {
		t.Fatalf("metrics must expose request counters")
	}
}

func TestApp_StrictSecurityRejectsShortSecret(t *testing.T) {
	t.Parallel()

	cfg := Config{JWTSecret: "short", StrictSecurity: true}
	if err := ValidateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected strict mode to reject a short secret")
	}
	if err := ValidateSecurityConfig(Config{StrictSecurity: true}); err == nil {
		t.Fatalf("expected strict mode to reject a missing secret")
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	secret, err := resolveJWTSecret(Config{JWTSecret: "short"}, log)
	if err != nil || len(secret) < 32 {
		t.Fatalf("non-strict mode must fall back to an ephemeral secret: len=%d err=%v", len(secret), err)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("PARLEY_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("PARLEY_CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("PARLEY_MAX_UPLOAD_BYTES", "2048")
	t.Setenv("PARLEY_PRESENCE_GRACE", "not-a-duration")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("addr: %q", cfg.HTTPAddr)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins: %v", cfg.CORSAllowedOrigins)
	}
	if cfg.MaxUploadBytes != 2048 {
		t.Fatalf("max upload: %d", cfg.MaxUploadBytes)
	}
	if cfg.PresenceGrace != 5*time.Second {
		t.Fatalf("invalid duration must fall back to the default, got %v", cfg.PresenceGrace)
	}
}
