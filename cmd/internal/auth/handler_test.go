package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"parley/cmd/identity"
	"parley/cmd/security/password"

	"github.com/go-chi/chi/v5"
)

type testEnv struct {
	srv    *httptest.Server
	users  *identity.Service
	tokens *Tokens
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	users := identity.NewService(identity.NewMemoryStore(), pw)

	tokens, err := NewTokens(testSecret, "parley", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}

	h := NewHandler(nil, users, tokens)
	r := chi.NewRouter()
	h.PublicRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(Middleware(tokens))
		h.Routes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, users: users, tokens: tokens}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSignupLoginVerify(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/auth/signup", "", signupRequest{Username: "alice", Email: "alice@example.com", Password: "s3cret-enough"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup: status %d body %v", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodPost, "/auth/signup", "", signupRequest{Username: "ALICE", Email: "other@example.com", Password: "s3cret-enough"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate signup: status %d body %v", resp.StatusCode, body)
	}

	resp, _ = e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Identifier: "alice", Password: "wrong-password"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d", resp.StatusCode)
	}

	resp, body = e.do(t, http.MethodPost, "/auth/login", "", loginRequest{Identifier: "alice@example.com", Password: "s3cret-enough"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d body %v", resp.StatusCode, body)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("missing access token: %v", body)
	}

	resp, _ = e.do(t, http.MethodGet, "/auth/verify", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("verify without token: status %d", resp.StatusCode)
	}
	resp, body = e.do(t, http.MethodGet, "/auth/verify", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: status %d", resp.StatusCode)
	}
	user, _ := body["user"].(map[string]any)
	if user["username"] != "alice" {
		t.Fatalf("unexpected verify body: %v", body)
	}
}

func TestSettings_UsernameReissuesToken(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	u, err := e.users.Signup(context.Background(), identity.SignupInput{Username: "alice", Email: "alice@example.com", Password: "s3cret-enough"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	tok, _, err := e.tokens.Issue(u)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	resp, body := e.do(t, http.MethodPut, "/settings/username", tok, usernameRequest{Username: "alicia"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("username: status %d body %v", resp.StatusCode, body)
	}
	fresh, _ := body["access_token"].(string)
	claims, err := e.tokens.Verify(fresh)
	if err != nil {
		t.Fatalf("verify fresh: %v", err)
	}
	if claims.Username != "alicia" {
		t.Fatalf("expected username claim alicia, got %q", claims.Username)
	}

	resp, _ = e.do(t, http.MethodPut, "/settings/password", tok, passwordRequest{CurrentPassword: "s3cret-enough", Password: "an0ther-secret", PasswordConfirmation: "mismatch"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatched confirmation: status %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPut, "/settings/password", tok, passwordRequest{CurrentPassword: "s3cret-enough", Password: "an0ther-secret", PasswordConfirmation: "an0ther-secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("password change: status %d", resp.StatusCode)
	}
	if _, err := e.users.Login(context.Background(), "alicia", "an0ther-secret"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestUsers_ListHidesEmails(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	alice, _ := e.users.Signup(ctx, identity.SignupInput{Username: "alice", Email: "alice@example.com", Password: "s3cret-enough"})
	if _, err := e.users.Signup(ctx, identity.SignupInput{Username: "bob", Email: "bob@example.com", Password: "s3cret-enough"}); err != nil {
		t.Fatalf("signup bob: %v", err)
	}
	tok, _, _ := e.tokens.Issue(alice)

	resp, body := e.do(t, http.MethodGet, "/users", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	users, _ := body["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("expected only bob, got %v", users)
	}
	bob, _ := users[0].(map[string]any)
	if bob["username"] != "bob" || bob["email"] != nil {
		t.Fatalf("unexpected user entry: %v", bob)
	}
}

func TestAuthenticator(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	u, err := e.users.Signup(ctx, identity.SignupInput{Username: "alice", Email: "alice@example.com", Password: "s3cret-enough", AvatarURL: "https://cdn.example.com/a.png"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	tok, _, _ := e.tokens.Issue(u)

	a := NewAuthenticator(e.tokens, e.users.Store())
	got, err := a.Authenticate(ctx, tok)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != u.ID || got.Username != "alice" || got.AvatarURL != "https://cdn.example.com/a.png" {
		t.Fatalf("unexpected user: %+v", got)
	}

	ghost, _, _ := e.tokens.Issue(identity.User{ID: "ghost", Username: "ghost"})
	if _, err := a.Authenticate(ctx, ghost); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown subject: want ErrInvalidToken got %v", err)
	}
}
