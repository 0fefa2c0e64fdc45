package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxResponseBytes   = 4 << 20
)

// APIError is a non-2xx response from the HTTP surface.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("client: http %d", e.Status)
	}
	return fmt.Sprintf("client: http %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Auth is the result of signup or login.
type Auth struct {
	User        v1.User
	Email       string
	AccessToken string
	ExpiresAt   time.Time
}

// API is the HTTP collaborator of a Session. It is safe for concurrent use once the token is set.
type API struct {
	base  *url.URL
	http  *http.Client
	token string
}

// NewAPI returns an API rooted at baseURL (for example "http://127.0.0.1:8080").
// A nil httpClient gets a client with a 15s timeout.
func NewAPI(baseURL string, httpClient *http.Client) (*API, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("client: base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("client: base url must be absolute http(s): %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &API{base: u, http: httpClient}, nil
}

// WithToken returns a copy of the API that authenticates with token.
func (a *API) WithToken(token string) *API {
	cp := *a
	cp.token = token
	return &cp
}

// Token returns the bearer token in use.
func (a *API) Token() string { return a.token }

// WebSocketURL derives the realtime endpoint from the base URL.
func (a *API) WebSocketURL() string {
	u := *a.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// ---- auth ----

type userBody struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type sessionBody struct {
	User        userBody  `json:"user"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (b sessionBody) auth() Auth {
	return Auth{
		User:        v1.User{ID: b.User.ID, Username: b.User.Username, AvatarURL: b.User.AvatarURL},
		Email:       b.User.Email,
		AccessToken: b.AccessToken,
		ExpiresAt:   b.ExpiresAt,
	}
}

// Signup creates an account.
func (a *API) Signup(ctx context.Context, username, email, password string) (Auth, error) {
	var out sessionBody
	in := map[string]string{"username": username, "email": email, "password": password}
	if err := a.do(ctx, http.MethodPost, "/auth/signup", in, &out); err != nil {
		return Auth{}, err
	}
	return out.auth(), nil
}

// Login authenticates by username or email.
func (a *API) Login(ctx context.Context, identifier, password string) (Auth, error) {
	var out sessionBody
	in := map[string]string{"identifier": identifier, "password": password}
	if err := a.do(ctx, http.MethodPost, "/auth/login", in, &out); err != nil {
		return Auth{}, err
	}
	return out.auth(), nil
}

// ---- conversations ----

type conversationEnvelope struct {
	Conversation v1.Conversation `json:"conversation"`
	Created      bool            `json:"created"`
}

// CreateDirect returns the direct conversation with userID, creating it on first contact.
func (a *API) CreateDirect(ctx context.Context, userID string) (v1.Conversation, bool, error) {
	var out conversationEnvelope
	if err := a.do(ctx, http.MethodPost, "/conversations/direct", map[string]string{"user_id": userID}, &out); err != nil {
		return v1.Conversation{}, false, err
	}
	return out.Conversation, out.Created, nil
}

// CreateGroup creates a named group of the caller and memberIDs.
func (a *API) CreateGroup(ctx context.Context, name string, memberIDs []string) (v1.Conversation, error) {
	var out conversationEnvelope
	in := map[string]any{"name": name, "member_ids": memberIDs}
	if err := a.do(ctx, http.MethodPost, "/groups", in, &out); err != nil {
		return v1.Conversation{}, err
	}
	return out.Conversation, nil
}

// Conversation fetches one conversation.
func (a *API) Conversation(ctx context.Context, id string) (v1.Conversation, error) {
	var out conversationEnvelope
	if err := a.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return v1.Conversation{}, err
	}
	return out.Conversation, nil
}

// Conversations lists the caller's conversations, most recent first. kind is "", "direct" or "group".
func (a *API) Conversations(ctx context.Context, kind string) ([]Summary, error) {
	var out struct {
		Conversations []struct {
			Conversation v1.Conversation `json:"conversation"`
			LastMessage  *v1.Message     `json:"last_message"`
			Unread       int             `json:"unread"`
		} `json:"conversations"`
	}
	path := "/conversations"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	sums := make([]Summary, 0, len(out.Conversations))
	for _, c := range out.Conversations {
		sums = append(sums, Summary{Conversation: c.Conversation, LastMessage: c.LastMessage, Unread: c.Unread})
	}
	return sums, nil
}

// Leave removes the caller from a conversation.
func (a *API) Leave(ctx context.Context, id string) (v1.Conversation, error) {
	var out conversationEnvelope
	if err := a.do(ctx, http.MethodPut, "/conversations/"+url.PathEscape(id)+"/leave", nil, &out); err != nil {
		return v1.Conversation{}, err
	}
	return out.Conversation, nil
}

// ---- messages ----

// Messages returns up to limit most recent messages (0 = server default) in chronological order.
func (a *API) Messages(ctx context.Context, conversationID string, limit int) ([]v1.Message, error) {
	var out struct {
		Messages []v1.Message `json:"messages"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PersistMessage stores msg. Re-sending the same id reports duplicated=true and is otherwise a no-op.
func (a *API) PersistMessage(ctx context.Context, msg v1.Message) (stored v1.Message, duplicated bool, err error) {
	var out struct {
		Message    v1.Message `json:"message"`
		Duplicated bool       `json:"duplicated"`
	}
	path := "/conversations/" + url.PathEscape(msg.ConversationID) + "/messages"
	if err := a.do(ctx, http.MethodPost, path, map[string]any{"message": msg}, &out); err != nil {
		return v1.Message{}, false, err
	}
	return out.Message, out.Duplicated, nil
}

// Upload stores a file and returns an unsent message carrying the attachment content.
func (a *API) Upload(ctx context.Context, conversationID, filename string, r io.Reader) (v1.Message, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return v1.Message{}, fmt.Errorf("client: upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return v1.Message{}, fmt.Errorf("client: upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return v1.Message{}, fmt.Errorf("client: upload: %w", err)
	}

	req, err := a.newRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/attachments", &body)
	if err != nil {
		return v1.Message{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		Message v1.Message `json:"message"`
	}
	if err := a.send(req, &out); err != nil {
		return v1.Message{}, err
	}
	return out.Message, nil
}

// UnreadCount returns the caller's unread messages in a conversation.
func (a *API) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	var out struct {
		Unread int `json:"unread"`
	}
	if err := a.do(ctx, http.MethodGet, "/messages/status/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return 0, err
	}
	return out.Unread, nil
}

// ClearReadStatus marks the caller's unread messages in a conversation as read.
func (a *API) ClearReadStatus(ctx context.Context, conversationID string) (int, error) {
	var out struct {
		Marked int `json:"marked"`
	}
	if err := a.do(ctx, http.MethodPut, "/messages/status", map[string]string{"conversation_id": conversationID}, &out); err != nil {
		return 0, err
	}
	return out.Marked, nil
}

// ---- transport ----

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := a.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(req, out)
}

func (a *API) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("client: path %q: %w", path, err)
	}
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + ref.Path
	u.RawQuery = ref.RawQuery

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	return req, nil
}

func (a *API) send(req *http.Request, out any) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("client: read %s %s: %w", req.Method, req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil {
			apiErr.Code = e.Error.Code
			apiErr.Message = e.Error.Message
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
