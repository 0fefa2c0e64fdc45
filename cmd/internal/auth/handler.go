package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/httpx"
	"parley/cmd/security/password"

	"github.com/go-chi/chi/v5"
)

// Handler serves signup/login, user lookup and account settings.
type Handler struct {
	log    *slog.Logger
	users  *identity.Service
	tokens *Tokens
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, users *identity.Service, tokens *Tokens) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, users: users, tokens: tokens}
}

// PublicRoutes mounts the unauthenticated endpoints.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Post("/auth/signup", h.handleSignup)
	r.Post("/auth/login", h.handleLogin)
}

// Routes mounts the endpoints that require Middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/auth/verify", h.handleVerify)
	r.Get("/users", h.handleListUsers)
	r.Get("/users/{id}", h.handleGetUser)
	r.Put("/settings/username", h.handleUsername)
	r.Put("/settings/email", h.handleEmail)
	r.Put("/settings/password", h.handlePassword)
	r.Put("/settings/avatar", h.handleAvatar)
}

// ---- models ----

type signupRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionResponse struct {
	User        userResponse `json:"user"`
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

type usernameRequest struct {
	Username string `json:"username"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type passwordRequest struct {
	CurrentPassword      string `json:"current_password"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

type avatarRequest struct {
	AvatarURL string `json:"avatar_url"`
}

func toUserResponse(u identity.User, self bool) userResponse {
	out := userResponse{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL, CreatedAt: u.CreatedAt}
	if self {
		out.Email = u.Email
	}
	return out
}

// ---- handlers ----

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	u, err := h.users.Signup(r.Context(), identity.SignupInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		h.writeIdentityError(w, r, "auth.signup", err)
		return
	}

	h.log.Info("auth.signup.ok", "user_id", u.ID)
	h.writeSession(w, r, http.StatusCreated, u)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	u, err := h.users.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.log.Warn("auth.login.fail", "reason", "invalid_credentials")
		}
		h.writeIdentityError(w, r, "auth.login", err)
		return
	}

	h.log.Info("auth.login.ok", "user_id", u.ID)
	h.writeSession(w, r, http.StatusOK, u)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.Get(r.Context(), UserID(r.Context()))
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "account no longer exists")
			return
		}
		h.writeIdentityError(w, r, "auth.verify", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": toUserResponse(u, true)})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context(), UserID(r.Context()))
	if err != nil {
		h.writeIdentityError(w, r, "users.list", err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u, false))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := h.users.Get(r.Context(), id)
	if err != nil {
		h.writeIdentityError(w, r, "users.get", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": toUserResponse(u, id == UserID(r.Context()))})
}

func (h *Handler) handleUsername(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	u, err := h.users.UpdateUsername(r.Context(), UserID(r.Context()), req.Username)
	if err != nil {
		h.writeIdentityError(w, r, "settings.username", err)
		return
	}
	// The username claim changed, so a fresh token goes back with the user.
	h.writeSession(w, r, http.StatusOK, u)
}

func (h *Handler) handleEmail(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	u, err := h.users.UpdateEmail(r.Context(), UserID(r.Context()), req.Email)
	if err != nil {
		h.writeIdentityError(w, r, "settings.email", err)
		return
	}
	h.writeSession(w, r, http.StatusOK, u)
}

func (h *Handler) handlePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if err := password.Confirm(req.Password, req.PasswordConfirmation); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	ctx := r.Context()
	id := UserID(ctx)
	if err := h.users.ChangePassword(ctx, id, req.CurrentPassword, req.Password); err != nil {
		h.writeIdentityError(w, r, "settings.password", err)
		return
	}
	u, err := h.users.Get(ctx, id)
	if err != nil {
		h.writeIdentityError(w, r, "settings.password", err)
		return
	}
	h.log.Info("auth.password.change", "user_id", id)
	h.writeSession(w, r, http.StatusOK, u)
}

func (h *Handler) handleAvatar(w http.ResponseWriter, r *http.Request) {
	var req avatarRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	u, err := h.users.UpdateAvatar(r.Context(), UserID(r.Context()), req.AvatarURL)
	if err != nil {
		h.writeIdentityError(w, r, "settings.avatar", err)
		return
	}
	h.writeSession(w, r, http.StatusOK, u)
}

// ---- helpers ----

func (h *Handler) writeSession(w http.ResponseWriter, r *http.Request, status int, u identity.User) {
	tok, exp, err := h.tokens.Issue(u)
	if err != nil {
		h.log.Error("auth.token.issue.fail", "user_id", u.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	httpx.WriteJSON(w, status, sessionResponse{User: toUserResponse(u, true), AccessToken: tok, ExpiresAt: exp})
}

func (h *Handler) writeIdentityError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var oe identity.OpError

	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, identity.ErrInvalidInput):
		msg := "invalid input"
		if errors.As(err, &oe) && oe.Msg != "" {
			msg = oe.Msg
		}
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", msg)
	case errors.Is(err, identity.ErrConflict):
		msg := "already exists"
		if field, ok := identity.ConflictField(err); ok && field != "" {
			msg = field + " already exists"
		}
		httpx.WriteError(w, http.StatusConflict, "conflict", msg)
	case errors.Is(err, identity.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "user not found")
	default:
		h.log.Error(op+".fail", "err", err, "path", r.URL.Path)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
