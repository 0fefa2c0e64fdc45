package chat

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/httpx"
	"parley/cmd/internal/storage"
	v1 "parley/shared/contracts/realtime/v1"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// DefaultMaxUpload bounds attachment uploads.
const DefaultMaxUpload = 10 << 20

// Handler serves the conversation, message and read-status endpoints.
type Handler struct {
	log       *slog.Logger
	svc       *Service
	uploads   storage.Uploader
	maxUpload int64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithUploader enables POST /conversations/{id}/attachments.
func WithUploader(u storage.Uploader, maxBytes int64) HandlerOption {
	return func(h *Handler) {
		h.uploads = u
		if maxBytes > 0 {
			h.maxUpload = maxBytes
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *Service, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{log: log, svc: svc, maxUpload: DefaultMaxUpload}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes mounts the endpoints; the router must already run auth.Middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/conversations/direct", h.handleCreateDirect)
	r.Get("/conversations", h.handleList)
	r.Post("/groups", h.handleCreateGroup)
	r.Get("/conversations/{id}", h.handleGet)
	r.Put("/conversations/{id}/leave", h.handleLeave)
	r.Get("/conversations/{id}/messages", h.handleMessages)
	r.Post("/conversations/{id}/messages", h.handleSend)
	r.Post("/conversations/{id}/attachments", h.handleUpload)
	r.Get("/messages/status/{id}", h.handleUnread)
	r.Put("/messages/status", h.handleMarkRead)
}

// ---- models ----

type createDirectRequest struct {
	UserID string `json:"user_id"`
}

type createGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type sendRequest struct {
	Message v1.Message `json:"message"`
}

type markReadRequest struct {
	ConversationID string `json:"conversation_id"`
}

type conversationResponse struct {
	v1.Conversation
	CreatedAt  time.Time  `json:"created_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

type summaryResponse struct {
	Conversation conversationResponse `json:"conversation"`
	LastMessage  *v1.Message          `json:"last_message,omitempty"`
	Unread       int                  `json:"unread"`
}

type unreadResponse struct {
	ConversationID string `json:"conversation_id"`
	Unread         int    `json:"unread"`
	Marked         int    `json:"marked,omitempty"`
}

func toConversationResponse(c Conversation) conversationResponse {
	return conversationResponse{Conversation: c.Wire(), CreatedAt: c.CreatedAt, ArchivedAt: c.ArchivedAt}
}

func toMessages(msgs []Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	return out
}

// ---- handlers ----

func (h *Handler) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	var req createDirectRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	conv, created, err := h.svc.CreateOrGetDirect(r.Context(), auth.UserID(r.Context()), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, map[string]any{"conversation": toConversationResponse(conv), "created": created})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	sums, err := h.svc.List(r.Context(), auth.UserID(r.Context()), Kind(r.URL.Query().Get("kind")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]summaryResponse, 0, len(sums))
	for _, s := range sums {
		item := summaryResponse{Conversation: toConversationResponse(s.Conversation), Unread: s.Unread}
		if s.LastMessage != nil {
			m := s.LastMessage.Wire()
			item.LastMessage = &m
		}
		out = append(out, item)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	conv, err := h.svc.CreateGroup(r.Context(), auth.UserID(r.Context()), req.Name, req.MemberIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"conversation": toConversationResponse(conv)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.Conversation(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"conversation": toConversationResponse(conv)})
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.Leave(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"conversation": toConversationResponse(conv)})
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := h.svc.Messages(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"messages": toMessages(msgs)})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	convID := chi.URLParam(r, "id")
	if req.Message.ConversationID != "" && req.Message.ConversationID != convID {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "conversation_id does not match path")
		return
	}
	msg := MessageFromWire(req.Message)
	msg.ConversationID = convID

	res, err := h.svc.Send(r.Context(), auth.UserID(r.Context()), msg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, map[string]any{"message": res.Stored.Wire(), "duplicated": res.Duplicated})
}

// handleUpload stores a multipart "file" and returns an unsent, message-shaped object carrying the
// attachment content. The client sends it like any other message.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "uploads_disabled", "attachment uploads are not configured")
		return
	}

	ctx := r.Context()
	callerID := auth.UserID(ctx)
	conv, err := h.svc.Conversation(ctx, callerID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+(1<<20))
	file, hdr, err := r.FormFile("file")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "multipart field \"file\" is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := storage.ReadLimited(file, h.maxUpload)
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		httpx.WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "file too large")
		return
	case errors.Is(err, storage.ErrEmpty):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "empty file")
		return
	case err != nil:
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "could not read file")
		return
	}

	stored, err := h.uploads.Upload(ctx, conv.ID, storage.Object{Name: hdr.Filename, Data: data})
	if err != nil {
		h.log.Error("chat.upload.fail", "conversation_id", conv.ID, "user_id", callerID, "err", err)
		httpx.WriteError(w, http.StatusBadGateway, "upload_failed", "could not store file")
		return
	}
	h.log.Info("chat.upload.ok", "conversation_id", conv.ID, "user_id", callerID, "mime", stored.MIME, "bytes", stored.Size)

	msg := v1.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       callerID,
		Content:        v1.Attachment(stored.URL, stored.MIME, stored.Name),
		SentAt:         time.Now().UTC(),
		RecipientIDs:   conv.RecipientsFor(callerID),
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.svc.UnreadCount(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, unreadResponse{ConversationID: id, Unread: n})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	n, err := h.svc.MarkRead(r.Context(), auth.UserID(r.Context()), req.ConversationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, unreadResponse{ConversationID: req.ConversationID, Unread: 0, Marked: n})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	msg := PublicMessage(err)

	switch {
	case errors.Is(err, ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", msg)
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", msg)
	case errors.Is(err, ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden", msg)
	case errors.Is(err, ErrConflict):
		httpx.WriteError(w, http.StatusConflict, "conflict", msg)
	default:
		h.log.Error("chat.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
