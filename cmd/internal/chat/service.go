package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"parley/cmd/identity/ids"
	v1 "parley/shared/contracts/realtime/v1"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxGroupNameRunes   = 100
	maxGroupMembers     = 256
	defaultMessageLimit = 50
	maxMessageLimit     = 200

	// Client timestamps further than this from server time are replaced by server time.
	maxClockSkew = time.Minute
)

// Directory answers whether user ids exist. The identity store backs it in production.
type Directory interface {
	MissingUsers(ctx context.Context, ids []string) ([]string, error)
}

// Service validates requests and orchestrates the Store.
type Service struct {
	store  Store
	dir    Directory
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewService constructs a Service. dir may be nil, in which case participant ids are not checked
// for existence (the Postgres foreign keys still are).
func NewService(store Store, dir Directory, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		dir:    dir,
		log:    slog.Default(),
		tracer: otel.Tracer("parley/chat"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateOrGetDirect returns the caller's direct conversation with otherID, creating it on first contact.
func (s *Service) CreateOrGetDirect(ctx context.Context, callerID, otherID string) (conv Conversation, created bool, err error) {
	const op = "chat.CreateOrGetDirect"

	ctx, span := s.start(ctx, op, attribute.String("user.id", callerID))
	defer func() { endSpan(span, err) }()

	otherID = strings.TrimSpace(otherID)
	if callerID == "" || otherID == "" {
		return Conversation{}, false, invalid(op, "receiver is required")
	}
	if callerID == otherID {
		return Conversation{}, false, invalid(op, "cannot start a conversation with yourself")
	}
	if err := s.requireUsers(ctx, op, []string{otherID}); err != nil {
		return Conversation{}, false, err
	}

	now := s.clock()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("%s: id: %w", op, err)
	}

	conv, created, err = s.store.CreateOrGetDirect(ctx, CreateDirectInput{ID: id, UserA: callerID, UserB: otherID, Now: now})
	if err != nil {
		return Conversation{}, false, err
	}
	if created {
		s.log.Info("chat.direct.create", "conversation_id", conv.ID, "user_id", callerID)
	}
	return conv, created, nil
}

// CreateGroup creates a named group of the caller and memberIDs (more than two participants in total).
func (s *Service) CreateGroup(ctx context.Context, callerID, name string, memberIDs []string) (conv Conversation, err error) {
	const op = "chat.CreateGroup"

	ctx, span := s.start(ctx, op, attribute.String("user.id", callerID))
	defer func() { endSpan(span, err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return Conversation{}, invalid(op, "group name is required")
	}
	if utf8.RuneCountInString(name) > maxGroupNameRunes {
		return Conversation{}, invalid(op, fmt.Sprintf("group name too long: max=%d chars", maxGroupNameRunes))
	}

	participants := []string{callerID}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(participants, id) {
			participants = append(participants, id)
		}
	}
	if len(participants) < 3 {
		return Conversation{}, invalid(op, "a group needs at least two other members")
	}
	if len(participants) > maxGroupMembers {
		return Conversation{}, invalid(op, fmt.Sprintf("too many members: max=%d", maxGroupMembers))
	}
	if err := s.requireUsers(ctx, op, participants[1:]); err != nil {
		return Conversation{}, err
	}

	now := s.clock()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: id: %w", op, err)
	}

	conv, err = s.store.CreateGroup(ctx, CreateGroupInput{ID: id, Name: name, ParticipantIDs: participants, Now: now})
	if err != nil {
		return Conversation{}, err
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID), attribute.Int("conversation.participants", len(participants)))
	s.log.Info("chat.group.create", "conversation_id", conv.ID, "user_id", callerID, "participants", len(participants))
	return conv, nil
}

// Conversation returns a conversation the caller participates in.
func (s *Service) Conversation(ctx context.Context, callerID, id string) (Conversation, error) {
	const op = "chat.Conversation"

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(callerID) {
		return Conversation{}, forbidden(op, "not a participant")
	}
	return conv, nil
}

// List returns the caller's live conversations of kind ("" for both), most recent first.
func (s *Service) List(ctx context.Context, callerID string, kind Kind) ([]Summary, error) {
	if kind != "" && !kind.Valid() {
		return nil, invalid("chat.List", "kind must be direct or group")
	}
	return s.store.ListConversations(ctx, callerID, kind)
}

// Leave removes the caller from a conversation. Fewer than two remaining participants archives it.
func (s *Service) Leave(ctx context.Context, callerID, id string) (conv Conversation, err error) {
	const op = "chat.Leave"

	ctx, span := s.start(ctx, op, attribute.String("user.id", callerID), attribute.String("conversation.id", id))
	defer func() { endSpan(span, err) }()

	conv, err = s.store.LeaveConversation(ctx, id, callerID, s.clock())
	if err != nil {
		return Conversation{}, err
	}
	s.log.Info("chat.conversation.leave", "conversation_id", id, "user_id", callerID, "archived", conv.Archived())
	return conv, nil
}

// Messages returns up to limit most recent messages in chronological order.
func (s *Service) Messages(ctx context.Context, callerID, id string, limit int) ([]Message, error) {
	if _, err := s.Conversation(ctx, callerID, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	return s.store.ListMessages(ctx, id, callerID, limit)
}

// PrepareSend validates a message from senderID and resolves its conversation server-side.
// Recipients are always derived from the stored participants; whatever the client sent is ignored.
func (s *Service) PrepareSend(ctx context.Context, senderID string, msg Message) (Message, Conversation, error) {
	const op = "chat.PrepareSend"

	if _, err := uuid.Parse(msg.ID); err != nil {
		return Message{}, Conversation{}, invalid(op, "message id must be a uuid")
	}
	if err := msg.Content.Validate(); err != nil {
		return Message{}, Conversation{}, invalid(op, err.Error())
	}
	if msg.Content.Kind == v1.ContentText {
		msg.Content.Body = strings.TrimSpace(msg.Content.Body)
	}

	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return Message{}, Conversation{}, err
	}
	if !conv.HasParticipant(senderID) {
		return Message{}, Conversation{}, forbidden(op, "not a participant")
	}
	if conv.Archived() {
		return Message{}, Conversation{}, forbidden(op, "conversation is archived")
	}

	now := s.clock()
	msg.SenderID = senderID
	msg.RecipientIDs = conv.RecipientsFor(senderID)
	msg.IsRead = false
	if msg.SentAt.IsZero() || msg.SentAt.After(now.Add(maxClockSkew)) || msg.SentAt.Before(now.Add(-maxClockSkew)) {
		msg.SentAt = now
	} else {
		msg.SentAt = msg.SentAt.UTC().Truncate(time.Microsecond)
	}
	return msg, conv, nil
}

// Persist stores a prepared message. Re-persisting the same id is a no-op.
func (s *Service) Persist(ctx context.Context, msg Message) (res AppendResult, err error) {
	ctx, span := s.start(ctx, "chat.Persist",
		attribute.String("conversation.id", msg.ConversationID),
		attribute.String("message.id", msg.ID),
	)
	defer func() { endSpan(span, err) }()

	res, err = s.store.AppendMessage(ctx, msg, s.clock())
	if err != nil {
		return AppendResult{}, err
	}
	span.SetAttributes(attribute.Bool("message.duplicated", res.Duplicated))
	return res, nil
}

// Send validates and persists a message in one step (HTTP path).
func (s *Service) Send(ctx context.Context, senderID string, msg Message) (AppendResult, error) {
	prepared, _, err := s.PrepareSend(ctx, senderID, msg)
	if err != nil {
		return AppendResult{}, err
	}
	return s.Persist(ctx, prepared)
}

// UnreadCount returns the caller's unread messages in a conversation.
func (s *Service) UnreadCount(ctx context.Context, callerID, id string) (int, error) {
	if _, err := s.Conversation(ctx, callerID, id); err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, id, callerID)
}

// MarkRead clears the caller's unread messages in a conversation. It only moves unread to read.
func (s *Service) MarkRead(ctx context.Context, callerID, id string) (int, error) {
	if _, err := s.Conversation(ctx, callerID, id); err != nil {
		return 0, err
	}
	n, err := s.store.MarkRead(ctx, id, callerID, s.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("chat.read.mark", "conversation_id", id, "user_id", callerID, "count", n)
	}
	return n, nil
}

func (s *Service) requireUsers(ctx context.Context, op string, userIDs []string) error {
	if s.dir == nil {
		return nil
	}
	missing, err := s.dir.MissingUsers(ctx, userIDs)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return notFound(op, "user "+strings.Join(missing, ", "))
	}
	return nil
}
