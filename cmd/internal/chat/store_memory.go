package chat

import (
	"context"
	"slices"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is the dev/test Store used when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	convs    map[string]*memConv
	byDirect map[string]string // direct key -> conversation id
	msgConv  map[string]string // message id -> conversation id
}

type memConv struct {
	conv     Conversation
	msgs     []Message                       // chronological
	byID     map[string]int                  // message id -> index in msgs
	receipts map[string]map[string]time.Time // message id -> recipient -> read_at (zero = unread)
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]*memConv),
		byDirect: make(map[string]string),
		msgConv:  make(map[string]string),
	}
}

func newMemConv(c Conversation) *memConv {
	return &memConv{
		conv:     c,
		byID:     make(map[string]int),
		receipts: make(map[string]map[string]time.Time),
	}
}

func cloneConversation(c Conversation) Conversation {
	c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if c.ArchivedAt != nil {
		t := *c.ArchivedAt
		c.ArchivedAt = &t
	}
	return c
}

// CreateOrGetDirect implements Store.
func (s *MemoryStore) CreateOrGetDirect(ctx context.Context, in CreateDirectInput) (Conversation, bool, error) {
	const op = "chat.CreateOrGetDirect"

	if in.UserA == "" || in.UserB == "" || in.UserA == in.UserB {
		return Conversation{}, false, invalid(op, "two distinct users are required")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	key := directKey(in.UserA, in.UserB)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDirect[key]; ok {
		mc := s.convs[id]
		if mc.conv.Archived() || len(mc.conv.ParticipantIDs) != 2 {
			mc.conv.ParticipantIDs = []string{in.UserA, in.UserB}
			mc.conv.ArchivedAt = nil
		}
		return cloneConversation(mc.conv), false, nil
	}

	if in.ID == "" {
		return Conversation{}, false, invalid(op, "missing id")
	}
	if _, exists := s.convs[in.ID]; exists {
		return Conversation{}, false, conflict(op, "conversation id in use")
	}

	c := Conversation{
		ID:             in.ID,
		Kind:           KindDirect,
		ParticipantIDs: []string{in.UserA, in.UserB},
		CreatedAt:      in.Now,
		UpdatedAt:      in.Now,
	}
	mc := newMemConv(c)
	s.convs[c.ID] = mc
	s.byDirect[key] = c.ID
	return cloneConversation(c), true, nil
}

// CreateGroup implements Store.
func (s *MemoryStore) CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	const op = "chat.CreateGroup"

	if in.ID == "" || in.Name == "" || len(in.ParticipantIDs) < 3 {
		return Conversation{}, invalid(op, "group needs an id, a name and at least three participants")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.convs[in.ID]; exists {
		return Conversation{}, conflict(op, "conversation id in use")
	}

	c := Conversation{
		ID:             in.ID,
		Kind:           KindGroup,
		Name:           in.Name,
		ParticipantIDs: slices.Clone(in.ParticipantIDs),
		CreatedAt:      in.Now,
		UpdatedAt:      in.Now,
	}
	s.convs[c.ID] = newMemConv(c)
	return cloneConversation(c), nil
}

// GetConversation implements Store.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[id]
	if !ok {
		return Conversation{}, notFound("chat.GetConversation", "conversation")
	}
	return cloneConversation(mc.conv), nil
}

// ListConversations implements Store.
func (s *MemoryStore) ListConversations(ctx context.Context, userID string, kind Kind) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Summary
	for _, mc := range s.convs {
		c := mc.conv
		if c.Archived() || !c.HasParticipant(userID) {
			continue
		}
		if kind != "" && c.Kind != kind {
			continue
		}

		sum := Summary{Conversation: cloneConversation(c), Unread: mc.unreadLocked(userID)}
		if n := len(mc.msgs); n > 0 {
			last := mc.viewLocked(mc.msgs[n-1], userID)
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	sortSummaries(out)
	return out, nil
}

// LeaveConversation implements Store.
func (s *MemoryStore) LeaveConversation(ctx context.Context, conversationID, userID string, now time.Time) (Conversation, error) {
	const op = "chat.LeaveConversation"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, notFound(op, "conversation")
	}
	if !mc.conv.HasParticipant(userID) {
		return Conversation{}, forbidden(op, "not a participant")
	}

	mc.conv.ParticipantIDs = slices.DeleteFunc(mc.conv.ParticipantIDs, func(id string) bool { return id == userID })
	if len(mc.conv.ParticipantIDs) < 2 && mc.conv.ArchivedAt == nil {
		t := now
		mc.conv.ArchivedAt = &t
	}
	return cloneConversation(mc.conv), nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg Message, now time.Time) (AppendResult, error) {
	const op = "chat.AppendMessage"

	if msg.ID == "" || msg.ConversationID == "" || msg.SenderID == "" {
		return AppendResult{}, invalid(op, "missing id, conversation or sender")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if convID, ok := s.msgConv[msg.ID]; ok {
		mc := s.convs[convID]
		existing := mc.msgs[mc.byID[msg.ID]]
		if convID != msg.ConversationID || existing.SenderID != msg.SenderID {
			return AppendResult{}, conflict(op, "message id in use")
		}
		return AppendResult{Stored: mc.viewLocked(existing, msg.SenderID), Duplicated: true}, nil
	}

	mc, ok := s.convs[msg.ConversationID]
	if !ok {
		return AppendResult{}, notFound(op, "conversation")
	}

	stored := msg
	stored.IsRead = false
	stored.RecipientIDs = slices.Clone(msg.RecipientIDs)

	mc.byID[stored.ID] = len(mc.msgs)
	mc.msgs = append(mc.msgs, stored)
	rc := make(map[string]time.Time, len(stored.RecipientIDs))
	for _, r := range stored.RecipientIDs {
		rc[r] = time.Time{}
	}
	mc.receipts[stored.ID] = rc
	s.msgConv[stored.ID] = mc.conv.ID

	if now.After(mc.conv.UpdatedAt) {
		mc.conv.UpdatedAt = now
	}

	if len(mc.msgs) > memMaxMessagesPerConversation {
		drop := mc.msgs[:len(mc.msgs)-memMaxMessagesPerConversation]
		for _, m := range drop {
			delete(mc.receipts, m.ID)
			delete(s.msgConv, m.ID)
		}
		mc.msgs = slices.Clone(mc.msgs[len(drop):])
		mc.reindexLocked()
	}

	return AppendResult{Stored: stored}, nil
}

// ListMessages implements Store.
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID, viewerID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[conversationID]
	if !ok {
		return nil, notFound("chat.ListMessages", "conversation")
	}

	start := 0
	if limit > 0 && len(mc.msgs) > limit {
		start = len(mc.msgs) - limit
	}
	out := make([]Message, 0, len(mc.msgs)-start)
	for _, m := range mc.msgs[start:] {
		out = append(out, mc.viewLocked(m, viewerID))
	}
	return out, nil
}

// UnreadCount implements Store.
func (s *MemoryStore) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[conversationID]
	if !ok {
		return 0, notFound("chat.UnreadCount", "conversation")
	}
	return mc.unreadLocked(userID), nil
}

// MarkRead implements Store.
func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, userID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.convs[conversationID]
	if !ok {
		return 0, notFound("chat.MarkRead", "conversation")
	}

	n := 0
	for _, rc := range mc.receipts {
		if at, ok := rc[userID]; ok && at.IsZero() {
			rc[userID] = now
			n++
		}
	}
	return n, nil
}

func (mc *memConv) unreadLocked(userID string) int {
	n := 0
	for _, rc := range mc.receipts {
		if at, ok := rc[userID]; ok && at.IsZero() {
			n++
		}
	}
	return n
}

func (mc *memConv) viewLocked(m Message, viewerID string) Message {
	m.RecipientIDs = slices.Clone(m.RecipientIDs)
	rc := mc.receipts[m.ID]

	if m.SenderID == viewerID {
		m.IsRead = len(rc) > 0
		for _, at := range rc {
			if at.IsZero() {
				m.IsRead = false
				break
			}
		}
		return m
	}
	at, ok := rc[viewerID]
	m.IsRead = ok && !at.IsZero()
	return m
}

func (mc *memConv) reindexLocked() {
	mc.byID = make(map[string]int, len(mc.msgs))
	for i, m := range mc.msgs {
		mc.byID[m.ID] = i
	}
}
