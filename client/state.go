// Package client is the Go client for the Parley realtime protocol.
//
// State holds the reconciled view a single user sees: the direct and group conversation lists
// ordered by recency, the timeline of the open conversation, per-conversation unread counters and
// a queue of transient notifications. Session drives State from a live websocket connection and
// API talks to the HTTP surface.
//
// The load-bearing rule is that messages are keyed by their client-generated id: an optimistic
// local append and the server echo of the same message collapse into one timeline entry.
package client

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// ErrNoOpenConversation is returned by LocalSend when no conversation is open.
var ErrNoOpenConversation = errors.New("client: no open conversation")

const kindGroup = "group"

// Summary is one entry of a conversation list.
type Summary struct {
	Conversation v1.Conversation
	LastMessage  *v1.Message
	Unread       int
}

// IsGroup reports which list the conversation belongs to.
func (s Summary) IsGroup() bool { return isGroup(s.Conversation) }

// Notification is a transient out-of-view alert raised by a notify event.
type Notification struct {
	ConversationID string
	MessageID      string
	SenderID       string
	SenderName     string
	GroupName      string
	Preview        string
	At             time.Time
}

// StateOption configures a State.
type StateOption func(*State)

// WithIDGenerator overrides the provisional message id source (uuid v4 by default).
func WithIDGenerator(f func() string) StateOption {
	return func(s *State) {
		if f != nil {
			s.newID = f
		}
	}
}

// WithStateClock overrides the time source used for local sends and notifications.
func WithStateClock(now func() time.Time) StateOption {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// State is safe for concurrent use; the Session event loop and the caller share it.
type State struct {
	mu sync.Mutex

	self v1.User

	direct []string // conversation ids, most recent first
	groups []string
	convs  map[string]*Summary

	openID   string
	timeline []v1.Message
	seen     map[string]struct{}

	// Set by anything that appends to the open timeline; cleared by TakeScroll after render.
	pendingScroll bool

	notes  []Notification
	online []v1.User

	newID func() string
	now   func() time.Time
}

// NewState constructs an empty State for self.
func NewState(self v1.User, opts ...StateOption) *State {
	s := &State{
		self:  self,
		convs: make(map[string]*Summary),
		seen:  make(map[string]struct{}),
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Self returns the user this state belongs to.
func (s *State) Self() v1.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// SetSelf replaces the user (after hello_ack or a username change).
func (s *State) SetSelf(u v1.User) {
	s.mu.Lock()
	s.self = u
	s.mu.Unlock()
}

// ---- lists ----

// Load replaces both conversation lists. sums must already be ordered most recent first.
func (s *State) Load(sums []Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.direct = s.direct[:0]
	s.groups = s.groups[:0]
	s.convs = make(map[string]*Summary, len(sums))
	for _, sum := range sums {
		id := sum.Conversation.ID
		if id == "" {
			continue
		}
		if _, dup := s.convs[id]; dup {
			continue
		}
		cp := sum
		s.convs[id] = &cp
		if cp.IsGroup() {
			s.groups = append(s.groups, id)
		} else {
			s.direct = append(s.direct, id)
		}
	}
}

// Upsert records conv, placing a previously unknown conversation at the front of its list.
func (s *State) Upsert(conv v1.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(conv)
}

// Remove drops a conversation from the lists (after leaving it) and closes it if it is open.
func (s *State) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.convs, id)
	s.direct = slices.DeleteFunc(s.direct, func(v string) bool { return v == id })
	s.groups = slices.DeleteFunc(s.groups, func(v string) bool { return v == id })
	if s.openID == id {
		s.closeLocked()
	}
}

// MoveToFront moves a known conversation to the front of its list. Unknown ids are ignored.
func (s *State) MoveToFront(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveToFrontLocked(id)
}

// Directs returns the direct list, most recent first.
func (s *State) Directs() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(s.direct)
}

// Groups returns the group list, most recent first.
func (s *State) Groups() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(s.groups)
}

// Conversation returns a known conversation.
func (s *State) Conversation(id string) (v1.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.convs[id]
	if !ok {
		return v1.Conversation{}, false
	}
	return cloneConversation(sum.Conversation), true
}

// Unread returns the unread counter for a conversation.
func (s *State) Unread(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sum, ok := s.convs[id]; ok {
		return sum.Unread
	}
	return 0
}

// ---- open conversation ----

// Open makes id the open conversation with history as its initial timeline (chronological,
// duplicates dropped). It reports whether the caller must issue a clear-read request: true only
// when the counter was above zero, and the counter is reset to 0 either way.
func (s *State) Open(conv v1.Conversation, history []v1.Message) (clearRead bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := s.upsertLocked(conv)

	s.openID = conv.ID
	s.timeline = make([]v1.Message, 0, len(history))
	s.seen = make(map[string]struct{}, len(history))
	for _, m := range history {
		s.appendLocked(m)
	}
	s.pendingScroll = true

	clearRead = sum.Unread > 0
	sum.Unread = 0
	return clearRead
}

// MergeHistory folds fetched history into the open timeline of conversationID. History is older
// than anything delivered live, so unseen history entries go first; ids already present are skipped.
func (s *State) MergeHistory(conversationID string, history []v1.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID == "" || conversationID != s.openID {
		return
	}
	live := s.timeline
	s.timeline = make([]v1.Message, 0, len(history)+len(live))
	for _, m := range history {
		s.appendLocked(m)
	}
	s.timeline = append(s.timeline, live...)
	if len(history) > 0 {
		s.pendingScroll = true
	}

	if n := len(s.timeline); n > 0 {
		if sum, ok := s.convs[conversationID]; ok && sum.LastMessage == nil {
			last := cloneMessage(s.timeline[n-1])
			sum.LastMessage = &last
		}
	}
}

// Close leaves the open conversation. Later deliver events for it are ignored and notify events
// count as unread.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *State) closeLocked() {
	s.openID = ""
	s.timeline = nil
	s.seen = make(map[string]struct{})
	s.pendingScroll = false
}

// OpenID returns the open conversation id, or "".
func (s *State) OpenID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openID
}

// Timeline returns a copy of the open conversation's messages.
func (s *State) Timeline() []v1.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.Message, len(s.timeline))
	for i, m := range s.timeline {
		out[i] = cloneMessage(m)
	}
	return out
}

// TakeScroll reports whether the timeline grew since the last call and clears the flag.
func (s *State) TakeScroll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pendingScroll
	s.pendingScroll = false
	return p
}

// ---- transitions ----

// LocalSend builds a message with a fresh provisional id, appends it to the open timeline and
// moves the conversation to the front. The returned values are what goes on the wire.
func (s *State) LocalSend(content v1.Content) (v1.Message, v1.Conversation, error) {
	if content.Kind == v1.ContentText {
		content.Body = strings.TrimSpace(content.Body)
	}
	if err := content.Validate(); err != nil {
		return v1.Message{}, v1.Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.convs[s.openID]
	if s.openID == "" || !ok {
		return v1.Message{}, v1.Conversation{}, ErrNoOpenConversation
	}
	conv := cloneConversation(sum.Conversation)

	self := s.self
	msg := v1.Message{
		ID:             s.newID(),
		ConversationID: conv.ID,
		SenderID:       self.ID,
		Sender:         &self,
		Content:        content,
		SentAt:         s.now(),
		RecipientIDs:   recipientsFor(conv, self.ID),
	}

	s.appendLocked(msg)
	s.pendingScroll = true
	last := cloneMessage(msg)
	sum.LastMessage = &last
	s.moveToFrontLocked(conv.ID)
	return cloneMessage(msg), conv, nil
}

// ApplyDeliver merges a receive-chat-message event. It reports whether the timeline changed:
// a message for a conversation that is not open, or one whose id is already present, is a no-op.
func (s *State) ApplyDeliver(msg v1.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ConversationID == "" || msg.ConversationID != s.openID {
		return false
	}
	if !s.appendLocked(msg) {
		return false
	}
	s.pendingScroll = true

	if sum, ok := s.convs[msg.ConversationID]; ok {
		last := cloneMessage(msg)
		sum.LastMessage = &last
	}
	s.moveToFrontLocked(msg.ConversationID)
	return true
}

// ApplyNotify merges a notify-receive-chat-message event. Notifications for the open conversation
// and for the user's own messages are ignored; otherwise a Notification is queued, the conversation
// moves to the front and its unread counter goes up by one. It reports whether anything changed.
func (s *State) ApplyNotify(p v1.NotifyPayload) bool {
	msg := p.Message

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ConversationID == "" || msg.ConversationID == s.openID || msg.SenderID == s.self.ID {
		return false
	}

	sum, ok := s.convs[msg.ConversationID]
	if !ok {
		// First message of a conversation someone else created: synthesize its entry.
		conv := v1.Conversation{
			ID:             msg.ConversationID,
			Kind:           "direct",
			Name:           p.GroupName,
			ParticipantIDs: append([]string{msg.SenderID}, msg.RecipientIDs...),
			UpdatedAt:      msg.SentAt,
		}
		if p.GroupName != "" || len(conv.ParticipantIDs) > 2 {
			conv.Kind = kindGroup
		}
		sum = s.upsertLocked(conv)
	}

	last := cloneMessage(msg)
	sum.LastMessage = &last
	sum.Unread++
	s.moveToFrontLocked(msg.ConversationID)

	n := Notification{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		GroupName:      p.GroupName,
		Preview:        msg.Content.Preview(),
		At:             s.now(),
	}
	if msg.Sender != nil {
		n.SenderName = msg.Sender.Username
	}
	s.notes = append(s.notes, n)
	return true
}

// ApplyPresence replaces the online user set.
func (s *State) ApplyPresence(users []v1.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = slices.Clone(users)
}

// Online returns the last presence snapshot.
func (s *State) Online() []v1.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.online)
}

// IsOnline reports whether userID is in the last presence snapshot.
func (s *State) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.ContainsFunc(s.online, func(u v1.User) bool { return u.ID == userID })
}

// DrainNotifications returns and clears the queued notifications.
func (s *State) DrainNotifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notes
	s.notes = nil
	return out
}

// ---- internals ----

// appendLocked appends m to the open timeline unless its id is already there.
func (s *State) appendLocked(m v1.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, dup := s.seen[m.ID]; dup {
		return false
	}
	s.seen[m.ID] = struct{}{}
	s.timeline = append(s.timeline, cloneMessage(m))
	return true
}

func (s *State) upsertLocked(conv v1.Conversation) *Summary {
	if sum, ok := s.convs[conv.ID]; ok {
		sum.Conversation = cloneConversation(conv)
		return sum
	}
	sum := &Summary{Conversation: cloneConversation(conv)}
	s.convs[conv.ID] = sum
	if isGroup(conv) {
		s.groups = slices.Insert(s.groups, 0, conv.ID)
	} else {
		s.direct = slices.Insert(s.direct, 0, conv.ID)
	}
	return sum
}

func (s *State) moveToFrontLocked(id string) {
	sum, ok := s.convs[id]
	if !ok {
		return
	}
	list := &s.direct
	if sum.IsGroup() {
		list = &s.groups
	}
	i := slices.Index(*list, id)
	if i <= 0 {
		return
	}
	*list = slices.Delete(*list, i, i+1)
	*list = slices.Insert(*list, 0, id)
}

func (s *State) listLocked(ids []string) []Summary {
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		sum := *s.convs[id]
		sum.Conversation = cloneConversation(sum.Conversation)
		if sum.LastMessage != nil {
			m := cloneMessage(*sum.LastMessage)
			sum.LastMessage = &m
		}
		out = append(out, sum)
	}
	return out
}

func isGroup(c v1.Conversation) bool {
	return c.Kind == kindGroup || len(c.ParticipantIDs) > 2
}

func recipientsFor(c v1.Conversation, senderID string) []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != senderID {
			out = append(out, id)
		}
	}
	return out
}

func cloneConversation(c v1.Conversation) v1.Conversation {
	c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	return c
}

func cloneMessage(m v1.Message) v1.Message {
	m.RecipientIDs = slices.Clone(m.RecipientIDs)
	if m.Sender != nil {
		u := *m.Sender
		m.Sender = &u
	}
	return m
}
