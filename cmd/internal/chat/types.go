// Package chat owns conversations, messages and per-recipient read status.
//
// A direct conversation has exactly two participants and is unique per unordered user pair.
// A group has a name and more than two participants at creation. Participants can leave;
// a conversation left with fewer than two participants is archived, never deleted, so message
// rows and read receipts keep their references.
package chat

import (
	"slices"
	"sort"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

// Kind distinguishes direct conversations from groups.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindDirect || k == KindGroup }

// Conversation is a direct conversation or a group.
type Conversation struct {
	ID             string
	Kind           Kind
	Name           string
	ParticipantIDs []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ArchivedAt     *time.Time
}

// HasParticipant reports whether userID is a current participant.
func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// Archived reports whether the conversation has been archived.
func (c Conversation) Archived() bool { return c.ArchivedAt != nil }

// RecipientsFor returns every participant except senderID, in participant order.
func (c Conversation) RecipientsFor(senderID string) []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != senderID {
			out = append(out, id)
		}
	}
	return out
}

// Wire projects the conversation onto the realtime contract.
func (c Conversation) Wire() v1.Conversation {
	return v1.Conversation{
		ID:             c.ID,
		Kind:           string(c.Kind),
		Name:           c.Name,
		ParticipantIDs: slices.Clone(c.ParticipantIDs),
		UpdatedAt:      c.UpdatedAt,
	}
}

// Message is immutable once stored, except for per-recipient read status.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        v1.Content
	SentAt         time.Time
	RecipientIDs   []string

	// IsRead is computed for the viewer: for a recipient, whether they read it;
	// for the sender, whether every recipient read it.
	IsRead bool
}

// Wire projects the message onto the realtime contract.
func (m Message) Wire() v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		SentAt:         m.SentAt,
		RecipientIDs:   slices.Clone(m.RecipientIDs),
		IsRead:         m.IsRead,
	}
}

// MessageFromWire converts a realtime message into the domain type.
func MessageFromWire(m v1.Message) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		SentAt:         m.SentAt,
		RecipientIDs:   slices.Clone(m.RecipientIDs),
	}
}

// Summary is one row of a conversation list.
type Summary struct {
	Conversation Conversation
	LastMessage  *Message
	Unread       int
}

// directKey is the uniqueness key of a direct conversation: "<low id>:<high id>".
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// sortSummaries orders by recency, newest first; ties break on id for stable output.
func sortSummaries(s []Summary) {
	sort.SliceStable(s, func(i, j int) bool {
		ui, uj := s[i].Conversation.UpdatedAt, s[j].Conversation.UpdatedAt
		if !ui.Equal(uj) {
			return ui.After(uj)
		}
		return s[i].Conversation.ID < s[j].Conversation.ID
	})
}
