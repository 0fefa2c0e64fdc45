package chat

import (
	"context"
	"time"
)

// CreateDirectInput describes a create-or-get of the direct conversation between two users.
type CreateDirectInput struct {
	ID    string // used only when a new conversation is created
	UserA string
	UserB string
	Now   time.Time
}

// CreateGroupInput describes a new group.
type CreateGroupInput struct {
	ID             string
	Name           string
	ParticipantIDs []string
	Now            time.Time
}

// AppendResult reports whether AppendMessage stored a new row.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// Store is the chat persistence boundary.
//
// Implementations must make AppendMessage idempotent by message id: re-appending the same id
// for the same conversation and sender returns the stored row with Duplicated=true; the same id
// in another conversation or from another sender is ErrConflict.
type Store interface {
	// CreateOrGetDirect returns the pair's direct conversation, creating it on first contact.
	// An archived direct conversation is restored with both users as participants.
	CreateOrGetDirect(ctx context.Context, in CreateDirectInput) (Conversation, bool, error)
	CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// ListConversations returns the non-archived conversations of userID, most recent first.
	// An empty kind lists both kinds.
	ListConversations(ctx context.Context, userID string, kind Kind) ([]Summary, error)
	// LeaveConversation removes userID; fewer than two remaining participants archives the conversation.
	LeaveConversation(ctx context.Context, conversationID, userID string, now time.Time) (Conversation, error)

	// AppendMessage stores msg with one receipt per recipient and bumps the conversation's UpdatedAt
	// to now (server time, never moved backwards). A duplicate leaves UpdatedAt alone.
	AppendMessage(ctx context.Context, msg Message, now time.Time) (AppendResult, error)
	// ListMessages returns up to limit most recent messages in chronological order, IsRead computed for viewerID.
	ListMessages(ctx context.Context, conversationID, viewerID string, limit int) ([]Message, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
	// MarkRead marks every unread receipt of userID in the conversation and returns how many changed.
	MarkRead(ctx context.Context, conversationID, userID string, now time.Time) (int, error)
}
