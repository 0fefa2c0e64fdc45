// Package v1 defines the Parley Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server gateway and Go clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated for this contract.
const Subprotocol = "parley.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges authentication and carries the connection id (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeUserConnected announces presence (client -> server).
	TypeUserConnected = "user-connected"
	// TypeShareConnectedUser carries a presence snapshot (server -> client).
	TypeShareConnectedUser = "share-connected-user"
	// TypeUserDisconnected removes presence explicitly (client -> server).
	TypeUserDisconnected = "user-disconnected"

	// TypeJoinRoom subscribes the connection to a channel (client -> server).
	TypeJoinRoom = "join-room"

	// TypeSendChatMessage submits a new message for fan-out (client -> server).
	TypeSendChatMessage = "send-chat-message"
	// TypeReceiveChatMessage is the room-scoped live append (server -> client).
	TypeReceiveChatMessage = "receive-chat-message"
	// TypeNotifyReceiveChatMessage is the personal-channel notification (server -> client).
	TypeNotifyReceiveChatMessage = "notify-receive-chat-message"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeUserConnected,
		TypeShareConnectedUser,
		TypeUserDisconnected,
		TypeJoinRoom,
		TypeSendChatMessage,
		TypeReceiveChatMessage,
		TypeNotifyReceiveChatMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into a versioned envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// ---- Payloads ----

// HelloPayload carries the bearer access token.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload returns the transport-assigned connection id and the authenticated user.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	User         User   `json:"user"`
}

// User is the public projection of a user shared in presence snapshots.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// UserPayload is carried by user-connected and user-disconnected.
type UserPayload struct {
	User User `json:"user"`
}

// PresencePayload is a full presence snapshot (distinct by user id).
type PresencePayload struct {
	Users []User `json:"users"`
}

// JoinRoomPayload names the channel to join: a conversation id or the caller's own user id.
type JoinRoomPayload struct {
	Room string `json:"room"`
}

// Conversation is the wire projection of a direct conversation or group.
type Conversation struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Name           string    `json:"name,omitempty"`
	ParticipantIDs []string  `json:"participant_ids"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is the wire projection of a chat message.
// ID is generated by the sending client and is stable from optimistic append to persistence.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Sender         *User     `json:"sender,omitempty"`
	Content        Content   `json:"content"`
	SentAt         time.Time `json:"sent_at"`
	RecipientIDs   []string  `json:"recipient_ids"`
	IsRead         bool      `json:"is_read"`
}

// SendChatMessagePayload submits a message together with its conversation.
type SendChatMessagePayload struct {
	Message      Message      `json:"message"`
	Conversation Conversation `json:"conversation"`
}

// ReceiveChatMessagePayload is the live append delivered to the conversation channel.
type ReceiveChatMessagePayload struct {
	Message Message `json:"message"`
}

// NotifyPayload is delivered to each recipient's personal channel.
// GroupName is set only for group conversations.
type NotifyPayload struct {
	Message   Message `json:"message"`
	GroupName string  `json:"group_name,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
