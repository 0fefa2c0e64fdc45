package chat

import (
	"context"
	"errors"

	v1 "parley/shared/contracts/realtime/v1"
)

// The methods below speak the realtime contract so the websocket gateway can stay ignorant of
// chat storage.

// AuthorizeRoom allows a join of the caller's own personal channel or of a conversation they
// participate in.
func (s *Service) AuthorizeRoom(ctx context.Context, userID, room string) error {
	const op = "chat.AuthorizeRoom"

	if room == "" {
		return invalid(op, "missing room")
	}
	if room == userID {
		return nil
	}
	conv, err := s.store.GetConversation(ctx, room)
	if errors.Is(err, ErrNotFound) {
		return forbidden(op, "not a member of room")
	}
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return forbidden(op, "not a member of room")
	}
	return nil
}

// PrepareDelivery validates an inbound send-chat-message and returns the authoritative message
// and conversation to persist and fan out.
func (s *Service) PrepareDelivery(ctx context.Context, senderID string, msg v1.Message) (v1.Message, v1.Conversation, error) {
	prepared, conv, err := s.PrepareSend(ctx, senderID, MessageFromWire(msg))
	if err != nil {
		return v1.Message{}, v1.Conversation{}, err
	}
	out := prepared.Wire()
	out.Sender = msg.Sender
	return out, conv.Wire(), nil
}

// PersistDelivery stores a prepared realtime message; re-persisting the same id is a no-op.
func (s *Service) PersistDelivery(ctx context.Context, msg v1.Message) error {
	_, err := s.Persist(ctx, MessageFromWire(msg))
	return err
}
