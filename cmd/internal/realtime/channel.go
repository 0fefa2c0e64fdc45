package realtime

import v1 "parley/shared/contracts/realtime/v1"

// Channel is a set of connections addressed together: a user's personal channel (keyed by user id)
// or a conversation channel (keyed by conversation id). Channels are guarded by the owning Hub's lock.
type Channel struct {
	ID      string
	members map[string]*Client
}

func newChannel(id string) *Channel {
	return &Channel{ID: id, members: make(map[string]*Client)}
}

// add reports whether client was not yet a member.
func (ch *Channel) add(client *Client) bool {
	if _, ok := ch.members[client.ConnID]; ok {
		return false
	}
	ch.members[client.ConnID] = client
	return true
}

func (ch *Channel) remove(connID string) {
	delete(ch.members, connID)
}

// publish fans env out to every member but excludeConnID without blocking.
// A member whose queue is full or that is shutting down is counted as dropped.
func (ch *Channel) publish(env v1.Envelope, excludeConnID string) (sent, dropped int) {
	for id, m := range ch.members {
		if id == excludeConnID {
			continue
		}
		if m.offer(env) {
			sent++
		} else {
			dropped++
		}
	}
	return sent, dropped
}
