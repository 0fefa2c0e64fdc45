package realtime

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

// Hub owns channel membership for every authenticated connection on this process.
//
// A connection joins channels lazily and never leaves one explicitly; LeaveAll at disconnect
// drops every membership at once. All publishing is non-blocking.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	clients  map[string]*Client             // conn id -> client (authenticated only)
	channels map[string]*Channel            // channel id -> members
	joined   map[string]map[string]struct{} // conn id -> channel ids
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		clients:  make(map[string]*Client),
		channels: make(map[string]*Channel),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Register makes client reachable by BroadcastAll. Call it once hello succeeds.
func (h *Hub) Register(client *Client) {
	if client == nil || client.ConnID == "" {
		return
	}
	h.mu.Lock()
	h.clients[client.ConnID] = client
	h.mu.Unlock()
}

// Join subscribes client to channelID. It reports whether the membership is new;
// joining twice is a no-op.
func (h *Hub) Join(channelID string, client *Client) bool {
	if channelID == "" || client == nil || client.ConnID == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channels[channelID]
	if ch == nil {
		ch = newChannel(channelID)
		h.channels[channelID] = ch
	}
	if !ch.add(client) {
		return false
	}

	set := h.joined[client.ConnID]
	if set == nil {
		set = make(map[string]struct{}, 2)
		h.joined[client.ConnID] = set
	}
	set[channelID] = struct{}{}

	h.log.Debug("hub.channel.join", "channel", channelID, "connection_id", client.ConnID)
	return true
}

// LeaveAll removes connID from every channel and unregisters it. Empty channels are dropped.
func (h *Hub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channelID := range h.joined[connID] {
		ch := h.channels[channelID]
		if ch == nil {
			continue
		}
		ch.remove(connID)
		if len(ch.members) == 0 {
			delete(h.channels, channelID)
		}
	}
	delete(h.joined, connID)
	delete(h.clients, connID)
}

// Publish fans env out to channelID, skipping excludeConnID. ok is false when nobody is subscribed.
func (h *Hub) Publish(channelID string, env v1.Envelope, excludeConnID string) (sent, dropped int, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch := h.channels[channelID]
	if ch == nil || len(ch.members) == 0 {
		return 0, 0, false
	}
	sent, dropped = ch.publish(env, excludeConnID)
	return sent, dropped, true
}

// BroadcastAll sends env to every registered connection.
func (h *Hub) BroadcastAll(env v1.Envelope) (sent, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if c.offer(env) {
			sent++
		} else {
			dropped++
		}
	}
	return sent, dropped
}

// PublishPresence broadcasts a share-connected-user snapshot. It never blocks, so the presence
// registry may call it with its lock held.
func (h *Hub) PublishPresence(users []v1.User) {
	env, err := newEnvelope(v1.TypeShareConnectedUser, v1.PresencePayload{Users: users}, h.now())
	if err != nil {
		h.log.Error("hub.presence.encode.fail", "err", err)
		return
	}
	sent, dropped := h.BroadcastAll(env)
	if dropped > 0 {
		h.log.Warn("hub.presence.dropped", "sent", sent, "dropped", dropped)
	}
}

// Channels returns the channel ids connID has joined, sorted.
func (h *Hub) Channels(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.joined[connID]))
	for id := range h.joined[connID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the number of connections in channelID.
func (h *Hub) Subscribers(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ch := h.channels[channelID]; ch != nil {
		return len(ch.members)
	}
	return 0
}
