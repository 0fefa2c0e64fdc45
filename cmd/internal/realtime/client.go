package realtime

import (
	"sync"

	v1 "parley/shared/contracts/realtime/v1"
)

// Client is one websocket connection.
//
// Send is never closed by the server, so concurrent publishers cannot panic on a closed channel;
// done signals shutdown instead. Close is idempotent.
type Client struct {
	ConnID string
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	user   v1.User
	authed bool
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID: connID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Authenticate binds the connection to u.
func (c *Client) Authenticate(u v1.User) {
	c.mu.Lock()
	c.user = u
	c.authed = true
	c.mu.Unlock()
}

// User returns the authenticated user and whether hello succeeded.
func (c *Client) User() (v1.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user, c.authed
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop. It does not close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking. It reports false when the client is closing or its queue is full.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
