// Package presence tracks which users hold at least one live realtime connection.
//
// The Registry is the single owner of presence state: every mutation goes through its methods
// and callers only ever see immutable snapshots. A user whose last connection goes away stays in
// the published set for a grace period, so a quick reconnect (tab refresh, network blip) never
// shows up as an offline/online flicker to other clients.
package presence

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

// DefaultGrace is how long a user stays present after losing their last connection.
const DefaultGrace = 5 * time.Second

var (
	// ErrClosed is returned by Announce after Close.
	ErrClosed = errors.New("presence: registry closed")
	// ErrConnectionOwned is returned when a connection id is already bound to another user.
	ErrConnectionOwned = errors.New("presence: connection bound to another user")
	// ErrInvalidEntry is returned for an empty user or connection id.
	ErrInvalidEntry = errors.New("presence: user id and connection id are required")
)

// Publisher receives the full presence snapshot after every change of the published set.
// It is called with the registry lock held, so it must not block or call back into the Registry.
type Publisher interface {
	PublishPresence(users []v1.User)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(users []v1.User)

// PublishPresence implements Publisher.
func (f PublisherFunc) PublishPresence(users []v1.User) { f(users) }

// Observer receives gauge updates and grace expiries (Prometheus in production).
type Observer interface {
	Observe(onlineUsers, connections int)
	GraceExpired()
}

// AfterFunc schedules f after d and returns a stop function (time.AfterFunc semantics).
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// Entry is one live connection bound to a user.
type Entry struct {
	User         v1.User
	ConnectionID string
	JoinedAt     time.Time
}

type graceTimer struct {
	gen  uint64
	stop func() bool
}

// Registry is safe for concurrent use.
type Registry struct {
	log       *slog.Logger
	grace     time.Duration
	afterFunc AfterFunc
	now       func() time.Time
	pub       Publisher
	obs       Observer

	mu      sync.Mutex
	closed  bool
	conns   map[string]Entry               // connection id -> entry
	byUser  map[string]map[string]struct{} // user id -> connection ids
	users   map[string]v1.User             // published set (live or in grace)
	pending map[string]graceTimer          // user id -> grace timer
	gen     uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithGrace overrides DefaultGrace. Zero removes users immediately.
func WithGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.grace = d
		}
	}
}

// WithAfterFunc injects the timer scheduler (tests use a fake clock).
func WithAfterFunc(f AfterFunc) Option {
	return func(r *Registry) {
		if f != nil {
			r.afterFunc = f
		}
	}
}

// WithClock injects the time source used for Entry.JoinedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPublisher sets the snapshot publisher.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.pub = p }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.obs = o }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// New constructs a Registry. Call Close at shutdown to stop pending grace timers.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:   slog.Default(),
		grace: DefaultGrace,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		now:     func() time.Time { return time.Now().UTC() },
		conns:   make(map[string]Entry),
		byUser:  make(map[string]map[string]struct{}),
		users:   make(map[string]v1.User),
		pending: make(map[string]graceTimer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// SetPublisher replaces the publisher. It exists because the hub and the registry reference each other.
func (r *Registry) SetPublisher(p Publisher) {
	r.mu.Lock()
	r.pub = p
	r.mu.Unlock()
}

// Announce registers connID for user and returns the snapshot the connection should render.
//
// A repeated Announce for the same pairing is a no-op. The snapshot is published to everyone only
// when the user enters the published set; a reconnect inside the grace window cancels the timer
// and publishes nothing.
func (r *Registry) Announce(user v1.User, connID string) ([]v1.User, error) {
	if user.ID == "" || connID == "" {
		return nil, ErrInvalidEntry
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	if e, ok := r.conns[connID]; ok {
		if e.User.ID != user.ID {
			return nil, ErrConnectionOwned
		}
		return r.snapshotLocked(), nil
	}

	r.conns[connID] = Entry{User: user, ConnectionID: connID, JoinedAt: r.now()}
	set := r.byUser[user.ID]
	if set == nil {
		set = make(map[string]struct{}, 1)
		r.byUser[user.ID] = set
	}
	set[connID] = struct{}{}

	if t, ok := r.pending[user.ID]; ok {
		t.stop()
		delete(r.pending, user.ID)
		r.log.Debug("presence.grace.cancel", "user_id", user.ID, "connection_id", connID)
	}

	prev, present := r.users[user.ID]
	r.users[user.ID] = user

	snap := r.snapshotLocked()
	if !present || prev != user {
		r.log.Info("presence.online", "user_id", user.ID, "connection_id", connID, "online", len(r.users))
		r.publishLocked(snap)
	}
	r.observeLocked()
	return snap, nil
}

// Forget removes the (userID, connID) pairing. Unknown pairings are ignored.
// When it removes the user's last connection, the grace timer starts.
func (r *Registry) Forget(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok || e.User.ID != userID {
		return
	}
	r.removeLocked(e)
}

// ForgetConnection removes connID whatever user it belongs to.
// Used when the transport drops without an explicit user-disconnected event.
func (r *Registry) ForgetConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return
	}
	r.removeLocked(e)
}

func (r *Registry) removeLocked(e Entry) {
	delete(r.conns, e.ConnectionID)

	set := r.byUser[e.User.ID]
	delete(set, e.ConnectionID)
	if len(set) > 0 {
		r.observeLocked()
		return
	}
	delete(r.byUser, e.User.ID)

	if r.closed {
		return
	}

	if r.grace == 0 {
		r.expireLocked(e.User.ID)
		return
	}

	r.gen++
	gen := r.gen
	userID := e.User.ID
	stop := r.afterFunc(r.grace, func() { r.onGraceElapsed(userID, gen) })
	r.pending[userID] = graceTimer{gen: gen, stop: stop}

	r.log.Debug("presence.grace.start", "user_id", userID, "grace", r.grace.String())
	r.observeLocked()
}

func (r *Registry) onGraceElapsed(userID string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.pending[userID]
	if !ok || t.gen != gen || r.closed {
		// Superseded by a reconnect (or a newer timer) whose Stop lost the race.
		return
	}
	delete(r.pending, userID)

	if len(r.byUser[userID]) > 0 {
		return
	}
	if r.obs != nil {
		r.obs.GraceExpired()
	}
	r.expireLocked(userID)
}

func (r *Registry) expireLocked(userID string) {
	if _, ok := r.users[userID]; !ok {
		return
	}
	delete(r.users, userID)
	r.log.Info("presence.offline", "user_id", userID, "online", len(r.users))
	r.publishLocked(r.snapshotLocked())
	r.observeLocked()
}

// Snapshot returns the published set ordered by username, then id.
func (r *Registry) Snapshot() []v1.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Online reports whether userID is in the published set.
func (r *Registry) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// Connections returns the live entries of userID.
func (r *Registry) Connections(userID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		out = append(out, r.conns[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// Close stops every pending grace timer. Later Announce calls fail with ErrClosed;
// Forget calls still clean up but never publish.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, t := range r.pending {
		t.stop()
		delete(r.pending, id)
	}
}

func (r *Registry) snapshotLocked() []v1.User {
	out := make([]v1.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) publishLocked(snap []v1.User) {
	if r.pub == nil || r.closed {
		return
	}
	r.pub.PublishPresence(snap)
}

func (r *Registry) observeLocked() {
	if r.obs != nil {
		r.obs.Observe(len(r.users), len(r.conns))
	}
}
