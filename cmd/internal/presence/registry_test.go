package presence

import (
	"errors"
	"sync"
	"testing"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

// fakeClock collects scheduled callbacks; Advance fires the ones that are due.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}

type recorder struct {
	mu    sync.Mutex
	snaps [][]v1.User
}

func (r *recorder) PublishPresence(users []v1.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, users)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() []v1.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

var (
	alice = v1.User{ID: "u-alice", Username: "alice"}
	bob   = v1.User{ID: "u-bob", Username: "bob"}
)

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, *recorder) {
	t.Helper()

	clk := &fakeClock{}
	rec := &recorder{}
	r := New(WithAfterFunc(clk.AfterFunc), WithPublisher(rec))
	t.Cleanup(r.Close)
	return r, clk, rec
}

func ids(users []v1.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func TestAnnounce_Idempotent(t *testing.T) {
	t.Parallel()

	r, _, rec := newTestRegistry(t)

	first, err := r.Announce(alice, "c1")
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	second, err := r.Announce(alice, "c1")
	if err != nil {
		t.Fatalf("announce again: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", rec.count())
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one presence entry, got %v / %v", ids(first), ids(second))
	}
	if got := r.Connections(alice.ID); len(got) != 1 {
		t.Fatalf("expected 1 connection entry, got %d", len(got))
	}
}

func TestAnnounce_SecondDeviceDoesNotRebroadcast(t *testing.T) {
	t.Parallel()

	r, _, rec := newTestRegistry(t)

	if _, err := r.Announce(alice, "c1"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	snap, err := r.Announce(alice, "c2")
	if err != nil {
		t.Fatalf("announce c2: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", rec.count())
	}
	if len(snap) != 1 {
		t.Fatalf("snapshot must be distinct by user, got %v", ids(snap))
	}

	// Dropping one device keeps the user online without a timer.
	r.ForgetConnection("c1")
	if !r.Online(alice.ID) {
		t.Fatalf("alice must remain online with c2 live")
	}
}

func TestAnnounce_Errors(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)

	if _, err := r.Announce(v1.User{}, "c1"); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("empty user: want ErrInvalidEntry got %v", err)
	}
	if _, err := r.Announce(alice, "c1"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := r.Announce(bob, "c1"); !errors.Is(err, ErrConnectionOwned) {
		t.Fatalf("rebind: want ErrConnectionOwned got %v", err)
	}

	r.Close()
	if _, err := r.Announce(bob, "c9"); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close: want ErrClosed got %v", err)
	}
}

func TestGrace_ReconnectWithinWindowNeverPublishesOffline(t *testing.T) {
	t.Parallel()

	r, clk, rec := newTestRegistry(t)

	if _, err := r.Announce(alice, "c1"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := r.Announce(bob, "c2"); err != nil {
		t.Fatalf("announce bob: %v", err)
	}
	before := rec.count()

	r.Forget(alice.ID, "c1")
	clk.Advance(DefaultGrace - time.Second)
	if _, err := r.Announce(alice, "c3"); err != nil {
		t.Fatalf("reannounce: %v", err)
	}
	clk.Advance(10 * DefaultGrace)

	if rec.count() != before {
		t.Fatalf("expected no broadcasts during reconnect, got %d new", rec.count()-before)
	}
	if !r.Online(alice.ID) {
		t.Fatalf("alice must be online")
	}
}

func TestGrace_ExpiryPublishesExactlyOnce(t *testing.T) {
	t.Parallel()

	r, clk, rec := newTestRegistry(t)

	if _, err := r.Announce(alice, "c1"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := r.Announce(bob, "c2"); err != nil {
		t.Fatalf("announce bob: %v", err)
	}
	before := rec.count()

	r.ForgetConnection("c1")
	if !r.Online(alice.ID) {
		t.Fatalf("alice must stay in the published set during grace")
	}

	clk.Advance(DefaultGrace)
	clk.Advance(DefaultGrace)

	if rec.count() != before+1 {
		t.Fatalf("expected exactly one offline broadcast, got %d", rec.count()-before)
	}
	last := ids(rec.last())
	if len(last) != 1 || last[0] != bob.ID {
		t.Fatalf("unexpected snapshot after expiry: %v", last)
	}
	if r.Online(alice.ID) {
		t.Fatalf("alice must be offline")
	}
}

func TestForget_UnknownPairingIsNoop(t *testing.T) {
	t.Parallel()

	r, clk, rec := newTestRegistry(t)

	if _, err := r.Announce(alice, "c1"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	before := rec.count()

	r.Forget(bob.ID, "c1")
	r.Forget(alice.ID, "nope")
	r.ForgetConnection("nope")
	clk.Advance(10 * DefaultGrace)

	if rec.count() != before || !r.Online(alice.ID) {
		t.Fatalf("unknown pairings must not change presence")
	}
}

func TestGrace_ZeroRemovesImmediately(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := New(WithGrace(0), WithPublisher(rec))
	defer r.Close()

	if _, err := r.Announce(alice, "c1"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	r.Forget(alice.ID, "c1")

	if r.Online(alice.ID) {
		t.Fatalf("alice must be offline")
	}
	if rec.count() != 2 {
		t.Fatalf("expected online + offline broadcasts, got %d", rec.count())
	}
}

func TestClose_StopsPendingTimers(t *testing.T) {
	t.Parallel()

	r, clk, rec := newTestRegistry(t)

	if _, err := r.Announce(alice, "c1"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	r.Forget(alice.ID, "c1")
	before := rec.count()

	r.Close()
	clk.Advance(10 * DefaultGrace)

	if rec.count() != before {
		t.Fatalf("no broadcasts expected after Close")
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)

	if _, err := r.Announce(bob, "c2"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := r.Announce(alice, "c1"); err != nil {
		t.Fatalf("announce: %v", err)
	}

	snap := r.Snapshot()
	if got := ids(snap); len(got) != 2 || got[0] != alice.ID || got[1] != bob.ID {
		t.Fatalf("snapshot must be ordered by username: %v", got)
	}
	snap[0].Username = "mallory"
	if r.Snapshot()[0].Username != "alice" {
		t.Fatalf("mutating a snapshot must not affect the registry")
	}
}
