package chat

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

type fakeDirectory map[string]bool

func (d fakeDirectory) MissingUsers(_ context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		if !d[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

var serviceNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *Service {
	t.Helper()

	dir := fakeDirectory{"ann": true, "ben": true, "cat": true, "dan": true}
	return NewService(NewMemoryStore(), dir, WithClock(func() time.Time { return serviceNow }))
}

func TestService_CreateOrGetDirect(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	if _, _, err := s.CreateOrGetDirect(ctx, "ann", "ann"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("self: want ErrInvalidInput got %v", err)
	}
	if _, _, err := s.CreateOrGetDirect(ctx, "ann", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: want ErrNotFound got %v", err)
	}

	c1, created, err := s.CreateOrGetDirect(ctx, "ann", "ben")
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	c2, created, err := s.CreateOrGetDirect(ctx, "ben", "ann")
	if err != nil || created || c2.ID != c1.ID {
		t.Fatalf("get: id=%s created=%v err=%v", c2.ID, created, err)
	}
}

func TestService_CreateGroup(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		group   string
		members []string
		want    error
	}{
		{name: "empty name", group: " ", members: []string{"ben", "cat"}, want: ErrInvalidInput},
		{name: "too few after dedupe", group: "g", members: []string{"ben", "ben", "ann"}, want: ErrInvalidInput},
		{name: "unknown member", group: "g", members: []string{"ben", "ghost"}, want: ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := s.CreateGroup(ctx, "ann", tc.group, tc.members); !errors.Is(err, tc.want) {
			t.Fatalf("%s: want %v got %v", tc.name, tc.want, err)
		}
	}

	g, err := s.CreateGroup(ctx, "ann", "  trip  ", []string{"ben", "cat", "ben"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Name != "trip" || !slices.Equal(g.ParticipantIDs, []string{"ann", "ben", "cat"}) {
		t.Fatalf("unexpected group: %+v", g)
	}
}

func TestService_PrepareSend(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	g, err := s.CreateGroup(ctx, "ann", "trip", []string{"ben", "cat"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	base := Message{ID: uuid.NewString(), ConversationID: g.ID, Content: v1.Text("  hi  "), RecipientIDs: []string{"dan"}}

	bad := base
	bad.ID = "not-a-uuid"
	if _, _, err := s.PrepareSend(ctx, "ann", bad); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad id: want ErrInvalidInput got %v", err)
	}
	empty := base
	empty.Content = v1.Text("   ")
	if _, _, err := s.PrepareSend(ctx, "ann", empty); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty text: want ErrInvalidInput got %v", err)
	}
	if _, _, err := s.PrepareSend(ctx, "dan", base); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider: want ErrForbidden got %v", err)
	}

	future := base
	future.SentAt = serviceNow.Add(time.Hour)
	msg, conv, err := s.PrepareSend(ctx, "ann", future)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if msg.SenderID != "ann" || msg.Content.Body != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if !slices.Equal(msg.RecipientIDs, []string{"ben", "cat"}) {
		t.Fatalf("recipients must come from participants, got %v", msg.RecipientIDs)
	}
	if !msg.SentAt.Equal(serviceNow) {
		t.Fatalf("future timestamps are clamped to server time, got %v", msg.SentAt)
	}
	if conv.ID != g.ID {
		t.Fatalf("unexpected conversation: %s", conv.ID)
	}
}

func TestService_SendIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	c, _, err := s.CreateOrGetDirect(ctx, "ann", "ben")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m := Message{ID: uuid.NewString(), ConversationID: c.ID, Content: v1.Text("hi")}

	first, err := s.Send(ctx, "ann", m)
	if err != nil || first.Duplicated {
		t.Fatalf("first send: %+v %v", first, err)
	}
	second, err := s.Send(ctx, "ann", m)
	if err != nil || !second.Duplicated {
		t.Fatalf("second send must be a duplicate: %+v %v", second, err)
	}

	msgs, err := s.Messages(ctx, "ben", c.ID, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected exactly one stored message: %v %v", msgs, err)
	}
	if _, err := s.Messages(ctx, "cat", c.ID, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider read: want ErrForbidden got %v", err)
	}
}

func TestService_SlowSenderClockStillBumpsRecency(t *testing.T) {
	t.Parallel()

	now := serviceNow
	s := NewService(NewMemoryStore(), fakeDirectory{"ann": true, "ben": true, "cat": true},
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	x, _, err := s.CreateOrGetDirect(ctx, "ann", "ben")
	if err != nil {
		t.Fatalf("create x: %v", err)
	}
	y, _, err := s.CreateOrGetDirect(ctx, "ann", "cat")
	if err != nil {
		t.Fatalf("create y: %v", err)
	}

	now = serviceNow.Add(5 * time.Minute)
	if _, err := s.Send(ctx, "ben", Message{ID: uuid.NewString(), ConversationID: x.ID, Content: v1.Text("x"), SentAt: now}); err != nil {
		t.Fatalf("send x: %v", err)
	}

	now = serviceNow.Add(6 * time.Minute)
	slow := now.Add(-10 * time.Minute)
	res, err := s.Send(ctx, "cat", Message{ID: uuid.NewString(), ConversationID: y.ID, Content: v1.Text("y"), SentAt: slow})
	if err != nil {
		t.Fatalf("send y: %v", err)
	}
	if !res.Stored.SentAt.Equal(now) {
		t.Fatalf("stale timestamps are replaced by server time, got %v", res.Stored.SentAt)
	}

	list, err := s.List(ctx, "ann", "")
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %v %v", list, err)
	}
	if list[0].Conversation.ID != y.ID || !list[0].Conversation.UpdatedAt.Equal(now) {
		t.Fatalf("y must be most recent with updated_at=%v, got %s at %v",
			now, list[0].Conversation.ID, list[0].Conversation.UpdatedAt)
	}
}

func TestService_UnreadLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	c, _, err := s.CreateOrGetDirect(ctx, "ann", "ben")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Send(ctx, "ann", Message{ID: uuid.NewString(), ConversationID: c.ID, Content: v1.Text("ping")}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if n, err := s.UnreadCount(ctx, "ben", c.ID); err != nil || n != 2 {
		t.Fatalf("unread: n=%d err=%v", n, err)
	}
	if n, err := s.MarkRead(ctx, "ben", c.ID); err != nil || n != 2 {
		t.Fatalf("mark read: n=%d err=%v", n, err)
	}
	if n, _ := s.UnreadCount(ctx, "ben", c.ID); n != 0 {
		t.Fatalf("unread after mark: %d", n)
	}
	if n, _ := s.MarkRead(ctx, "ben", c.ID); n != 0 {
		t.Fatalf("mark read is one-directional, got %d", n)
	}
}

func TestService_LeaveArchivesSmallGroup(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	g, err := s.CreateGroup(ctx, "ann", "trip", []string{"ben", "cat"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Leave(ctx, "ann", g.ID); err != nil {
		t.Fatalf("leave ann: %v", err)
	}
	after, err := s.Leave(ctx, "ben", g.ID)
	if err != nil {
		t.Fatalf("leave ben: %v", err)
	}
	if !after.Archived() {
		t.Fatalf("group with one participant must be archived")
	}

	_, _, err = s.PrepareSend(ctx, "cat", Message{ID: uuid.NewString(), ConversationID: g.ID, Content: v1.Text("anyone?")})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("send to archived: want ErrForbidden got %v", err)
	}
}

func TestService_AuthorizeRoom(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	c, _, err := s.CreateOrGetDirect(ctx, "ann", "ben")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		user, room string
		want       error
	}{
		{user: "ann", room: "ann"},
		{user: "ann", room: c.ID},
		{user: "ann", room: "ben", want: ErrForbidden},
		{user: "cat", room: c.ID, want: ErrForbidden},
		{user: "ann", room: "01HZNOPE000000000000000000", want: ErrForbidden},
		{user: "ann", room: "", want: ErrInvalidInput},
	}
	for _, tc := range cases {
		err := s.AuthorizeRoom(ctx, tc.user, tc.room)
		if tc.want == nil && err != nil {
			t.Fatalf("%s -> %s: unexpected %v", tc.user, tc.room, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s -> %s: want %v got %v", tc.user, tc.room, tc.want, err)
		}
	}
}

func TestService_PrepareDeliveryKeepsSender(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	c, _, err := s.CreateOrGetDirect(ctx, "ann", "ben")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	in := v1.Message{
		ID:             uuid.NewString(),
		ConversationID: c.ID,
		SenderID:       "mallory",
		Sender:         &v1.User{ID: "ann", Username: "ann"},
		Content:        v1.Text("hi"),
	}
	out, conv, err := s.PrepareDelivery(ctx, "ann", in)
	if err != nil {
		t.Fatalf("prepare delivery: %v", err)
	}
	if out.SenderID != "ann" || out.Sender == nil || conv.Kind != "direct" {
		t.Fatalf("unexpected delivery: %+v %+v", out, conv)
	}
	if !slices.Equal(out.RecipientIDs, []string{"ben"}) {
		t.Fatalf("unexpected recipients: %v", out.RecipientIDs)
	}
	if err := s.PersistDelivery(ctx, out); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.PersistDelivery(ctx, out); err != nil {
		t.Fatalf("re-persist must be a no-op: %v", err)
	}
}
