package app

import (
	"context"
	"testing"
	"time"

	"parley/client"
	v1 "parley/shared/contracts/realtime/v1"
)

type e2eUser struct {
	auth    client.Auth
	session *client.Session
	events  chan string
}

func signupAndDial(t *testing.T, ctx context.Context, api *client.API, name string) *e2eUser {
	t.Helper()

	auth, err := api.Signup(ctx, name, name+"@example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("signup %s: %v", name, err)
	}

	events := make(chan string, 64)
	s, err := client.Dial(ctx, api.WithToken(auth.AccessToken),
		client.WithOrigin("http://localhost"),
		client.WithEventHandler(func(env v1.Envelope, _ bool) {
			select {
			case events <- env.Type:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("dial %s: %v", name, err)
	}
	t.Cleanup(func() { _ = s.Close() })

	go func() { _ = s.Run(ctx) }()
	if err := s.Announce(ctx); err != nil {
		t.Fatalf("announce %s: %v", name, err)
	}
	return &e2eUser{auth: auth, session: s, events: events}
}

func (u *e2eUser) waitFor(t *testing.T, typ string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-u.events:
			if got == typ {
				return
			}
		case <-timeout:
			t.Fatalf("%s: timed out waiting for %s", u.auth.User.Username, typ)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_DirectConversationEndToEnd(t *testing.T) {
	t.Parallel()

	srv := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	api, err := client.NewAPI(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}

	ann := signupAndDial(t, ctx, api, "ann")
	ben := signupAndDial(t, ctx, api, "ben")

	eventually(t, "ann sees ben online", func() bool { return ann.session.State().IsOnline(ben.auth.User.ID) })

	conv, created, err := ann.session.API().CreateDirect(ctx, ben.auth.User.ID)
	if err != nil || !created {
		t.Fatalf("CreateDirect: created=%v err=%v", created, err)
	}
	other, err := ben.session.API().CreateGroup(ctx, "book club", []string{ann.auth.User.ID, "missing-user"})
	if err == nil {
		t.Fatalf("group with an unknown member must fail, got %+v", other)
	}
	for _, u := range []*e2eUser{ann, ben} {
		if err := u.session.Load(ctx); err != nil {
			t.Fatalf("load: %v", err)
		}
	}

	// Ben does not have the conversation open.
	if err := ann.session.Open(ctx, conv.ID); err != nil {
		t.Fatalf("ann open: %v", err)
	}
	hi, err := ann.session.Send(ctx, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if tl := ann.session.State().Timeline(); len(tl) != 1 || tl[0].ID != hi.ID || tl[0].SenderID != ann.auth.User.ID {
		t.Fatalf("ann must see exactly the sent message: %+v", tl)
	}

	ben.waitFor(t, v1.TypeNotifyReceiveChatMessage)
	if got := ben.session.State().Unread(conv.ID); got != 1 {
		t.Fatalf("ben unread: want 1 got %d", got)
	}
	if d := ben.session.State().Directs(); len(d) == 0 || d[0].Conversation.ID != conv.ID {
		t.Fatalf("conversation must be first in ben's list: %+v", d)
	}
	notes := ben.session.State().DrainNotifications()
	if len(notes) != 1 || notes[0].Preview != "hi" || notes[0].GroupName != "" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}

	// Opening clears the counter locally and server-side.
	if err := ben.session.Open(ctx, conv.ID); err != nil {
		t.Fatalf("ben open: %v", err)
	}
	if got := ben.session.State().Unread(conv.ID); got != 0 {
		t.Fatalf("ben unread after open: %d", got)
	}
	n, err := ben.session.API().UnreadCount(ctx, conv.ID)
	if err != nil || n != 0 {
		t.Fatalf("server unread after open: n=%d err=%v", n, err)
	}
	if tl := ben.session.State().Timeline(); len(tl) != 1 || tl[0].Content.Body != "hi" {
		t.Fatalf("ben history: %+v", tl)
	}

	// Ben has the conversation open now.
	again, err := ann.session.Send(ctx, "again")
	if err != nil {
		t.Fatalf("send again: %v", err)
	}
	ben.waitFor(t, v1.TypeReceiveChatMessage)
	eventually(t, "ben timeline grows", func() bool { return len(ben.session.State().Timeline()) == 2 })

	tl := ben.session.State().Timeline()
	if tl[1].ID != again.ID || tl[1].SenderID != ann.auth.User.ID || tl[1].Content.Body != "again" {
		t.Fatalf("ben must gain exactly one copy of the message: %+v", tl)
	}
	if got := ben.session.State().Unread(conv.ID); got != 0 {
		t.Fatalf("an open conversation must not count unread, got %d", got)
	}
	if got := len(ann.session.State().Timeline()); got != 2 {
		t.Fatalf("ann timeline: want 2 got %d", got)
	}

	msgs, err := ann.session.API().Messages(ctx, conv.ID, 0)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("persisted history: %d err=%v", len(msgs), err)
	}
}
