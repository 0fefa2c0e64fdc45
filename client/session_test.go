package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// fakeGateway speaks just enough of the realtime protocol to drive a Session.
type fakeGateway struct {
	t        *testing.T
	token    string
	joined   chan string
	cleared  atomic.Int32
	persists atomic.Int32
}

func (g *fakeGateway) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		g.t.Errorf("accept: %v", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	ctx := r.Context()

	send := func(typ string, payload any) {
		env, err := v1.NewEnvelope(typ, "", time.Now().UTC(), payload)
		if err != nil {
			g.t.Errorf("envelope: %v", err)
			return
		}
		raw, _ := json.Marshal(env)
		_ = conn.Write(ctx, websocket.MessageText, raw)
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			g.t.Errorf("bad frame: %v", err)
			return
		}

		switch env.Type {
		case v1.TypeHello:
			var p v1.HelloPayload
			_ = env.Decode(&p)
			if p.Token != g.token {
				send(v1.TypeError, v1.ErrorPayload{Code: "hello_failed", Message: "invalid token"})
				_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
				return
			}
			send(v1.TypeHelloAck, v1.HelloAckPayload{ConnectionID: "conn-1", User: ann})
		case v1.TypeUserConnected:
			send(v1.TypeShareConnectedUser, v1.PresencePayload{Users: []v1.User{ann, ben}})
		case v1.TypeJoinRoom:
			var p v1.JoinRoomPayload
			_ = env.Decode(&p)
			g.joined <- p.Room
		case v1.TypeSendChatMessage:
			var p v1.SendChatMessagePayload
			_ = env.Decode(&p)
			// Echo to the sender (a duplicate) and then notify about an unrelated conversation.
			send(v1.TypeReceiveChatMessage, v1.ReceiveChatMessagePayload{Message: p.Message})
			send(v1.TypeNotifyReceiveChatMessage, v1.NotifyPayload{Message: fromBen("m-x", "x", "ping")})
		}
	}
}

func newSessionFixture(t *testing.T) (*fakeGateway, *API) {
	t.Helper()

	g := &fakeGateway{t: t, token: "tok", joined: make(chan string, 4)}
	conv := direct("c", ben.ID)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", g.serveWS)
	mux.HandleFunc("GET /conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"conversations": []map[string]any{
			{"conversation": direct("x", cat.ID)},
			{"conversation": conv, "unread": 2},
		}})
	})
	mux.HandleFunc("GET /conversations/c", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
	})
	mux.HandleFunc("GET /conversations/c/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []v1.Message{fromBen("m-old", "c", "earlier")}})
	})
	mux.HandleFunc("POST /conversations/c/messages", func(w http.ResponseWriter, r *http.Request) {
		g.persists.Add(1)
		writeJSON(w, http.StatusCreated, map[string]any{"message": map[string]any{}, "duplicated": false})
	})
	mux.HandleFunc("PUT /conversations/c/leave", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
	})
	mux.HandleFunc("POST /conversations/direct", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"conversation": direct("d", cat.ID), "created": true})
	})
	mux.HandleFunc("POST /groups", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"conversation": group("g", "team")})
	})
	mux.HandleFunc("PUT /messages/status", func(w http.ResponseWriter, r *http.Request) {
		g.cleared.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"conversation_id": "c", "unread": 0, "marked": 2})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	api, err := NewAPI(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return g, api
}

func waitFor(t *testing.T, events <-chan string, typ string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-events:
			if got == typ {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestDial_RequiresToken(t *testing.T) {
	t.Parallel()

	_, api := newSessionFixture(t)
	if _, err := Dial(context.Background(), api); err == nil {
		t.Fatalf("expected an error without a token")
	}

	_, err := Dial(context.Background(), api.WithToken("wrong"))
	var rej *ErrRejected
	if !errors.As(err, &rej) || rej.Code != "hello_failed" {
		t.Fatalf("want hello_failed rejection, got %v", err)
	}
}

func TestSession_OpenSendAndEvents(t *testing.T) {
	t.Parallel()

	g, api := newSessionFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan string, 16)
	s, err := Dial(ctx, api.WithToken("tok"), WithEventHandler(func(env v1.Envelope, _ bool) { events <- env.Type }))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.ConnectionID() != "conn-1" || s.State().Self().ID != ann.ID {
		t.Fatalf("unexpected hello result: conn=%q self=%+v", s.ConnectionID(), s.State().Self())
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if err := s.Announce(ctx); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	waitFor(t, events, v1.TypeShareConnectedUser)
	if !s.State().IsOnline(ben.ID) {
		t.Fatalf("presence snapshot not applied")
	}

	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Open(ctx, "c"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if room := <-g.joined; room != "c" {
		t.Fatalf("joined %q, want c", room)
	}
	if g.cleared.Load() != 1 || s.State().Unread("c") != 0 {
		t.Fatalf("opening an unread conversation must clear it once")
	}

	msg, err := s.Send(ctx, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, events, v1.TypeNotifyReceiveChatMessage)

	tl := s.State().Timeline()
	if len(tl) != 2 || tl[0].ID != "m-old" || tl[1].ID != msg.ID {
		t.Fatalf("timeline must hold history plus one copy of the send: %+v", tl)
	}
	if g.persists.Load() != 1 {
		t.Fatalf("expected one HTTP persist, got %d", g.persists.Load())
	}
	if s.State().Unread("x") != 1 {
		t.Fatalf("notify for a closed conversation must count as unread")
	}
	if got := listIDs(s.State().Directs()); !equalIDs(got, []string{"x", "c"}) {
		t.Fatalf("notified conversation must move to front: %v", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run after close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after Close")
	}
}

func TestSession_CreateAndLeaveUpdateLists(t *testing.T) {
	t.Parallel()

	_, api := newSessionFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Dial(ctx, api.WithToken("tok"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Open(ctx, "c"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.CreateGroup(ctx, "team", []string{ben.ID, cat.ID}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if ids := listIDs(s.State().Groups()); !equalIDs(ids, []string{"g"}) {
		t.Fatalf("groups: %v", ids)
	}
	if _, err := s.StartDirect(ctx, cat.ID); err != nil {
		t.Fatalf("StartDirect: %v", err)
	}
	if ids := listIDs(s.State().Directs()); len(ids) != 3 || ids[0] != "d" {
		t.Fatalf("new direct must be first: %v", ids)
	}

	if err := s.Leave(ctx, "c"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if s.State().OpenID() != "" {
		t.Fatalf("leaving the open conversation must close it")
	}
	if _, ok := s.State().Conversation("c"); ok {
		t.Fatalf("left conversation must be removed")
	}
	if _, err := s.Send(ctx, "hi"); !errors.Is(err, ErrNoOpenConversation) {
		t.Fatalf("send after leave: want ErrNoOpenConversation got %v", err)
	}
}
