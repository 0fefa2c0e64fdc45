package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

type mirrorRecorder struct {
	mu   sync.Mutex
	msgs []v1.Message
	err  error
}

func (m *mirrorRecorder) MirrorMessage(_ context.Context, msg v1.Message, _ v1.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return m.err
}

func groupFixture() (v1.Conversation, v1.Message) {
	conv := v1.Conversation{
		ID:             "conv-1",
		Kind:           "group",
		Name:           "weekend",
		ParticipantIDs: []string{"u-ann", "u-ben", "u-cat"},
	}
	msg := v1.Message{
		ID:             "2f6c1b8e-6f57-4a39-9a53-6f1b0c1d2e3f",
		ConversationID: conv.ID,
		SenderID:       "u-ann",
		Content:        v1.Text("hi all"),
		SentAt:         time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		RecipientIDs:   []string{"u-ben", "u-cat"},
	}
	return conv, msg
}

func TestDispatch_GroupFanOut(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	conv, msg := groupFixture()

	// ann sends from annPhone; annLaptop has the room open too.
	annPhone := NewClient("ann-phone", 8)
	annLaptop := NewClient("ann-laptop", 8)
	benRoom := NewClient("ben-room", 8) // viewing the conversation
	benTab := NewClient("ben-tab", 8)   // elsewhere in the app
	cat := NewClient("cat", 8)

	h.Join("u-ann", annPhone)
	h.Join("u-ann", annLaptop)
	h.Join("u-ben", benRoom)
	h.Join("u-ben", benTab)
	h.Join("u-cat", cat)
	h.Join(conv.ID, annPhone)
	h.Join(conv.ID, annLaptop)
	h.Join(conv.ID, benRoom)

	mirror := &mirrorRecorder{}
	d := NewDispatcher(h, WithMirror(mirror))

	res, err := d.Dispatch(context.Background(), msg, conv, annPhone.ConnID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Notified != 3 || res.Delivered != 2 || res.Dropped != 0 || res.Offline != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	want := map[*Client][]string{
		annPhone:  nil,
		annLaptop: {v1.TypeReceiveChatMessage},
		benRoom:   {v1.TypeNotifyReceiveChatMessage, v1.TypeReceiveChatMessage},
		benTab:    {v1.TypeNotifyReceiveChatMessage},
		cat:       {v1.TypeNotifyReceiveChatMessage},
	}
	for c, wantTypes := range want {
		got := drain(c)
		gotTypes := types(got)
		if len(gotTypes) != len(wantTypes) {
			t.Fatalf("%s: want %v got %v", c.ConnID, wantTypes, gotTypes)
		}
		for i := range wantTypes {
			if gotTypes[i] != wantTypes[i] {
				t.Fatalf("%s: want %v got %v", c.ConnID, wantTypes, gotTypes)
			}
		}
		for _, env := range got {
			if env.Type != v1.TypeNotifyReceiveChatMessage {
				continue
			}
			var p v1.NotifyPayload
			if err := env.Decode(&p); err != nil {
				t.Fatalf("decode notify: %v", err)
			}
			if p.GroupName != "weekend" || p.Message.ID != msg.ID {
				t.Fatalf("%s: notify payload %+v", c.ConnID, p)
			}
		}
	}

	if len(mirror.msgs) != 1 || mirror.msgs[0].ID != msg.ID {
		t.Fatalf("mirror must see the message once, got %d", len(mirror.msgs))
	}
}

func TestDispatch_DirectOmitsGroupNameAndCountsOffline(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	conv := v1.Conversation{ID: "conv-d", Kind: "direct", ParticipantIDs: []string{"u-ann", "u-ben"}}
	msg := v1.Message{
		ID:             "7b1e9a52-0c7e-4d1f-8c0f-3d6e8e1a9b20",
		ConversationID: conv.ID,
		SenderID:       "u-ann",
		Content:        v1.Text("hey"),
		RecipientIDs:   []string{"u-ben"},
	}

	res, err := NewDispatcher(h).Dispatch(context.Background(), msg, conv, "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Offline != 1 || res.Notified != 0 || res.Delivered != 0 {
		t.Fatalf("offline recipient: %+v", res)
	}

	ben := NewClient("ben", 8)
	h.Join("u-ben", ben)
	if _, err := NewDispatcher(h).Dispatch(context.Background(), msg, conv, ""); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := drain(ben)
	if len(got) != 1 {
		t.Fatalf("ben: %v", types(got))
	}
	var p v1.NotifyPayload
	if err := got[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.GroupName != "" {
		t.Fatalf("direct notify must not carry a group name: %q", p.GroupName)
	}
}

func TestDispatch_MirrorFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	conv, msg := groupFixture()
	mirror := &mirrorRecorder{err: errors.New("nats down")}

	if _, err := NewDispatcher(h, WithMirror(mirror)).Dispatch(context.Background(), msg, conv, ""); err != nil {
		t.Fatalf("mirror errors must not fail dispatch: %v", err)
	}
}
