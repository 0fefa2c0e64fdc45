package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	got []published
	err error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, published{subject: subject, data: data})
	return nil
}

func TestMessageSubject(t *testing.T) {
	t.Parallel()

	if got := MessageSubject("01J0ABC"); got != "parley.conversations.01J0ABC.messages" {
		t.Fatalf("subject: %q", got)
	}
}

func TestNATSMirror_PublishesEvent(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	m := NewNATSMirror(pub)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	conv := v1.Conversation{ID: "conv-1", Kind: "direct", ParticipantIDs: []string{"u-a", "u-b"}}
	msg := v1.Message{ID: "m-1", ConversationID: conv.ID, SenderID: "u-a", Content: v1.Text("hi")}

	if err := m.MirrorMessage(context.Background(), msg, conv); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if len(pub.got) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.got))
	}
	if pub.got[0].subject != MessageSubject("conv-1") {
		t.Fatalf("subject: %q", pub.got[0].subject)
	}

	var ev Event
	if err := json.Unmarshal(pub.got[0].data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Message.ID != "m-1" || ev.Conversation.ID != "conv-1" || !ev.PublishedAt.Equal(fixed) {
		t.Fatalf("event: %+v", ev)
	}
}

func TestNATSMirror_Errors(t *testing.T) {
	t.Parallel()

	msg := v1.Message{ID: "m-1", Content: v1.Text("hi")}

	if err := NewNATSMirror(&fakePublisher{}).MirrorMessage(context.Background(), msg, v1.Conversation{}); err == nil {
		t.Fatalf("missing conversation id must fail")
	}

	boom := errors.New("no responders")
	err := NewNATSMirror(&fakePublisher{err: boom}).MirrorMessage(context.Background(), msg, v1.Conversation{ID: "c"})
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped publish error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewNATSMirror(&fakePublisher{}).MirrorMessage(ctx, msg, v1.Conversation{ID: "c"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestConnect_RequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := Connect(Config{}, nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
