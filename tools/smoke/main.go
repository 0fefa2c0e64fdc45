// Package main provides a CI-friendly end-to-end smoke test for a running Parley server.
//
// It validates:
//   - signup for two fresh users + websocket hello/ack
//   - presence snapshot after announce
//   - direct conversation create-or-get
//   - notify + unread counter for a closed conversation
//   - clear-read on open
//   - live delivery to an open conversation, exactly once
//   - idempotent persistence by message id
//   - offline broadcast after an explicit disconnect (optional)
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"parley/client"
	v1 "parley/shared/contracts/realtime/v1"
)

type smokeUser struct {
	name    string
	auth    client.Auth
	session *client.Session
	events  chan v1.Envelope
	runErr  chan error
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text     = flag.String("text", "hello parley 👋", "Message text to send")
		password = flag.String("password", "correct horse battery staple", "Password for the generated users")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		offline  = flag.Bool("offline", true, "Wait for the offline broadcast after A disconnects (takes the presence grace)")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root, cancel := context.WithCancel(context.Background())
	defer cancel()

	api, err := client.NewAPI(*baseURL, nil)
	if err != nil {
		fatalf("api: %v", err)
	}

	suffix := randomSuffix()
	a := mustConnect(root, api, log, "smoke_a_"+suffix, *password, *origin, *timeout)
	defer func() { _ = a.session.Close() }()
	b := mustConnect(root, api, log, "smoke_b_"+suffix, *password, *origin, *timeout)
	defer func() { _ = b.session.Close() }()

	if *verbose {
		fmt.Printf("connected: A=%s (%s) B=%s (%s) origin=%q\n",
			a.auth.User.ID, a.session.ConnectionID(), b.auth.User.ID, b.session.ConnectionID(), *origin)
	}

	mustEventually(*timeout, "A sees B online", func() bool { return a.session.State().IsOnline(b.auth.User.ID) })

	conv := mustDirect(root, a, b, *timeout)
	mustStep(root, *timeout, "load B", b.session.Load)
	mustStep(root, *timeout, "A opens", func(ctx context.Context) error { return a.session.Open(ctx, conv.ID) })

	// B has the conversation closed: notify + unread.
	first := mustSend(root, a, *text, *timeout)
	mustReadUntilType(b, v1.TypeNotifyReceiveChatMessage, *timeout)
	if got := b.session.State().Unread(conv.ID); got != 1 {
		fatalf("unread: B has %d unread, want 1", got)
	}
	if d := b.session.State().Directs(); len(d) == 0 || d[0].Conversation.ID != conv.ID {
		fatalf("recency: conversation %s is not first in B's list", conv.ID)
	}

	// B opens it: the counter clears locally and on the server.
	mustStep(root, *timeout, "B opens", func(ctx context.Context) error { return b.session.Open(ctx, conv.ID) })
	mustStep(root, *timeout, "server unread", func(ctx context.Context) error {
		n, err := b.session.API().UnreadCount(ctx, conv.ID)
		if err != nil {
			return err
		}
		if n != 0 {
			return fmt.Errorf("server still reports %d unread", n)
		}
		return nil
	})

	// B has it open: live delivery, exactly once.
	second := mustSend(root, a, *text+" (again)", *timeout)
	mustReadUntilType(b, v1.TypeReceiveChatMessage, *timeout)
	mustEventually(*timeout, "B timeline has both messages", func() bool { return len(b.session.State().Timeline()) == 2 })
	for _, m := range b.session.State().Timeline() {
		if m.ID != first.ID && m.ID != second.ID {
			fatalf("timeline: unexpected message %s", m.ID)
		}
	}
	if n := len(a.session.State().Timeline()); n != 2 {
		fatalf("dedupe: A timeline has %d entries, want 2", n)
	}

	// Re-persisting the same id is a no-op.
	mustStep(root, *timeout, "re-persist", func(ctx context.Context) error {
		_, dup, err := a.session.API().PersistMessage(ctx, second)
		if err != nil {
			return err
		}
		if !dup {
			return errors.New("second persist of the same id was not reported as duplicated")
		}
		return nil
	})
	mustStep(root, *timeout, "history", func(ctx context.Context) error {
		msgs, err := b.session.API().Messages(ctx, conv.ID, 50)
		if err != nil {
			return err
		}
		if len(msgs) != 2 {
			return fmt.Errorf("history has %d messages, want 2", len(msgs))
		}
		return nil
	})

	if *offline {
		mustStep(root, *timeout, "A disconnects", a.session.Disconnect)
		mustEventually(*timeout, "B sees A offline", func() bool { return !b.session.State().IsOnline(a.auth.User.ID) })
	}

	fmt.Printf("OK: A=%s B=%s conv_id=%s first=%s second=%s\n", a.auth.User.ID, b.auth.User.ID, conv.ID, first.ID, second.ID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, api *client.API, log *slog.Logger, name, password, origin string, stepTimeout time.Duration) *smokeUser {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	auth, err := api.Signup(ctx, name, name+"@smoke.invalid", password)
	if err != nil {
		fatalf("signup %s: %v", name, err)
	}

	u := &smokeUser{name: name, auth: auth, events: make(chan v1.Envelope, 512), runErr: make(chan error, 1)}
	s, err := client.Dial(ctx, api.WithToken(auth.AccessToken),
		client.WithOrigin(origin),
		client.WithLogger(log.With("user", name)),
		client.WithEventHandler(func(env v1.Envelope, _ bool) {
			select {
			case u.events <- env:
			default:
			}
		}),
	)
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	u.session = s

	go func() { u.runErr <- s.Run(parent) }()

	if err := s.Announce(ctx); err != nil {
		fatalf("announce %s: %v", name, err)
	}
	mustReadUntilType(u, v1.TypeShareConnectedUser, stepTimeout)
	return u
}

func mustDirect(parent context.Context, a, b *smokeUser, stepTimeout time.Duration) v1.Conversation {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conv, _, err := a.session.API().CreateDirect(ctx, b.auth.User.ID)
	if err != nil {
		fatalf("create direct: %v", err)
	}
	again, created, err := b.session.API().CreateDirect(ctx, a.auth.User.ID)
	if err != nil {
		fatalf("create direct (B): %v", err)
	}
	if created || again.ID != conv.ID {
		fatalf("create-or-get: B got %s (created=%v), want %s", again.ID, created, conv.ID)
	}
	return conv
}

func mustSend(parent context.Context, u *smokeUser, text string, stepTimeout time.Duration) v1.Message {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	msg, err := u.session.Send(ctx, text)
	if err != nil {
		fatalf("send (%s): %v", u.name, err)
	}
	return msg
}

func mustReadUntilType(u *smokeUser, typ string, stepTimeout time.Duration) v1.Envelope {
	deadline := time.After(stepTimeout)
	for {
		select {
		case env := <-u.events:
			if env.Type == typ {
				return env
			}
		case err := <-u.runErr:
			fatalf("read (%s): connection ended while waiting for %s: %v", u.name, typ, err)
		case <-deadline:
			fatalf("read (%s): timeout waiting for %s", u.name, typ)
		}
	}
}

func mustStep(parent context.Context, stepTimeout time.Duration, name string, f func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := f(ctx); err != nil {
		fatalf("%s: %v", name, err)
	}
}

func mustEventually(stepTimeout time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(stepTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			fatalf("timeout waiting for: %s", what)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000)
	}
	return hex.EncodeToString(b[:])
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
