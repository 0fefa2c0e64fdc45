package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxReadBytes        = 1 << 20
)

// ErrRejected wraps an error envelope returned by the server.
type ErrRejected struct {
	Code    string
	Message string
}

func (e *ErrRejected) Error() string {
	return "client: server rejected request: " + e.Code + ": " + e.Message
}

// EventHandler observes every envelope the event loop applied. changed reports whether State moved.
type EventHandler func(env v1.Envelope, changed bool)

type sessionConfig struct {
	log          *slog.Logger
	origin       string
	httpClient   *http.Client
	writeTimeout time.Duration
	persist      bool
	onEvent      EventHandler
	stateOpts    []StateOption
}

// SessionOption configures Dial.
type SessionOption func(*sessionConfig)

// WithLogger sets the session logger.
func WithLogger(log *slog.Logger) SessionOption {
	return func(c *sessionConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithOrigin sets the Origin header of the websocket handshake.
func WithOrigin(origin string) SessionOption {
	return func(c *sessionConfig) { c.origin = strings.TrimSpace(origin) }
}

// WithHTTPClient sets the client used for the websocket handshake.
func WithHTTPClient(hc *http.Client) SessionOption {
	return func(c *sessionConfig) { c.httpClient = hc }
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithHTTPPersist toggles the HTTP persistence request issued next to each websocket send (on by default).
func WithHTTPPersist(on bool) SessionOption {
	return func(c *sessionConfig) { c.persist = on }
}

// WithEventHandler registers a callback run by the event loop after each envelope.
func WithEventHandler(h EventHandler) SessionOption {
	return func(c *sessionConfig) { c.onEvent = h }
}

// WithState passes options to the session's State.
func WithState(opts ...StateOption) SessionOption {
	return func(c *sessionConfig) { c.stateOpts = append(c.stateOpts, opts...) }
}

// Session is one authenticated realtime connection plus its reconciled State.
//
// Dial performs the handshake and hello; Run consumes server events until the connection ends.
// The remaining methods may be called from any goroutine while Run is active.
type Session struct {
	log    *slog.Logger
	conn   *websocket.Conn
	api    *API
	state  *State
	cfg    sessionConfig
	connID string

	closeOnce sync.Once
	closed    atomic.Bool
}

// Dial connects to the realtime endpoint derived from api and authenticates with api's token.
func Dial(ctx context.Context, api *API, opts ...SessionOption) (*Session, error) {
	if api == nil || api.Token() == "" {
		return nil, errors.New("client: dial requires an authenticated API")
	}

	cfg := sessionConfig{log: slog.Default(), writeTimeout: defaultWriteTimeout, persist: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	h := http.Header{}
	if cfg.origin != "" {
		h.Set("Origin", cfg.origin)
	}
	conn, resp, err := websocket.Dial(ctx, api.WebSocketURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   cfg.httpClient,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial: http %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	conn.SetReadLimit(maxReadBytes)

	s := &Session{log: cfg.log, conn: conn, api: api, cfg: cfg}

	ack, err := s.hello(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return nil, err
	}
	s.connID = ack.ConnectionID
	s.state = NewState(ack.User, cfg.stateOpts...)
	s.log.Debug("client.hello.ok", "connection_id", s.connID, "user_id", ack.User.ID)
	return s, nil
}

func (s *Session) hello(ctx context.Context) (v1.HelloAckPayload, error) {
	if err := s.write(ctx, v1.TypeHello, v1.HelloPayload{Token: s.api.Token()}); err != nil {
		return v1.HelloAckPayload{}, err
	}
	env, err := s.read(ctx)
	if err != nil {
		return v1.HelloAckPayload{}, fmt.Errorf("client: hello: %w", err)
	}
	switch env.Type {
	case v1.TypeHelloAck:
		var ack v1.HelloAckPayload
		if err := env.Decode(&ack); err != nil {
			return v1.HelloAckPayload{}, err
		}
		return ack, nil
	case v1.TypeError:
		return v1.HelloAckPayload{}, rejected(env)
	default:
		return v1.HelloAckPayload{}, fmt.Errorf("client: hello: unexpected %q", env.Type)
	}
}

// State returns the session's reconciled state.
func (s *Session) State() *State { return s.state }

// API returns the HTTP collaborator.
func (s *Session) API() *API { return s.api }

// ConnectionID is the server-assigned id of this connection.
func (s *Session) ConnectionID() string { return s.connID }

// Announce registers presence. The server answers with a snapshot that Run applies.
func (s *Session) Announce(ctx context.Context) error {
	return s.write(ctx, v1.TypeUserConnected, v1.UserPayload{User: s.state.Self()})
}

// Load fetches both conversation lists into State.
func (s *Session) Load(ctx context.Context) error {
	sums, err := s.api.Conversations(ctx, "")
	if err != nil {
		return err
	}
	s.state.Load(sums)
	return nil
}

// Open joins the conversation's channel, makes it the open conversation, loads its history and
// clears the unread counter server-side when it was above zero.
// Joining happens before the history fetch so live messages sent in between are not lost.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	conv, err := s.api.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := s.write(ctx, v1.TypeJoinRoom, v1.JoinRoomPayload{Room: conv.ID}); err != nil {
		return err
	}

	clearRead := s.state.Open(conv, nil)

	history, err := s.api.Messages(ctx, conv.ID, 0)
	if err != nil {
		return err
	}
	s.state.MergeHistory(conv.ID, history)

	if clearRead {
		if _, err := s.api.ClearReadStatus(ctx, conv.ID); err != nil {
			return err
		}
	}
	return nil
}

// StartDirect returns the direct conversation with userID, creating it on first contact, and
// records it in the conversation lists.
func (s *Session) StartDirect(ctx context.Context, userID string) (v1.Conversation, error) {
	conv, _, err := s.api.CreateDirect(ctx, userID)
	if err != nil {
		return v1.Conversation{}, err
	}
	s.state.Upsert(conv)
	return conv, nil
}

// CreateGroup creates a named group with memberIDs and puts it at the front of the group list.
func (s *Session) CreateGroup(ctx context.Context, name string, memberIDs []string) (v1.Conversation, error) {
	conv, err := s.api.CreateGroup(ctx, name, memberIDs)
	if err != nil {
		return v1.Conversation{}, err
	}
	s.state.Upsert(conv)
	return conv, nil
}

// Leave removes the caller from a conversation and drops it locally, closing it if it was open.
func (s *Session) Leave(ctx context.Context, conversationID string) error {
	if _, err := s.api.Leave(ctx, conversationID); err != nil {
		return err
	}
	s.state.Remove(conversationID)
	return nil
}

// CloseConversation leaves the open conversation view. The channel membership lapses at disconnect.
func (s *Session) CloseConversation() { s.state.Close() }

// Send sends a text message in the open conversation.
func (s *Session) Send(ctx context.Context, text string) (v1.Message, error) {
	return s.SendContent(ctx, v1.Text(text))
}

// SendContent appends the message locally, then emits it and (unless disabled) persists it over
// HTTP concurrently. A persistence failure is logged and leaves the local message in place; only a
// failed emission is returned.
func (s *Session) SendContent(ctx context.Context, content v1.Content) (v1.Message, error) {
	msg, conv, err := s.state.LocalSend(content)
	if err != nil {
		return v1.Message{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.write(gctx, v1.TypeSendChatMessage, v1.SendChatMessagePayload{Message: msg, Conversation: conv})
	})
	if s.cfg.persist {
		g.Go(func() error {
			if _, _, err := s.api.PersistMessage(ctx, msg); err != nil {
				s.log.Warn("client.persist.fail", "conversation_id", msg.ConversationID, "message_id", msg.ID, "err", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return msg, err
	}
	return msg, nil
}

// SendFile uploads r and sends the resulting attachment in the open conversation.
func (s *Session) SendFile(ctx context.Context, filename string, r io.Reader) (v1.Message, error) {
	openID := s.state.OpenID()
	if openID == "" {
		return v1.Message{}, ErrNoOpenConversation
	}
	shaped, err := s.api.Upload(ctx, openID, filename, r)
	if err != nil {
		return v1.Message{}, err
	}
	return s.SendContent(ctx, shaped.Content)
}

// Run applies server events to State until ctx ends or the connection closes.
// A normal closure or a cancelled ctx returns nil.
func (s *Session) Run(ctx context.Context) error {
	for {
		env, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() || isNormalClose(err) {
				return nil
			}
			return err
		}

		changed, err := s.apply(env)
		if err != nil {
			s.log.Warn("client.event.invalid", "type", env.Type, "err", err)
			continue
		}
		if s.cfg.onEvent != nil {
			s.cfg.onEvent(env, changed)
		}
	}
}

func (s *Session) apply(env v1.Envelope) (bool, error) {
	switch env.Type {
	case v1.TypeShareConnectedUser:
		var p v1.PresencePayload
		if err := env.Decode(&p); err != nil {
			return false, err
		}
		s.state.ApplyPresence(p.Users)
		return true, nil

	case v1.TypeReceiveChatMessage:
		var p v1.ReceiveChatMessagePayload
		if err := env.Decode(&p); err != nil {
			return false, err
		}
		return s.state.ApplyDeliver(p.Message), nil

	case v1.TypeNotifyReceiveChatMessage:
		var p v1.NotifyPayload
		if err := env.Decode(&p); err != nil {
			return false, err
		}
		return s.state.ApplyNotify(p), nil

	case v1.TypeError:
		// Realtime errors never fault the session.
		s.log.Warn("client.server.error", "err", rejected(env))
		return false, nil

	default:
		return false, nil
	}
}

// Disconnect removes presence explicitly and closes the connection.
func (s *Session) Disconnect(ctx context.Context) error {
	err := s.write(ctx, v1.TypeUserDisconnected, v1.UserPayload{User: s.state.Self()})
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection without announcing anything; the server's grace period applies.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close(websocket.StatusNormalClosure, "bye")
	})
	return err
}

// ---- wire ----

func (s *Session) write(ctx context.Context, typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, "", time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	raw, err := envelopeJSON(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.writeTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("client: write %s: %w", typ, err)
	}
	return nil
}

func (s *Session) read(ctx context.Context) (v1.Envelope, error) {
	typ, raw, err := s.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if typ != websocket.MessageText {
		return v1.Envelope{}, errors.New("client: unexpected binary frame")
	}
	env, err := parseEnvelope(raw)
	if err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func rejected(env v1.Envelope) error {
	var p v1.ErrorPayload
	if err := env.Decode(&p); err != nil {
		return &ErrRejected{Code: "unknown", Message: err.Error()}
	}
	return &ErrRejected{Code: p.Code, Message: p.Message}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, io.EOF)
}

func envelopeJSON(env v1.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("client: marshal %s: %w", env.Type, err)
	}
	return raw, nil
}

func parseEnvelope(raw []byte) (v1.Envelope, error) {
	var env v1.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("client: invalid envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("client: invalid envelope: %w", err)
	}
	return env, nil
}
