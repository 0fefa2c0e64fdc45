package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/chat"
	"parley/cmd/internal/metrics"
	v1 "parley/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Authenticator resolves a hello token into a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (v1.User, error)
}

// ChatService is the chat surface the gateway needs.
type ChatService interface {
	AuthorizeRoom(ctx context.Context, userID, room string) error
	PrepareDelivery(ctx context.Context, senderID string, msg v1.Message) (v1.Message, v1.Conversation, error)
	PersistDelivery(ctx context.Context, msg v1.Message) error
}

// Presence is the presence registry surface the gateway needs.
type Presence interface {
	Announce(user v1.User, connID string) ([]v1.User, error)
	Forget(userID, connID string)
	ForgetConnection(connID string)
}

// GatewayConfig holds transport policy. Zero values fall back to defaults.
type GatewayConfig struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// GatewayConfigFromEnv reads PARLEY_WS_* variables.
func GatewayConfigFromEnv() GatewayConfig {
	return GatewayConfig{
		// Skips the origin check entirely; development only.
		DevInsecure:      envBoolWS("PARLEY_WS_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired),
		AllowedOrigins:   envCSVWS("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:     envDurationWS("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout),
		ReadIdleTimeout:  envDurationWS("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle),
		SendQueueSize:    envIntWS("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize),
		HeartbeatEvery:   envDurationWS("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval),
		HeartbeatTimeout: envDurationWS("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout),
		RateEvents:       envIntWS("PARLEY_WS_RATE_EVENTS", rateLimitEvents),
		RateWindow:       envDurationWS("PARLEY_WS_RATE_WINDOW", rateLimitWindow),
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Gateway is the websocket entrypoint for the Parley realtime protocol.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats, authenticates the
// connection with a hello frame, and routes presence, join and send events to the registry, hub
// and dispatcher.
type Gateway struct {
	log        *slog.Logger
	cfg        GatewayConfig
	hub        *Hub
	dispatcher *Dispatcher
	presence   Presence
	chat       ChatService
	auth       Authenticator

	// Derived for websocket.Accept, which only authorizes cross-origin hosts listed here.
	originPatterns []string
}

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, cfg GatewayConfig, hub *Hub, dispatcher *Dispatcher, presence Presence, chatSvc ChatService, authn Authenticator) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		cfg:            cfg,
		hub:            hub,
		dispatcher:     dispatcher,
		presence:       presence,
		chat:           chatSvc,
		auth:           authn,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Browsers cannot set headers on a websocket handshake, so the hello frame is the usual
	// credential; a bearer header is still honoured for non-browser clients.
	headerToken, _ := auth.BearerToken(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.connection_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(connID, g.cfg.SendQueueSize)

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Memberships and presence go first so no publisher targets a
	// closing client; Send stays open.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.LeaveAll(connID)
			g.presence.ForgetConnection(connID)

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	// Liveness is any inbound frame or answered ping. Pongs never surface from Read, so the
	// idle check lives with the heartbeat and reads carry no deadline of their own.
	accepted := time.Now()
	var lastSeen atomic.Int64
	lastSeen.Store(accepted.UnixNano())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
				} else {
					failures = 0
					lastSeen.Store(time.Now().UnixNano())
				}

				if _, authed := client.User(); !authed && time.Since(accepted) > g.cfg.ReadIdleTimeout {
					g.log.Info("ws.hello.timeout", "connection_id", connID)
					shutdown(websocket.StatusPolicyViolation, "hello timeout")
					return
				}
				if idle := time.Since(time.Unix(0, lastSeen.Load())); idle > g.cfg.ReadIdleTimeout {
					g.log.Info("ws.idle", "connection_id", connID, "idle", idle)
					shutdown(websocket.StatusGoingAway, "idle")
					return
				}
			}
		}
	}()

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		lastSeen.Store(time.Now().UnixNano())

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				metrics.WSEventsTotal.WithLabelValues("unknown", "bad_json").Inc()
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			metrics.WSEventsTotal.WithLabelValues(env.Type, "rate_limited").Inc()
			g.writeFatalError(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			metrics.WSEventsTotal.WithLabelValues("unknown", "bad_envelope").Inc()
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		user, authed := client.User()
		if !authed && env.Type != v1.TypeHello {
			metrics.WSEventsTotal.WithLabelValues(env.Type, "unauthenticated").Inc()
			g.writeFatalError(ctx, conn, "hello_required", "send hello first")
			shutdown(websocket.StatusPolicyViolation, "hello required")
			break readLoop
		}

		var handleErr error
		switch env.Type {
		case v1.TypeHello:
			if authed {
				handleErr = codedError{code: "already_authenticated", msg: "hello already accepted"}
				break
			}
			if err := g.onHello(ctx, client, env, headerToken); err != nil {
				metrics.WSEventsTotal.WithLabelValues(env.Type, "error").Inc()
				g.writeFatalError(ctx, conn, "hello_failed", "authentication failed")
				g.log.Info("ws.hello.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeUserConnected:
			handleErr = g.onUserConnected(client, user)

		case v1.TypeUserDisconnected:
			g.presence.Forget(user.ID, connID)

		case v1.TypeJoinRoom:
			handleErr = g.onJoinRoom(ctx, client, user, env)

		case v1.TypeSendChatMessage:
			handleErr = g.onSendChatMessage(ctx, client, user, env)

		default:
			handleErr = codedError{code: "unsupported", msg: fmt.Sprintf("unsupported type: %s", env.Type)}
		}

		if handleErr != nil {
			metrics.WSEventsTotal.WithLabelValues(env.Type, "error").Inc()
			code, msg := errorCode(handleErr)
			if code == "internal_error" {
				g.log.Error("ws.event.fail", "connection_id", connID, "type", env.Type, "err", handleErr)
			}
			g.trySendError(client, code, msg)
			continue readLoop
		}
		metrics.WSEventsTotal.WithLabelValues(env.Type, "ok").Inc()
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, client *Client, env v1.Envelope, headerToken string) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&p); err != nil {
			return err
		}
	}
	token := strings.TrimSpace(p.Token)
	if token == "" {
		token = headerToken
	}

	user, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		return err
	}

	client.Authenticate(user)
	g.hub.Register(client)
	g.hub.Join(user.ID, client)

	ack, err := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{ConnectionID: client.ConnID, User: user}, time.Now().UTC())
	if err != nil {
		return err
	}
	if !client.offer(ack) {
		return errors.New("backpressure: hello_ack")
	}
	g.log.Info("ws.hello.ok", "connection_id", client.ConnID, "user_id", user.ID)
	return nil
}

// onUserConnected announces presence and answers with the snapshot so the client renders initial
// state without waiting for (or racing) the broadcast.
func (g *Gateway) onUserConnected(client *Client, user v1.User) error {
	snap, err := g.presence.Announce(user, client.ConnID)
	if err != nil {
		return err
	}
	env, err := newEnvelope(v1.TypeShareConnectedUser, v1.PresencePayload{Users: snap}, time.Now().UTC())
	if err != nil {
		return err
	}
	if !client.offer(env) {
		return codedError{code: "backpressure", msg: "send queue full"}
	}
	return nil
}

func (g *Gateway) onJoinRoom(ctx context.Context, client *Client, user v1.User, env v1.Envelope) error {
	var p v1.JoinRoomPayload
	if err := env.Decode(&p); err != nil {
		return codedError{code: "bad_payload", msg: err.Error()}
	}
	room := strings.TrimSpace(p.Room)
	if err := g.chat.AuthorizeRoom(ctx, user.ID, room); err != nil {
		return err
	}
	g.hub.Join(room, client)
	return nil
}

// onSendChatMessage resolves the conversation server-side, persists, then dispatches.
// A persistence failure is logged and dispatch still happens; clients re-fetch on their next open.
func (g *Gateway) onSendChatMessage(ctx context.Context, client *Client, user v1.User, env v1.Envelope) error {
	var p v1.SendChatMessagePayload
	if err := env.Decode(&p); err != nil {
		return codedError{code: "bad_payload", msg: err.Error()}
	}
	if p.Message.ConversationID == "" {
		p.Message.ConversationID = p.Conversation.ID
	}
	if p.Conversation.ID != "" && p.Conversation.ID != p.Message.ConversationID {
		return codedError{code: "bad_payload", msg: "conversation id mismatch"}
	}
	sender := user
	p.Message.Sender = &sender

	msg, conv, err := g.chat.PrepareDelivery(ctx, user.ID, p.Message)
	if err != nil {
		return err
	}

	if err := g.chat.PersistDelivery(ctx, msg); err != nil {
		if errors.Is(err, chat.ErrConflict) || errors.Is(err, chat.ErrInvalidInput) {
			metrics.MessagesPersistedTotal.WithLabelValues("rejected").Inc()
			return err
		}
		metrics.MessagesPersistedTotal.WithLabelValues("error").Inc()
		g.log.Error("ws.persist.fail", "connection_id", client.ConnID, "conversation_id", msg.ConversationID, "message_id", msg.ID, "err", err)
	} else {
		metrics.MessagesPersistedTotal.WithLabelValues("ok").Inc()
	}

	if _, err := g.dispatcher.Dispatch(ctx, msg, conv, client.ConnID); err != nil {
		return err
	}
	return nil
}

// ---- errors ----

type codedError struct {
	code string
	msg  string
}

func (e codedError) Error() string { return e.code + ": " + e.msg }

func errorCode(err error) (code, msg string) {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.code, ce.msg
	}
	pub := chat.PublicMessage(err)
	switch {
	case errors.Is(err, chat.ErrForbidden):
		return "forbidden", pub
	case errors.Is(err, chat.ErrNotFound):
		return "not_found", pub
	case errors.Is(err, chat.ErrInvalidInput):
		return "invalid_input", pub
	case errors.Is(err, chat.ErrConflict):
		return "conflict", pub
	default:
		return "internal_error", "internal error"
	}
}

func (g *Gateway) trySendError(client *Client, code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = client.offer(env)
}

// writeFatalError writes an error frame synchronously, ahead of a close, so it is not lost when the
// writer goroutine stops. coder/websocket allows Write concurrently with the writer.
func (g *Gateway) writeFatalError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			// Host match ignores scheme and port.
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, distinct hosts of the allowlist.
// websocket.Accept matches them against the Origin host with filepath.Match.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
