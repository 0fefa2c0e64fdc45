// Package app wires the Parley server runtime: config, logging, tracing, stores, HTTP routes and
// the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/auth"
	"parley/cmd/internal/bus"
	"parley/cmd/internal/chat"
	"parley/cmd/internal/metrics"
	"parley/cmd/internal/presence"
	"parley/cmd/internal/realtime"
	"parley/cmd/internal/storage"
	"parley/cmd/security/password"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
)

// App is the Parley server runtime. It owns every long-lived resource and closes them on shutdown.
type App struct {
	cfg Config
	log Logger

	handler http.Handler

	dbPool   *pgxpool.Pool
	nc       *nats.Conn
	presence *presence.Registry

	shutdownTracing func(context.Context) error
}

// New constructs a fully wired App. Without PARLEY_DATABASE_URL it runs on in-memory stores.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.shutdownTracing, err = setupTracing(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	secret, err := resolveJWTSecret(cfg, log)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokens(secret, cfg.JWTIssuer, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	userStore, chatStore, err := a.newStores(ctx)
	if err != nil {
		return nil, err
	}

	users := identity.NewService(userStore, password.DefaultConfig())
	chatSvc := chat.NewService(chatStore, users, chat.WithLogger(log))

	chatOpts := []chat.HandlerOption{}
	uploader, uploadDir, err := a.newUploader()
	if err != nil {
		return nil, err
	}
	chatOpts = append(chatOpts, chat.WithUploader(uploader, cfg.MaxUploadBytes))

	hub := realtime.NewHub(log)
	a.presence = presence.New(
		presence.WithGrace(cfg.PresenceGrace),
		presence.WithPublisher(hub),
		presence.WithObserver(metrics.PresenceObserver{}),
		presence.WithLogger(log),
	)

	dispatchOpts := []realtime.DispatcherOption{realtime.WithDispatchLogger(log)}
	if cfg.NATSURL != "" {
		a.nc, err = bus.Connect(bus.Config{URL: cfg.NATSURL, Name: cfg.ServiceName, Token: cfg.NATSToken}, log)
		if err != nil {
			return nil, err
		}
		dispatchOpts = append(dispatchOpts, realtime.WithMirror(bus.NewNATSMirror(a.nc)))
		log.Info("bus.nats.enabled", "url", a.nc.ConnectedUrl())
	}

	gateway := realtime.NewGateway(
		log,
		realtime.GatewayConfigFromEnv(),
		hub,
		realtime.NewDispatcher(hub, dispatchOpts...),
		a.presence,
		chatSvc,
		auth.NewAuthenticator(tokens, userStore),
	)

	a.handler = routes{
		log:       log,
		cfg:       cfg,
		dbPool:    a.dbPool,
		nc:        a.nc,
		tokens:    tokens,
		auth:      auth.NewHandler(log, users, tokens),
		chat:      chat.NewHandler(log, chatSvc, chatOpts...),
		ws:        gateway,
		uploadDir: uploadDir,
	}.handler()

	return a, nil
}

func (a *App) newStores(ctx context.Context) (identity.Store, chat.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return identity.NewMemoryStore(), chat.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg, a.log)
	if err != nil {
		return nil, nil, err
	}
	a.dbPool = pool

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}
	chats, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return users, chats, nil
}

// newUploader prefers the object store when configured and falls back to local disk.
// The returned dir is non-empty only for the disk backend.
func (a *App) newUploader() (storage.Uploader, string, error) {
	if a.cfg.ObjectStoreURL != "" {
		u, err := storage.NewHTTPUploader(a.cfg.ObjectStoreURL, a.cfg.ObjectStoreBucket, a.cfg.ObjectStoreKey, &http.Client{Timeout: 30 * time.Second})
		if err != nil {
			return nil, "", err
		}
		a.log.Info("storage.object_store", "bucket", a.cfg.ObjectStoreBucket)
		return u, "", nil
	}

	base := a.cfg.PublicBaseURL
	if base == "" {
		base = runtimeBaseURL(a.cfg.HTTPAddr)
	}
	u, err := storage.NewDiskUploader(a.cfg.UploadDir, strings.TrimRight(base, "/")+"/uploads")
	if err != nil {
		return nil, "", err
	}
	a.log.Info("storage.disk", "dir", a.cfg.UploadDir)
	return u, a.cfg.UploadDir, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"nats_enabled", a.nc != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.close(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	a.close(shutdownCtx)

	a.log.Info("server.stopped")
	return err
}

// close releases resources in reverse dependency order. It tolerates a partially built App.
func (a *App) close(ctx context.Context) {
	if a.presence != nil {
		a.presence.Close()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.log.Warn("bus.nats.drain.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.log.Warn("tracing.shutdown.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard hosts become 127.0.0.1.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to ws(s).
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
