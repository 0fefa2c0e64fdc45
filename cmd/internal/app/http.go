package app

import (
	"net/http"
	"strings"
	"time"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/chat"
	"parley/cmd/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
)

type routes struct {
	log Logger
	cfg Config

	dbPool *pgxpool.Pool
	nc     *nats.Conn

	tokens *auth.Tokens
	auth   *auth.Handler
	chat   *chat.Handler
	ws     http.Handler

	// uploadDir is served at /uploads when attachments are stored on local disk.
	uploadDir string
}

func (rt routes) handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(WithRequestLogging(rt.log))
	r.Use(middleware.Recoverer)
	r.Use(WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, rt.cfg, rt.log) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", rt.ready)
	r.Handle("/metrics", metrics.Handler())

	// The gateway enforces its own origin policy and authenticates with the hello frame.
	r.Handle("/ws", rt.ws)

	if rt.uploadDir != "" {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(rt.uploadDir))))
	}

	r.Group(func(r chi.Router) {
		r.Use(WithRateLimit(rt.cfg.RateLimitRequests, rt.cfg.RateLimitWindow))
		rt.auth.PublicRoutes(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(rt.tokens))
		r.Use(WithRateLimit(rt.cfg.RateLimitRequests, rt.cfg.RateLimitWindow))
		rt.auth.Routes(r)
		rt.chat.Routes(r)
	})

	return r
}

func (rt routes) ready(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.ReadinessRequireDB && rt.dbPool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if rt.dbPool != nil {
		if err := PingDB(r.Context(), rt.dbPool, 2*time.Second); err != nil {
			rt.log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if rt.nc != nil && !rt.nc.IsConnected() {
		http.Error(w, "nats not connected", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
