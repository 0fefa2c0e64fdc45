package app

import (
	"context"
	"fmt"
	"time"

	"parley/cmd/internal/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbConnectTimeout    = 5 * time.Second
	dbHealthCheckPeriod = 30 * time.Second
	dbMaxConnIdleTime   = 5 * time.Minute
)

// NewDBPool migrates the configured schema (when AutoMigrate is set), opens a pool whose sessions
// tag themselves with the service name, and checks connectivity before returning.
func NewDBPool(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, error) {
	if cfg.AutoMigrate {
		if err := migrations.Up(ctx, cfg.DatabaseURL, cfg.DBSchema); err != nil {
			return nil, fmt.Errorf("db: migrate %s: %w", cfg.DBSchema, err)
		}
		log.Info("db.migrate.up", "schema", cfg.DBSchema)
	}

	pcfg, err := newPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	log.Info("db.pool.ready", "max_conns", pcfg.MaxConns, "min_conns", pcfg.MinConns, "schema", cfg.DBSchema)
	return pool, nil
}

func newPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: parse url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.HealthCheckPeriod = dbHealthCheckPeriod
	pcfg.MaxConnIdleTime = dbMaxConnIdleTime
	pcfg.ConnConfig.ConnectTimeout = dbConnectTimeout

	if pcfg.ConnConfig.RuntimeParams == nil {
		pcfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok && cfg.ServiceName != "" {
		pcfg.ConnConfig.RuntimeParams["application_name"] = cfg.ServiceName
	}
	return pcfg, nil
}

// PingDB reports whether the pool answers a ping within timeout. /readyz uses it.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}
