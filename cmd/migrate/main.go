// Command migrate applies or rolls back Parley's embedded SQL migrations.
//
//	migrate [up|down|version]
//
// PARLEY_DATABASE_URL is required; PARLEY_DB_SCHEMA defaults to "parley".
// A .env file in the working directory is loaded first when present.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"parley/cmd/internal/migrations"

	"github.com/joho/godotenv"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := godotenv.Load(); err != nil {
		log.Info("migrate.dotenv.skip", "err", err)
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = strings.ToLower(strings.TrimSpace(os.Args[1]))
	}

	if err := run(cmd, log); err != nil {
		log.Error("migrate.fail", "cmd", cmd, "err", err)
		os.Exit(1)
	}
}

func run(cmd string, log *slog.Logger) error {
	dbURL := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if dbURL == "" {
		return fmt.Errorf("PARLEY_DATABASE_URL is required")
	}
	schema := strings.TrimSpace(os.Getenv("PARLEY_DB_SCHEMA"))
	if schema == "" {
		schema = migrations.DefaultSchema
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch cmd {
	case "up":
		if err := migrations.Up(ctx, dbURL, schema); err != nil {
			return err
		}
	case "down":
		if err := migrations.Down(ctx, dbURL, schema); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown command %q (want up, down or version)", cmd)
	}

	v, dirty, err := migrations.Version(ctx, dbURL, schema)
	if err != nil {
		return err
	}
	log.Info("migrate.ok", "cmd", cmd, "schema", schema, "version", v, "dirty", dirty)
	return nil
}
