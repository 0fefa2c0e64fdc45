package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"parley/cmd/identity"
	"parley/cmd/identity/ids"
	"parley/cmd/internal/pgtest"
)

// Integration tests are enabled when PARLEY_DATABASE_URL is set.

func TestPostgresStore(t *testing.T) {
	t.Parallel()

	runStoreSuite(t, func(t *testing.T) (Store, [4]string) {
		t.Helper()

		pool, dbURL := pgtest.Open(t)
		schema := pgtest.MigratedSchema(t, pool, dbURL)

		users, err := identity.NewPostgresStore(pool, identity.WithSchema(schema))
		if err != nil {
			t.Fatalf("identity store: %v", err)
		}

		var out [4]string
		now := time.Now().UTC()
		for i, name := range []string{"ann", "ben", "cat", "dan"} {
			id, err := ids.NewULID(now)
			if err != nil {
				t.Fatalf("ulid: %v", err)
			}
			u, err := users.CreateUser(context.Background(), identity.CreateUserInput{
				ID:           id,
				Username:     name,
				Email:        fmt.Sprintf("%s@example.com", name),
				PasswordHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHQ$a2V5",
				Now:          now,
			})
			if err != nil {
				t.Fatalf("create user %s: %v", name, err)
			}
			out[i] = u.ID
		}

		st, err := NewPostgresStore(pool, WithSchema(schema))
		if err != nil {
			t.Fatalf("chat store: %v", err)
		}
		return st, out
	})
}
