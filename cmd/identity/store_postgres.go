package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller; this store never closes it.
// Schema/table identifiers are quoted with pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "parley").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const userColumns = `u.id, u.username, u.email, COALESCE(u.avatar_url, ''), u.created_at, u.updated_at`

func scanUser(row pgx.Row, extra ...any) (User, error) {
	var u User
	dst := append([]any{&u.ID, &u.Username, &u.Email, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt}, extra...)
	err := row.Scan(dst...)
	return u, err
}

// CreateUser inserts the user and its credential in one transaction.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if in.ID == "" || in.Username == "" || in.Email == "" || in.PasswordHash == "" {
		return User{}, invalid(op, "missing required field")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	users := pgIdent(s.schema, "users")
	creds := pgIdent(s.schema, "user_credentials")

	var avatar *string
	if in.AvatarURL != "" {
		avatar = &in.AvatarURL
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+users+` (id, username, username_norm, email, email_norm, avatar_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		in.ID, in.Username, NormalizeUsername(in.Username), in.Email, NormalizeEmail(in.Email), avatar, now,
	); err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+creds+` (user_id, password_hash, created_at, updated_at) VALUES ($1, $2, $3, $3)`,
		in.ID, in.PasswordHash, now,
	); err != nil {
		return User{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}

	return User{
		ID:        in.ID,
		Username:  in.Username,
		Email:     in.Email,
		AvatarURL: in.AvatarURL,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetUser returns a user by id.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+pgIdent(s.schema, "users")+` u WHERE u.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound("identity.GetUser")
	}
	return u, err
}

// GetUsers returns the users found among ids.
func (s *PostgresStore) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM `+pgIdent(s.schema, "users")+` u WHERE u.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

// GetAuth returns a user and its password hash.
func (s *PostgresStore) GetAuth(ctx context.Context, id string) (UserAuth, error) {
	return s.queryAuth(ctx, "identity.GetAuth", `u.id = $1`, id)
}

// FindAuth resolves a username or email, case-insensitively.
func (s *PostgresStore) FindAuth(ctx context.Context, identifier string) (UserAuth, error) {
	if strings.Contains(identifier, "@") {
		return s.queryAuth(ctx, "identity.FindAuth", `u.email_norm = $1`, NormalizeEmail(identifier))
	}
	return s.queryAuth(ctx, "identity.FindAuth", `u.username_norm = $1`, NormalizeUsername(identifier))
}

func (s *PostgresStore) queryAuth(ctx context.Context, op, where string, arg string) (UserAuth, error) {
	var a UserAuth
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+`, c.password_hash
		   FROM `+pgIdent(s.schema, "users")+` u
		   JOIN `+pgIdent(s.schema, "user_credentials")+` c ON c.user_id = u.id
		  WHERE `+where, arg), &a.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserAuth{}, notFound(op)
	}
	if err != nil {
		return UserAuth{}, err
	}
	a.User = u
	return a, nil
}

// ListUsers returns every user except excludeID ordered by username.
func (s *PostgresStore) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM `+pgIdent(s.schema, "users")+` u
		  WHERE u.id <> $1
		  ORDER BY u.username_norm ASC`, excludeID)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

// UpdateUser applies patch in one transaction.
func (s *PostgresStore) UpdateUser(ctx context.Context, id string, patch UserPatch) (User, error) {
	const op = "identity.UpdateUser"

	now := patch.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	users := pgIdent(s.schema, "users")

	var username, usernameNorm, email, emailNorm *string
	if patch.Username != nil {
		n := NormalizeUsername(*patch.Username)
		username, usernameNorm = patch.Username, &n
	}
	if patch.Email != nil {
		n := NormalizeEmail(*patch.Email)
		email, emailNorm = patch.Email, &n
	}

	u, err := scanUser(tx.QueryRow(ctx,
		`UPDATE `+users+` u
		    SET username      = COALESCE($2, u.username),
		        username_norm = COALESCE($3, u.username_norm),
		        email         = COALESCE($4, u.email),
		        email_norm    = COALESCE($5, u.email_norm),
		        avatar_url    = CASE WHEN $6::boolean THEN NULLIF($7, '') ELSE u.avatar_url END,
		        updated_at    = $8
		  WHERE u.id = $1
		RETURNING `+userColumns,
		id, username, usernameNorm, email, emailNorm, patch.AvatarURL != nil, deref(patch.AvatarURL), now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, notFound(op)
		}
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	if patch.PasswordHash != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE `+pgIdent(s.schema, "user_credentials")+`
			    SET password_hash = $2, updated_at = $3
			  WHERE user_id = $1`,
			id, *patch.PasswordHash, now,
		); err != nil {
			return User{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}
	return u, nil
}

// ---- helpers ----

func collectUsers(rows pgx.Rows) ([]User, error) {
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_username_norm", strings.Contains(c, "username"):
		return "username", true
	case c == "uq_users_email_norm", strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
