package identity

import (
	"context"
	"time"
)

// User is Parley's account record. PasswordHash never leaves this package's stores and service.
type User struct {
	ID        string
	Username  string
	Email     string
	AvatarURL string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserAuth is a user together with its stored credential, returned only for login/password checks.
type UserAuth struct {
	User         User
	PasswordHash string
}

// CreateUserInput describes a user registration after validation and hashing.
type CreateUserInput struct {
	ID           string
	Username     string
	Email        string
	AvatarURL    string
	PasswordHash string
	Now          time.Time
}

// UserPatch updates zero or more profile fields; nil fields are left unchanged.
type UserPatch struct {
	Username     *string
	Email        *string
	AvatarURL    *string
	PasswordHash *string
	Now          time.Time
}

// Store is the identity persistence boundary.
//
// Username and email are unique case-insensitively; violations return ConflictError.
// Lookups for missing users return an error wrapping ErrNotFound.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUsers(ctx context.Context, ids []string) ([]User, error)
	// FindAuth resolves a login identifier: an email when it contains '@', a username otherwise.
	FindAuth(ctx context.Context, identifier string) (UserAuth, error)
	GetAuth(ctx context.Context, id string) (UserAuth, error)
	// ListUsers returns every user except excludeID, ordered by username.
	ListUsers(ctx context.Context, excludeID string) ([]User, error)
	UpdateUser(ctx context.Context, id string, patch UserPatch) (User, error)
}
