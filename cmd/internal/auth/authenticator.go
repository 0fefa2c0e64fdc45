package auth

import (
	"context"
	"errors"
	"fmt"

	"parley/cmd/identity"
	v1 "parley/shared/contracts/realtime/v1"
)

// PublicUser is the presence/wire projection of an account.
func PublicUser(u identity.User) v1.User {
	return v1.User{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL}
}

// Authenticator resolves a hello token into the current user record.
type Authenticator struct {
	tokens *Tokens
	users  identity.Store
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(tokens *Tokens, users identity.Store) *Authenticator {
	return &Authenticator{tokens: tokens, users: users}
}

// Authenticate verifies token and loads the user, so presence shows the current username and avatar.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (v1.User, error) {
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return v1.User{}, err
	}
	u, err := a.users.GetUser(ctx, claims.Subject)
	if errors.Is(err, identity.ErrNotFound) {
		return v1.User{}, fmt.Errorf("%w: unknown subject", ErrInvalidToken)
	}
	if err != nil {
		return v1.User{}, err
	}
	return PublicUser(u), nil
}
