package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"parley/cmd/identity/ids"
	"parley/cmd/security/password"
)

// Service validates account input and owns password hashing.
type Service struct {
	store Store
	pw    password.Config
	now   func() time.Time

	// dummyHash keeps login timing similar for unknown users.
	dummyHash string
}

// NewService constructs a Service over store using pw for hashing and policy.
func NewService(store Store, pw password.Config) *Service {
	s := &Service{
		store: store,
		pw:    pw,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if h, err := pw.Hash("timing-only-Dummy-9f1c"); err == nil {
		s.dummyHash = h
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// SignupInput is a registration request.
type SignupInput struct {
	Username  string
	Email     string
	Password  string
	AvatarURL string
}

// Signup creates a new account.
func (s *Service) Signup(ctx context.Context, in SignupInput) (User, error) {
	const op = "identity.Signup"

	username, err := validateUsername(op, in.Username)
	if err != nil {
		return User{}, err
	}
	email, err := validateEmail(op, in.Email)
	if err != nil {
		return User{}, err
	}
	avatar, err := validateAvatarURL(op, in.AvatarURL)
	if err != nil {
		return User{}, err
	}
	hash, err := s.pw.Hash(in.Password)
	if err != nil {
		return User{}, invalid(op, err.Error())
	}

	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	return s.store.CreateUser(ctx, CreateUserInput{
		ID:           id,
		Username:     username,
		Email:        email,
		AvatarURL:    avatar,
		PasswordHash: hash,
		Now:          now,
	})
}

// Login verifies identifier (username or email) and password.
// Unknown users and wrong passwords both return ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, identifier, plain string) (User, error) {
	const op = "identity.Login"

	identifier = strings.TrimSpace(identifier)
	if identifier == "" || plain == "" {
		return User{}, invalid(op, "identifier and password are required")
	}

	auth, err := s.store.FindAuth(ctx, identifier)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return User{}, err
		}
		if s.dummyHash != "" {
			_, _ = s.pw.Verify(s.dummyHash, plain)
		}
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	ok, err := s.pw.Verify(auth.PasswordHash, plain)
	if err != nil || !ok {
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}
	return auth.User, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.store.GetUser(ctx, id)
}

// List returns every user but the caller.
func (s *Service) List(ctx context.Context, callerID string) ([]User, error) {
	return s.store.ListUsers(ctx, callerID)
}

// UpdateUsername changes the caller's username.
func (s *Service) UpdateUsername(ctx context.Context, id, username string) (User, error) {
	v, err := validateUsername("identity.UpdateUsername", username)
	if err != nil {
		return User{}, err
	}
	return s.store.UpdateUser(ctx, id, UserPatch{Username: &v, Now: s.now()})
}

// UpdateEmail changes the caller's email.
func (s *Service) UpdateEmail(ctx context.Context, id, email string) (User, error) {
	v, err := validateEmail("identity.UpdateEmail", email)
	if err != nil {
		return User{}, err
	}
	return s.store.UpdateUser(ctx, id, UserPatch{Email: &v, Now: s.now()})
}

// UpdateAvatar sets or clears (empty string) the caller's avatar URL.
func (s *Service) UpdateAvatar(ctx context.Context, id, avatarURL string) (User, error) {
	v, err := validateAvatarURL("identity.UpdateAvatar", avatarURL)
	if err != nil {
		return User{}, err
	}
	return s.store.UpdateUser(ctx, id, UserPatch{AvatarURL: &v, Now: s.now()})
}

// ChangePassword replaces the caller's password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, id, current, next string) error {
	const op = "identity.ChangePassword"

	auth, err := s.store.GetAuth(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.pw.Verify(auth.PasswordHash, current)
	if err != nil || !ok {
		return OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	hash, err := s.pw.Hash(next)
	if err != nil {
		return invalid(op, err.Error())
	}
	_, err = s.store.UpdateUser(ctx, id, UserPatch{PasswordHash: &hash, Now: s.now()})
	return err
}

// MissingUsers returns the ids in userIDs with no account, in input order.
func (s *Service) MissingUsers(ctx context.Context, userIDs []string) ([]string, error) {
	found, err := s.store.GetUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(found))
	for _, u := range found {
		have[u.ID] = struct{}{}
	}
	var missing []string
	for _, id := range userIDs {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
