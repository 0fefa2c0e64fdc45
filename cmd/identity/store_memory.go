package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used when no database is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]UserAuth
	byName  map[string]string
	byEmail map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]UserAuth),
		byName:  make(map[string]string),
		byEmail: make(map[string]string),
	}
}

// CreateUser inserts a user, enforcing case-insensitive uniqueness.
func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if in.ID == "" || in.Username == "" || in.Email == "" || in.PasswordHash == "" {
		return User{}, invalid(op, "missing required field")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[NormalizeUsername(in.Username)]; ok {
		return User{}, ConflictError{Op: op, Field: "username"}
	}
	if _, ok := s.byEmail[NormalizeEmail(in.Email)]; ok {
		return User{}, ConflictError{Op: op, Field: "email"}
	}

	u := User{
		ID:        in.ID,
		Username:  in.Username,
		Email:     in.Email,
		AvatarURL: in.AvatarURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[u.ID] = UserAuth{User: u, PasswordHash: in.PasswordHash}
	s.byName[NormalizeUsername(u.Username)] = u.ID
	s.byEmail[NormalizeEmail(u.Email)] = u.ID
	return u, nil
}

// GetUser returns a user by id.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	a, err := s.GetAuth(ctx, id)
	if err != nil {
		return User{}, err
	}
	return a.User, nil
}

// GetUsers returns the users found among ids, skipping unknown ids.
func (s *MemoryStore) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]User, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.users[id]; ok {
			out = append(out, a.User)
		}
	}
	return out, nil
}

// GetAuth returns a user together with its password hash.
func (s *MemoryStore) GetAuth(ctx context.Context, id string) (UserAuth, error) {
	if err := ctx.Err(); err != nil {
		return UserAuth{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.users[id]
	if !ok {
		return UserAuth{}, notFound("identity.GetUser")
	}
	return a, nil
}

// FindAuth resolves a username or email.
func (s *MemoryStore) FindAuth(ctx context.Context, identifier string) (UserAuth, error) {
	if err := ctx.Err(); err != nil {
		return UserAuth{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		id string
		ok bool
	)
	if strings.Contains(identifier, "@") {
		id, ok = s.byEmail[NormalizeEmail(identifier)]
	} else {
		id, ok = s.byName[NormalizeUsername(identifier)]
	}
	if !ok {
		return UserAuth{}, notFound("identity.FindAuth")
	}
	return s.users[id], nil
}

// ListUsers returns all users except excludeID ordered by username.
func (s *MemoryStore) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]User, 0, len(s.users))
	for id, a := range s.users {
		if id == excludeID {
			continue
		}
		out = append(out, a.User)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return NormalizeUsername(out[i].Username) < NormalizeUsername(out[j].Username)
	})
	return out, nil
}

// UpdateUser applies patch atomically.
func (s *MemoryStore) UpdateUser(ctx context.Context, id string, patch UserPatch) (User, error) {
	const op = "identity.UpdateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.users[id]
	if !ok {
		return User{}, notFound(op)
	}

	if patch.Username != nil {
		if owner, taken := s.byName[NormalizeUsername(*patch.Username)]; taken && owner != id {
			return User{}, ConflictError{Op: op, Field: "username"}
		}
	}
	if patch.Email != nil {
		if owner, taken := s.byEmail[NormalizeEmail(*patch.Email)]; taken && owner != id {
			return User{}, ConflictError{Op: op, Field: "email"}
		}
	}

	if patch.Username != nil {
		delete(s.byName, NormalizeUsername(a.User.Username))
		s.byName[NormalizeUsername(*patch.Username)] = id
		a.User.Username = *patch.Username
	}
	if patch.Email != nil {
		delete(s.byEmail, NormalizeEmail(a.User.Email))
		s.byEmail[NormalizeEmail(*patch.Email)] = id
		a.User.Email = *patch.Email
	}
	if patch.AvatarURL != nil {
		a.User.AvatarURL = *patch.AvatarURL
	}
	if patch.PasswordHash != nil {
		a.PasswordHash = *patch.PasswordHash
	}

	now := patch.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	a.User.UpdatedAt = now
	s.users[id] = a
	return a.User, nil
}
