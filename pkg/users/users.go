// Package users provisions local user records from federated logins.
// The proxy keeps a lightweight shadow record per subject so direct
// logins can attach application state to a stable identity.
package users

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/waterloobae/samlproxy/pkg/claims"
)

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("user not found")

// User is the local record of a federated identity
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Groups    []string  `json:"groups"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login"`
}

// Store persists user records
type Store interface {
	// CreateOrUpdate upserts the record keyed by email and stamps the
	// login time.
	CreateOrUpdate(ctx context.Context, profile claims.Profile) (*User, error)

	// GetByEmail looks up a user record.
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// MemoryStore is an in-process user store
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
	clock clockwork.Clock
}

// NewMemoryStore creates an in-memory user store
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockwork.NewRealClock())
}

// NewMemoryStoreWithClock creates an in-memory user store with an
// injectable clock
func NewMemoryStoreWithClock(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
		clock: clock,
	}
}

// CreateOrUpdate upserts a user from a canonical profile
func (s *MemoryStore) CreateOrUpdate(ctx context.Context, profile claims.Profile) (*User, error) {
	email := profile.Email()
	if email == "" {
		return nil, errors.New("profile has no email")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	user, ok := s.users[email]
	if !ok {
		user = &User{
			ID:        uuid.NewString(),
			Email:     email,
			CreatedAt: now,
		}
		s.users[email] = user
	}

	user.Name = profile.Fields["name"]
	user.FirstName = profile.Fields["first_name"]
	user.LastName = profile.Fields["last_name"]
	user.Groups = append([]string(nil), profile.Groups...)
	user.LastLogin = now

	copied := *user
	return &copied, nil
}

// GetByEmail looks up a user record
func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}
