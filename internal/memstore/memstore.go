// Package memstore is the in-process default for the auth_db contract
// (spec §1, §6 "auth_db"). It exists so the server is runnable out of the
// box without a real database wired in; production deployments are
// expected to supply their own authn.Store/authn.UserAdmin implementation
// backed by whatever persistence layer they already run, the same way the
// spec treats conv_db and the LLM backend as pluggable (§1 "out of scope").
package memstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/malcolmhoward/dawn/internal/authn"
)

// Store is a mutex-guarded in-memory implementation of authn.Store and
// authn.UserAdmin, suitable for development and single-process deployments.
type Store struct {
	mu        sync.Mutex
	users     map[string]authn.User
	locked    map[string]bool
	failures  map[string]authn.FailureState
	sessions  map[string]authn.AuthSession
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]authn.User),
		locked:   make(map[string]bool),
		failures: make(map[string]authn.FailureState),
		sessions: make(map[string]authn.AuthSession),
	}
}

// Seed creates the initial administrator account at startup. Called once
// from main before the HTTP server starts accepting connections.
func (s *Store) Seed(username, password string, isAdmin bool) error {
	hash, err := authn.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing seed password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = authn.User{Username: username, PasswordHash: hash, IsAdmin: isAdmin}
	return nil
}

func (s *Store) GetUser(username string) (*authn.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, false, nil
	}
	return &u, true, nil
}

func (s *Store) GetFailureState(username string) (authn.FailureState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[username], nil
}

func (s *Store) IncrementFailure(username string, lockoutThreshold int, lockoutDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.failures[username]
	st.ConsecutiveFailures++
	if st.ConsecutiveFailures >= lockoutThreshold {
		st.LockedUntil = time.Now().Add(lockoutDuration)
	}
	s.failures[username] = st
	return nil
}

func (s *Store) ResetFailure(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, username)
	return nil
}

func (s *Store) CreateSession(sess authn.AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = sess
	return nil
}

func (s *Store) GetSession(token string) (*authn.AuthSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, false, nil
	}
	return &sess, true, nil
}

func (s *Store) DeleteSession(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *Store) TouchSession(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[token]; ok {
		sess.ExpiresAt = time.Now().Add(24 * time.Hour)
		s.sessions[token] = sess
	}
	return nil
}

// PersistentRateLimitOver is always false: a single-process in-memory store
// has no cross-process failure accounting to distinguish from the in-memory
// rate limiter already applied at the HTTP layer.
func (s *Store) PersistentRateLimitOver(username string) (bool, error) {
	return false, nil
}

func (s *Store) ListUsers() ([]authn.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]authn.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) CreateUser(username, password string, isAdmin bool) error {
	hash, err := authn.HashPassword(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("user %q already exists", username)
	}
	s.users[username] = authn.User{Username: username, PasswordHash: hash, IsAdmin: isAdmin}
	return nil
}

func (s *Store) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
	delete(s.failures, username)
	delete(s.locked, username)
	return nil
}

func (s *Store) SetPassword(username, newPassword string) error {
	hash, err := authn.HashPassword(newPassword)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return fmt.Errorf("user %q not found", username)
	}
	u.PasswordHash = hash
	s.users[username] = u
	return nil
}

func (s *Store) SetLocked(username string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked[username] = locked
	if locked {
		st := s.failures[username]
		st.LockedUntil = time.Now().Add(100 * 365 * 24 * time.Hour)
		s.failures[username] = st
	} else {
		delete(s.failures, username)
	}
	return nil
}

func (s *Store) SetAdmin(username string, isAdmin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return fmt.Errorf("user %q not found", username)
	}
	u.IsAdmin = isAdmin
	s.users[username] = u
	return nil
}
