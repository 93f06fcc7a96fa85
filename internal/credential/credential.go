// Package credential holds the session credential and the stores that
// persist it. Stores are plain key/value persistence; refresh policy lives
// with the HTTP client.
package credential

import (
	"errors"
	"strings"
	"sync"
)

const (
	KeySessionToken = "session_token"
	KeyRefreshToken = "refresh_token"
)

var ErrStoreClosed = errors.New("credential store closed")

// Credential is the session token plus an optional refresh token.
type Credential struct {
	SessionToken string
	RefreshToken string
}

func (c Credential) Valid() bool {
	return strings.TrimSpace(c.SessionToken) != ""
}

// Store is secure persisted key/value storage for credential material.
type Store interface {
	Read(key string) (string, bool, error)
	Write(key string, value string) error
	Delete(key string) error
}

// Load reads the current credential. ok is false when no session token is stored.
func Load(store Store) (Credential, bool, error) {
	if store == nil {
		return Credential{}, false, nil
	}
	session, ok, err := store.Read(KeySessionToken)
	if err != nil {
		return Credential{}, false, err
	}
	session = strings.TrimSpace(session)
	if !ok || session == "" {
		return Credential{}, false, nil
	}
	refresh, _, err := store.Read(KeyRefreshToken)
	if err != nil {
		return Credential{}, false, err
	}
	return Credential{SessionToken: session, RefreshToken: strings.TrimSpace(refresh)}, true, nil
}

// Save writes the session token and, when non-empty, the refresh token.
// An empty refresh token leaves any stored refresh token in place.
func Save(store Store, cred Credential) error {
	if store == nil {
		return errors.New("credential store is nil")
	}
	session := strings.TrimSpace(cred.SessionToken)
	if session == "" {
		return errors.New("session token is required")
	}
	if err := store.Write(KeySessionToken, session); err != nil {
		return err
	}
	if refresh := strings.TrimSpace(cred.RefreshToken); refresh != "" {
		if err := store.Write(KeyRefreshToken, refresh); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes both tokens.
func Clear(store Store) error {
	if store == nil {
		return nil
	}
	return errors.Join(store.Delete(KeySessionToken), store.Delete(KeyRefreshToken))
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore(initial Credential) *MemoryStore {
	s := &MemoryStore{values: map[string]string{}}
	if initial.Valid() {
		_ = Save(s, initial)
	}
	return s
}

func (s *MemoryStore) Read(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *MemoryStore) Write(key string, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}
