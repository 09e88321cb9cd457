// Package secretstore implements the process-wide, admin-mutable
// {url, token} configuration the /secret-store endpoints and the key
// handler's vault fetch share (spec §3, §4.4, §9 "Process-wide
// secret-store config"). Per spec §9 it is a single RWMutex-guarded
// struct owned by the routing layer (pkg/kbs.Server), not a package
// singleton, so tests can construct independent instances.
package secretstore

import (
	"sync"

	"github.com/pkg/errors"
)

// Config is the {url, token} pair the original Rust SecretStore carries.
type Config struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// validate reproduces the Rust original's check order exactly (token
// first, then url) so the admin endpoint's reason string matches it
// field-for-field.
func (c Config) validate() error {
	if c.Token == "" {
		return errors.New("token cannot be empty")
	}
	if c.URL == "" {
		return errors.New("url cannot be empty")
	}
	return nil
}

// Store is the RWMutex-guarded holder for the current Config.
type Store struct {
	mu     sync.RWMutex
	config Config
}

// New constructs a Store, optionally seeded with an initial config (the
// zero Config if none is supplied, matching the original's
// SecretStore::default()).
func New(initial Config) *Store {
	return &Store{config: initial}
}

// Get returns the current config.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Update validates next and, if valid, replaces the current config.
// Returns the validation error (if any) without mutating state; the
// prior config is left in place on failure, per spec §8's round-trip
// law and scenario 6.
func (s *Store) Update(next Config) error {
	if err := next.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = next
	return nil
}
