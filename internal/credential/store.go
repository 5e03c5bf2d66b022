// Package credential holds the current bearer credential and the display
// identity it belongs to. The Store is the only process-wide mutable session
// state: everything else reads it through Current and CurrentIdentity.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"
)

// Credential is an opaque bearer token. The zero value means "absent".
type Credential string

// Identity is the account name shown for the current credential.
type Identity string

// Record is the unit a Backend persists. Token and Identity are always
// written and removed together.
type Record struct {
	Token    Credential
	Identity Identity
}

// IsZero reports whether the record carries no credential.
func (r Record) IsZero() bool {
	return r.Token == ""
}

// Backend persists a single Record.
type Backend interface {
	// Load returns the persisted record, and false when none exists.
	Load(ctx context.Context) (Record, bool, error)
	Save(ctx context.Context, rec Record) error
	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context) error
}

var ErrEmptyCredential = errors.New("credential must not be empty")

// Store serves the credential from memory and writes every change through
// to its Backend.
type Store struct {
	backend Backend

	// writeMu serializes backend writes with the in-memory update so that two
	// overlapping Set calls can't leave memory and storage disagreeing.
	writeMu sync.Mutex

	mu     sync.RWMutex
	record Record
}

// NewStore creates a store and loads whatever the backend has persisted.
func NewStore(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{backend: backend}

	if err := s.Reload(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Set persists the credential and identity, replacing any previous values.
func (s *Store) Set(ctx context.Context, token Credential, identity Identity) error {
	if token == "" {
		return ErrEmptyCredential
	}

	rec := Record{
		Token:    token,
		Identity: Identity(norm.NFC.String(string(identity))),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.backend.Save(ctx, rec); err != nil {
		return fmt.Errorf("credential save failed: %w", err)
	}

	s.mu.Lock()
	s.record = rec
	s.mu.Unlock()

	return nil
}

// Clear removes the credential and identity. The in-memory copy is dropped
// before storage is touched, so readers observe "unauthenticated" even when
// the backend delete fails.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.record = Record{}
	s.mu.Unlock()

	if err := s.backend.Delete(ctx); err != nil {
		return fmt.Errorf("credential delete failed: %w", err)
	}

	return nil
}

// Current returns the credential, if one is held. It performs no I/O.
func (s *Store) Current() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.record.Token, !s.record.IsZero()
}

// CurrentIdentity returns the identity tied to the current credential.
func (s *Store) CurrentIdentity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.record.IsZero() {
		return "", false
	}
	return s.record.Identity, true
}

// Reload replaces the in-memory record with the persisted one. Shared
// backends use this to pick up writes made by other clients.
func (s *Store) Reload(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec, found, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("credential load failed: %w", err)
	}
	if !found || rec.IsZero() {
		rec = Record{}
	}

	s.mu.Lock()
	s.record = rec
	s.mu.Unlock()

	log.Debug().Bool("authenticated", !rec.IsZero()).Msg("credential store loaded")

	return nil
}
