// Package file is the on-disk SessionStore: one JSON document rewritten on
// every mutation. Small state, simple durability.
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chatline/internal/model"
	"github.com/chatline/internal/store"
)

type document struct {
	SelectedConversation string                `json:"selected_conversation,omitempty"`
	Token                string                `json:"token,omitempty"`
	Profile              *model.UserPublic     `json:"profile,omitempty"`
	PendingUpdates       []store.PendingUpdate `json:"pending_updates,omitempty"`
}

type Store struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads the session file, creating its directory if needed. A missing
// file is an empty session, not an error.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("fileStore.Open mkdir: %w", err)
	}
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fileStore.Open read: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		// Corrupt cache is discarded, not fatal: it is only a convenience copy.
		s.doc = document{}
	}
	return s, nil
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("fileStore.persist marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("fileStore.persist write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("fileStore.persist rename: %w", err)
	}
	return nil
}

func (s *Store) SelectedConversation() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.SelectedConversation == "" {
		return "", store.ErrNotFound
	}
	return s.doc.SelectedConversation, nil
}

func (s *Store) SetSelectedConversation(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SelectedConversation = peerID
	return s.persistLocked()
}

func (s *Store) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Token == "" {
		return "", store.ErrNotFound
	}
	return s.doc.Token, nil
}

func (s *Store) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Token = token
	return s.persistLocked()
}

func (s *Store) Profile() (*model.UserPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Profile == nil {
		return nil, store.ErrNotFound
	}
	cp := *s.doc.Profile
	return &cp, nil
}

func (s *Store) SetProfile(p *model.UserPublic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.doc.Profile = &cp
	return s.persistLocked()
}

func (s *Store) EnqueuePendingUpdate(u store.PendingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.PendingUpdates = append(s.doc.PendingUpdates, u)
	return s.persistLocked()
}

func (s *Store) DrainPendingUpdates() ([]store.PendingUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.doc.PendingUpdates
	s.doc.PendingUpdates = nil
	if err := s.persistLocked(); err != nil {
		// Keep the queue on persist failure so nothing is lost.
		s.doc.PendingUpdates = out
		return nil, err
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
