// Package memory is the in-memory SessionStore for tests and throwaway
// sessions.
package memory

import (
	"sync"

	"github.com/chatline/internal/model"
	"github.com/chatline/internal/store"
)

type Store struct {
	mu       sync.Mutex
	selected string
	token    string
	profile  *model.UserPublic
	queue    []store.PendingUpdate
}

func New() *Store {
	return &Store{}
}

func (s *Store) SelectedConversation() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == "" {
		return "", store.ErrNotFound
	}
	return s.selected, nil
}

func (s *Store) SetSelectedConversation(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = peerID
	return nil
}

func (s *Store) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", store.ErrNotFound
	}
	return s.token, nil
}

func (s *Store) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *Store) Profile() (*model.UserPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return nil, store.ErrNotFound
	}
	cp := *s.profile
	return &cp, nil
}

func (s *Store) SetProfile(p *model.UserPublic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profile = &cp
	return nil
}

func (s *Store) EnqueuePendingUpdate(u store.PendingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, u)
	return nil
}

func (s *Store) DrainPendingUpdates() ([]store.PendingUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out, nil
}

func (s *Store) Close() error { return nil }
