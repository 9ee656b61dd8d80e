// Package store persists client session state between runs: the selected
// conversation, the cached profile and token, and profile updates queued
// while offline. Implementations: file.Store (JSON on disk) and memory.Store
// (tests, throwaway sessions).
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/chatline/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// PendingUpdate is an operation queued while the server was unreachable,
// retried on the next connect.
type PendingUpdate struct {
	Kind     string          `json:"kind"` // e.g. "profile_update"
	Payload  json.RawMessage `json:"payload"`
	QueuedAt time.Time       `json:"queued_at"`
}

// SessionStore is the client-local cache. All methods are safe for
// concurrent use.
type SessionStore interface {
	SelectedConversation() (string, error)
	SetSelectedConversation(peerID string) error

	Token() (string, error)
	SetToken(token string) error

	Profile() (*model.UserPublic, error)
	SetProfile(p *model.UserPublic) error

	// EnqueuePendingUpdate appends to the offline queue.
	EnqueuePendingUpdate(u PendingUpdate) error
	// DrainPendingUpdates returns the queued updates and clears the queue.
	DrainPendingUpdates() ([]PendingUpdate, error)

	Close() error
}
