package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatline/internal/model"
	"github.com/chatline/internal/store"
)

func TestOpenMissingFileIsEmptySession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Token()
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.SelectedConversation()
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Profile()
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetToken("tok-1"))
	require.NoError(t, s.SetSelectedConversation("u2"))
	require.NoError(t, s.SetProfile(&model.UserPublic{ID: "u1", Username: "alice"}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	tok, err := s2.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	peer, err := s2.SelectedConversation()
	require.NoError(t, err)
	assert.Equal(t, "u2", peer)

	p, err := s2.Profile()
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
}

func TestPendingUpdatesDrainOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	u := store.PendingUpdate{
		Kind:     "profile_update",
		Payload:  json.RawMessage(`{"display_name":"Alice"}`),
		QueuedAt: time.Now().UTC(),
	}
	require.NoError(t, s.EnqueuePendingUpdate(u))

	got, err := s.DrainPendingUpdates()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "profile_update", got[0].Kind)

	got, err = s.DrainPendingUpdates()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCorruptFileDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Token()
	assert.ErrorIs(t, err, store.ErrNotFound)
}
