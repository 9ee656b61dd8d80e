package devserver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatline/internal/model"
)

type fakePresence struct {
	mu       sync.Mutex
	online   map[string]int // userID -> SetOnline call count
	offline  map[string]int
	failRead bool
}

func newFakePresence(online ...string) *fakePresence {
	p := &fakePresence{online: make(map[string]int), offline: make(map[string]int)}
	for _, id := range online {
		p.online[id] = 1
	}
	return p
}

func (p *fakePresence) SetOnline(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return nil
}

func (p *fakePresence) SetOffline(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline[userID]++
	delete(p.online, userID)
	return nil
}

func (p *fakePresence) OnlineUsers(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRead {
		return nil, errors.New("presence unavailable")
	}
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	return out, nil
}

func (p *fakePresence) setOnlineCalls(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func TestOnlineFlagsMergedFromPresence(t *testing.T) {
	api := &API{presence: newFakePresence("bob")}

	users := []model.UserPublic{
		{ID: "alice", IsOnline: true}, // DB flag stays raised
		{ID: "bob", IsOnline: false},  // raised from the mirror
		{ID: "carol", IsOnline: false},
	}
	markOnline(users, api.onlineSet(context.Background()))

	assert.True(t, users[0].IsOnline)
	assert.True(t, users[1].IsOnline)
	assert.False(t, users[2].IsOnline)
}

func TestOnlineSetEmptyWithoutPresence(t *testing.T) {
	api := &API{}
	assert.Empty(t, api.onlineSet(context.Background()))
}

func TestOnlineSetEmptyOnReadError(t *testing.T) {
	p := newFakePresence("bob")
	p.failRead = true
	api := &API{presence: p}

	users := []model.UserPublic{{ID: "bob", IsOnline: true}}
	markOnline(users, api.onlineSet(context.Background()))
	// The DB flag survives an unavailable mirror.
	assert.True(t, users[0].IsOnline)
}

func TestRefreshPresenceProlongsMark(t *testing.T) {
	p := newFakePresence()
	hub := NewHub(newFakeMsgStore(), fakeUserStore{}, &fakeBlocks{}, newFakeReactions(), 100, nil, p)

	require.Equal(t, 0, p.setOnlineCalls("alice"))
	hub.RefreshPresence("alice")
	hub.RefreshPresence("alice")
	assert.Equal(t, 2, p.setOnlineCalls("alice"))
}

func TestRefreshPresenceNilStore(t *testing.T) {
	hub := NewHub(newFakeMsgStore(), fakeUserStore{}, &fakeBlocks{}, newFakeReactions(), 100, nil, nil)
	hub.RefreshPresence("alice") // must not panic
}
