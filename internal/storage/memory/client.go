package memory

import (
	"context"
	"sync"

	"github.com/chatline/internal/push"
)

const maxSubsPerUser = 10

type Client struct {
	mu     sync.RWMutex
	online map[string]bool
	subs   map[string][]push.Subscription
}

func New() *Client {
	return &Client{
		online: make(map[string]bool),
		subs:   make(map[string][]push.Subscription),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetOnline(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[userID] = true
	return nil
}

func (c *Client) SetOffline(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.online, userID)
	return nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online[userID], nil
}

func (c *Client) OnlineUsers(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.online))
	for id := range c.online {
		out = append(out, id)
	}
	return out, nil
}

func (c *Client) AddSubscription(ctx context.Context, userID string, sub push.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[userID]
	// Повторная подписка того же endpoint заменяет старую.
	var kept []push.Subscription
	for _, s := range list {
		if s.Endpoint != sub.Endpoint {
			kept = append(kept, s)
		}
	}
	kept = append(kept, sub)
	if len(kept) > maxSubsPerUser {
		kept = kept[len(kept)-maxSubsPerUser:]
	}
	c.subs[userID] = kept
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []push.Subscription
	for _, s := range c.subs[userID] {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(c.subs, userID)
	} else {
		c.subs[userID] = kept
	}
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]push.Subscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]push.Subscription, len(c.subs[userID]))
	copy(out, c.subs[userID])
	return out, nil
}
