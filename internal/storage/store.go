package storage

import (
	"context"

	"github.com/chatline/internal/push"
)

// PresenceStore — presence пользователей и push-подписки.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)

	AddSubscription(ctx context.Context, userID string, sub push.Subscription) error
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
	Subscriptions(ctx context.Context, userID string) ([]push.Subscription, error)

	Close() error
}
