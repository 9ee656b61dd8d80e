package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatline/internal/push"
)

const (
	// Presence живёт, пока сервер подтверждает соединение; TTL страхует от
	// упавшего сервера, не успевшего снять отметку.
	presenceTTL = 90 * time.Second

	subsKeyPrefix   = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SetOnline отмечает пользователя как online (ключ presence:{id} с TTL).
func (c *Client) SetOnline(ctx context.Context, userID string) error {
	return c.cli.Set(ctx, "presence:"+userID, "1", presenceTTL).Err()
}

// SetOffline снимает отметку presence.
func (c *Client) SetOffline(ctx context.Context, userID string) error {
	return c.cli.Del(ctx, "presence:"+userID).Err()
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := c.cli.Exists(ctx, "presence:"+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OnlineUsers возвращает id всех пользователей с отметкой presence.
// SCAN вместо KEYS, чтобы не блокировать Redis.
func (c *Client) OnlineUsers(ctx context.Context) ([]string, error) {
	var out []string
	iter := c.cli.Scan(ctx, 0, "presence:*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len("presence:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AddSubscription сохраняет push-подписку: список push:subs:{id}, не больше
// maxSubsPerUser последних, TTL продлевается на каждой подписке.
func (c *Client) AddSubscription(ctx context.Context, userID string, sub push.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := subsKeyPrefix + userID
	pipe := c.cli.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveSubscription удаляет подписку по endpoint.
func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	key := subsKeyPrefix + userID
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	var kept []string
	for _, item := range list {
		var sub push.Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != endpoint {
			kept = append(kept, item)
		}
	}
	if err := c.cli.Del(ctx, key).Err(); err != nil {
		return err
	}
	if len(kept) == 0 {
		return nil
	}
	for _, v := range kept {
		if err := c.cli.RPush(ctx, key, v).Err(); err != nil {
			return err
		}
	}
	return c.cli.Expire(ctx, key, subscriptionTTL).Err()
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]push.Subscription, error) {
	list, err := c.cli.LRange(ctx, subsKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var subs []push.Subscription
	for _, item := range list {
		var sub push.Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}
