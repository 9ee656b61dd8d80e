// Package push отправляет Web Push уведомления получателям, у которых нет
// активного WebSocket-соединения. Подписки хранятся через SubscriptionStore.
package push

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/chatline/internal/logger"
)

// Subscription — подписка браузера на Web Push.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SubscriptionStore хранит подписки пользователей.
type SubscriptionStore interface {
	AddSubscription(ctx context.Context, userID string, sub Subscription) error
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
	Subscriptions(ctx context.Context, userID string) ([]Subscription, error)
}

// Sender отправляет уведомления. Без VAPID-ключей методы отправки — no-op
// (подписки сохраняются, отправка не выполняется).
type Sender struct {
	store SubscriptionStore
	vapid *webpush.Options
}

// NewSender создаёт отправитель. keys == nil — отправка отключена.
func NewSender(store SubscriptionStore, keys *VAPIDKeys) *Sender {
	s := &Sender{store: store}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		s.vapid = &webpush.Options{
			Subscriber:      "chatline-push",
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return s
}

// Enabled сообщает, настроена ли отправка.
func (s *Sender) Enabled() bool { return s.vapid != nil }

// Subscribe сохраняет подписку пользователя.
func (s *Sender) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	return s.store.AddSubscription(ctx, userID, sub)
}

// Unsubscribe удаляет подписку по endpoint.
func (s *Sender) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return s.store.RemoveSubscription(ctx, userID, endpoint)
}

// Notify отправляет уведомление на все подписки пользователя.
// Мёртвые подписки (410/404) удаляются.
func (s *Sender) Notify(userID, title, body string, data map[string]string) {
	if s.vapid == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	subs, err := s.store.Subscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push notify: subscriptions for %s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{"title": title, "body": body, "data": data})
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.vapid)
		if err != nil {
			logger.Errorf("push send %s: %v", shorten(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			if err := s.store.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push remove dead %s: %v", shorten(sub.Endpoint), err)
			}
		}
	}
}

func shorten(endpoint string) string {
	if len(endpoint) > 50 {
		return endpoint[:50]
	}
	return endpoint
}
