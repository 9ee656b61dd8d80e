// Package devserver is the chat server: WebSocket hub, REST API and auth.
// The hub validates, persists and acknowledges messages, then fans the
// persisted copy out to both participants with the sender's correlation
// token attached.
package devserver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/internal/logger"
	"github.com/chatline/internal/model"
	"github.com/chatline/internal/protocol"
)

// MessageStore persists the conversation log.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	UpdateStatus(ctx context.Context, id string, status model.MessageStatus) error
	MarkSeen(ctx context.Context, userID, peerID string) ([]string, error)
}

// UserStore tracks account presence.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	SetOnline(ctx context.Context, id string, online bool) error
}

// BlockStore answers whether delivery between two users is forbidden.
type BlockStore interface {
	IsBlockedEither(ctx context.Context, a, b string) (bool, error)
}

// ReactionStore persists reaction set-inserts.
type ReactionStore interface {
	Add(ctx context.Context, messageID, userID, emoji string) (bool, error)
}

// PushNotifier sends a web push to a user's subscribed browsers. nil disables pushes.
type PushNotifier interface {
	Notify(userID, title, body string, data map[string]string)
}

// Presence mirrors online state into shared storage (Redis in prod,
// memory in -dev). nil disables mirroring.
type Presence interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

const blockedNotice = "Message could not be delivered. You may have been blocked by this user."

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	total   int

	maxConns  int
	msgStore  MessageStore
	userStore UserStore
	blocks    BlockStore
	reactions ReactionStore
	notifier  PushNotifier
	presence  Presence

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	msgStore MessageStore,
	userStore UserStore,
	blocks BlockStore,
	reactions ReactionStore,
	maxConns int,
	notifier PushNotifier,
	presence Presence,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		msgStore:   msgStore,
		userStore:  userStore,
		blocks:     blocks,
		reactions:  reactions,
		notifier:   notifier,
		presence:   presence,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.userStore.SetOnline(ctx, c.userID, true); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
	if h.presence != nil {
		if err := h.presence.SetOnline(ctx, c.userID); err != nil {
			logger.Errorf("ws presence online user=%s: %v", c.userID, err)
		}
	}
	h.sendToClient(c, protocol.Envelope{Type: protocol.EventConnected, Payload: protocol.UserStatus{UserID: c.userID}})
	h.broadcastStatus(c.userID, protocol.EventUserJoined)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.userStore.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
		if h.presence != nil {
			if err := h.presence.SetOffline(ctx, c.userID); err != nil {
				logger.Errorf("ws presence offline user=%s: %v", c.userID, err)
			}
		}
		h.broadcastStatus(c.userID, protocol.EventUserOffline)
	}
}

// RefreshPresence prolongs the shared-storage online mark. Called on the ws
// ping cycle so the TTL outlives long-idle connections.
func (h *Hub) RefreshPresence(userID string) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.SetOnline(ctx, userID); err != nil {
		logger.Errorf("ws presence refresh user=%s: %v", userID, err)
	}
}

// HandleEvent dispatches an incoming frame.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, ev rawEvent) {
	switch ev.Type {
	case protocol.EventJoin:
		// Identity comes from the authenticated upgrade; join is a no-op ping.
	case protocol.EventSendMessage:
		h.handleSendMessage(ctx, c, ev)
	case protocol.EventSendSticker:
		h.handleSendSticker(ctx, c, ev)
	case protocol.EventSendFile:
		h.handleSendFile(ctx, c, ev)
	case protocol.EventTyping:
		h.handleTyping(ctx, c, ev)
	case protocol.EventAddReaction:
		h.handleAddReaction(ctx, c, ev)
	default:
		h.sendToClient(c, errorEnvelope("unknown event type"))
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, ev rawEvent) {
	defer logger.DeferLogDuration("hub.handleSendMessage", time.Now())()
	var p protocol.SendMessage
	if err := decodePayload(ev, &p); err != nil {
		h.sendToClient(c, errorEnvelope("malformed send_message payload"))
		return
	}
	if strings.TrimSpace(p.Content) == "" || p.ReceiverID == "" {
		h.sendToClient(c, errorEnvelope("receiver_id and content required"))
		return
	}
	m := &model.Message{
		CorrelationID: p.ClientMessageID,
		SenderID:      c.userID,
		ReceiverID:    p.ReceiverID,
		Type:          model.MessageTypeText,
		Content:       p.Content,
		ReplyToID:     p.ReplyToID,
		ForwardFromID: p.ForwardFromID,
	}
	h.acceptMessage(ctx, c, m)
}

func (h *Hub) handleSendSticker(ctx context.Context, c *Client, ev rawEvent) {
	defer logger.DeferLogDuration("hub.handleSendSticker", time.Now())()
	var p protocol.SendSticker
	if err := decodePayload(ev, &p); err != nil {
		h.sendToClient(c, errorEnvelope("malformed send_sticker payload"))
		return
	}
	if (p.StickerID == "" && p.StickerURL == "") || p.ReceiverID == "" {
		h.sendToClient(c, errorEnvelope("receiver_id and sticker required"))
		return
	}
	m := &model.Message{
		CorrelationID: p.ClientMessageID,
		SenderID:      c.userID,
		ReceiverID:    p.ReceiverID,
		Type:          model.MessageTypeSticker,
		StickerID:     p.StickerID,
		StickerURL:    p.StickerURL,
	}
	h.acceptMessage(ctx, c, m)
}

func (h *Hub) handleSendFile(ctx context.Context, c *Client, ev rawEvent) {
	defer logger.DeferLogDuration("hub.handleSendFile", time.Now())()
	var p protocol.SendFile
	if err := decodePayload(ev, &p); err != nil {
		h.sendToClient(c, errorEnvelope("malformed send_file_message payload"))
		return
	}
	if p.FileURL == "" || p.ReceiverID == "" {
		h.sendToClient(c, errorEnvelope("receiver_id and file_url required"))
		return
	}
	// "+" часто приходит вместо пробела (URL-кодирование), сохраняем с пробелами.
	fileName := strings.TrimSpace(strings.ReplaceAll(p.FileName, "+", " "))
	m := &model.Message{
		CorrelationID: p.ClientMessageID,
		SenderID:      c.userID,
		ReceiverID:    p.ReceiverID,
		Type:          model.MessageTypeFile,
		FileURL:       p.FileURL,
		FileName:      fileName,
		FileSize:      p.FileSize,
		FileType:      p.FileType,
	}
	h.acceptMessage(ctx, c, m)
}

// acceptMessage runs the shared pipeline: block check, persist, ACK to the
// sender, fan-out to both participants, web push to an offline receiver.
func (h *Hub) acceptMessage(ctx context.Context, c *Client, m *model.Message) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	blocked, err := h.blocks.IsBlockedEither(ctx, c.userID, m.ReceiverID)
	if err != nil {
		logger.Errorf("ws block check %s->%s: %v", c.userID, m.ReceiverID, err)
		h.sendToClient(c, errorEnvelope("internal error"))
		return
	}
	if blocked {
		h.sendToUser(c.userID, protocol.Envelope{Type: protocol.EventMessageSentAck, Payload: protocol.MessageAck{
			ClientMessageID: m.CorrelationID,
			Status:          model.MessageStatusBlocked,
			BlockedMessage:  blockedNotice,
		}})
		return
	}

	m.ID = uuid.New().String()
	m.Status = model.MessageStatusSent
	m.Timestamp = model.Now()
	if h.isOnline(m.ReceiverID) {
		m.Status = model.MessageStatusDelivered
	}

	if err := h.msgStore.Create(ctx, m); err != nil {
		logger.Errorf("ws save message %s->%s: %v", c.userID, m.ReceiverID, err)
		h.sendToClient(c, errorEnvelope("failed to save message"))
		return
	}

	h.sendToUser(c.userID, protocol.Envelope{Type: protocol.EventMessageSentAck, Payload: protocol.MessageAck{
		ClientMessageID: m.CorrelationID,
		MessageID:       m.ID,
		Status:          m.Status,
	}})

	// Both participants receive the persisted copy; the sender's other
	// sessions reconcile it by the correlation token.
	out := protocol.Envelope{Type: protocol.EventReceiveMessage, Payload: m}
	h.sendToUser(m.ReceiverID, out)
	h.sendToUser(c.userID, out)

	if h.notifier != nil && !h.isOnline(m.ReceiverID) {
		title := c.userID
		if u, err := h.userStore.GetByID(ctx, c.userID); err == nil {
			if u.DisplayName != "" {
				title = u.DisplayName
			} else {
				title = u.Username
			}
		}
		body := m.Content
		if m.Type != model.MessageTypeText || body == "" {
			body = "Attachment"
		}
		if len(body) > 120 {
			body = body[:117] + "..."
		}
		receiverID := m.ReceiverID
		data := map[string]string{"sender_id": c.userID, "message_id": m.ID}
		go h.notifier.Notify(receiverID, title, body, data)
	}
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, ev rawEvent) {
	var p protocol.Typing
	if err := decodePayload(ev, &p); err != nil || p.ReceiverID == "" {
		return
	}
	h.sendToUser(p.ReceiverID, protocol.Envelope{Type: protocol.EventUserTyping, Payload: protocol.UserTyping{
		SenderID: c.userID,
		IsTyping: p.IsTyping,
	}})
}

func (h *Hub) handleAddReaction(ctx context.Context, c *Client, ev rawEvent) {
	defer logger.DeferLogDuration("hub.handleAddReaction", time.Now())()
	var p protocol.AddReaction
	if err := decodePayload(ev, &p); err != nil || p.MessageID == "" || p.Emoji == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m, err := h.msgStore.GetByID(ctx, p.MessageID)
	if err != nil {
		return
	}

	added, err := h.reactions.Add(ctx, p.MessageID, c.userID, p.Emoji)
	if err != nil {
		logger.Errorf("ws add reaction %s: %v", p.MessageID, err)
		return
	}
	if !added {
		// Duplicate triple; the set is unchanged, nothing to announce.
		return
	}

	out := protocol.Envelope{Type: protocol.EventMessageReaction, Payload: protocol.MessageReaction{
		MessageID: p.MessageID,
		UserID:    c.userID,
		Emoji:     p.Emoji,
	}}
	h.sendToUser(m.SenderID, out)
	if m.ReceiverID != m.SenderID {
		h.sendToUser(m.ReceiverID, out)
	}
}

// BroadcastSeen pushes the updated copies of newly seen messages to their
// sender so its client can advance the displayed statuses.
func (h *Hub) BroadcastSeen(ctx context.Context, senderID string, messageIDs []string) {
	for _, id := range messageIDs {
		m, err := h.msgStore.GetByID(ctx, id)
		if err != nil {
			logger.Errorf("ws broadcast seen %s: %v", id, err)
			continue
		}
		h.sendToUser(senderID, protocol.Envelope{Type: protocol.EventReceiveMessage, Payload: m})
	}
}

func (h *Hub) broadcastStatus(userID string, evType protocol.EventType) {
	out := protocol.Envelope{Type: evType, Payload: protocol.UserStatus{UserID: userID}}

	h.mu.RLock()
	targets := make([]*Client, 0, h.total)
	for uid, clients := range h.clients {
		if uid == userID {
			continue
		}
		for c := range clients {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

func (h *Hub) isOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) sendToUser(userID string, env protocol.Envelope) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, env)
	}
}

func (h *Hub) sendToClient(c *Client, env protocol.Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func decodePayload(ev rawEvent, dst any) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(ev.Payload, dst)
}

func errorEnvelope(msg string) protocol.Envelope {
	return protocol.Envelope{Type: protocol.EventError, Payload: protocol.Error{Message: msg}}
}
