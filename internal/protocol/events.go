// Package protocol defines the wire events exchanged between the chat client
// and the server over the WebSocket channel. Every frame is an Envelope whose
// payload shape is determined by the event type.
package protocol

import "github.com/chatline/internal/model"

type EventType string

// Client -> server events.
const (
	EventJoin        EventType = "join"
	EventSendMessage EventType = "send_message"
	EventSendSticker EventType = "send_sticker"
	EventSendFile    EventType = "send_file_message"
	EventTyping      EventType = "typing"
	EventAddReaction EventType = "add_reaction"
)

// Server -> client events.
const (
	EventConnected       EventType = "connected"
	EventUserJoined      EventType = "user_joined"
	EventUserOffline     EventType = "user_offline"
	EventReceiveMessage  EventType = "receive_message"
	EventMessageSentAck  EventType = "message_sent_ack"
	EventUserTyping      EventType = "user_typing"
	EventMessageReaction EventType = "message_reaction"
	EventError           EventType = "error"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Join announces the connected user so the server can target its sessions.
type Join struct {
	UserID string `json:"user_id"`
}

// SendMessage carries a text (or single-emoji) message. ClientMessageID is the
// correlation token echoed back in the ACK.
type SendMessage struct {
	SenderID        string `json:"sender_id"`
	ReceiverID      string `json:"receiver_id"`
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id"`
	ReplyToID       string `json:"reply_to_id,omitempty"`
	ForwardFromID   string `json:"forward_from_id,omitempty"`
}

type SendSticker struct {
	SenderID        string `json:"sender_id"`
	ReceiverID      string `json:"receiver_id"`
	StickerID       string `json:"sticker_id"`
	StickerURL      string `json:"sticker_url"`
	ClientMessageID string `json:"client_message_id"`
}

// SendFile references an already-uploaded file; the upload must complete
// before the message can be sent.
type SendFile struct {
	SenderID        string `json:"sender_id"`
	ReceiverID      string `json:"receiver_id"`
	FileURL         string `json:"file_url"`
	FileName        string `json:"file_name"`
	FileSize        int64  `json:"file_size"`
	FileType        string `json:"file_type"`
	ClientMessageID string `json:"client_message_id"`
}

type Typing struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	IsTyping   bool   `json:"is_typing"`
}

type AddReaction struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// MessageAck confirms (or rejects) a previously sent message. MessageID is the
// server-assigned durable ID replacing the client correlation token.
// Status "blocked" means a policy rejection; BlockedMessage then carries the
// human-readable explanation.
type MessageAck struct {
	ClientMessageID string              `json:"client_message_id"`
	MessageID       string              `json:"message_id"`
	Status          model.MessageStatus `json:"status"`
	BlockedMessage  string              `json:"blocked_message,omitempty"`
}

// ReceiveMessage is the server push of a persisted message to all
// participants, including the sender's other sessions. It carries the sender's
// correlation token so the sending session can reconcile its optimistic copy.
type ReceiveMessage = model.Message

type UserTyping struct {
	SenderID string `json:"sender_id"`
	IsTyping bool   `json:"is_typing"`
}

type MessageReaction struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

type UserStatus struct {
	UserID string `json:"user_id"`
}

type Error struct {
	Message string `json:"message"`
}
