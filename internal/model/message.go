package model

import (
	"errors"
	"time"
)

type MessageType string

const (
	MessageTypeText    MessageType = "text"
	MessageTypeSticker MessageType = "sticker"
	MessageTypeFile    MessageType = "file"
	MessageTypeSystem  MessageType = "system"
)

type MessageStatus string

const (
	// MessageStatusSending is the optimistic local state before the server ACK.
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusSeen      MessageStatus = "seen"
	// MessageStatusFailed means no ACK arrived within the timeout window;
	// recoverable only through an explicit retry.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusBlocked is a terminal server rejection (recipient blocked
	// the sender or vice versa).
	MessageStatusBlocked MessageStatus = "blocked"
)

// statusRank orders the confirmed statuses. A status may only advance
// (sent -> delivered -> seen), never regress via a late push.
var statusRank = map[MessageStatus]int{
	MessageStatusSending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusSeen:      3,
}

// StatusAdvances reports whether moving from cur to next is a forward
// transition in the confirmation order. Unknown statuses never advance.
func StatusAdvances(cur, next MessageStatus) bool {
	curRank, ok1 := statusRank[cur]
	nextRank, ok2 := statusRank[next]
	return ok1 && ok2 && nextRank > curRank
}

var (
	ErrEmptyContent   = errors.New("model: empty content")
	ErrEmptySticker   = errors.New("model: sticker id and url required")
	ErrEmptyFile      = errors.New("model: file url required")
	ErrBadParticipant = errors.New("model: sender and receiver ids required")
)

// Message is the client-visible record of the conversation sequence.
// Exactly one payload variant is populated, discriminated by Type.
//
// ID starts as the client-generated correlation token and is replaced by the
// server-assigned durable ID once acknowledged. CorrelationID retains the
// original token so late ACKs and duplicate pushes can still be matched.
type Message struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"client_message_id,omitempty"`
	SenderID      string        `json:"sender_id"`
	ReceiverID    string        `json:"receiver_id"`
	Type          MessageType   `json:"message_type"`
	Status        MessageStatus `json:"status"`
	Timestamp     string        `json:"timestamp"` // ISO-8601; server-authoritative once confirmed
	ReplyToID     string        `json:"reply_to_id,omitempty"`
	ForwardFromID string        `json:"forward_from_id,omitempty"`

	// text variant
	Content string `json:"content,omitempty"`

	// sticker variant
	StickerID  string `json:"sticker_id,omitempty"`
	StickerURL string `json:"sticker_url,omitempty"`

	// file variant
	FileURL  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileType string `json:"file_type,omitempty"`

	Reactions []Reaction `json:"reactions,omitempty"`
}

// Validate checks that exactly the variant named by Type is populated.
func (m *Message) Validate() error {
	if m.Type != MessageTypeSystem && (m.SenderID == "" || m.ReceiverID == "") {
		return ErrBadParticipant
	}
	switch m.Type {
	case MessageTypeText:
		if m.Content == "" {
			return ErrEmptyContent
		}
	case MessageTypeSticker:
		if m.StickerID == "" && m.StickerURL == "" {
			return ErrEmptySticker
		}
	case MessageTypeFile:
		if m.FileURL == "" {
			return ErrEmptyFile
		}
	case MessageTypeSystem:
		if m.Content == "" {
			return ErrEmptyContent
		}
	default:
		return errors.New("model: unknown message type")
	}
	return nil
}

// IsPending reports whether the message still awaits a server ACK.
func (m *Message) IsPending() bool {
	return m.Status == MessageStatusSending
}

// Reaction is a (message, user, emoji) triple with set semantics: a given
// triple appears at most once, multiple distinct emojis per user are allowed.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Key identifies the triple for set-insert deduplication.
func (r Reaction) Key() string {
	return r.MessageID + "\x00" + r.UserID + "\x00" + r.Emoji
}

// Now returns the current time in the wire timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
