package model

// Conversation is a summary row for the conversation list: the peer plus the
// latest message preview and unread count. Assembled server-side for the
// history REST endpoint.
type Conversation struct {
	Peer        UserPublic `json:"peer"`
	LastMessage *Message   `json:"last_message,omitempty"`
	UnreadCount int        `json:"unread_count"`
}
