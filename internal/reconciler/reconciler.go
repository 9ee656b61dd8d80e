// Package reconciler owns the client-local message sequence of one
// conversation. It mediates between optimistic local writes and asynchronous
// server confirmations: messages are inserted immediately with status
// "sending", correlated with server ACKs by a client-generated token, marked
// failed on ACK timeout, and reconciled with server pushes that may arrive
// before, after, or instead of the ACK.
package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/internal/logger"
	"github.com/chatline/internal/model"
	"github.com/chatline/internal/protocol"
)

const (
	// DefaultAckTimeout bounds how long a text/sticker/emoji send may stay
	// unacknowledged before it flips to failed.
	DefaultAckTimeout = 3000 * time.Millisecond
	// DefaultFileAckTimeout is longer: the upload already consumed time and
	// the server does more work before acknowledging.
	DefaultFileAckTimeout = 5000 * time.Millisecond

	defaultBlockedNotice = "You cannot send messages to this user right now."
)

var (
	ErrClosed       = errors.New("reconciler: closed")
	ErrNotFound     = errors.New("reconciler: message not found")
	ErrNotFailed    = errors.New("reconciler: message is not in failed state")
	ErrEmptyContent = model.ErrEmptyContent
)

// Channel is the transport seam: fire-and-forget emission plus typed event
// subscription returning an unsubscribe func.
type Channel interface {
	Emit(et protocol.EventType, payload any) error
	Subscribe(et protocol.EventType, h func(payload json.RawMessage)) func()
}

// UpdateKind tags the notifications delivered to the UI callback.
type UpdateKind int

const (
	UpdateMessageAdded UpdateKind = iota
	UpdateMessageChanged
	UpdateSystemNotice
	UpdateReaction
	UpdateTyping
)

// Update describes one observable change to the conversation state.
type Update struct {
	Kind     UpdateKind
	Message  *model.Message
	Notice   string
	Reaction model.Reaction
	Typing   bool
}

// Options tune a Reconciler. Zero values fall back to defaults.
type Options struct {
	AckTimeout     time.Duration
	FileAckTimeout time.Duration
	// Notify receives state-change updates. Called outside the internal lock,
	// sequentially; must not call back into the Reconciler's send operations
	// from the same goroutine chain that delivered a socket event.
	Notify func(Update)
}

// pendingSend is one in-flight optimistic message awaiting its ACK.
// The entry outlives a timeout flip to failed so that a legitimately slow ACK
// can still recover the message; it is discarded on ACK, on blocked, and on
// retry (which re-keys the message under a fresh correlation ID).
type pendingSend struct {
	msg   *model.Message
	timer *time.Timer
}

// Reconciler is the single source of truth for one conversation's messages.
// All mutations (user sends, socket events, timer fires) serialize through
// one mutex; the rendered sequence is only ever observed via Messages().
type Reconciler struct {
	ch     Channel
	selfID string
	peerID string
	opts   Options

	mu         sync.Mutex
	seq        []*model.Message
	pending    map[string]*pendingSend // correlation ID -> in-flight send
	reactions  map[string][]model.Reaction
	reactKeys  map[string]struct{}
	peerTyping bool
	closed     bool

	unsubs []func()
}

// New builds a reconciler for the conversation between selfID and peerID and
// binds exactly one subscription per server event type. Close releases them.
func New(ch Channel, selfID, peerID string, opts Options) *Reconciler {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.FileAckTimeout <= 0 {
		opts.FileAckTimeout = DefaultFileAckTimeout
	}
	r := &Reconciler{
		ch:        ch,
		selfID:    selfID,
		peerID:    peerID,
		opts:      opts,
		pending:   make(map[string]*pendingSend),
		reactions: make(map[string][]model.Reaction),
		reactKeys: make(map[string]struct{}),
	}
	r.unsubs = []func(){
		ch.Subscribe(protocol.EventMessageSentAck, r.onAck),
		ch.Subscribe(protocol.EventReceiveMessage, r.onPush),
		ch.Subscribe(protocol.EventMessageReaction, r.onReaction),
		ch.Subscribe(protocol.EventUserTyping, r.onTyping),
	}
	return r
}

// Close cancels every in-flight ACK timer and tears down the event
// subscriptions. Send operations fail with ErrClosed afterwards.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, p := range r.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// newCorrelationID generates the client-side token used to match an
// optimistic message with its eventual ACK. Unique per session.
func newCorrelationID() string {
	return fmt.Sprintf("client_%d_%s", time.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
}

// SendOption customizes a send.
type SendOption func(*model.Message)

// WithReplyTo marks the message as a reply. The reference is weak: if the
// target is gone the UI falls back to a generic label.
func WithReplyTo(messageID string) SendOption {
	return func(m *model.Message) { m.ReplyToID = messageID }
}

// WithForwardFrom marks the message as forwarded from an earlier one. Like a
// reply reference, the link is weak.
func WithForwardFrom(messageID string) SendOption {
	return func(m *model.Message) { m.ForwardFromID = messageID }
}

// SendText optimistically appends a text message and emits it. The returned
// correlation ID locates the message for status inspection and retry even
// after its ID is replaced by the server-assigned one.
func (r *Reconciler) SendText(content string, opts ...SendOption) (string, error) {
	m := &model.Message{
		Type:    model.MessageTypeText,
		Content: content,
	}
	for _, o := range opts {
		o(m)
	}
	return r.send(m, r.opts.AckTimeout)
}

// SendEmoji sends a single emoji through the text pathway (immediate send,
// no input buffering) and clears the typing indicator.
func (r *Reconciler) SendEmoji(emoji string) (string, error) {
	cid, err := r.SendText(emoji)
	if err != nil {
		return "", err
	}
	r.SetTyping(false)
	return cid, nil
}

// SendSticker optimistically appends a sticker message and emits it.
func (r *Reconciler) SendSticker(stickerID, stickerURL string) (string, error) {
	m := &model.Message{
		Type:       model.MessageTypeSticker,
		StickerID:  stickerID,
		StickerURL: stickerURL,
	}
	return r.send(m, r.opts.AckTimeout)
}

// FileInfo is the result of the upstream upload step, which must complete
// before the message can reference the file.
type FileInfo struct {
	URL  string
	Name string
	Size int64
	Type string
}

// SendFile optimistically appends a file message for an already-uploaded file.
// Uses the longer ACK window.
func (r *Reconciler) SendFile(f FileInfo) (string, error) {
	m := &model.Message{
		Type:     model.MessageTypeFile,
		Content:  f.Name,
		FileURL:  f.URL,
		FileName: f.Name,
		FileSize: f.Size,
		FileType: f.Type,
	}
	return r.send(m, r.opts.FileAckTimeout)
}

// send performs the shared optimistic-insert + emit + arm-timer sequence.
func (r *Reconciler) send(m *model.Message, timeout time.Duration) (string, error) {
	m.SenderID = r.selfID
	m.ReceiverID = r.peerID
	if err := m.Validate(); err != nil {
		return "", err
	}

	cid := newCorrelationID()
	m.ID = cid
	m.CorrelationID = cid
	m.Status = model.MessageStatusSending
	m.Timestamp = model.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.seq = append(r.seq, m)
	p := &pendingSend{msg: m}
	p.timer = time.AfterFunc(timeout, func() { r.onAckTimeout(cid) })
	r.pending[cid] = p
	cp := *m
	r.mu.Unlock()

	r.emitSend(&cp, cid)
	r.notify(Update{Kind: UpdateMessageAdded, Message: &cp})
	return cid, nil
}

// emitSend maps the message variant onto its wire event. Emission is
// fire-and-forget: a full buffer or dropped connection surfaces as the ACK
// timeout, never as an error to the caller.
func (r *Reconciler) emitSend(m *model.Message, cid string) {
	var err error
	switch m.Type {
	case model.MessageTypeSticker:
		err = r.ch.Emit(protocol.EventSendSticker, protocol.SendSticker{
			SenderID:        m.SenderID,
			ReceiverID:      m.ReceiverID,
			StickerID:       m.StickerID,
			StickerURL:      m.StickerURL,
			ClientMessageID: cid,
		})
	case model.MessageTypeFile:
		err = r.ch.Emit(protocol.EventSendFile, protocol.SendFile{
			SenderID:        m.SenderID,
			ReceiverID:      m.ReceiverID,
			FileURL:         m.FileURL,
			FileName:        m.FileName,
			FileSize:        m.FileSize,
			FileType:        m.FileType,
			ClientMessageID: cid,
		})
	default:
		err = r.ch.Emit(protocol.EventSendMessage, protocol.SendMessage{
			SenderID:        m.SenderID,
			ReceiverID:      m.ReceiverID,
			Content:         m.Content,
			ClientMessageID: cid,
			ReplyToID:       m.ReplyToID,
			ForwardFromID:   m.ForwardFromID,
		})
	}
	if err != nil {
		logger.Errorf("reconciler: emit %s: %v", cid, err)
	}
}

// Retry re-sends a failed message under a fresh correlation ID. The displayed
// message ID is kept for continuity; only the ACK matching key changes.
func (r *Reconciler) Retry(messageID string) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	m := r.findByIDLocked(messageID)
	if m == nil {
		r.mu.Unlock()
		return "", ErrNotFound
	}
	if m.Status != model.MessageStatusFailed {
		r.mu.Unlock()
		return "", ErrNotFailed
	}

	delete(r.pending, m.CorrelationID)
	cid := newCorrelationID()
	m.CorrelationID = cid
	m.Status = model.MessageStatusSending
	m.Timestamp = model.Now()

	timeout := r.opts.AckTimeout
	if m.Type == model.MessageTypeFile {
		timeout = r.opts.FileAckTimeout
	}
	p := &pendingSend{msg: m}
	p.timer = time.AfterFunc(timeout, func() { r.onAckTimeout(cid) })
	r.pending[cid] = p
	cp := *m
	r.mu.Unlock()

	r.emitSend(&cp, cid)
	r.notify(Update{Kind: UpdateMessageChanged, Message: &cp})
	return cid, nil
}

// SendReaction emits a reaction for a message. The local set-insert happens
// when the server broadcast comes back, same as for every other participant.
func (r *Reconciler) SendReaction(messageID, emoji string) error {
	return r.ch.Emit(protocol.EventAddReaction, protocol.AddReaction{
		MessageID: messageID,
		UserID:    r.selfID,
		Emoji:     emoji,
	})
}

// SetTyping emits the typing indicator for the peer.
func (r *Reconciler) SetTyping(isTyping bool) {
	if err := r.ch.Emit(protocol.EventTyping, protocol.Typing{
		SenderID:   r.selfID,
		ReceiverID: r.peerID,
		IsTyping:   isTyping,
	}); err != nil {
		logger.Debugf("reconciler: typing emit: %v", err)
	}
}

// ApplyReaction set-inserts a reaction triple. Idempotent: re-applying an
// existing (message, user, emoji) triple is a no-op.
func (r *Reconciler) ApplyReaction(messageID, userID, emoji string) bool {
	rc := model.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: time.Now().UTC()}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, dup := r.reactKeys[rc.Key()]; dup {
		r.mu.Unlock()
		return false
	}
	r.reactKeys[rc.Key()] = struct{}{}
	r.reactions[messageID] = append(r.reactions[messageID], rc)
	if m := r.findByIDLocked(messageID); m != nil {
		m.Reactions = append(m.Reactions, rc)
	}
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateReaction, Reaction: rc})
	return true
}

// Seed preloads the sequence with history fetched over REST. Messages keep
// their server IDs and statuses; no timers are armed.
func (r *Reconciler) Seed(history []model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for i := range history {
		m := history[i]
		if r.findByIDLocked(m.ID) != nil {
			continue
		}
		r.seq = append(r.seq, &m)
		for _, rc := range m.Reactions {
			if _, dup := r.reactKeys[rc.Key()]; dup {
				continue
			}
			r.reactKeys[rc.Key()] = struct{}{}
			r.reactions[m.ID] = append(r.reactions[m.ID], rc)
		}
	}
}

// Messages returns a copy of the current sequence in insertion order.
func (r *Reconciler) Messages() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Message, len(r.seq))
	for i, m := range r.seq {
		out[i] = *m
	}
	return out
}

// Reactions returns the reaction set of one message.
func (r *Reconciler) Reactions(messageID string) []model.Reaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.reactions[messageID]
	out := make([]model.Reaction, len(src))
	copy(out, src)
	return out
}

// PeerTyping reports the last typing state received from the peer.
func (r *Reconciler) PeerTyping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerTyping
}

// Message returns a copy of one message, located by its current ID or by its
// correlation ID.
func (r *Reconciler) Message(id string) (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.findByIDLocked(id); m != nil {
		return *m, true
	}
	return model.Message{}, false
}

// --- server event handlers (one subscription each, bound in New) ---

// onAck handles message_sent_ack: cancel the timer, adopt the server ID and
// status. Unmatched ACKs are protocol noise and dropped silently. A blocked
// status is terminal and injects one synthetic system message.
func (r *Reconciler) onAck(payload json.RawMessage) {
	var ack protocol.MessageAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		logger.Errorf("reconciler: bad ack payload: %v", err)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	p, ok := r.pending[ack.ClientMessageID]
	if !ok {
		// Stale ACK: the message was already retried under a new correlation
		// ID, or acknowledged before. Idempotent no-op.
		r.mu.Unlock()
		logger.Debugf("reconciler: dropping unmatched ack %s", ack.ClientMessageID)
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(r.pending, ack.ClientMessageID)
	m := p.msg

	if ack.Status == model.MessageStatusBlocked {
		m.Status = model.MessageStatusBlocked
		notice := ack.BlockedMessage
		if notice == "" {
			notice = defaultBlockedNotice
		}
		sys := &model.Message{
			ID:        fmt.Sprintf("sys_%d", time.Now().UnixMilli()),
			Type:      model.MessageTypeSystem,
			Content:   notice,
			Status:    model.MessageStatusSent,
			Timestamp: model.Now(),
		}
		r.seq = append(r.seq, sys)
		mCp, sysCp := *m, *sys
		r.mu.Unlock()

		r.notify(Update{Kind: UpdateMessageChanged, Message: &mCp})
		r.notify(Update{Kind: UpdateMessageAdded, Message: &sysCp})
		r.notify(Update{Kind: UpdateSystemNotice, Notice: notice})
		return
	}

	if ack.MessageID != "" {
		m.ID = ack.MessageID
	}
	next := ack.Status
	if next == "" {
		next = model.MessageStatusSent
	}
	// A push may have advanced the status already; never regress.
	if m.Status == model.MessageStatusSending || m.Status == model.MessageStatusFailed || model.StatusAdvances(m.Status, next) {
		m.Status = next
	}
	cp := *m
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateMessageChanged, Message: &cp})
}

// onAckTimeout fires when no ACK arrived within the window. The pending entry
// is kept: a slow ACK can still recover the message until the user retries.
func (r *Reconciler) onAckTimeout(cid string) {
	r.mu.Lock()
	p, ok := r.pending[cid]
	if !ok || r.closed {
		r.mu.Unlock()
		return
	}
	if p.msg.Status != model.MessageStatusSending {
		// Reconciled by a push in the meantime; nothing to fail.
		delete(r.pending, cid)
		r.mu.Unlock()
		return
	}
	p.msg.Status = model.MessageStatusFailed
	p.timer = nil
	cp := *p.msg
	r.mu.Unlock()

	logger.Debugf("reconciler: ack timeout for %s", cid)
	r.notify(Update{Kind: UpdateMessageChanged, Message: &cp})
}

// onPush handles receive_message: the server broadcast of a persisted message
// to all participants, including the sender's other sessions. Dedup order:
//  1. a message with the same durable ID exists: duplicate push, at most the
//     status may advance;
//  2. the push carries our correlation ID: replace the optimistic copy in
//     place;
//  3. a local optimistic message matches by payload identity: replace it
//     (fallback for servers that do not echo client_message_id; two
//     identical-content in-flight sends may reconcile the wrong one, a known
//     limit of the heuristic);
//  4. otherwise append, the normal case on the receiving side.
func (r *Reconciler) onPush(payload json.RawMessage) {
	var in model.Message
	if err := json.Unmarshal(payload, &in); err != nil {
		logger.Errorf("reconciler: bad push payload: %v", err)
		return
	}
	if in.Type == "" {
		in.Type = model.MessageTypeText
	}
	if in.Status == "" {
		in.Status = model.MessageStatusSent
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	if existing := r.findByIDLocked(in.ID); existing != nil && in.ID != "" {
		if model.StatusAdvances(existing.Status, in.Status) {
			existing.Status = in.Status
			cp := *existing
			r.mu.Unlock()
			r.notify(Update{Kind: UpdateMessageChanged, Message: &cp})
			return
		}
		r.mu.Unlock()
		return
	}

	var target *model.Message
	if in.CorrelationID != "" {
		if p, ok := r.pending[in.CorrelationID]; ok {
			target = p.msg
		}
	}
	if target == nil {
		target = r.findOptimisticMatchLocked(&in)
	}

	if target != nil {
		cid := target.CorrelationID
		if p, ok := r.pending[cid]; ok {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(r.pending, cid)
		}
		// Convert the optimistic echo into the canonical copy in place,
		// retaining the correlation token for late-ACK matching.
		prev := target.Status
		*target = in
		target.CorrelationID = cid
		if prev != model.MessageStatusSending && !model.StatusAdvances(prev, in.Status) {
			target.Status = prev
		}
		cp := *target
		r.mu.Unlock()
		r.notify(Update{Kind: UpdateMessageChanged, Message: &cp})
		return
	}

	m := in
	r.seq = append(r.seq, &m)
	cp := m
	r.mu.Unlock()
	r.notify(Update{Kind: UpdateMessageAdded, Message: &cp})
}

// findOptimisticMatchLocked implements the payload-identity heuristic: an own
// pending message with equal text content, or matching sticker/file identity.
func (r *Reconciler) findOptimisticMatchLocked(in *model.Message) *model.Message {
	if in.SenderID != r.selfID {
		return nil
	}
	for _, m := range r.seq {
		if m.Status != model.MessageStatusSending || m.SenderID != r.selfID {
			continue
		}
		switch in.Type {
		case model.MessageTypeSticker:
			if m.StickerID != "" && in.StickerID != "" && m.StickerID == in.StickerID {
				return m
			}
			if m.StickerURL != "" && in.StickerURL != "" && m.StickerURL == in.StickerURL {
				return m
			}
		case model.MessageTypeFile:
			if m.FileURL != "" && in.FileURL != "" && m.FileURL == in.FileURL {
				return m
			}
		default:
			if m.Content != "" && in.Content != "" && m.Content == in.Content {
				return m
			}
		}
	}
	return nil
}

// onReaction handles the message_reaction broadcast.
func (r *Reconciler) onReaction(payload json.RawMessage) {
	var in protocol.MessageReaction
	if err := json.Unmarshal(payload, &in); err != nil {
		logger.Errorf("reconciler: bad reaction payload: %v", err)
		return
	}
	r.ApplyReaction(in.MessageID, in.UserID, in.Emoji)
}

// onTyping handles the user_typing broadcast; only the conversation peer's
// state is tracked.
func (r *Reconciler) onTyping(payload json.RawMessage) {
	var in protocol.UserTyping
	if err := json.Unmarshal(payload, &in); err != nil {
		logger.Errorf("reconciler: bad typing payload: %v", err)
		return
	}
	if in.SenderID != r.peerID {
		return
	}
	r.mu.Lock()
	r.peerTyping = in.IsTyping
	r.mu.Unlock()
	r.notify(Update{Kind: UpdateTyping, Typing: in.IsTyping})
}

func (r *Reconciler) findByIDLocked(id string) *model.Message {
	if id == "" {
		return nil
	}
	for _, m := range r.seq {
		if m.ID == id || m.CorrelationID == id {
			return m
		}
	}
	return nil
}

func (r *Reconciler) notify(u Update) {
	if r.opts.Notify != nil {
		r.opts.Notify(u)
	}
}
