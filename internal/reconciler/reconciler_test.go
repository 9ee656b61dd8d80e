package reconciler

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/chatline/internal/model"
	"github.com/chatline/internal/protocol"
)

// fakeChannel records emissions and lets tests inject server events.
type fakeChannel struct {
	mu       sync.Mutex
	emitted  []protocol.Envelope
	handlers map[protocol.EventType][]func(json.RawMessage)
	unsubbed int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[protocol.EventType][]func(json.RawMessage))}
}

func (f *fakeChannel) Emit(et protocol.EventType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, protocol.Envelope{Type: et, Payload: payload})
	return nil
}

func (f *fakeChannel) Subscribe(et protocol.EventType, h func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[et] = append(f.handlers[et], h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubbed++
	}
}

// deliver marshals payload and invokes the subscribed handlers, simulating a
// server event arriving on the read pump.
func (f *fakeChannel) deliver(t *testing.T, et protocol.EventType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", et, err)
	}
	f.mu.Lock()
	handlers := append([]func(json.RawMessage){}, f.handlers[et]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (f *fakeChannel) sent(et protocol.EventType) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range f.emitted {
		if e.Type == et {
			out = append(out, e)
		}
	}
	return out
}

func newTestReconciler(t *testing.T, opts Options) (*Reconciler, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	r := New(ch, "alice", "bob", opts)
	t.Cleanup(r.Close)
	return r, ch
}

func TestSendTextOptimisticInsert(t *testing.T) {
	r, ch := newTestReconciler(t, Options{})

	cid, err := r.SendText("hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if cid == "" {
		t.Fatal("empty correlation id")
	}

	// The message is visible synchronously, before any server round-trip.
	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Status != model.MessageStatusSending {
		t.Errorf("status = %s, want sending", m.Status)
	}
	if m.ID != cid || m.CorrelationID != cid {
		t.Errorf("id/correlation = %s/%s, want %s", m.ID, m.CorrelationID, cid)
	}
	if m.Content != "hello" || m.Type != model.MessageTypeText {
		t.Errorf("payload = %q/%s, want hello/text", m.Content, m.Type)
	}

	sent := ch.sent(protocol.EventSendMessage)
	if len(sent) != 1 {
		t.Fatalf("emitted %d send_message events, want 1", len(sent))
	}
	payload := sent[0].Payload.(protocol.SendMessage)
	if payload.ClientMessageID != cid {
		t.Errorf("wire correlation = %s, want %s", payload.ClientMessageID, cid)
	}
}

func TestSendTextEmptyContent(t *testing.T) {
	r, _ := newTestReconciler(t, Options{})
	if _, err := r.SendText(""); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestAckReconciliation(t *testing.T) {
	r, ch := newTestReconciler(t, Options{AckTimeout: 40 * time.Millisecond})

	cid, _ := r.SendText("hello")
	ch.deliver(t, protocol.EventMessageSentAck, protocol.MessageAck{
		ClientMessageID: cid,
		MessageID:       "srv1",
		Status:          model.MessageStatusSent,
	})

	m, ok := r.Message(cid)
	if !ok {
		t.Fatal("message not found by correlation id after ack")
	}
	if m.ID != "srv1" {
		t.Errorf("id = %s, want srv1", m.ID)
	}
	if m.Status != model.MessageStatusSent {
		t.Errorf("status = %s, want sent", m.Status)
	}

	// The cancelled timer must not flip the message to failed.
	time.Sleep(100 * time.Millisecond)
	m, _ = r.Message(cid)
	if m.Status != model.MessageStatusSent {
		t.Errorf("status after timeout window = %s, want sent", m.Status)
	}
}

func TestUnmatchedAckDropped(t *testing.T) {
	r, ch := newTestReconciler(t, Options{})
	r.SendText("hello")

	ch.deliver(t, protocol.EventMessageSentAck, protocol.MessageAck{
		ClientMessageID: "client_0_nobody",
		MessageID:       "srv9",
		Status:          model.MessageStatusSent,
	})

	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].Status != model.MessageStatusSending {
		t.Fatalf("unmatched ack mutated state: %+v", msgs)
	}
}

func TestAckTimeoutFailed(t *testing.T) {
	var mu sync.Mutex
	var failures int
	r, _ := newTestReconciler(t, Options{
		AckTimeout: 20 * time.Millisecond,
		Notify: func(u Update) {
			if u.Kind == UpdateMessageChanged && u.Message.Status == model.MessageStatusFailed {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		},
	})

	cid, _ := r.SendText("hello")
	time.Sleep(80 * time.Millisecond)

	m, _ := r.Message(cid)
	if m.Status != model.MessageStatusFailed {
		t.Fatalf("status = %s, want failed", m.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if failures != 1 {
		t.Errorf("failed transitions = %d, want exactly 1", failures)
	}
}

func TestLateAckRecoversFailedMessage(t *testing.T) {
	r, ch := newTestReconciler(t, Options{AckTimeout: 20 * time.Millisecond})

	cid, _ := r.SendText("hello")
	time.Sleep(60 * time.Millisecond)
	if m, _ := r.Message(cid); m.Status != model.MessageStatusFailed {
		t.Fatalf("precondition: status = %s, want failed", m.Status)
	}

	// Not retried yet, so the slow ACK still matches and recovers the message.
	ch.deliver(t, protocol.EventMessageSentAck, protocol.MessageAck{
		ClientMessageID: cid, MessageID: "srv1", Status: model.MessageStatusSent,
	})
	m, _ := r.Message(cid)
	if m.Status != model.MessageStatusSent || m.ID != "srv1" {
		t.Errorf("late ack: status/id = %s/%s, want sent/srv1", m.Status, m.ID)
	}
}

func TestRetryReArms(t *testing.T) {
	r, ch := newTestReconciler(t, Options{AckTimeout: 20 * time.Millisecond})

	cid, _ := r.SendText("hello")
	time.Sleep(60 * time.Millisecond)

	newCid, err := r.Retry(cid)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if newCid == cid {
		t.Fatal("retry reused the correlation id")
	}
	m, ok := r.Message(newCid)
	if !ok {
		t.Fatal("message not found by new correlation id")
	}
	if m.Status != model.MessageStatusSending {
		t.Errorf("status = %s, want sending", m.Status)
	}
	if m.ID != cid {
		t.Errorf("displayed id = %s, want %s (kept for continuity)", m.ID, cid)
	}
	if len(ch.sent(protocol.EventSendMessage)) != 2 {
		t.Errorf("expected a second send_message emission on retry")
	}

	// An ACK for the old correlation id is now stale and must be dropped.
	ch.deliver(t, protocol.EventMessageSentAck, protocol.MessageAck{
		ClientMessageID: cid, MessageID: "srv_old", Status: model.MessageStatusSent,
	})
	if m, _ := r.Message(newCid); m.Status != model.MessageStatusSending {
		t.Errorf("stale ack mutated retried message: %s", m.Status)
	}

	// The ACK for the new correlation id succeeds.
	ch.deliver(t, protocol.EventMessageSentAck, protocol.MessageAck{
		ClientMessageID: newCid, MessageID: "srv2", Status: model.MessageStatusSent,
	})
	m, _ = r.Message(newCid)
	if m.Status != model.MessageStatusSent || m.ID != "srv2" {
		t.Errorf("after retried ack: status/id = %s/%s, want sent/srv2", m.Status, m.ID)
	}
}

func TestRetryRequiresFailedState(t *testing.T) {
	r, _ := newTestReconciler(t, Options{})
	cid, _ := r.SendText("hello")
	if _, err := r.Retry(cid); err != ErrNotFailed {
		t.Fatalf("err = %v, want ErrNotFailed", err)
	}
	if _, err := r.Retry("missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPushDedupByID(t *testing.T) {
	r, ch := newTestReconciler(t, Options{})

	push := model.Message{
		ID: "srv1", SenderID: "bob", ReceiverID: "alice",
		Type: model.MessageTypeText, Content: "hey", Status: model.MessageStatusSent,
		Timestamp: model.Now(),
	}
	ch.deliver(t, protocol.EventReceiveMessage, push)
	ch.deliver(t, protocol.EventReceiveMessage, push)

	if n := len(r.Messages()); n != 1 {
		t.Fatalf("len(messages) = %d, want 1", n)
	}
}

func TestPushAdvancesStatusNeverRegresses(t *testing.T) {
	r, ch := newTestReconciler(t, Options{})

	push := model.Message{
		ID: "srv1", SenderID: "alice", ReceiverID: "bob",
		Type: model.MessageTypeText, Content: "hey", Status: model.MessageStatusSeen,
	}
	ch.deliver(t, protocol.EventReceiveMessage, push)

	// A later duplicate with a lower status must not regress.
	push.Status = model.MessageStatusDelivered
	ch.deliver(t, protocol.EventReceiveMessage, push)

	msgs := r.Messages()
	if msgs[0].Status != model.MessageStatusSeen {
		t.Errorf("status = %s, want seen", msgs[0].Status)
	}
}

func TestPushReconcilesOptimisticEcho(t *testing.T) {
	r, ch := newTestReconciler(t, Options{AckTimeout: time.Minute})

	cid, _ := r.SendText("hi")

	// Server push without the correlation token: content identity fallback.
	ch.deliver(t, protocol.EventReceiveMessage, model.Message{
		ID: "srv1", SenderID: "alice", ReceiverID: "bob",
		Type: model.MessageTypeText, Content: "hi", Status: model.MessageStatusSent,
		Timestamp: model.Now(),
	})

	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len(messages) = %d, want 1 (replace in place, not append)", len(msgs))
	}
	if msgs[0].ID != "srv1" {
		t.Errorf("id = %s, want srv1", msgs[0].ID)
	}
	if msgs[0].CorrelationID != cid {
		t.Errorf("correlation token lost on replacement")
	}
}

func TestPushReconcilesByCorrelationID(t *testing.T) {
	r, ch := newTestReconciler(t, Options{AckTimeout: time.Minute})

	cid, _ := r.SendText("draft one")

	// When the server threads client_message_id through the push, matching
	// ignores content entirely.
	ch.deliver(t, protocol.EventReceiveMessage, model.Message{
		ID: "srv1", CorrelationID: cid, SenderID: "alice", ReceiverID: "bob",
		Type: model.MessageTypeText, Content: "draft one", Status: model.MessageStatusSent,
	})

	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].ID != "srv1" {
		t.Fatalf("correlation push not reconciled: %+v", msgs)
	}
}

func TestPushAppendsForReceiver(t *testing.T) {
	r, ch := newTestReconciler(t, Options{})

	ch.deliver(t, protocol.EventReceiveMessage, model.Message{
		ID: "srv1", SenderID: "bob", ReceiverID: "alice",
		Type: model.MessageTypeText, Content: "hi", Status: model.MessageStatusSent,
	})

	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].SenderID != "bob" {
		t.Fatalf("receiver-side push not appended: %+v", msgs)
	}
}

func TestBlockedIsTerminal(t *testing.T) {
	var notices []string
	var mu sync.Mutex
	r, ch := newTestReconciler(t, Options{
		AckTimeout: 20 * time.Millisecond,
		Notify: func(u Update) {
			if u.Kind == UpdateSystemNotice {
				mu.Lock()
				notices = append(notices, u.Notice)
				mu.Unlock()
			}
		},
	})

	cid, _ := r.SendText("hello")
	ch.deliver(t, protocol.EventMessageSentAck, protocol.MessageAck{
		ClientMessageID: cid,
		Status:          model.MessageStatusBlocked,
		BlockedMessage:  "recipient has blocked you",
	})

	msgs := r.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2 (blocked + one system message)", len(msgs))
	}
	if msgs[0].Status != model.MessageStatusBlocked {
		t.Errorf("status = %s, want blocked", msgs[0].Status)
	}
	if msgs[1].Type != model.MessageTypeSystem || msgs[1].Content != "recipient has blocked you" {
		t.Errorf("system message = %+v", msgs[1])
	}

	// A later timeout must not alter the terminal status.
	time.Sleep(60 * time.Millisecond)
	if m, _ := r.Message(cid); m.Status != model.MessageStatusBlocked {
		t.Errorf("status after timeout window = %s, want blocked", m.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 1 {
		t.Errorf("notices = %d, want 1", len(notices))
	}
}

func TestReactionSetIdempotence(t *testing.T) {
	r, _ := newTestReconciler(t, Options{})

	if !r.ApplyReaction("srv1", "bob", "❤️") {
		t.Fatal("first insert rejected")
	}
	if r.ApplyReaction("srv1", "bob", "❤️") {
		t.Fatal("duplicate triple inserted")
	}
	if !r.ApplyReaction("srv1", "bob", "😂") {
		t.Fatal("distinct emoji rejected")
	}

	got := r.Reactions("srv1")
	if len(got) != 2 {
		t.Fatalf("len(reactions) = %d, want 2", len(got))
	}
}

func TestReactionBroadcastApplied(t *testing.T) {
	r, ch := newTestReconciler(t, Options{})

	ch.deliver(t, protocol.EventMessageReaction, protocol.MessageReaction{
		MessageID: "srv1", UserID: "bob", Emoji: "👍",
	})
	ch.deliver(t, protocol.EventMessageReaction, protocol.MessageReaction{
		MessageID: "srv1", UserID: "bob", Emoji: "👍",
	})

	if n := len(r.Reactions("srv1")); n != 1 {
		t.Fatalf("len(reactions) = %d, want 1", n)
	}
}

func TestTypingTracksPeerOnly(t *testing.T) {
	r, ch := newTestReconciler(t, Options{})

	ch.deliver(t, protocol.EventUserTyping, protocol.UserTyping{SenderID: "carol", IsTyping: true})
	if r.PeerTyping() {
		t.Fatal("typing from a non-peer tracked")
	}

	ch.deliver(t, protocol.EventUserTyping, protocol.UserTyping{SenderID: "bob", IsTyping: true})
	if !r.PeerTyping() {
		t.Fatal("peer typing not tracked")
	}
	ch.deliver(t, protocol.EventUserTyping, protocol.UserTyping{SenderID: "bob", IsTyping: false})
	if r.PeerTyping() {
		t.Fatal("peer typing not cleared")
	}
}

func TestFileSendUsesLongerWindow(t *testing.T) {
	r, _ := newTestReconciler(t, Options{
		AckTimeout:     20 * time.Millisecond,
		FileAckTimeout: 250 * time.Millisecond,
	})

	cid, err := r.SendFile(FileInfo{URL: "/uploads/a.pdf", Name: "a.pdf", Size: 1024, Type: "application/pdf"})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if m, _ := r.Message(cid); m.Status != model.MessageStatusSending {
		t.Fatalf("file flipped at the text window: %s", m.Status)
	}
	time.Sleep(250 * time.Millisecond)
	if m, _ := r.Message(cid); m.Status != model.MessageStatusFailed {
		t.Fatalf("status = %s, want failed after file window", m.Status)
	}
}

func TestCloseCancelsTimersAndSubscriptions(t *testing.T) {
	ch := newFakeChannel()
	r := New(ch, "alice", "bob", Options{AckTimeout: 20 * time.Millisecond})

	cid, _ := r.SendText("hello")
	r.Close()

	time.Sleep(60 * time.Millisecond)
	if m, _ := r.Message(cid); m.Status != model.MessageStatusSending {
		t.Errorf("timer fired after Close: %s", m.Status)
	}
	if ch.unsubbed != 4 {
		t.Errorf("unsubscribed %d handlers, want 4", ch.unsubbed)
	}
	if _, err := r.SendText("again"); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSeedSkipsKnownIDs(t *testing.T) {
	r, ch := newTestReconciler(t, Options{})

	r.Seed([]model.Message{
		{ID: "srv1", SenderID: "bob", ReceiverID: "alice", Type: model.MessageTypeText, Content: "old", Status: model.MessageStatusSeen},
		{ID: "srv2", SenderID: "alice", ReceiverID: "bob", Type: model.MessageTypeText, Content: "older", Status: model.MessageStatusSeen},
	})
	ch.deliver(t, protocol.EventReceiveMessage, model.Message{
		ID: "srv1", SenderID: "bob", ReceiverID: "alice",
		Type: model.MessageTypeText, Content: "old", Status: model.MessageStatusSeen,
	})

	if n := len(r.Messages()); n != 2 {
		t.Fatalf("len(messages) = %d, want 2", n)
	}
}

// TestSendAckPushRoundTrip walks the end-to-end scenario: A sends "hello",
// the ACK lands on A's side, the push lands on B's side as a plain append.
func TestSendAckPushRoundTrip(t *testing.T) {
	chA := newFakeChannel()
	a := New(chA, "alice", "bob", Options{AckTimeout: time.Minute})
	defer a.Close()
	chB := newFakeChannel()
	b := New(chB, "bob", "alice", Options{AckTimeout: time.Minute})
	defer b.Close()

	cid, _ := a.SendText("hello")

	canonical := model.Message{
		ID: "42", CorrelationID: cid, SenderID: "alice", ReceiverID: "bob",
		Type: model.MessageTypeText, Content: "hello",
		Status: model.MessageStatusSent, Timestamp: model.Now(),
	}
	chA.deliver(t, protocol.EventMessageSentAck, protocol.MessageAck{
		ClientMessageID: cid, MessageID: "42", Status: model.MessageStatusSent,
	})
	chA.deliver(t, protocol.EventReceiveMessage, canonical)
	chB.deliver(t, protocol.EventReceiveMessage, canonical)

	aMsgs := a.Messages()
	if len(aMsgs) != 1 || aMsgs[0].ID != "42" || aMsgs[0].Status != model.MessageStatusSent {
		t.Fatalf("sender side: %+v", aMsgs)
	}
	bMsgs := b.Messages()
	if len(bMsgs) != 1 || bMsgs[0].ID != "42" || bMsgs[0].SenderID != "alice" {
		t.Fatalf("receiver side: %+v", bMsgs)
	}
}

// Push arriving before the ACK: the optimistic copy is reconciled by the
// push, and the late ACK is then a harmless no-op.
func TestPushBeforeAck(t *testing.T) {
	r, ch := newTestReconciler(t, Options{AckTimeout: 50 * time.Millisecond})

	cid, _ := r.SendText("hello")
	ch.deliver(t, protocol.EventReceiveMessage, model.Message{
		ID: "42", CorrelationID: cid, SenderID: "alice", ReceiverID: "bob",
		Type: model.MessageTypeText, Content: "hello", Status: model.MessageStatusSent,
	})
	ch.deliver(t, protocol.EventMessageSentAck, protocol.MessageAck{
		ClientMessageID: cid, MessageID: "42", Status: model.MessageStatusSent,
	})

	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].ID != "42" || msgs[0].Status != model.MessageStatusSent {
		t.Fatalf("push-before-ack: %+v", msgs)
	}

	// The pending timer was released by the push; no failed flip later.
	time.Sleep(120 * time.Millisecond)
	if m, _ := r.Message(cid); m.Status != model.MessageStatusSent {
		t.Errorf("status = %s, want sent", m.Status)
	}
}

func TestReplyToCarriedOnWire(t *testing.T) {
	r, ch := newTestReconciler(t, Options{})
	r.SendText("replying", WithReplyTo("srv9"))

	sent := ch.sent(protocol.EventSendMessage)
	if len(sent) != 1 {
		t.Fatalf("emitted %d events, want 1", len(sent))
	}
	if p := sent[0].Payload.(protocol.SendMessage); p.ReplyToID != "srv9" {
		t.Errorf("reply_to_id = %s, want srv9", p.ReplyToID)
	}
}

func TestForwardFromCarriedOnWire(t *testing.T) {
	r, ch := newTestReconciler(t, Options{})
	cid, err := r.SendText("forwarded text", WithForwardFrom("srv4"))
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	sent := ch.sent(protocol.EventSendMessage)
	if len(sent) != 1 {
		t.Fatalf("emitted %d events, want 1", len(sent))
	}
	if p := sent[0].Payload.(protocol.SendMessage); p.ForwardFromID != "srv4" {
		t.Errorf("forward_from_id = %s, want srv4", p.ForwardFromID)
	}

	m, ok := r.Message(cid)
	if !ok {
		t.Fatalf("message %s not found", cid)
	}
	if m.ForwardFromID != "srv4" {
		t.Errorf("local forward_from_id = %s, want srv4", m.ForwardFromID)
	}
}
