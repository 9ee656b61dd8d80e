package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatline/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// testServer upgrades one connection and exposes it to the test body.
type testServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	auth  chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns: make(chan *websocket.Conn, 4),
		auth:  make(chan string, 4),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.auth <- r.Header.Get("Authorization")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (protocol.EventType, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env struct {
		Type    protocol.EventType `json:"type"`
		Payload json.RawMessage    `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	return env.Type, env.Payload
}

func TestDialSendsCredentialAndJoin(t *testing.T) {
	ts := newTestServer(t)

	ch, err := Dial(Config{URL: ts.wsURL(), Token: "secret-token", UserID: "alice"})
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, "Bearer secret-token", <-ts.auth)

	conn := ts.accept(t)
	et, payload := readEnvelope(t, conn)
	require.Equal(t, protocol.EventJoin, et)
	var join protocol.Join
	require.NoError(t, json.Unmarshal(payload, &join))
	assert.Equal(t, "alice", join.UserID)
}

func TestDialFailsOnRejectedUpgrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Dial(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.Error(t, err)
}

func TestSubscribeDispatchesPayload(t *testing.T) {
	ts := newTestServer(t)

	ch, err := Dial(Config{URL: ts.wsURL(), UserID: "alice"})
	require.NoError(t, err)
	defer ch.Close()

	got := make(chan json.RawMessage, 1)
	ch.Subscribe(protocol.EventReceiveMessage, func(payload json.RawMessage) {
		got <- payload
	})

	conn := ts.accept(t)
	readEnvelope(t, conn) // join

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    protocol.EventReceiveMessage,
		"payload": map[string]string{"id": "m1", "content": "hello"},
	}))

	select {
	case payload := <-got:
		var msg struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "hello", msg.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ts := newTestServer(t)

	ch, err := Dial(Config{URL: ts.wsURL()})
	require.NoError(t, err)
	defer ch.Close()

	got := make(chan json.RawMessage, 2)
	unsub := ch.Subscribe(protocol.EventUserTyping, func(payload json.RawMessage) {
		got <- payload
	})
	unsub()
	unsub() // idempotent

	conn := ts.accept(t)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    protocol.EventUserTyping,
		"payload": map[string]bool{"is_typing": true},
	}))

	select {
	case <-got:
		t.Fatal("unsubscribed handler still invoked")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEmitReachesServer(t *testing.T) {
	ts := newTestServer(t)

	ch, err := Dial(Config{URL: ts.wsURL(), UserID: "alice"})
	require.NoError(t, err)
	defer ch.Close()

	conn := ts.accept(t)
	readEnvelope(t, conn) // join

	require.NoError(t, ch.Emit(protocol.EventTyping, protocol.Typing{IsTyping: true}))

	et, payload := readEnvelope(t, conn)
	require.Equal(t, protocol.EventTyping, et)
	var typing protocol.Typing
	require.NoError(t, json.Unmarshal(payload, &typing))
	assert.True(t, typing.IsTyping)
}

func TestEmitAfterCloseReturnsErrClosed(t *testing.T) {
	ts := newTestServer(t)

	ch, err := Dial(Config{URL: ts.wsURL()})
	require.NoError(t, err)
	ts.accept(t)
	ch.Close()

	err = ch.Emit(protocol.EventTyping, protocol.Typing{IsTyping: true})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReconnectAfterServerDrop(t *testing.T) {
	ts := newTestServer(t)

	ch, err := Dial(Config{
		URL:               ts.wsURL(),
		UserID:            "alice",
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectDelayMax: 50 * time.Millisecond,
		ReconnectAttempts: 5,
	})
	require.NoError(t, err)
	defer ch.Close()

	first := ts.accept(t)
	readEnvelope(t, first) // join
	first.Close()

	// A second accepted connection announcing the same user means the
	// supervisor redialed.
	second := ts.accept(t)
	et, payload := readEnvelope(t, second)
	require.Equal(t, protocol.EventJoin, et)
	var join protocol.Join
	require.NoError(t, json.Unmarshal(payload, &join))
	assert.Equal(t, "alice", join.UserID)
}
