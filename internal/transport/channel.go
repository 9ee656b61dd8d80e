// Package transport implements the client side of the chat WebSocket channel:
// a single connection with read/write pumps, automatic reconnection and typed
// event subscriptions. Delivery is at-most-once per connection attempt; FIFO
// holds within one connection but not across reconnects, so consumers must
// tolerate reordering between event types.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatline/internal/logger"
	"github.com/chatline/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
	sendBufSize    = 256
)

var (
	ErrClosed     = errors.New("transport: channel closed")
	ErrBufferFull = errors.New("transport: send buffer full")
)

// bufPool pools bytes.Buffer for JSON encoding in the write path.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Config controls dialing and reconnection. The reconnect settings mirror a
// typical browser socket client: growing delay with a cap and a bounded number
// of attempts before giving up.
type Config struct {
	URL    string // ws:// or wss:// endpoint
	Token  string // bearer credential, sent as a header on dial
	UserID string // announced via a join event after every successful dial

	DialTimeout       time.Duration
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	ReconnectAttempts int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = time.Second
	}
	if out.ReconnectDelayMax <= 0 {
		out.ReconnectDelayMax = 5 * time.Second
	}
	if out.ReconnectAttempts <= 0 {
		out.ReconnectAttempts = 5
	}
	return out
}

// Handler receives the raw payload of a subscribed event. Handlers run on the
// read pump goroutine and must not block.
type Handler = func(payload json.RawMessage)

type subscription struct {
	id      int
	handler Handler
}

// Channel is a connected chat transport. Subscriptions survive reconnects;
// Emit is fire-and-forget with bounded buffering.
type Channel struct {
	cfg Config

	mu       sync.Mutex
	handlers map[protocol.EventType][]subscription
	nextSub  int

	send chan protocol.Envelope
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// rawEnvelope defers payload decoding to the subscribed handler.
type rawEnvelope struct {
	Type    protocol.EventType `json:"type"`
	Payload json.RawMessage    `json:"payload"`
}

// Dial connects to the server and starts the connection supervisor. The first
// dial is synchronous so callers learn immediately about a bad address or
// rejected credential; later drops are handled by reconnection.
func Dial(cfg Config) (*Channel, error) {
	c := &Channel{
		cfg:      cfg.withDefaults(),
		handlers: make(map[protocol.EventType][]subscription),
		send:     make(chan protocol.Envelope, sendBufSize),
		done:     make(chan struct{}),
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

func (c *Channel) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := dialer.Dial(c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Subscribe registers a handler for an event type and returns its unsubscribe
// func. Unsubscribing is idempotent.
func (c *Channel) Subscribe(et protocol.EventType, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.handlers[et] = append(c.handlers[et], subscription{id: id, handler: h})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.handlers[et]
		for i := range subs {
			if subs[i].id == id {
				c.handlers[et] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit queues an event for sending. It never blocks: when the buffer is full
// the event is dropped and ErrBufferFull returned, leaving failure detection
// to the caller's ACK timeout.
func (c *Channel) Emit(et protocol.EventType, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- protocol.Envelope{Type: et, Payload: payload}:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// Close tears the channel down. Safe to call multiple times.
func (c *Channel) Close() {
	c.once.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// Done is closed when the channel has stopped for good (Close called or
// reconnection given up).
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// run supervises the connection: serve until it breaks, then redial with
// growing delay until the attempt budget is spent.
func (c *Channel) run(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.serve(conn)
		select {
		case <-c.done:
			return
		default:
		}

		delay := c.cfg.ReconnectDelay
		var err error
		conn = nil
		for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
			select {
			case <-c.done:
				return
			case <-time.After(delay):
			}
			conn, err = c.dial()
			if err == nil {
				logger.Infof("transport: reconnected (attempt %d)", attempt)
				break
			}
			logger.Errorf("transport: reconnect attempt %d: %v", attempt, err)
			delay *= 2
			if delay > c.cfg.ReconnectDelayMax {
				delay = c.cfg.ReconnectDelayMax
			}
		}
		if conn == nil {
			logger.Errorf("transport: giving up after %d reconnect attempts", c.cfg.ReconnectAttempts)
			c.once.Do(func() { close(c.done) })
			return
		}
	}
}

// serve runs one connection until it breaks: a writer goroutine drains the
// send queue and pings, the calling goroutine reads and dispatches.
func (c *Channel) serve(conn *websocket.Conn) {
	writerDone := make(chan struct{})
	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		c.writePump(conn, writerDone)
	}()

	if c.cfg.UserID != "" {
		// Announce the user so the server can target this session.
		if err := c.Emit(protocol.EventJoin, protocol.Join{UserID: c.cfg.UserID}); err != nil {
			logger.Errorf("transport: join emit: %v", err)
		}
	}

	c.readPump(conn)

	close(writerDone)
	conn.Close()
	writerWg.Wait()
}

func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("transport: set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("transport: read: %v", err)
			}
			return
		}

		var env rawEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("transport: unmarshal: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env rawEnvelope) {
	c.mu.Lock()
	subs := c.handlers[env.Type]
	targets := make([]Handler, len(subs))
	for i, s := range subs {
		targets[i] = s.handler
	}
	c.mu.Unlock()

	logger.Debugf("transport: event %s (%d handler(s))", env.Type, len(targets))
	for _, h := range targets {
		h(env.Payload)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, writerDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-c.done:
			if err := conn.WriteMessage(websocket.CloseMessage, nil); err != nil &&
				!errors.Is(err, websocket.ErrCloseSent) {
				logger.Errorf("transport: close message: %v", err)
			}
			return
		case <-writerDone:
			return
		case env := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("transport: set write deadline: %v", err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(env); err != nil {
				bufPool.Put(buf)
				logger.Errorf("transport: marshal %s: %v", env.Type, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
