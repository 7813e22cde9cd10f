package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is the subset of *websocket.Conn a client needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// ConnState is the lifecycle state of one connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Close reasons, used for logs and metrics.
const (
	reasonClientGone       = "client_gone"
	reasonWriteFailed      = "write_failed"
	reasonSlowConsumer     = "slow_consumer"
	reasonHeartbeatTimeout = "heartbeat_timeout"
	reasonShutdown         = "shutdown"
)

// client is a single real-time connection. Reading and writing run on
// separate goroutines; mu guards the state and serializes registry changes
// against closing, so a connection that left the active state never gains a
// subscription.
type client struct {
	id     string
	userID string
	conn   Conn
	m      *Manager
	logger zerolog.Logger

	send chan []byte
	ping chan struct{}
	done chan struct{}

	mu        sync.Mutex
	state     ConnState
	lastPong  time.Time
	closeCode int
	closeText string
	drain     bool
}

func (c *client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *client) lastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *client) touch() {
	now := c.m.clock.Now()
	c.mu.Lock()
	c.lastPong = now
	c.mu.Unlock()
}

// enqueue hands data to the write pump without blocking. It reports false
// when the connection is not active or its buffer is full.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) requestPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

func (c *client) subscribe(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return false
	}
	c.m.registry.Subscribe(c.id, topic)
	return true
}

func (c *client) unsubscribe(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return false
	}
	c.m.registry.Unsubscribe(c.id, topic)
	return true
}

// close moves the client to closing and detaches it from the manager. The
// write pump then sends a close frame, flushing queued frames first when
// drain is set. Only the first call has any effect.
func (c *client) close(code int, text, reason string, drain bool) bool {
	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosing
	c.closeCode = code
	c.closeText = text
	c.drain = drain
	close(c.done)
	c.mu.Unlock()

	c.m.detach(c, reason)
	return true
}

// reply queues a server frame, dropping the connection when it cannot.
func (c *client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal frame")
		return
	}
	if !c.enqueue(data) && c.State() == StateActive {
		c.close(websocket.CloseTryAgainLater, "send buffer full", reasonSlowConsumer, false)
	}
}

// readPump reads control frames until the connection fails or closes.
func (c *client) readPump() {
	defer c.m.wg.Done()
	defer c.close(websocket.CloseNormalClosure, "", reasonClientGone, false)

	c.conn.SetReadLimit(c.m.cfg.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		c.handleControl(data)
	}
}

func (c *client) handleControl(data []byte) {
	cm, err := parseControl(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("ignoring malformed control frame")
		c.reply(errorFrame{Type: frameError, Error: err.Error()})
		return
	}

	switch cm.Action {
	case actionSubscribe:
		if c.subscribe(cm.topic()) {
			c.logger.Debug().Str("topic", cm.topic()).Msg("subscribed")
			c.reply(subscriptionUpdateFrame{Type: frameSubscriptionUpdate, Action: cm.Action, EventID: cm.topic(), Status: "subscribed"})
		}
	case actionUnsubscribe:
		if c.unsubscribe(cm.topic()) {
			c.logger.Debug().Str("topic", cm.topic()).Msg("unsubscribed")
			c.reply(subscriptionUpdateFrame{Type: frameSubscriptionUpdate, Action: cm.Action, EventID: cm.topic(), Status: "unsubscribed"})
		}
	case actionPing:
		c.touch()
		c.reply(pongFrame{Type: framePong, Timestamp: c.m.clock.Now().UTC()})
	}
}

// writePump owns every write to the connection.
func (c *client) writePump() {
	defer c.m.wg.Done()
	defer func() {
		c.conn.Close()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.close(websocket.CloseAbnormalClosure, "", reasonWriteFailed, false)
				return
			}
		case <-c.ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.m.cfg.WriteWait)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "", reasonWriteFailed, false)
				return
			}
		case <-c.done:
			c.mu.Lock()
			code, text, drain := c.closeCode, c.closeText, c.drain
			c.mu.Unlock()
			if drain {
				c.flush()
			}
			if code != websocket.CloseAbnormalClosure {
				c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.m.cfg.WriteWait))
			}
			return
		}
	}
}

// flush writes whatever is still queued, stopping at the first error.
func (c *client) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(msg []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.m.cfg.WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}
