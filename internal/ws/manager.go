package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/aslanahmtv/notification-service/internal/auth"
	"github.com/aslanahmtv/notification-service/internal/config"
	"github.com/aslanahmtv/notification-service/internal/metrics"
	"github.com/aslanahmtv/notification-service/internal/notifications"
)

// ErrShuttingDown is returned by Admit once Shutdown has started.
var ErrShuttingDown = errors.New("ws: manager is shutting down")

// Config bounds per-connection resources and the heartbeat.
type Config struct {
	// PingInterval is the heartbeat window. A connection that misses two
	// consecutive windows is closed.
	PingInterval   time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

// ConfigFrom maps service configuration to a Config.
func ConfigFrom(cfg config.RealtimeConfig) Config {
	return Config{
		PingInterval:   cfg.PingInterval(),
		WriteWait:      cfg.WriteWait,
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
}

type userShard struct {
	mu      sync.RWMutex
	clients map[string]map[string]*client // user id -> conn id -> client
}

// Manager owns the active real-time connections: it authenticates and
// admits them, fans notifications out to them and reaps dead ones.
type Manager struct {
	verifier auth.Verifier
	registry *Registry
	cfg      Config
	clock    clock.Clock
	metrics  *metrics.Collector
	logger   zerolog.Logger

	users [registryShards]userShard
	conns sync.Map // conn id -> *client

	// lifecycle serializes Admit against Shutdown only.
	lifecycle sync.RWMutex
	closing   bool

	active atomic.Int64
	wg     sync.WaitGroup
}

var (
	_ notifications.SubscriberLookup = (*Manager)(nil)
	_ notifications.OnlineUsers      = (*Manager)(nil)
	_ notifications.Dispatcher       = (*Manager)(nil)
)

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the wall clock driving the heartbeat.
func WithClock(clk clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clk }
}

// WithMetrics records connection metrics on c.
func WithMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

func NewManager(verifier auth.Verifier, registry *Registry, cfg Config, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		verifier: verifier,
		registry: registry,
		cfg:      cfg,
		clock:    clock.WallClock,
		logger:   logger.With().Str("component", "ws").Logger(),
	}
	for i := range m.users {
		m.users[i].clients = make(map[string]map[string]*client)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Authenticate verifies a bearer token.
func (m *Manager) Authenticate(ctx context.Context, token string) (*auth.Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", auth.ErrUnauthorized)
	}
	return m.verifier.Verify(ctx, token)
}

// Accept authenticates token and admits conn. On failure the connection is
// closed with a policy-violation frame carrying the reason.
func (m *Manager) Accept(ctx context.Context, conn Conn, token string) (string, error) {
	claims, err := m.Authenticate(ctx, token)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(m.cfg.WriteWait))
		conn.Close()
		return "", err
	}
	return m.Admit(conn, claims.UserID)
}

// Admit registers an already authenticated connection, starts its pumps and
// greets it with a connection_status frame. It returns the connection id.
func (m *Manager) Admit(conn Conn, userID string) (string, error) {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()

	if m.closing {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(m.cfg.WriteWait))
		conn.Close()
		return "", ErrShuttingDown
	}

	c := &client{
		id:       uuid.New().String(),
		userID:   userID,
		conn:     conn,
		m:        m,
		send:     make(chan []byte, m.cfg.SendBuffer),
		ping:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		state:    StateConnecting,
		lastPong: m.clock.Now(),
	}
	c.logger = m.logger.With().Str("conn_id", c.id).Str("user_id", userID).Logger()

	m.conns.Store(c.id, c)
	us := &m.users[shardOf(userID)]
	us.mu.Lock()
	set, ok := us.clients[userID]
	if !ok {
		set = make(map[string]*client)
		us.clients[userID] = set
	}
	set[c.id] = c
	us.mu.Unlock()

	c.mu.Lock()
	c.state = StateActive
	c.mu.Unlock()
	m.active.Add(1)
	m.metrics.ConnectionOpened()

	m.wg.Add(2)
	go c.writePump()
	go c.readPump()

	c.reply(connectionStatusFrame{
		Type:         frameConnectionStatus,
		Status:       "connected",
		UserID:       userID,
		ConnectionID: c.id,
		Timestamp:    m.clock.Now().UTC(),
	})
	c.logger.Info().Msg("connection admitted")
	return c.id, nil
}

// detach removes a closing client from every index. Called once per client.
func (m *Manager) detach(c *client, reason string) {
	m.registry.DropConnection(c.id)
	m.conns.Delete(c.id)

	us := &m.users[shardOf(c.userID)]
	us.mu.Lock()
	if set, ok := us.clients[c.userID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(us.clients, c.userID)
		}
	}
	us.mu.Unlock()

	m.active.Add(-1)
	m.metrics.ConnectionClosed(reason)
	c.logger.Info().Str("reason", reason).Msg("connection closed")
}

func (m *Manager) clientsOf(userID string) []*client {
	us := &m.users[shardOf(userID)]
	us.mu.RLock()
	defer us.mu.RUnlock()

	set := us.clients[userID]
	out := make([]*client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (m *Manager) allClients() []*client {
	var out []*client
	m.conns.Range(func(_, v any) bool {
		out = append(out, v.(*client))
		return true
	})
	return out
}

// Dispatch pushes n to every active connection of each recipient and returns
// the users reached on at least one connection. A connection whose buffer is
// full is closed and does not count.
func (m *Manager) Dispatch(n *notifications.Notification, recipients []string) []string {
	delivered := make([]string, 0, len(recipients))
	for _, userID := range recipients {
		clients := m.clientsOf(userID)
		if len(clients) == 0 {
			continue
		}
		frame, err := json.Marshal(n.ForUser(userID))
		if err != nil {
			m.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to marshal notification")
			continue
		}

		reached := false
		for _, c := range clients {
			if c.enqueue(frame) {
				reached = true
				continue
			}
			if c.State() == StateActive {
				c.logger.Warn().Str("notification_id", n.ID).Msg("send buffer full, dropping connection")
				c.close(websocket.CloseTryAgainLater, "send buffer full", reasonSlowConsumer, false)
			}
		}
		if reached {
			delivered = append(delivered, userID)
		}
	}
	m.metrics.Delivered(len(delivered))
	return delivered
}

// SubscribedUsers returns the users with at least one active connection
// subscribed to topic.
func (m *Manager) SubscribedUsers(topic string) []string {
	seen := make(map[string]struct{})
	var users []string
	for _, connID := range m.registry.SubscribersOf(topic) {
		v, ok := m.conns.Load(connID)
		if !ok {
			continue
		}
		c := v.(*client)
		if c.State() != StateActive {
			continue
		}
		if _, dup := seen[c.userID]; !dup {
			seen[c.userID] = struct{}{}
			users = append(users, c.userID)
		}
	}
	return users
}

// OnlineUsers returns every user with at least one active connection.
func (m *Manager) OnlineUsers() []string {
	var users []string
	for i := range m.users {
		us := &m.users[i]
		us.mu.RLock()
		for userID := range us.clients {
			users = append(users, userID)
		}
		us.mu.RUnlock()
	}
	return users
}

// ActiveConnections returns the number of admitted, not yet closed
// connections.
func (m *Manager) ActiveConnections() int {
	return int(m.active.Load())
}

// Run drives the heartbeat until ctx is done: every PingInterval each
// connection is pinged, and one silent for two full windows is closed.
func (m *Manager) Run(ctx context.Context) error {
	for {
		timer := m.clock.NewTimer(m.cfg.PingInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
			m.heartbeat()
		}
	}
}

func (m *Manager) heartbeat() {
	now := m.clock.Now()
	deadline := 2 * m.cfg.PingInterval
	for _, c := range m.allClients() {
		if c.State() != StateActive {
			continue
		}
		if silent := now.Sub(c.lastPongAt()); silent >= deadline {
			c.logger.Warn().Dur("silent_for", silent).Msg("heartbeat missed, closing connection")
			c.close(websocket.CloseGoingAway, "heartbeat timeout", reasonHeartbeatTimeout, false)
			continue
		}
		c.requestPing()
	}
}

// Shutdown refuses new connections, sends every active one a close frame
// after flushing its queue, and waits for the pumps to exit. When ctx ends
// first the remaining sockets are closed outright.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	m.closing = true
	m.lifecycle.Unlock()

	clients := m.allClients()
	m.logger.Info().Int("connections", len(clients)).Msg("closing real-time connections")
	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down", reasonShutdown, true)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range clients {
			c.conn.Close()
		}
		return ctx.Err()
	}
}
