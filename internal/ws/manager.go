package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"messenger-backend/internal/notify"
	"messenger-backend/internal/roles"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 16
)

const sendBuffer = 128

// maxWatches bounds the keys one connection may watch.
const maxWatches = 1024

// Envelope is every frame the server sends.
type Envelope struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId,omitempty"`
	UserID int64  `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	TypeWatch       = "watch"
	TypeUnwatch     = "unwatch"
	TypeWatchChats  = "watch.chats"
	TypeWatchOK     = "watch.ok"
	TypeUnwatchOK   = "unwatch.ok"
	TypeChatChanged = "chat.changed"
	// TypeChatsChanged tells a user they joined or lost a chat.
	TypeChatsChanged = "chats.changed"
	TypeError        = "error"
)

type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (userID int64, err error)
}

// ChatAuthorizer decides whether a user may watch a chat.
type ChatAuthorizer interface {
	Require(ctx context.Context, userID, chatID int64, required roles.Permission) error
}

type client struct {
	conn   *websocket.Conn
	userID int64
	send   chan []byte

	mu      sync.Mutex
	closed  bool
	watches map[notify.Key]*notify.Waiter
}

// trySend queues b without blocking. full reports a buffer that has no room
// left; frames for a closed client are discarded.
func (c *client) trySend(b []byte) (full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return false
	default:
		return true
	}
}

// close shuts the connection and returns the waiters it still held.
func (c *client) close() []*notify.Waiter {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	waiters := make([]*notify.Waiter, 0, len(c.watches))
	for key, w := range c.watches {
		waiters = append(waiters, w)
		delete(c.watches, key)
	}
	c.mu.Unlock()

	_ = c.conn.Close()
	return waiters
}

type Manager struct {
	logger         *slog.Logger
	tokenValidator TokenValidator
	authorizer     ChatAuthorizer
	registry       *notify.Registry

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewManager(logger *slog.Logger, tokenValidator TokenValidator, authorizer ChatAuthorizer, registry *notify.Registry) *Manager {
	return &Manager{
		logger:         logger.With("component", "ws"),
		tokenValidator: tokenValidator,
		authorizer:     authorizer,
		registry:       registry,
		clients:        make(map[*client]struct{}),
	}
}

func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(m.handle)
}

func (m *Manager) CloseAll() {
	clients := m.snapshotClients()
	for _, c := range clients {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown"),
			time.Now().Add(writeWait),
		)
		m.drop(c)
	}
}

// Clients returns the number of connected clients.
func (m *Manager) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (m *Manager) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := extractToken(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	userID, err := m.tokenValidator.ValidateToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, sendBuffer),
		watches: make(map[notify.Key]*notify.Waiter),
	}
	m.track(c)
	defer m.drop(c)

	m.logger.Info("ws connected", "remoteAddr", r.RemoteAddr, "userId", userID)

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go m.writePump(c, r.RemoteAddr)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			m.logger.Info("ws disconnected", "remoteAddr", r.RemoteAddr, "userId", userID, "error", err)
			return
		}
		m.handleClientMessage(r.Context(), c, msg)
	}
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}

func (m *Manager) writePump(c *client, remoteAddr string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				m.logger.Info("ws write failed", "remoteAddr", remoteAddr, "error", err)
				m.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.drop(c)
				return
			}
		}
	}
}

func (m *Manager) snapshotClients() []*client {
	m.mu.Lock()
	defer m.mu.Unlock()

	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	return clients
}

func (m *Manager) track(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c] = struct{}{}
}

// drop untracks and closes c and releases every registry waiter it held.
func (m *Manager) drop(c *client) {
	m.mu.Lock()
	delete(m.clients, c)
	m.mu.Unlock()

	for _, w := range c.close() {
		m.registry.Unsubscribe(w)
	}
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

type clientMessage struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

func (m *Manager) handleClientMessage(ctx context.Context, c *client, msg []byte) {
	var cm clientMessage
	if err := json.Unmarshal(msg, &cm); err != nil {
		m.reply(c, Envelope{Type: TypeError, Error: "invalid message"})
		return
	}

	switch cm.Type {
	case TypeWatch:
		if err := m.authorizer.Require(ctx, c.userID, cm.ChatID, roles.Read); err != nil {
			m.reply(c, Envelope{Type: TypeError, ChatID: cm.ChatID, Error: err.Error()})
			return
		}
		if !m.watch(c, notify.ChatKey(cm.ChatID)) {
			m.reply(c, Envelope{Type: TypeError, ChatID: cm.ChatID, Error: "too many watches"})
			return
		}
		m.reply(c, Envelope{Type: TypeWatchOK, ChatID: cm.ChatID})
	case TypeWatchChats:
		if !m.watch(c, notify.UserKey(c.userID)) {
			m.reply(c, Envelope{Type: TypeError, Error: "too many watches"})
			return
		}
		m.reply(c, Envelope{Type: TypeWatchOK, UserID: c.userID})
	case TypeUnwatch:
		m.unwatch(c, notify.ChatKey(cm.ChatID))
		m.reply(c, Envelope{Type: TypeUnwatchOK, ChatID: cm.ChatID})
	default:
		m.reply(c, Envelope{Type: TypeError, Error: "unknown message type"})
	}
}

// watch arms a waiter for key unless c already watches it. A fired waiter
// re-arms itself before the change is pushed, so changes landing while the
// client handles the push are not lost.
func (m *Manager) watch(c *client, key notify.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.watches[key]; ok {
		return true
	}
	if len(c.watches) >= maxWatches {
		return false
	}
	m.arm(c, key)
	return true
}

// arm must be called with c.mu held.
func (m *Manager) arm(c *client, key notify.Key) {
	var w *notify.Waiter
	w = m.registry.SubscribeFunc(key, func() { m.fired(c, key, &w) })
	c.watches[key] = w
}

// fired runs on the notifying goroutine. wp is only read under c.mu, which
// arm holds while assigning it.
func (m *Manager) fired(c *client, key notify.Key, wp **notify.Waiter) {
	c.mu.Lock()
	if c.closed || c.watches[key] != *wp {
		c.mu.Unlock()
		return
	}
	m.arm(c, key)
	c.mu.Unlock()

	env := Envelope{Type: TypeChatChanged, ChatID: key.ID}
	if key.Kind == notify.KindUser {
		env = Envelope{Type: TypeChatsChanged, UserID: key.ID}
	}
	m.reply(c, env)
}

func (m *Manager) unwatch(c *client, key notify.Key) {
	c.mu.Lock()
	w, ok := c.watches[key]
	delete(c.watches, key)
	c.mu.Unlock()
	if ok {
		m.registry.Unsubscribe(w)
	}
}

func (m *Manager) reply(c *client, env Envelope) {
	b, err := encodeJSON(env)
	if err != nil {
		m.logger.Error("ws marshal failed", "error", err, "type", env.Type)
		return
	}
	if c.trySend(b) {
		m.logger.Warn("ws slow client dropped", "userId", c.userID)
		m.drop(c)
	}
}
