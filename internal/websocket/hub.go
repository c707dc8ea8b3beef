// Package websocket streams per-session entitlement state to browsers.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

// Message is the envelope for every frame sent to or received from a
// client.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Message types.
const (
	TypeInitialState = "initialState"
	TypeEntitlements = "entitlements"
	TypeRequestState = "requestState"
	TypeRefresh      = "refresh"
	TypePing         = "ping"
	TypePong         = "pong"
)

// StateFunc returns the current payload for a session.
type StateFunc func(sessionID string) interface{}

// RefreshFunc handles a client-initiated refresh for a session.
type RefreshFunc func(ctx context.Context, sessionID string)

// Client is one connected browser tab.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	id        string
	sessionID string
}

// Hub tracks connected clients per session and fans out messages.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once
	mu         sync.RWMutex

	// pending holds the latest unsent message per session; wake signals
	// Run that it is non-empty.
	pendingMu sync.Mutex
	pending   map[string][]byte
	wake      chan struct{}

	upgrader  websocket.Upgrader
	getState  StateFunc
	onRefresh RefreshFunc
	onCount   func(int)
}

// NewHub creates a hub. getState supplies the initial state sent to every
// new client.
func NewHub(getState StateFunc) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		pending:    make(map[string][]byte),
		wake:       make(chan struct{}, 1),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		getState:   getState,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     sameOrigin,
	}
	return h
}

// OnRefresh installs the handler for client refresh requests.
func (h *Hub) OnRefresh(fn RefreshFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRefresh = fn
}

// OnClientCount installs a callback receiving the client count after every
// change.
func (h *Hub) OnClientCount(fn func(int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCount = fn
}

// Run starts the hub's main loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.reportCount()
			log.Debug().Str("client", client.id).Str("session", client.sessionID).Msg("WebSocket client connected")
			h.sendInitialState(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.mu.Unlock()
				h.reportCount()
				log.Debug().Str("client", client.id).Msg("WebSocket client disconnected")
			} else {
				h.mu.Unlock()
			}

		case <-h.wake:
			h.flush()

		case <-ctx.Done():
			h.doneOnce.Do(func() { close(h.done) })
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.reportCount()
			return
		}
	}
}

// HandleWebSocket upgrades r and attaches the connection to sessionID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		id:        uuid.NewString(),
		sessionID: sessionID,
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Publish sends a message to every client attached to sessionID. It never
// blocks. A message not yet delivered is replaced by a newer one for the same
// session, so clients always end on the latest state.
func (h *Hub) Publish(sessionID, msgType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("Failed to marshal WebSocket message")
		return
	}

	h.pendingMu.Lock()
	h.pending[sessionID] = payload
	h.pendingMu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionClientCount returns the number of clients attached to sessionID.
func (h *Hub) SessionClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.sessionID == sessionID {
			n++
		}
	}
	return n
}

func (h *Hub) flush() {
	h.pendingMu.Lock()
	batch := h.pending
	h.pending = make(map[string][]byte, len(batch))
	h.pendingMu.Unlock()

	for sessionID, data := range batch {
		h.deliver(sessionID, data)
	}
}

func (h *Hub) deliver(sessionID string, data []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0)
	for client := range h.clients {
		if client.sessionID == sessionID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			// Slow consumer; drop it rather than block every session.
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.reportCount()
		}
	}
}

func (h *Hub) sendInitialState(client *Client) {
	if h.getState == nil {
		return
	}
	data, err := json.Marshal(Message{Type: TypeInitialState, Data: h.getState(client.sessionID)})
	if err != nil {
		log.Error().Err(err).Str("client", client.id).Msg("Failed to marshal initial state")
		return
	}
	select {
	case client.send <- data:
	default:
		log.Warn().Str("client", client.id).Msg("Client send buffer full, skipping initial state")
	}
}

func (h *Hub) reportCount() {
	h.mu.RLock()
	fn := h.onCount
	n := len(h.clients)
	h.mu.RUnlock()
	if fn != nil {
		fn(n)
	}
}

func (h *Hub) refreshHandler() RefreshFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onRefresh
}

// readPump handles incoming messages from the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed WebSocket message")
			continue
		}

		switch msg.Type {
		case TypePing:
			c.reply(Message{Type: TypePong, Data: map[string]int64{"timestamp": time.Now().Unix()}})
		case TypeRequestState:
			if c.hub.getState != nil {
				c.reply(Message{Type: TypeEntitlements, Data: c.hub.getState(c.sessionID)})
			}
		case TypeRefresh:
			// The refreshed state reaches the client through Publish.
			if fn := c.hub.refreshHandler(); fn != nil {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), writeWait)
					defer cancel()
					fn(ctx, c.sessionID)
				}()
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Received WebSocket message")
		}
	}
}

// reply queues msg for this client only. It never blocks the read loop.
func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump handles outgoing messages to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sameOrigin accepts requests without an Origin header and requests whose
// Origin host matches the Host header.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
