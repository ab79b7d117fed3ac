package statusapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/busdash/internal/eventbus"
	"github.com/markus-barta/busdash/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// UI clients only send control frames.
	maxMessageSize = 4096

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// event is the envelope sent to UI clients.
type event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// client is one connected UI.
type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub relays cache change events from the bus to connected UI clients.
type Hub struct {
	log zerolog.Logger

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{} // closed when Run returns

	mu sync.RWMutex
}

// NewHub creates a hub. Run must be started for clients to connect.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run registers and unregisters clients until ctx is cancelled, then
// disconnects the remaining ones.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("client registered")

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("client unregistered")

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribe relays the bus topics UI clients care about.
func (h *Hub) Subscribe(bus *eventbus.Bus) []eventbus.Subscription {
	return []eventbus.Subscription{
		bus.Subscribe(eventbus.TopicNodeUpdate, func(p any) {
			if u, ok := p.(protocol.NodeUpdate); ok {
				h.broadcast(event{Type: "node_update", Payload: u})
			}
		}),
		bus.Subscribe(eventbus.TopicDashboardReconcile, func(p any) {
			h.broadcast(event{Type: "widgets_reconciled", Payload: p})
		}),
		bus.Subscribe(eventbus.TopicLoading, func(p any) {
			h.broadcast(event{Type: "loading", Payload: p})
		}),
		bus.Subscribe(eventbus.TopicPushConnected, func(any) {
			h.broadcast(event{Type: "push", Payload: map[string]bool{"connected": true}})
		}),
		bus.Subscribe(eventbus.TopicPushDisconnected, func(any) {
			h.broadcast(event{Type: "push", Payload: map[string]bool{"connected": false}})
		}),
	}
}

// broadcast sends ev to every client. Clients with a full buffer miss it.
func (h *Hub) broadcast(ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Debug().Str("type", ev.Type).Msg("client send buffer full, event dropped")
		}
	}
}

// handleEvents upgrades a UI connection and streams events to it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  s.hub,
	}

	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client messages and detects disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Msg("read error")
			}
			return
		}
	}
}

// writePump pumps events to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
