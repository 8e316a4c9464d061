package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Desktops only send control frames.
	maxMessageSize = 4 * 1024
)

// conn is one subscribed desktop.
type conn struct {
	ws     *websocket.Conn
	userID string
	send   chan []byte
	hub    *Hub
}

// Hub tracks subscribed connections per user and publishes rows to them.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	users map[string]map[*conn]bool

	register   chan *conn
	unregister chan *conn
	done       chan struct{}
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log: log.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Desktops are not browsers; the bearer token is the access control.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		users:      make(map[string]map[*conn]bool),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		done:       make(chan struct{}),
	}
}

// Run processes registrations until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for _, conns := range h.users {
				for c := range conns {
					close(c.send)
				}
			}
			h.users = make(map[string]map[*conn]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.users[c.userID] == nil {
				h.users[c.userID] = make(map[*conn]bool)
			}
			h.users[c.userID][c] = true
			h.mu.Unlock()
			h.log.Debug().Str("user_id", c.userID).Msg("desktop subscribed")

		case c := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.users[c.userID]; ok && conns[c] {
				delete(conns, c)
				if len(conns) == 0 {
					delete(h.users, c.userID)
				}
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug().Str("user_id", c.userID).Msg("desktop unsubscribed")
		}
	}
}

// Publish sends an inserted row to every connection of its owner. Slow
// connections drop messages; their poller catches up.
func (h *Hub) Publish(cmd *command.RemoteCommand) {
	msg, err := NewMessage(TypeInsert, cmd)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.users[cmd.UserID] {
		select {
		case c.send <- data:
		default:
			h.log.Warn().Str("user_id", cmd.UserID).Msg("send buffer full, dropping insert")
		}
	}
}

// Subscribers returns how many connections a user has.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Connections returns the total number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.users {
		n += len(conns)
	}
	return n
}

// Disconnect drops every connection of a user, e.g. after its token was
// revoked. Clients reconnect and must authenticate again.
func (h *Hub) Disconnect(userID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.users[userID] {
		_ = c.ws.Close()
	}
}

// ServeWS upgrades an authenticated request and subscribes it to userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{ws: ws, userID: userID, send: make(chan []byte, 64), hub: h}

	ack, _ := NewMessage(TypeSubscribed, SubscribedPayload{UserID: userID, Table: "remote_commands"})
	if data, err := json.Marshal(ack); err == nil {
		c.send <- data
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = ws.Close()
		return
	case <-r.Context().Done():
		_ = ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only services control frames and detects disconnects.
func (c *conn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.ws.SetPingHandler(func(appData string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump pumps messages to the connection.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
