package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/auth"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/events"
	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by CORS and the token check
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient represents a WebSocket client
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string
	once   sync.Once
}

// Hub routes user-scoped events to that user's open connections
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*WSClient]struct{}
	logger  *logging.Logger
}

// NewHub creates a websocket hub
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*WSClient]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*WSClient]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			c.close()
		}
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
}

// Dispatch delivers ev to the connections of ev.UserID. Slow clients are dropped.
func (h *Hub) Dispatch(ev events.Event) {
	if ev.UserID == "" {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.WithError(err).Warn("failed to marshal event", "type", string(ev.Type))
		return
	}

	h.mu.RLock()
	var slow []*WSClient
	for c := range h.clients[ev.UserID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("websocket client too slow, disconnecting", "user_id", c.userID)
		h.unregister(c)
	}
}

// ClientCount returns the number of open connections
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// UserClientCount returns the number of open connections for userID
func (h *Hub) UserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// CloseAll disconnects every client
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.clients {
		for c := range set {
			c.close()
		}
		delete(h.clients, userID)
	}
}

func (c *WSClient) close() {
	c.once.Do(func() { close(c.send) })
}

// writePump pumps messages from the hub to the websocket connection
func (c *WSClient) writePump() {
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

// readPump drains the connection so pongs and close frames are processed
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

// handleWebSocket upgrades the request and streams the user's events
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("failed to upgrade websocket", "error", err)
		return
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    s.hub,
		userID: auth.GetUserID(c),
	}
	s.hub.register(client)

	welcome, _ := json.Marshal(gin.H{
		"type":      "CONNECTED",
		"userId":    client.userID,
		"timestamp": time.Now().UTC(),
	})
	client.send <- welcome

	go client.writePump()
	go client.readPump()
}
