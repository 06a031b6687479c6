package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is one frame pushed to dashboard clients.
type Message struct {
	Type string      `json:"type"` // "telemetry" or "batch"
	Data interface{} `json:"data"`
}

// WebSocketHub fans messages out to every connected client.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	clientsMu  sync.RWMutex
	broadcast  chan Message
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	logger     *zap.Logger
}

func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves register, unregister and broadcast until Stop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.done:
			h.clientsMu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.clientsMu.Unlock()
			return

		case conn := <-h.register:
			h.clientsMu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.clientsMu.Unlock()
			h.logger.Debug("websocket client connected", zap.Int("clients", n))

		case conn := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.clientsMu.Unlock()
			h.logger.Debug("websocket client disconnected", zap.Int("clients", n))

		case msg := <-h.broadcast:
			h.clientsMu.RLock()
			for conn := range h.clients {
				if err := conn.WriteJSON(msg); err != nil {
					h.logger.Debug("websocket write", zap.Error(err))
					go h.drop(conn)
				}
			}
			h.clientsMu.RUnlock()
		}
	}
}

func (h *WebSocketHub) drop(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues msg for every client, dropping it when the queue is full.
func (h *WebSocketHub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast buffer full, dropping message", zap.String("type", msg.Type))
	}
}

// ClientCount reports the number of registered clients.
func (h *WebSocketHub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades the connection and registers it with the hub.
// GET /api/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	select {
	case s.hub.register <- conn:
	case <-s.hub.done:
		conn.Close()
		return
	}

	// Read loop only detects disconnects
	go func() {
		defer s.hub.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
