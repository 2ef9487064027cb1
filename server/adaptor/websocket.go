package adaptor

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ponyo877/chatrelay/server/domain"
)

// WebSocketHandler upgrades GET /ws and runs one client per connection.
type WebSocketHandler struct {
	relay          *relay
	upgrader       websocket.Upgrader
	maxMessageSize int64
	log            *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewWebSocketHandler(uc Usecase, outlets domain.Outlets, origins *OriginPolicy, maxMessageSize int64, log *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		relay: newRelay(uc, outlets, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		maxMessageSize: maxMessageSize,
		log:            log,
		clients:        make(map[*wsClient]struct{}),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newWSClient(conn, r.RemoteAddr, h.maxMessageSize, h.log)
	h.track(client)
	h.relay.open(client.id, client)

	go client.writePump()
	go func() {
		defer h.untrack(client)
		client.readPump(h.relay)
	}()
}

// Shutdown closes every open WebSocket. http.Server.Shutdown does not see
// hijacked connections.
func (h *WebSocketHandler) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.close()
	}
}

func (h *WebSocketHandler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WebSocketHandler) track(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *WebSocketHandler) untrack(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}
