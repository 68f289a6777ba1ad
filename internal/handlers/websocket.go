package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/models"
	"golang.org/x/time/rate"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// Message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// HelloPayload is sent once per connection
type HelloPayload struct {
	ServerInstanceID string `json:"server_instance_id"`
	Version          string `json:"version"`
}

// wsClient owns one connection. Only its writer goroutine writes to conn.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
}

// WebSocketHandler streams job activity to connected clients. Each client
// has its own bounded queue and throttle; a slow client drops messages
// rather than stalling the others.
type WebSocketHandler struct {
	logger           arbor.ILogger
	mu               sync.RWMutex
	clients          map[*wsClient]struct{}
	throttle         time.Duration
	serverInstanceID string // Clients use this to detect a server restart
}

func NewWebSocketHandler(logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*wsClient]struct{}),
		serverInstanceID: uuid.New().String(),
	}
	if config != nil {
		h.throttle = config.ThrottleIntervalValue()
	}

	logger.Debug().
		Str("server_instance_id", h.serverInstanceID).
		Dur("throttle", h.throttle).
		Msg("WebSocket handler initialized")
	return h
}

// HandleWebSocket handles GET /ws/jobs
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	limit := rate.Inf
	if h.throttle > 0 {
		limit = rate.Every(h.throttle)
	}
	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, clientSendBuffer),
		limiter: rate.NewLimiter(limit, 1),
	}

	if hello, err := json.Marshal(WSMessage{
		Type:    "hello",
		Payload: HelloPayload{ServerInstanceID: h.serverInstanceID, Version: common.GetVersion()},
	}); err == nil {
		client.send <- hello
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, client)
	}()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		close(client.send)
		remaining := len(h.clients)
		h.mu.Unlock()

		cancel()
		<-writerDone
		conn.Close()
		h.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	}()

	// Reads keep the connection alive and surface the close frame
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket client read error")
			}
			return
		}
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, client *wsClient) {
	for data := range client.send {
		if err := client.limiter.Wait(ctx); err != nil {
			return
		}
		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// Publish queues activity for every client. It never blocks: a client whose
// queue is full misses the message.
func (h *WebSocketHandler) Publish(activity models.JobActivity) {
	data, err := json.Marshal(WSMessage{Type: "job_activity", Payload: activity})
	if err != nil {
		// NOTE: no correlation id here, so this is not fed back into the stream
		h.logger.Error().Err(err).Msg("Failed to marshal job activity")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
