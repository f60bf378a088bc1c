package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"classsync/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Dispatcher receives decoded actions in per-connection order.
type Dispatcher interface {
	Dispatch(ctx context.Context, connID string, action types.Action) error
	Disconnect(connID string)
}

// HandlerConfig tunes socket timing and limits.
type HandlerConfig struct {
	ReadLimit    int64
	PongWait     time.Duration
	PingInterval time.Duration
	SendBuffer   int
}

// DefaultHandlerConfig returns the heartbeat settings the server runs with.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReadLimit:    8 << 20,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
		SendBuffer:   DefaultSendBuffer,
	}
}

// Handler upgrades HTTP requests and runs one read loop per socket.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	config     HandlerConfig
	ctx        context.Context
}

// NewHandler creates a handler. ctx is the parent of every dispatched action.
func NewHandler(ctx context.Context, registry *Registry, dispatcher Dispatcher, config HandlerConfig) *Handler {
	defaults := DefaultHandlerConfig()
	if config.PongWait <= 0 {
		config.PongWait = defaults.PongWait
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		config:     config,
		ctx:        ctx,
	}
}

// HandleWebSocket upgrades the request and serves the socket until it closes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, h.config.SendBuffer)
	if err := h.registry.Register(wsConn); err != nil {
		log.Printf("Failed to register connection: %v", err)
		_ = wsConn.Close()
		return
	}

	log.Printf("Connection opened: conn=%s remote=%s", wsConn.ID(), r.RemoteAddr)
	go h.handleConnection(wsConn)
}

func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.Unregister(conn)
		_ = conn.Close()
		h.dispatcher.Disconnect(conn.ID())
		log.Printf("Connection closed: conn=%s", conn.ID())
	}()

	if h.config.ReadLimit > 0 {
		conn.conn.SetReadLimit(h.config.ReadLimit)
	}
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.PongWait)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: conn=%s error=%v", conn.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var action types.Action
		if err := json.Unmarshal(data, &action); err != nil || action.Type == "" {
			log.Printf("Malformed frame from %s: %v", conn.ID(), err)
			h.replyMalformed(conn)
			continue
		}

		// Errors are already reported to the client by the dispatcher.
		_ = h.dispatcher.Dispatch(h.ctx, conn.ID(), action)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) replyMalformed(conn *Connection) {
	note := types.NewNotification(types.NotifyError, types.ErrorPayload{
		Code:    types.ErrCodeInvalidPayload,
		Message: "frame is not a JSON action envelope",
	})
	if err := conn.WriteJSON(note); err != nil {
		log.Printf("Failed to send error to %s: %v", conn.ID(), err)
	}
}
