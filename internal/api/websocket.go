package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS policy is enforced on the REST routes; the socket itself
		// requires a valid token
		return true
	},
}

var wsLogger = logging.WithComponent("websocket")

// WSClient is one connected socket bound to a user
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	userID string
}

// WSHub fans events out to each user's open sockets
type WSHub struct {
	userClients map[string]map[*WSClient]bool
	userCast    chan userMessage
	register    chan *WSClient
	unregister  chan *WSClient
	mu          sync.RWMutex
}

type userMessage struct {
	userID string
	data   []byte
}

// NewWSHub creates the hub
func NewWSHub() *WSHub {
	return &WSHub{
		userClients: make(map[string]map[*WSClient]bool),
		userCast:    make(chan userMessage, 256),
		register:    make(chan *WSClient),
		unregister:  make(chan *WSClient),
	}
}

// Run owns the client maps; all mutation goes through the channels
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.userClients[client.userID] == nil {
				h.userClients[client.userID] = make(map[*WSClient]bool)
			}
			h.userClients[client.userID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.userClients[client.userID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.userClients, client.userID)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.userCast:
			h.mu.Lock()
			for client := range h.userClients[msg.userID] {
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer, drop the connection
					close(client.send)
					delete(h.userClients[msg.userID], client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastToUser sends an event to all of a user's sockets
func (h *WSHub) BroadcastToUser(userID string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		wsLogger.WithError(err).Warn("Failed to marshal event")
		return
	}

	select {
	case h.userCast <- userMessage{userID: userID, data: data}:
	default:
		wsLogger.Warn("Broadcast channel full, dropping message", "user_id", userID)
	}
}

// ClientCount returns the number of open sockets for a user
func (h *WSHub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

// writePump drains the send channel onto the socket and keeps it alive
// with pings
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes the socket until it closes. Inbound messages are
// ignored; the stream is one-way.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wsLogger.WithError(err).Warn("WebSocket read error")
			}
			break
		}
	}
}

var wsHub *WSHub

// InitWebSocketHub starts the hub and wires the broadcast callbacks so
// the safety packages can push to a user's sockets without importing
// this package
func InitWebSocketHub(eventBus *events.EventBus) *WSHub {
	wsHub = NewWSHub()
	go wsHub.Run()

	events.SetBroadcastCircuitBreaker(func(userID string, data interface{}) {
		wsHub.BroadcastToUser(userID, events.Event{
			Type:      events.EventCircuitBreakerUpdate,
			UserID:    userID,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"state": data},
		})
	})
	events.SetBroadcastTrustRank(func(userID string, data interface{}) {
		wsHub.BroadcastToUser(userID, events.Event{
			Type:      events.EventTrustRankChanged,
			UserID:    userID,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"evaluation": data},
		})
	})
	events.SetBroadcastDecision(func(userID string, data interface{}) {
		wsHub.BroadcastToUser(userID, events.Event{
			Type:      events.EventDecisionMade,
			UserID:    userID,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"decision": data},
		})
	})

	// Bus events addressed to a user are mirrored onto their sockets
	if eventBus != nil {
		eventBus.SubscribeAll(func(e events.Event) {
			if e.UserID != "" {
				wsHub.BroadcastToUser(e.UserID, e)
			}
		})
	}

	wsLogger.Info("WebSocket hub started")
	return wsHub
}

// GetWSHub returns the global hub
func GetWSHub() *WSHub {
	return wsHub
}

// authenticatedWSHandler upgrades the connection once the caller proves
// a valid token via the Authorization header or a token query param
func (s *Server) authenticatedWSHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			header := c.GetHeader("Authorization")
			if strings.HasPrefix(header, "Bearer ") {
				token = strings.TrimPrefix(header, "Bearer ")
			}
		}

		claims, err := s.authService.GetJWTManager().ValidateAccessToken(token)
		if err != nil || claims == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "authentication required for WebSocket connection",
			})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			wsLogger.WithError(err).Warn("WebSocket upgrade failed")
			return
		}

		client := &WSClient{
			conn:   conn,
			send:   make(chan []byte, 256),
			hub:    wsHub,
			userID: claims.UserID,
		}
		client.hub.register <- client

		go client.writePump()
		go client.readPump()

		welcome := map[string]interface{}{
			"type":      "CONNECTED",
			"message":   "WebSocket connection established",
			"timestamp": time.Now(),
			"user_id":   claims.UserID,
		}
		if data, err := json.Marshal(welcome); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}
