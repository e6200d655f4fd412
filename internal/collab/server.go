package collab

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collab-docs/coderoom/internal/auth"
	"github.com/collab-docs/coderoom/internal/logger"
	"github.com/collab-docs/coderoom/internal/metrics"
	"github.com/collab-docs/coderoom/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Subscribers only send control frames
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server handles WebSocket subscriptions to room channels
type Server struct {
	manager      *ChannelManager
	tokens       *auth.Tokens
	requireToken bool
}

// NewServer creates a new gateway server. With requireToken set, every
// subscription must carry a token issued for its channel.
func NewServer(manager *ChannelManager, tokens *auth.Tokens, requireToken bool) *Server {
	return &Server{
		manager:      manager,
		tokens:       tokens,
		requireToken: requireToken,
	}
}

// RegisterRoutes registers the gateway endpoints on mux
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /stats", s.HandleStats)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /channels/{channel}", s.HandleWebSocket)
}

// HandleStats reports channel and subscriber counts
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"channelCount":    s.manager.ChannelCount(),
		"subscriberCount": s.manager.SubscriberCount(),
	})
}

// HandleWebSocket upgrades the request and subscribes it to a channel
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if channel == "" {
		channel = strings.Trim(strings.TrimPrefix(r.URL.Path, "/channels/"), "/")
	}
	if !strings.HasPrefix(channel, models.ChannelPrefix) || channel == models.ChannelPrefix {
		http.Error(w, "Invalid channel", http.StatusBadRequest)
		return
	}

	userID, err := s.authenticateRequest(r, channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Failed to upgrade WebSocket: %v", err)
		return
	}

	client := NewClient(conn, channel, userID)
	if err := s.manager.Join(client); err != nil {
		logger.Error("Failed to subscribe %s: %v", channel, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go s.writePump(client)
	go s.readPump(client)
}

// authenticateRequest returns the subscriber's user id. A token, when
// present, must be valid for channel; it is mandatory only if requireToken
// is set.
func (s *Server) authenticateRequest(r *http.Request, channel string) (string, error) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		if s.requireToken {
			return "", auth.ErrInvalidToken
		}
		return r.URL.Query().Get("userId"), nil
	}

	claims, err := s.tokens.ValidateToken(token, channel)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// readPump drains the connection so control frames are processed, and
// unsubscribes the client when the connection ends
func (s *Server) readPump(client *Client) {
	defer func() {
		s.manager.Leave(client)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket error: %v", err)
			}
			return
		}
	}
}

// writePump writes relayed messages to the WebSocket connection
func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
