package collab

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/collab-docs/coderoom/internal/logger"
)

// Client represents one WebSocket subscriber of a channel
type Client struct {
	ID      string
	UserID  string
	Channel string
	Conn    *websocket.Conn
	Send    chan []byte
}

// NewClient creates a new client
func NewClient(conn *websocket.Conn, channel, userID string) *Client {
	return &Client{
		ID:      uuid.New().String(),
		UserID:  userID,
		Channel: channel,
		Conn:    conn,
		Send:    make(chan []byte, 256),
	}
}

func (c *Client) logEntry() *logrus.Entry {
	return logger.WithFields(map[string]interface{}{
		"client_id": c.ID,
		"user_id":   c.UserID,
		"channel":   c.Channel,
	})
}
