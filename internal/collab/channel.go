package collab

import (
	"encoding/json"
	"sync"

	"github.com/collab-docs/coderoom/internal/logger"
	"github.com/collab-docs/coderoom/internal/metrics"
	"github.com/collab-docs/coderoom/internal/models"
	"github.com/collab-docs/coderoom/internal/redis"
)

// Channel relays messages of one Redis channel to its local subscribers
type Channel struct {
	Name    string
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewChannel creates an empty channel
func NewChannel(name string) *Channel {
	return &Channel{
		Name:    name,
		clients: make(map[string]*Client),
	}
}

func (ch *Channel) add(client *Client) {
	ch.mu.Lock()
	ch.clients[client.ID] = client
	ch.mu.Unlock()
}

// remove drops a client and reports how many remain. The client's Send
// channel is closed so its write pump exits.
func (ch *Channel) remove(client *Client) (removed bool, remaining int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, ok := ch.clients[client.ID]; ok {
		delete(ch.clients, client.ID)
		close(client.Send)
		removed = true
	}
	return removed, len(ch.clients)
}

// Len returns the number of subscribers
func (ch *Channel) Len() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.clients)
}

// handleRedisMessage relays a published envelope to every subscriber
func (ch *Channel) handleRedisMessage(_ string, msg *redis.Message) {
	data, err := json.Marshal(models.Envelope{Event: msg.Event, Data: msg.Data})
	if err != nil {
		logger.Warn("Dropping %s on %s: %v", msg.Event, ch.Name, err)
		return
	}
	ch.broadcast(data)
}

func (ch *Channel) broadcast(data []byte) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	for _, client := range ch.clients {
		select {
		case client.Send <- data:
			metrics.Relayed()
		default:
			// Client buffer full, skip
			logger.Debug("Subscriber %s on %s is slow, dropping message", client.ID, ch.Name)
		}
	}
}
