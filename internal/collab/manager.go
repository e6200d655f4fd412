package collab

import (
	"sync"

	"github.com/collab-docs/coderoom/internal/logger"
	"github.com/collab-docs/coderoom/internal/metrics"
	"github.com/collab-docs/coderoom/internal/redis"
)

// ChannelManager holds the channels with local subscribers. Each channel
// owns one Redis subscription, opened by its first subscriber and closed
// when its last subscriber leaves.
type ChannelManager struct {
	channels map[string]*Channel
	mu       sync.Mutex
	pubsub   *redis.PubSub
}

// NewChannelManager creates a new channel manager
func NewChannelManager(pubsub *redis.PubSub) *ChannelManager {
	return &ChannelManager{
		channels: make(map[string]*Channel),
		pubsub:   pubsub,
	}
}

// Join adds client to its channel, subscribing to Redis if it is the first
func (cm *ChannelManager) Join(client *Client) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	ch, exists := cm.channels[client.Channel]
	if !exists {
		ch = NewChannel(client.Channel)
		if err := cm.pubsub.Subscribe(client.Channel, ch.handleRedisMessage); err != nil {
			return err
		}
		cm.channels[client.Channel] = ch
		logger.Info("Subscribed to %s", client.Channel)
	}

	ch.add(client)
	metrics.SubscriberConnected()
	client.logEntry().WithField("total", ch.Len()).Debug("Subscriber joined")
	return nil
}

// Leave removes client from its channel, unsubscribing when it was the last
func (cm *ChannelManager) Leave(client *Client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	ch, exists := cm.channels[client.Channel]
	if !exists {
		return
	}

	removed, remaining := ch.remove(client)
	if !removed {
		return
	}
	metrics.SubscriberDisconnected()
	client.logEntry().WithField("total", remaining).Debug("Subscriber left")

	if remaining == 0 {
		delete(cm.channels, client.Channel)
		if err := cm.pubsub.Unsubscribe(client.Channel); err != nil {
			logger.Warn("Failed to unsubscribe from %s: %v", client.Channel, err)
		}
		logger.Info("Unsubscribed from %s", client.Channel)
	}
}

// ChannelCount returns the number of channels with subscribers
func (cm *ChannelManager) ChannelCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.channels)
}

// SubscriberCount returns the number of subscribers across channels
func (cm *ChannelManager) SubscriberCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	total := 0
	for _, ch := range cm.channels {
		total += ch.Len()
	}
	return total
}

// CloseAll disconnects every subscriber
func (cm *ChannelManager) CloseAll() {
	cm.mu.Lock()
	clients := make([]*Client, 0)
	for _, ch := range cm.channels {
		ch.mu.RLock()
		for _, client := range ch.clients {
			clients = append(clients, client)
		}
		ch.mu.RUnlock()
	}
	cm.mu.Unlock()

	for _, client := range clients {
		cm.Leave(client)
	}
}
