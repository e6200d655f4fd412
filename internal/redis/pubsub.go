package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/collab-docs/coderoom/internal/logger"
)

// Connect parses a redis:// URL and verifies the connection
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// PubSub publishes room events to Redis channels and dispatches channel
// messages to local handlers
type PubSub struct {
	client     *redis.Client
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
	subs       map[string]*redis.PubSub
	subsMu     sync.Mutex
	handlers   map[string][]MessageHandler
	handlersMu sync.RWMutex
	wg         sync.WaitGroup
}

// MessageHandler handles one message received on a channel. Handlers run
// on the channel's listener goroutine, in publish order, and must not block.
type MessageHandler func(channel string, msg *Message)

// Message is the envelope published on a room channel
type Message struct {
	Event string          `json:"event"`
	From  string          `json:"from"`
	Data  json.RawMessage `json:"data"`
}

// New creates a PubSub on an existing client
func New(ctx context.Context, client *redis.Client) *PubSub {
	subCtx, cancel := context.WithCancel(ctx)

	return &PubSub{
		client:     client,
		instanceID: uuid.New().String(),
		ctx:        subCtx,
		cancel:     cancel,
		subs:       make(map[string]*redis.PubSub),
		handlers:   make(map[string][]MessageHandler),
	}
}

// InstanceID identifies this process in published envelopes
func (ps *PubSub) InstanceID() string {
	return ps.instanceID
}

// Close stops all subscriptions. The client is owned by the caller.
func (ps *PubSub) Close() error {
	ps.cancel()

	ps.subsMu.Lock()
	for channel, sub := range ps.subs {
		sub.Close()
		delete(ps.subs, channel)
	}
	ps.subsMu.Unlock()

	ps.wg.Wait()
	return nil
}

// Publish marshals payload into an envelope and publishes it on channel
func (ps *PubSub) Publish(ctx context.Context, channel, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	msg, err := json.Marshal(&Message{
		Event: event,
		From:  ps.instanceID,
		Data:  data,
	})
	if err != nil {
		return err
	}

	return ps.client.Publish(ctx, channel, msg).Err()
}

// Subscribe registers handler for channel. The first handler on a channel
// opens the Redis subscription and waits for it to be confirmed.
func (ps *PubSub) Subscribe(channel string, handler MessageHandler) error {
	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()

	ps.handlersMu.Lock()
	ps.handlers[channel] = append(ps.handlers[channel], handler)
	ps.handlersMu.Unlock()

	if _, exists := ps.subs[channel]; exists {
		return nil
	}

	sub := ps.client.Subscribe(ps.ctx, channel)
	if _, err := sub.Receive(ps.ctx); err != nil {
		sub.Close()
		ps.handlersMu.Lock()
		delete(ps.handlers, channel)
		ps.handlersMu.Unlock()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ps.subs[channel] = sub

	ps.wg.Add(1)
	go ps.listen(channel, sub)

	return nil
}

// Unsubscribe drops all handlers for channel and closes its subscription
func (ps *PubSub) Unsubscribe(channel string) error {
	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()

	if sub, exists := ps.subs[channel]; exists {
		sub.Close()
		delete(ps.subs, channel)
	}

	ps.handlersMu.Lock()
	delete(ps.handlers, channel)
	ps.handlersMu.Unlock()

	return nil
}

// listen dispatches messages of one subscription until it is closed
func (ps *PubSub) listen(channel string, sub *redis.PubSub) {
	defer ps.wg.Done()
	ch := sub.Channel()

	for {
		select {
		case <-ps.ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}

			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				logger.Warn("Dropping malformed message on %s: %v", channel, err)
				continue
			}

			ps.handlersMu.RLock()
			handlers := ps.handlers[channel]
			ps.handlersMu.RUnlock()

			for _, handler := range handlers {
				handler(channel, &msg)
			}
		}
	}
}
