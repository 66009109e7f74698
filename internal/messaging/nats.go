// Package messaging provides a NATS client wrapper for fanning chat room
// events out across chat server instances. Every server subscribes to the
// chat.<chat_id> subject once per joined socket and forwards what arrives to
// that socket.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/workdesk/chat-app/internal/chat"
)

// SubjectChat is the room subject prefix; the full subject is chat.<chat_id>.
const SubjectChat = "chat"

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "workdesk-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// RoomSubject returns the subject of chatID.
func RoomSubject(chatID string) string {
	return SubjectChat + "." + chatID
}

// roomKey identifies one socket's subscription to one room.
func roomKey(connID, chatID string) string {
	return "room:" + connID + ":" + chatID
}

// Connected reports whether the NATS connection is currently up.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRoom encodes ev and publishes it to the room of chatID.
func (c *NATSClient) PublishRoom(chatID string, ev chat.RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: encode room event: %w", err)
	}
	return c.Publish(RoomSubject(chatID), data)
}

// SubscribeRoom delivers every event published to chatID's room to handler
// until the subscription of connID is removed. Subscribing twice is a no-op.
func (c *NATSClient) SubscribeRoom(chatID, connID string, handler func(chat.RoomEvent)) error {
	key := roomKey(connID, chatID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[key]; ok {
		return nil
	}

	subject := RoomSubject(chatID)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev chat.RoomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] dropping undecodable event on %s: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.subs[key] = sub
	return nil
}

// UnsubscribeRoom removes connID's subscription to chatID.
func (c *NATSClient) UnsubscribeRoom(chatID, connID string) error {
	return c.unsubscribe(roomKey(connID, chatID))
}

// UnsubscribeAll removes every room subscription held for connID.
func (c *NATSClient) UnsubscribeAll(connID string) {
	prefix := roomKey(connID, "")

	c.mu.Lock()
	var subs []*nats.Subscription
	for key, sub := range c.subs {
		if strings.HasPrefix(key, prefix) {
			subs = append(subs, sub)
			delete(c.subs, key)
		}
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe %s: %v", sub.Subject, err)
		}
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a stored subscription.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
