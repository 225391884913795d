// Package broker provides the room fan-out layer on top of NATS. Every
// accepted message is published to the room's subject; each live connection
// in the room holds its own subscription, so delivery is at-most-once per
// connection with no replay for late joiners.
package broker

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectRoomPrefix is the subject space for room broadcasts; the full
// subject is room.<room_id>.
const SubjectRoomPrefix = "room."

// Client wraps the NATS connection with room-scoped publish/subscribe
// helpers. Per-connection subscriptions are keyed by the WS connection ID so
// several connections on the same server can follow the same room.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // connection ID -> room subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "chatme",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Connect dials NATS with the given config and returns a ready client.
func Connect(config Config) (*Client, error) {
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

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// roomSubject builds the subject for a room.
func roomSubject(roomID int64) string {
	return SubjectRoomPrefix + strconv.FormatInt(roomID, 10)
}

// PublishRoom publishes a serialized message to everyone subscribed to the
// room at this moment. NATS preserves publish order per connection, so
// messages published under the room's sequencing lock arrive in sequence
// order at every subscriber.
func (c *Client) PublishRoom(roomID int64, data []byte) error {
	if err := c.conn.Publish(roomSubject(roomID), data); err != nil {
		return fmt.Errorf("nats publish room %d: %w", roomID, err)
	}
	return nil
}

// SubscribeRoom subscribes a WS connection to a room's broadcasts. An
// existing subscription for the same connection is replaced, so a connection
// never follows two rooms at once.
func (c *Client) SubscribeRoom(roomID int64, connID string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(roomSubject(roomID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe room %d: %w", roomID, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[connID]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[connID] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom drops a connection's room subscription. Unsubscribing a
// connection that has no subscription is a no-op.
func (c *Client) UnsubscribeRoom(connID string) error {
	c.mu.Lock()
	sub, ok := c.subs[connID]
	delete(c.subs, connID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe conn %s: %w", connID, err)
	}
	return nil
}

// SubscriberCount returns the number of local connections currently
// following any room. Used by metrics.
func (c *Client) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	for connID, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain conn %s: %v", connID, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
