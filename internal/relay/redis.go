// Package relay fans page update frames out across API instances through
// Redis pub/sub so collaborators connected to different instances converge.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"inkwell/api/internal/util"

	"github.com/redis/go-redis/v9"
)

// envelope wraps a broadcast frame with the publishing instance so that
// subscribers can drop their own echoes.
type envelope struct {
	Instance string `json:"instance"`
	Frame    []byte `json:"frame"`
}

// Redis relays update frames between instances, one channel per page.
type Redis struct {
	client     *redis.Client
	instanceID string
	prefix     string

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedis creates a Redis-backed relay.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client), nil
}

// NewRedisWithClient creates a relay from an existing Redis client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{
		client:     client,
		instanceID: util.NewID("node"),
		prefix:     "inkwell:pages:",
		subs:       make(map[string]*redis.PubSub),
	}
}

// key generates the Redis channel for a page
func (r *Redis) key(pageID string) string {
	return r.prefix + pageID
}

// Publish sends an update frame for a page to every other instance.
func (r *Redis) Publish(ctx context.Context, pageID string, frame []byte) error {
	data, err := json.Marshal(envelope{Instance: r.instanceID, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal relay frame: %w", err)
	}
	if err := r.client.Publish(ctx, r.key(pageID), data).Err(); err != nil {
		return fmt.Errorf("publish relay frame: %w", err)
	}
	return nil
}

// Subscribe starts delivering frames published for a page by other
// instances to fn. Frames this instance published itself are dropped.
// Subscribing twice for the same page is a no-op.
func (r *Redis) Subscribe(pageID string, fn func(frame []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[pageID]; ok {
		return
	}

	pubsub := r.client.Subscribe(context.Background(), r.key(pageID))
	r.subs[pageID] = pubsub

	go func() {
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("relay: bad frame on %s: %v", msg.Channel, err)
				continue
			}
			if env.Instance == r.instanceID {
				continue
			}
			fn(env.Frame)
		}
	}()
}

// Unsubscribe stops delivery for a page.
func (r *Redis) Unsubscribe(pageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pubsub, ok := r.subs[pageID]
	if !ok {
		return
	}
	delete(r.subs, pageID)
	_ = pubsub.Close()
}

// Close shuts down all subscriptions and the Redis connection.
func (r *Redis) Close() error {
	r.mu.Lock()
	for id, pubsub := range r.subs {
		delete(r.subs, id)
		_ = pubsub.Close()
	}
	r.mu.Unlock()
	return r.client.Close()
}

// Ping checks if Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
