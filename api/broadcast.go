package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/flowboard/flowboard/internal/slogging"
)

// Broadcaster fans a frame out to a diagram room's members. The default
// implementation stays in-process; the redis implementation bridges
// multiple server instances through pub/sub so the registry can scale
// past one process.
type Broadcaster interface {
	Publish(diagramID string, frame []byte, excludeSessionID string) error
	Close() error
}

// LocalBroadcaster delivers frames directly to the hub's local rooms
type LocalBroadcaster struct {
	hub *WebSocketHub
}

// NewLocalBroadcaster creates the in-process broadcaster
func NewLocalBroadcaster(hub *WebSocketHub) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub}
}

// Publish delivers the frame to the local room members
func (b *LocalBroadcaster) Publish(diagramID string, frame []byte, excludeSessionID string) error {
	b.hub.deliverLocal(diagramID, frame, excludeSessionID)
	return nil
}

// Close is a no-op for the in-process broadcaster
func (b *LocalBroadcaster) Close() error {
	return nil
}

const redisChannelPrefix = "flowboard:room:"

// redisEnvelope wraps a frame for transit so the exclusion rule survives
// the hop between instances
type redisEnvelope struct {
	Frame            json.RawMessage `json:"frame"`
	ExcludeSessionID string          `json:"exclude_session_id,omitempty"`
}

// RedisBroadcaster publishes room frames to redis and relays frames
// received from redis into the local hub. Local delivery happens on
// receipt, so every instance (the publisher included) delivers exactly
// once and redis preserves per-channel order.
type RedisBroadcaster struct {
	hub    *WebSocketHub
	client *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBroadcaster subscribes to the room channel pattern and starts
// the relay goroutine
func NewRedisBroadcaster(hub *WebSocketHub, client *redis.Client) (*RedisBroadcaster, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pubsub := client.PSubscribe(ctx, redisChannelPrefix+"*")
	// Force the subscription before any publish can race it
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to room channels: %w", err)
	}

	b := &RedisBroadcaster{
		hub:    hub,
		client: client,
		pubsub: pubsub,
		cancel: cancel,
	}
	go b.relay(ctx)
	return b, nil
}

// Publish sends the frame to the diagram's redis channel; delivery into
// local rooms happens when the message comes back through the
// subscription
func (b *RedisBroadcaster) Publish(diagramID string, frame []byte, excludeSessionID string) error {
	payload, err := json.Marshal(redisEnvelope{
		Frame:            frame,
		ExcludeSessionID: excludeSessionID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast envelope: %w", err)
	}

	if err := b.client.Publish(context.Background(), redisChannelPrefix+diagramID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

func (b *RedisBroadcaster) relay(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			diagramID := strings.TrimPrefix(msg.Channel, redisChannelPrefix)

			var envelope redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				slogging.Get().Warn("Dropping malformed broadcast envelope: channel=%s, error=%v", msg.Channel, err)
				continue
			}
			b.hub.deliverLocal(diagramID, envelope.Frame, envelope.ExcludeSessionID)
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the relay and the subscription
func (b *RedisBroadcaster) Close() error {
	b.cancel()
	return b.pubsub.Close()
}
