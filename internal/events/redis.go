package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisChannelPrefix = "coedit:room:"

// RedisChannel returns the pub/sub channel carrying a room topic.
func RedisChannel(topic string) string {
	return redisChannelPrefix + topic
}

// RedisPublisher publishes room events on redis pub/sub so other instances can relay them.
type RedisPublisher struct {
	client *redis.Client
	origin string
}

// NewRedisPublisher constructs a publisher. origin tags messages so the local relay can skip its own.
func NewRedisPublisher(client *redis.Client, origin string) *RedisPublisher {
	return &RedisPublisher{client: client, origin: origin}
}

// Publish sends the event to the room's channel.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, event Event) error {
	payload, err := Message{Topic: topic, Event: event, Origin: p.origin}.marshal()
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, RedisChannel(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close releases the redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Relay forwards room events published by other instances into the local hub.
type Relay struct {
	client *redis.Client
	hub    *Hub
	origin string
	logger *zap.Logger
}

// NewRelay constructs a relay. Messages whose origin equals origin are skipped.
func NewRelay(client *redis.Client, hub *Hub, origin string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{client: client, hub: hub, origin: origin, logger: logger}
}

// Run subscribes to every room channel and blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	channel := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case received, ok := <-channel:
			if !ok {
				return nil
			}
			r.handle(received.Channel, received.Payload)
		}
	}
}

func (r *Relay) handle(channel, payload string) {
	message, err := unmarshalMessage([]byte(payload))
	if err != nil {
		r.logger.Warn("relay dropped malformed event", zap.String("channel", channel), zap.Error(err))
		return
	}
	if message.Origin != "" && message.Origin == r.origin {
		return
	}
	if strings.TrimPrefix(channel, redisChannelPrefix) != message.Topic {
		r.logger.Warn("relay dropped event with mismatched topic",
			zap.String("channel", channel),
			zap.String("topic", message.Topic))
		return
	}
	r.hub.Deliver(message)
}
