package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type relayEnvelope struct {
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
}

// RedisRelay fans room emits out to every instance through one Redis
// pub/sub channel.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

func NewRedisRelay(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: prefix + ":ws:relay", logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, room string, data []byte) error {
	payload, err := json.Marshal(relayEnvelope{Room: room, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode relay message: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Start returns once the subscription is confirmed, so emits published
// afterwards are not missed.
func (r *RedisRelay) Start(ctx context.Context, deliver func(room string, data []byte)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env relayEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("dropping malformed relay message", zap.Error(err))
					continue
				}
				deliver(env.Room, env.Data)
			}
		}
	}()
	return nil
}
