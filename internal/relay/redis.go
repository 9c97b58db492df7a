// Package relay mirrors local broadcasts to other processes over Redis
// pub/sub so connections held by another node still receive them.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope is one broadcast crossing process boundaries. An empty Channel
// addresses every connection.
type Envelope struct {
	Node       string          `json:"node"`
	Channel    string          `json:"channel"`
	ExceptUser int64           `json:"except_user,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// RedisRelay publishes and receives envelopes on one Redis channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisRelay constructs a relay on the given pub/sub channel.
func NewRedisRelay(client *redis.Client, channel string, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, logger: logger}
}

// Publish sends env to every subscribed node, including this one.
func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run delivers received envelopes to handle until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, handle func(Envelope)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("dropping malformed relay envelope", zap.Error(err))
				continue
			}
			handle(env)
		}
	}
}

// Decode parses a published envelope.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, err
	}
	if len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("relay envelope without payload")
	}
	return env, nil
}
