package signal

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay exchanges envelopes over one pub/sub channel per call. Every
// subscriber sees every envelope; recipients filter by address.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *zap.SugaredLogger
}

func NewRedisRelay(client *redis.Client, callID string, logger *zap.SugaredLogger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: CallChannel(callID),
		logger:  logger,
	}
}

// CallChannel names the pub/sub channel for callID.
func CallChannel(callID string) string {
	return "callmesh:call:" + callID
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	r.logger.Debugw("published envelope",
		"type", env.Type,
		"from", env.From,
		"to", env.To,
	)
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, onReady func(), handler func(Envelope)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription confirmation so nothing published after
	// onReady is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	if onReady != nil {
		onReady()
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrRelayClosed
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				r.logger.Warnw("failed to decode envelope",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			handler(env)
		}
	}
}

// Close releases the client connection pool.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
