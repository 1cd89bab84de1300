package signal

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisRelayChannelPerCall(t *testing.T) {
	relay := NewRedisRelay(unreachableRedis(), "standup", zap.NewNop().Sugar())
	defer relay.Close()
	assert.Equal(t, "callmesh:call:standup", relay.channel)
}

func TestRedisRelayPublishFailsWithoutServer(t *testing.T) {
	relay := NewRedisRelay(unreachableRedis(), "standup", zap.NewNop().Sugar())
	defer relay.Close()

	err := relay.Publish(context.Background(), Envelope{Type: TypeJoin, CallID: "standup", From: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish envelope")
}

func TestRedisRelaySubscribeFailsWithoutServer(t *testing.T) {
	relay := NewRedisRelay(unreachableRedis(), "standup", zap.NewNop().Sugar())
	defer relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	called := false
	err := relay.Subscribe(ctx, func() { called = true }, func(Envelope) {})
	require.Error(t, err)
	assert.False(t, called)
}

func TestEnvelopeRoundTripThroughCodec(t *testing.T) {
	data, err := encodeEnvelope(Envelope{Type: TypeLeave, CallID: "standup", From: "alice"})
	require.NoError(t, err)

	env, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, TypeLeave, env.Type)
	assert.EqualValues(t, "alice", env.From)
}
