package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddRelayCheck reports the signaling relay as unhealthy while it has no
// live connection.
func (h *HealthChecker) AddRelayCheck(connected func() bool) {
	h.AddCheck("signaling", func(ctx context.Context) error {
		if !connected() {
			return errors.New("not connected to signaling server")
		}
		return nil
	}, 0)
}

// AddMediaCheck reports unhealthy until local media has been acquired.
func (h *HealthChecker) AddMediaCheck(ready func() bool) {
	h.AddCheck("media", func(ctx context.Context) error {
		if !ready() {
			return errors.New("local media not initialized")
		}
		return nil
	}, 0)
}
