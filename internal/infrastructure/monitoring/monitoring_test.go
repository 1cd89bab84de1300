package monitoring

import (
	"context"
	"testing"
	"time"

	"callmesh/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestCollectorTracksLinks(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.LinkOpened("alice")
	c.LinkOpened("bob")
	c.LinkClosed("bob", domain.LinkFailed)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.linksActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.linksOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.linksClosed.WithLabelValues("failed")))
}

func TestCollectorQualityAndBitrate(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.QualitySampled(domain.QualityMetrics{
		ParticipantID: "alice",
		Score:         82.5,
		Stats:         domain.TransportStats{PacketLoss: 0.02, RoundTripTime: 120 * time.Millisecond},
	})
	c.BitrateAdapted("alice", 1800, domain.TierHigh)

	assert.Equal(t, 82.5, testutil.ToFloat64(c.qualityScore.WithLabelValues("alice")))
	assert.Equal(t, 0.02, testutil.ToFloat64(c.packetLoss.WithLabelValues("alice")))
	assert.Equal(t, 1800.0, testutil.ToFloat64(c.linkBitrate.WithLabelValues("alice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bitrateAdaptations.WithLabelValues("high")))

	c.LinkOpened("alice")
	c.LinkClosed("alice", domain.LinkClosed)
	assert.Equal(t, 0, testutil.CollectAndCount(c.qualityScore))
	assert.Equal(t, 0, testutil.CollectAndCount(c.linkBitrate))
}

func TestCollectorMessages(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.MessageSent(domain.MessageChat)
	c.MessageSent(domain.MessageChat)
	c.MessageReceived(domain.MessageReaction)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("reaction")))
}

func TestCollectorsOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(context.Context) error { return nil }, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	connected := false
	h.AddRelayCheck(func() bool { return connected })
	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["ok"])
	assert.Equal(t, "not connected to signaling server", status.Checks["signaling"])

	connected = true
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthCheckTimeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestMediaAndRedisChecks(t *testing.T) {
	h := NewHealthChecker()
	h.AddMediaCheck(func() bool { return false })
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	h.AddRedisCheck(client, 200*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "local media not initialized", status.Checks["media"])
	assert.NotEqual(t, "healthy", status.Checks["redis"])
}
