package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errStatsUnavailable = errors.New("stats unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestScore(t *testing.T) {
	tests := []struct {
		name  string
		stats domain.TransportStats
		want  float64
	}{
		{
			name:  "clean network",
			stats: domain.TransportStats{PacketLoss: 0, RoundTripTime: 20 * time.Millisecond, Jitter: 5 * time.Millisecond},
			want:  100,
		},
		{
			name:  "everything at or past the bad threshold",
			stats: domain.TransportStats{PacketLoss: 0.2, RoundTripTime: time.Second, Jitter: 200 * time.Millisecond},
			want:  0,
		},
		{
			name:  "loss alone is bad",
			stats: domain.TransportStats{PacketLoss: 0.10, RoundTripTime: 20 * time.Millisecond, Jitter: 5 * time.Millisecond},
			want:  60,
		},
		{
			name:  "rtt halfway along its ramp",
			stats: domain.TransportStats{RoundTripTime: 275 * time.Millisecond},
			want:  40 + 35*0.5 + 25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.stats), 0.001)
		})
	}
}

func TestScoreMapsToQuality(t *testing.T) {
	clean := domain.TransportStats{RoundTripTime: 20 * time.Millisecond}
	assert.Equal(t, domain.QualityExcellent, domain.QualityFromScore(Score(clean)))

	lossy := domain.TransportStats{PacketLoss: 0.10, RoundTripTime: 500 * time.Millisecond}
	assert.Equal(t, domain.QualityDisconnected, domain.QualityFromScore(Score(lossy)))
}

func TestQualityMonitorTickDeliversSample(t *testing.T) {
	stats := domain.TransportStats{PacketLoss: 0.001, RoundTripTime: 30 * time.Millisecond, Bitrate: 900}
	source := testutils.NewStaticStats(testutils.StatsResult{Stats: stats})

	m := NewQualityMonitor("p1", source, DefaultQualityMonitorConfig(), zap.NewNop().Sugar())
	var got []domain.QualityMetrics
	m.OnSample(func(qm domain.QualityMetrics) { got = append(got, qm) })

	assert.True(t, m.Tick(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, domain.ParticipantID("p1"), got[0].ParticipantID)
	assert.Equal(t, 900, got[0].Stats.Bitrate)
	assert.Equal(t, domain.QualityExcellent, got[0].Quality)
}

func TestQualityMonitorGivesUpAfterRepeatedBackoffs(t *testing.T) {
	clock := newFakeClock()
	cfg := QualityMonitorConfig{
		Interval:         time.Second,
		FailureThreshold: 3,
		BackoffIntervals: 4,
		MaxTrips:         5,
		Clock:            clock.Now,
	}
	source := testutils.NewStaticStats(testutils.StatsResult{Err: errStatsUnavailable})
	m := NewQualityMonitor("p1", source, cfg, zap.NewNop().Sugar())

	var giveUps []error
	m.OnGiveUp(func(err error) { giveUps = append(giveUps, err) })
	m.OnSample(func(domain.QualityMetrics) { t.Fatal("unexpected sample") })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.True(t, m.Tick(ctx))
	}
	assert.Equal(t, 3, source.Calls())

	// While backing off the source is not polled.
	assert.True(t, m.Tick(ctx))
	assert.Equal(t, 3, source.Calls())

	for trip := 2; trip < 5; trip++ {
		clock.Advance(4 * time.Second)
		assert.True(t, m.Tick(ctx), "trip %d", trip)
	}
	assert.Empty(t, giveUps)

	clock.Advance(4 * time.Second)
	assert.False(t, m.Tick(ctx))
	require.Len(t, giveUps, 1)
	assert.ErrorIs(t, giveUps[0], errStatsUnavailable)

	// Later ticks never report a second give-up.
	clock.Advance(4 * time.Second)
	m.Tick(ctx)
	assert.Len(t, giveUps, 1)
	assert.False(t, m.Running())
}

func TestQualityMonitorRecoversBeforeGivingUp(t *testing.T) {
	clock := newFakeClock()
	cfg := QualityMonitorConfig{
		Interval:         time.Second,
		FailureThreshold: 1,
		BackoffIntervals: 1,
		MaxTrips:         3,
		Clock:            clock.Now,
	}
	source := testutils.NewStaticStats(
		testutils.StatsResult{Err: errStatsUnavailable},
		testutils.StatsResult{Err: errStatsUnavailable},
		testutils.StatsResult{Stats: domain.TransportStats{RoundTripTime: 40 * time.Millisecond}},
	)
	m := NewQualityMonitor("p1", source, cfg, zap.NewNop().Sugar())

	samples := 0
	m.OnSample(func(domain.QualityMetrics) { samples++ })
	m.OnGiveUp(func(error) { t.Fatal("monitor gave up") })

	ctx := context.Background()
	assert.True(t, m.Tick(ctx))
	clock.Advance(time.Second)
	assert.True(t, m.Tick(ctx))
	clock.Advance(time.Second)
	assert.True(t, m.Tick(ctx))
	assert.Equal(t, 1, samples)
}

func TestQualityMonitorStartStopIdempotent(t *testing.T) {
	source := testutils.NewStaticStats()
	cfg := DefaultQualityMonitorConfig()
	cfg.Interval = time.Hour
	m := NewQualityMonitor("p1", source, cfg, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	m.Start(ctx)
	assert.True(t, m.Running())

	m.Stop()
	m.Stop()
	assert.False(t, m.Running())
}
