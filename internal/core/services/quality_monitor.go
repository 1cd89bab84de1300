package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// StatsSource is anything that can report a transport stats sample.
type StatsSource interface {
	Stats(ctx context.Context) (domain.TransportStats, error)
}

type QualityMonitorConfig struct {
	Interval         time.Duration
	FailureThreshold int // consecutive failed samples before backing off
	BackoffIntervals int // intervals skipped while backing off
	MaxTrips         int // consecutive back-offs before giving up
	Thresholds       ScoreThresholds
	Clock            func() time.Time
}

func DefaultQualityMonitorConfig() QualityMonitorConfig {
	return QualityMonitorConfig{
		Interval:         2 * time.Second,
		FailureThreshold: 3,
		BackoffIntervals: 4,
		MaxTrips:         5,
		Thresholds:       DefaultScoreThresholds(),
	}
}

// QualityMonitor samples one connection on a fixed interval and reports a
// scored QualityMetrics per successful sample.
type QualityMonitor struct {
	participantID domain.ParticipantID
	source        StatsSource
	config        QualityMonitorConfig
	breaker       *circuitbreaker.CircuitBreaker
	logger        *zap.SugaredLogger

	mu       sync.Mutex
	running  bool
	gaveUp   bool
	cancel   context.CancelFunc
	onSample func(domain.QualityMetrics)
	onGiveUp func(error)
}

func NewQualityMonitor(
	participantID domain.ParticipantID,
	source StatsSource,
	config QualityMonitorConfig,
	logger *zap.SugaredLogger,
) *QualityMonitor {
	if config.Interval <= 0 {
		config.Interval = DefaultQualityMonitorConfig().Interval
	}
	if config.Thresholds == (ScoreThresholds{}) {
		config.Thresholds = DefaultScoreThresholds()
	}
	return &QualityMonitor{
		participantID: participantID,
		source:        source,
		config:        config,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold:    config.FailureThreshold,
			SuccessThreshold:    1,
			Timeout:             time.Duration(config.BackoffIntervals) * config.Interval,
			MaxRequestsHalfOpen: 1,
			Clock:               config.Clock,
		}),
		logger: logger,
	}
}

func (m *QualityMonitor) OnSample(fn func(domain.QualityMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSample = fn
}

// OnGiveUp is called once when sampling is abandoned after repeated back-offs.
func (m *QualityMonitor) OnGiveUp(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGiveUp = fn
}

// Start begins periodic sampling. Calling Start on a running monitor is a no-op.
func (m *QualityMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	if m.gaveUp {
		m.gaveUp = false
		m.breaker.Reset()
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	go m.run(ctx)
}

// Stop ends sampling. It does not wait for an in-flight sample; callers must
// tolerate one late callback.
func (m *QualityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.cancel()
}

func (m *QualityMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *QualityMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Tick(ctx) {
				return
			}
		}
	}
}

// Tick takes one sample through the breaker and dispatches the result. It
// returns false once the monitor has given up.
func (m *QualityMonitor) Tick(ctx context.Context) bool {
	metrics, err := m.Sample(ctx)
	if err == nil {
		m.mu.Lock()
		fn := m.onSample
		m.mu.Unlock()
		if fn != nil {
			fn(metrics)
		}
		return true
	}

	if errors.Is(err, circuitbreaker.ErrOpen) || ctx.Err() != nil {
		return true
	}

	trips := m.breaker.Trips()
	m.logger.Debugw("quality sample failed",
		"participant_id", m.participantID,
		"trips", trips,
		"error", err,
	)
	if m.config.MaxTrips <= 0 || trips < m.config.MaxTrips {
		return true
	}

	m.mu.Lock()
	fn := m.onGiveUp
	first := !m.gaveUp
	m.gaveUp = true
	if m.running {
		m.running = false
		m.cancel()
	}
	m.mu.Unlock()

	m.logger.Warnw("quality sampling abandoned",
		"participant_id", m.participantID,
		"trips", trips,
		"error", err,
	)
	if fn != nil && first {
		fn(fmt.Errorf("quality sampling for %s abandoned after %d back-offs: %w", m.participantID, trips, err))
	}
	return false
}

// Sample reads one stats snapshot through the breaker and scores it.
func (m *QualityMonitor) Sample(ctx context.Context) (domain.QualityMetrics, error) {
	stats, err := circuitbreaker.Do(ctx, m.breaker, func() (domain.TransportStats, error) {
		return m.source.Stats(ctx)
	})
	if err != nil {
		return domain.QualityMetrics{}, err
	}
	score := m.config.Thresholds.Score(stats)
	return domain.QualityMetrics{
		ParticipantID: m.participantID,
		Stats:         stats,
		Score:         score,
		Quality:       domain.QualityFromScore(score),
	}, nil
}
