package services

import (
	"time"

	"callmesh/internal/core/domain"
)

// Score weights. Loss hurts conversational media the most, then delay.
const (
	lossWeight   = 0.40
	rttWeight    = 0.35
	jitterWeight = 0.25
)

// ScoreThresholds bound the linear ramp of each score component: at or below
// Good a component scores 100, at or above Bad it scores 0.
type ScoreThresholds struct {
	GoodLoss, BadLoss     float64
	GoodRTT, BadRTT       time.Duration
	GoodJitter, BadJitter time.Duration
}

func DefaultScoreThresholds() ScoreThresholds {
	return ScoreThresholds{
		GoodLoss:   0.005,
		BadLoss:    0.10,
		GoodRTT:    50 * time.Millisecond,
		BadRTT:     500 * time.Millisecond,
		GoodJitter: 10 * time.Millisecond,
		BadJitter:  100 * time.Millisecond,
	}
}

func ramp(value, good, bad float64) float64 {
	switch {
	case value <= good:
		return 100
	case value >= bad:
		return 0
	}
	return 100 * (bad - value) / (bad - good)
}

// Score combines loss, RTT and jitter into a 0-100 quality score.
func (t ScoreThresholds) Score(stats domain.TransportStats) float64 {
	loss := ramp(stats.PacketLoss, t.GoodLoss, t.BadLoss)
	rtt := ramp(float64(stats.RoundTripTime), float64(t.GoodRTT), float64(t.BadRTT))
	jitter := ramp(float64(stats.Jitter), float64(t.GoodJitter), float64(t.BadJitter))
	return loss*lossWeight + rtt*rttWeight + jitter*jitterWeight
}

func Score(stats domain.TransportStats) float64 {
	return DefaultScoreThresholds().Score(stats)
}
