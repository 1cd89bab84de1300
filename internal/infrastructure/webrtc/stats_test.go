package webrtc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIngestReceiverReport(t *testing.T) {
	s := newStatsCollector(fixedClock(time.Unix(1700000000, 0)))

	s.ingest([]rtcp.Packet{&rtcp.ReceiverReport{
		Reports: []rtcp.ReceptionReport{{SSRC: 1, FractionLost: 64, Jitter: 900}},
	}}, 90000)

	stats := s.snapshot(webrtc.StatsReport{})
	assert.InDelta(t, 0.25, stats.PacketLoss, 1e-9)
	assert.Equal(t, 10*time.Millisecond, stats.Jitter)
	assert.Zero(t, stats.RoundTripTime)
}

func TestIngestKeepsWorstSSRC(t *testing.T) {
	s := newStatsCollector(fixedClock(time.Unix(1700000000, 0)))

	s.ingest([]rtcp.Packet{&rtcp.ReceiverReport{
		Reports: []rtcp.ReceptionReport{
			{SSRC: 1, FractionLost: 8},
			{SSRC: 2, FractionLost: 32},
		},
	}}, 0)

	stats := s.snapshot(webrtc.StatsReport{})
	assert.InDelta(t, 0.125, stats.PacketLoss, 1e-9)
	assert.Zero(t, stats.Jitter)
}

func TestRoundTripFromReport(t *testing.T) {
	now := time.Unix(1700000000, 0)
	lsr := ntpMiddle32(now.Add(-150 * time.Millisecond))
	dlsr := uint32(50 * 65536 / 1000)

	rtt := roundTrip(now, lsr, dlsr)
	assert.InDelta(t, 100, float64(rtt.Milliseconds()), 1)

	assert.Zero(t, roundTrip(now, 0, dlsr))
	// A delay longer than the elapsed time wraps around.
	assert.Zero(t, roundTrip(now, lsr, uint32(65536)))
}

func TestSnapshotFallsBackToCandidatePair(t *testing.T) {
	s := newStatsCollector(fixedClock(time.Unix(1700000000, 0)))

	stats := s.snapshot(webrtc.StatsReport{
		"pair-1": webrtc.ICECandidatePairStats{
			Nominated:                true,
			CurrentRoundTripTime:     0.08,
			AvailableOutgoingBitrate: 1500000,
		},
		"pair-2": webrtc.ICECandidatePairStats{
			CurrentRoundTripTime: 0.5,
		},
	})

	assert.Equal(t, 80*time.Millisecond, stats.RoundTripTime)
	assert.Equal(t, 1500, stats.AvailableBitrate)
}

func TestSnapshotUsesRemoteInboundLoss(t *testing.T) {
	s := newStatsCollector(fixedClock(time.Unix(1700000000, 0)))

	stats := s.snapshot(webrtc.StatsReport{
		"remote": webrtc.RemoteInboundRTPStreamStats{
			PacketsLost:   12,
			FractionLost:  0.04,
			RoundTripTime: 0.12,
		},
	})

	assert.InDelta(t, 0.04, stats.PacketLoss, 1e-9)
	assert.Equal(t, uint64(12), stats.PacketsLost)
	assert.Equal(t, 120*time.Millisecond, stats.RoundTripTime)
}

func TestREMBCapsAvailableBitrate(t *testing.T) {
	s := newStatsCollector(fixedClock(time.Unix(1700000000, 0)))
	s.ingest([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: 900000}}, 0)

	stats := s.snapshot(webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{Nominated: true, AvailableOutgoingBitrate: 2000000},
	})
	assert.Equal(t, 900, stats.AvailableBitrate)
}

func TestBitrateFromBytesSent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := newStatsCollector(func() time.Time { return now })

	first := s.snapshot(webrtc.StatsReport{
		"out": webrtc.OutboundRTPStreamStats{PacketsSent: 10, BytesSent: 0},
	})
	assert.Zero(t, first.Bitrate)
	assert.Equal(t, uint64(10), first.PacketsSent)

	now = now.Add(time.Second)
	second := s.snapshot(webrtc.StatsReport{
		"out": webrtc.OutboundRTPStreamStats{PacketsSent: 110, BytesSent: 125000},
	})
	assert.Equal(t, 1000, second.Bitrate)
	assert.Equal(t, now, second.Timestamp)
}

func TestSilentSSRCExpires(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := newStatsCollector(func() time.Time { return now })

	s.ingest([]rtcp.Packet{&rtcp.ReceiverReport{
		Reports: []rtcp.ReceptionReport{{SSRC: 2, FractionLost: 102}},
	}}, 0)
	assert.InDelta(t, 0.398, s.snapshot(webrtc.StatsReport{}).PacketLoss, 0.001)

	// SSRC 2 goes quiet while SSRC 1 keeps reporting a clean link.
	for i := 0; i < 300; i++ {
		now = now.Add(2 * time.Second)
		s.ingest([]rtcp.Packet{&rtcp.ReceiverReport{
			Reports: []rtcp.ReceptionReport{{SSRC: 1}},
		}}, 0)
	}

	stats := s.snapshot(webrtc.StatsReport{})
	assert.Zero(t, stats.PacketLoss)
	assert.Len(t, s.reports, 1)
}

func TestREMBExpires(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := newStatsCollector(func() time.Time { return now })
	s.ingest([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: 300000}}, 0)

	pair := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{Nominated: true, AvailableOutgoingBitrate: 2000000},
	}
	assert.Equal(t, 300, s.snapshot(pair).AvailableBitrate)

	now = now.Add(feedbackTTL + time.Second)
	assert.Equal(t, 2000, s.snapshot(pair).AvailableBitrate)
}
