package webrtc

import (
	"sync"
	"time"

	"callmesh/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// feedbackTTL bounds how long RTCP feedback counts toward a sample. An SSRC
// that stops being reported (track removed, sender replaced) drops out.
const feedbackTTL = 10 * time.Second

// reception is the latest receiver report the remote side sent about one of
// our outbound SSRCs.
type reception struct {
	fractionLost float64
	jitter       time.Duration
	rtt          time.Duration
	at           time.Time
}

// statsCollector merges RTCP feedback read from our senders with the
// transport's own stats report into one TransportStats sample.
type statsCollector struct {
	now func() time.Time

	mu          sync.Mutex
	reports     map[uint32]reception
	rembKbps    int
	rembAt      time.Time
	prevBytes   uint64
	prevAt      time.Time
	lastBitrate int
}

func newStatsCollector(now func() time.Time) *statsCollector {
	if now == nil {
		now = time.Now
	}
	return &statsCollector{now: now, reports: make(map[uint32]reception)}
}

func ntpMiddle32(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return uint32((secs<<32 | frac) >> 16)
}

// roundTrip computes RTT from a report block's LSR and DLSR, both in 1/65536
// second units. It returns zero when no sender report has been echoed yet.
func roundTrip(arrival time.Time, lastSenderReport, delay uint32) time.Duration {
	if lastSenderReport == 0 {
		return 0
	}
	rtt := ntpMiddle32(arrival) - lastSenderReport - delay
	// Clock skew can push the result past half the range; treat that as unknown.
	if rtt > 1<<31 {
		return 0
	}
	return time.Duration(rtt) * time.Second / 65536
}

// ingest records the feedback in packets. clockRate converts jitter from RTP
// timestamp units; zero leaves jitter unset.
func (s *statsCollector) ingest(packets []rtcp.Packet, clockRate uint32) {
	arrival := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				r := reception{
					fractionLost: float64(report.FractionLost) / 256,
					rtt:          roundTrip(arrival, report.LastSenderReport, report.Delay),
					at:           arrival,
				}
				if clockRate > 0 {
					r.jitter = time.Duration(report.Jitter) * time.Second / time.Duration(clockRate)
				}
				s.reports[report.SSRC] = r
			}
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			s.rembKbps = int(p.Bitrate / 1000)
			s.rembAt = arrival
		}
	}
}

// snapshot builds a sample from the RTCP state and report. The worst value
// across SSRCs wins for loss, jitter and RTT.
func (s *statsCollector) snapshot(report webrtc.StatsReport) domain.TransportStats {
	now := s.now()
	stats := domain.TransportStats{Timestamp: now}

	var (
		bytesSent      uint64
		pairRTT        time.Duration
		remoteLoss     float64
		remoteRTT      time.Duration
		remotePackets  uint64
		haveRemoteLoss bool
	)
	for _, entry := range report {
		switch v := entry.(type) {
		case webrtc.ICECandidatePairStats:
			if !v.Nominated {
				continue
			}
			pairRTT = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
			if v.AvailableOutgoingBitrate > 0 {
				stats.AvailableBitrate = int(v.AvailableOutgoingBitrate / 1000)
			}
		case webrtc.OutboundRTPStreamStats:
			bytesSent += v.BytesSent
			stats.PacketsSent += uint64(v.PacketsSent)
		case webrtc.RemoteInboundRTPStreamStats:
			if v.PacketsLost > 0 {
				remotePackets += uint64(v.PacketsLost)
			}
			if v.FractionLost > remoteLoss {
				remoteLoss = v.FractionLost
			}
			haveRemoteLoss = true
			if rtt := time.Duration(v.RoundTripTime * float64(time.Second)); rtt > remoteRTT {
				remoteRTT = rtt
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire(now)
	for _, r := range s.reports {
		if r.fractionLost > stats.PacketLoss {
			stats.PacketLoss = r.fractionLost
		}
		if r.jitter > stats.Jitter {
			stats.Jitter = r.jitter
		}
		if r.rtt > stats.RoundTripTime {
			stats.RoundTripTime = r.rtt
		}
	}
	if len(s.reports) == 0 && haveRemoteLoss {
		stats.PacketLoss = remoteLoss
	}
	stats.PacketsLost = remotePackets
	if stats.RoundTripTime == 0 {
		stats.RoundTripTime = remoteRTT
	}
	if stats.RoundTripTime == 0 {
		stats.RoundTripTime = pairRTT
	}

	if s.rembKbps > 0 && (stats.AvailableBitrate == 0 || s.rembKbps < stats.AvailableBitrate) {
		stats.AvailableBitrate = s.rembKbps
	}

	if !s.prevAt.IsZero() && bytesSent >= s.prevBytes {
		if elapsed := now.Sub(s.prevAt); elapsed > 0 {
			s.lastBitrate = int(float64(bytesSent-s.prevBytes) * 8 / elapsed.Seconds() / 1000)
		}
	}
	s.prevBytes = bytesSent
	s.prevAt = now
	stats.Bitrate = s.lastBitrate

	return stats
}

// expire drops feedback older than feedbackTTL. Must be called with mu held.
func (s *statsCollector) expire(now time.Time) {
	for ssrc, r := range s.reports {
		if now.Sub(r.at) > feedbackTTL {
			delete(s.reports, ssrc)
		}
	}
	if s.rembKbps > 0 && now.Sub(s.rembAt) > feedbackTTL {
		s.rembKbps = 0
	}
}
