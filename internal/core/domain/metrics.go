package domain

import "time"

// TransportStats is one sample of a connection's outbound transport.
type TransportStats struct {
	Timestamp        time.Time
	PacketsSent      uint64
	PacketsLost      uint64
	PacketLoss       float64 // fraction 0-1
	RoundTripTime    time.Duration
	Jitter           time.Duration
	Bitrate          int // kbps, measured outbound
	AvailableBitrate int // kbps, remote estimate
	FrameWidth       int
	FrameHeight      int
	FrameRate        float64
}

type QualityMetrics struct {
	ParticipantID ParticipantID
	Stats         TransportStats
	Score         float64 // 0-100
	Quality       ConnectionQuality
}
