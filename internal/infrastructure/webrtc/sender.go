package webrtc

import (
	"sync"

	"callmesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// rtpSender remembers the bitrate cap so it survives track replacement.
// The cap reaches the encoder only when the current track implements
// ports.BitrateLimiter.
type rtpSender struct {
	sender *webrtc.RTPSender

	mu   sync.Mutex
	kbps int
}

func newRTPSender(sender *webrtc.RTPSender) *rtpSender {
	return &rtpSender{sender: sender}
}

func (s *rtpSender) Track() webrtc.TrackLocal {
	return s.sender.Track()
}

func (s *rtpSender) ReplaceTrack(track webrtc.TrackLocal) error {
	if err := s.sender.ReplaceTrack(track); err != nil {
		return err
	}
	s.mu.Lock()
	kbps := s.kbps
	s.mu.Unlock()
	if limiter, ok := track.(ports.BitrateLimiter); ok && kbps > 0 {
		return limiter.SetMaxBitrate(kbps)
	}
	return nil
}

func (s *rtpSender) SetMaxBitrate(kbps int) error {
	s.mu.Lock()
	s.kbps = kbps
	s.mu.Unlock()
	if limiter, ok := s.sender.Track().(ports.BitrateLimiter); ok {
		return limiter.SetMaxBitrate(kbps)
	}
	return nil
}

func (s *rtpSender) MaxBitrate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kbps
}
