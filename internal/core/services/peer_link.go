package services

import (
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"golang.org/x/time/rate"
)

// PeerLink is everything the coordinator keeps for one remote participant.
// All fields are guarded by the owning Coordinator's mutex.
type PeerLink struct {
	ParticipantID domain.ParticipantID
	UserID        domain.UserID
	IsInitiator   bool
	CreatedAt     time.Time

	conn         ports.PeerConnection
	state        domain.LinkState
	tier         domain.QualityTier
	channel      ports.DataChannel
	remoteStream *ports.RemoteStream
	videoSender  ports.RTPSender
	audioSender  ports.RTPSender
	monitor      *QualityMonitor
	controller   *BitrateController
	limiter      *rate.Limiter
}

func newPeerLink(
	participantID domain.ParticipantID,
	userID domain.UserID,
	isInitiator bool,
	conn ports.PeerConnection,
	tier domain.QualityTier,
	limiter *rate.Limiter,
) *PeerLink {
	return &PeerLink{
		ParticipantID: participantID,
		UserID:        userID,
		IsInitiator:   isInitiator,
		CreatedAt:     time.Now(),
		conn:          conn,
		state:         domain.LinkNew,
		tier:          tier,
		limiter:       limiter,
	}
}

// transition moves the link to next when the state machine allows it.
func (l *PeerLink) transition(next domain.LinkState) bool {
	if !l.state.CanTransition(next) {
		return false
	}
	l.state = next
	return true
}

func (l *PeerLink) channelOpen() bool {
	return l.channel != nil && l.channel.ReadyState() == webrtc.DataChannelStateOpen
}

func (l *PeerLink) stopWorkers() {
	if l.monitor != nil {
		l.monitor.Stop()
	}
	if l.controller != nil {
		l.controller.Stop()
	}
}

func (l *PeerLink) info() ports.LinkInfo {
	info := ports.LinkInfo{
		ParticipantID: l.ParticipantID,
		UserID:        l.UserID,
		State:         l.state,
		Tier:          l.tier,
		IsInitiator:   l.IsInitiator,
		ChannelOpen:   l.channelOpen(),
		CreatedAt:     l.CreatedAt,
	}
	if l.videoSender != nil {
		info.MaxBitrate = l.videoSender.MaxBitrate()
	}
	return info
}

// mapConnectionState translates transport states into link states. The second
// result is false for states that do not move the link.
func mapConnectionState(s webrtc.PeerConnectionState) (domain.LinkState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.LinkConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return domain.LinkConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return domain.LinkDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.LinkFailed, true
	case webrtc.PeerConnectionStateClosed:
		return domain.LinkClosed, true
	}
	return "", false
}
