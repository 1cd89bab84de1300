package ports

import (
	"context"

	"callmesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerConnection is the transport a single Peer Link negotiates over.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (RTPSender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	CreateDataChannel(label string) (DataChannel, error)

	OnTrack(fn func(RemoteTrack))
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnDataChannel(fn func(DataChannel))

	Stats(ctx context.Context) (domain.TransportStats, error)
	Close() error
}

type RTPSender interface {
	Track() webrtc.TrackLocal
	// ReplaceTrack swaps the outbound track without renegotiation. A nil track
	// keeps the sender but stops sending media.
	ReplaceTrack(track webrtc.TrackLocal) error
	SetMaxBitrate(kbps int) error
	MaxBitrate() int
}

type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(text string) error
	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(data []byte))
	Close() error
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream groups the inbound tracks a participant sends under one stream id.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

type ConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// BitrateLimiter is implemented by local tracks whose encoder accepts a runtime
// bitrate cap.
type BitrateLimiter interface {
	SetMaxBitrate(kbps int) error
}
