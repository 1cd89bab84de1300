package ports

import (
	"context"

	"callmesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type LocalTrack interface {
	webrtc.TrackLocal
	OnEnded(fn func(error))
	Close() error
}

type MediaStream interface {
	ID() string
	AudioTracks() []LocalTrack
	VideoTracks() []LocalTrack
}

type MediaDevices interface {
	GetUserMedia(ctx context.Context, preset domain.MediaPreset) (MediaStream, error)
	GetDisplayMedia(ctx context.Context, constraints domain.ScreenConstraints) (MediaStream, error)
	ApplyConstraints(track LocalTrack, lo, hi domain.VideoConstraints) error
}

// StopStream closes every track of s.
func StopStream(s MediaStream) {
	if s == nil {
		return
	}
	for _, t := range s.AudioTracks() {
		_ = t.Close()
	}
	for _, t := range s.VideoTracks() {
		_ = t.Close()
	}
}
