package testutils

import (
	"context"
	"errors"
	"sync"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

var ErrDeviceUnavailable = errors.New("device unavailable")

// MockTrack is a local track with no encoder behind it.
type MockTrack struct {
	mu       sync.Mutex
	id       string
	streamID string
	kind     webrtc.RTPCodecType
	closed   bool
	onEnded  func(error)
}

func NewMockTrack(streamID string, kind webrtc.RTPCodecType) *MockTrack {
	return &MockTrack{id: uuid.NewString(), streamID: streamID, kind: kind}
}

func (t *MockTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}

func (t *MockTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *MockTrack) ID() string                            { return t.id }
func (t *MockTrack) RID() string                           { return "" }
func (t *MockTrack) StreamID() string                      { return t.streamID }
func (t *MockTrack) Kind() webrtc.RTPCodecType             { return t.kind }

func (t *MockTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

func (t *MockTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *MockTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// End simulates the source going away, e.g. the user stopping a screen share
// from the system UI.
func (t *MockTrack) End(err error) {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type MockStream struct {
	id    string
	audio []ports.LocalTrack
	video []ports.LocalTrack
}

func NewMockStream(withAudio, withVideo bool) *MockStream {
	s := &MockStream{id: uuid.NewString()}
	if withAudio {
		s.audio = append(s.audio, NewMockTrack(s.id, webrtc.RTPCodecTypeAudio))
	}
	if withVideo {
		s.video = append(s.video, NewMockTrack(s.id, webrtc.RTPCodecTypeVideo))
	}
	return s
}

func (s *MockStream) ID() string                      { return s.id }
func (s *MockStream) AudioTracks() []ports.LocalTrack { return s.audio }
func (s *MockStream) VideoTracks() []ports.LocalTrack { return s.video }

func (s *MockStream) Video() *MockTrack {
	if len(s.video) == 0 {
		return nil
	}
	return s.video[0].(*MockTrack)
}

func (s *MockStream) Audio() *MockTrack {
	if len(s.audio) == 0 {
		return nil
	}
	return s.audio[0].(*MockTrack)
}

// AllClosed reports whether every track of s has been closed.
func (s *MockStream) AllClosed() bool {
	for _, t := range append(s.AudioTracks(), s.VideoTracks()...) {
		if !t.(*MockTrack).Closed() {
			return false
		}
	}
	return true
}

// MockMediaDevices opens MockStreams. Capture at any tier listed in FailTiers
// fails; everything else succeeds.
type MockMediaDevices struct {
	mu sync.Mutex

	FailTiers      map[domain.QualityTier]bool
	DisplayErr     error
	DisplayNoVideo bool
	ApplyErr       error

	UserMediaCalls []domain.MediaPreset
	ApplyCalls     int
	streams        []*MockStream
	screens        []*MockStream
}

func NewMockMediaDevices() *MockMediaDevices {
	return &MockMediaDevices{FailTiers: make(map[domain.QualityTier]bool)}
}

func (d *MockMediaDevices) GetUserMedia(ctx context.Context, preset domain.MediaPreset) (ports.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.UserMediaCalls = append(d.UserMediaCalls, preset)
	if d.FailTiers[preset.Tier] {
		return nil, ErrDeviceUnavailable
	}
	s := NewMockStream(true, true)
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *MockMediaDevices) GetDisplayMedia(ctx context.Context, constraints domain.ScreenConstraints) (ports.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}
	s := NewMockStream(constraints.Audio, !d.DisplayNoVideo)
	d.screens = append(d.screens, s)
	return s, nil
}

func (d *MockMediaDevices) ApplyConstraints(track ports.LocalTrack, lo, hi domain.VideoConstraints) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ApplyCalls++
	return d.ApplyErr
}

func (d *MockMediaDevices) Streams() []*MockStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockStream(nil), d.streams...)
}

func (d *MockMediaDevices) Screens() []*MockStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockStream(nil), d.screens...)
}
