package capture

import (
	"context"
	"errors"
	"fmt"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
)

// ErrConstraintsUnsupported is returned by ApplyConstraints: mediadevices
// fixes a track's properties when the driver is opened.
var ErrConstraintsUnsupported = errors.New("live constraint changes are not supported")

// CodecSelectorFunc builds the encoders for a capture whose video targets
// maxKbps. Zero leaves the encoder default.
type CodecSelectorFunc func(maxKbps int) (*mediadevices.CodecSelector, error)

// Devices opens local capture drivers registered with mediadevices. Which
// drivers exist depends on the driver packages the binary imports.
type Devices struct {
	codecs CodecSelectorFunc
	logger *zap.SugaredLogger
}

// NewDevices returns a capture backend whose tracks encode with the selector
// codecs builds for each capture. A nil codecs yields tracks that cannot be
// bound to a peer connection, which is enough for device probing.
func NewDevices(codecs CodecSelectorFunc, logger *zap.SugaredLogger) *Devices {
	return &Devices{codecs: codecs, logger: logger}
}

func (d *Devices) selector(maxKbps int) (*mediadevices.CodecSelector, error) {
	if d.codecs == nil {
		return nil, nil
	}
	return d.codecs(maxKbps)
}

func (d *Devices) GetUserMedia(ctx context.Context, preset domain.MediaPreset) (ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	selector, err := d.selector(preset.MaxBitrate)
	if err != nil {
		return nil, fmt.Errorf("codecs for %s: %w", preset.Tier, err)
	}
	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(preset.Video.Width)
			c.Height = prop.Int(preset.Video.Height)
			c.FrameRate = prop.Float(preset.Video.FrameRate)
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if preset.Audio.SampleRate > 0 {
				c.SampleRate = prop.Int(preset.Audio.SampleRate)
			}
			if preset.Audio.ChannelCount > 0 {
				c.ChannelCount = prop.Int(preset.Audio.ChannelCount)
			}
		},
		Codec: selector,
	}
	s, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	stream := wrap(s)
	d.logger.Debugw("user media opened",
		"stream_id", stream.ID(),
		"tier", preset.Tier,
		"audio_tracks", len(stream.audio),
		"video_tracks", len(stream.video),
	)
	return stream, nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context, constraints domain.ScreenConstraints) (ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if constraints.Audio {
		d.logger.Debug("display audio requested but not captured")
	}
	selector, err := d.selector(0)
	if err != nil {
		return nil, fmt.Errorf("codecs for display: %w", err)
	}
	s, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if constraints.FrameRate > 0 {
				c.FrameRate = prop.Float(constraints.FrameRate)
			}
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	return wrap(s), nil
}

func (d *Devices) ApplyConstraints(track ports.LocalTrack, lo, hi domain.VideoConstraints) error {
	return ErrConstraintsUnsupported
}

type stream struct {
	id    string
	audio []ports.LocalTrack
	video []ports.LocalTrack
}

func wrap(s mediadevices.MediaStream) *stream {
	out := &stream{id: uuid.NewString()}
	for _, t := range s.GetAudioTracks() {
		out.audio = append(out.audio, t)
	}
	for _, t := range s.GetVideoTracks() {
		out.video = append(out.video, t)
	}
	return out
}

func (s *stream) ID() string                      { return s.id }
func (s *stream) AudioTracks() []ports.LocalTrack { return s.audio }
func (s *stream) VideoTracks() []ports.LocalTrack { return s.video }
