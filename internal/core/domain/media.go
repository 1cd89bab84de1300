package domain

type VideoConstraints struct {
	Width     int     `yaml:"width" json:"width"`
	Height    int     `yaml:"height" json:"height"`
	FrameRate float64 `yaml:"frame_rate" json:"frame_rate"`
}

// Widened returns a range around v that a device may settle into when the exact
// values cannot be met.
func (v VideoConstraints) Widened() (lo, hi VideoConstraints) {
	lo = VideoConstraints{Width: v.Width / 2, Height: v.Height / 2, FrameRate: v.FrameRate / 2}
	return lo, v
}

type AudioConstraints struct {
	EchoCancellation bool `yaml:"echo_cancellation" json:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression" json:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control" json:"auto_gain_control"`
	SampleRate       int  `yaml:"sample_rate" json:"sample_rate"`
	ChannelCount     int  `yaml:"channel_count" json:"channel_count"`
}

type MediaPreset struct {
	Tier       QualityTier      `yaml:"-" json:"tier"`
	Video      VideoConstraints `yaml:"video" json:"video"`
	Audio      AudioConstraints `yaml:"audio" json:"audio"`
	MinBitrate int              `yaml:"min_bitrate" json:"min_bitrate"` // kbps
	MaxBitrate int              `yaml:"max_bitrate" json:"max_bitrate"` // kbps
}

type ScreenConstraints struct {
	Width     int     `yaml:"width" json:"width"`
	Height    int     `yaml:"height" json:"height"`
	FrameRate float64 `yaml:"frame_rate" json:"frame_rate"`
	Audio     bool    `yaml:"audio" json:"audio"`
}

type Presets map[QualityTier]MediaPreset

func defaultAudio() AudioConstraints {
	return AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		ChannelCount:     1,
	}
}

func DefaultPresets() Presets {
	return Presets{
		TierUltra: {
			Tier:       TierUltra,
			Video:      VideoConstraints{Width: 1920, Height: 1080, FrameRate: 30},
			Audio:      defaultAudio(),
			MinBitrate: 2500,
			MaxBitrate: 4000,
		},
		TierHigh: {
			Tier:       TierHigh,
			Video:      VideoConstraints{Width: 1280, Height: 720, FrameRate: 30},
			Audio:      defaultAudio(),
			MinBitrate: 1200,
			MaxBitrate: 2500,
		},
		TierMedium: {
			Tier:       TierMedium,
			Video:      VideoConstraints{Width: 640, Height: 480, FrameRate: 24},
			Audio:      defaultAudio(),
			MinBitrate: 500,
			MaxBitrate: 1200,
		},
		TierLow: {
			Tier:       TierLow,
			Video:      VideoConstraints{Width: 320, Height: 240, FrameRate: 15},
			Audio:      defaultAudio(),
			MinBitrate: 150,
			MaxBitrate: 500,
		},
	}
}

func DefaultScreenConstraints() ScreenConstraints {
	return ScreenConstraints{Width: 1920, Height: 1080, FrameRate: 15}
}
