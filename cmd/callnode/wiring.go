package main

import (
	"fmt"
	"strings"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/services"
	"callmesh/internal/infrastructure/capture"
	"callmesh/internal/infrastructure/signal"
	webrtcinfra "callmesh/internal/infrastructure/webrtc"
	"callmesh/pkg/config"
	"callmesh/pkg/retry"
	"callmesh/pkg/tracing"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v3"
)

func presetsFromConfig(cfg *config.Config) domain.Presets {
	presets := make(domain.Presets, len(cfg.Media.Presets))
	for name, p := range cfg.Media.Presets {
		tier := domain.QualityTier(name)
		presets[tier] = domain.MediaPreset{
			Tier: tier,
			Video: domain.VideoConstraints{
				Width:     p.Video.Width,
				Height:    p.Video.Height,
				FrameRate: p.Video.FrameRate,
			},
			Audio: domain.AudioConstraints{
				EchoCancellation: p.Audio.EchoCancellation,
				NoiseSuppression: p.Audio.NoiseSuppression,
				AutoGainControl:  p.Audio.AutoGainControl,
				SampleRate:       p.Audio.SampleRate,
				ChannelCount:     p.Audio.ChannelCount,
			},
			MinBitrate: p.MinBitrate,
			MaxBitrate: p.MaxBitrate,
		}
	}
	return presets
}

func screenFromConfig(cfg *config.Config) domain.ScreenConstraints {
	return domain.ScreenConstraints{
		Width:     cfg.Media.Screen.Width,
		Height:    cfg.Media.Screen.Height,
		FrameRate: cfg.Media.Screen.FrameRate,
		Audio:     cfg.Media.Screen.Audio,
	}
}

func coordinatorConfig(cfg *config.Config) services.CoordinatorConfig {
	c := services.DefaultCoordinatorConfig()
	c.Presets = presetsFromConfig(cfg)
	c.InitialTier = domain.QualityTier(cfg.Media.InitialTier)

	c.QualityMonitoring = cfg.Quality.Enabled
	c.Quality.Interval = cfg.Quality.Interval
	c.Quality.FailureThreshold = cfg.Quality.FailureThreshold
	c.Quality.BackoffIntervals = cfg.Quality.BackoffIntervals
	c.Quality.MaxTrips = cfg.Quality.MaxTrips

	c.AdaptiveBitrate = cfg.Adaptation.Enabled
	c.Adaptation.Interval = cfg.Adaptation.Interval
	c.Adaptation.IncreaseStep = cfg.Adaptation.IncreaseStep
	c.Adaptation.MinIncrease = cfg.Adaptation.MinIncrease
	c.Adaptation.DecreaseFactor = cfg.Adaptation.DecreaseFactor
	c.Adaptation.SoftDecreaseFactor = cfg.Adaptation.SoftDecreaseFactor
	c.Adaptation.BackoffDuration = cfg.Adaptation.BackoffDuration
	c.Adaptation.MinChangeRatio = cfg.Adaptation.MinChangeRatio
	c.Adaptation.TierSwitchTicks = cfg.Adaptation.TierSwitchTicks

	c.DataChannelLabel = cfg.DataChannel.Label
	c.MessagesPerSecond = cfg.DataChannel.MessagesPerSecond
	c.MessageBurst = cfg.DataChannel.Burst
	return c
}

func factoryConfig(cfg *config.Config) webrtcinfra.Config {
	var c webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	c.Codecs = cfg.WebRTC.Codecs
	return c
}

func identityFromConfig(cfg *config.Config) signal.Identity {
	return signal.Identity{
		CallID:        cfg.Node.CallID,
		ParticipantID: domain.ParticipantID(cfg.Node.ParticipantID),
		UserID:        domain.UserID(cfg.Node.UserID),
		DisplayName:   cfg.Node.DisplayName,
		Role:          domain.Role(cfg.Node.Role),
	}
}

func reconnectPolicy(cfg *config.Config) retry.Config {
	r := retry.DefaultConfig()
	r.MaxAttempts = cfg.Signaling.MaxReconnects
	if cfg.Signaling.ReconnectDelay > 0 {
		r.InitialDelay = cfg.Signaling.ReconnectDelay
	}
	r.MaxDelay = 30 * cfg.Signaling.ReconnectDelay
	return r
}

func tracingConfig(cfg *config.Config) tracing.Config {
	t := tracing.DefaultConfig()
	t.Enabled = cfg.Tracing.Enabled
	t.JaegerURL = cfg.Tracing.JaegerEndpoint
	t.SampleRate = cfg.Tracing.SampleRate
	t.Environment = cfg.Tracing.Environment
	return t
}

// codecSelector builds encoders for the configured codecs with the video
// bitrate set to maxKbps, or left at the encoder default when it is zero.
func codecSelector(cfg *config.Config, maxKbps int) (*mediadevices.CodecSelector, error) {
	var video []codec.VideoEncoderBuilder
	var audio []codec.AudioEncoderBuilder

	for _, name := range cfg.WebRTC.Codecs {
		switch strings.ToLower(name) {
		case "vp8":
			params, err := vpx.NewVP8Params()
			if err != nil {
				return nil, fmt.Errorf("vp8 params: %w", err)
			}
			if maxKbps > 0 {
				params.BitRate = maxKbps * 1000
			}
			video = append(video, &params)
		case "vp9":
			params, err := vpx.NewVP9Params()
			if err != nil {
				return nil, fmt.Errorf("vp9 params: %w", err)
			}
			if maxKbps > 0 {
				params.BitRate = maxKbps * 1000
			}
			video = append(video, &params)
		case "opus":
			params, err := opus.NewParams()
			if err != nil {
				return nil, fmt.Errorf("opus params: %w", err)
			}
			audio = append(audio, &params)
		}
	}
	if len(video) == 0 || len(audio) == 0 {
		return nil, fmt.Errorf("webrtc.codecs %v needs one of vp8, vp9 and opus", cfg.WebRTC.Codecs)
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(video...),
		mediadevices.WithAudioEncoders(audio...),
	), nil
}

func codecSelectors(cfg *config.Config) capture.CodecSelectorFunc {
	return func(maxKbps int) (*mediadevices.CodecSelector, error) {
		return codecSelector(cfg, maxKbps)
	}
}

// populate registers the codecs the media engine advertises. Bitrate does
// not affect the advertised set.
func populate(selector *mediadevices.CodecSelector) webrtcinfra.MediaEngineSetup {
	return func(m *webrtc.MediaEngine) error {
		selector.Populate(m)
		return nil
	}
}
