package services

import (
	"context"
	"errors"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"go.uber.org/zap"
)

// MediaCapture opens local capture devices under the configured presets.
type MediaCapture struct {
	devices ports.MediaDevices
	presets domain.Presets
	screen  domain.ScreenConstraints
	logger  *zap.SugaredLogger
}

func NewMediaCapture(
	devices ports.MediaDevices,
	presets domain.Presets,
	screen domain.ScreenConstraints,
	logger *zap.SugaredLogger,
) *MediaCapture {
	return &MediaCapture{
		devices: devices,
		presets: presets,
		screen:  screen,
		logger:  logger,
	}
}

// fallbackTier is the single reduced profile tried after tier fails.
func fallbackTier(tier domain.QualityTier) (domain.QualityTier, bool) {
	switch {
	case tier.Above(domain.TierMedium):
		return domain.TierMedium, true
	case tier == domain.TierMedium:
		return domain.TierLow, true
	}
	return tier, false
}

// Acquire opens the camera and microphone at tier. On failure it retries once
// with a reduced profile and returns the tier that succeeded.
func (m *MediaCapture) Acquire(ctx context.Context, tier domain.QualityTier) (ports.MediaStream, domain.QualityTier, error) {
	preset, ok := m.presets[tier]
	if !ok {
		return nil, tier, domain.ErrUnknownTier
	}

	stream, err := m.devices.GetUserMedia(ctx, preset)
	if err != nil {
		fallback, ok := fallbackTier(tier)
		if _, known := m.presets[fallback]; !ok || !known {
			return nil, tier, &domain.MediaAccessError{Capability: domain.CapabilityCamera, Cause: err}
		}
		m.logger.Warnw("camera/microphone unavailable at preferred preset, retrying",
			"tier", tier,
			"fallback_tier", fallback,
			"error", err,
		)
		tier = fallback
		stream, err = m.devices.GetUserMedia(ctx, m.presets[tier])
		if err != nil {
			return nil, tier, &domain.MediaAccessError{Capability: domain.CapabilityCamera, Cause: err}
		}
	}

	if err := m.widen(stream, m.presets[tier].Video); err != nil {
		m.logger.Debugw("could not widen video constraints", "tier", tier, "error", err)
	}
	return stream, tier, nil
}

func (m *MediaCapture) widen(stream ports.MediaStream, video domain.VideoConstraints) error {
	lo, hi := video.Widened()
	var errs []error
	for _, track := range stream.VideoTracks() {
		if err := m.devices.ApplyConstraints(track, lo, hi); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recapture opens the camera and microphone at exactly tier. The encoder
// bitrate is fixed when a track is opened, so a tier change needs new tracks.
func (m *MediaCapture) Recapture(ctx context.Context, tier domain.QualityTier) (ports.MediaStream, error) {
	preset, ok := m.presets[tier]
	if !ok {
		return nil, domain.ErrUnknownTier
	}
	stream, err := m.devices.GetUserMedia(ctx, preset)
	if err != nil {
		return nil, &domain.MediaAccessError{Capability: domain.CapabilityCamera, Cause: err}
	}
	if err := m.widen(stream, preset.Video); err != nil {
		m.logger.Debugw("could not widen video constraints", "tier", tier, "error", err)
	}
	return stream, nil
}

func (m *MediaCapture) ScreenConstraints() domain.ScreenConstraints {
	return m.screen
}

func (m *MediaCapture) AcquireScreen(ctx context.Context) (ports.MediaStream, error) {
	stream, err := m.devices.GetDisplayMedia(ctx, m.screen)
	if err != nil {
		return nil, &domain.MediaAccessError{Capability: domain.CapabilityScreen, Cause: err}
	}
	if len(stream.VideoTracks()) == 0 {
		ports.StopStream(stream)
		return nil, &domain.MediaAccessError{
			Capability: domain.CapabilityScreen,
			Cause:      errors.New("display stream has no video track"),
		}
	}
	return stream, nil
}
