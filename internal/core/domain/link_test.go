package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinkStateTransitions(t *testing.T) {
	tests := []struct {
		from, to LinkState
		allowed  bool
	}{
		{LinkNew, LinkConnecting, true},
		{LinkNew, LinkConnected, true},
		{LinkNew, LinkFailed, false},
		{LinkConnecting, LinkConnected, true},
		{LinkConnecting, LinkFailed, true},
		{LinkConnecting, LinkConnecting, false},
		{LinkConnected, LinkDisconnected, true},
		{LinkConnected, LinkConnecting, false},
		{LinkConnected, LinkClosed, true},
		{LinkNew, LinkClosed, true},
		{LinkFailed, LinkClosed, false},
		{LinkClosed, LinkConnected, false},
		{LinkDisconnected, LinkConnected, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestQualityTierOrdering(t *testing.T) {
	assert.Equal(t, TierHigh, TierUltra.Lower())
	assert.Equal(t, TierLow, TierLow.Lower())
	assert.Equal(t, TierUltra, TierUltra.Higher())
	assert.Equal(t, TierMedium, TierLow.Higher())
	assert.True(t, TierHigh.Above(TierMedium))
	assert.False(t, TierLow.Above(TierMedium))
	assert.False(t, QualityTier("4k").Valid())
}

func TestDefaultPresetsCoverEveryTier(t *testing.T) {
	presets := DefaultPresets()
	for _, tier := range Tiers {
		p, ok := presets[tier]
		if assert.True(t, ok, "missing preset %s", tier) {
			assert.Equal(t, tier, p.Tier)
			assert.Less(t, p.MinBitrate, p.MaxBitrate)
		}
	}
}
