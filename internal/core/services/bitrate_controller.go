package services

import (
	"context"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"go.uber.org/zap"
)

type AdaptationConfig struct {
	Interval           time.Duration
	IncreaseStep       float64 // fraction of the current bitrate added on increase
	MinIncrease        int     // kbps
	DecreaseFactor     float64
	SoftDecreaseFactor float64
	PoorLoss           float64
	PoorRTT            time.Duration
	GoodLoss           float64
	GoodRTT            time.Duration
	StableSamples      int // good samples in a row before increasing
	BackoffDuration    time.Duration
	MinChangeRatio     float64
	TierSwitchTicks    int
	Clock              func() time.Time
}

func DefaultAdaptationConfig() AdaptationConfig {
	return AdaptationConfig{
		Interval:           2 * time.Second,
		IncreaseStep:       0.10,
		MinIncrease:        50,
		DecreaseFactor:     0.8,
		SoftDecreaseFactor: 0.95,
		PoorLoss:           0.05,
		PoorRTT:            300 * time.Millisecond,
		GoodLoss:           0.02,
		GoodRTT:            150 * time.Millisecond,
		StableSamples:      2,
		BackoffDuration:    5 * time.Second,
		MinChangeRatio:     0.05,
		TierSwitchTicks:    3,
	}
}

type networkCondition int

const (
	conditionGood networkCondition = iota
	conditionFair
	conditionPoor
)

func (c networkCondition) String() string {
	switch c {
	case conditionGood:
		return "good"
	case conditionFair:
		return "fair"
	default:
		return "poor"
	}
}

// BitrateController adjusts one link's outbound video bitrate with AIMD and
// steps the link's tier when the bitrate is pinned at a bound.
type BitrateController struct {
	participantID domain.ParticipantID
	source        StatsSource
	sender        ports.RTPSender
	presets       domain.Presets
	config        AdaptationConfig
	now           func() time.Time
	logger        *zap.SugaredLogger

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	tier         domain.QualityTier
	maxTier      domain.QualityTier
	bitrate      int
	lastDecrease time.Time
	goodStreak   int
	floorTicks   int
	ceilingTicks int
	onAdapted    func(kbps int, tier domain.QualityTier)
}

func NewBitrateController(
	participantID domain.ParticipantID,
	source StatsSource,
	sender ports.RTPSender,
	presets domain.Presets,
	tier domain.QualityTier,
	config AdaptationConfig,
	logger *zap.SugaredLogger,
) *BitrateController {
	if config.Interval <= 0 {
		config.Interval = DefaultAdaptationConfig().Interval
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &BitrateController{
		participantID: participantID,
		source:        source,
		sender:        sender,
		presets:       presets,
		config:        config,
		now:           now,
		logger:        logger,
		tier:          tier,
		maxTier:       tier,
		bitrate:       presets[tier].MaxBitrate,
	}
}

func (c *BitrateController) OnAdapted(fn func(kbps int, tier domain.QualityTier)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAdapted = fn
}

func (c *BitrateController) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	go c.run(ctx)
}

func (c *BitrateController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.cancel()
}

func (c *BitrateController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *BitrateController) Tier() domain.QualityTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

func (c *BitrateController) Bitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitrate
}

// SetTier makes tier both the current tier and the ceiling adaptation may
// climb back to, and caps the sender at the tier's maximum bitrate.
func (c *BitrateController) SetTier(tier domain.QualityTier) error {
	preset, ok := c.presets[tier]
	if !ok {
		return domain.ErrUnknownTier
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sender.SetMaxBitrate(preset.MaxBitrate); err != nil {
		return err
	}
	c.tier = tier
	c.maxTier = tier
	c.bitrate = preset.MaxBitrate
	c.goodStreak = 0
	c.floorTicks = 0
	c.ceilingTicks = 0
	return nil
}

func (c *BitrateController) run(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := c.source.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debugw("bitrate adaptation skipped",
						"participant_id", c.participantID,
						"error", err,
					)
				}
				continue
			}
			c.Observe(stats)
		}
	}
}

func (c *BitrateController) classify(stats domain.TransportStats) networkCondition {
	switch {
	case stats.PacketLoss >= c.config.PoorLoss || stats.RoundTripTime >= c.config.PoorRTT:
		return conditionPoor
	case stats.PacketLoss < c.config.GoodLoss && stats.RoundTripTime < c.config.GoodRTT:
		return conditionGood
	default:
		return conditionFair
	}
}

func clampBitrate(kbps int, preset domain.MediaPreset) int {
	if kbps < preset.MinBitrate {
		return preset.MinBitrate
	}
	if kbps > preset.MaxBitrate {
		return preset.MaxBitrate
	}
	return kbps
}

// Observe feeds one stats sample into the controller and applies the resulting
// bitrate when it changed enough. It reports whether a change was applied.
func (c *BitrateController) Observe(stats domain.TransportStats) bool {
	c.mu.Lock()

	now := c.now()
	cond := c.classify(stats)
	preset := c.presets[c.tier]
	target := c.bitrate

	switch cond {
	case conditionPoor:
		target = int(float64(c.bitrate) * c.config.DecreaseFactor)
		c.goodStreak = 0
	case conditionFair:
		target = int(float64(c.bitrate) * c.config.SoftDecreaseFactor)
		c.goodStreak = 0
	case conditionGood:
		c.goodStreak++
		if c.goodStreak >= c.config.StableSamples && now.Sub(c.lastDecrease) >= c.config.BackoffDuration {
			step := int(float64(c.bitrate) * c.config.IncreaseStep)
			if step < c.config.MinIncrease {
				step = c.config.MinIncrease
			}
			target = c.bitrate + step
		}
	}
	if stats.AvailableBitrate > 0 && target > stats.AvailableBitrate {
		target = stats.AvailableBitrate
	}
	target = clampBitrate(target, preset)

	if target <= preset.MinBitrate && cond != conditionGood {
		c.floorTicks++
	} else {
		c.floorTicks = 0
	}
	if target >= preset.MaxBitrate && cond == conditionGood {
		c.ceilingTicks++
	} else {
		c.ceilingTicks = 0
	}

	tier := c.tier
	switch {
	case c.floorTicks >= c.config.TierSwitchTicks && c.tier.Lower() != c.tier:
		tier = c.tier.Lower()
	case c.ceilingTicks >= c.config.TierSwitchTicks && c.maxTier.Above(c.tier):
		tier = c.tier.Higher()
	}
	tierChanged := tier != c.tier
	if tierChanged {
		target = clampBitrate(target, c.presets[tier])
	}

	delta := target - c.bitrate
	if delta < 0 {
		delta = -delta
	}
	if !tierChanged && float64(delta) < c.config.MinChangeRatio*float64(c.bitrate) {
		c.mu.Unlock()
		return false
	}

	if err := c.sender.SetMaxBitrate(target); err != nil {
		c.mu.Unlock()
		c.logger.Warnw("failed to apply bitrate",
			"participant_id", c.participantID,
			"bitrate_kbps", target,
			"error", err,
		)
		return false
	}

	previous := c.bitrate
	c.bitrate = target
	// Backoff starts only from a decrease that reached the sender.
	if target < previous {
		c.lastDecrease = now
	}
	if tierChanged {
		c.tier = tier
		c.floorTicks = 0
		c.ceilingTicks = 0
	}
	fn := c.onAdapted
	c.mu.Unlock()

	c.logger.Infow("bitrate adapted",
		"participant_id", c.participantID,
		"condition", cond.String(),
		"from_kbps", previous,
		"to_kbps", target,
		"tier", tier,
	)
	if fn != nil {
		fn(target, tier)
	}
	return true
}
