package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"callmesh/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Video struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FrameRate float64 `yaml:"frame_rate"`
}

type Audio struct {
	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control"`
	SampleRate       int  `yaml:"sample_rate"`
	ChannelCount     int  `yaml:"channel_count"`
}

type Preset struct {
	Video      Video `yaml:"video"`
	Audio      Audio `yaml:"audio"`
	MinBitrate int   `yaml:"min_bitrate"` // kbps
	MaxBitrate int   `yaml:"max_bitrate"` // kbps
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

var tierNames = []string{"ultra", "high", "medium", "low"}

type Config struct {
	Node struct {
		ParticipantID string `yaml:"participant_id"`
		UserID        string `yaml:"user_id"`
		DisplayName   string `yaml:"display_name"`
		Role          string `yaml:"role"`
		CallID        string `yaml:"call_id"`
	} `yaml:"node"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		Codecs []string `yaml:"codecs"`
	} `yaml:"webrtc"`

	Media struct {
		InitialTier string            `yaml:"initial_tier"`
		Presets     map[string]Preset `yaml:"presets"`
		Screen      struct {
			Width     int     `yaml:"width"`
			Height    int     `yaml:"height"`
			FrameRate float64 `yaml:"frame_rate"`
			Audio     bool    `yaml:"audio"`
		} `yaml:"screen"`
	} `yaml:"media"`

	Quality struct {
		Enabled          bool          `yaml:"enabled"`
		Interval         time.Duration `yaml:"interval"`
		FailureThreshold int           `yaml:"failure_threshold"`
		BackoffIntervals int           `yaml:"backoff_intervals"`
		MaxTrips         int           `yaml:"max_trips"`
	} `yaml:"quality"`

	Adaptation struct {
		Enabled            bool          `yaml:"enabled"`
		Interval           time.Duration `yaml:"interval"`
		IncreaseStep       float64       `yaml:"increase_step"`
		MinIncrease        int           `yaml:"min_increase"` // kbps
		DecreaseFactor     float64       `yaml:"decrease_factor"`
		SoftDecreaseFactor float64       `yaml:"soft_decrease_factor"`
		BackoffDuration    time.Duration `yaml:"backoff_duration"`
		MinChangeRatio     float64       `yaml:"min_change_ratio"`
		TierSwitchTicks    int           `yaml:"tier_switch_ticks"`
	} `yaml:"adaptation"`

	DataChannel struct {
		Label             string  `yaml:"label"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"datachannel"`

	Signaling struct {
		Transport      string        `yaml:"transport"` // websocket | redis
		URL            string        `yaml:"url"`
		RedisAddress   string        `yaml:"redis_address"`
		RedisPassword  string        `yaml:"redis_password"`
		RedisDB        int           `yaml:"redis_db"`
		TokenSecret    string        `yaml:"token_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		MaxReconnects  int           `yaml:"max_reconnects"`
	} `yaml:"signaling"`

	HTTP struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		// Per client IP, applied to the control endpoints.
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`

		// Control endpoints require a bearer token signed with
		// signaling.token_secret.
		RequireAuth bool `yaml:"require_auth"`
	} `yaml:"http"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
		Environment    string  `yaml:"environment"`
	} `yaml:"tracing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Node
	if err := validation.ValidateParticipantID(c.Node.ParticipantID); err != nil {
		return fmt.Errorf("node.participant_id: %w", err)
	}
	if c.Node.CallID != "" {
		if err := validation.ValidateCallID(c.Node.CallID); err != nil {
			return fmt.Errorf("node.call_id: %w", err)
		}
	}
	switch c.Node.Role {
	case "host", "moderator", "participant":
	default:
		return fmt.Errorf("node.role must be one of host, moderator, participant")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if len(c.WebRTC.Codecs) == 0 {
		return fmt.Errorf("webrtc.codecs must not be empty")
	}

	// Media
	if _, ok := c.Media.Presets[c.Media.InitialTier]; !ok {
		return fmt.Errorf("media.initial_tier %q has no preset", c.Media.InitialTier)
	}
	for _, name := range tierNames {
		p, ok := c.Media.Presets[name]
		if !ok {
			return fmt.Errorf("media.presets.%s is required", name)
		}
		if p.Video.Width <= 0 || p.Video.Height <= 0 || p.Video.FrameRate <= 0 {
			return fmt.Errorf("media.presets.%s.video must have positive width, height and frame_rate", name)
		}
		if p.MinBitrate <= 0 || p.MaxBitrate < p.MinBitrate {
			return fmt.Errorf("media.presets.%s bitrate range is invalid", name)
		}
	}

	// Quality
	if c.Quality.Enabled {
		if c.Quality.Interval <= 0 {
			return fmt.Errorf("quality.interval must be > 0")
		}
		if c.Quality.FailureThreshold <= 0 {
			return fmt.Errorf("quality.failure_threshold must be > 0")
		}
		if c.Quality.BackoffIntervals <= 0 {
			return fmt.Errorf("quality.backoff_intervals must be > 0")
		}
		if c.Quality.MaxTrips <= 0 {
			return fmt.Errorf("quality.max_trips must be > 0")
		}
	}

	// Adaptation
	if c.Adaptation.Enabled {
		if c.Adaptation.Interval <= 0 {
			return fmt.Errorf("adaptation.interval must be > 0")
		}
		if c.Adaptation.IncreaseStep <= 0 {
			return fmt.Errorf("adaptation.increase_step must be > 0")
		}
		if c.Adaptation.DecreaseFactor <= 0 || c.Adaptation.DecreaseFactor >= 1 {
			return fmt.Errorf("adaptation.decrease_factor must be in (0, 1)")
		}
		if c.Adaptation.SoftDecreaseFactor <= 0 || c.Adaptation.SoftDecreaseFactor > 1 {
			return fmt.Errorf("adaptation.soft_decrease_factor must be in (0, 1]")
		}
		if c.Adaptation.TierSwitchTicks <= 0 {
			return fmt.Errorf("adaptation.tier_switch_ticks must be > 0")
		}
	}

	// Data channel
	if c.DataChannel.Label == "" {
		return fmt.Errorf("datachannel.label must not be empty")
	}
	if c.DataChannel.MessagesPerSecond <= 0 {
		return fmt.Errorf("datachannel.messages_per_second must be > 0")
	}
	if c.DataChannel.Burst <= 0 {
		return fmt.Errorf("datachannel.burst must be > 0")
	}

	// Signaling
	switch c.Signaling.Transport {
	case "websocket":
		if err := validation.ValidateSignalingURL(c.Signaling.URL); err != nil {
			return fmt.Errorf("signaling.url: %w", err)
		}
	case "redis":
		if c.Signaling.RedisAddress == "" {
			return fmt.Errorf("signaling.redis_address must not be empty for redis transport")
		}
	default:
		return fmt.Errorf("signaling.transport must be websocket or redis")
	}
	if c.Signaling.MaxReconnects < 0 {
		return fmt.Errorf("signaling.max_reconnects must be >= 0")
	}

	// HTTP
	if c.HTTP.Enabled && c.HTTP.Address == "" {
		return fmt.Errorf("http.address must not be empty when http.enabled=true")
	}
	if c.HTTP.RequestsPerSecond < 0 || c.HTTP.Burst < 0 {
		return fmt.Errorf("http rate limit values must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func preset(w, h int, fps float64, minKbps, maxKbps int) Preset {
	return Preset{
		Video: Video{Width: w, Height: h, FrameRate: fps},
		Audio: Audio{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			SampleRate:       48000,
			ChannelCount:     1,
		},
		MinBitrate: minKbps,
		MaxBitrate: maxKbps,
	}
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Node.Role = "participant"

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.Codecs = []string{"vp8", "vp9", "h264", "opus"}

	cfg.Media.InitialTier = "high"
	cfg.Media.Presets = map[string]Preset{
		"ultra":  preset(1920, 1080, 30, 2500, 4000),
		"high":   preset(1280, 720, 30, 1200, 2500),
		"medium": preset(640, 480, 24, 500, 1200),
		"low":    preset(320, 240, 15, 150, 500),
	}
	cfg.Media.Screen.Width = 1920
	cfg.Media.Screen.Height = 1080
	cfg.Media.Screen.FrameRate = 15

	cfg.Quality.Enabled = true
	cfg.Quality.Interval = 2 * time.Second
	cfg.Quality.FailureThreshold = 3
	cfg.Quality.BackoffIntervals = 4
	cfg.Quality.MaxTrips = 5

	cfg.Adaptation.Enabled = true
	cfg.Adaptation.Interval = 2 * time.Second
	cfg.Adaptation.IncreaseStep = 0.10
	cfg.Adaptation.MinIncrease = 50
	cfg.Adaptation.DecreaseFactor = 0.8
	cfg.Adaptation.SoftDecreaseFactor = 0.95
	cfg.Adaptation.BackoffDuration = 5 * time.Second
	cfg.Adaptation.MinChangeRatio = 0.05
	cfg.Adaptation.TierSwitchTicks = 3

	cfg.DataChannel.Label = "callmesh"
	cfg.DataChannel.MessagesPerSecond = 20
	cfg.DataChannel.Burst = 40

	cfg.Signaling.Transport = "websocket"
	cfg.Signaling.URL = "ws://localhost:8081/ws"
	cfg.Signaling.RedisAddress = "localhost:6379"
	cfg.Signaling.TokenSecret = "change-me-in-production"
	cfg.Signaling.TokenTTL = time.Hour
	cfg.Signaling.PingInterval = 30 * time.Second
	cfg.Signaling.PongTimeout = 60 * time.Second
	cfg.Signaling.ReconnectDelay = time.Second
	cfg.Signaling.MaxReconnects = 5

	cfg.HTTP.Enabled = true
	cfg.HTTP.Address = ":8090"
	cfg.HTTP.ReadTimeout = 10 * time.Second
	cfg.HTTP.WriteTimeout = 10 * time.Second
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.HTTP.RequestsPerSecond = 10
	cfg.HTTP.Burst = 20
	cfg.HTTP.RequireAuth = true

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0
	cfg.Tracing.Environment = "development"

	cfg.Logging.Level = "info"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("CALLMESH_PARTICIPANT_ID"); id != "" {
		c.Node.ParticipantID = id
	}
	if id := os.Getenv("CALLMESH_USER_ID"); id != "" {
		c.Node.UserID = id
	}
	if name := os.Getenv("CALLMESH_DISPLAY_NAME"); name != "" {
		c.Node.DisplayName = name
	}
	if id := os.Getenv("CALLMESH_CALL_ID"); id != "" {
		c.Node.CallID = id
	}
	if url := os.Getenv("CALLMESH_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if addr := os.Getenv("CALLMESH_REDIS_ADDRESS"); addr != "" {
		c.Signaling.RedisAddress = addr
	}
	if secret := os.Getenv("CALLMESH_TOKEN_SECRET"); secret != "" {
		c.Signaling.TokenSecret = secret
	}
	if addr := os.Getenv("CALLMESH_HTTP_ADDRESS"); addr != "" {
		c.HTTP.Address = addr
	}
	if level := os.Getenv("CALLMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("CALLMESH_ADAPTIVE_BITRATE"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Adaptation.Enabled = enabled
		}
	}
}
