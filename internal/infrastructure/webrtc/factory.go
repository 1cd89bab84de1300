package webrtc

import (
	"fmt"
	"strings"
	"time"

	"callmesh/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// Codecs lists codec names in order of preference.
	Codecs []string
}

// MediaEngineSetup registers codecs on a MediaEngine. Capture backends that
// bring their own encoders supply one so the SDP matches what they produce.
type MediaEngineSetup func(m *webrtc.MediaEngine) error

type Option func(*Factory)

func WithMediaEngineSetup(setup MediaEngineSetup) Option {
	return func(f *Factory) { f.setup = setup }
}

// WithClock overrides the clock used for RTT and bitrate calculations.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// Factory builds peer connections that share one configured API.
type Factory struct {
	config Config
	setup  MediaEngineSetup
	now    func() time.Time
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewFactory(config Config, logger *zap.SugaredLogger, opts ...Option) (*Factory, error) {
	f := &Factory{config: config, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	if f.setup == nil {
		f.setup = func(m *webrtc.MediaEngine) error { return registerCodecs(m, config.Codecs) }
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := f.setup(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	f.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return f, nil
}

func (f *Factory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newConnection(pc, newStatsCollector(f.now), f.logger), nil
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

var knownCodecs = map[string]struct {
	params webrtc.RTPCodecParameters
	kind   webrtc.RTPCodecType
}{
	"vp8": {
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback},
			PayloadType:        96,
		},
		kind: webrtc.RTPCodecTypeVideo,
	},
	"vp9": {
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0", RTCPFeedback: videoFeedback},
			PayloadType:        98,
		},
		kind: webrtc.RTPCodecTypeVideo,
	},
	"h264": {
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 102,
		},
		kind: webrtc.RTPCodecTypeVideo,
	},
	"opus": {
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
			PayloadType:        111,
		},
		kind: webrtc.RTPCodecTypeAudio,
	},
}

// registerCodecs registers names in the given order, which is the order they
// are offered in. An empty list registers every known codec.
func registerCodecs(m *webrtc.MediaEngine, names []string) error {
	if len(names) == 0 {
		names = []string{"vp8", "vp9", "h264", "opus"}
	}
	for _, name := range names {
		codec, ok := knownCodecs[strings.ToLower(name)]
		if !ok {
			return fmt.Errorf("unsupported codec %q", name)
		}
		if err := m.RegisterCodec(codec.params, codec.kind); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}
