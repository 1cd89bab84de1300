package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/tracing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type CoordinatorConfig struct {
	Presets           domain.Presets
	InitialTier       domain.QualityTier
	QualityMonitoring bool
	Quality           QualityMonitorConfig
	AdaptiveBitrate   bool
	Adaptation        AdaptationConfig
	DataChannelLabel  string
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Presets:           domain.DefaultPresets(),
		InitialTier:       domain.TierHigh,
		QualityMonitoring: true,
		Quality:           DefaultQualityMonitorConfig(),
		AdaptiveBitrate:   true,
		Adaptation:        DefaultAdaptationConfig(),
		DataChannelLabel:  "callmesh",
		MessagesPerSecond: 20,
		MessageBurst:      40,
	}
}

// Coordinator owns the participant directory and one PeerLink per remote
// participant, and fans lifecycle and quality changes out through Events.
type Coordinator struct {
	config  CoordinatorConfig
	factory ports.ConnectionFactory
	capture *MediaCapture
	events  Events
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	// parent of every link's monitor and controller
	ctx    context.Context
	cancel context.CancelFunc

	// serializes device acquisition
	mediaMu sync.Mutex

	mu           sync.Mutex
	participants map[domain.ParticipantID]*domain.Participant
	links        map[domain.ParticipantID]*PeerLink
	local        ports.MediaStream
	localTier    domain.QualityTier
	screen       ports.MediaStream
	videoEnabled bool
	audioEnabled bool
	readyFired   bool
}

func NewCoordinator(
	config CoordinatorConfig,
	factory ports.ConnectionFactory,
	capture *MediaCapture,
	events Events,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *Coordinator {
	if config.Presets == nil {
		config.Presets = domain.DefaultPresets()
	}
	if _, ok := config.Presets[config.InitialTier]; !ok {
		config.InitialTier = domain.TierMedium
	}
	if config.DataChannelLabel == "" {
		config.DataChannelLabel = DefaultCoordinatorConfig().DataChannelLabel
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		config:       config,
		factory:      factory,
		capture:      capture,
		events:       events,
		metrics:      metrics,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		participants: make(map[domain.ParticipantID]*domain.Participant),
		links:        make(map[domain.ParticipantID]*PeerLink),
		localTier:    config.InitialTier,
		videoEnabled: true,
		audioEnabled: true,
	}
}

func firstTrack(tracks []ports.LocalTrack) ports.LocalTrack {
	if len(tracks) == 0 {
		return nil
	}
	return tracks[0]
}

// The track helpers below must be called with mu held.

func (c *Coordinator) cameraTrack() ports.LocalTrack {
	if c.local == nil {
		return nil
	}
	return firstTrack(c.local.VideoTracks())
}

func (c *Coordinator) microphoneTrack() ports.LocalTrack {
	if c.local == nil {
		return nil
	}
	return firstTrack(c.local.AudioTracks())
}

func (c *Coordinator) screenTrack() ports.LocalTrack {
	if c.screen == nil {
		return nil
	}
	return firstTrack(c.screen.VideoTracks())
}

// outboundVideo is the track every video sender should carry right now; nil
// means video is off.
func (c *Coordinator) outboundVideo() webrtc.TrackLocal {
	if t := c.screenTrack(); t != nil {
		return t
	}
	if c.videoEnabled {
		if t := c.cameraTrack(); t != nil {
			return t
		}
	}
	return nil
}

func (c *Coordinator) outboundAudio() webrtc.TrackLocal {
	if c.audioEnabled {
		if t := c.microphoneTrack(); t != nil {
			return t
		}
	}
	return nil
}

// sendingVideo is the configured geometry of the outbound video.
func (c *Coordinator) sendingVideo() (domain.VideoConstraints, bool) {
	if c.screenTrack() != nil {
		screen := c.capture.ScreenConstraints()
		return domain.VideoConstraints{Width: screen.Width, Height: screen.Height, FrameRate: screen.FrameRate}, true
	}
	if c.videoEnabled && c.cameraTrack() != nil {
		return c.config.Presets[c.localTier].Video, true
	}
	return domain.VideoConstraints{}, false
}

// senderTracks is what a link's audio and video senders carry.
type senderTracks struct {
	video webrtc.TrackLocal
	audio webrtc.TrackLocal
}

func (c *Coordinator) outbound() senderTracks {
	return senderTracks{video: c.outboundVideo(), audio: c.outboundAudio()}
}

// swapSenders moves link from prev to next. When it fails the link is put
// back on prev; broken reports that this was not possible either.
func swapSenders(link *PeerLink, prev, next senderTracks) (broken bool, err error) {
	videoMoved := link.videoSender != nil && next.video != prev.video
	if videoMoved {
		if err := link.videoSender.ReplaceTrack(next.video); err != nil {
			return false, err
		}
	}
	if link.audioSender != nil && next.audio != prev.audio {
		if err := link.audioSender.ReplaceTrack(next.audio); err != nil {
			if videoMoved && link.videoSender.ReplaceTrack(prev.video) != nil {
				return true, err
			}
			return false, err
		}
	}
	return false, nil
}

// InitializeLocalMedia opens the camera and microphone once. Later calls return
// the stream already captured.
func (c *Coordinator) InitializeLocalMedia(ctx context.Context) (ports.MediaStream, error) {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	c.mu.Lock()
	if c.local != nil {
		stream := c.local
		c.mu.Unlock()
		return stream, nil
	}
	tier := c.localTier
	c.mu.Unlock()

	ctx, span := tracing.TraceMedia(ctx, "initialize_local_media", tracing.TierKey.String(string(tier)))
	stream, tier, err := c.capture.Acquire(ctx, tier)
	tracing.End(span, err)

	var q eventQueue
	if err != nil {
		c.logger.Errorw("local media unavailable", "error", err)
		c.events.failed(&q, err)
		q.fire()
		return nil, err
	}

	c.mu.Lock()
	c.local = stream
	c.localTier = tier
	for _, link := range c.links {
		if link.audioSender != nil || link.videoSender != nil {
			continue
		}
		link.tier = tier
		if err := c.attachLocalTracks(link); err != nil {
			c.logger.Warnw("failed to attach local media to existing link",
				"participant_id", link.ParticipantID,
				"error", err,
			)
			continue
		}
		c.attachWorkers(link)
		c.logger.Infow("local media attached to existing link, renegotiation required",
			"participant_id", link.ParticipantID,
		)
	}
	if !c.readyFired {
		c.readyFired = true
		c.events.localStreamReady(&q, stream)
	}
	c.mu.Unlock()

	c.watchLocal(stream)

	c.logger.Infow("local media ready",
		"stream_id", stream.ID(),
		"tier", tier,
		"audio_tracks", len(stream.AudioTracks()),
		"video_tracks", len(stream.VideoTracks()),
	)
	q.fire()
	return stream, nil
}

func (c *Coordinator) watchLocal(stream ports.MediaStream) {
	for _, track := range append(stream.AudioTracks(), stream.VideoTracks()...) {
		track.OnEnded(func(err error) { c.handleLocalTrackEnded(stream, err) })
	}
}

func (c *Coordinator) handleLocalTrackEnded(stream ports.MediaStream, err error) {
	if err == nil {
		return
	}
	var q eventQueue
	c.mu.Lock()
	if c.local == stream {
		c.events.failed(&q, fmt.Errorf("local track ended: %w", err))
	}
	c.mu.Unlock()
	q.fire()
}

func (c *Coordinator) LocalStream() ports.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// CreatePeerConnection opens a link to participantID. Only the initiator
// creates the data channel; the other side receives it from the transport.
func (c *Coordinator) CreatePeerConnection(
	ctx context.Context,
	participantID domain.ParticipantID,
	userID domain.UserID,
	isInitiator bool,
) (ports.PeerConnection, error) {
	_, span := tracing.TraceNegotiation(ctx, "create_peer_connection", string(participantID))
	conn, q, err := c.createLink(participantID, userID, isInitiator)
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}
	q.fire()

	c.logger.Infow("peer link created",
		"participant_id", participantID,
		"initiator", isInitiator,
	)
	return conn, nil
}

func (c *Coordinator) createLink(
	participantID domain.ParticipantID,
	userID domain.UserID,
	isInitiator bool,
) (ports.PeerConnection, eventQueue, error) {
	var q eventQueue

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.links[participantID]; exists {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrLinkExists, participantID)
	}

	conn, err := c.factory.NewPeerConnection()
	if err != nil {
		return nil, nil, fmt.Errorf("create peer connection for %s: %w", participantID, err)
	}

	link := newPeerLink(participantID, userID, isInitiator, conn, c.localTier, c.newLimiter())
	if err := c.attachLocalTracks(link); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	c.registerCallbacks(link)

	if isInitiator {
		dc, err := conn.CreateDataChannel(c.config.DataChannelLabel)
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("create data channel for %s: %w", participantID, err)
		}
		c.bindChannel(link, dc)
	}

	c.attachWorkers(link)
	c.links[participantID] = link
	c.metrics.LinkOpened(participantID)

	if _, ok := c.participants[participantID]; !ok {
		p := &domain.Participant{
			ID:           participantID,
			UserID:       userID,
			Role:         domain.RoleParticipant,
			VideoEnabled: true,
			AudioEnabled: true,
			Quality:      domain.QualityDisconnected,
			JoinedAt:     time.Now(),
		}
		c.participants[participantID] = p
		c.events.participantJoined(&q, p.Clone())
	}
	c.events.linkStateChanged(&q, participantID, domain.LinkNew)
	return conn, q, nil
}

func (c *Coordinator) newLimiter() *rate.Limiter {
	if c.config.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := c.config.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.config.MessagesPerSecond), burst)
}

// attachLocalTracks adds the current local tracks to link. Disabled tracks are
// added and then replaced by nil so that enabling them later needs no
// renegotiation. Must be called with mu held.
func (c *Coordinator) attachLocalTracks(link *PeerLink) error {
	if c.local == nil {
		return nil
	}

	if mic := c.microphoneTrack(); mic != nil {
		sender, err := link.conn.AddTrack(mic)
		if err != nil {
			return fmt.Errorf("add audio track for %s: %w", link.ParticipantID, err)
		}
		if c.outboundAudio() == nil {
			if err := sender.ReplaceTrack(nil); err != nil {
				return fmt.Errorf("disable audio for %s: %w", link.ParticipantID, err)
			}
		}
		link.audioSender = sender
	}

	var video ports.LocalTrack
	if video = c.screenTrack(); video == nil {
		video = c.cameraTrack()
	}
	if video != nil {
		sender, err := link.conn.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track for %s: %w", link.ParticipantID, err)
		}
		if c.outboundVideo() == nil {
			if err := sender.ReplaceTrack(nil); err != nil {
				return fmt.Errorf("disable video for %s: %w", link.ParticipantID, err)
			}
		}
		if err := sender.SetMaxBitrate(c.config.Presets[link.tier].MaxBitrate); err != nil {
			c.logger.Debugw("initial bitrate cap not applied",
				"participant_id", link.ParticipantID,
				"error", err,
			)
		}
		link.videoSender = sender
	}
	return nil
}

func (c *Coordinator) registerCallbacks(link *PeerLink) {
	link.conn.OnTrack(func(track ports.RemoteTrack) {
		c.handleRemoteTrack(link, track)
	})
	link.conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		c.handleLocalCandidate(link, candidate)
	})
	link.conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.handleConnectionState(link, state)
	})
	link.conn.OnDataChannel(func(dc ports.DataChannel) {
		c.handleInboundChannel(link, dc)
	})
}

// attachWorkers creates the link's monitor and controller if they are missing
// and starts them when the link is already connected. Must be called with mu
// held.
func (c *Coordinator) attachWorkers(link *PeerLink) {
	if c.config.QualityMonitoring && link.monitor == nil {
		m := NewQualityMonitor(link.ParticipantID, link.conn, c.config.Quality, c.logger)
		m.OnSample(func(metrics domain.QualityMetrics) { c.handleQualitySample(link, metrics) })
		m.OnGiveUp(func(err error) { c.handleMonitorGiveUp(link, err) })
		link.monitor = m
	}
	if c.config.AdaptiveBitrate && link.controller == nil && link.videoSender != nil {
		ctrl := NewBitrateController(
			link.ParticipantID,
			link.conn,
			link.videoSender,
			c.config.Presets,
			link.tier,
			c.config.Adaptation,
			c.logger,
		)
		ctrl.OnAdapted(func(kbps int, tier domain.QualityTier) { c.handleBitrateAdapted(link, kbps, tier) })
		link.controller = ctrl
	}
	if link.state == domain.LinkConnected {
		c.startWorkers(link)
	}
}

func (c *Coordinator) startWorkers(link *PeerLink) {
	if link.monitor != nil {
		link.monitor.Start(c.ctx)
	}
	if link.controller != nil {
		link.controller.Start(c.ctx)
	}
}

// beginNegotiation looks up a link and moves it to connecting on its first
// description exchange.
func (c *Coordinator) beginNegotiation(ctx context.Context, id domain.ParticipantID) (*PeerLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var q eventQueue
	c.mu.Lock()
	link, ok := c.links[id]
	if !ok {
		c.mu.Unlock()
		return nil, &domain.NoSuchLinkError{ParticipantID: id}
	}
	if link.transition(domain.LinkConnecting) {
		c.events.linkStateChanged(&q, id, domain.LinkConnecting)
	}
	c.mu.Unlock()
	q.fire()
	return link, nil
}

// stillCurrent reports whether link is still the active link for its
// participant, i.e. it was not closed while a call was in flight.
func (c *Coordinator) stillCurrent(link *PeerLink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[link.ParticipantID] == link
}

func (c *Coordinator) CreateOffer(ctx context.Context, id domain.ParticipantID) (webrtc.SessionDescription, error) {
	ctx, span := tracing.TraceNegotiation(ctx, "create_offer", string(id))
	desc, err := c.createDescription(ctx, id, "create offer", func(conn ports.PeerConnection) (webrtc.SessionDescription, error) {
		return conn.CreateOffer()
	})
	tracing.End(span, err)
	return desc, err
}

func (c *Coordinator) CreateAnswer(ctx context.Context, id domain.ParticipantID) (webrtc.SessionDescription, error) {
	ctx, span := tracing.TraceNegotiation(ctx, "create_answer", string(id))
	desc, err := c.createDescription(ctx, id, "create answer", func(conn ports.PeerConnection) (webrtc.SessionDescription, error) {
		return conn.CreateAnswer()
	})
	tracing.End(span, err)
	return desc, err
}

func (c *Coordinator) createDescription(
	ctx context.Context,
	id domain.ParticipantID,
	op string,
	create func(ports.PeerConnection) (webrtc.SessionDescription, error),
) (webrtc.SessionDescription, error) {
	link, err := c.beginNegotiation(ctx, id)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	desc, err := create(link.conn)
	if err != nil {
		return webrtc.SessionDescription{}, &domain.NegotiationError{ParticipantID: id, Op: op, Cause: err}
	}
	if err := link.conn.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, &domain.NegotiationError{ParticipantID: id, Op: "set local description", Cause: err}
	}
	if !c.stillCurrent(link) {
		return webrtc.SessionDescription{}, &domain.NoSuchLinkError{ParticipantID: id}
	}
	return desc, nil
}

func (c *Coordinator) SetRemoteDescription(ctx context.Context, id domain.ParticipantID, desc webrtc.SessionDescription) error {
	ctx, span := tracing.TraceNegotiation(ctx, "set_remote_description", string(id))
	err := c.setRemoteDescription(ctx, id, desc)
	tracing.End(span, err)
	return err
}

func (c *Coordinator) setRemoteDescription(ctx context.Context, id domain.ParticipantID, desc webrtc.SessionDescription) error {
	link, err := c.beginNegotiation(ctx, id)
	if err != nil {
		return err
	}
	if err := link.conn.SetRemoteDescription(desc); err != nil {
		return &domain.NegotiationError{ParticipantID: id, Op: "set remote description", Cause: err}
	}
	return nil
}

func (c *Coordinator) AddICECandidate(ctx context.Context, id domain.ParticipantID, candidate webrtc.ICECandidateInit) error {
	_, span := tracing.TraceNegotiation(ctx, "add_ice_candidate", string(id))
	err := c.addICECandidate(ctx, id, candidate)
	tracing.End(span, err)
	return err
}

func (c *Coordinator) addICECandidate(ctx context.Context, id domain.ParticipantID, candidate webrtc.ICECandidateInit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	link, ok := c.links[id]
	c.mu.Unlock()
	if !ok {
		return &domain.NoSuchLinkError{ParticipantID: id}
	}
	if err := link.conn.AddICECandidate(candidate); err != nil {
		return &domain.NegotiationError{ParticipantID: id, Op: "add ice candidate", Cause: err}
	}
	return nil
}

// ClosePeerConnection tears down the link to id. Unknown ids are ignored.
func (c *Coordinator) ClosePeerConnection(id domain.ParticipantID) {
	var q eventQueue
	c.mu.Lock()
	if link, ok := c.links[id]; ok {
		c.teardownLocked(&q, link, domain.LinkClosed)
	}
	c.mu.Unlock()
	q.fire()
}

// teardownLocked removes link from the active set and queues the transport
// close and lifecycle events. Must be called with mu held.
func (c *Coordinator) teardownLocked(q *eventQueue, link *PeerLink, final domain.LinkState) {
	id := link.ParticipantID
	delete(c.links, id)
	link.state = final
	link.stopWorkers()

	channel, conn := link.channel, link.conn
	q.add(func() {
		if channel != nil {
			if err := channel.Close(); err != nil {
				c.logger.Debugw("data channel close failed", "participant_id", id, "error", err)
			}
		}
		if err := conn.Close(); err != nil {
			c.logger.Debugw("peer connection close failed", "participant_id", id, "error", err)
		}
	})

	if p, ok := c.participants[id]; ok {
		p.Quality = domain.QualityDisconnected
		p.QualityScore = nil
		c.events.participantUpdated(q, p.Clone())
	}
	c.events.linkStateChanged(q, id, final)
	c.metrics.LinkClosed(id, final)

	c.logger.Infow("peer link closed",
		"participant_id", id,
		"state", final,
	)
}

func (c *Coordinator) handleConnectionState(link *PeerLink, state webrtc.PeerConnectionState) {
	next, ok := mapConnectionState(state)
	if !ok {
		return
	}

	var q eventQueue
	c.mu.Lock()
	if c.links[link.ParticipantID] != link {
		c.mu.Unlock()
		return
	}
	from := link.state
	if !link.transition(next) {
		c.mu.Unlock()
		if from != next {
			c.logger.Warnw("ignoring illegal link transition",
				"participant_id", link.ParticipantID,
				"from", from,
				"to", next,
			)
		}
		return
	}
	if next.Terminal() {
		c.teardownLocked(&q, link, next)
	} else {
		c.events.linkStateChanged(&q, link.ParticipantID, next)
		if next == domain.LinkConnected {
			c.startWorkers(link)
		}
	}
	c.mu.Unlock()

	c.logger.Debugw("link state changed",
		"participant_id", link.ParticipantID,
		"from", from,
		"to", next,
	)
	q.fire()
}

func (c *Coordinator) handleRemoteTrack(link *PeerLink, track ports.RemoteTrack) {
	var q eventQueue
	c.mu.Lock()
	if c.links[link.ParticipantID] != link {
		c.mu.Unlock()
		return
	}
	if link.remoteStream == nil || link.remoteStream.ID != track.StreamID() {
		link.remoteStream = &ports.RemoteStream{ID: track.StreamID()}
	}
	link.remoteStream.Tracks = append(link.remoteStream.Tracks, track)
	snapshot := ports.RemoteStream{
		ID:     link.remoteStream.ID,
		Tracks: append([]ports.RemoteTrack(nil), link.remoteStream.Tracks...),
	}
	c.events.remoteStream(&q, link.ParticipantID, snapshot)
	c.mu.Unlock()
	q.fire()
}

func (c *Coordinator) handleLocalCandidate(link *PeerLink, candidate webrtc.ICECandidateInit) {
	var q eventQueue
	c.mu.Lock()
	if c.links[link.ParticipantID] == link {
		c.events.iceCandidate(&q, link.ParticipantID, candidate)
	}
	c.mu.Unlock()
	q.fire()
}

func (c *Coordinator) handleInboundChannel(link *PeerLink, dc ports.DataChannel) {
	c.mu.Lock()
	if c.links[link.ParticipantID] != link {
		c.mu.Unlock()
		_ = dc.Close()
		return
	}
	if link.channel != nil || dc.Label() != c.config.DataChannelLabel {
		c.mu.Unlock()
		c.logger.Warnw("ignoring unexpected data channel",
			"participant_id", link.ParticipantID,
			"label", dc.Label(),
		)
		return
	}
	c.bindChannel(link, dc)
	c.mu.Unlock()
}

// bindChannel must be called with mu held.
func (c *Coordinator) bindChannel(link *PeerLink, dc ports.DataChannel) {
	link.channel = dc
	id := link.ParticipantID
	dc.OnOpen(func() {
		c.logger.Debugw("data channel open", "participant_id", id, "label", dc.Label())
	})
	dc.OnClose(func() {
		c.logger.Debugw("data channel closed", "participant_id", id, "label", dc.Label())
	})
	dc.OnMessage(func(data []byte) {
		c.handleChannelMessage(link, data)
	})
}

func (c *Coordinator) handleChannelMessage(link *PeerLink, data []byte) {
	msg, err := domain.DecodeMessage(data)
	if err != nil {
		c.logger.Warnw("dropping invalid data channel message",
			"participant_id", link.ParticipantID,
			"error", err,
		)
		return
	}

	var q eventQueue
	c.mu.Lock()
	if c.links[link.ParticipantID] != link {
		c.mu.Unlock()
		return
	}
	msg.From = link.ParticipantID
	if msg.Kind == domain.MessageMediaState {
		if p, ok := c.participants[link.ParticipantID]; ok {
			p.VideoEnabled = msg.MediaState.VideoEnabled
			p.AudioEnabled = msg.MediaState.AudioEnabled
			p.ScreenSharing = msg.MediaState.ScreenSharing
			c.events.participantUpdated(&q, p.Clone())
		}
	}
	c.events.dataChannelMessage(&q, link.ParticipantID, msg)
	c.mu.Unlock()

	c.metrics.MessageReceived(msg.Kind)
	q.fire()
}

func (c *Coordinator) handleQualitySample(link *PeerLink, metrics domain.QualityMetrics) {
	metrics.Quality = domain.QualityFromScore(metrics.Score)

	var q eventQueue
	c.mu.Lock()
	if c.links[link.ParticipantID] != link {
		c.mu.Unlock()
		return
	}
	if video, ok := c.sendingVideo(); ok {
		if metrics.Stats.FrameWidth == 0 && metrics.Stats.FrameHeight == 0 {
			metrics.Stats.FrameWidth, metrics.Stats.FrameHeight = video.Width, video.Height
		}
		if metrics.Stats.FrameRate == 0 {
			metrics.Stats.FrameRate = video.FrameRate
		}
	}
	if p, ok := c.participants[link.ParticipantID]; ok {
		previous := p.Quality
		score := metrics.Score
		p.QualityScore = &score
		p.Quality = metrics.Quality
		switch {
		case metrics.Stats.AvailableBitrate > 0:
			p.Bandwidth = metrics.Stats.AvailableBitrate
		case metrics.Stats.Bitrate > 0:
			p.Bandwidth = metrics.Stats.Bitrate
		}
		if metrics.Stats.FrameWidth > 0 && metrics.Stats.FrameHeight > 0 {
			p.Resolution = domain.Resolution{Width: metrics.Stats.FrameWidth, Height: metrics.Stats.FrameHeight}
		}
		if previous != p.Quality {
			c.events.participantUpdated(&q, p.Clone())
		}
	}
	c.events.qualityChanged(&q, link.ParticipantID, metrics)
	c.mu.Unlock()

	c.metrics.QualitySampled(metrics)
	q.fire()
}

func (c *Coordinator) handleMonitorGiveUp(link *PeerLink, err error) {
	var q eventQueue
	c.mu.Lock()
	if c.links[link.ParticipantID] == link {
		c.events.failed(&q, err)
	}
	c.mu.Unlock()
	q.fire()
}

func (c *Coordinator) handleBitrateAdapted(link *PeerLink, kbps int, tier domain.QualityTier) {
	var q eventQueue
	c.mu.Lock()
	if c.links[link.ParticipantID] != link {
		c.mu.Unlock()
		return
	}
	link.tier = tier
	if lowest, ok := c.lowestLinkTier(); ok && c.local != nil && lowest != c.localTier {
		go c.followLinkTiers()
	}
	c.events.bitrateAdapted(&q, link.ParticipantID, kbps, tier)
	c.mu.Unlock()

	c.metrics.BitrateAdapted(link.ParticipantID, kbps, tier)
	q.fire()
}

// lowestLinkTier is the worst tier any video link is adapted to. Must be
// called with mu held.
func (c *Coordinator) lowestLinkTier() (domain.QualityTier, bool) {
	var lowest domain.QualityTier
	for _, link := range c.links {
		if link.videoSender == nil {
			continue
		}
		if lowest == "" || lowest.Above(link.tier) {
			lowest = link.tier
		}
	}
	return lowest, lowest != ""
}

// followLinkTiers re-captures the camera at the tier the worst link adapted
// to, since one encoder feeds every link.
func (c *Coordinator) followLinkTiers() {
	c.mu.Lock()
	tier, ok := c.lowestLinkTier()
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.recapture(c.ctx, tier); err != nil {
		c.logger.Warnw("could not follow adapted link tier", "tier", tier, "error", err)
	}
}

// AddParticipant records p in the directory. A participant that is already
// known has its identity fields refreshed instead.
func (c *Coordinator) AddParticipant(p domain.Participant) error {
	if p.ID == "" {
		return errors.New("participant id is required")
	}
	if p.Role == "" {
		p.Role = domain.RoleParticipant
	}
	if !p.Role.Valid() {
		return fmt.Errorf("invalid role %q", p.Role)
	}

	var q eventQueue
	c.mu.Lock()
	if existing, ok := c.participants[p.ID]; ok {
		existing.UserID = p.UserID
		existing.DisplayName = p.DisplayName
		existing.Role = p.Role
		c.events.participantUpdated(&q, existing.Clone())
	} else {
		if p.JoinedAt.IsZero() {
			p.JoinedAt = time.Now()
		}
		if p.Quality == "" {
			p.Quality = domain.QualityDisconnected
		}
		stored := p.Clone()
		c.participants[p.ID] = &stored
		c.events.participantJoined(&q, stored.Clone())
	}
	c.mu.Unlock()
	q.fire()
	return nil
}

// RemoveParticipant drops id from the directory and closes its link.
func (c *Coordinator) RemoveParticipant(id domain.ParticipantID) {
	var q eventQueue
	c.mu.Lock()
	_, known := c.participants[id]
	delete(c.participants, id)
	if link, ok := c.links[id]; ok {
		c.teardownLocked(&q, link, domain.LinkClosed)
	}
	if known {
		c.events.participantLeft(&q, id)
	}
	c.mu.Unlock()
	q.fire()
}

func (c *Coordinator) UpdateParticipant(id domain.ParticipantID, update domain.ParticipantUpdate) (domain.Participant, error) {
	if update.Role != nil && !update.Role.Valid() {
		return domain.Participant{}, fmt.Errorf("invalid role %q", *update.Role)
	}

	var q eventQueue
	c.mu.Lock()
	p, ok := c.participants[id]
	if !ok {
		c.mu.Unlock()
		return domain.Participant{}, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, id)
	}
	p.Apply(update)
	updated := p.Clone()
	c.events.participantUpdated(&q, updated)
	c.mu.Unlock()
	q.fire()
	return updated, nil
}

func (c *Coordinator) Participant(id domain.ParticipantID) (domain.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return p.Clone(), true
}

// Participants returns a snapshot of the directory ordered by join time.
func (c *Coordinator) Participants() []domain.Participant {
	c.mu.Lock()
	out := make([]domain.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p.Clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (c *Coordinator) Links() []ports.LinkInfo {
	c.mu.Lock()
	out := make([]ports.LinkInfo, 0, len(c.links))
	for _, link := range c.links {
		out = append(out, link.info())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (c *Coordinator) Link(id domain.ParticipantID) (ports.LinkInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	link, ok := c.links[id]
	if !ok {
		return ports.LinkInfo{}, false
	}
	return link.info(), true
}

// SendMessage delivers msg to target, or to every open channel when target is
// empty. Broadcast skips links whose channel is not open.
func (c *Coordinator) SendMessage(ctx context.Context, msg domain.Message, target domain.ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	msg.From = ""
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	type outbound struct {
		id      domain.ParticipantID
		channel ports.DataChannel
	}
	var targets []outbound

	c.mu.Lock()
	if target != "" {
		link, ok := c.links[target]
		switch {
		case !ok:
			c.mu.Unlock()
			return &domain.NoSuchLinkError{ParticipantID: target}
		case !link.channelOpen():
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", domain.ErrChannelNotOpen, target)
		case !link.limiter.Allow():
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, target)
		}
		targets = append(targets, outbound{id: target, channel: link.channel})
	} else {
		for id, link := range c.links {
			if !link.channelOpen() {
				continue
			}
			if !link.limiter.Allow() {
				c.logger.Debugw("broadcast rate limited", "participant_id", id)
				continue
			}
			targets = append(targets, outbound{id: id, channel: link.channel})
		}
	}
	c.mu.Unlock()

	text := string(data)
	for _, t := range targets {
		if err := t.channel.SendText(text); err != nil {
			if target != "" {
				return fmt.Errorf("send to %s: %w", t.id, err)
			}
			c.logger.Warnw("broadcast send failed", "participant_id", t.id, "error", err)
			continue
		}
		c.metrics.MessageSent(msg.Kind)
	}
	return nil
}

func (c *Coordinator) announceMediaState() {
	c.mu.Lock()
	state := domain.MediaStatePayload{
		VideoEnabled:  c.videoEnabled,
		AudioEnabled:  c.audioEnabled,
		ScreenSharing: c.screen != nil,
	}
	c.mu.Unlock()

	if err := c.SendMessage(c.ctx, domain.NewMediaStateMessage(state), ""); err != nil {
		c.logger.Debugw("media state announcement failed", "error", err)
	}
}

// ToggleVideo turns outbound camera video on or off on every link without
// renegotiation. While screen sharing the links keep carrying the screen.
func (c *Coordinator) ToggleVideo(enabled bool) error {
	c.mu.Lock()
	if c.local == nil {
		c.mu.Unlock()
		return domain.ErrMediaNotInitialized
	}
	c.videoEnabled = enabled
	if c.screen == nil {
		track := c.outboundVideo()
		for _, link := range c.links {
			if link.videoSender == nil {
				continue
			}
			if err := link.videoSender.ReplaceTrack(track); err != nil {
				c.logger.Warnw("failed to toggle video",
					"participant_id", link.ParticipantID,
					"enabled", enabled,
					"error", err,
				)
			}
		}
	}
	c.mu.Unlock()

	c.announceMediaState()
	return nil
}

func (c *Coordinator) ToggleAudio(enabled bool) error {
	c.mu.Lock()
	if c.local == nil {
		c.mu.Unlock()
		return domain.ErrMediaNotInitialized
	}
	c.audioEnabled = enabled
	track := c.outboundAudio()
	for _, link := range c.links {
		if link.audioSender == nil {
			continue
		}
		if err := link.audioSender.ReplaceTrack(track); err != nil {
			c.logger.Warnw("failed to toggle audio",
				"participant_id", link.ParticipantID,
				"enabled", enabled,
				"error", err,
			)
		}
	}
	c.mu.Unlock()

	c.announceMediaState()
	return nil
}

// StartScreenShare captures the display and swaps it in as the outbound video
// of every link. If any link cannot switch, the links already switched are
// put back and the display stream is released.
func (c *Coordinator) StartScreenShare(ctx context.Context) error {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	c.mu.Lock()
	sharing := c.screen != nil
	c.mu.Unlock()
	if sharing {
		return nil
	}

	ctx, span := tracing.TraceMedia(ctx, "start_screen_share")
	err := c.startScreenShare(ctx)
	tracing.End(span, err)
	return err
}

func (c *Coordinator) startScreenShare(ctx context.Context) error {
	var q eventQueue
	defer func() { q.fire() }()

	stream, err := c.capture.AcquireScreen(ctx)
	if err != nil {
		c.logger.Warnw("screen capture unavailable", "error", err)
		c.events.failed(&q, err)
		return err
	}
	screenTrack := firstTrack(stream.VideoTracks())

	c.mu.Lock()
	var switched []*PeerLink
	var swapErr error
	for _, link := range c.links {
		if link.videoSender == nil {
			continue
		}
		if err := link.videoSender.ReplaceTrack(screenTrack); err != nil {
			swapErr = fmt.Errorf("switch %s to screen: %w", link.ParticipantID, err)
			break
		}
		switched = append(switched, link)
	}
	if swapErr != nil {
		previous := c.outboundVideo()
		for _, link := range switched {
			if err := link.videoSender.ReplaceTrack(previous); err != nil {
				c.logger.Errorw("could not restore video after failed screen share",
					"participant_id", link.ParticipantID,
					"error", err,
				)
				c.teardownLocked(&q, link, domain.LinkFailed)
			}
		}
		c.mu.Unlock()
		ports.StopStream(stream)
		c.events.failed(&q, swapErr)
		return swapErr
	}
	c.screen = stream
	c.mu.Unlock()

	screenTrack.OnEnded(func(error) {
		if err := c.stopScreenShare(stream); err != nil {
			c.logger.Warnw("stopping ended screen share failed", "error", err)
		}
	})
	c.logger.Infow("screen share started", "links", len(switched))
	c.announceMediaState()
	return nil
}

// StopScreenShare puts the camera back on every link. It is a no-op when not
// sharing.
func (c *Coordinator) StopScreenShare() error {
	return c.stopScreenShare(nil)
}

// stopScreenShare stops only the given stream when stream is non-nil, so a
// late ended event from an old capture cannot stop a newer one.
func (c *Coordinator) stopScreenShare(stream ports.MediaStream) error {
	var q eventQueue
	c.mu.Lock()
	if c.screen == nil || (stream != nil && c.screen != stream) {
		c.mu.Unlock()
		return nil
	}
	screen := c.screen
	c.screen = nil
	video := c.outboundVideo()
	for _, link := range c.links {
		if link.videoSender == nil {
			continue
		}
		if err := link.videoSender.ReplaceTrack(video); err != nil {
			c.logger.Warnw("could not restore camera after screen share",
				"participant_id", link.ParticipantID,
				"error", err,
			)
			if err := link.videoSender.ReplaceTrack(nil); err != nil {
				c.teardownLocked(&q, link, domain.LinkFailed)
			}
		}
	}
	c.mu.Unlock()

	ports.StopStream(screen)
	q.fire()
	c.logger.Infow("screen share stopped")
	c.announceMediaState()
	return nil
}

func (c *Coordinator) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// SetVideoQuality re-captures the camera at tier and caps every link to it.
// If the new capture cannot be put on every link, all links keep the old
// one and the error is returned. Per-link cap failures are only logged.
func (c *Coordinator) SetVideoQuality(ctx context.Context, tier domain.QualityTier) error {
	preset, ok := c.config.Presets[tier]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTier, tier)
	}
	ctx, span := tracing.TraceMedia(ctx, "set_video_quality", tracing.TierKey.String(string(tier)))
	err := c.recapture(ctx, tier)
	tracing.End(span, err)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, link := range c.links {
		link.tier = tier
		var err error
		switch {
		case link.controller != nil:
			err = link.controller.SetTier(tier)
		case link.videoSender != nil:
			err = link.videoSender.SetMaxBitrate(preset.MaxBitrate)
		}
		if err != nil {
			c.logger.Warnw("failed to apply video quality",
				"participant_id", link.ParticipantID,
				"tier", tier,
				"error", err,
			)
		}
	}
	c.mu.Unlock()

	c.logger.Infow("video quality set", "tier", tier)
	return nil
}

// recapture reopens the camera and microphone at tier and moves every link
// onto the new tracks, or none of them. Before local media exists it only
// records the tier for InitializeLocalMedia.
func (c *Coordinator) recapture(ctx context.Context, tier domain.QualityTier) error {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	c.mu.Lock()
	if c.local == nil || c.localTier == tier {
		c.localTier = tier
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	stream, err := c.capture.Recapture(ctx, tier)
	if err != nil {
		c.logger.Warnw("camera/microphone unavailable at new tier", "tier", tier, "error", err)
		return err
	}

	var q eventQueue
	defer func() { q.fire() }()

	c.mu.Lock()
	old := c.local
	if old == nil {
		c.mu.Unlock()
		ports.StopStream(stream)
		return nil
	}
	prev := c.outbound()
	c.local = stream
	next := c.outbound()

	var switched []*PeerLink
	var swapErr error
	for _, link := range c.links {
		broken, err := swapSenders(link, prev, next)
		if err != nil {
			swapErr = fmt.Errorf("switch %s to %s capture: %w", link.ParticipantID, tier, err)
			if broken {
				c.teardownLocked(&q, link, domain.LinkFailed)
			}
			break
		}
		switched = append(switched, link)
	}
	if swapErr != nil {
		c.local = old
		for _, link := range switched {
			if _, err := swapSenders(link, next, prev); err != nil {
				c.logger.Errorw("could not restore previous capture",
					"participant_id", link.ParticipantID,
					"error", err,
				)
				c.teardownLocked(&q, link, domain.LinkFailed)
			}
		}
		c.mu.Unlock()
		ports.StopStream(stream)
		c.events.failed(&q, swapErr)
		return swapErr
	}
	previousTier := c.localTier
	c.localTier = tier
	c.mu.Unlock()

	ports.StopStream(old)
	c.watchLocal(stream)
	c.logger.Infow("local media re-captured",
		"stream_id", stream.ID(),
		"from_tier", previousTier,
		"tier", tier,
		"links", len(switched),
	)
	return nil
}

func (c *Coordinator) LocalTier() domain.QualityTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localTier
}

// Cleanup closes every link, stops every local track and forgets all
// participants. The coordinator can be used again afterwards.
func (c *Coordinator) Cleanup() {
	var q eventQueue
	c.mu.Lock()
	for _, link := range c.links {
		c.teardownLocked(&q, link, domain.LinkClosed)
	}
	local, screen := c.local, c.screen
	c.local, c.screen = nil, nil
	c.participants = make(map[domain.ParticipantID]*domain.Participant)
	c.readyFired = false
	c.videoEnabled = true
	c.audioEnabled = true
	c.mu.Unlock()

	ports.StopStream(screen)
	ports.StopStream(local)
	q.fire()
}

// Close runs Cleanup and releases the coordinator's background context.
func (c *Coordinator) Close() {
	c.Cleanup()
	c.cancel()
}

type nopMetrics struct{}

func (nopMetrics) LinkOpened(domain.ParticipantID)                              {}
func (nopMetrics) LinkClosed(domain.ParticipantID, domain.LinkState)            {}
func (nopMetrics) QualitySampled(domain.QualityMetrics)                         {}
func (nopMetrics) BitrateAdapted(domain.ParticipantID, int, domain.QualityTier) {}
func (nopMetrics) MessageSent(domain.MessageKind)                               {}
func (nopMetrics) MessageReceived(domain.MessageKind)                           {}
