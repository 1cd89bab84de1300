package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// MockPeerConnection records every call and lets tests drive the transport
// callbacks synchronously.
type MockPeerConnection struct {
	mu sync.Mutex

	Senders           []*MockRTPSender
	Channels          []*MockDataChannel
	Candidates        []webrtc.ICECandidateInit
	LocalDescription  *webrtc.SessionDescription
	RemoteDescription *webrtc.SessionDescription

	AddTrackErr    error
	OfferErr       error
	AnswerErr      error
	RemoteDescErr  error
	CandidateErr   error
	DataChannelErr error

	// BeforeOffer runs inside CreateOffer, before it returns.
	BeforeOffer func()

	stats    domain.TransportStats
	statsErr error
	closes   int

	onTrack        func(ports.RemoteTrack)
	onICECandidate func(webrtc.ICECandidateInit)
	onState        func(webrtc.PeerConnectionState)
	onDataChannel  func(ports.DataChannel)
}

func NewMockPeerConnection() *MockPeerConnection {
	return &MockPeerConnection{}
}

func (m *MockPeerConnection) AddTrack(track webrtc.TrackLocal) (ports.RTPSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddTrackErr != nil {
		return nil, m.AddTrackErr
	}
	sender := &MockRTPSender{track: track, kind: track.Kind()}
	m.Senders = append(m.Senders, sender)
	return sender, nil
}

func (m *MockPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	hook, err := m.BeforeOffer, m.OfferErr
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "mock-offer-sdp"}, nil
}

func (m *MockPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AnswerErr != nil {
		return webrtc.SessionDescription{}, m.AnswerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "mock-answer-sdp"}, nil
}

func (m *MockPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LocalDescription = &desc
	return nil
}

func (m *MockPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoteDescErr != nil {
		return m.RemoteDescErr
	}
	m.RemoteDescription = &desc
	return nil
}

func (m *MockPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CandidateErr != nil {
		return m.CandidateErr
	}
	m.Candidates = append(m.Candidates, candidate)
	return nil
}

func (m *MockPeerConnection) CreateDataChannel(label string) (ports.DataChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DataChannelErr != nil {
		return nil, m.DataChannelErr
	}
	dc := NewMockDataChannel(label)
	m.Channels = append(m.Channels, dc)
	return dc, nil
}

func (m *MockPeerConnection) OnTrack(fn func(ports.RemoteTrack)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = fn
}

func (m *MockPeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onICECandidate = fn
}

func (m *MockPeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *MockPeerConnection) OnDataChannel(fn func(ports.DataChannel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDataChannel = fn
}

func (m *MockPeerConnection) SetStats(stats domain.TransportStats, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = stats
	m.statsErr = err
}

func (m *MockPeerConnection) Stats(ctx context.Context) (domain.TransportStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, m.statsErr
}

func (m *MockPeerConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *MockPeerConnection) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// SetState delivers a connection state change as the transport would.
func (m *MockPeerConnection) SetState(state webrtc.PeerConnectionState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (m *MockPeerConnection) EmitTrack(track ports.RemoteTrack) {
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

func (m *MockPeerConnection) EmitCandidate(candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	fn := m.onICECandidate
	m.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

func (m *MockPeerConnection) EmitDataChannel(dc ports.DataChannel) {
	m.mu.Lock()
	fn := m.onDataChannel
	m.mu.Unlock()
	if fn != nil {
		fn(dc)
	}
}

// Sender returns the sender created for the n-th AddTrack call.
func (m *MockPeerConnection) Sender(n int) *MockRTPSender {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= len(m.Senders) {
		return nil
	}
	return m.Senders[n]
}

// VideoSender returns the first sender whose original track is video.
func (m *MockPeerConnection) VideoSender() *MockRTPSender {
	return m.senderOfKind(webrtc.RTPCodecTypeVideo)
}

func (m *MockPeerConnection) AudioSender() *MockRTPSender {
	return m.senderOfKind(webrtc.RTPCodecTypeAudio)
}

func (m *MockPeerConnection) senderOfKind(kind webrtc.RTPCodecType) *MockRTPSender {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Senders {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

func (m *MockPeerConnection) Channel() *MockDataChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Channels) == 0 {
		return nil
	}
	return m.Channels[0]
}

// MockRTPSender remembers the kind of the track it was created with, so tests
// can find it after the track has been replaced with nil.
type MockRTPSender struct {
	mu         sync.Mutex
	track      webrtc.TrackLocal
	kind       webrtc.RTPCodecType
	maxBitrate int

	ReplaceErr    error
	SetBitrateErr error
	Replacements  int
	BitrateCalls  []int
}

func (s *MockRTPSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *MockRTPSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReplaceErr != nil {
		return s.ReplaceErr
	}
	s.track = track
	s.Replacements++
	return nil
}

func (s *MockRTPSender) SetMaxBitrate(kbps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BitrateCalls = append(s.BitrateCalls, kbps)
	if s.SetBitrateErr != nil {
		return s.SetBitrateErr
	}
	s.maxBitrate = kbps
	return nil
}

func (s *MockRTPSender) MaxBitrate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBitrate
}

func (s *MockRTPSender) SetReplaceErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReplaceErr = err
}

type MockDataChannel struct {
	mu      sync.Mutex
	label   string
	state   webrtc.DataChannelState
	sent    []string
	SendErr error

	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func NewMockDataChannel(label string) *MockDataChannel {
	return &MockDataChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (d *MockDataChannel) Label() string { return d.label }

func (d *MockDataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *MockDataChannel) SendText(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("data channel is not open")
	}
	if d.SendErr != nil {
		return d.SendErr
	}
	d.sent = append(d.sent, text)
	return nil
}

func (d *MockDataChannel) OnOpen(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = fn
}

func (d *MockDataChannel) OnClose(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = fn
}

func (d *MockDataChannel) OnMessage(fn func(data []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = fn
}

func (d *MockDataChannel) Close() error {
	d.mu.Lock()
	if d.state == webrtc.DataChannelStateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = webrtc.DataChannelStateClosed
	fn := d.onClose
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Open marks the channel open and fires its open handler.
func (d *MockDataChannel) Open() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Deliver hands data to the message handler as if it came from the peer.
func (d *MockDataChannel) Deliver(data []byte) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (d *MockDataChannel) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

// MockConnectionFactory hands out MockPeerConnections and keeps them in order.
type MockConnectionFactory struct {
	mu    sync.Mutex
	conns []*MockPeerConnection
	Err   error
	// Prepare, when set, configures each connection before it is returned.
	Prepare func(*MockPeerConnection)
}

func (f *MockConnectionFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	conn := NewMockPeerConnection()
	if f.Prepare != nil {
		f.Prepare(conn)
	}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *MockConnectionFactory) Conn(n int) *MockPeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n >= len(f.conns) {
		panic(fmt.Sprintf("only %d connections created", len(f.conns)))
	}
	return f.conns[n]
}

func (f *MockConnectionFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type MockRemoteTrack struct {
	TrackID string
	Stream  string
	Codec   webrtc.RTPCodecType
}

func (t MockRemoteTrack) ID() string                { return t.TrackID }
func (t MockRemoteTrack) StreamID() string          { return t.Stream }
func (t MockRemoteTrack) Kind() webrtc.RTPCodecType { return t.Codec }

// StaticStats is a StatsSource that returns queued results in order and then
// repeats the last one.
type StaticStats struct {
	mu      sync.Mutex
	results []StatsResult
	calls   int
}

type StatsResult struct {
	Stats domain.TransportStats
	Err   error
}

func NewStaticStats(results ...StatsResult) *StaticStats {
	return &StaticStats{results: results}
}

func (s *StaticStats) Stats(ctx context.Context) (domain.TransportStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return domain.TransportStats{}, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r.Stats, r.Err
}

func (s *StaticStats) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
