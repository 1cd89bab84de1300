package webrtc

import (
	"context"
	"errors"
	"io"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// connection adapts a pion PeerConnection to ports.PeerConnection.
type connection struct {
	pc     *webrtc.PeerConnection
	stats  *statsCollector
	logger *zap.SugaredLogger
}

func newConnection(pc *webrtc.PeerConnection, stats *statsCollector, logger *zap.SugaredLogger) *connection {
	return &connection{pc: pc, stats: stats, logger: logger}
}

func (c *connection) AddTrack(track webrtc.TrackLocal) (ports.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go c.readSenderRTCP(sender)
	return newRTPSender(sender), nil
}

// readSenderRTCP drains feedback for one sender until it stops. Reading is
// also what lets the interceptors process NACKs and reports.
func (c *connection) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debugw("rtcp read stopped", "error", err)
			}
			return
		}
		var clockRate uint32
		if params := sender.GetParameters(); len(params.Codecs) > 0 {
			clockRate = params.Codecs[0].ClockRate
		}
		c.stats.ingest(packets, clockRate)
	}
}

func (c *connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *connection) CreateDataChannel(label string) (ports.DataChannel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return &dataChannel{dc: dc}, nil
}

func (c *connection) OnTrack(fn func(ports.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Debugw("remote track started",
			"track_id", track.ID(),
			"stream_id", track.StreamID(),
			"codec", track.Codec().MimeType,
		)
		go c.drainReceiverRTCP(receiver)
		fn(track)
	})
}

func (c *connection) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

func (c *connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *connection) OnDataChannel(fn func(ports.DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&dataChannel{dc: dc})
	})
}

func (c *connection) Stats(ctx context.Context) (domain.TransportStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.TransportStats{}, err
	}
	if c.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return domain.TransportStats{}, webrtc.ErrConnectionClosed
	}
	return c.stats.snapshot(c.pc.GetStats()), nil
}

func (c *connection) Close() error {
	return c.pc.Close()
}
