package services

import (
	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// Events is the fixed set of callbacks a Coordinator reports to. Nil fields are
// skipped. Callbacks run on coordinator or transport goroutines, never while
// the coordinator holds its lock, so they may call back into it.
type Events struct {
	OnParticipantJoined        func(p domain.Participant)
	OnParticipantLeft          func(id domain.ParticipantID)
	OnParticipantUpdated       func(p domain.Participant)
	OnRemoteStream             func(id domain.ParticipantID, stream ports.RemoteStream)
	OnLocalStreamReady         func(stream ports.MediaStream)
	OnDataChannelMessage       func(id domain.ParticipantID, msg domain.Message)
	OnConnectionQualityChanged func(id domain.ParticipantID, metrics domain.QualityMetrics)
	OnBitrateAdapted           func(id domain.ParticipantID, kbps int, tier domain.QualityTier)
	OnICECandidate             func(id domain.ParticipantID, candidate webrtc.ICECandidateInit)
	OnLinkStateChanged         func(id domain.ParticipantID, state domain.LinkState)
	OnError                    func(err error)
}

// eventQueue collects work under the coordinator lock and runs it after the
// lock is released.
type eventQueue []func()

func (q *eventQueue) add(fn func()) {
	*q = append(*q, fn)
}

func (q eventQueue) fire() {
	for _, fn := range q {
		fn()
	}
}

func (e Events) participantJoined(q *eventQueue, p domain.Participant) {
	if e.OnParticipantJoined != nil {
		q.add(func() { e.OnParticipantJoined(p) })
	}
}

func (e Events) participantLeft(q *eventQueue, id domain.ParticipantID) {
	if e.OnParticipantLeft != nil {
		q.add(func() { e.OnParticipantLeft(id) })
	}
}

func (e Events) participantUpdated(q *eventQueue, p domain.Participant) {
	if e.OnParticipantUpdated != nil {
		q.add(func() { e.OnParticipantUpdated(p) })
	}
}

func (e Events) remoteStream(q *eventQueue, id domain.ParticipantID, s ports.RemoteStream) {
	if e.OnRemoteStream != nil {
		q.add(func() { e.OnRemoteStream(id, s) })
	}
}

func (e Events) localStreamReady(q *eventQueue, s ports.MediaStream) {
	if e.OnLocalStreamReady != nil {
		q.add(func() { e.OnLocalStreamReady(s) })
	}
}

func (e Events) dataChannelMessage(q *eventQueue, id domain.ParticipantID, m domain.Message) {
	if e.OnDataChannelMessage != nil {
		q.add(func() { e.OnDataChannelMessage(id, m) })
	}
}

func (e Events) qualityChanged(q *eventQueue, id domain.ParticipantID, m domain.QualityMetrics) {
	if e.OnConnectionQualityChanged != nil {
		q.add(func() { e.OnConnectionQualityChanged(id, m) })
	}
}

func (e Events) bitrateAdapted(q *eventQueue, id domain.ParticipantID, kbps int, tier domain.QualityTier) {
	if e.OnBitrateAdapted != nil {
		q.add(func() { e.OnBitrateAdapted(id, kbps, tier) })
	}
}

func (e Events) iceCandidate(q *eventQueue, id domain.ParticipantID, c webrtc.ICECandidateInit) {
	if e.OnICECandidate != nil {
		q.add(func() { e.OnICECandidate(id, c) })
	}
}

func (e Events) linkStateChanged(q *eventQueue, id domain.ParticipantID, s domain.LinkState) {
	if e.OnLinkStateChanged != nil {
		q.add(func() { e.OnLinkStateChanged(id, s) })
	}
}

func (e Events) failed(q *eventQueue, err error) {
	if e.OnError != nil {
		q.add(func() { e.OnError(err) })
	}
}
