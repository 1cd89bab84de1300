package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/logger"
	"callmesh/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Session is the part of the coordinator the bridge drives.
type Session interface {
	AddParticipant(p domain.Participant) error
	RemoveParticipant(id domain.ParticipantID)
	CreatePeerConnection(ctx context.Context, id domain.ParticipantID, userID domain.UserID, isInitiator bool) (ports.PeerConnection, error)
	CreateOffer(ctx context.Context, id domain.ParticipantID) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, id domain.ParticipantID) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, id domain.ParticipantID, desc webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, id domain.ParticipantID, candidate webrtc.ICECandidateInit) error
	ClosePeerConnection(id domain.ParticipantID)
	Participant(id domain.ParticipantID) (domain.Participant, bool)
	LocalStream() ports.MediaStream
}

// maxLinkRestarts caps how often a dropped link is re-offered before it is
// left for the peer's next join.
const maxLinkRestarts = 3

// Identity is how this node announces itself on the relay.
type Identity struct {
	CallID        string
	ParticipantID domain.ParticipantID
	UserID        domain.UserID
	DisplayName   string
	Role          domain.Role
}

// Bridge translates relay envelopes into session calls and session
// candidates into envelopes. Of two participants the one with the smaller id
// sends the offer.
type Bridge struct {
	relay   Relay
	session Session
	self    Identity
	timeout time.Duration
	logger  *logger.ContextLogger

	mu sync.Mutex
	// remote description applied, per link
	described map[domain.ParticipantID]bool
	// candidates that arrived before the remote description
	pending map[domain.ParticipantID][]webrtc.ICECandidateInit
	// re-offers since the link last connected
	restarts map[domain.ParticipantID]int
	runCtx   context.Context
}

func NewBridge(relay Relay, session Session, self Identity, log *zap.Logger) *Bridge {
	return &Bridge{
		relay:     relay,
		session:   session,
		self:      self,
		timeout:   10 * time.Second,
		logger:    logger.NewContextLogger(log),
		described: make(map[domain.ParticipantID]bool),
		pending:   make(map[domain.ParticipantID][]webrtc.ICECandidateInit),
		restarts:  make(map[domain.ParticipantID]int),
	}
}

// Run subscribes to the relay and announces this node each time the
// subscription is (re)established. It blocks until ctx is done or the relay
// fails. A node without local media does not join.
func (b *Bridge) Run(ctx context.Context) error {
	if b.session.LocalStream() == nil {
		return fmt.Errorf("not joining call %s: %w", b.self.CallID, domain.ErrMediaNotInitialized)
	}
	ctx = logger.WithCallID(ctx, b.self.CallID)
	b.mu.Lock()
	b.runCtx = ctx
	b.mu.Unlock()

	return b.relay.Subscribe(ctx,
		func() {
			if err := b.publish(ctx, b.envelope(TypeJoin, "")); err != nil {
				b.logger.Sugar(ctx).Warnw("failed to announce join", "error", err)
			}
		},
		func(env Envelope) { b.Handle(ctx, env) },
	)
}

// Leave tells every other participant that this node is going away.
func (b *Bridge) Leave(ctx context.Context) error {
	return b.publish(ctx, b.envelope(TypeLeave, ""))
}

// SendCandidate forwards a locally gathered candidate to the participant.
func (b *Bridge) SendCandidate(id domain.ParticipantID, candidate webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(logger.WithCallID(context.Background(), b.self.CallID), b.timeout)
	defer cancel()

	env := b.envelope(TypeCandidate, id)
	env.Candidate = &candidate
	if err := b.publish(ctx, env); err != nil {
		b.logger.Sugar(logger.WithParticipantID(ctx, string(id))).Warnw("failed to send ice candidate", "error", err)
	}
}

// LinkStateChanged drops negotiation state for links that ended. A link that
// disconnected or failed is re-offered by the side that initiates.
func (b *Bridge) LinkStateChanged(id domain.ParticipantID, state domain.LinkState) {
	switch state {
	case domain.LinkConnected:
		b.mu.Lock()
		delete(b.restarts, id)
		b.mu.Unlock()
	case domain.LinkDisconnected, domain.LinkFailed:
		b.forget(id)
		b.restart(id)
	case domain.LinkClosed:
		b.forget(id)
	}
}

func (b *Bridge) restart(id domain.ParticipantID) {
	if b.self.ParticipantID >= id {
		return
	}
	p, ok := b.session.Participant(id)
	if !ok {
		return
	}

	b.mu.Lock()
	parent := b.runCtx
	if parent == nil || b.restarts[id] >= maxLinkRestarts {
		b.mu.Unlock()
		return
	}
	b.restarts[id]++
	attempt := b.restarts[id]
	b.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(logger.WithParticipantID(parent, string(id)), b.timeout)
		defer cancel()
		log := b.logger.Sugar(ctx)
		log.Infow("re-offering dropped link", "attempt", attempt)
		if err := b.initiate(ctx, id, p.UserID); err != nil {
			log.Warnw("failed to re-offer link", "attempt", attempt, "error", err)
		}
	}()
}

func (b *Bridge) Handle(ctx context.Context, env Envelope) {
	if env.CallID != b.self.CallID || !env.addressedTo(b.self.ParticipantID) {
		return
	}
	if err := env.Validate(); err != nil {
		b.logger.Sugar(ctx).Warnw("ignoring envelope", "error", err)
		return
	}

	ctx = logger.WithParticipantID(ctx, string(env.From))
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ctx, span := tracing.TraceSignal(ctx, string(env.Type), string(env.From))

	var err error
	switch env.Type {
	case TypeJoin:
		err = b.handleJoin(ctx, env)
	case TypeLeave:
		b.session.ClosePeerConnection(env.From)
		b.session.RemoveParticipant(env.From)
		b.forget(env.From)
		b.mu.Lock()
		delete(b.restarts, env.From)
		b.mu.Unlock()
	case TypeOffer:
		err = b.handleOffer(ctx, env)
	case TypeAnswer:
		err = b.handleAnswer(ctx, env)
	case TypeCandidate:
		err = b.handleCandidate(ctx, env)
	}
	tracing.End(span, err)
	if err != nil {
		b.logger.Sugar(ctx).Warnw("signaling step failed", "type", env.Type, "error", err)
	}
}

func (b *Bridge) handleJoin(ctx context.Context, env Envelope) error {
	if err := b.session.AddParticipant(domain.Participant{
		ID:          env.From,
		UserID:      env.UserID,
		DisplayName: env.DisplayName,
		Role:        env.Role,
	}); err != nil {
		return err
	}

	// A broadcast join comes from a newcomer that does not know us yet.
	if env.To == "" {
		if err := b.publish(ctx, b.envelope(TypeJoin, env.From)); err != nil {
			return err
		}
	}

	if b.self.ParticipantID >= env.From {
		return nil
	}
	return b.initiate(ctx, env.From, env.UserID)
}

// initiate opens a link to id as the offering side. A link that already
// exists is left alone.
func (b *Bridge) initiate(ctx context.Context, id domain.ParticipantID, userID domain.UserID) error {
	if _, err := b.session.CreatePeerConnection(ctx, id, userID, true); err != nil {
		if errors.Is(err, domain.ErrLinkExists) {
			return nil
		}
		return err
	}
	offer, err := b.session.CreateOffer(ctx, id)
	if err != nil {
		return err
	}
	out := b.envelope(TypeOffer, id)
	out.SDP = &offer
	return b.publish(ctx, out)
}

func (b *Bridge) handleOffer(ctx context.Context, env Envelope) error {
	_, err := b.session.CreatePeerConnection(ctx, env.From, env.UserID, false)
	if errors.Is(err, domain.ErrLinkExists) {
		// Only the initiator offers, so a second offer means it rebuilt its
		// side and our link is stale.
		b.replaceStale(env.From)
		_, err = b.session.CreatePeerConnection(ctx, env.From, env.UserID, false)
	}
	if err != nil {
		return err
	}
	if err := b.applyRemote(ctx, env.From, *env.SDP); err != nil {
		return err
	}
	answer, err := b.session.CreateAnswer(ctx, env.From)
	if err != nil {
		return err
	}
	out := b.envelope(TypeAnswer, env.From)
	out.SDP = &answer
	return b.publish(ctx, out)
}

// replaceStale closes the link to id while keeping candidates already queued
// for the new negotiation.
func (b *Bridge) replaceStale(id domain.ParticipantID) {
	b.mu.Lock()
	held := b.pending[id]
	b.mu.Unlock()

	b.session.ClosePeerConnection(id)
	b.forget(id)

	b.mu.Lock()
	b.pending[id] = append(held, b.pending[id]...)
	if len(b.pending[id]) == 0 {
		delete(b.pending, id)
	}
	b.mu.Unlock()
}

func (b *Bridge) handleAnswer(ctx context.Context, env Envelope) error {
	return b.applyRemote(ctx, env.From, *env.SDP)
}

func (b *Bridge) handleCandidate(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	if !b.described[env.From] {
		b.pending[env.From] = append(b.pending[env.From], *env.Candidate)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.session.AddICECandidate(ctx, env.From, *env.Candidate)
}

// applyRemote sets the remote description and then flushes candidates that
// were held back waiting for it.
func (b *Bridge) applyRemote(ctx context.Context, id domain.ParticipantID, desc webrtc.SessionDescription) error {
	if err := b.session.SetRemoteDescription(ctx, id, desc); err != nil {
		return err
	}

	b.mu.Lock()
	b.described[id] = true
	queued := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()

	var errs []error
	for _, c := range queued {
		if err := b.session.AddICECandidate(ctx, id, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) forget(id domain.ParticipantID) {
	b.mu.Lock()
	delete(b.described, id)
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) envelope(t EnvelopeType, to domain.ParticipantID) Envelope {
	return Envelope{
		Type:        t,
		CallID:      b.self.CallID,
		From:        b.self.ParticipantID,
		To:          to,
		UserID:      b.self.UserID,
		DisplayName: b.self.DisplayName,
		Role:        b.self.Role,
	}
}

func (b *Bridge) publish(ctx context.Context, env Envelope) error {
	b.logger.Sugar(ctx).Debugw("sending envelope", "type", env.Type, "to", env.To)
	return b.relay.Publish(ctx, env)
}
