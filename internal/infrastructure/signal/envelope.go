package signal

import (
	"errors"
	"fmt"

	"callmesh/internal/core/domain"
	"callmesh/pkg/validation"

	"github.com/pion/webrtc/v3"
)

type EnvelopeType string

const (
	TypeJoin      EnvelopeType = "join"
	TypeLeave     EnvelopeType = "leave"
	TypeOffer     EnvelopeType = "offer"
	TypeAnswer    EnvelopeType = "answer"
	TypeCandidate EnvelopeType = "ice_candidate"
)

// Envelope is one signaling message exchanged through a relay. An empty To
// addresses every participant of the call.
type Envelope struct {
	Type        EnvelopeType               `json:"type"`
	CallID      string                     `json:"call_id"`
	From        domain.ParticipantID       `json:"from"`
	To          domain.ParticipantID       `json:"to,omitempty"`
	UserID      domain.UserID              `json:"user_id,omitempty"`
	DisplayName string                     `json:"display_name,omitempty"`
	Role        domain.Role                `json:"role,omitempty"`
	SDP         *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

var ErrInvalidEnvelope = errors.New("invalid signaling envelope")

func (e Envelope) Validate() error {
	if err := validation.ValidateParticipantID(string(e.From)); err != nil {
		return fmt.Errorf("%w: sender: %v", ErrInvalidEnvelope, err)
	}
	switch e.Type {
	case TypeJoin, TypeLeave:
	case TypeOffer, TypeAnswer:
		if e.To == "" {
			return fmt.Errorf("%w: %s without recipient", ErrInvalidEnvelope, e.Type)
		}
		if e.SDP == nil || e.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidEnvelope, e.Type)
		}
	case TypeCandidate:
		if e.To == "" || e.Candidate == nil {
			return fmt.Errorf("%w: candidate without recipient or payload", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

// addressedTo reports whether self should handle e.
func (e Envelope) addressedTo(self domain.ParticipantID) bool {
	return e.From != self && (e.To == "" || e.To == self)
}
