package domain

import (
	"errors"
	"fmt"
)

var (
	ErrLinkExists          = errors.New("peer link already exists")
	ErrChannelNotOpen      = errors.New("data channel not open")
	ErrInvalidMessage      = errors.New("invalid data channel message")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrMediaNotInitialized = errors.New("local media not initialized")
	ErrUnknownTier         = errors.New("unknown quality tier")
	ErrRateLimited         = errors.New("message rate limit exceeded")
)

type Capability string

const (
	CapabilityCamera Capability = "camera/microphone"
	CapabilityScreen Capability = "screen"
)

// MediaAccessError is returned when a capture device cannot be opened.
type MediaAccessError struct {
	Capability Capability
	Cause      error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("could not access %s: %v", e.Capability, e.Cause)
}

func (e *MediaAccessError) Unwrap() error { return e.Cause }

type NoSuchLinkError struct {
	ParticipantID ParticipantID
}

func (e *NoSuchLinkError) Error() string {
	return fmt.Sprintf("no peer link for participant %s", e.ParticipantID)
}

// NegotiationError wraps a failure while exchanging descriptions or candidates.
type NegotiationError struct {
	ParticipantID ParticipantID
	Op            string
	Cause         error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s for participant %s: %v", e.Op, e.ParticipantID, e.Cause)
}

func (e *NegotiationError) Unwrap() error { return e.Cause }
