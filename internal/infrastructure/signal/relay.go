package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("relay not connected")
	ErrRelayClosed  = errors.New("relay closed")
)

// Relay carries envelopes between the participants of one call.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes to handler until ctx is done or the relay
	// gives up. onReady runs each time the subscription is established,
	// including after a reconnect.
	Subscribe(ctx context.Context, onReady func(), handler func(Envelope)) error
	Close() error
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
