package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageChat(t *testing.T) {
	data, err := NewChatMessage("hello").Encode()
	require.NoError(t, err)

	m, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageChat, m.Kind)
	assert.Equal(t, "hello", m.Chat.Text)
	assert.NotEmpty(t, m.ID)
}

func TestDecodeMessageRejectsUnknownKind(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"id":"1","kind":"file_transfer"}`))
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestDecodeMessageRejectsMismatchedPayload(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"id":"1","kind":"chat","reaction":{"emoji":"+1"}}`))
	assert.True(t, errors.Is(err, ErrInvalidMessage))

	_, err = DecodeMessage([]byte(`{"id":"1","kind":"ping","chat":{"text":"x"}}`))
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte("not json"))
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestEncodeRejectsOversizedChat(t *testing.T) {
	text := make([]byte, MaxChatLength+1)
	for i := range text {
		text[i] = 'a'
	}
	_, err := NewChatMessage(string(text)).Encode()
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestPingCarriesNoPayload(t *testing.T) {
	assert.NoError(t, NewPingMessage().Validate())
	assert.NoError(t, NewHandRaiseMessage(true).Validate())
	assert.NoError(t, NewReactionMessage("tada").Validate())
	assert.NoError(t, NewMediaStateMessage(MediaStatePayload{AudioEnabled: true}).Validate())
}

func TestTypedErrorsUnwrap(t *testing.T) {
	cause := errors.New("device busy")
	var err error = &MediaAccessError{Capability: CapabilityCamera, Cause: cause}
	assert.Equal(t, "could not access camera/microphone: device busy", err.Error())
	assert.True(t, errors.Is(err, cause))

	err = &NegotiationError{ParticipantID: "p1", Op: "set remote description", Cause: cause}
	var negErr *NegotiationError
	require.True(t, errors.As(err, &negErr))
	assert.Equal(t, ParticipantID("p1"), negErr.ParticipantID)
	assert.True(t, errors.Is(err, cause))
}
