package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageKind string

const (
	MessageChat       MessageKind = "chat"
	MessageReaction   MessageKind = "reaction"
	MessageMediaState MessageKind = "media_state"
	MessageHandRaise  MessageKind = "hand_raise"
	MessagePing       MessageKind = "ping"
)

const MaxChatLength = 4096

type ChatPayload struct {
	Text string `json:"text"`
}

type ReactionPayload struct {
	Emoji string `json:"emoji"`
}

type MediaStatePayload struct {
	VideoEnabled  bool `json:"video_enabled"`
	AudioEnabled  bool `json:"audio_enabled"`
	ScreenSharing bool `json:"screen_sharing"`
}

type HandRaisePayload struct {
	Raised bool `json:"raised"`
}

// Message is the envelope exchanged over a peer's data channel. Exactly one
// payload field is set and it must match Kind; ping carries none.
type Message struct {
	ID         string             `json:"id"`
	Kind       MessageKind        `json:"kind"`
	From       ParticipantID      `json:"from,omitempty"`
	SentAt     time.Time          `json:"sent_at"`
	Chat       *ChatPayload       `json:"chat,omitempty"`
	Reaction   *ReactionPayload   `json:"reaction,omitempty"`
	MediaState *MediaStatePayload `json:"media_state,omitempty"`
	HandRaise  *HandRaisePayload  `json:"hand_raise,omitempty"`
}

func newMessage(kind MessageKind) Message {
	return Message{ID: uuid.NewString(), Kind: kind, SentAt: time.Now().UTC()}
}

func NewChatMessage(text string) Message {
	m := newMessage(MessageChat)
	m.Chat = &ChatPayload{Text: text}
	return m
}

func NewReactionMessage(emoji string) Message {
	m := newMessage(MessageReaction)
	m.Reaction = &ReactionPayload{Emoji: emoji}
	return m
}

func NewMediaStateMessage(state MediaStatePayload) Message {
	m := newMessage(MessageMediaState)
	m.MediaState = &state
	return m
}

func NewHandRaiseMessage(raised bool) Message {
	m := newMessage(MessageHandRaise)
	m.HandRaise = &HandRaisePayload{Raised: raised}
	return m
}

func NewPingMessage() Message {
	return newMessage(MessagePing)
}

func (m Message) payloadCount() int {
	n := 0
	if m.Chat != nil {
		n++
	}
	if m.Reaction != nil {
		n++
	}
	if m.MediaState != nil {
		n++
	}
	if m.HandRaise != nil {
		n++
	}
	return n
}

func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	var ok bool
	switch m.Kind {
	case MessageChat:
		ok = m.Chat != nil && m.Chat.Text != "" && len(m.Chat.Text) <= MaxChatLength
	case MessageReaction:
		ok = m.Reaction != nil && m.Reaction.Emoji != ""
	case MessageMediaState:
		ok = m.MediaState != nil
	case MessageHandRaise:
		ok = m.HandRaise != nil
	case MessagePing:
		ok = true
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	expected := 1
	if m.Kind == MessagePing {
		expected = 0
	}
	if !ok || m.payloadCount() != expected {
		return fmt.Errorf("%w: payload does not match kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
