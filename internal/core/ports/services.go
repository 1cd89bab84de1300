package ports

import (
	"context"
	"time"

	"callmesh/internal/core/domain"
)

// LinkInfo is a read-only snapshot of one Peer Link.
type LinkInfo struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	UserID        domain.UserID        `json:"user_id"`
	State         domain.LinkState     `json:"state"`
	Tier          domain.QualityTier   `json:"tier"`
	IsInitiator   bool                 `json:"is_initiator"`
	ChannelOpen   bool                 `json:"channel_open"`
	MaxBitrate    int                  `json:"max_bitrate_kbps"`
	CreatedAt     time.Time            `json:"created_at"`
}

type SessionService interface {
	Participants() []domain.Participant
	Participant(id domain.ParticipantID) (domain.Participant, bool)
	Links() []LinkInfo
	SendMessage(ctx context.Context, msg domain.Message, target domain.ParticipantID) error
	ToggleVideo(enabled bool) error
	ToggleAudio(enabled bool) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error
	SetVideoQuality(ctx context.Context, tier domain.QualityTier) error
}

type MetricsRecorder interface {
	LinkOpened(id domain.ParticipantID)
	LinkClosed(id domain.ParticipantID, state domain.LinkState)
	QualitySampled(m domain.QualityMetrics)
	BitrateAdapted(id domain.ParticipantID, kbps int, tier domain.QualityTier)
	MessageSent(kind domain.MessageKind)
	MessageReceived(kind domain.MessageKind)
}
