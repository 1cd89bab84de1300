package domain

import "time"

type ParticipantID string

type ConnectionQuality string

const (
	QualityExcellent    ConnectionQuality = "excellent"
	QualityGood         ConnectionQuality = "good"
	QualityPoor         ConnectionQuality = "poor"
	QualityDisconnected ConnectionQuality = "disconnected"
)

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Participant struct {
	ID            ParticipantID     `json:"id"`
	UserID        UserID            `json:"user_id"`
	DisplayName   string            `json:"display_name"`
	Role          Role              `json:"role"`
	VideoEnabled  bool              `json:"video_enabled"`
	AudioEnabled  bool              `json:"audio_enabled"`
	ScreenSharing bool              `json:"screen_sharing"`
	Quality       ConnectionQuality `json:"quality"`
	QualityScore  *float64          `json:"quality_score,omitempty"`
	Bandwidth     int               `json:"bandwidth_kbps"` // kbps
	Resolution    Resolution        `json:"resolution"`
	JoinedAt      time.Time         `json:"joined_at"`
}

// ParticipantUpdate carries the fields a caller wants to change; nil fields are left alone.
type ParticipantUpdate struct {
	DisplayName   *string
	Role          *Role
	VideoEnabled  *bool
	AudioEnabled  *bool
	ScreenSharing *bool
}

func (p *Participant) Apply(u ParticipantUpdate) {
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.Role != nil {
		p.Role = *u.Role
	}
	if u.VideoEnabled != nil {
		p.VideoEnabled = *u.VideoEnabled
	}
	if u.AudioEnabled != nil {
		p.AudioEnabled = *u.AudioEnabled
	}
	if u.ScreenSharing != nil {
		p.ScreenSharing = *u.ScreenSharing
	}
}

// Clone returns a copy that shares no pointers with p.
func (p Participant) Clone() Participant {
	if p.QualityScore != nil {
		score := *p.QualityScore
		p.QualityScore = &score
	}
	return p
}

// QualityFromScore maps a 0-100 score onto the four connection quality buckets.
func QualityFromScore(score float64) ConnectionQuality {
	switch {
	case score >= 85:
		return QualityExcellent
	case score >= 70:
		return QualityGood
	case score >= 40:
		return QualityPoor
	default:
		return QualityDisconnected
	}
}
