package domain

type UserID string

type Role string

const (
	RoleHost        Role = "host"
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleModerator, RoleParticipant:
		return true
	}
	return false
}
