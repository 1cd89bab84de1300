package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken("secret", time.Hour, "standup", "alice", "user-1")
	require.NoError(t, err)

	claims, err := ParseToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "standup", claims.CallID)
	assert.EqualValues(t, "alice", claims.ParticipantID)
	assert.EqualValues(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Subject)
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := IssueToken("secret", time.Hour, "standup", "alice", "")
	require.NoError(t, err)

	_, err = ParseToken("other", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenExpired(t *testing.T) {
	token, err := IssueToken("secret", -time.Minute, "standup", "alice", "")
	require.NoError(t, err)

	_, err = ParseToken("secret", token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestIssueTokenNeedsSecret(t *testing.T) {
	_, err := IssueToken("", time.Hour, "standup", "alice", "")
	assert.Error(t, err)
}

func TestParseTokenGarbage(t *testing.T) {
	_, err := ParseToken("secret", "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
