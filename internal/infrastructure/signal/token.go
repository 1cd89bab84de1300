package signal

import (
	"errors"
	"time"

	"callmesh/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims identify a participant to the relay.
type Claims struct {
	CallID        string               `json:"call_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	UserID        domain.UserID        `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

func IssueToken(secret string, ttl time.Duration, callID string, participantID domain.ParticipantID, userID domain.UserID) (string, error) {
	if secret == "" {
		return "", errors.New("token secret is empty")
	}
	now := time.Now()
	claims := &Claims{
		CallID:        callID,
		ParticipantID: participantID,
		UserID:        userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(participantID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
