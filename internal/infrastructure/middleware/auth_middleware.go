package middleware

import (
	"net/http"
	"strings"

	"callmesh/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
)

const (
	ContextParticipantID = "participant_id"
	ContextCallID        = "call_id"
)

// AuthMiddleware accepts requests carrying a bearer token signed with secret
// for callID.
func AuthMiddleware(secret, callID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := signal.ParseToken(secret, parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		if claims.CallID != callID {
			c.JSON(http.StatusForbidden, gin.H{"error": "token issued for another call"})
			c.Abort()
			return
		}

		c.Set(ContextParticipantID, claims.ParticipantID)
		c.Set(ContextCallID, claims.CallID)
		c.Next()
	}
}
