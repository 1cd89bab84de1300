package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callmesh/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AuthMiddleware("secret", "standup"))
	router.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, "%v", c.MustGet(ContextParticipantID))
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	router := newAuthRouter()

	valid, err := signal.IssueToken("secret", time.Hour, "standup", "alice", "")
	require.NoError(t, err)
	otherCall, err := signal.IssueToken("secret", time.Hour, "retro", "alice", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"other call", "Bearer " + otherCall, http.StatusForbidden},
		{"valid", "Bearer " + valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice", w.Body.String())
			}
		})
	}
}
