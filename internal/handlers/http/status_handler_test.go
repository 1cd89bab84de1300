package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/infrastructure/middleware"
	"callmesh/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	participants []domain.Participant
	links        []ports.LinkInfo
	sent         []domain.Message
	targets      []domain.ParticipantID
	video, audio []bool
	sharing      bool
	tier         domain.QualityTier
	err          error
}

func (s *fakeSession) Participants() []domain.Participant { return s.participants }
func (s *fakeSession) Links() []ports.LinkInfo            { return s.links }

func (s *fakeSession) Participant(id domain.ParticipantID) (domain.Participant, bool) {
	for _, p := range s.participants {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Participant{}, false
}

func (s *fakeSession) SendMessage(_ context.Context, msg domain.Message, target domain.ParticipantID) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	s.targets = append(s.targets, target)
	return nil
}

func (s *fakeSession) ToggleVideo(enabled bool) error {
	s.video = append(s.video, enabled)
	return s.err
}

func (s *fakeSession) ToggleAudio(enabled bool) error {
	s.audio = append(s.audio, enabled)
	return s.err
}

func (s *fakeSession) StartScreenShare(context.Context) error {
	if s.err != nil {
		return s.err
	}
	s.sharing = true
	return nil
}

func (s *fakeSession) StopScreenShare() error {
	s.sharing = false
	return s.err
}

func (s *fakeSession) SetVideoQuality(_ context.Context, tier domain.QualityTier) error {
	if !tier.Valid() {
		return domain.ErrUnknownTier
	}
	s.tier = tier
	return s.err
}

func newTestRouter(session ports.SessionService, health *monitoring.HealthChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewStatusHandler(session, health).SetupRoutes(router)
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	health := monitoring.NewHealthChecker()
	router := newTestRouter(&fakeSession{}, health)

	w := do(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	health.AddCheck("relay", func(context.Context) error { return errors.New("not connected") }, 0)
	w = do(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var status monitoring.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "not connected", status.Checks["relay"])
}

func TestParticipantRoutes(t *testing.T) {
	session := &fakeSession{
		participants: []domain.Participant{{ID: "bob", DisplayName: "Bob"}},
		links:        []ports.LinkInfo{{ParticipantID: "bob", State: domain.LinkConnected}},
	}
	router := newTestRouter(session, monitoring.NewHealthChecker())

	w := do(router, http.MethodGet, "/api/v1/participants/bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"display_name":"Bob"`)

	w = do(router, http.MethodGet, "/api/v1/participants/carol", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")

	w = do(router, http.MethodGet, "/api/v1/links", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"participant_id":"bob"`)
}

func TestSendMessage(t *testing.T) {
	session := &fakeSession{}
	router := newTestRouter(session, monitoring.NewHealthChecker())

	w := do(router, http.MethodPost, "/api/v1/messages", `{"target":"bob","kind":"chat","text":"hi"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, session.sent, 1)
	assert.Equal(t, domain.MessageChat, session.sent[0].Kind)
	assert.Equal(t, "hi", session.sent[0].Chat.Text)
	assert.Equal(t, domain.ParticipantID("bob"), session.targets[0])

	w = do(router, http.MethodPost, "/api/v1/messages", `{"kind":"chat","text":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/messages", `{"kind":"media_state"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, session.sent, 1)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no link", &domain.NoSuchLinkError{ParticipantID: "bob"}, http.StatusNotFound},
		{"channel closed", domain.ErrChannelNotOpen, http.StatusPreconditionFailed},
		{"rate limited", domain.ErrRateLimited, http.StatusTooManyRequests},
		{"media", &domain.MediaAccessError{Capability: domain.CapabilityCamera, Cause: errors.New("busy")}, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeSession{err: tt.err}, monitoring.NewHealthChecker())
			w := do(router, http.MethodPost, "/api/v1/messages", `{"target":"bob","kind":"reaction","emoji":"+1"}`)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestMediaControls(t *testing.T) {
	session := &fakeSession{}
	router := newTestRouter(session, monitoring.NewHealthChecker())

	w := do(router, http.MethodPost, "/api/v1/media", `{"video":false}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []bool{false}, session.video)
	assert.Empty(t, session.audio)

	w = do(router, http.MethodPost, "/api/v1/media", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/screen-share", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, session.sharing)

	w = do(router, http.MethodDelete, "/api/v1/screen-share", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, session.sharing)

	w = do(router, http.MethodPut, "/api/v1/quality", `{"tier":"low"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.TierLow, session.tier)

	w = do(router, http.MethodPut, "/api/v1/quality", `{"tier":"4k"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestControlRoutesUseMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewStatusHandler(&fakeSession{}, monitoring.NewHealthChecker()).
		SetupRoutes(router, middleware.AuthMiddleware("secret", "standup"))

	w := do(router, http.MethodGet, "/api/v1/links", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPut, "/api/v1/quality", `{"tier":"low"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
