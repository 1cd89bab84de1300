package http

import (
	"errors"
	"fmt"
	"net/http"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/infrastructure/monitoring"
	apperrors "callmesh/pkg/errors"
	"callmesh/pkg/validation"

	"github.com/gin-gonic/gin"
)

// StatusHandler exposes a running node's state and a few controls over HTTP.
type StatusHandler struct {
	session ports.SessionService
	health  *monitoring.HealthChecker
}

var _ ports.StatusHandler = (*StatusHandler)(nil)

func NewStatusHandler(session ports.SessionService, health *monitoring.HealthChecker) *StatusHandler {
	return &StatusHandler{session: session, health: health}
}

// SetupRoutes registers read-only routes on router and control routes on the
// control group, which carries the auth and rate limit middleware.
func (h *StatusHandler) SetupRoutes(router *gin.Engine, control ...gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1")
	{
		api.GET("/participants", h.ListParticipants)
		api.GET("/participants/:id", h.GetParticipant)
		api.GET("/links", h.ListLinks)
	}

	ctl := api.Group("", control...)
	{
		ctl.POST("/messages", h.SendMessage)
		ctl.POST("/media", h.ToggleMedia)
		ctl.POST("/screen-share", h.StartScreenShare)
		ctl.DELETE("/screen-share", h.StopScreenShare)
		ctl.PUT("/quality", h.SetVideoQuality)
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *StatusHandler) Ready(c *gin.Context) {
	if !h.health.IsReady(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *StatusHandler) ListParticipants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"participants": h.session.Participants()})
}

func (h *StatusHandler) GetParticipant(c *gin.Context) {
	p, ok := h.session.Participant(domain.ParticipantID(c.Param("id")))
	if !ok {
		c.Error(apperrors.NewNotFoundError("participant"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": p})
}

func (h *StatusHandler) ListLinks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"links": h.session.Links()})
}

type sendMessageRequest struct {
	Target domain.ParticipantID `json:"target"`
	Kind   domain.MessageKind   `json:"kind" binding:"required"`
	Text   string               `json:"text"`
	Emoji  string               `json:"emoji"`
	Raised bool                 `json:"raised"`
}

func (r sendMessageRequest) message() (domain.Message, error) {
	switch r.Kind {
	case domain.MessageChat:
		if err := validation.ValidateChatText(r.Text, domain.MaxChatLength); err != nil {
			return domain.Message{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
		}
		return domain.NewChatMessage(r.Text), nil
	case domain.MessageReaction:
		if err := validation.ValidateEmoji(r.Emoji); err != nil {
			return domain.Message{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
		}
		return domain.NewReactionMessage(r.Emoji), nil
	case domain.MessageHandRaise:
		return domain.NewHandRaiseMessage(r.Raised), nil
	}
	return domain.Message{}, fmt.Errorf("%w: kind %q cannot be sent over the API", domain.ErrInvalidMessage, r.Kind)
}

// SendMessage sends to one participant, or to everyone when target is empty.
func (h *StatusHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	msg, err := req.message()
	if err != nil {
		c.Error(mapError(err))
		return
	}

	if err := h.session.SendMessage(c.Request.Context(), msg, req.Target); err != nil {
		c.Error(mapError(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": msg.ID})
}

func (h *StatusHandler) ToggleMedia(c *gin.Context) {
	var req struct {
		Video *bool `json:"video"`
		Audio *bool `json:"audio"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Video == nil && req.Audio == nil {
		c.Error(apperrors.NewInvalidInputError("video or audio is required"))
		return
	}

	if req.Video != nil {
		if err := h.session.ToggleVideo(*req.Video); err != nil {
			c.Error(mapError(err))
			return
		}
	}
	if req.Audio != nil {
		if err := h.session.ToggleAudio(*req.Audio); err != nil {
			c.Error(mapError(err))
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *StatusHandler) StartScreenShare(c *gin.Context) {
	if err := h.session.StartScreenShare(c.Request.Context()); err != nil {
		c.Error(mapError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StatusHandler) StopScreenShare(c *gin.Context) {
	if err := h.session.StopScreenShare(); err != nil {
		c.Error(mapError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StatusHandler) SetVideoQuality(c *gin.Context) {
	var req struct {
		Tier domain.QualityTier `json:"tier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.session.SetVideoQuality(c.Request.Context(), req.Tier); err != nil {
		c.Error(mapError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": req.Tier})
}

// mapError turns coordinator errors into AppErrors.
func mapError(err error) *apperrors.AppError {
	var noLink *domain.NoSuchLinkError
	var media *domain.MediaAccessError
	switch {
	case errors.As(err, &noLink):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "peer link not found", http.StatusNotFound).
			WithContext("participant_id", noLink.ParticipantID)
	case errors.Is(err, domain.ErrParticipantNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "participant not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrLinkExists):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case errors.As(err, &media):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, media.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrMediaNotInitialized), errors.Is(err, domain.ErrChannelNotOpen):
		return apperrors.WrapError(err, apperrors.ErrCodePrecondition, err.Error(), http.StatusPreconditionFailed)
	case errors.Is(err, domain.ErrUnknownTier), errors.Is(err, domain.ErrInvalidMessage):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrRateLimited):
		return apperrors.WrapError(err, apperrors.ErrCodeRateLimit, err.Error(), http.StatusTooManyRequests)
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
