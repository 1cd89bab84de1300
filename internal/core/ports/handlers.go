package ports

import (
	"github.com/gin-gonic/gin"
)

type StatusHandler interface {
	Health(c *gin.Context)
	ListParticipants(c *gin.Context)
	GetParticipant(c *gin.Context)
	ListLinks(c *gin.Context)
	SendMessage(c *gin.Context)
	ToggleMedia(c *gin.Context)
	StartScreenShare(c *gin.Context)
	StopScreenShare(c *gin.Context)
	SetVideoQuality(c *gin.Context)
}
