package ports

import (
	"github.com/gin-gonic/gin"
)

type CallHTTPHandler interface {
	StartCall(c *gin.Context)
	AcceptCall(c *gin.Context)
	RejectCall(c *gin.Context)
	EndCall(c *gin.Context)
	ToggleMic(c *gin.Context)
	ToggleCamera(c *gin.Context)
	ToggleScreenShare(c *gin.Context)
	GetState(c *gin.Context)
	GetHistory(c *gin.Context)
	GetRecord(c *gin.Context)
}

// EventStreamHandler pushes call events to a UI over a websocket.
type EventStreamHandler interface {
	HandleWebSocket(c *gin.Context)
	HealthCheck(c *gin.Context)
}
