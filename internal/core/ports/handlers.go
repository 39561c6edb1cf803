package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	CreateSession(c *gin.Context)
	GetSession(c *gin.Context)
	ListSessions(c *gin.Context)
	StartStream(c *gin.Context)
	StopStream(c *gin.Context)
	AdaptQuality(c *gin.Context)
	ForceQuality(c *gin.Context)
	EmergencyDegrade(c *gin.Context)
	EndSession(c *gin.Context)
	GetSessionMetrics(c *gin.Context)
}

type AgentHandler interface {
	RegisterAgent(c *gin.Context)
	ListAgents(c *gin.Context)
	AgentHeartbeat(c *gin.Context)
}
