package http

import (
	"net/http"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/pkg/errors"
	"syncmesh/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AgentHandler struct {
	coordinationService ports.CoordinationService
	agentRepo           ports.AgentRepository
}

func NewAgentHandler(coordinationService ports.CoordinationService, agentRepo ports.AgentRepository) *AgentHandler {
	return &AgentHandler{
		coordinationService: coordinationService,
		agentRepo:           agentRepo,
	}
}

func (h *AgentHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/agents")
	{
		api.POST("", h.RegisterAgent)
		api.GET("", h.ListAgents)
		api.POST("/:id/heartbeat", h.AgentHeartbeat)
		api.DELETE("/:id", h.UnregisterAgent)
	}
}

func (h *AgentHandler) RegisterAgent(c *gin.Context) {
	var req struct {
		ID           string `json:"id" binding:"required,max=128"`
		Role         string `json:"role" binding:"required,oneof=producer consumer relay prosumer"`
		Region       string `json:"region" binding:"required,max=64"`
		Capabilities struct {
			Codecs       []string `json:"codecs" binding:"max=20"`
			Bandwidth    int      `json:"bandwidth" binding:"min=0"`
			MaxStreams   int      `json:"max_streams" binding:"min=0"`
			GeoLatencyMs int      `json:"geo_latency_ms" binding:"min=0"`
		} `json:"capabilities"`
		Load float64 `json:"load" binding:"min=0,max=1"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := validation.ValidateAgentID(req.ID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateRegion(req.Region); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	agent := &domain.Agent{
		ID:     domain.AgentID(req.ID),
		Role:   domain.AgentRole(req.Role),
		Region: req.Region,
		Capabilities: domain.AgentCapabilities{
			Codecs:     req.Capabilities.Codecs,
			Bandwidth:  req.Capabilities.Bandwidth,
			MaxStreams: req.Capabilities.MaxStreams,
			GeoLatency: time.Duration(req.Capabilities.GeoLatencyMs) * time.Millisecond,
		},
		Load: req.Load,
	}

	if err := h.coordinationService.RegisterAgent(c.Request.Context(), agent); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"agent": agent,
	})
}

func (h *AgentHandler) ListAgents(c *gin.Context) {
	var (
		agents []*domain.Agent
		err    error
	)

	if c.Query("status") == "online" {
		agents, err = h.agentRepo.ListOnline(c.Request.Context())
	} else {
		agents, err = h.agentRepo.List(c.Request.Context())
	}
	if err != nil {
		c.Error(err)
		return
	}

	if region := c.Query("region"); region != "" {
		filtered := agents[:0]
		for _, agent := range agents {
			if agent.Region == region {
				filtered = append(filtered, agent)
			}
		}
		agents = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

func (h *AgentHandler) AgentHeartbeat(c *gin.Context) {
	agentID := domain.AgentID(c.Param("id"))

	if err := h.coordinationService.Heartbeat(c.Request.Context(), agentID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (h *AgentHandler) UnregisterAgent(c *gin.Context) {
	agentID := domain.AgentID(c.Param("id"))

	if err := h.coordinationService.UnregisterAgent(c.Request.Context(), agentID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "unregistered",
	})
}
