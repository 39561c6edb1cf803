package http

import (
	"net/http"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/internal/core/services"
	"syncmesh/pkg/errors"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	sessionService ports.SessionService
	qualityService ports.QualityService
	cacheService   ports.CacheService
	metricsService ports.MetricsService
	authService    services.AuthService
}

func NewSessionHandler(
	sessionService ports.SessionService,
	qualityService ports.QualityService,
	cacheService ports.CacheService,
	metricsService ports.MetricsService,
	authService services.AuthService,
) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		qualityService: qualityService,
		cacheService:   cacheService,
		metricsService: metricsService,
		authService:    authService,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.DELETE("/sessions/:id", h.EndSession)
		api.GET("/sessions/:id/metrics", h.GetSessionMetrics)
		api.POST("/sessions/:id/degrade", h.EmergencyDegrade)

		api.POST("/sessions/:id/streams", h.StartStream)
		api.DELETE("/sessions/:id/streams/:stream_id", h.StopStream)
		api.POST("/sessions/:id/streams/:stream_id/adapt", h.AdaptQuality)
		api.PUT("/sessions/:id/streams/:stream_id/quality", h.ForceQuality)

		api.POST("/cache/invalidate", h.InvalidateCache)
	}
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req struct {
		Type             string   `json:"type" binding:"required,oneof=video audio data multimodal"`
		RequireConsensus bool     `json:"require_consensus"`
		Encrypted        bool     `json:"encrypted"`
		AgentIDs         []string `json:"agent_ids" binding:"max=32"`
		Constraints      struct {
			MinBitrate      int `json:"min_bitrate" binding:"min=0"`
			MaxBitrate      int `json:"max_bitrate" binding:"min=0"`
			MaxWidth        int `json:"max_width" binding:"min=0"`
			MaxHeight       int `json:"max_height" binding:"min=0"`
			LatencyBudgetMs int `json:"latency_budget_ms" binding:"min=0"`
		} `json:"constraints"`
		Preferences struct {
			QualityPriority string `json:"quality_priority" binding:"omitempty,oneof=quality balanced latency"`
			AutoAdjust      bool   `json:"auto_adjust"`
			DataSaver       bool   `json:"data_saver"`
		} `json:"preferences"`
		Device struct {
			DisplayWidth  int     `json:"display_width" binding:"min=0"`
			DisplayHeight int     `json:"display_height" binding:"min=0"`
			BatteryLevel  float64 `json:"battery_level"`
			PowerSaving   bool    `json:"power_saving"`
		} `json:"device"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	agentIDs := make([]domain.AgentID, len(req.AgentIDs))
	for i, id := range req.AgentIDs {
		agentIDs[i] = domain.AgentID(id)
	}

	createReq := ports.CreateSessionRequest{
		Type: domain.SessionType(req.Type),
		Constraints: domain.StreamConstraints{
			MinBitrate:    req.Constraints.MinBitrate,
			MaxBitrate:    req.Constraints.MaxBitrate,
			MaxWidth:      req.Constraints.MaxWidth,
			MaxHeight:     req.Constraints.MaxHeight,
			LatencyBudget: time.Duration(req.Constraints.LatencyBudgetMs) * time.Millisecond,
		},
		Preferences: domain.UserPreferences{
			QualityPriority: req.Preferences.QualityPriority,
			AutoAdjust:      req.Preferences.AutoAdjust,
			DataSaver:       req.Preferences.DataSaver,
		},
		Device: domain.DeviceCapabilities{
			DisplayWidth:  req.Device.DisplayWidth,
			DisplayHeight: req.Device.DisplayHeight,
			BatteryLevel:  req.Device.BatteryLevel,
			PowerSaving:   req.Device.PowerSaving,
		},
		RequireConsensus: req.RequireConsensus,
		AgentIDs:         agentIDs,
		Encrypted:        req.Encrypted,
	}

	session, err := h.sessionService.CreateSession(c.Request.Context(), createReq)
	if err != nil {
		c.Error(err)
		return
	}

	// The creator owns the session.
	if userID, err := h.authService.GetUserFromContext(c.Request.Context()); err == nil {
		if err := h.authService.GrantSessionRole(c.Request.Context(), session.ID, userID, domain.RoleOwner); err != nil {
			c.Error(err)
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"session": session,
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	session, err := h.sessionService.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": session,
	})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessionService.ListSessions(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *SessionHandler) StartStream(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	var req struct {
		Kind          string   `json:"kind" binding:"required,oneof=video audio"`
		Direction     string   `json:"direction" binding:"omitempty,oneof=inbound outbound bidirectional"`
		OfferedCodecs []string `json:"offered_codecs" binding:"max=20"`
		Source        string   `json:"source" binding:"max=256"`
		TargetBitrate int      `json:"target_bitrate" binding:"min=0,max=100000000"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	direction := domain.StreamDirection(req.Direction)
	if direction == "" {
		direction = domain.StreamInbound
	}

	streamReq := ports.StreamRequest{
		Direction:     direction,
		OfferedCodecs: req.OfferedCodecs,
		Source:        req.Source,
		TargetBitrate: req.TargetBitrate,
	}

	var stream *domain.Stream
	var err error
	if req.Kind == "video" {
		stream, err = h.sessionService.StartVideoStream(c.Request.Context(), sessionID, streamReq)
	} else {
		stream, err = h.sessionService.StartAudioStream(c.Request.Context(), sessionID, streamReq)
	}
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"stream": stream,
	})
}

func (h *SessionHandler) StopStream(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))
	streamID := domain.StreamID(c.Param("stream_id"))

	if err := h.sessionService.StopStream(c.Request.Context(), sessionID, streamID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "stopped",
	})
}

func (h *SessionHandler) AdaptQuality(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))
	streamID := domain.StreamID(c.Param("stream_id"))

	decision, err := h.sessionService.AdaptStreamQuality(c.Request.Context(), sessionID, streamID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decision": decision,
	})
}

func (h *SessionHandler) ForceQuality(c *gin.Context) {
	streamID := domain.StreamID(c.Param("stream_id"))

	var req struct {
		Level string `json:"level" binding:"required,max=32"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	decision, err := h.qualityService.ForceQualityChange(c.Request.Context(), streamID, req.Level)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decision": decision,
	})
}

func (h *SessionHandler) EmergencyDegrade(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	if err := h.sessionService.EmergencyDegrade(c.Request.Context(), sessionID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "degraded",
	})
}

func (h *SessionHandler) EndSession(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	metrics, err := h.sessionService.EndSession(c.Request.Context(), sessionID)
	if err != nil {
		c.Error(err)
		return
	}

	// Ended sessions keep no grants around.
	if err := h.authService.RevokeSessionPermissions(c.Request.Context(), sessionID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ended",
		"metrics": metrics,
	})
}

func (h *SessionHandler) GetSessionMetrics(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	metrics, err := h.metricsService.GetSessionMetrics(c.Request.Context(), sessionID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"metrics":      metrics,
		"health_score": services.SessionHealthScore(*metrics),
	})
}

func (h *SessionHandler) InvalidateCache(c *gin.Context) {
	var req struct {
		Pattern string `json:"pattern" binding:"required,max=256"`
		Scope   string `json:"scope" binding:"omitempty,oneof=local global"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	scope := req.Scope
	if scope == "" {
		scope = "local"
	}

	count, err := h.cacheService.InvalidateContent(c.Request.Context(), req.Pattern, scope)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invalidated": count,
	})
}
