package http

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/pkg/errors"
)

// maxStoredObjectBytes caps explicit content placement. Larger segments
// should be pulled from origin instead of pushed through the API.
const maxStoredObjectBytes = 64 << 20

// CacheHandler is the edge node's content surface: cached segment
// delivery, explicit placement, invalidation and stats.
type CacheHandler struct {
	cacheService ports.CacheService
}

func NewCacheHandler(cacheService ports.CacheService) *CacheHandler {
	return &CacheHandler{cacheService: cacheService}
}

func (h *CacheHandler) SetupRoutes(router *gin.Engine) {
	cache := router.Group("/cache")
	{
		cache.GET("/content/*key", h.ServeContent)
		cache.PUT("/content/*key", h.StoreContent)
		cache.POST("/invalidate", h.Invalidate)
		cache.GET("/stats", h.Stats)
	}
}

func (h *CacheHandler) ServeContent(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.Error(errors.NewInvalidInputError("content key required"))
		return
	}

	result, err := h.cacheService.RetrieveContent(c.Request.Context(), key, domain.CacheRequest{
		Region:   c.Query("region"),
		ClientID: c.ClientIP(),
	})
	if err != nil {
		c.Error(err)
		return
	}

	if result.Source == domain.CacheSourceEdge {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	if result.NodeID != "" {
		c.Header("X-Cache-Node", result.NodeID)
	}

	contentType := result.Entry.Metadata.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, result.Entry.Data)
}

func (h *CacheHandler) StoreContent(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.Error(errors.NewInvalidInputError("content key required"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxStoredObjectBytes+1))
	if err != nil {
		c.Error(errors.NewInvalidInputError("failed to read request body"))
		return
	}
	if len(data) > maxStoredObjectBytes {
		c.Error(errors.NewInvalidInputError("content exceeds size limit"))
		return
	}

	opts := domain.CacheOptions{
		Compress: c.Query("compress") == "true",
	}
	if raw := c.Query("ttl"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			c.Error(errors.NewInvalidInputError("invalid ttl"))
			return
		}
		opts.TTL = ttl
	}

	meta := domain.CacheMetadata{
		ContentType: c.ContentType(),
		Size:        len(data),
	}
	if err := h.cacheService.CacheContent(c.Request.Context(), key, data, meta, opts); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status": "stored",
		"key":    key,
		"size":   len(data),
	})
}

func (h *CacheHandler) Invalidate(c *gin.Context) {
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

func (h *CacheHandler) Stats(c *gin.Context) {
	stats, err := h.cacheService.Stats(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}
