package middleware

import (
	"net/http"
	"strings"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/services"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates the bearer token and stamps the caller onto both
// the gin context and the request context, so handlers and services resolve
// the same identity.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, authService)
		if !ok {
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Request = c.Request.WithContext(services.ContextWithUser(c.Request.Context(), claims.UserID))
		c.Next()
	}
}

// OptionalAuthMiddleware resolves the caller when a token is present but
// lets anonymous requests through untouched.
func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Set("user_id", claims.UserID)
				c.Set("username", claims.Username)
				c.Request = c.Request.WithContext(services.ContextWithUser(c.Request.Context(), claims.UserID))
			}
		}

		c.Next()
	}
}

// SessionPermissionMiddleware gates a session route on the caller's role for
// that session. Routes using it carry the session in the :id path parameter.
func SessionPermissionMiddleware(authService services.AuthService, requiredRole domain.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		userIDVal, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}

		userID, ok := userIDVal.(domain.UserID)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user context"})
			c.Abort()
			return
		}

		sessionID := domain.SessionID(c.Param("id"))
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session id required"})
			c.Abort()
			return
		}

		if err := authService.CheckSessionPermission(c.Request.Context(), userID, sessionID, requiredRole); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			c.Abort()
			return
		}

		c.Set("session_id", sessionID)
		c.Next()
	}
}

func bearerClaims(c *gin.Context, authService services.AuthService) (*services.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
		c.Abort()
		return nil, false
	}

	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
		c.Abort()
		return nil, false
	}

	claims, err := authService.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		c.Abort()
		return nil, false
	}
	return claims, true
}
