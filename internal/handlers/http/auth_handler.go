package http

import (
	"net/http"
	"sync"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/services"
	"syncmesh/pkg/errors"
	"syncmesh/pkg/utils"
	"syncmesh/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler registers control-plane users and issues tokens. The user
// registry is in-memory.
// TODO: move users into the repository layer so logins survive restarts.
type AuthHandler struct {
	authService services.AuthService
	accessTTL   time.Duration

	mu    sync.RWMutex
	users map[string]*registeredUser
}

type registeredUser struct {
	id           domain.UserID
	email        string
	passwordHash []byte
}

func NewAuthHandler(authService services.AuthService, accessTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		accessTTL:   accessTTL,
		users:       make(map[string]*registeredUser),
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/register", h.Register)
		api.POST("/login", h.Login)
		api.POST("/refresh", h.RefreshToken)
	}
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Email    string `json:"email" binding:"required,email,max=254"`
	Password string `json:"password" binding:"required,min=6,max=72"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,max=50"`
	Password string `json:"password" binding:"required,min=6,max=72"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	username := utils.NormalizeUsername(req.Username)
	email := utils.NormalizeEmail(req.Email)

	if err := validation.ValidateUsername(username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateEmail(email); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process password"})
		return
	}

	user := &registeredUser{
		id:           domain.UserID(uuid.New().String()),
		email:        email,
		passwordHash: hash,
	}

	h.mu.Lock()
	if _, taken := h.users[username]; taken {
		h.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		return
	}
	h.users[username] = user
	h.mu.Unlock()

	accessToken, refreshToken, ok := h.issueTokens(c, user.id, username)
	if !ok {
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id":       user.id,
		"username":      username,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(h.accessTTL.Seconds()),
	})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	username := utils.NormalizeUsername(req.Username)

	h.mu.RLock()
	user, found := h.users[username]
	h.mu.RUnlock()

	// One message for unknown user and wrong password, so logins cannot be
	// used to probe for registered usernames.
	if !found || bcrypt.CompareHashAndPassword(user.passwordHash, []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	accessToken, refreshToken, ok := h.issueTokens(c, user.id, username)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":       user.id,
		"username":      username,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(h.accessTTL.Seconds()),
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.UserID, claims.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"expires_in":   int(h.accessTTL.Seconds()),
	})
}

func (h *AuthHandler) issueTokens(c *gin.Context, userID domain.UserID, username string) (string, string, bool) {
	accessToken, err := h.authService.GenerateToken(userID, username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return "", "", false
	}

	refreshToken, err := h.authService.GenerateRefreshToken(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate refresh token"})
		return "", "", false
	}
	return accessToken, refreshToken, true
}
