package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type userContextKey struct{}

// ContextWithUser stamps the authenticated caller onto a request context.
// The HTTP auth middleware calls this once per request; everything below
// resolves the caller through GetUserFromContext.
func ContextWithUser(ctx context.Context, userID domain.UserID) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

type AuthService interface {
	GenerateToken(userID domain.UserID, username string) (string, error)
	GenerateRefreshToken(userID domain.UserID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
	GrantSessionRole(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, role domain.UserRole) error
	CheckSessionPermission(ctx context.Context, userID domain.UserID, sessionID domain.SessionID, requiredRole domain.UserRole) error
	RevokeSessionPermissions(ctx context.Context, sessionID domain.SessionID) error
	GetUserFromContext(ctx context.Context) (domain.UserID, error)
}

type Claims struct {
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration

	mu          sync.RWMutex
	permissions map[domain.SessionID]map[domain.UserID]domain.SessionPermission

	sessionService ports.SessionService // Optional, can be nil
}

func NewAuthService(
	jwtSecret string,
	accessTokenTTL time.Duration,
	refreshTokenTTL time.Duration,
	sessionService ports.SessionService, // Can be nil for token-only validation
) AuthService {
	return &authService{
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		permissions:     make(map[domain.SessionID]map[domain.UserID]domain.SessionPermission),
		sessionService:  sessionService,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, username string) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) GenerateRefreshToken(userID domain.UserID) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.refreshTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.ValidateToken(tokenString)
}

// GrantSessionRole records a user's role on a session. The creating user
// gets owner at session creation time.
func (s *authService) GrantSessionRole(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, role domain.UserRole) error {
	if s.sessionService != nil {
		if _, err := s.sessionService.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	grants, ok := s.permissions[sessionID]
	if !ok {
		grants = make(map[domain.UserID]domain.SessionPermission)
		s.permissions[sessionID] = grants
	}
	grants[userID] = domain.SessionPermission{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		GrantedAt: time.Now(),
	}
	return nil
}

func (s *authService) CheckSessionPermission(ctx context.Context, userID domain.UserID, sessionID domain.SessionID, requiredRole domain.UserRole) error {
	s.mu.RLock()
	grants := s.permissions[sessionID]
	perm, ok := grants[userID]
	s.mu.RUnlock()

	if !ok {
		return ErrUnauthorized
	}
	if s.hasRequiredPermission(perm.Role, requiredRole) {
		return nil
	}
	return ErrUnauthorized
}

// RevokeSessionPermissions drops every grant for a session, typically when
// the session ends.
func (s *authService) RevokeSessionPermissions(ctx context.Context, sessionID domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.permissions, sessionID)
	return nil
}

func (s *authService) hasRequiredPermission(userRole, requiredRole domain.UserRole) bool {
	roleHierarchy := map[domain.UserRole]int{
		domain.RoleViewer:    1,
		domain.RoleModerator: 2,
		domain.RoleOwner:     3,
	}

	userLevel := roleHierarchy[userRole]
	requiredLevel := roleHierarchy[requiredRole]

	return userLevel >= requiredLevel
}

func (s *authService) GetUserFromContext(ctx context.Context) (domain.UserID, error) {
	userID, ok := ctx.Value(userContextKey{}).(domain.UserID)
	if !ok {
		return "", ErrUnauthorized
	}
	return userID, nil
}
