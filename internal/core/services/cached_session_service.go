package services

import (
	"context"
	"fmt"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/pkg/cache"
)

// CachedSessionService wraps SessionService with read caching. Mutations
// invalidate the affected keys so reads never serve ended or reshaped
// sessions.
type CachedSessionService struct {
	base       ports.SessionService
	sessions   *cache.Cache[*domain.Session]
	lists      *cache.Cache[[]*domain.Session]
	sessionTTL time.Duration
}

func NewCachedSessionService(base ports.SessionService, sessionTTL time.Duration) ports.SessionService {
	return &CachedSessionService{
		base:       base,
		sessions:   cache.New[*domain.Session](sessionTTL),
		lists:      cache.New[[]*domain.Session](sessionTTL),
		sessionTTL: sessionTTL,
	}
}

func sessionKey(id domain.SessionID) string {
	return fmt.Sprintf("session:%s", id)
}

func (s *CachedSessionService) CreateSession(ctx context.Context, req ports.CreateSessionRequest) (*domain.Session, error) {
	session, err := s.base.CreateSession(ctx, req)
	if err != nil {
		return nil, err
	}

	s.lists.Invalidate("sessions:list:")
	return session, nil
}

func (s *CachedSessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	return s.sessions.GetOrSet(ctx, sessionKey(id), func(ctx context.Context) (*domain.Session, error) {
		return s.base.GetSession(ctx, id)
	}, s.sessionTTL)
}

func (s *CachedSessionService) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	return s.lists.GetOrSet(ctx, "sessions:list:all", func(ctx context.Context) ([]*domain.Session, error) {
		return s.base.ListSessions(ctx)
	}, s.sessionTTL)
}

func (s *CachedSessionService) StartVideoStream(ctx context.Context, sessionID domain.SessionID, req ports.StreamRequest) (*domain.Stream, error) {
	stream, err := s.base.StartVideoStream(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}

	s.invalidateSession(sessionID)
	return stream, nil
}

func (s *CachedSessionService) StartAudioStream(ctx context.Context, sessionID domain.SessionID, req ports.StreamRequest) (*domain.Stream, error) {
	stream, err := s.base.StartAudioStream(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}

	s.invalidateSession(sessionID)
	return stream, nil
}

func (s *CachedSessionService) StopStream(ctx context.Context, sessionID domain.SessionID, streamID domain.StreamID) error {
	if err := s.base.StopStream(ctx, sessionID, streamID); err != nil {
		return err
	}

	s.invalidateSession(sessionID)
	return nil
}

func (s *CachedSessionService) AdaptStreamQuality(ctx context.Context, sessionID domain.SessionID, streamID domain.StreamID) (*domain.QualityDecision, error) {
	decision, err := s.base.AdaptStreamQuality(ctx, sessionID, streamID)
	if err != nil {
		return nil, err
	}

	// Only applied changes reshape the session snapshot.
	if decision != nil && decision.Action != domain.ActionMaintain {
		s.invalidateSession(sessionID)
	}
	return decision, nil
}

func (s *CachedSessionService) EmergencyDegrade(ctx context.Context, sessionID domain.SessionID) error {
	if err := s.base.EmergencyDegrade(ctx, sessionID); err != nil {
		return err
	}

	s.invalidateSession(sessionID)
	return nil
}

func (s *CachedSessionService) EndSession(ctx context.Context, sessionID domain.SessionID) (*domain.SessionMetrics, error) {
	metrics, err := s.base.EndSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.invalidateSession(sessionID)
	return metrics, nil
}

func (s *CachedSessionService) invalidateSession(sessionID domain.SessionID) {
	s.sessions.Invalidate(sessionKey(sessionID))
	s.lists.Invalidate("sessions:list:")
}

// Stop stops the cache sweepers.
func (s *CachedSessionService) Stop() {
	s.sessions.Stop()
	s.lists.Stop()
}
