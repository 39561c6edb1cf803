package ports

import (
	"context"
	"time"

	"syncmesh/internal/core/domain"
)

type CreateSessionRequest struct {
	Type             domain.SessionType
	Constraints      domain.StreamConstraints
	Preferences      domain.UserPreferences
	Device           domain.DeviceCapabilities
	RequireConsensus bool
	AgentIDs         []domain.AgentID
	Encrypted        bool
}

type StreamRequest struct {
	Direction     domain.StreamDirection
	OfferedCodecs []string
	Source        string // origin identifier, also keys the metadata cache
	TargetBitrate int    // bps, 0 lets the quality engine decide
}

type SessionService interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error)
	GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]*domain.Session, error)
	StartVideoStream(ctx context.Context, sessionID domain.SessionID, req StreamRequest) (*domain.Stream, error)
	StartAudioStream(ctx context.Context, sessionID domain.SessionID, req StreamRequest) (*domain.Stream, error)
	StopStream(ctx context.Context, sessionID domain.SessionID, streamID domain.StreamID) error
	AdaptStreamQuality(ctx context.Context, sessionID domain.SessionID, streamID domain.StreamID) (*domain.QualityDecision, error)
	EmergencyDegrade(ctx context.Context, sessionID domain.SessionID) error
	EndSession(ctx context.Context, sessionID domain.SessionID) (*domain.SessionMetrics, error)
}

type BufferService interface {
	CreateBufferPool(ctx context.Context, streamID domain.StreamID, sessionType domain.SessionType, strategy domain.BufferStrategy) (*domain.BufferPool, error)
	AddChunk(ctx context.Context, streamID domain.StreamID, chunk *domain.Chunk) (bool, error)
	GetNextChunk(ctx context.Context, streamID domain.StreamID, playhead time.Duration) (*domain.Chunk, error)
	SynchronizeStreams(ctx context.Context, streamIDs []domain.StreamID, reference time.Duration) (bool, error)
	UpdateConditions(ctx context.Context, streamID domain.StreamID, net domain.NetworkConditions) error
	PoolMetrics(ctx context.Context, streamID domain.StreamID) (domain.BufferMetrics, error)
	ReleasePool(ctx context.Context, streamID domain.StreamID) error
}

type QualityService interface {
	InitializeStream(ctx context.Context, acx domain.AdaptationContext) (domain.QualityLevel, error)
	UpdateContext(ctx context.Context, streamID domain.StreamID, net domain.NetworkConditions, health domain.StreamHealth) error
	EvaluateAdaptation(ctx context.Context, streamID domain.StreamID) (*domain.QualityDecision, error)
	ForceQualityChange(ctx context.Context, streamID domain.StreamID, level string) (*domain.QualityDecision, error)
	GetOptimalQuality(ctx context.Context, streamID domain.StreamID) (domain.QualityLevel, error)
	CurrentQuality(ctx context.Context, streamID domain.StreamID) (domain.QualityLevel, error)
	Ladder(ctx context.Context, streamID domain.StreamID) ([]domain.QualityLevel, error)
	RemoveStream(ctx context.Context, streamID domain.StreamID) error
}

type CacheService interface {
	CacheContent(ctx context.Context, key string, data []byte, meta domain.CacheMetadata, opts domain.CacheOptions) error
	RetrieveContent(ctx context.Context, key string, req domain.CacheRequest) (*domain.CacheResult, error)
	InvalidateContent(ctx context.Context, pattern string, scope string) (int, error)
	PrefetchContent(ctx context.Context, predictions []domain.AccessPrediction) (int, error)
	Stats(ctx context.Context) (domain.CacheStats, error)
}

type CoordinationService interface {
	RegisterAgent(ctx context.Context, agent *domain.Agent) error
	UnregisterAgent(ctx context.Context, agentID domain.AgentID) error
	Heartbeat(ctx context.Context, agentID domain.AgentID) error
	CreateCoordinatedSession(ctx context.Context, sessionID domain.SessionID, agentIDs []domain.AgentID) (*domain.SessionCoordination, error)
	RequestStream(ctx context.Context, sessionID domain.SessionID, req StreamRequest) (domain.AgentID, error)
	CoordinateQualityChange(ctx context.Context, sessionID domain.SessionID, decision domain.QualityDecision) (*domain.ConsensusProposal, error)
	SubmitVote(ctx context.Context, proposalID domain.ProposalID, agentID domain.AgentID, approve bool) error
	HandleAgentFailure(ctx context.Context, agentID domain.AgentID) error
	CheckHeartbeats(ctx context.Context) error
	Metrics(ctx context.Context) (domain.CoordinationMetrics, error)
}

type MetricsService interface {
	RecordSessionMetrics(ctx context.Context, metrics domain.SessionMetrics) error
	GetSessionMetrics(ctx context.Context, sessionID domain.SessionID) (*domain.SessionMetrics, error)
	AggregateMetrics(ctx context.Context) ([]*domain.SessionMetrics, error)
}
