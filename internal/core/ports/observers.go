package ports

import (
	"time"

	"syncmesh/internal/core/domain"
)

// Narrow per-component event surfaces. Services accept any number of
// observers; callbacks run on the caller's goroutine and must not block.

type BufferObserver interface {
	OnUnderrun(streamID domain.StreamID, level int)
	OnOverflow(streamID domain.StreamID, dropped domain.ChunkID)
	OnSyncDeviation(streamID domain.StreamID, deviation time.Duration)
}

type QualityObserver interface {
	OnQualityChanged(decision domain.QualityDecision)
}

type SessionObserver interface {
	OnSessionStatusChanged(sessionID domain.SessionID, from, to domain.SessionStatus)
}

type CacheObserver interface {
	OnCacheHit(key string, nodeID string)
	OnCacheMiss(key string)
	OnCacheEvicted(key string, nodeID string)
}

type CoordinationObserver interface {
	OnAgentJoined(agent *domain.Agent)
	OnAgentOffline(agentID domain.AgentID)
	OnProposalResolved(proposal *domain.ConsensusProposal)
	OnFailover(sessionID domain.SessionID, failed, replacement domain.AgentID)
}
