package ports

import (
	"context"
	"time"

	"syncmesh/internal/core/domain"
)

type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	Delete(ctx context.Context, id domain.SessionID) error
	ListActive(ctx context.Context) ([]*domain.Session, error)
	List(ctx context.Context) ([]*domain.Session, error)
}

type AgentRepository interface {
	Add(ctx context.Context, agent *domain.Agent) error
	GetByID(ctx context.Context, id domain.AgentID) (*domain.Agent, error)
	Update(ctx context.Context, agent *domain.Agent) error
	Remove(ctx context.Context, id domain.AgentID) error
	ListOnline(ctx context.Context) ([]*domain.Agent, error)
	List(ctx context.Context) ([]*domain.Agent, error)
	UpdateHeartbeat(ctx context.Context, id domain.AgentID, at time.Time) error
}

// CacheStore is the per-edge-node content store.
type CacheStore interface {
	Put(ctx context.Context, entry *domain.CacheEntry) error
	Get(ctx context.Context, key string) (*domain.CacheEntry, error)
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	BytesUsed(ctx context.Context) (int64, error)
}

// OriginFetcher pulls content from the origin when the edge misses.
type OriginFetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, domain.CacheMetadata, error)
}
