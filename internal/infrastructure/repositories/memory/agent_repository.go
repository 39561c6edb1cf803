package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
)

type MemoryAgentRepository struct {
	agents map[domain.AgentID]*domain.Agent
	mu     sync.RWMutex
}

func NewMemoryAgentRepository() ports.AgentRepository {
	return &MemoryAgentRepository{
		agents: make(map[domain.AgentID]*domain.Agent),
	}
}

func (r *MemoryAgentRepository) Add(ctx context.Context, agent *domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return fmt.Errorf("agent already exists: %s", agent.ID)
	}

	r.agents[agent.ID] = agent
	return nil
}

func (r *MemoryAgentRepository) GetByID(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[id]
	if !exists {
		return nil, domain.ErrAgentNotFound
	}

	return agent, nil
}

func (r *MemoryAgentRepository) Update(ctx context.Context, agent *domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; !exists {
		return domain.ErrAgentNotFound
	}

	r.agents[agent.ID] = agent
	return nil
}

func (r *MemoryAgentRepository) Remove(ctx context.Context, id domain.AgentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return domain.ErrAgentNotFound
	}

	delete(r.agents, id)
	return nil
}

func (r *MemoryAgentRepository) ListOnline(ctx context.Context) ([]*domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var online []*domain.Agent
	for _, agent := range r.agents {
		if agent.Selectable() {
			online = append(online, agent)
		}
	}

	return online, nil
}

func (r *MemoryAgentRepository) List(ctx context.Context) ([]*domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*domain.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}

	return agents, nil
}

func (r *MemoryAgentRepository) UpdateHeartbeat(ctx context.Context, id domain.AgentID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[id]
	if !exists {
		return domain.ErrAgentNotFound
	}

	agent.LastHeartbeat = at
	return nil
}
