package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"syncmesh/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// RedisAgentRepository stores agents as JSON blobs. The online set tracks
// agents eligible for new session assignments.
type RedisAgentRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisAgentRepository(client *redis.Client) *RedisAgentRepository {
	return &RedisAgentRepository{
		client: client,
		prefix: "syncmesh:agent:",
	}
}

func (r *RedisAgentRepository) agentKey(id domain.AgentID) string {
	return r.prefix + string(id)
}

func (r *RedisAgentRepository) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisAgentRepository) onlineKey() string {
	return r.prefix + "online"
}

func (r *RedisAgentRepository) save(ctx context.Context, agent *domain.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}

	if err := r.client.Set(ctx, r.agentKey(agent.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set agent in Redis: %w", err)
	}

	if err := r.client.SAdd(ctx, r.indexKey(), string(agent.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index agent: %w", err)
	}

	onlineKey := r.onlineKey()
	if agent.Selectable() {
		if err := r.client.SAdd(ctx, onlineKey, string(agent.ID)).Err(); err != nil {
			return fmt.Errorf("failed to add agent to online set: %w", err)
		}
	} else {
		if err := r.client.SRem(ctx, onlineKey, string(agent.ID)).Err(); err != nil {
			return fmt.Errorf("failed to remove agent from online set: %w", err)
		}
	}

	return nil
}

func (r *RedisAgentRepository) Add(ctx context.Context, agent *domain.Agent) error {
	return r.save(ctx, agent)
}

func (r *RedisAgentRepository) GetByID(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	data, err := r.client.Get(ctx, r.agentKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent from Redis: %w", err)
	}

	var agent domain.Agent
	if err := json.Unmarshal([]byte(data), &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}

	return &agent, nil
}

func (r *RedisAgentRepository) Update(ctx context.Context, agent *domain.Agent) error {
	if _, err := r.GetByID(ctx, agent.ID); err != nil {
		return err
	}
	return r.save(ctx, agent)
}

func (r *RedisAgentRepository) Remove(ctx context.Context, id domain.AgentID) error {
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}

	if err := r.client.SRem(ctx, r.onlineKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove agent from online set: %w", err)
	}
	if err := r.client.SRem(ctx, r.indexKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove agent from index: %w", err)
	}

	if err := r.client.Del(ctx, r.agentKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete agent from Redis: %w", err)
	}

	return nil
}

func (r *RedisAgentRepository) ListOnline(ctx context.Context) ([]*domain.Agent, error) {
	ids, err := r.client.SMembers(ctx, r.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online agents from Redis: %w", err)
	}

	var agents []*domain.Agent
	for _, idStr := range ids {
		agent, err := r.GetByID(ctx, domain.AgentID(idStr))
		if err != nil {
			// Skip agents that no longer exist
			continue
		}
		if agent.Selectable() {
			agents = append(agents, agent)
		}
	}

	return agents, nil
}

func (r *RedisAgentRepository) List(ctx context.Context) ([]*domain.Agent, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get agent index from Redis: %w", err)
	}

	var agents []*domain.Agent
	for _, idStr := range ids {
		agent, err := r.GetByID(ctx, domain.AgentID(idStr))
		if err != nil {
			continue
		}
		agents = append(agents, agent)
	}

	return agents, nil
}

func (r *RedisAgentRepository) UpdateHeartbeat(ctx context.Context, id domain.AgentID, at time.Time) error {
	agent, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	agent.LastHeartbeat = at
	return r.save(ctx, agent)
}
