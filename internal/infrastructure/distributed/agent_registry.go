package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Registration TTLs. Agent keys are refreshed on every heartbeat, so a key
// outliving agentTTL means the agent went silent on every coordinator.
const (
	agentTTL = 30 * time.Second
	setTTL   = 5 * time.Minute
)

// SharedAgentRegistry provides a shared agent presence registry across
// coordinator instances.
type SharedAgentRegistry struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	prefix     string
}

// NewSharedAgentRegistry creates a new shared agent registry
func NewSharedAgentRegistry(
	client *redis.Client,
	instanceID string,
	logger *zap.SugaredLogger,
) *SharedAgentRegistry {
	return &SharedAgentRegistry{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		prefix:     "syncmesh:agent:",
	}
}

// RegisterAgent registers an agent in the shared registry
func (r *SharedAgentRegistry) RegisterAgent(ctx context.Context, agent *domain.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}

	key := r.agentKey(agent.ID)

	record := map[string]interface{}{
		"agent":         string(data),
		"instance_id":   r.instanceID,
		"registered_at": time.Now().Unix(),
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal agent record: %w", err)
	}

	if err := r.client.Set(ctx, key, recordJSON, agentTTL).Err(); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	// Add to region agents set
	if agent.Region != "" {
		regionKey := r.regionAgentsKey(agent.Region)
		if err := r.client.SAdd(ctx, regionKey, string(agent.ID)).Err(); err != nil {
			return fmt.Errorf("failed to add agent to region set: %w", err)
		}
		r.client.Expire(ctx, regionKey, setTTL)
	}

	// Add to instance agents set
	instanceKey := r.instanceAgentsKey(r.instanceID)
	if err := r.client.SAdd(ctx, instanceKey, string(agent.ID)).Err(); err != nil {
		return fmt.Errorf("failed to add agent to instance set: %w", err)
	}
	r.client.Expire(ctx, instanceKey, setTTL)

	return nil
}

// UnregisterAgent removes an agent from the shared registry
func (r *SharedAgentRegistry) UnregisterAgent(ctx context.Context, agentID domain.AgentID) error {
	key := r.agentKey(agentID)

	recordJSON, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil // Already unregistered
	}
	if err != nil {
		return fmt.Errorf("failed to get agent: %w", err)
	}

	var record map[string]interface{}
	if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
		return fmt.Errorf("failed to unmarshal agent record: %w", err)
	}

	// Remove from region set
	var agent domain.Agent
	if agentJSON, ok := record["agent"].(string); ok {
		if err := json.Unmarshal([]byte(agentJSON), &agent); err == nil {
			if agent.Region != "" {
				regionKey := r.regionAgentsKey(agent.Region)
				r.client.SRem(ctx, regionKey, string(agentID))
			}
		}
	}

	// Remove from instance set
	if instanceID, ok := record["instance_id"].(string); ok {
		instanceKey := r.instanceAgentsKey(instanceID)
		r.client.SRem(ctx, instanceKey, string(agentID))
	}

	return r.client.Del(ctx, key).Err()
}

// GetAgent gets an agent from the shared registry
func (r *SharedAgentRegistry) GetAgent(ctx context.Context, agentID domain.AgentID) (*domain.Agent, error) {
	key := r.agentKey(agentID)
	recordJSON, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, domain.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	var record map[string]interface{}
	if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent record: %w", err)
	}

	agentJSON, ok := record["agent"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid agent record format")
	}

	var agent domain.Agent
	if err := json.Unmarshal([]byte(agentJSON), &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}

	return &agent, nil
}

// FindAgentsByRegion finds all agents in a region across all instances
func (r *SharedAgentRegistry) FindAgentsByRegion(ctx context.Context, region string) ([]*domain.Agent, error) {
	regionKey := r.regionAgentsKey(region)
	agentIDs, err := r.client.SMembers(ctx, regionKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get region agents: %w", err)
	}

	var agents []*domain.Agent
	for _, idStr := range agentIDs {
		agent, err := r.GetAgent(ctx, domain.AgentID(idStr))
		if err != nil {
			// Skip agents whose keys already expired
			continue
		}
		agents = append(agents, agent)
	}

	return agents, nil
}

// GetInstanceAgents gets all agents registered through a specific instance
func (r *SharedAgentRegistry) GetInstanceAgents(ctx context.Context, instanceID string) ([]domain.AgentID, error) {
	instanceKey := r.instanceAgentsKey(instanceID)
	agentIDs, err := r.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance agents: %w", err)
	}

	result := make([]domain.AgentID, len(agentIDs))
	for i, id := range agentIDs {
		result[i] = domain.AgentID(id)
	}

	return result, nil
}

// RefreshAgent extends an agent registration, called on heartbeat.
func (r *SharedAgentRegistry) RefreshAgent(ctx context.Context, agentID domain.AgentID) error {
	key := r.agentKey(agentID)
	refreshed, err := r.client.Expire(ctx, key, agentTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh agent: %w", err)
	}
	if !refreshed {
		return domain.ErrAgentNotFound
	}
	return nil
}

// CleanupInstanceAgents unregisters every agent owned by an instance,
// typically on shutdown.
func (r *SharedAgentRegistry) CleanupInstanceAgents(ctx context.Context, instanceID string) error {
	instanceKey := r.instanceAgentsKey(instanceID)
	agentIDs, err := r.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get instance agents: %w", err)
	}

	for _, idStr := range agentIDs {
		if err := r.UnregisterAgent(ctx, domain.AgentID(idStr)); err != nil {
			r.logger.Warnw("failed to unregister agent during cleanup",
				"agent_id", idStr,
				"error", err,
			)
		}
	}

	return r.client.Del(ctx, instanceKey).Err()
}

// AcquireSessionLock takes a cluster-wide lock for session operations, such
// as failover reassignment. The caller releases it.
func (r *SharedAgentRegistry) AcquireSessionLock(ctx context.Context, sessionID domain.SessionID, ttl time.Duration) (*distributed.Lock, error) {
	lock := distributed.NewLock(r.client, fmt.Sprintf("syncmesh:lock:session:%s", sessionID), ttl)
	if err := lock.Acquire(ctx, 0); err != nil {
		return nil, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	return lock, nil
}

// Helper methods
func (r *SharedAgentRegistry) agentKey(agentID domain.AgentID) string {
	return r.prefix + string(agentID)
}

func (r *SharedAgentRegistry) regionAgentsKey(region string) string {
	return fmt.Sprintf("syncmesh:region:%s:agents", region)
}

func (r *SharedAgentRegistry) instanceAgentsKey(instanceID string) string {
	return fmt.Sprintf("syncmesh:instance:%s:agents", instanceID)
}
