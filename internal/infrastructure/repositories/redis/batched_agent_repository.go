package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/pkg/batch"
)

// writeOp is one queued Redis write. A drained batch executes as a single
// pipeline.
type writeOp struct {
	op     string // "set", "sadd", "srem", "del"
	key    string
	value  []byte
	member string
}

// BatchedAgentRepository wraps RedisAgentRepository and coalesces writes
// into pipelined batches. Heartbeats dominate agent traffic, so batching
// cuts round trips at the cost of a short write delay. Reads drain the
// queue first so callers always see their own writes.
type BatchedAgentRepository struct {
	base    *RedisAgentRepository
	batcher *batch.Batcher[writeOp]
}

func NewBatchedAgentRepository(base *RedisAgentRepository, batchSize int, batchInterval time.Duration) *BatchedAgentRepository {
	r := &BatchedAgentRepository{base: base}
	r.batcher = batch.New(batchSize, batchInterval, r.flushBatch)
	return r
}

func (r *BatchedAgentRepository) flushBatch(ctx context.Context, ops []writeOp) error {
	pipe := r.base.client.Pipeline()
	for _, op := range ops {
		switch op.op {
		case "set":
			pipe.Set(ctx, op.key, op.value, 0)
		case "sadd":
			pipe.SAdd(ctx, op.key, op.member)
		case "srem":
			pipe.SRem(ctx, op.key, op.member)
		case "del":
			pipe.Del(ctx, op.key)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute Redis pipeline: %w", err)
	}
	return nil
}

func (r *BatchedAgentRepository) queueSave(agent *domain.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}

	r.batcher.Add(writeOp{op: "set", key: r.base.agentKey(agent.ID), value: data})
	r.batcher.Add(writeOp{op: "sadd", key: r.base.indexKey(), member: string(agent.ID)})

	if agent.Selectable() {
		r.batcher.Add(writeOp{op: "sadd", key: r.base.onlineKey(), member: string(agent.ID)})
	} else {
		r.batcher.Add(writeOp{op: "srem", key: r.base.onlineKey(), member: string(agent.ID)})
	}
	return nil
}

func (r *BatchedAgentRepository) Add(ctx context.Context, agent *domain.Agent) error {
	return r.queueSave(agent)
}

func (r *BatchedAgentRepository) GetByID(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	if err := r.batcher.Flush(ctx); err != nil {
		return nil, err
	}
	return r.base.GetByID(ctx, id)
}

func (r *BatchedAgentRepository) Update(ctx context.Context, agent *domain.Agent) error {
	if _, err := r.GetByID(ctx, agent.ID); err != nil {
		return err
	}
	return r.queueSave(agent)
}

func (r *BatchedAgentRepository) Remove(ctx context.Context, id domain.AgentID) error {
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}

	r.batcher.Add(writeOp{op: "srem", key: r.base.onlineKey(), member: string(id)})
	r.batcher.Add(writeOp{op: "srem", key: r.base.indexKey(), member: string(id)})
	r.batcher.Add(writeOp{op: "del", key: r.base.agentKey(id)})
	return nil
}

func (r *BatchedAgentRepository) ListOnline(ctx context.Context) ([]*domain.Agent, error) {
	if err := r.batcher.Flush(ctx); err != nil {
		return nil, err
	}
	return r.base.ListOnline(ctx)
}

func (r *BatchedAgentRepository) List(ctx context.Context) ([]*domain.Agent, error) {
	if err := r.batcher.Flush(ctx); err != nil {
		return nil, err
	}
	return r.base.List(ctx)
}

func (r *BatchedAgentRepository) UpdateHeartbeat(ctx context.Context, id domain.AgentID, at time.Time) error {
	agent, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	agent.LastHeartbeat = at
	return r.queueSave(agent)
}

// Flush forces all queued writes onto Redis.
func (r *BatchedAgentRepository) Flush(ctx context.Context) error {
	return r.batcher.Flush(ctx)
}

// Stop stops the batcher, flushing whatever is still queued.
func (r *BatchedAgentRepository) Stop() {
	r.batcher.Stop()
}
