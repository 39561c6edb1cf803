package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisSessionRepository stores sessions as JSON blobs with set-based
// indexes for membership and activity queries.
type RedisSessionRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: "syncmesh:session:",
	}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisSessionRepository) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisSessionRepository) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := r.sessionKey(session.ID)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}

	if err := r.client.SAdd(ctx, r.indexKey(), string(session.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}

	if session.Status != domain.SessionEnded {
		if err := r.client.SAdd(ctx, r.activeKey(), string(session.ID)).Err(); err != nil {
			return fmt.Errorf("failed to add session to active set: %w", err)
		}
	}

	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

func (r *RedisSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	if _, err := r.GetByID(ctx, session.ID); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := r.sessionKey(session.ID)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}

	// Ended sessions leave the active index, everything else stays in it.
	activeKey := r.activeKey()
	if session.Status != domain.SessionEnded {
		if err := r.client.SAdd(ctx, activeKey, string(session.ID)).Err(); err != nil {
			return fmt.Errorf("failed to add session to active set: %w", err)
		}
	} else {
		if err := r.client.SRem(ctx, activeKey, string(session.ID)).Err(); err != nil {
			return fmt.Errorf("failed to remove session from active set: %w", err)
		}
	}

	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}

	if err := r.client.SRem(ctx, r.activeKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove session from active set: %w", err)
	}
	if err := r.client.SRem(ctx, r.indexKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove session from index: %w", err)
	}

	if err := r.client.Del(ctx, r.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) ListActive(ctx context.Context) ([]*domain.Session, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active sessions from Redis: %w", err)
	}

	var sessions []*domain.Session
	for _, idStr := range ids {
		session, err := r.GetByID(ctx, domain.SessionID(idStr))
		if err != nil {
			// Skip sessions that no longer exist
			continue
		}
		if session.Status != domain.SessionEnded {
			sessions = append(sessions, session)
		}
	}

	return sessions, nil
}

func (r *RedisSessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session index from Redis: %w", err)
	}

	var sessions []*domain.Session
	for _, idStr := range ids {
		session, err := r.GetByID(ctx, domain.SessionID(idStr))
		if err != nil {
			continue
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}
