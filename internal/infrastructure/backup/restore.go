package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/pkg/backup"

	"go.uber.org/zap"
)

// RestoreService rebuilds coordinator state from a snapshot.
type RestoreService struct {
	snapshots   *backup.Service
	sessionRepo ports.SessionRepository
	agentRepo   ports.AgentRepository
	logger      *zap.SugaredLogger
}

func NewRestoreService(
	snapshots *backup.Service,
	sessionRepo ports.SessionRepository,
	agentRepo ports.AgentRepository,
	logger *zap.SugaredLogger,
) *RestoreService {
	return &RestoreService{
		snapshots:   snapshots,
		sessionRepo: sessionRepo,
		agentRepo:   agentRepo,
		logger:      logger,
	}
}

// RestoreOptions contains restore options
type RestoreOptions struct {
	OverwriteExisting bool
	RestoreSessions   bool
	RestoreAgents     bool
	PointInTime       *time.Time // pick the newest snapshot at or before this time
}

// DefaultRestoreOptions returns default restore options
func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{
		OverwriteExisting: false,
		RestoreSessions:   true,
		RestoreAgents:     true,
	}
}

// RestoreFromSnapshot restores state from a named snapshot.
func (rs *RestoreService) RestoreFromSnapshot(ctx context.Context, name string, options RestoreOptions) error {
	rs.logger.Infow("starting restore", "snapshot", name)

	snap, err := rs.snapshots.Restore(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	if snap.Version == "" {
		return fmt.Errorf("invalid snapshot: missing version")
	}

	if err := rs.restoreSessions(ctx, snap.Sessions, options); err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}

	if err := rs.restoreAgents(ctx, snap.Agents, options); err != nil {
		return fmt.Errorf("failed to restore agents: %w", err)
	}

	rs.logger.Infow("restore completed", "snapshot", name)
	return nil
}

// RestoreLatest restores from the most recent snapshot, honoring PointInTime
// when set.
func (rs *RestoreService) RestoreLatest(ctx context.Context, options RestoreOptions) error {
	var name string
	var err error

	if options.PointInTime != nil {
		name, err = rs.FindSnapshotByTime(ctx, *options.PointInTime)
	} else {
		name, err = rs.snapshots.Latest(ctx)
	}
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("no snapshots available")
	}

	return rs.RestoreFromSnapshot(ctx, name, options)
}

func (rs *RestoreService) restoreSessions(ctx context.Context, sessions map[string]json.RawMessage, options RestoreOptions) error {
	if !options.RestoreSessions {
		return nil
	}

	for idStr, data := range sessions {
		sessionID := domain.SessionID(idStr)

		existing, err := rs.sessionRepo.GetByID(ctx, sessionID)
		if err == nil && existing != nil && !options.OverwriteExisting {
			rs.logger.Debugw("skipping existing session", "session_id", sessionID)
			continue
		}

		var session domain.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session %s: %w", sessionID, err)
		}

		if existing == nil {
			if err := rs.sessionRepo.Create(ctx, &session); err != nil {
				return fmt.Errorf("failed to create session %s: %w", sessionID, err)
			}
		} else {
			if err := rs.sessionRepo.Update(ctx, &session); err != nil {
				return fmt.Errorf("failed to update session %s: %w", sessionID, err)
			}
		}

		rs.logger.Debugw("restored session", "session_id", sessionID)
	}

	return nil
}

func (rs *RestoreService) restoreAgents(ctx context.Context, agents map[string]json.RawMessage, options RestoreOptions) error {
	if !options.RestoreAgents {
		return nil
	}

	for idStr, data := range agents {
		agentID := domain.AgentID(idStr)

		existing, err := rs.agentRepo.GetByID(ctx, agentID)
		if err == nil && existing != nil && !options.OverwriteExisting {
			rs.logger.Debugw("skipping existing agent", "agent_id", agentID)
			continue
		}

		var agent domain.Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			return fmt.Errorf("failed to unmarshal agent %s: %w", agentID, err)
		}

		// Whatever the agent's status was at snapshot time, its connection
		// did not survive the restore. It comes back once it heartbeats.
		agent.Status = domain.AgentOffline

		if existing == nil {
			if err := rs.agentRepo.Add(ctx, &agent); err != nil {
				return fmt.Errorf("failed to add agent %s: %w", agentID, err)
			}
		} else {
			if err := rs.agentRepo.Update(ctx, &agent); err != nil {
				return fmt.Errorf("failed to update agent %s: %w", agentID, err)
			}
		}

		rs.logger.Debugw("restored agent", "agent_id", agentID)
	}

	return nil
}

// FindSnapshotByTime finds the newest snapshot at or before targetTime.
func (rs *RestoreService) FindSnapshotByTime(ctx context.Context, targetTime time.Time) (string, error) {
	names, err := rs.snapshots.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list snapshots: %w", err)
	}

	var closestName string
	var closestTime time.Time
	var found bool

	for _, name := range names {
		// Names look like snapshot-20060102-150405.json
		if len(name) < 29 {
			continue
		}

		timestampStr := name[9:24]
		timestamp, err := time.Parse("20060102-150405", timestampStr)
		if err != nil {
			continue
		}

		if timestamp.After(targetTime) {
			continue
		}
		if !found || timestamp.After(closestTime) {
			closestName = name
			closestTime = timestamp
			found = true
		}
	}

	if !found {
		return "", fmt.Errorf("no snapshot found at or before %v", targetTime)
	}

	return closestName, nil
}
