package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"syncmesh/internal/core/ports"
	"syncmesh/pkg/backup"
	"syncmesh/pkg/distributed"

	"go.uber.org/zap"
)

// Scheduler writes periodic snapshots of coordinator state. With a shared
// lock only one coordinator in a cluster snapshots per tick.
type Scheduler struct {
	snapshots   *backup.Service
	sessionRepo ports.SessionRepository
	agentRepo   ports.AgentRepository
	lock        *distributed.Lock // nil for single-instance deployments
	interval    time.Duration
	keep        int
	logger      *zap.SugaredLogger
	stopChan    chan struct{}

	mu      sync.Mutex
	lastRun time.Time
}

// Config contains scheduler configuration
type Config struct {
	Interval time.Duration
	Keep     int // snapshots retained after pruning
}

func NewScheduler(
	snapshots *backup.Service,
	sessionRepo ports.SessionRepository,
	agentRepo ports.AgentRepository,
	lock *distributed.Lock,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	return &Scheduler{
		snapshots:   snapshots,
		sessionRepo: sessionRepo,
		agentRepo:   agentRepo,
		lock:        lock,
		interval:    cfg.Interval,
		keep:        cfg.Keep,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start runs the snapshot loop until Stop or context cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run initial snapshot
	s.runSnapshot(ctx)

	for {
		select {
		case <-ticker.C:
			s.runSnapshot(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the snapshot loop
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// LastRun reports when the last snapshot attempt finished. Zero until the
// first run. Health checks use this to detect a stalled loop.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) runSnapshot(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.lastRun = time.Now()
		s.mu.Unlock()
	}()

	if s.lock != nil {
		acquired, err := s.lock.TryAcquire(ctx)
		if err != nil {
			s.logger.Errorw("failed to acquire snapshot lock", "error", err)
			return
		}
		if !acquired {
			s.logger.Debug("snapshot lock held elsewhere, skipping")
			return
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				s.logger.Warnw("failed to release snapshot lock", "error", err)
			}
		}()
	}

	s.logger.Info("starting scheduled snapshot")

	snap, err := s.collectState(ctx)
	if err != nil {
		s.logger.Errorw("failed to collect snapshot state", "error", err)
		return
	}

	name, err := s.snapshots.Create(ctx, snap)
	if err != nil {
		s.logger.Errorw("failed to create snapshot", "error", err)
		return
	}

	s.logger.Infow("snapshot created",
		"name", name,
		"sessions", len(snap.Sessions),
		"agents", len(snap.Agents))

	pruned, err := s.snapshots.Prune(ctx, s.keep)
	if err != nil {
		s.logger.Warnw("failed to prune old snapshots", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Infow("pruned old snapshots", "count", pruned)
	}
}

func (s *Scheduler) collectState(ctx context.Context) (*backup.Snapshot, error) {
	snap := &backup.Snapshot{
		Sessions: make(map[string]json.RawMessage),
		Agents:   make(map[string]json.RawMessage),
		Metadata: make(map[string]string),
	}

	sessions, err := s.sessionRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, session := range sessions {
		data, err := json.Marshal(session)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session %s: %w", session.ID, err)
		}
		snap.Sessions[string(session.ID)] = data
	}

	agents, err := s.agentRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	for _, agent := range agents {
		data, err := json.Marshal(agent)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal agent %s: %w", agent.ID, err)
		}
		snap.Agents[string(agent.ID)] = data
	}

	snap.Metadata["session_count"] = strconv.Itoa(len(snap.Sessions))
	snap.Metadata["agent_count"] = strconv.Itoa(len(snap.Agents))
	snap.Metadata["snapshot_type"] = "scheduled"

	return snap, nil
}
