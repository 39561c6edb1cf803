package reliability

import (
	"context"
	"sync"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/pkg/circuitbreaker"
	"syncmesh/pkg/retry"

	"go.uber.org/zap"
)

// CoordinationServiceWrapper wraps a CoordinationService with retry logic and
// circuit breakers. Registry-wide operations share one breaker; operations
// directed at a single agent get a per-agent breaker so one flapping agent
// cannot trip the rest of the mesh.
type CoordinationServiceWrapper struct {
	service ports.CoordinationService
	logger  *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
	agentBreakers  map[domain.AgentID]*circuitbreaker.CircuitBreaker
	agentBreakerMu sync.RWMutex
}

func NewCoordinationServiceWrapper(
	service ports.CoordinationService,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *CoordinationServiceWrapper {
	// Domain sentinels never succeed on retry.
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors,
		domain.ErrAgentNotFound,
		domain.ErrSessionNotFound,
		domain.ErrProposalNotFound,
		domain.ErrProposalResolved,
	)

	wrapper := &CoordinationServiceWrapper{
		service:        service,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
		agentBreakers:  make(map[domain.AgentID]*circuitbreaker.CircuitBreaker),
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

// getAgentCircuitBreaker gets or creates a circuit breaker for a specific agent
func (w *CoordinationServiceWrapper) getAgentCircuitBreaker(agentID domain.AgentID) *circuitbreaker.CircuitBreaker {
	w.agentBreakerMu.RLock()
	cb, exists := w.agentBreakers[agentID]
	w.agentBreakerMu.RUnlock()

	if exists {
		return cb
	}

	w.agentBreakerMu.Lock()
	defer w.agentBreakerMu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := w.agentBreakers[agentID]; exists {
		return cb
	}

	cb = circuitbreaker.New(circuitbreaker.DefaultConfig())
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		w.logger.Infow("agent circuit breaker state changed",
			"agent_id", agentID,
			"from", from.String(),
			"to", to.String(),
		)
	})

	w.agentBreakers[agentID] = cb
	return cb
}

func (w *CoordinationServiceWrapper) RegisterAgent(ctx context.Context, agent *domain.Agent) error {
	if !w.retryConfig.Enabled {
		return w.service.RegisterAgent(ctx, agent)
	}

	return retry.Do(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.service.RegisterAgent(ctx, agent)
		})
	})
}

func (w *CoordinationServiceWrapper) UnregisterAgent(ctx context.Context, agentID domain.AgentID) error {
	if !w.retryConfig.Enabled {
		return w.service.UnregisterAgent(ctx, agentID)
	}

	return retry.Do(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.service.UnregisterAgent(ctx, agentID)
		})
	})
}

// Heartbeat rides the agent's own breaker so a single silent agent opens only
// its breaker.
func (w *CoordinationServiceWrapper) Heartbeat(ctx context.Context, agentID domain.AgentID) error {
	if !w.retryConfig.Enabled {
		return w.service.Heartbeat(ctx, agentID)
	}

	agentCB := w.getAgentCircuitBreaker(agentID)

	return retry.Do(ctx, w.retryConfig, func() error {
		return agentCB.Execute(ctx, func() error {
			return w.service.Heartbeat(ctx, agentID)
		})
	})
}

func (w *CoordinationServiceWrapper) CreateCoordinatedSession(ctx context.Context, sessionID domain.SessionID, agentIDs []domain.AgentID) (*domain.SessionCoordination, error) {
	if !w.retryConfig.Enabled {
		return w.service.CreateCoordinatedSession(ctx, sessionID, agentIDs)
	}

	return retry.DoWithResult(ctx, w.retryConfig, func() (*domain.SessionCoordination, error) {
		return circuitbreaker.Do(ctx, w.circuitBreaker, func() (*domain.SessionCoordination, error) {
			return w.service.CreateCoordinatedSession(ctx, sessionID, agentIDs)
		})
	})
}

func (w *CoordinationServiceWrapper) RequestStream(ctx context.Context, sessionID domain.SessionID, req ports.StreamRequest) (domain.AgentID, error) {
	if !w.retryConfig.Enabled {
		return w.service.RequestStream(ctx, sessionID, req)
	}

	return retry.DoWithResult(ctx, w.retryConfig, func() (domain.AgentID, error) {
		return circuitbreaker.Do(ctx, w.circuitBreaker, func() (domain.AgentID, error) {
			return w.service.RequestStream(ctx, sessionID, req)
		})
	})
}

func (w *CoordinationServiceWrapper) CoordinateQualityChange(ctx context.Context, sessionID domain.SessionID, decision domain.QualityDecision) (*domain.ConsensusProposal, error) {
	if !w.retryConfig.Enabled {
		return w.service.CoordinateQualityChange(ctx, sessionID, decision)
	}

	return retry.DoWithResult(ctx, w.retryConfig, func() (*domain.ConsensusProposal, error) {
		return circuitbreaker.Do(ctx, w.circuitBreaker, func() (*domain.ConsensusProposal, error) {
			return w.service.CoordinateQualityChange(ctx, sessionID, decision)
		})
	})
}

// SubmitVote rides the voting agent's breaker.
func (w *CoordinationServiceWrapper) SubmitVote(ctx context.Context, proposalID domain.ProposalID, agentID domain.AgentID, approve bool) error {
	if !w.retryConfig.Enabled {
		return w.service.SubmitVote(ctx, proposalID, agentID, approve)
	}

	agentCB := w.getAgentCircuitBreaker(agentID)

	return retry.Do(ctx, w.retryConfig, func() error {
		return agentCB.Execute(ctx, func() error {
			return w.service.SubmitVote(ctx, proposalID, agentID, approve)
		})
	})
}

// HandleAgentFailure deliberately bypasses the failed agent's breaker. The
// failover path must stay open precisely when that breaker is open.
func (w *CoordinationServiceWrapper) HandleAgentFailure(ctx context.Context, agentID domain.AgentID) error {
	if !w.retryConfig.Enabled {
		return w.service.HandleAgentFailure(ctx, agentID)
	}

	return retry.Do(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.service.HandleAgentFailure(ctx, agentID)
		})
	})
}

// CheckHeartbeats runs on a schedule; the next tick is the retry.
func (w *CoordinationServiceWrapper) CheckHeartbeats(ctx context.Context) error {
	return w.service.CheckHeartbeats(ctx)
}

func (w *CoordinationServiceWrapper) Metrics(ctx context.Context) (domain.CoordinationMetrics, error) {
	return w.service.Metrics(ctx)
}

// GetCircuitBreakerStats returns statistics for the shared breaker.
func (w *CoordinationServiceWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}

// GetAgentCircuitBreakerStats returns breaker statistics for a specific agent.
func (w *CoordinationServiceWrapper) GetAgentCircuitBreakerStats(agentID domain.AgentID) (circuitbreaker.Stats, bool) {
	w.agentBreakerMu.RLock()
	defer w.agentBreakerMu.RUnlock()

	cb, exists := w.agentBreakers[agentID]
	if !exists {
		return circuitbreaker.Stats{}, false
	}

	return cb.GetStats(), true
}
