package distributed

import (
	"context"

	"go.uber.org/zap"

	"syncmesh/internal/core/domain"
)

// RegistryMirror replicates agent lifecycle changes from the local
// coordination service into the shared registry so other instances can
// route to agents connected here. It is attached as a coordination
// observer, keeping the service itself unaware of the cluster.
type RegistryMirror struct {
	registry *SharedAgentRegistry
	logger   *zap.SugaredLogger
}

func NewRegistryMirror(registry *SharedAgentRegistry, logger *zap.SugaredLogger) *RegistryMirror {
	return &RegistryMirror{
		registry: registry,
		logger:   logger,
	}
}

// OnAgentJoined publishes the agent to the shared registry. Observer
// callbacks carry no context, so mirroring uses a background one.
func (m *RegistryMirror) OnAgentJoined(agent *domain.Agent) {
	if err := m.registry.RegisterAgent(context.Background(), agent); err != nil {
		m.logger.Warnw("failed to mirror agent into shared registry",
			"agent_id", agent.ID,
			"error", err)
	}
}

func (m *RegistryMirror) OnAgentOffline(agentID domain.AgentID) {
	if err := m.registry.UnregisterAgent(context.Background(), agentID); err != nil {
		m.logger.Warnw("failed to remove agent from shared registry",
			"agent_id", agentID,
			"error", err)
	}
}

func (m *RegistryMirror) OnProposalResolved(proposal *domain.ConsensusProposal) {}

func (m *RegistryMirror) OnFailover(sessionID domain.SessionID, failed, replacement domain.AgentID) {
}
