package domain

import "time"

type AgentID string
type ProposalID string

type AgentRole string

const (
	AgentProducer AgentRole = "producer"
	AgentConsumer AgentRole = "consumer"
	AgentRelay    AgentRole = "relay"
	AgentProsumer AgentRole = "prosumer"
)

type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentDegraded AgentStatus = "degraded"
)

type AgentCapabilities struct {
	Codecs     []string
	Bandwidth  int // bps
	MaxStreams int
	GeoLatency time.Duration // measured latency to the coordinator region
}

type Agent struct {
	ID            AgentID
	Role          AgentRole
	Region        string
	Capabilities  AgentCapabilities
	Load          float64 // 0-1
	Status        AgentStatus
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// Selectable reports whether the agent may receive new session assignments.
func (a *Agent) Selectable() bool {
	return a.Status == AgentOnline
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

func (s ProposalStatus) Terminal() bool {
	return s == ProposalApproved || s == ProposalRejected || s == ProposalExpired
}

type ConsensusProposal struct {
	ID         ProposalID
	Type       string
	Proposer   AgentID
	SessionID  SessionID
	Payload    map[string]interface{}
	Votes      map[AgentID]bool
	Threshold  int // ceil(participants/2)
	Deadline   time.Time
	Status     ProposalStatus
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// ConsensusThreshold returns the strict majority for a participant count.
func ConsensusThreshold(participants int) int {
	return (participants + 1) / 2
}

// Approvals counts the positive votes recorded so far.
func (p *ConsensusProposal) Approvals() int {
	n := 0
	for _, yes := range p.Votes {
		if yes {
			n++
		}
	}
	return n
}
