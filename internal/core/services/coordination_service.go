package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/pkg/retry"
	"syncmesh/pkg/utils"
)

// coordinatorID is the From address for envelopes the coordinator itself
// originates.
const coordinatorID = domain.AgentID("coordinator")

// CoordinationConfig carries the A2A coordination tunables.
type CoordinationConfig struct {
	VotingWindow      time.Duration // advisory resolution target
	VotingTimeout     time.Duration // authoritative expiry
	HeartbeatInterval time.Duration
	FailoverTimeout   time.Duration
}

func (c CoordinationConfig) withDefaults() CoordinationConfig {
	if c.VotingWindow <= 0 {
		c.VotingWindow = 5 * time.Second
	}
	if c.VotingTimeout <= 0 {
		c.VotingTimeout = 6 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.FailoverTimeout <= 0 {
		c.FailoverTimeout = 90 * time.Second
	}
	return c
}

// resolvedRetention keeps terminal proposals queryable for a while before
// the heartbeat sweep drops them.
const resolvedRetention = 10 * time.Minute

type trackedProposal struct {
	proposal     *domain.ConsensusProposal
	participants map[domain.AgentID]bool
	cancelExpiry func()
}

type coordinationService struct {
	mu        sync.RWMutex
	sessions  map[domain.SessionID]*domain.SessionCoordination
	proposals map[domain.ProposalID]*trackedProposal

	approved  int
	rejected  int
	expired   int
	failovers int
	sent      atomic.Int64
	seq       atomic.Uint64

	agents    ports.AgentRepository
	bus       ports.MessageBus
	scheduler ports.Scheduler
	cfg       CoordinationConfig
	pubRetry  retry.Config
	logger    *zap.SugaredLogger
	observers []ports.CoordinationObserver
}

// NewCoordinationService wires the agent-to-agent control plane. It listens
// on the bus for heartbeats and ballots and sweeps agent liveness on the
// heartbeat cadence.
func NewCoordinationService(
	cfg CoordinationConfig,
	agents ports.AgentRepository,
	bus ports.MessageBus,
	scheduler ports.Scheduler,
	logger *zap.SugaredLogger,
	observers ...ports.CoordinationObserver,
) ports.CoordinationService {
	s := &coordinationService{
		sessions:  make(map[domain.SessionID]*domain.SessionCoordination),
		proposals: make(map[domain.ProposalID]*trackedProposal),
		agents:    agents,
		bus:       bus,
		scheduler: scheduler,
		cfg:       cfg.withDefaults(),
		pubRetry:  retry.DefaultConfig(),
		logger:    logger,
		observers: observers,
	}

	if bus != nil {
		bus.Subscribe(s.handleEnvelope)
	}
	if scheduler != nil {
		scheduler.Every("heartbeat_sweep", s.cfg.HeartbeatInterval, func(ctx context.Context) {
			if err := s.CheckHeartbeats(ctx); err != nil {
				s.logger.Warnw("heartbeat sweep failed", "error", err)
			}
		})
	}
	return s
}

func (s *coordinationService) now() time.Time {
	if s.scheduler != nil {
		return s.scheduler.Now()
	}
	return time.Now()
}

func (s *coordinationService) RegisterAgent(ctx context.Context, agent *domain.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent id is required")
	}

	now := s.now()
	if agent.Status == "" {
		agent.Status = domain.AgentOnline
	}
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = now
	}
	agent.LastHeartbeat = now

	if err := s.agents.Add(ctx, agent); err != nil {
		return fmt.Errorf("failed to register agent %s: %w", agent.ID, err)
	}

	for _, o := range s.observers {
		o.OnAgentJoined(agent)
	}
	s.logger.Infow("agent registered",
		"agent_id", agent.ID,
		"role", agent.Role,
		"region", agent.Region,
	)
	return nil
}

// UnregisterAgent handles a graceful departure: the agent leaves its sessions
// and a remaining participant is promoted if it held mastership. No failover
// is counted.
func (s *coordinationService) UnregisterAgent(ctx context.Context, agentID domain.AgentID) error {
	if _, err := s.agents.GetByID(ctx, agentID); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}

	byID, err := s.agentsByID(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, coord := range s.sessions {
		idx := participantIndex(coord.Participants, agentID)
		if idx < 0 {
			continue
		}
		coord.Participants = append(coord.Participants[:idx], coord.Participants[idx+1:]...)
		if coord.Master == agentID {
			coord.Master = s.bestParticipant(coord.Participants, byID)
		}
	}
	s.mu.Unlock()

	if err := s.agents.Remove(ctx, agentID); err != nil {
		return err
	}
	s.logger.Infow("agent unregistered", "agent_id", agentID)
	return nil
}

func (s *coordinationService) Heartbeat(ctx context.Context, agentID domain.AgentID) error {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}

	now := s.now()
	if err := s.agents.UpdateHeartbeat(ctx, agentID, now); err != nil {
		return err
	}

	if agent.Status != domain.AgentOnline {
		agent.Status = domain.AgentOnline
		agent.LastHeartbeat = now
		if err := s.agents.Update(ctx, agent); err != nil {
			return err
		}
		s.logger.Infow("agent back online", "agent_id", agentID)
	}
	return nil
}

// CreateCoordinatedSession selects the master by capability score and records
// the participant set for consensus tracking.
func (s *coordinationService) CreateCoordinatedSession(ctx context.Context, sessionID domain.SessionID, agentIDs []domain.AgentID) (*domain.SessionCoordination, error) {
	if len(agentIDs) == 0 {
		return nil, domain.ErrNoAgentsAvailable
	}

	var master domain.AgentID
	bestScore := -1.0
	for _, id := range agentIDs {
		agent, err := s.agents.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
		}
		if !agent.Selectable() {
			return nil, fmt.Errorf("%w: %s", domain.ErrAgentOffline, id)
		}
		if score := s.scoreAgent(agent); score > bestScore {
			bestScore = score
			master = id
		}
	}

	coord := &domain.SessionCoordination{
		ConsensusRequired: true,
		Master:            master,
		Participants:      append([]domain.AgentID(nil), agentIDs...),
	}

	s.mu.Lock()
	s.sessions[sessionID] = coord
	s.mu.Unlock()

	s.publish(ctx, &domain.Envelope{
		Type:      domain.MsgCoordination,
		From:      coordinatorID,
		To:        domain.BroadcastTarget,
		SessionID: sessionID,
		Data: map[string]interface{}{
			"event":        "session_created",
			"master":       string(master),
			"participants": len(agentIDs),
		},
		Priority:    domain.PriorityHigh,
		Reliability: domain.ReliabilityReliable,
	})
	s.logger.Infow("coordinated session created",
		"session_id", sessionID,
		"master", master,
		"participants", len(agentIDs),
	)
	return coord, nil
}

// RequestStream assigns the best-scored serving agent. Coordinated sessions
// draw from their participant set, others from any online agent.
func (s *coordinationService) RequestStream(ctx context.Context, sessionID domain.SessionID, req ports.StreamRequest) (domain.AgentID, error) {
	s.mu.RLock()
	var scope map[domain.AgentID]bool
	if coord, ok := s.sessions[sessionID]; ok {
		scope = make(map[domain.AgentID]bool, len(coord.Participants))
		for _, id := range coord.Participants {
			scope[id] = true
		}
	}
	s.mu.RUnlock()

	online, err := s.agents.ListOnline(ctx)
	if err != nil {
		return "", err
	}

	var candidates []*domain.Agent
	for _, agent := range online {
		if scope != nil && !scope[agent.ID] {
			continue
		}
		if agent.Role == domain.AgentConsumer {
			continue
		}
		if req.TargetBitrate > 0 && agent.Capabilities.Bandwidth < req.TargetBitrate {
			continue
		}
		if len(req.OfferedCodecs) > 0 && !supportsAnyCodec(agent.Capabilities.Codecs, req.OfferedCodecs) {
			continue
		}
		candidates = append(candidates, agent)
	}
	if len(candidates) == 0 {
		return "", domain.ErrNoAgentsAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		return s.scoreAgent(candidates[i]) > s.scoreAgent(candidates[j])
	})
	chosen := candidates[0]

	s.publish(ctx, &domain.Envelope{
		Type:      domain.MsgStreamRequest,
		From:      coordinatorID,
		To:        chosen.ID,
		SessionID: sessionID,
		Data: map[string]interface{}{
			"source":        req.Source,
			"direction":     string(req.Direction),
			"targetBitrate": req.TargetBitrate,
		},
		Priority:    domain.PriorityHigh,
		Reliability: domain.ReliabilityReliable,
	})
	s.logger.Infow("stream assigned",
		"session_id", sessionID,
		"agent_id", chosen.ID,
		"source", req.Source,
	)
	return chosen.ID, nil
}

func (s *coordinationService) scoreAgent(agent *domain.Agent) float64 {
	score := 0.0

	// Spare load capacity dominates
	score += (1.0 - agent.Load) * 30.0

	// Stream headroom, saturating at ten concurrent streams
	headroom := float64(agent.Capabilities.MaxStreams) / 10.0
	if headroom > 1.0 {
		headroom = 1.0
	}
	score += headroom * 20.0

	// Geographic proximity
	if agent.Capabilities.GeoLatency < 50*time.Millisecond {
		score += 15.0
	} else if agent.Capabilities.GeoLatency < 150*time.Millisecond {
		score += 10.0
	} else if agent.Capabilities.GeoLatency < 300*time.Millisecond {
		score += 5.0
	}

	// Bandwidth up to 50 Mbps counts
	bw := float64(agent.Capabilities.Bandwidth) / 50_000_000.0
	if bw > 1.0 {
		bw = 1.0
	}
	score += bw * 25.0

	if agent.Status == domain.AgentOnline {
		score += 10.0
	}

	return score
}

// CoordinateQualityChange opens a consensus vote among the session's
// participants. The ballot request goes out over the bus and the proposal
// expires authoritatively at the voting timeout.
func (s *coordinationService) CoordinateQualityChange(ctx context.Context, sessionID domain.SessionID, decision domain.QualityDecision) (*domain.ConsensusProposal, error) {
	s.mu.RLock()
	coord, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s has no coordination state", domain.ErrSessionNotFound, sessionID)
	}

	now := s.now()
	proposal := &domain.ConsensusProposal{
		ID:        domain.ProposalID(utils.GenerateProposalID()),
		Type:      "quality_change",
		Proposer:  coord.Master,
		SessionID: sessionID,
		Payload: map[string]interface{}{
			"streamId": string(decision.StreamID),
			"action":   string(decision.Action),
			"level":    decision.To.Level,
			"reason":   decision.Reason,
		},
		Votes:     make(map[domain.AgentID]bool),
		Threshold: domain.ConsensusThreshold(len(coord.Participants)),
		Deadline:  now.Add(s.cfg.VotingTimeout),
		Status:    domain.ProposalPending,
		CreatedAt: now,
	}

	tracked := &trackedProposal{
		proposal:     proposal,
		participants: make(map[domain.AgentID]bool, len(coord.Participants)),
	}
	for _, id := range coord.Participants {
		tracked.participants[id] = true
	}

	s.mu.Lock()
	s.proposals[proposal.ID] = tracked
	s.mu.Unlock()

	if s.scheduler != nil {
		tracked.cancelExpiry = s.scheduler.After(s.cfg.VotingTimeout, func(ctx context.Context) {
			s.expireProposal(ctx, proposal.ID)
		})
		s.scheduler.After(s.cfg.VotingWindow, func(ctx context.Context) {
			s.mu.RLock()
			pending := proposal.Status == domain.ProposalPending
			votes := len(proposal.Votes)
			s.mu.RUnlock()
			if pending {
				s.logger.Warnw("consensus vote past advisory window",
					"proposal_id", proposal.ID,
					"votes", votes,
					"threshold", proposal.Threshold,
				)
			}
		})
	}

	s.publish(ctx, &domain.Envelope{
		Type:      domain.MsgConsensusVote,
		From:      coord.Master,
		To:        domain.BroadcastTarget,
		SessionID: sessionID,
		Data: map[string]interface{}{
			"proposalId": string(proposal.ID),
			"streamId":   string(decision.StreamID),
			"level":      decision.To.Level,
			"reason":     decision.Reason,
			"deadline":   proposal.Deadline.UnixMilli(),
		},
		Priority:    domain.PriorityHigh,
		Reliability: domain.ReliabilityOrdered,
	})
	s.logger.Infow("consensus vote opened",
		"proposal_id", proposal.ID,
		"session_id", sessionID,
		"threshold", proposal.Threshold,
		"level", decision.To.Level,
	)
	return proposal, nil
}

// SubmitVote records a ballot and resolves the proposal as soon as the
// outcome is mathematically settled.
func (s *coordinationService) SubmitVote(ctx context.Context, proposalID domain.ProposalID, agentID domain.AgentID, approve bool) error {
	s.mu.Lock()
	tracked, ok := s.proposals[proposalID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrProposalNotFound, proposalID)
	}
	proposal := tracked.proposal

	if proposal.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: status %s", domain.ErrProposalResolved, proposal.Status)
	}

	now := s.now()
	if now.After(proposal.Deadline) {
		s.resolveLocked(tracked, domain.ProposalExpired, now)
		s.mu.Unlock()
		s.announceResolution(ctx, proposal)
		return fmt.Errorf("%w: voting closed", domain.ErrProposalResolved)
	}

	if !tracked.participants[agentID] {
		s.mu.Unlock()
		return fmt.Errorf("agent %s is not a participant of proposal %s", agentID, proposalID)
	}

	proposal.Votes[agentID] = approve

	approvals := proposal.Approvals()
	outstanding := len(tracked.participants) - len(proposal.Votes)
	switch {
	case approvals >= proposal.Threshold:
		s.resolveLocked(tracked, domain.ProposalApproved, now)
	case approvals+outstanding < proposal.Threshold:
		// The remaining ballots can no longer reach the threshold.
		s.resolveLocked(tracked, domain.ProposalRejected, now)
	}
	resolved := proposal.Status.Terminal()
	s.mu.Unlock()

	if resolved {
		s.announceResolution(ctx, proposal)
	}
	return nil
}

// resolveLocked finalizes a proposal. Callers hold the write lock.
func (s *coordinationService) resolveLocked(tracked *trackedProposal, status domain.ProposalStatus, now time.Time) {
	tracked.proposal.Status = status
	tracked.proposal.ResolvedAt = now
	switch status {
	case domain.ProposalApproved:
		s.approved++
	case domain.ProposalRejected:
		s.rejected++
	case domain.ProposalExpired:
		s.expired++
	}
	if tracked.cancelExpiry != nil {
		tracked.cancelExpiry()
		tracked.cancelExpiry = nil
	}
}

// announceResolution notifies observers and, for approvals, broadcasts the
// quality change for the session layer to apply.
func (s *coordinationService) announceResolution(ctx context.Context, proposal *domain.ConsensusProposal) {
	for _, o := range s.observers {
		o.OnProposalResolved(proposal)
	}

	if proposal.Status != domain.ProposalApproved {
		s.logger.Infow("consensus vote closed without approval",
			"proposal_id", proposal.ID,
			"status", proposal.Status,
			"approvals", proposal.Approvals(),
			"threshold", proposal.Threshold,
		)
		return
	}

	s.publish(ctx, &domain.Envelope{
		Type:        domain.MsgQualityChange,
		From:        proposal.Proposer,
		To:          domain.BroadcastTarget,
		SessionID:   proposal.SessionID,
		Data:        proposal.Payload,
		Priority:    domain.PriorityHigh,
		Reliability: domain.ReliabilityOrdered,
	})
	s.logger.Infow("consensus reached",
		"proposal_id", proposal.ID,
		"session_id", proposal.SessionID,
		"approvals", proposal.Approvals(),
		"threshold", proposal.Threshold,
	)
}

func (s *coordinationService) expireProposal(ctx context.Context, proposalID domain.ProposalID) {
	s.mu.Lock()
	tracked, ok := s.proposals[proposalID]
	if !ok || tracked.proposal.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.resolveLocked(tracked, domain.ProposalExpired, s.now())
	proposal := tracked.proposal
	s.mu.Unlock()

	s.logger.Warnw("consensus vote expired",
		"proposal_id", proposalID,
		"approvals", proposal.Approvals(),
		"threshold", proposal.Threshold,
	)
	s.announceResolution(ctx, proposal)
}

// HandleAgentFailure marks the agent offline and substitutes it in every
// coordinated session, promoting the replacement to master where needed.
// Sessions left without a replacement continue with the reduced set.
func (s *coordinationService) HandleAgentFailure(ctx context.Context, agentID domain.AgentID) error {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}

	if agent.Status != domain.AgentOffline {
		agent.Status = domain.AgentOffline
		if err := s.agents.Update(ctx, agent); err != nil {
			return err
		}
	}
	for _, o := range s.observers {
		o.OnAgentOffline(agentID)
	}

	byID, err := s.agentsByID(ctx)
	if err != nil {
		return err
	}

	type failoverEvent struct {
		sessionID   domain.SessionID
		replacement domain.AgentID
	}
	var events []failoverEvent

	s.mu.Lock()
	for sessionID, coord := range s.sessions {
		idx := participantIndex(coord.Participants, agentID)
		if idx < 0 {
			continue
		}

		replacement := s.pickReplacement(coord.Participants, byID)
		if replacement != "" {
			coord.Participants[idx] = replacement
		} else {
			coord.Participants = append(coord.Participants[:idx], coord.Participants[idx+1:]...)
		}
		if coord.Master == agentID {
			if replacement != "" {
				coord.Master = replacement
			} else {
				coord.Master = s.bestParticipant(coord.Participants, byID)
			}
		}

		s.failovers++
		events = append(events, failoverEvent{sessionID: sessionID, replacement: replacement})
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, o := range s.observers {
			o.OnFailover(ev.sessionID, agentID, ev.replacement)
		}
		s.publish(ctx, &domain.Envelope{
			Type:      domain.MsgFailover,
			From:      coordinatorID,
			To:        domain.BroadcastTarget,
			SessionID: ev.sessionID,
			Data: map[string]interface{}{
				"failedAgent": string(agentID),
				"replacement": string(ev.replacement),
			},
			Priority:    domain.PriorityCritical,
			Reliability: domain.ReliabilityReliable,
		})
		s.logger.Warnw("agent failover",
			"session_id", ev.sessionID,
			"failed_agent", agentID,
			"replacement", ev.replacement,
		)
	}
	return nil
}

// CheckHeartbeats fails over agents silent past the failover timeout and
// prunes long-resolved proposals.
func (s *coordinationService) CheckHeartbeats(ctx context.Context) error {
	agents, err := s.agents.List(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	for _, agent := range agents {
		if agent.Status == domain.AgentOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeat) > s.cfg.FailoverTimeout {
			s.logger.Warnw("agent heartbeat lost",
				"agent_id", agent.ID,
				"last_heartbeat", agent.LastHeartbeat,
			)
			if err := s.HandleAgentFailure(ctx, agent.ID); err != nil {
				s.logger.Warnw("failover failed", "agent_id", agent.ID, "error", err)
			}
		}
	}

	s.pruneResolvedProposals(now)
	return nil
}

func (s *coordinationService) pruneResolvedProposals(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tracked := range s.proposals {
		p := tracked.proposal
		if p.Status.Terminal() && now.Sub(p.ResolvedAt) > resolvedRetention {
			delete(s.proposals, id)
		}
	}
}

func (s *coordinationService) Metrics(ctx context.Context) (domain.CoordinationMetrics, error) {
	agents, err := s.agents.List(ctx)
	if err != nil {
		return domain.CoordinationMetrics{}, err
	}

	m := domain.CoordinationMetrics{
		MessagesSent: s.sent.Load(),
		Timestamp:    s.now(),
	}
	for _, agent := range agents {
		if agent.Status == domain.AgentOffline {
			m.AgentsOffline++
		} else {
			m.AgentsOnline++
		}
	}

	s.mu.RLock()
	m.ProposalsApproved = s.approved
	m.ProposalsRejected = s.rejected
	m.ProposalsExpired = s.expired
	m.Failovers = s.failovers
	s.mu.RUnlock()
	return m, nil
}

// handleEnvelope consumes bus traffic addressed to the coordinator:
// heartbeats and ballots. Ballot requests carry no approve flag and fall
// through the type assertion.
func (s *coordinationService) handleEnvelope(ctx context.Context, env *domain.Envelope) {
	switch env.Type {
	case domain.MsgHeartbeat:
		if err := s.Heartbeat(ctx, env.From); err != nil {
			s.logger.Debugw("heartbeat from unknown agent", "agent_id", env.From)
		}
	case domain.MsgConsensusVote:
		proposalID, _ := env.Data["proposalId"].(string)
		approve, ok := env.Data["approve"].(bool)
		if proposalID == "" || !ok {
			return
		}
		if err := s.SubmitVote(ctx, domain.ProposalID(proposalID), env.From, approve); err != nil {
			s.logger.Debugw("ballot not counted",
				"proposal_id", proposalID,
				"agent_id", env.From,
				"error", err,
			)
		}
	}
}

func (s *coordinationService) publish(ctx context.Context, env *domain.Envelope) {
	if s.bus == nil {
		return
	}
	env.Timestamp = s.now().UnixMilli()
	env.Sequence = s.seq.Add(1)

	err := s.bus.Publish(ctx, env)
	if err == nil {
		s.sent.Add(1)
		return
	}
	if env.Reliability != domain.ReliabilityReliable {
		s.logger.Warnw("a2a publish failed", "type", env.Type, "to", env.To, "error", err)
		return
	}
	s.logger.Debugw("a2a publish failed, retrying", "type", env.Type, "to", env.To, "error", err)
	go s.republish(env)
}

// republish resends a reliable envelope with backoff, off the caller's path.
// Only reliable envelopes get this: for ordered and best-effort traffic a
// late duplicate is worse than a gap. The envelope keeps its original
// sequence, so receivers see where it belonged.
func (s *coordinationService) republish(env *domain.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.VotingTimeout)
	defer cancel()

	err := retry.Do(ctx, s.pubRetry, func() error {
		return s.bus.Publish(ctx, env)
	})
	if err != nil {
		s.logger.Warnw("a2a publish gave up", "type", env.Type, "to", env.To, "error", err)
		return
	}
	s.sent.Add(1)
}

func (s *coordinationService) agentsByID(ctx context.Context) (map[domain.AgentID]*domain.Agent, error) {
	all, err := s.agents.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[domain.AgentID]*domain.Agent, len(all))
	for _, agent := range all {
		byID[agent.ID] = agent
	}
	return byID, nil
}

// pickReplacement returns the best-scored selectable agent outside the
// current participant set, or empty when none qualifies.
func (s *coordinationService) pickReplacement(current []domain.AgentID, byID map[domain.AgentID]*domain.Agent) domain.AgentID {
	in := make(map[domain.AgentID]bool, len(current))
	for _, id := range current {
		in[id] = true
	}

	var best *domain.Agent
	bestScore := -1.0
	for id, agent := range byID {
		if in[id] || !agent.Selectable() {
			continue
		}
		if score := s.scoreAgent(agent); score > bestScore {
			bestScore = score
			best = agent
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

// bestParticipant promotes the highest-scored selectable participant,
// falling back to the first listed one.
func (s *coordinationService) bestParticipant(participants []domain.AgentID, byID map[domain.AgentID]*domain.Agent) domain.AgentID {
	var best domain.AgentID
	bestScore := -1.0
	for _, id := range participants {
		agent, ok := byID[id]
		if !ok || !agent.Selectable() {
			continue
		}
		if score := s.scoreAgent(agent); score > bestScore {
			bestScore = score
			best = id
		}
	}
	if best == "" && len(participants) > 0 {
		best = participants[0]
	}
	return best
}

func participantIndex(participants []domain.AgentID, id domain.AgentID) int {
	for i, p := range participants {
		if p == id {
			return i
		}
	}
	return -1
}

func supportsAnyCodec(supported, offered []string) bool {
	for _, want := range offered {
		for _, have := range supported {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}
