package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/internal/infrastructure/repositories/memory"
	"syncmesh/internal/infrastructure/scheduler"
)

type recordingBus struct {
	mu        sync.Mutex
	published []*domain.Envelope
	handlers  []func(ctx context.Context, env *domain.Envelope)
	loopback  bool
	failures  int // next N publishes fail
}

func (b *recordingBus) failNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

func (b *recordingBus) Publish(ctx context.Context, env *domain.Envelope) error {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return errors.New("bus unavailable")
	}
	b.published = append(b.published, env)
	handlers := append(([]func(ctx context.Context, env *domain.Envelope))(nil), b.handlers...)
	loop := b.loopback
	b.mu.Unlock()

	if loop {
		for _, h := range handlers {
			h(ctx, env)
		}
	}
	return nil
}

func (b *recordingBus) Subscribe(handler func(ctx context.Context, env *domain.Envelope)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	idx := len(b.handlers) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[idx] = func(context.Context, *domain.Envelope) {}
	}
}

func (b *recordingBus) Close() error { return nil }

// deliver injects an envelope as if a remote agent had published it.
func (b *recordingBus) deliver(env *domain.Envelope) {
	b.mu.Lock()
	handlers := append(([]func(ctx context.Context, env *domain.Envelope))(nil), b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(context.Background(), env)
	}
}

func (b *recordingBus) byType(mt domain.MessageType) []*domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Envelope
	for _, env := range b.published {
		if env.Type == mt {
			out = append(out, env)
		}
	}
	return out
}

type coordEvents struct {
	mu        sync.Mutex
	joined    []domain.AgentID
	offline   []domain.AgentID
	resolved  []*domain.ConsensusProposal
	failovers []domain.AgentID // replacement per failover, "" when none
}

func (e *coordEvents) OnAgentJoined(agent *domain.Agent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joined = append(e.joined, agent.ID)
}

func (e *coordEvents) OnAgentOffline(agentID domain.AgentID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offline = append(e.offline, agentID)
}

func (e *coordEvents) OnProposalResolved(proposal *domain.ConsensusProposal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolved = append(e.resolved, proposal)
}

func (e *coordEvents) OnFailover(sessionID domain.SessionID, failed, replacement domain.AgentID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failovers = append(e.failovers, replacement)
}

func testAgent(id string, load float64, geoLatency time.Duration) *domain.Agent {
	return &domain.Agent{
		ID:     domain.AgentID(id),
		Role:   domain.AgentProsumer,
		Region: "us-east",
		Capabilities: domain.AgentCapabilities{
			Codecs:     []string{"VP8", "opus"},
			Bandwidth:  20_000_000,
			MaxStreams: 10,
			GeoLatency: geoLatency,
		},
		Load:   load,
		Status: domain.AgentOnline,
	}
}

func downgradeDecision(streamID string) domain.QualityDecision {
	ladder := videoLadder()
	return domain.QualityDecision{
		StreamID: domain.StreamID(streamID),
		Action:   domain.ActionDowngrade,
		From:     ladder[3],
		To:       ladder[2],
		Reason:   "downgrade_loss",
	}
}

func newCoordinationFixture(t *testing.T, cfg CoordinationConfig) (ports.CoordinationService, *recordingBus, *scheduler.VirtualScheduler, *coordEvents) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	bus := &recordingBus{}
	clock := scheduler.NewVirtualScheduler(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	events := &coordEvents{}
	service := NewCoordinationService(cfg, memory.NewMemoryAgentRepository(), bus, clock, logger, events)
	return service, bus, clock, events
}

func TestCoordinationService_RegisterAgent(t *testing.T) {
	service, _, clock, events := newCoordinationFixture(t, CoordinationConfig{})

	agent := testAgent("agent-1", 0.2, 30*time.Millisecond)
	agent.Status = ""
	if err := service.RegisterAgent(context.Background(), agent); err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}
	if agent.Status != domain.AgentOnline {
		t.Errorf("Status = %s, want online default", agent.Status)
	}
	if !agent.LastHeartbeat.Equal(clock.Now()) {
		t.Errorf("LastHeartbeat = %v, want scheduler now", agent.LastHeartbeat)
	}
	if len(events.joined) != 1 || events.joined[0] != "agent-1" {
		t.Errorf("joined events = %v, want [agent-1]", events.joined)
	}

	if err := service.RegisterAgent(context.Background(), testAgent("agent-1", 0.2, 0)); err == nil {
		t.Error("RegisterAgent(duplicate) error = nil, want error")
	}
	if err := service.RegisterAgent(context.Background(), &domain.Agent{}); err == nil {
		t.Error("RegisterAgent(empty id) error = nil, want error")
	}

	if err := service.Heartbeat(context.Background(), "agent-unknown"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("Heartbeat(unknown) error = %v, want ErrAgentNotFound", err)
	}
}

func TestCoordinationService_CreateCoordinatedSession(t *testing.T) {
	service, bus, _, _ := newCoordinationFixture(t, CoordinationConfig{})
	sessionID := domain.SessionID("session-1")

	// agent-2 carries the least load and the best latency, so it must win
	// mastership.
	for _, a := range []*domain.Agent{
		testAgent("agent-1", 0.9, 200*time.Millisecond),
		testAgent("agent-2", 0.1, 20*time.Millisecond),
		testAgent("agent-3", 0.5, 100*time.Millisecond),
	} {
		if err := service.RegisterAgent(context.Background(), a); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", a.ID, err)
		}
	}

	coord, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-1", "agent-2", "agent-3"})
	if err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}
	if coord.Master != "agent-2" {
		t.Errorf("Master = %s, want agent-2 (best capability score)", coord.Master)
	}
	if !coord.ConsensusRequired {
		t.Error("ConsensusRequired = false, want true")
	}
	if len(coord.Participants) != 3 {
		t.Errorf("Participants = %d, want 3", len(coord.Participants))
	}

	announcements := bus.byType(domain.MsgCoordination)
	if len(announcements) != 1 {
		t.Fatalf("coordination announcements = %d, want 1", len(announcements))
	}
	if announcements[0].To != domain.BroadcastTarget {
		t.Errorf("announcement target = %s, want broadcast", announcements[0].To)
	}
	if event, _ := announcements[0].Data["event"].(string); event != "session_created" {
		t.Errorf("announcement event = %q, want session_created", event)
	}

	if _, err := service.CreateCoordinatedSession(context.Background(), "session-2", nil); !errors.Is(err, domain.ErrNoAgentsAvailable) {
		t.Errorf("CreateCoordinatedSession(empty) error = %v, want ErrNoAgentsAvailable", err)
	}
	if _, err := service.CreateCoordinatedSession(context.Background(), "session-2",
		[]domain.AgentID{"agent-1", "agent-ghost"}); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("CreateCoordinatedSession(unknown) error = %v, want ErrAgentNotFound", err)
	}

	offline := testAgent("agent-4", 0.3, 50*time.Millisecond)
	offline.Status = domain.AgentOffline
	if err := service.RegisterAgent(context.Background(), offline); err != nil {
		t.Fatalf("RegisterAgent(agent-4) error = %v", err)
	}
	if _, err := service.CreateCoordinatedSession(context.Background(), "session-2",
		[]domain.AgentID{"agent-1", "agent-4"}); !errors.Is(err, domain.ErrAgentOffline) {
		t.Errorf("CreateCoordinatedSession(offline) error = %v, want ErrAgentOffline", err)
	}
}

func TestCoordinationService_ConsensusApproval(t *testing.T) {
	service, bus, _, events := newCoordinationFixture(t, CoordinationConfig{})
	sessionID := domain.SessionID("session-1")

	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		if err := service.RegisterAgent(context.Background(), testAgent(id, 0.5, 50*time.Millisecond)); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", id, err)
		}
	}
	if _, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-1", "agent-2", "agent-3"}); err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}

	proposal, err := service.CoordinateQualityChange(context.Background(), sessionID, downgradeDecision("stream-1"))
	if err != nil {
		t.Fatalf("CoordinateQualityChange() error = %v", err)
	}
	if proposal.Threshold != 2 {
		t.Errorf("Threshold = %d, want 2 (majority of 3)", proposal.Threshold)
	}
	if proposal.Status != domain.ProposalPending {
		t.Errorf("Status = %s, want pending", proposal.Status)
	}
	if ballots := bus.byType(domain.MsgConsensusVote); len(ballots) != 1 {
		t.Errorf("ballot requests = %d, want 1", len(ballots))
	}

	if err := service.SubmitVote(context.Background(), proposal.ID, "agent-1", true); err != nil {
		t.Fatalf("SubmitVote(agent-1) error = %v", err)
	}
	if proposal.Status != domain.ProposalPending {
		t.Errorf("Status after one approval = %s, want still pending", proposal.Status)
	}

	if err := service.SubmitVote(context.Background(), proposal.ID, "agent-2", true); err != nil {
		t.Fatalf("SubmitVote(agent-2) error = %v", err)
	}
	if proposal.Status != domain.ProposalApproved {
		t.Errorf("Status after majority = %s, want approved", proposal.Status)
	}
	if len(events.resolved) != 1 {
		t.Errorf("resolved events = %d, want 1", len(events.resolved))
	}

	changes := bus.byType(domain.MsgQualityChange)
	if len(changes) != 1 {
		t.Fatalf("quality change broadcasts = %d, want 1 after approval", len(changes))
	}
	if streamID, _ := changes[0].Data["streamId"].(string); streamID != "stream-1" {
		t.Errorf("broadcast streamId = %q, want stream-1", streamID)
	}
	if level, _ := changes[0].Data["level"].(string); level != "medium" {
		t.Errorf("broadcast level = %q, want medium", level)
	}

	// Late ballots bounce off the resolved proposal.
	if err := service.SubmitVote(context.Background(), proposal.ID, "agent-3", false); !errors.Is(err, domain.ErrProposalResolved) {
		t.Errorf("SubmitVote(after resolution) error = %v, want ErrProposalResolved", err)
	}

	metrics, err := service.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if metrics.ProposalsApproved != 1 {
		t.Errorf("ProposalsApproved = %d, want 1", metrics.ProposalsApproved)
	}
}

func TestCoordinationService_ConsensusEarlyReject(t *testing.T) {
	service, bus, _, _ := newCoordinationFixture(t, CoordinationConfig{})
	sessionID := domain.SessionID("session-1")

	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		if err := service.RegisterAgent(context.Background(), testAgent(id, 0.5, 50*time.Millisecond)); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", id, err)
		}
	}
	if _, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-1", "agent-2", "agent-3"}); err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}

	proposal, err := service.CoordinateQualityChange(context.Background(), sessionID, downgradeDecision("stream-1"))
	if err != nil {
		t.Fatalf("CoordinateQualityChange() error = %v", err)
	}

	// Two rejections leave only one outstanding ballot, which cannot reach
	// the threshold of two.
	if err := service.SubmitVote(context.Background(), proposal.ID, "agent-1", false); err != nil {
		t.Fatalf("SubmitVote(agent-1) error = %v", err)
	}
	if proposal.Status != domain.ProposalPending {
		t.Errorf("Status after one rejection = %s, want pending", proposal.Status)
	}
	if err := service.SubmitVote(context.Background(), proposal.ID, "agent-2", false); err != nil {
		t.Fatalf("SubmitVote(agent-2) error = %v", err)
	}
	if proposal.Status != domain.ProposalRejected {
		t.Errorf("Status = %s, want rejected once the outcome is settled", proposal.Status)
	}

	if changes := bus.byType(domain.MsgQualityChange); len(changes) != 0 {
		t.Errorf("quality change broadcasts = %d, want 0 for rejection", len(changes))
	}

	if err := service.SubmitVote(context.Background(), "proposal-ghost", "agent-1", true); !errors.Is(err, domain.ErrProposalNotFound) {
		t.Errorf("SubmitVote(unknown proposal) error = %v, want ErrProposalNotFound", err)
	}
}

func TestCoordinationService_NonParticipantCannotVote(t *testing.T) {
	service, _, _, _ := newCoordinationFixture(t, CoordinationConfig{})
	sessionID := domain.SessionID("session-1")

	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		if err := service.RegisterAgent(context.Background(), testAgent(id, 0.5, 50*time.Millisecond)); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", id, err)
		}
	}
	if _, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-1", "agent-2"}); err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}

	proposal, err := service.CoordinateQualityChange(context.Background(), sessionID, downgradeDecision("stream-1"))
	if err != nil {
		t.Fatalf("CoordinateQualityChange() error = %v", err)
	}

	if err := service.SubmitVote(context.Background(), proposal.ID, "agent-3", true); err == nil {
		t.Error("SubmitVote(non-participant) error = nil, want error")
	}
	if len(proposal.Votes) != 0 {
		t.Errorf("Votes = %d, want 0: outsider ballots must not count", len(proposal.Votes))
	}
}

func TestCoordinationService_ProposalExpiry(t *testing.T) {
	service, bus, clock, events := newCoordinationFixture(t, CoordinationConfig{})
	sessionID := domain.SessionID("session-1")

	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		if err := service.RegisterAgent(context.Background(), testAgent(id, 0.5, 50*time.Millisecond)); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", id, err)
		}
	}
	if _, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-1", "agent-2", "agent-3"}); err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}

	proposal, err := service.CoordinateQualityChange(context.Background(), sessionID, downgradeDecision("stream-1"))
	if err != nil {
		t.Fatalf("CoordinateQualityChange() error = %v", err)
	}
	if err := service.SubmitVote(context.Background(), proposal.ID, "agent-1", true); err != nil {
		t.Fatalf("SubmitVote() error = %v", err)
	}

	// One approval is not a majority; the voting timeout resolves the
	// proposal as expired.
	clock.Advance(6 * time.Second)

	if proposal.Status != domain.ProposalExpired {
		t.Errorf("Status = %s, want expired after voting timeout", proposal.Status)
	}
	if err := service.SubmitVote(context.Background(), proposal.ID, "agent-2", true); !errors.Is(err, domain.ErrProposalResolved) {
		t.Errorf("SubmitVote(after expiry) error = %v, want ErrProposalResolved", err)
	}
	if changes := bus.byType(domain.MsgQualityChange); len(changes) != 0 {
		t.Errorf("quality change broadcasts = %d, want 0 for expiry", len(changes))
	}
	if len(events.resolved) != 1 || events.resolved[0].Status != domain.ProposalExpired {
		t.Errorf("resolved events = %v, want one expired proposal", events.resolved)
	}

	metrics, _ := service.Metrics(context.Background())
	if metrics.ProposalsExpired != 1 {
		t.Errorf("ProposalsExpired = %d, want 1", metrics.ProposalsExpired)
	}
}

func TestCoordinationService_BallotsArriveOverBus(t *testing.T) {
	service, bus, _, _ := newCoordinationFixture(t, CoordinationConfig{})
	bus.loopback = true // coordinator's own broadcasts come back around
	sessionID := domain.SessionID("session-1")

	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		if err := service.RegisterAgent(context.Background(), testAgent(id, 0.5, 50*time.Millisecond)); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", id, err)
		}
	}
	if _, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-1", "agent-2", "agent-3"}); err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}

	proposal, err := service.CoordinateQualityChange(context.Background(), sessionID, downgradeDecision("stream-1"))
	if err != nil {
		t.Fatalf("CoordinateQualityChange() error = %v", err)
	}
	// The looped-back ballot request carries no approve flag and must not
	// register as a vote.
	if len(proposal.Votes) != 0 {
		t.Fatalf("Votes after ballot request = %d, want 0", len(proposal.Votes))
	}

	for _, agentID := range []domain.AgentID{"agent-1", "agent-2"} {
		bus.deliver(&domain.Envelope{
			Type:      domain.MsgConsensusVote,
			From:      agentID,
			To:        domain.AgentID("coordinator"),
			SessionID: sessionID,
			Data: map[string]interface{}{
				"proposalId": string(proposal.ID),
				"approve":    true,
			},
		})
	}

	if proposal.Status != domain.ProposalApproved {
		t.Errorf("Status = %s, want approved from bus ballots", proposal.Status)
	}

	// Heartbeats ride the same bus.
	before, _ := service.Metrics(context.Background())
	bus.deliver(&domain.Envelope{Type: domain.MsgHeartbeat, From: "agent-3"})
	after, _ := service.Metrics(context.Background())
	if before.AgentsOnline != after.AgentsOnline {
		t.Errorf("heartbeat changed online count: %d -> %d", before.AgentsOnline, after.AgentsOnline)
	}
}

func TestCoordinationService_RequestStream(t *testing.T) {
	service, bus, _, _ := newCoordinationFixture(t, CoordinationConfig{})

	producer := testAgent("agent-producer", 0.2, 30*time.Millisecond)
	consumer := testAgent("agent-consumer", 0.0, 10*time.Millisecond)
	consumer.Role = domain.AgentConsumer
	lowBandwidth := testAgent("agent-lowbw", 0.1, 30*time.Millisecond)
	lowBandwidth.Capabilities.Bandwidth = 1_000_000
	wrongCodec := testAgent("agent-h264", 0.1, 30*time.Millisecond)
	wrongCodec.Capabilities.Codecs = []string{"H264"}

	for _, a := range []*domain.Agent{producer, consumer, lowBandwidth, wrongCodec} {
		if err := service.RegisterAgent(context.Background(), a); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", a.ID, err)
		}
	}

	req := ports.StreamRequest{
		Source:        "camera-1",
		Direction:     domain.StreamInbound,
		OfferedCodecs: []string{"vp8"},
		TargetBitrate: 2_000_000,
	}
	chosen, err := service.RequestStream(context.Background(), "session-1", req)
	if err != nil {
		t.Fatalf("RequestStream() error = %v", err)
	}
	if chosen != "agent-producer" {
		t.Errorf("chosen = %s, want agent-producer (consumer, low bandwidth and codec mismatch filtered)", chosen)
	}

	assignments := bus.byType(domain.MsgStreamRequest)
	if len(assignments) != 1 || assignments[0].To != "agent-producer" {
		t.Errorf("assignments = %v, want one addressed to agent-producer", assignments)
	}

	if _, err := service.RequestStream(context.Background(), "session-1", ports.StreamRequest{
		OfferedCodecs: []string{"av1"},
	}); !errors.Is(err, domain.ErrNoAgentsAvailable) {
		t.Errorf("RequestStream(unsupported codec) error = %v, want ErrNoAgentsAvailable", err)
	}
}

func TestCoordinationService_RequestStream_ScopedToParticipants(t *testing.T) {
	service, _, _, _ := newCoordinationFixture(t, CoordinationConfig{})
	sessionID := domain.SessionID("session-1")

	// The outsider scores far better but is not in the session.
	outsider := testAgent("agent-outsider", 0.0, 10*time.Millisecond)
	member := testAgent("agent-member", 0.8, 200*time.Millisecond)
	for _, a := range []*domain.Agent{outsider, member} {
		if err := service.RegisterAgent(context.Background(), a); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", a.ID, err)
		}
	}
	if _, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-member"}); err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}

	chosen, err := service.RequestStream(context.Background(), sessionID, ports.StreamRequest{Source: "camera-1"})
	if err != nil {
		t.Fatalf("RequestStream() error = %v", err)
	}
	if chosen != "agent-member" {
		t.Errorf("chosen = %s, want agent-member despite lower score", chosen)
	}
}

func TestCoordinationService_ReliablePublishRetries(t *testing.T) {
	service, bus, _, _ := newCoordinationFixture(t, CoordinationConfig{})

	producer := testAgent("agent-producer", 0.2, 30*time.Millisecond)
	if err := service.RegisterAgent(context.Background(), producer); err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}

	// First delivery attempt fails; the reliable tag means the assignment
	// still has to reach the bus through the background resend.
	bus.failNext(1)
	if _, err := service.RequestStream(context.Background(), "session-1", ports.StreamRequest{
		Source: "camera-1",
	}); err != nil {
		t.Fatalf("RequestStream() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(bus.byType(domain.MsgStreamRequest)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reliable envelope was never republished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCoordinationService_FailoverReplacesAgent(t *testing.T) {
	service, bus, _, events := newCoordinationFixture(t, CoordinationConfig{})
	sessionID := domain.SessionID("session-1")

	master := testAgent("agent-master", 0.0, 10*time.Millisecond)
	peer := testAgent("agent-peer", 0.5, 100*time.Millisecond)
	spare := testAgent("agent-spare", 0.2, 40*time.Millisecond)
	for _, a := range []*domain.Agent{master, peer, spare} {
		if err := service.RegisterAgent(context.Background(), a); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", a.ID, err)
		}
	}
	coord, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-master", "agent-peer"})
	if err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}
	if coord.Master != "agent-master" {
		t.Fatalf("Master = %s, want agent-master", coord.Master)
	}

	if err := service.HandleAgentFailure(context.Background(), "agent-master"); err != nil {
		t.Fatalf("HandleAgentFailure() error = %v", err)
	}

	if participantIndex(coord.Participants, "agent-spare") < 0 {
		t.Errorf("Participants = %v, want agent-spare substituted in", coord.Participants)
	}
	if participantIndex(coord.Participants, "agent-master") >= 0 {
		t.Errorf("Participants = %v, failed agent still present", coord.Participants)
	}
	if coord.Master != "agent-spare" {
		t.Errorf("Master = %s, want promoted replacement agent-spare", coord.Master)
	}

	if len(events.offline) != 1 || events.offline[0] != "agent-master" {
		t.Errorf("offline events = %v, want [agent-master]", events.offline)
	}
	if len(events.failovers) != 1 || events.failovers[0] != "agent-spare" {
		t.Errorf("failover events = %v, want replacement agent-spare", events.failovers)
	}

	broadcasts := bus.byType(domain.MsgFailover)
	if len(broadcasts) != 1 {
		t.Fatalf("failover broadcasts = %d, want 1", len(broadcasts))
	}
	if broadcasts[0].Priority != domain.PriorityCritical {
		t.Errorf("failover priority = %s, want critical", broadcasts[0].Priority)
	}

	metrics, _ := service.Metrics(context.Background())
	if metrics.Failovers != 1 {
		t.Errorf("Failovers = %d, want 1", metrics.Failovers)
	}
	if metrics.AgentsOffline != 1 {
		t.Errorf("AgentsOffline = %d, want 1", metrics.AgentsOffline)
	}
}

func TestCoordinationService_FailoverWithoutSpareShrinksSession(t *testing.T) {
	service, _, _, events := newCoordinationFixture(t, CoordinationConfig{})
	sessionID := domain.SessionID("session-1")

	for _, a := range []*domain.Agent{
		testAgent("agent-1", 0.1, 20*time.Millisecond),
		testAgent("agent-2", 0.5, 100*time.Millisecond),
	} {
		if err := service.RegisterAgent(context.Background(), a); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", a.ID, err)
		}
	}
	coord, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-1", "agent-2"})
	if err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}

	if err := service.HandleAgentFailure(context.Background(), "agent-2"); err != nil {
		t.Fatalf("HandleAgentFailure() error = %v", err)
	}

	if len(coord.Participants) != 1 || coord.Participants[0] != "agent-1" {
		t.Errorf("Participants = %v, want [agent-1]", coord.Participants)
	}
	if coord.Master != "agent-1" {
		t.Errorf("Master = %s, want agent-1 retained", coord.Master)
	}
	if len(events.failovers) != 1 || events.failovers[0] != "" {
		t.Errorf("failover events = %v, want one with empty replacement", events.failovers)
	}
}

func TestCoordinationService_HeartbeatSweep(t *testing.T) {
	cfg := CoordinationConfig{HeartbeatInterval: 30 * time.Second, FailoverTimeout: 50 * time.Second}
	service, _, clock, _ := newCoordinationFixture(t, cfg)
	sessionID := domain.SessionID("session-1")

	for _, a := range []*domain.Agent{
		testAgent("agent-live", 0.1, 20*time.Millisecond),
		testAgent("agent-dead", 0.5, 100*time.Millisecond),
	} {
		if err := service.RegisterAgent(context.Background(), a); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", a.ID, err)
		}
	}
	if _, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-live", "agent-dead"}); err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}

	// First sweep at 30s sees both agents fresh.
	clock.Advance(31 * time.Second)
	if err := service.Heartbeat(context.Background(), "agent-live"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	// The sweep at 60s finds agent-dead silent for 60s, past the 50s timeout.
	clock.Advance(29 * time.Second)

	metrics, err := service.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if metrics.AgentsOnline != 1 || metrics.AgentsOffline != 1 {
		t.Errorf("agents online/offline = %d/%d, want 1/1", metrics.AgentsOnline, metrics.AgentsOffline)
	}
	if metrics.Failovers != 1 {
		t.Errorf("Failovers = %d, want 1", metrics.Failovers)
	}

	// A late heartbeat brings the agent back online.
	if err := service.Heartbeat(context.Background(), "agent-dead"); err != nil {
		t.Fatalf("Heartbeat(agent-dead) error = %v", err)
	}
	metrics, _ = service.Metrics(context.Background())
	if metrics.AgentsOnline != 2 {
		t.Errorf("AgentsOnline after recovery = %d, want 2", metrics.AgentsOnline)
	}
}

func TestCoordinationService_UnregisterPromotesNewMaster(t *testing.T) {
	service, _, _, _ := newCoordinationFixture(t, CoordinationConfig{})
	sessionID := domain.SessionID("session-1")

	for _, a := range []*domain.Agent{
		testAgent("agent-1", 0.1, 20*time.Millisecond),
		testAgent("agent-2", 0.5, 100*time.Millisecond),
	} {
		if err := service.RegisterAgent(context.Background(), a); err != nil {
			t.Fatalf("RegisterAgent(%s) error = %v", a.ID, err)
		}
	}
	coord, err := service.CreateCoordinatedSession(context.Background(), sessionID,
		[]domain.AgentID{"agent-1", "agent-2"})
	if err != nil {
		t.Fatalf("CreateCoordinatedSession() error = %v", err)
	}
	if coord.Master != "agent-1" {
		t.Fatalf("Master = %s, want agent-1", coord.Master)
	}

	if err := service.UnregisterAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("UnregisterAgent() error = %v", err)
	}
	if len(coord.Participants) != 1 || coord.Master != "agent-2" {
		t.Errorf("coordination after departure = %v master %s, want [agent-2] with agent-2 promoted",
			coord.Participants, coord.Master)
	}

	// Graceful departure is not a failover.
	metrics, _ := service.Metrics(context.Background())
	if metrics.Failovers != 0 {
		t.Errorf("Failovers = %d, want 0 for graceful unregister", metrics.Failovers)
	}
	if err := service.Heartbeat(context.Background(), "agent-1"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("Heartbeat(removed) error = %v, want ErrAgentNotFound", err)
	}
	if err := service.UnregisterAgent(context.Background(), "agent-1"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("UnregisterAgent(removed) error = %v, want ErrAgentNotFound", err)
	}
}
