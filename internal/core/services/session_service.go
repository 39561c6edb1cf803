package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/pkg/utils"
)

// SessionConfig carries the orchestration cadences and idle thresholds.
type SessionConfig struct {
	SyncInterval        time.Duration
	SyncTolerance       time.Duration
	QualityEvalInterval time.Duration
	HealthSweepInterval time.Duration
	PauseAfterIdle      time.Duration
	EndAfterIdle        time.Duration
	PredictiveBuffering bool
	ConnectionOptions   domain.ConnectionOptions
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 100 * time.Millisecond
	}
	if c.SyncTolerance <= 0 {
		c.SyncTolerance = 50 * time.Millisecond
	}
	if c.QualityEvalInterval <= 0 {
		c.QualityEvalInterval = 5 * time.Second
	}
	if c.HealthSweepInterval <= 0 {
		c.HealthSweepInterval = 10 * time.Second
	}
	if c.PauseAfterIdle <= 0 {
		c.PauseAfterIdle = 5 * time.Minute
	}
	if c.EndAfterIdle <= 0 {
		c.EndAfterIdle = time.Hour
	}
	return c
}

// sessionRuntime holds the per-session state that never leaves the process:
// the creation request context, scheduled loop handles and counters.
type sessionRuntime struct {
	constraints     domain.StreamConstraints
	preferences     domain.UserPreferences
	device          domain.DeviceCapabilities
	startedAt       time.Time
	loopsStarted    bool
	cancels         []func()
	qualitySwitches int
	errorCount      int
}

type sessionService struct {
	mu       sync.RWMutex
	runtimes map[domain.SessionID]*sessionRuntime

	sessions     ports.SessionRepository
	transport    ports.Transport
	buffers      ports.BufferService
	quality      ports.QualityService
	cache        ports.CacheService
	coordination ports.CoordinationService
	metrics      ports.MetricsService
	bus          ports.MessageBus
	scheduler    ports.Scheduler
	cfg          SessionConfig
	logger       *zap.SugaredLogger
	observers    []ports.SessionObserver
}

// NewSessionService wires the session orchestrator. It subscribes to the bus
// for consensus-approved quality changes and sync commands, and sweeps idle
// sessions on the health cadence.
func NewSessionService(
	cfg SessionConfig,
	sessions ports.SessionRepository,
	transport ports.Transport,
	buffers ports.BufferService,
	quality ports.QualityService,
	cache ports.CacheService,
	coordination ports.CoordinationService,
	metrics ports.MetricsService,
	bus ports.MessageBus,
	scheduler ports.Scheduler,
	logger *zap.SugaredLogger,
	observers ...ports.SessionObserver,
) ports.SessionService {
	s := &sessionService{
		runtimes:     make(map[domain.SessionID]*sessionRuntime),
		sessions:     sessions,
		transport:    transport,
		buffers:      buffers,
		quality:      quality,
		cache:        cache,
		coordination: coordination,
		metrics:      metrics,
		bus:          bus,
		scheduler:    scheduler,
		cfg:          cfg.withDefaults(),
		logger:       logger,
		observers:    observers,
	}

	if bus != nil {
		bus.Subscribe(s.handleEnvelope)
	}
	if scheduler != nil {
		scheduler.Every("idle_sweep", s.cfg.HealthSweepInterval, s.sweepIdleSessions)
	}
	return s
}

func (s *sessionService) now() time.Time {
	if s.scheduler != nil {
		return s.scheduler.Now()
	}
	return time.Now()
}

func (s *sessionService) CreateSession(ctx context.Context, req ports.CreateSessionRequest) (*domain.Session, error) {
	switch req.Type {
	case domain.SessionVideo, domain.SessionAudio, domain.SessionData, domain.SessionMultimodal:
	default:
		return nil, fmt.Errorf("unknown session type %q", req.Type)
	}

	now := s.now()
	session := &domain.Session{
		ID:           domain.SessionID("session_" + uuid.NewString()),
		Type:         req.Type,
		Status:       domain.SessionInitializing,
		VideoStreams: make(map[domain.StreamID]*domain.Stream),
		AudioStreams: make(map[domain.StreamID]*domain.Stream),
		DataStreams:  make(map[domain.StreamID]*domain.Stream),
		Security:     domain.SessionSecurity{Encrypted: req.Encrypted},
		CreatedAt:    now,
		LastActivity: now,
	}

	if req.RequireConsensus || len(req.AgentIDs) > 0 {
		if s.coordination == nil {
			return nil, fmt.Errorf("coordination requested but not configured")
		}
		coord, err := s.coordination.CreateCoordinatedSession(ctx, session.ID, req.AgentIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to coordinate session: %w", err)
		}
		session.Coordination = *coord
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.mu.Lock()
	s.runtimes[session.ID] = &sessionRuntime{
		constraints: req.Constraints,
		preferences: req.Preferences,
		device:      req.Device,
		startedAt:   now,
	}
	s.mu.Unlock()

	s.logger.Infow("session created",
		"session_id", session.ID,
		"type", session.Type,
		"coordinated", session.Coordination.ConsensusRequired,
		"encrypted", session.Security.Encrypted,
	)
	return session, nil
}

func (s *sessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	return s.sessions.GetByID(ctx, id)
}

func (s *sessionService) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	return s.sessions.List(ctx)
}

func (s *sessionService) StartVideoStream(ctx context.Context, sessionID domain.SessionID, req ports.StreamRequest) (*domain.Stream, error) {
	return s.startStream(ctx, sessionID, req, domain.SessionVideo)
}

func (s *sessionService) StartAudioStream(ctx context.Context, sessionID domain.SessionID, req ports.StreamRequest) (*domain.Stream, error) {
	return s.startStream(ctx, sessionID, req, domain.SessionAudio)
}

func (s *sessionService) startStream(ctx context.Context, sessionID domain.SessionID, req ports.StreamRequest, modality domain.SessionType) (*domain.Stream, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionEnded {
		return nil, domain.ErrSessionEnded
	}
	if !modalityAllowed(session.Type, modality) {
		return nil, fmt.Errorf("session %s of type %s does not accept %s streams", sessionID, session.Type, modality)
	}
	rt := s.runtime(sessionID)

	kind := "audio"
	if modality == domain.SessionVideo {
		kind = "video"
	}
	codec, err := s.transport.NegotiateCodec(kind, req.OfferedCodecs)
	if err != nil {
		s.recordError(sessionID)
		return nil, domain.NewEncodingError("codec_negotiation",
			fmt.Sprintf("no mutual %s codec for session %s", kind, sessionID), err)
	}

	// Coordinated sessions are served by an assigned agent.
	var servingAgent domain.AgentID
	if session.Coordination.ConsensusRequired && s.coordination != nil {
		servingAgent, err = s.coordination.RequestStream(ctx, sessionID, req)
		if err != nil {
			s.recordError(sessionID)
			return nil, domain.NewCoordinationError("stream_assignment",
				fmt.Sprintf("no agent can serve session %s", sessionID), err)
		}
	}

	peerID := string(servingAgent)
	if peerID == "" {
		peerID = req.Source
	}
	conn, err := s.transport.CreateConnection(ctx, peerID, s.cfg.ConnectionOptions)
	if err != nil {
		s.recordError(sessionID)
		return nil, domain.NewNetworkError("connection_setup", "failed to open peer connection", err)
	}
	if _, err := s.transport.CreateOffer(ctx, conn.ID); err != nil {
		_ = s.transport.CloseConnection(ctx, conn.ID)
		s.recordError(sessionID)
		return nil, domain.NewNetworkError("offer_setup", "failed to create offer", err)
	}

	now := s.now()
	streamID := domain.StreamID(utils.GenerateStreamID())
	level, err := s.quality.InitializeStream(ctx, domain.AdaptationContext{
		StreamID:    streamID,
		SessionType: modality,
		Network:     domain.NetworkConditions{Bandwidth: req.TargetBitrate},
		Device:      rt.device,
		Preferences: rt.preferences,
		Constraints: rt.constraints,
		UpdatedAt:   now,
	})
	if err != nil {
		_ = s.transport.CloseConnection(ctx, conn.ID)
		return nil, err
	}

	strategy := domain.BufferAdaptive
	if modality == domain.SessionData {
		strategy = domain.BufferFixed
	} else if s.cfg.PredictiveBuffering {
		strategy = domain.BufferPredictive
	}
	if _, err := s.buffers.CreateBufferPool(ctx, streamID, modality, strategy); err != nil {
		_ = s.transport.CloseConnection(ctx, conn.ID)
		_ = s.quality.RemoveStream(ctx, streamID)
		return nil, fmt.Errorf("failed to create buffer pool: %w", err)
	}

	direction := req.Direction
	if direction == "" {
		direction = domain.StreamInbound
	}
	stream := &domain.Stream{
		ID:           streamID,
		SessionID:    sessionID,
		Direction:    direction,
		Codec:        codec,
		Bitrate:      level.Bandwidth,
		ConnectionID: conn.ID,
		StartedAt:    now,
	}
	if v := level.Video; v != nil {
		stream.Bitrate = v.Bitrate
		stream.Width = v.Width
		stream.Height = v.Height
		stream.Framerate = v.Framerate
	} else if a := level.Audio; a != nil {
		stream.Bitrate = a.Bitrate
	}

	switch modality {
	case domain.SessionVideo:
		session.VideoStreams[streamID] = stream
	case domain.SessionAudio:
		session.AudioStreams[streamID] = stream
	default:
		session.DataStreams[streamID] = stream
	}
	session.Quality = level
	session.Touch(now)
	if session.Status == domain.SessionInitializing || session.Status == domain.SessionPaused {
		s.setStatus(session, domain.SessionActive)
	}
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist stream: %w", err)
	}

	s.cacheStreamMetadata(ctx, req.Source, codec, level)
	s.ensureLoops(sessionID)

	s.logger.Infow("stream started",
		"session_id", sessionID,
		"stream_id", streamID,
		"modality", modality,
		"codec", codec,
		"level", level.Level,
		"agent_id", servingAgent,
	)
	return stream, nil
}

func modalityAllowed(sessionType, modality domain.SessionType) bool {
	if sessionType == domain.SessionMultimodal {
		return true
	}
	return sessionType == modality
}

// cacheStreamMetadata keeps negotiated stream hints on the edge so repeated
// starts of the same source skip renegotiation work downstream.
func (s *sessionService) cacheStreamMetadata(ctx context.Context, source, codec string, level domain.QualityLevel) {
	if s.cache == nil || source == "" {
		return
	}
	key := fmt.Sprintf("meta:%s:%d:%s", source, level.Bandwidth, codec)
	if res, err := s.cache.RetrieveContent(ctx, key, domain.CacheRequest{}); err == nil && res.Source == domain.CacheSourceEdge {
		return
	}

	hints := map[string]interface{}{
		"source":    source,
		"codec":     codec,
		"level":     level.Level,
		"bandwidth": level.Bandwidth,
	}
	data, err := json.Marshal(hints)
	if err != nil {
		return
	}
	meta := domain.CacheMetadata{ContentType: "application/json", Size: len(data)}
	if err := s.cache.CacheContent(ctx, key, data, meta, domain.CacheOptions{Priority: 1}); err != nil {
		s.logger.Debugw("stream metadata not cached", "key", key, "error", err)
	}
}

func (s *sessionService) StopStream(ctx context.Context, sessionID domain.SessionID, streamID domain.StreamID) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	stream, ok := findStream(session, streamID)
	if !ok {
		return domain.ErrStreamNotFound
	}

	s.releaseStream(ctx, stream)
	removeStream(session, streamID)
	session.Touch(s.now())
	if err := s.sessions.Update(ctx, session); err != nil {
		return err
	}

	s.logger.Infow("stream stopped", "session_id", sessionID, "stream_id", streamID)
	return nil
}

func (s *sessionService) releaseStream(ctx context.Context, stream *domain.Stream) {
	if err := s.transport.CloseConnection(ctx, stream.ConnectionID); err != nil {
		s.logger.Warnw("connection close failed", "stream_id", stream.ID, "error", err)
	}
	if err := s.buffers.ReleasePool(ctx, stream.ID); err != nil {
		s.logger.Warnw("buffer release failed", "stream_id", stream.ID, "error", err)
	}
	if err := s.quality.RemoveStream(ctx, stream.ID); err != nil {
		s.logger.Warnw("quality state release failed", "stream_id", stream.ID, "error", err)
	}
}

// AdaptStreamQuality refreshes the stream's adaptation inputs, evaluates the
// rule engine and applies the outcome. Consensus-gated sessions defer
// application until the vote resolves and the approval arrives on the bus.
func (s *sessionService) AdaptStreamQuality(ctx context.Context, sessionID domain.SessionID, streamID domain.StreamID) (*domain.QualityDecision, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	stream, ok := findStream(session, streamID)
	if !ok {
		return nil, domain.ErrStreamNotFound
	}

	s.refreshStreamContext(ctx, stream)

	decision, err := s.quality.EvaluateAdaptation(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if decision == nil || decision.Action == domain.ActionMaintain {
		return decision, nil
	}

	if session.Coordination.ConsensusRequired && s.coordination != nil {
		if _, err := s.coordination.CoordinateQualityChange(ctx, sessionID, *decision); err != nil {
			return nil, fmt.Errorf("failed to open consensus vote: %w", err)
		}
		s.logger.Infow("quality change pending consensus",
			"session_id", sessionID,
			"stream_id", streamID,
			"level", decision.To.Level,
		)
		return decision, nil
	}

	applied, err := s.quality.ForceQualityChange(ctx, streamID, decision.To.Level)
	if err != nil {
		return nil, err
	}
	if applied != nil && applied.Action != domain.ActionMaintain {
		s.applyDecision(ctx, session, stream, applied)
	}
	return applied, nil
}

// refreshStreamContext feeds live transport and buffer readings into the
// quality engine before evaluation.
func (s *sessionService) refreshStreamContext(ctx context.Context, stream *domain.Stream) {
	stats, err := s.transport.GetStats(ctx, stream.ConnectionID)
	if err != nil {
		s.logger.Debugw("transport stats unavailable", "stream_id", stream.ID, "error", err)
		return
	}
	bm, err := s.buffers.PoolMetrics(ctx, stream.ID)
	if err != nil {
		s.logger.Debugw("buffer metrics unavailable", "stream_id", stream.ID, "error", err)
		return
	}

	net := domain.NetworkConditions{
		Bandwidth:  int(bm.Throughput * 8),
		RTT:        stats.RTT,
		PacketLoss: stats.PacketLoss,
		Jitter:     stats.Jitter,
	}
	health := domain.StreamHealth{
		ErrorRate:     1 - bm.Efficiency,
		RebufferCount: bm.Underruns,
	}
	if bm.Capacity > 0 {
		health.BufferHealth = float64(bm.Level) / float64(bm.Capacity)
	}
	if err := s.quality.UpdateContext(ctx, stream.ID, net, health); err != nil {
		s.logger.Debugw("adaptation context not updated", "stream_id", stream.ID, "error", err)
	}

	if err := s.buffers.UpdateConditions(ctx, stream.ID, net); err != nil {
		s.logger.Debugw("buffer conditions not updated", "stream_id", stream.ID, "error", err)
	}
}

// applyDecision propagates an applied quality change onto the stream record
// and the session snapshot.
func (s *sessionService) applyDecision(ctx context.Context, session *domain.Session, stream *domain.Stream, decision *domain.QualityDecision) {
	stream.Bitrate = decision.To.Bandwidth
	if v := decision.To.Video; v != nil {
		stream.Bitrate = v.Bitrate
		stream.Width = v.Width
		stream.Height = v.Height
		stream.Framerate = v.Framerate
	} else if a := decision.To.Audio; a != nil {
		stream.Bitrate = a.Bitrate
	}
	session.Quality = decision.To
	session.Touch(s.now())

	s.mu.Lock()
	if rt := s.runtimes[session.ID]; rt != nil {
		rt.qualitySwitches++
	}
	s.mu.Unlock()

	if err := s.sessions.Update(ctx, session); err != nil {
		s.logger.Warnw("quality change not persisted", "session_id", session.ID, "error", err)
	}
}

// EmergencyDegrade drops every stream to the floor of its ladder without
// consensus and marks the session degraded.
func (s *sessionService) EmergencyDegrade(ctx context.Context, sessionID domain.SessionID) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == domain.SessionEnded {
		return domain.ErrSessionEnded
	}

	for _, stream := range session.AllStreams() {
		ladder, err := s.quality.Ladder(ctx, stream.ID)
		if err != nil || len(ladder) == 0 {
			continue
		}
		applied, err := s.quality.ForceQualityChange(ctx, stream.ID, ladder[0].Level)
		if err != nil {
			s.logger.Warnw("emergency degrade failed for stream",
				"session_id", sessionID,
				"stream_id", stream.ID,
				"error", err,
			)
			continue
		}
		if applied != nil && applied.Action != domain.ActionMaintain {
			s.applyDecision(ctx, session, stream, applied)
		}
	}

	s.setStatus(session, domain.SessionDegraded)
	if err := s.sessions.Update(ctx, session); err != nil {
		return err
	}
	s.logger.Warnw("session degraded", "session_id", sessionID, "streams", len(session.AllStreams()))
	return nil
}

// EndSession gathers the final metrics snapshot before tearing the session
// down, so buffer and transport readings are still available.
func (s *sessionService) EndSession(ctx context.Context, sessionID domain.SessionID) (*domain.SessionMetrics, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionEnded {
		return nil, domain.ErrSessionEnded
	}

	now := s.now()
	metrics := s.collectSessionMetrics(ctx, session, now)

	for _, stream := range session.AllStreams() {
		s.releaseStream(ctx, stream)
	}

	s.mu.Lock()
	if rt := s.runtimes[sessionID]; rt != nil {
		for _, cancel := range rt.cancels {
			cancel()
		}
		delete(s.runtimes, sessionID)
	}
	s.mu.Unlock()

	s.setStatus(session, domain.SessionEnded)
	session.EndedAt = now
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		if err := s.metrics.RecordSessionMetrics(ctx, *metrics); err != nil {
			s.logger.Warnw("final metrics not recorded", "session_id", sessionID, "error", err)
		}
	}

	s.logger.Infow("session ended",
		"session_id", sessionID,
		"duration", metrics.Duration,
		"streams", metrics.Streams,
		"quality_switches", metrics.QualitySwitches,
		"underruns", metrics.Underruns,
	)
	return metrics, nil
}

func (s *sessionService) collectSessionMetrics(ctx context.Context, session *domain.Session, now time.Time) *domain.SessionMetrics {
	streams := session.AllStreams()

	metrics := &domain.SessionMetrics{
		SessionID:    session.ID,
		Streams:      len(streams),
		Duration:     now.Sub(session.CreatedAt),
		BufferHealth: 1.0,
		Timestamp:    now,
	}

	var latencySum time.Duration
	var latencySamples int
	for _, stream := range streams {
		metrics.TotalBandwidth += stream.Bitrate

		if stats, err := s.transport.GetStats(ctx, stream.ConnectionID); err == nil {
			latencySum += stats.RTT
			latencySamples++
		}
		if bm, err := s.buffers.PoolMetrics(ctx, stream.ID); err == nil {
			metrics.Underruns += bm.Underruns
			if bm.Capacity > 0 {
				health := float64(bm.Level) / float64(bm.Capacity)
				if health < metrics.BufferHealth {
					metrics.BufferHealth = health
				}
			}
		}
	}
	if latencySamples > 0 {
		metrics.AverageLatency = latencySum / time.Duration(latencySamples)
	}
	if len(streams) == 0 {
		metrics.BufferHealth = 0
	}

	s.mu.RLock()
	if rt := s.runtimes[session.ID]; rt != nil {
		metrics.QualitySwitches = rt.qualitySwitches
		metrics.ErrorCount = rt.errorCount
	}
	s.mu.RUnlock()
	return metrics
}

// sweepIdleSessions pauses sessions idle past the pause threshold and ends
// those idle past the end threshold.
func (s *sessionService) sweepIdleSessions(ctx context.Context) {
	sessions, err := s.sessions.ListActive(ctx)
	if err != nil {
		s.logger.Warnw("idle sweep failed", "error", err)
		return
	}

	now := s.now()
	for _, session := range sessions {
		idle := session.IdleFor(now)
		switch {
		case idle > s.cfg.EndAfterIdle:
			if _, err := s.EndSession(ctx, session.ID); err != nil {
				s.logger.Warnw("idle session not ended", "session_id", session.ID, "error", err)
				continue
			}
			s.logger.Infow("idle session ended", "session_id", session.ID, "idle", idle)
		case idle > s.cfg.PauseAfterIdle:
			if session.Status != domain.SessionActive && session.Status != domain.SessionDegraded {
				continue
			}
			s.setStatus(session, domain.SessionPaused)
			if err := s.sessions.Update(ctx, session); err != nil {
				s.logger.Warnw("idle session not paused", "session_id", session.ID, "error", err)
				continue
			}
			s.logger.Infow("idle session paused", "session_id", session.ID, "idle", idle)
		}
	}
}

// ensureLoops starts the per-session sync and quality loops once the first
// stream exists.
func (s *sessionService) ensureLoops(sessionID domain.SessionID) {
	s.mu.Lock()
	rt := s.runtimes[sessionID]
	if rt == nil || rt.loopsStarted {
		s.mu.Unlock()
		return
	}
	rt.loopsStarted = true
	s.mu.Unlock()

	if s.scheduler == nil {
		return
	}
	syncCancel := s.scheduler.Every(fmt.Sprintf("sync_%s", sessionID), s.cfg.SyncInterval, func(ctx context.Context) {
		s.syncSessionStreams(ctx, sessionID)
	})
	qualityCancel := s.scheduler.Every(fmt.Sprintf("quality_%s", sessionID), s.cfg.QualityEvalInterval, func(ctx context.Context) {
		s.evaluateSessionQuality(ctx, sessionID)
	})

	s.mu.Lock()
	if rt := s.runtimes[sessionID]; rt != nil {
		rt.cancels = append(rt.cancels, syncCancel, qualityCancel)
	} else {
		syncCancel()
		qualityCancel()
	}
	s.mu.Unlock()
}

// syncSessionStreams aligns the session's buffers against the shared
// playback reference, the elapsed time since the session runtime started.
func (s *sessionService) syncSessionStreams(ctx context.Context, sessionID domain.SessionID) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil || (session.Status != domain.SessionActive && session.Status != domain.SessionDegraded) {
		return
	}
	streams := session.AllStreams()
	if len(streams) < 2 {
		return
	}

	ids := make([]domain.StreamID, 0, len(streams))
	for _, stream := range streams {
		ids = append(ids, stream.ID)
	}

	s.mu.RLock()
	rt := s.runtimes[sessionID]
	s.mu.RUnlock()
	if rt == nil {
		return
	}

	reference := s.now().Sub(rt.startedAt)
	aligned, err := s.buffers.SynchronizeStreams(ctx, ids, reference)
	if err != nil {
		s.logger.Debugw("sync pass failed", "session_id", sessionID, "error", err)
		return
	}
	if !aligned {
		s.logger.Debugw("streams awaiting alignment", "session_id", sessionID)
	}
}

func (s *sessionService) evaluateSessionQuality(ctx context.Context, sessionID domain.SessionID) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil || (session.Status != domain.SessionActive && session.Status != domain.SessionDegraded) {
		return
	}
	for _, stream := range session.AllStreams() {
		if _, err := s.AdaptStreamQuality(ctx, sessionID, stream.ID); err != nil {
			s.logger.Debugw("adaptation pass skipped",
				"session_id", sessionID,
				"stream_id", stream.ID,
				"error", err,
			)
		}
	}
}

// handleEnvelope applies bus traffic relevant to running sessions:
// consensus-approved quality changes and coordinator sync commands.
func (s *sessionService) handleEnvelope(ctx context.Context, env *domain.Envelope) {
	switch env.Type {
	case domain.MsgQualityChange:
		s.applyCoordinatedQualityChange(ctx, env)
	case domain.MsgSyncCommand:
		s.applySyncCommand(ctx, env)
	}
}

func (s *sessionService) applyCoordinatedQualityChange(ctx context.Context, env *domain.Envelope) {
	if env.SessionID == "" {
		return
	}
	streamID, _ := env.Data["streamId"].(string)
	level, _ := env.Data["level"].(string)
	if streamID == "" || level == "" {
		return
	}

	session, err := s.sessions.GetByID(ctx, env.SessionID)
	if err != nil {
		return
	}
	stream, ok := findStream(session, domain.StreamID(streamID))
	if !ok {
		return
	}

	applied, err := s.quality.ForceQualityChange(ctx, domain.StreamID(streamID), level)
	if err != nil {
		s.logger.Warnw("coordinated quality change failed",
			"session_id", env.SessionID,
			"stream_id", streamID,
			"level", level,
			"error", err,
		)
		return
	}
	if applied != nil && applied.Action != domain.ActionMaintain {
		s.applyDecision(ctx, session, stream, applied)
	}
	s.logger.Infow("coordinated quality change applied",
		"session_id", env.SessionID,
		"stream_id", streamID,
		"level", level,
	)
}

func (s *sessionService) applySyncCommand(ctx context.Context, env *domain.Envelope) {
	if env.SessionID == "" {
		return
	}
	refMillis, ok := envelopeNumber(env.Data, "reference")
	if !ok {
		return
	}

	session, err := s.sessions.GetByID(ctx, env.SessionID)
	if err != nil {
		return
	}
	streams := session.AllStreams()
	if len(streams) == 0 {
		return
	}
	ids := make([]domain.StreamID, 0, len(streams))
	for _, stream := range streams {
		ids = append(ids, stream.ID)
	}

	reference := time.Duration(refMillis) * time.Millisecond
	if _, err := s.buffers.SynchronizeStreams(ctx, ids, reference); err != nil {
		s.logger.Debugw("sync command failed", "session_id", env.SessionID, "error", err)
	}
}

// envelopeNumber reads a numeric field that may arrive as float64 from JSON
// decoding or as a native integer from in-process publishers.
func envelopeNumber(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (s *sessionService) setStatus(session *domain.Session, to domain.SessionStatus) {
	from := session.Status
	if from == to {
		return
	}
	session.Status = to
	for _, o := range s.observers {
		o.OnSessionStatusChanged(session.ID, from, to)
	}
}

func (s *sessionService) runtime(sessionID domain.SessionID) *sessionRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.runtimes[sessionID]
	if !ok {
		rt = &sessionRuntime{startedAt: time.Now()}
		s.runtimes[sessionID] = rt
	}
	return rt
}

func (s *sessionService) recordError(sessionID domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt := s.runtimes[sessionID]; rt != nil {
		rt.errorCount++
	}
}

func findStream(session *domain.Session, streamID domain.StreamID) (*domain.Stream, bool) {
	if stream, ok := session.VideoStreams[streamID]; ok {
		return stream, true
	}
	if stream, ok := session.AudioStreams[streamID]; ok {
		return stream, true
	}
	if stream, ok := session.DataStreams[streamID]; ok {
		return stream, true
	}
	return nil, false
}

func removeStream(session *domain.Session, streamID domain.StreamID) {
	delete(session.VideoStreams, streamID)
	delete(session.AudioStreams, streamID)
	delete(session.DataStreams, streamID)
}
