package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
)

// bandwidthSafetyMargin keeps the chosen level's requirement at or below
// this fraction of the measured available bandwidth.
const bandwidthSafetyMargin = 0.8

// upgradeHeadroom is the bandwidth surplus required before an upgrade is
// even considered.
const upgradeHeadroom = 1.5

// predictionConfidenceFloor is the minimum model confidence accepted before
// falling back to the rule set.
const predictionConfidenceFloor = 0.7

type streamQualityState struct {
	acx        domain.AdaptationContext
	full       []domain.QualityLevel // complete modality ladder
	allowed    []domain.QualityLevel // constraint-filtered subset
	current    domain.QualityLevel
	lastSwitch time.Time
	switches   int
}

type adaptationRule struct {
	name     string
	action   domain.AdaptationAction
	priority int
	cooldown time.Duration
	when     func(st *streamQualityState) bool
}

type qualityService struct {
	mu      sync.RWMutex
	streams map[domain.StreamID]*streamQualityState

	rules     []adaptationRule
	model     ports.PredictionModel // optional
	logger    *zap.SugaredLogger
	observers []ports.QualityObserver
}

func NewQualityService(model ports.PredictionModel, logger *zap.SugaredLogger, observers ...ports.QualityObserver) ports.QualityService {
	return &qualityService{
		streams:   make(map[domain.StreamID]*streamQualityState),
		rules:     defaultAdaptationRules(),
		model:     model,
		logger:    logger,
		observers: observers,
	}
}

// videoLadder builds the six video tiers. Bitrates come from a fixed
// pixel-count lookup so every caller agrees on the cost of a resolution.
func videoLadder() []domain.QualityLevel {
	tiers := []struct {
		name      string
		width     int
		height    int
		framerate int
		latency   time.Duration
	}{
		{"minimal", 426, 240, 24, 100 * time.Millisecond},
		{"low", 640, 360, 30, 150 * time.Millisecond},
		{"medium", 854, 480, 30, 200 * time.Millisecond},
		{"high", 1280, 720, 30, 250 * time.Millisecond},
		{"hd", 1920, 1080, 30, 300 * time.Millisecond},
		{"ultra", 3840, 2160, 60, 400 * time.Millisecond},
	}

	ladder := make([]domain.QualityLevel, 0, len(tiers))
	for _, t := range tiers {
		bitrate := videoBitrateFor(t.width, t.height)
		ladder = append(ladder, domain.QualityLevel{
			Level: t.name,
			Video: &domain.VideoQuality{
				Codec:     "VP8",
				Width:     t.width,
				Height:    t.height,
				Framerate: t.framerate,
				Bitrate:   bitrate,
			},
			Bandwidth:     bitrate,
			TargetLatency: t.latency,
		})
	}
	return ladder
}

var videoBitrateByPixels = []struct {
	pixels  int
	bitrate int
}{
	{426 * 240, 400_000},
	{640 * 360, 800_000},
	{854 * 480, 1_200_000},
	{1280 * 720, 2_500_000},
	{1920 * 1080, 5_000_000},
	{3840 * 2160, 15_000_000},
}

func videoBitrateFor(width, height int) int {
	pixels := width * height
	for _, e := range videoBitrateByPixels {
		if pixels <= e.pixels {
			return e.bitrate
		}
	}
	return videoBitrateByPixels[len(videoBitrateByPixels)-1].bitrate
}

// audioLadder builds the four audio tiers.
func audioLadder() []domain.QualityLevel {
	tiers := []struct {
		name       string
		bitrate    int
		sampleRate int
		channels   int
		latency    time.Duration
	}{
		{"low", 32_000, 24_000, 1, 100 * time.Millisecond},
		{"medium", 64_000, 44_100, 2, 150 * time.Millisecond},
		{"high", 128_000, 48_000, 2, 200 * time.Millisecond},
		{"ultra", 256_000, 48_000, 2, 250 * time.Millisecond},
	}

	ladder := make([]domain.QualityLevel, 0, len(tiers))
	for _, t := range tiers {
		ladder = append(ladder, domain.QualityLevel{
			Level: t.name,
			Audio: &domain.AudioQuality{
				Codec:      "opus",
				Bitrate:    t.bitrate,
				SampleRate: t.sampleRate,
				Channels:   t.channels,
			},
			Bandwidth:     t.bitrate,
			TargetLatency: t.latency,
		})
	}
	return ladder
}

func ladderFor(sessionType domain.SessionType) []domain.QualityLevel {
	switch sessionType {
	case domain.SessionAudio:
		return audioLadder()
	case domain.SessionData:
		return []domain.QualityLevel{{
			Level:         "standard",
			Bandwidth:     1_000_000,
			TargetLatency: 100 * time.Millisecond,
		}}
	default:
		return videoLadder()
	}
}

func defaultAdaptationRules() []adaptationRule {
	rules := []adaptationRule{
		{
			name:     "emergency_collapse",
			action:   domain.ActionEmergency,
			priority: 100,
			when: func(st *streamQualityState) bool {
				return st.acx.Network.PacketLoss > 0.15 ||
					(st.acx.Health.BufferHealth > 0 && st.acx.Health.BufferHealth < 0.1)
			},
		},
		{
			name:     "downgrade_loss",
			action:   domain.ActionDowngrade,
			priority: 90,
			cooldown: 5 * time.Second,
			when: func(st *streamQualityState) bool {
				return st.acx.Network.PacketLoss > 0.05
			},
		},
		{
			name:     "downgrade_bandwidth",
			action:   domain.ActionDowngrade,
			priority: 85,
			cooldown: 5 * time.Second,
			when: func(st *streamQualityState) bool {
				bw := st.acx.Network.Bandwidth
				return bw > 0 && float64(bw) < bandwidthSafetyMargin*float64(st.current.Bandwidth)
			},
		},
		{
			name:     "downgrade_rtt",
			action:   domain.ActionDowngrade,
			priority: 80,
			cooldown: 5 * time.Second,
			when: func(st *streamQualityState) bool {
				return st.acx.Network.RTT > 300*time.Millisecond
			},
		},
		{
			name:     "downgrade_buffer",
			action:   domain.ActionDowngrade,
			priority: 75,
			cooldown: 10 * time.Second,
			when: func(st *streamQualityState) bool {
				h := st.acx.Health
				return (h.BufferHealth > 0 && h.BufferHealth < 0.3) || h.RebufferCount > 3
			},
		},
		{
			name:     "downgrade_errors",
			action:   domain.ActionDowngrade,
			priority: 70,
			cooldown: 10 * time.Second,
			when: func(st *streamQualityState) bool {
				return st.acx.Health.ErrorRate > 0.1
			},
		},
		{
			name:     "downgrade_device",
			action:   domain.ActionDowngrade,
			priority: 65,
			cooldown: 15 * time.Second,
			when: func(st *streamQualityState) bool {
				d := st.acx.Device
				return d.CPUUsage > 0.9 || d.MemoryUsage > 0.85
			},
		},
		{
			name:     "upgrade_headroom",
			action:   domain.ActionUpgrade,
			priority: 10,
			cooldown: 30 * time.Second,
			when: func(st *streamQualityState) bool {
				bw := st.acx.Network.Bandwidth
				return st.acx.Preferences.AutoAdjust && bw > 0 &&
					float64(bw) > upgradeHeadroom*float64(st.current.Bandwidth)
			},
		},
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].priority > rules[j].priority
	})
	return rules
}

// InitializeStream builds the stream's quality ladder, filters it by the
// stream constraints and seeds the current level from the prediction model
// or a static fallback keyed by the user's quality priority.
func (s *qualityService) InitializeStream(ctx context.Context, acx domain.AdaptationContext) (domain.QualityLevel, error) {
	full := ladderFor(acx.SessionType)

	allowed := make([]domain.QualityLevel, 0, len(full))
	for _, level := range full {
		if acx.Constraints.Allows(level) {
			allowed = append(allowed, level)
		}
	}
	if len(allowed) == 0 {
		return domain.QualityLevel{}, domain.ErrConstraintViolated
	}

	// lastSwitch stays zero so the first adaptation is never cooldown-blocked.
	st := &streamQualityState{
		acx:     acx,
		full:    full,
		allowed: allowed,
	}
	st.current = s.initialLevel(st)

	s.mu.Lock()
	s.streams[acx.StreamID] = st
	s.mu.Unlock()

	s.logger.Infow("quality ladder initialized",
		"stream_id", acx.StreamID,
		"type", acx.SessionType,
		"levels", len(allowed),
		"initial", st.current.Level,
	)
	return st.current, nil
}

func (s *qualityService) initialLevel(st *streamQualityState) domain.QualityLevel {
	if s.model != nil {
		if level, confidence := s.model.Predict(&st.acx, st.allowed); confidence >= predictionConfidenceFloor {
			return level
		}
	}

	var level domain.QualityLevel
	switch st.acx.Preferences.QualityPriority {
	case "quality":
		level = st.allowed[len(st.allowed)-1]
	case "latency":
		level = st.allowed[0]
	default:
		level = st.allowed[len(st.allowed)/2]
	}

	// Known bandwidth caps the starting point at the safety margin.
	if bw := st.acx.Network.Bandwidth; bw > 0 {
		idx := levelIndex(st.allowed, level.Level)
		for idx > 0 && float64(st.allowed[idx].Bandwidth) > bandwidthSafetyMargin*float64(bw) {
			idx--
		}
		level = st.allowed[idx]
	}
	return level
}

func (s *qualityService) UpdateContext(ctx context.Context, streamID domain.StreamID, net domain.NetworkConditions, health domain.StreamHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamID]
	if !ok {
		return domain.ErrStreamNotFound
	}
	st.acx.Network = net
	st.acx.Health = health
	st.acx.UpdatedAt = time.Now()
	return nil
}

// EvaluateAdaptation computes a quality decision without applying it. The
// caller applies accepted decisions through ForceQualityChange, which lets
// consensus-gated sessions defer application until votes arrive.
func (s *qualityService) EvaluateAdaptation(ctx context.Context, streamID domain.StreamID) (*domain.QualityDecision, error) {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	if !ok {
		s.mu.RUnlock()
		return nil, domain.ErrStreamNotFound
	}

	rule, blocked := s.matchRule(st)
	if rule == nil {
		current := st.current
		s.mu.RUnlock()
		reason := "conditions stable"
		if blocked {
			reason = "switch cooldown active"
		}
		return maintainDecision(streamID, current, reason), nil
	}

	target := s.selectTarget(st, rule)
	currentRank := levelIndex(st.full, st.current.Level)
	targetRank := levelIndex(st.full, target.Level)
	decision := &domain.QualityDecision{
		StreamID:  streamID,
		Action:    rule.action,
		From:      st.current,
		To:        target,
		Reason:    rule.name,
		Impact:    estimateImpact(st.current, target, currentRank, targetRank),
		DecidedAt: time.Now(),
	}
	constraints := st.acx.Constraints
	s.mu.RUnlock()

	if target.Level == decision.From.Level {
		return maintainDecision(streamID, decision.From, "no better level available"), nil
	}
	if !constraints.Allows(target) {
		s.logger.Debugw("quality decision rejected by constraints",
			"stream_id", streamID,
			"rule", rule.name,
			"target", target.Level,
		)
		return nil, domain.ErrConstraintViolated
	}
	return decision, nil
}

// matchRule returns the highest-priority rule whose condition holds and whose
// cooldown has elapsed. blocked reports that some condition held but was
// suppressed by a cooldown.
func (s *qualityService) matchRule(st *streamQualityState) (*adaptationRule, bool) {
	blocked := false
	for i := range s.rules {
		rule := &s.rules[i]
		if !rule.when(st) {
			continue
		}
		if rule.cooldown > 0 && time.Since(st.lastSwitch) < rule.cooldown {
			blocked = true
			continue
		}
		return rule, blocked
	}
	return nil, blocked
}

func (s *qualityService) selectTarget(st *streamQualityState, rule *adaptationRule) domain.QualityLevel {
	if rule.action == domain.ActionEmergency {
		return st.allowed[0]
	}

	if s.model != nil {
		if level, confidence := s.model.Predict(&st.acx, st.allowed); confidence >= predictionConfidenceFloor {
			return level
		}
	}

	optimal := s.optimalIndex(st)
	currentIdx := levelIndex(st.allowed, st.current.Level)

	switch rule.action {
	case domain.ActionDowngrade:
		// The optimal level can sit at or above current when a non-bandwidth
		// trigger fired; step down one tier in that case.
		if optimal >= currentIdx && currentIdx > 0 {
			return st.allowed[currentIdx-1]
		}
		return st.allowed[optimal]
	case domain.ActionUpgrade:
		if optimal <= currentIdx {
			return st.current
		}
		return st.allowed[optimal]
	default:
		return st.current
	}
}

// optimalIndex picks the highest allowed level whose bandwidth stays under
// the safety margin and which the device can sustain. Stressed or
// data-saving devices are capped at the medium tier; the display resolution
// caps streamed resolution.
func (s *qualityService) optimalIndex(st *streamQualityState) int {
	maxRank := len(st.full)
	if st.acx.Device.CPUUsage > 0.9 || st.acx.Device.MemoryUsage > 0.85 || st.acx.Preferences.DataSaver {
		maxRank = levelIndex(st.full, "medium")
		if maxRank < 0 {
			maxRank = 0
		}
	}

	bw := st.acx.Network.Bandwidth
	for i := len(st.allowed) - 1; i > 0; i-- {
		level := st.allowed[i]
		if levelIndex(st.full, level.Level) > maxRank {
			continue
		}
		if bw > 0 && float64(level.Bandwidth) > bandwidthSafetyMargin*float64(bw) {
			continue
		}
		if v := level.Video; v != nil && st.acx.Device.DisplayWidth > 0 {
			if v.Width > st.acx.Device.DisplayWidth || v.Height > st.acx.Device.DisplayHeight {
				continue
			}
		}
		return i
	}
	return 0
}

// ForceQualityChange applies the named level immediately, bypassing rule
// evaluation and constraint validation. It is both the emergency path and
// the application step for approved decisions.
func (s *qualityService) ForceQualityChange(ctx context.Context, streamID domain.StreamID, level string) (*domain.QualityDecision, error) {
	s.mu.Lock()
	st, ok := s.streams[streamID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrStreamNotFound
	}

	idx := levelIndex(st.full, level)
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("quality level %q not in ladder for stream %s", level, streamID)
	}

	from := st.current
	fromRank := levelIndex(st.full, from.Level)
	target := st.full[idx]

	action := domain.ActionMaintain
	switch {
	case idx < fromRank:
		action = domain.ActionDowngrade
	case idx > fromRank:
		action = domain.ActionUpgrade
	}

	decision := &domain.QualityDecision{
		StreamID:  streamID,
		Action:    action,
		From:      from,
		To:        target,
		Reason:    "forced",
		Impact:    estimateImpact(from, target, fromRank, idx),
		DecidedAt: time.Now(),
	}

	changed := target.Level != from.Level
	if changed {
		st.current = target
		st.lastSwitch = time.Now()
		st.switches++
	}
	acx := st.acx
	s.mu.Unlock()

	if changed {
		s.logger.Infow("quality changed",
			"stream_id", streamID,
			"from", from.Level,
			"to", target.Level,
			"action", action,
		)
		for _, o := range s.observers {
			o.OnQualityChanged(*decision)
		}
		if s.model != nil {
			s.model.RecordOutcome(*decision, &acx)
		}
	}
	return decision, nil
}

func (s *qualityService) GetOptimalQuality(ctx context.Context, streamID domain.StreamID) (domain.QualityLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[streamID]
	if !ok {
		return domain.QualityLevel{}, domain.ErrStreamNotFound
	}
	return st.allowed[s.optimalIndex(st)], nil
}

func (s *qualityService) CurrentQuality(ctx context.Context, streamID domain.StreamID) (domain.QualityLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[streamID]
	if !ok {
		return domain.QualityLevel{}, domain.ErrStreamNotFound
	}
	return st.current, nil
}

func (s *qualityService) Ladder(ctx context.Context, streamID domain.StreamID) ([]domain.QualityLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[streamID]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	ladder := make([]domain.QualityLevel, len(st.allowed))
	copy(ladder, st.allowed)
	return ladder, nil
}

func (s *qualityService) RemoveStream(ctx context.Context, streamID domain.StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
	return nil
}

func levelIndex(ladder []domain.QualityLevel, name string) int {
	for i, level := range ladder {
		if level.Level == name {
			return i
		}
	}
	return -1
}

func maintainDecision(streamID domain.StreamID, current domain.QualityLevel, reason string) *domain.QualityDecision {
	return &domain.QualityDecision{
		StreamID:  streamID,
		Action:    domain.ActionMaintain,
		From:      current,
		To:        current,
		Reason:    reason,
		DecidedAt: time.Now(),
	}
}

// estimateImpact derives the reporting deltas for a level switch. CPU and
// battery use bandwidth as a rough proxy; experience counts tier steps.
func estimateImpact(from, to domain.QualityLevel, fromRank, toRank int) domain.QualityImpact {
	bwDelta := to.Bandwidth - from.Bandwidth
	return domain.QualityImpact{
		LatencyDelta:    to.TargetLatency - from.TargetLatency,
		BandwidthDelta:  bwDelta,
		CPUDelta:        float64(bwDelta) / 10_000_000,
		BatteryDelta:    float64(bwDelta) / 20_000_000,
		ExperienceDelta: float64(toRank - fromRank),
	}
}
