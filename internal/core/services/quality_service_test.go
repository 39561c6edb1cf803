package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"syncmesh/internal/core/domain"
)

type stubModel struct {
	level      domain.QualityLevel
	confidence float64
	outcomes   []domain.QualityDecision
}

func (m *stubModel) Predict(acx *domain.AdaptationContext, ladder []domain.QualityLevel) (domain.QualityLevel, float64) {
	return m.level, m.confidence
}

func (m *stubModel) RecordOutcome(decision domain.QualityDecision, acx *domain.AdaptationContext) {
	m.outcomes = append(m.outcomes, decision)
}

type qualityEvents struct {
	decisions []domain.QualityDecision
}

func (e *qualityEvents) OnQualityChanged(decision domain.QualityDecision) {
	e.decisions = append(e.decisions, decision)
}

func videoContext(streamID string) domain.AdaptationContext {
	return domain.AdaptationContext{
		StreamID:    domain.StreamID(streamID),
		SessionType: domain.SessionVideo,
	}
}

func TestQualityService_InitializeStream(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	tests := []struct {
		name        string
		acx         domain.AdaptationContext
		wantInitial string
		wantLevels  int
		wantErr     error
	}{
		{
			name:        "balanced default picks the middle tier",
			acx:         videoContext("stream-1"),
			wantInitial: "high",
			wantLevels:  6,
		},
		{
			name: "quality priority picks the top tier",
			acx: func() domain.AdaptationContext {
				acx := videoContext("stream-1")
				acx.Preferences.QualityPriority = "quality"
				return acx
			}(),
			wantInitial: "ultra",
			wantLevels:  6,
		},
		{
			name: "latency priority picks the bottom tier",
			acx: func() domain.AdaptationContext {
				acx := videoContext("stream-1")
				acx.Preferences.QualityPriority = "latency"
				return acx
			}(),
			wantInitial: "minimal",
			wantLevels:  6,
		},
		{
			name: "bitrate window filters the ladder",
			acx: func() domain.AdaptationContext {
				acx := videoContext("stream-1")
				acx.Constraints = domain.StreamConstraints{MinBitrate: 500_000, MaxBitrate: 2_000_000}
				return acx
			}(),
			wantInitial: "medium",
			wantLevels:  2,
		},
		{
			name: "known bandwidth caps the starting level",
			acx: func() domain.AdaptationContext {
				acx := videoContext("stream-1")
				acx.Preferences.QualityPriority = "quality"
				acx.Network.Bandwidth = 1_000_000
				return acx
			}(),
			wantInitial: "low",
			wantLevels:  6,
		},
		{
			name: "audio ladder",
			acx: domain.AdaptationContext{
				StreamID:    "stream-1",
				SessionType: domain.SessionAudio,
			},
			wantInitial: "high",
			wantLevels:  4,
		},
		{
			name: "unsatisfiable constraints",
			acx: func() domain.AdaptationContext {
				acx := videoContext("stream-1")
				acx.Constraints = domain.StreamConstraints{MinBitrate: 20_000_000}
				return acx
			}(),
			wantErr: domain.ErrConstraintViolated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewQualityService(nil, logger)

			level, err := service.InitializeStream(context.Background(), tt.acx)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("InitializeStream() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("InitializeStream() error = %v", err)
			}
			if level.Level != tt.wantInitial {
				t.Errorf("initial level = %s, want %s", level.Level, tt.wantInitial)
			}

			ladder, err := service.Ladder(context.Background(), tt.acx.StreamID)
			if err != nil {
				t.Fatalf("Ladder() error = %v", err)
			}
			if len(ladder) != tt.wantLevels {
				t.Errorf("ladder size = %d, want %d", len(ladder), tt.wantLevels)
			}
		})
	}
}

func TestQualityService_EvaluateAdaptation_PacketLossDowngrades(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	service := NewQualityService(nil, logger)
	streamID := domain.StreamID("stream-1")

	if _, err := service.InitializeStream(context.Background(), videoContext(string(streamID))); err != nil {
		t.Fatalf("InitializeStream() error = %v", err)
	}

	net := domain.NetworkConditions{Bandwidth: 2_000_000, PacketLoss: 0.08}
	if err := service.UpdateContext(context.Background(), streamID, net, domain.StreamHealth{}); err != nil {
		t.Fatalf("UpdateContext() error = %v", err)
	}

	decision, err := service.EvaluateAdaptation(context.Background(), streamID)
	if err != nil {
		t.Fatalf("EvaluateAdaptation() error = %v", err)
	}
	if decision.Action != domain.ActionDowngrade {
		t.Fatalf("Action = %s, want downgrade", decision.Action)
	}
	if decision.From.Level != "high" || decision.To.Level != "medium" {
		t.Errorf("decision = %s -> %s, want high -> medium", decision.From.Level, decision.To.Level)
	}
	if decision.Reason != "downgrade_loss" {
		t.Errorf("Reason = %s, want downgrade_loss", decision.Reason)
	}
	if decision.Impact.BandwidthDelta >= 0 {
		t.Errorf("BandwidthDelta = %d, want negative on downgrade", decision.Impact.BandwidthDelta)
	}

	// The evaluation is advisory: nothing changed until a force applies it.
	current, err := service.CurrentQuality(context.Background(), streamID)
	if err != nil || current.Level != "high" {
		t.Errorf("CurrentQuality() = (%s, %v), want high unchanged", current.Level, err)
	}
}

func TestQualityService_EvaluateAdaptation_EmergencyCollapses(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	service := NewQualityService(nil, logger)
	streamID := domain.StreamID("stream-1")

	if _, err := service.InitializeStream(context.Background(), videoContext(string(streamID))); err != nil {
		t.Fatalf("InitializeStream() error = %v", err)
	}
	if err := service.UpdateContext(context.Background(), streamID,
		domain.NetworkConditions{PacketLoss: 0.2}, domain.StreamHealth{}); err != nil {
		t.Fatalf("UpdateContext() error = %v", err)
	}

	decision, err := service.EvaluateAdaptation(context.Background(), streamID)
	if err != nil {
		t.Fatalf("EvaluateAdaptation() error = %v", err)
	}
	if decision.Action != domain.ActionEmergency {
		t.Errorf("Action = %s, want emergency", decision.Action)
	}
	if decision.To.Level != "minimal" {
		t.Errorf("To = %s, want minimal (bottom of the ladder)", decision.To.Level)
	}
}

func TestQualityService_EvaluateAdaptation_UpgradeNeedsHeadroom(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	service := NewQualityService(nil, logger)
	streamID := domain.StreamID("stream-1")

	acx := videoContext(string(streamID))
	acx.Preferences.AutoAdjust = true
	if _, err := service.InitializeStream(context.Background(), acx); err != nil {
		t.Fatalf("InitializeStream() error = %v", err)
	}

	tests := []struct {
		name       string
		bandwidth  int
		wantAction domain.AdaptationAction
		wantLevel  string
	}{
		// Current level is high at 2.5 Mbps; upgrades need 1.5x headroom.
		{name: "insufficient headroom maintains", bandwidth: 3_000_000, wantAction: domain.ActionMaintain, wantLevel: "high"},
		{name: "ample headroom upgrades", bandwidth: 10_000_000, wantAction: domain.ActionUpgrade, wantLevel: "hd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := service.UpdateContext(context.Background(), streamID,
				domain.NetworkConditions{Bandwidth: tt.bandwidth}, domain.StreamHealth{}); err != nil {
				t.Fatalf("UpdateContext() error = %v", err)
			}

			decision, err := service.EvaluateAdaptation(context.Background(), streamID)
			if err != nil {
				t.Fatalf("EvaluateAdaptation() error = %v", err)
			}
			if decision.Action != tt.wantAction {
				t.Errorf("Action = %s, want %s", decision.Action, tt.wantAction)
			}
			if decision.To.Level != tt.wantLevel {
				t.Errorf("To = %s, want %s", decision.To.Level, tt.wantLevel)
			}
		})
	}
}

func TestQualityService_EvaluateAdaptation_CooldownBlocksRepeatSwitch(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	service := NewQualityService(nil, logger)
	streamID := domain.StreamID("stream-1")

	if _, err := service.InitializeStream(context.Background(), videoContext(string(streamID))); err != nil {
		t.Fatalf("InitializeStream() error = %v", err)
	}
	// Applying a change stamps the switch time, arming the cooldowns.
	if _, err := service.ForceQualityChange(context.Background(), streamID, "medium"); err != nil {
		t.Fatalf("ForceQualityChange() error = %v", err)
	}

	if err := service.UpdateContext(context.Background(), streamID,
		domain.NetworkConditions{Bandwidth: 2_000_000, PacketLoss: 0.08}, domain.StreamHealth{}); err != nil {
		t.Fatalf("UpdateContext() error = %v", err)
	}

	decision, err := service.EvaluateAdaptation(context.Background(), streamID)
	if err != nil {
		t.Fatalf("EvaluateAdaptation() error = %v", err)
	}
	if decision.Action != domain.ActionMaintain {
		t.Errorf("Action = %s, want maintain while cooldown holds", decision.Action)
	}
	if decision.Reason != "switch cooldown active" {
		t.Errorf("Reason = %q, want switch cooldown active", decision.Reason)
	}
}

func TestQualityService_EvaluateAdaptation_StableConditionsMaintain(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	service := NewQualityService(nil, logger)
	streamID := domain.StreamID("stream-1")

	if _, err := service.InitializeStream(context.Background(), videoContext(string(streamID))); err != nil {
		t.Fatalf("InitializeStream() error = %v", err)
	}
	if err := service.UpdateContext(context.Background(), streamID,
		domain.NetworkConditions{Bandwidth: 5_000_000, RTT: 80 * time.Millisecond, PacketLoss: 0.01},
		domain.StreamHealth{BufferHealth: 0.8}); err != nil {
		t.Fatalf("UpdateContext() error = %v", err)
	}

	decision, err := service.EvaluateAdaptation(context.Background(), streamID)
	if err != nil {
		t.Fatalf("EvaluateAdaptation() error = %v", err)
	}
	if decision.Action != domain.ActionMaintain || decision.Reason != "conditions stable" {
		t.Errorf("decision = (%s, %q), want maintain with stable conditions", decision.Action, decision.Reason)
	}
}

func TestQualityService_ForceQualityChange(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	events := &qualityEvents{}
	model := &stubModel{confidence: 0} // never confident, static seeding
	service := NewQualityService(model, logger, events)
	streamID := domain.StreamID("stream-1")

	if _, err := service.InitializeStream(context.Background(), videoContext(string(streamID))); err != nil {
		t.Fatalf("InitializeStream() error = %v", err)
	}

	decision, err := service.ForceQualityChange(context.Background(), streamID, "minimal")
	if err != nil {
		t.Fatalf("ForceQualityChange() error = %v", err)
	}
	if decision.Action != domain.ActionDowngrade {
		t.Errorf("Action = %s, want downgrade", decision.Action)
	}
	if current, _ := service.CurrentQuality(context.Background(), streamID); current.Level != "minimal" {
		t.Errorf("CurrentQuality() = %s, want minimal", current.Level)
	}
	if len(events.decisions) != 1 {
		t.Errorf("observer notifications = %d, want 1", len(events.decisions))
	}
	if len(model.outcomes) != 1 {
		t.Errorf("model outcomes = %d, want 1", len(model.outcomes))
	}

	// Forcing the level already in effect reports maintain and stays silent.
	decision, err = service.ForceQualityChange(context.Background(), streamID, "minimal")
	if err != nil {
		t.Fatalf("ForceQualityChange(same) error = %v", err)
	}
	if decision.Action != domain.ActionMaintain {
		t.Errorf("Action = %s, want maintain", decision.Action)
	}
	if len(events.decisions) != 1 {
		t.Errorf("observer notifications after no-op force = %d, want still 1", len(events.decisions))
	}

	if _, err := service.ForceQualityChange(context.Background(), streamID, "4k"); err == nil {
		t.Error("ForceQualityChange(unknown level) error = nil, want error")
	}
}

func TestQualityService_ModelPredictions(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	model := &stubModel{confidence: 0.5}
	service := NewQualityService(model, logger)
	streamID := domain.StreamID("stream-1")

	acx := videoContext(string(streamID))
	acx.Constraints = domain.StreamConstraints{MinBitrate: 500_000, MaxBitrate: 2_000_000}
	level, err := service.InitializeStream(context.Background(), acx)
	if err != nil {
		t.Fatalf("InitializeStream() error = %v", err)
	}
	// Below the confidence floor the model is ignored and static seeding wins.
	if level.Level != "medium" {
		t.Errorf("initial level = %s, want medium from static fallback", level.Level)
	}

	// A confident prediction outside the stream constraints is rejected.
	model.level = videoLadder()[5] // ultra, 15 Mbps
	model.confidence = 0.9
	if err := service.UpdateContext(context.Background(), streamID,
		domain.NetworkConditions{Bandwidth: 2_000_000, PacketLoss: 0.08}, domain.StreamHealth{}); err != nil {
		t.Fatalf("UpdateContext() error = %v", err)
	}
	if _, err := service.EvaluateAdaptation(context.Background(), streamID); !errors.Is(err, domain.ErrConstraintViolated) {
		t.Errorf("EvaluateAdaptation() error = %v, want ErrConstraintViolated", err)
	}
}

func TestQualityService_GetOptimalQuality(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	tests := []struct {
		name string
		acx  func() domain.AdaptationContext
		want string
	}{
		{
			name: "bandwidth bound",
			acx: func() domain.AdaptationContext {
				acx := videoContext("stream-1")
				acx.Network.Bandwidth = 1_000_000
				return acx
			},
			want: "low",
		},
		{
			name: "data saver caps at medium",
			acx: func() domain.AdaptationContext {
				acx := videoContext("stream-1")
				acx.Network.Bandwidth = 100_000_000
				acx.Preferences.DataSaver = true
				return acx
			},
			want: "medium",
		},
		{
			name: "display resolution caps streamed resolution",
			acx: func() domain.AdaptationContext {
				acx := videoContext("stream-1")
				acx.Network.Bandwidth = 100_000_000
				acx.Device.DisplayWidth = 1280
				acx.Device.DisplayHeight = 720
				return acx
			},
			want: "high",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewQualityService(nil, logger)
			acx := tt.acx()
			if _, err := service.InitializeStream(context.Background(), acx); err != nil {
				t.Fatalf("InitializeStream() error = %v", err)
			}

			level, err := service.GetOptimalQuality(context.Background(), acx.StreamID)
			if err != nil {
				t.Fatalf("GetOptimalQuality() error = %v", err)
			}
			if level.Level != tt.want {
				t.Errorf("GetOptimalQuality() = %s, want %s", level.Level, tt.want)
			}
		})
	}
}

func TestQualityService_RemoveStream(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	service := NewQualityService(nil, logger)
	streamID := domain.StreamID("stream-1")

	if _, err := service.InitializeStream(context.Background(), videoContext(string(streamID))); err != nil {
		t.Fatalf("InitializeStream() error = %v", err)
	}
	if err := service.RemoveStream(context.Background(), streamID); err != nil {
		t.Fatalf("RemoveStream() error = %v", err)
	}
	if _, err := service.CurrentQuality(context.Background(), streamID); !errors.Is(err, domain.ErrStreamNotFound) {
		t.Errorf("CurrentQuality() after remove error = %v, want ErrStreamNotFound", err)
	}
}
