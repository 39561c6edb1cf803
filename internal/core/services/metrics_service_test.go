package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"syncmesh/internal/core/domain"
)

func TestMetricsService_RecordAndGet(t *testing.T) {
	service := NewMetricsService()

	first := domain.SessionMetrics{
		SessionID:      "session-1",
		Streams:        1,
		AverageLatency: 100 * time.Millisecond,
		Timestamp:      time.Now(),
	}
	second := first
	second.Streams = 2
	second.AverageLatency = 140 * time.Millisecond

	if err := service.RecordSessionMetrics(context.Background(), first); err != nil {
		t.Fatalf("RecordSessionMetrics() error = %v", err)
	}
	if err := service.RecordSessionMetrics(context.Background(), second); err != nil {
		t.Fatalf("RecordSessionMetrics() error = %v", err)
	}

	got, err := service.GetSessionMetrics(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("GetSessionMetrics() error = %v", err)
	}
	if got.Streams != 2 || got.AverageLatency != 140*time.Millisecond {
		t.Errorf("latest snapshot = %+v, want the second recording", got)
	}

	if _, err := service.GetSessionMetrics(context.Background(), "session-ghost"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("GetSessionMetrics(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestMetricsService_AggregateMetrics(t *testing.T) {
	service := NewMetricsService()

	snaps := []domain.SessionMetrics{
		{SessionID: "session-a", Streams: 2, AverageLatency: 100 * time.Millisecond, TotalBandwidth: 1_000_000, BufferHealth: 1.0, QualitySwitches: 1, Underruns: 0, ErrorCount: 0, Duration: time.Minute},
		{SessionID: "session-a", Streams: 2, AverageLatency: 200 * time.Millisecond, TotalBandwidth: 2_000_000, BufferHealth: 0.5, QualitySwitches: 3, Underruns: 2, ErrorCount: 0, Duration: 2 * time.Minute},
		{SessionID: "session-a", Streams: 2, AverageLatency: 300 * time.Millisecond, TotalBandwidth: 3_000_000, BufferHealth: 0.75, QualitySwitches: 5, Underruns: 3, ErrorCount: 1, Duration: 3 * time.Minute},
		{SessionID: "session-b", Streams: 1, AverageLatency: 50 * time.Millisecond, TotalBandwidth: 500_000, BufferHealth: 0.9, Duration: time.Minute},
	}
	for _, snap := range snaps {
		if err := service.RecordSessionMetrics(context.Background(), snap); err != nil {
			t.Fatalf("RecordSessionMetrics() error = %v", err)
		}
	}

	out, err := service.AggregateMetrics(context.Background())
	if err != nil {
		t.Fatalf("AggregateMetrics() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("aggregates = %d, want 2 sessions", len(out))
	}
	if out[0].SessionID != "session-a" || out[1].SessionID != "session-b" {
		t.Errorf("order = [%s %s], want sorted by session ID", out[0].SessionID, out[1].SessionID)
	}

	a := out[0]
	if a.AverageLatency != 200*time.Millisecond {
		t.Errorf("AverageLatency = %v, want 200ms mean", a.AverageLatency)
	}
	if a.TotalBandwidth != 2_000_000 {
		t.Errorf("TotalBandwidth = %d, want 2000000 mean", a.TotalBandwidth)
	}
	if a.BufferHealth != 0.75 {
		t.Errorf("BufferHealth = %v, want 0.75 mean", a.BufferHealth)
	}
	// Counters carry the latest cumulative values.
	if a.QualitySwitches != 5 || a.Underruns != 3 || a.ErrorCount != 1 {
		t.Errorf("counters = %d/%d/%d, want 5/3/1 from the last snapshot", a.QualitySwitches, a.Underruns, a.ErrorCount)
	}
	if a.Duration != 3*time.Minute {
		t.Errorf("Duration = %v, want 3m from the last snapshot", a.Duration)
	}
}

func TestMetricsService_HistoryBounded(t *testing.T) {
	service := NewMetricsService()

	// 120 snapshots with distinct latencies; the ring keeps the last 100.
	for i := 0; i < 120; i++ {
		snap := domain.SessionMetrics{
			SessionID:      "session-long",
			Streams:        1,
			AverageLatency: time.Duration(i) * time.Millisecond,
		}
		if err := service.RecordSessionMetrics(context.Background(), snap); err != nil {
			t.Fatalf("RecordSessionMetrics(#%d) error = %v", i, err)
		}
	}

	out, err := service.AggregateMetrics(context.Background())
	if err != nil {
		t.Fatalf("AggregateMetrics() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("aggregates = %d, want 1", len(out))
	}
	// Mean of 20..119 ms.
	if want := 69500 * time.Microsecond; out[0].AverageLatency != want {
		t.Errorf("AverageLatency = %v, want %v over the retained window", out[0].AverageLatency, want)
	}
}

func TestSessionHealthScore(t *testing.T) {
	tests := []struct {
		name    string
		metrics domain.SessionMetrics
		want    float64
	}{
		{
			name: "healthy session maxes out",
			metrics: domain.SessionMetrics{
				Streams:        2,
				BufferHealth:   1.0,
				AverageLatency: 50 * time.Millisecond,
			},
			want: 100,
		},
		{
			name: "middling session",
			metrics: domain.SessionMetrics{
				Streams:        1,
				BufferHealth:   0.5,
				AverageLatency: 200 * time.Millisecond,
			},
			want: 55,
		},
		{
			name: "underruns and errors drag the score",
			metrics: domain.SessionMetrics{
				Streams:        1,
				BufferHealth:   0.2,
				AverageLatency: 600 * time.Millisecond,
				Underruns:      5,
				ErrorCount:     3,
			},
			want: 1,
		},
		{
			name: "floor at zero",
			metrics: domain.SessionMetrics{
				Underruns:  10,
				ErrorCount: 4,
			},
			want: 0,
		},
		{
			name: "many streams stay capped",
			metrics: domain.SessionMetrics{
				Streams:        6,
				BufferHealth:   1.0,
				AverageLatency: 50 * time.Millisecond,
			},
			want: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SessionHealthScore(tt.metrics)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("SessionHealthScore() = %v, want %v", got, tt.want)
			}
		})
	}
}
