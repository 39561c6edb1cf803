package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
)

// maxMetricsHistory bounds the per-session snapshot ring.
const maxMetricsHistory = 100

type metricsService struct {
	mu      sync.RWMutex
	history map[domain.SessionID][]domain.SessionMetrics
}

func NewMetricsService() ports.MetricsService {
	return &metricsService{
		history: make(map[domain.SessionID][]domain.SessionMetrics),
	}
}

func (m *metricsService) RecordSessionMetrics(ctx context.Context, metrics domain.SessionMetrics) error {
	if metrics.Timestamp.IsZero() {
		metrics.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.history[metrics.SessionID], metrics)
	if len(history) > maxMetricsHistory {
		history = history[len(history)-maxMetricsHistory:]
	}
	m.history[metrics.SessionID] = history
	return nil
}

func (m *metricsService) GetSessionMetrics(ctx context.Context, sessionID domain.SessionID) (*domain.SessionMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.history[sessionID]
	if !ok || len(history) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	latest := history[len(history)-1]
	return &latest, nil
}

// AggregateMetrics rolls up the recorded history per session. Gauges are
// averaged, counters keep their latest cumulative value.
func (m *metricsService) AggregateMetrics(ctx context.Context) ([]*domain.SessionMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]domain.SessionID, 0, len(m.history))
	for id := range m.history {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := time.Now()
	out := make([]*domain.SessionMetrics, 0, len(ids))
	for _, id := range ids {
		history := m.history[id]
		if len(history) == 0 {
			continue
		}

		latest := history[len(history)-1]
		agg := &domain.SessionMetrics{
			SessionID:       id,
			Streams:         latest.Streams,
			Duration:        latest.Duration,
			QualitySwitches: latest.QualitySwitches,
			Underruns:       latest.Underruns,
			ErrorCount:      latest.ErrorCount,
			Timestamp:       now,
		}

		var latencySum time.Duration
		var bandwidthSum int
		var healthSum float64
		for _, snap := range history {
			latencySum += snap.AverageLatency
			bandwidthSum += snap.TotalBandwidth
			healthSum += snap.BufferHealth
		}
		n := len(history)
		agg.AverageLatency = latencySum / time.Duration(n)
		agg.TotalBandwidth = bandwidthSum / n
		agg.BufferHealth = healthSum / float64(n)

		out = append(out, agg)
	}
	return out, nil
}

// SessionHealthScore condenses a metrics snapshot into a 0-100 score.
func SessionHealthScore(m domain.SessionMetrics) float64 {
	streamScore := float64(m.Streams) * 20.0
	bufferScore := m.BufferHealth * 30.0

	latencyScore := 0.0
	if m.AverageLatency < 100*time.Millisecond {
		latencyScore = 30.0
	} else if m.AverageLatency < 300*time.Millisecond {
		latencyScore = 20.0
	} else if m.AverageLatency < 500*time.Millisecond {
		latencyScore = 10.0
	}

	totalScore := streamScore + bufferScore + latencyScore
	totalScore -= float64(m.Underruns) * 2.0
	totalScore -= float64(m.ErrorCount) * 5.0

	if totalScore > 100.0 {
		return 100.0
	}
	if totalScore < 0.0 {
		return 0.0
	}
	return totalScore
}
