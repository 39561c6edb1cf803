package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/pkg/batch"
)

// BatchedMetricsService wraps MetricsService with write batching. Snapshot
// recording is hot on the quality evaluation path, so writes coalesce and
// land on the base service in batches.
type BatchedMetricsService struct {
	base    ports.MetricsService
	batcher *batch.Batcher[domain.SessionMetrics]
	logger  *zap.SugaredLogger
}

func NewBatchedMetricsService(base ports.MetricsService, batchSize int, batchInterval time.Duration, logger *zap.SugaredLogger) *BatchedMetricsService {
	s := &BatchedMetricsService{
		base:   base,
		logger: logger,
	}
	s.batcher = batch.New(batchSize, batchInterval, s.flushBatch)
	return s
}

func (s *BatchedMetricsService) flushBatch(ctx context.Context, items []domain.SessionMetrics) error {
	for _, m := range items {
		if err := s.base.RecordSessionMetrics(ctx, m); err != nil {
			s.logger.Warnw("metrics snapshot dropped", "session_id", m.SessionID, "error", err)
		}
	}
	return nil
}

func (s *BatchedMetricsService) RecordSessionMetrics(ctx context.Context, metrics domain.SessionMetrics) error {
	if metrics.Timestamp.IsZero() {
		metrics.Timestamp = time.Now()
	}
	s.batcher.Add(metrics)
	return nil
}

// GetSessionMetrics drains pending writes first so callers see their own
// recordings.
func (s *BatchedMetricsService) GetSessionMetrics(ctx context.Context, sessionID domain.SessionID) (*domain.SessionMetrics, error) {
	if err := s.batcher.Flush(ctx); err != nil {
		return nil, err
	}
	return s.base.GetSessionMetrics(ctx, sessionID)
}

func (s *BatchedMetricsService) AggregateMetrics(ctx context.Context) ([]*domain.SessionMetrics, error) {
	if err := s.batcher.Flush(ctx); err != nil {
		return nil, err
	}
	return s.base.AggregateMetrics(ctx)
}

// Flush forces pending snapshots onto the base service.
func (s *BatchedMetricsService) Flush(ctx context.Context) error {
	return s.batcher.Flush(ctx)
}

// Stop flushes and stops the batcher.
func (s *BatchedMetricsService) Stop() {
	s.batcher.Stop()
}
