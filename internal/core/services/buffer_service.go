package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
)

// BufferConfig carries the tunables for pool sizing and timeline alignment.
type BufferConfig struct {
	Tolerance     time.Duration // max PTS deviation treated as in sync
	TargetLatency time.Duration // initial latency target for new pools
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.Tolerance <= 0 {
		c.Tolerance = 50 * time.Millisecond
	}
	if c.TargetLatency <= 0 {
		c.TargetLatency = 200 * time.Millisecond
	}
	return c
}

// Base pool capacity per stream modality, before strategy scaling.
const (
	videoBaseCapacity = 4 << 20
	audioBaseCapacity = 512 << 10
	dataBaseCapacity  = 256 << 10
)

type trackedPool struct {
	pool *domain.BufferPool

	// scaledCapacity is the capacity after strategy and latency scaling,
	// used as the reference for loss-driven growth.
	scaledCapacity int
	clockOffset    time.Duration // cumulative shift applied by synchronization
	net            domain.NetworkConditions

	ingestedBytes   int64
	deliveredChunks int64
	droppedChunks   int64
}

type bufferService struct {
	mu    sync.RWMutex
	pools map[domain.StreamID]*trackedPool

	cfg       BufferConfig
	logger    *zap.SugaredLogger
	observers []ports.BufferObserver
}

func NewBufferService(cfg BufferConfig, logger *zap.SugaredLogger, observers ...ports.BufferObserver) ports.BufferService {
	return &bufferService{
		pools:     make(map[domain.StreamID]*trackedPool),
		cfg:       cfg.withDefaults(),
		logger:    logger,
		observers: observers,
	}
}

func (s *bufferService) CreateBufferPool(ctx context.Context, streamID domain.StreamID, sessionType domain.SessionType, strategy domain.BufferStrategy) (*domain.BufferPool, error) {
	capacity := poolCapacity(sessionType, strategy, s.cfg.TargetLatency)

	pool := &domain.BufferPool{
		StreamID:      streamID,
		Type:          sessionType,
		Strategy:      strategy,
		Capacity:      capacity,
		Watermarks:    domain.DeriveWatermarks(capacity),
		TargetLatency: s.cfg.TargetLatency,
		CreatedAt:     time.Now(),
	}

	s.mu.Lock()
	s.pools[streamID] = &trackedPool{pool: pool, scaledCapacity: capacity}
	s.mu.Unlock()

	s.logger.Infow("buffer pool created",
		"stream_id", streamID,
		"type", sessionType,
		"strategy", strategy,
		"capacity", capacity,
	)
	return pool, nil
}

// poolCapacity computes pool size from modality and strategy. Adaptive pools
// get 1.5x headroom, predictive 2x. Tight latency targets halve the pool,
// relaxed ones double it.
func poolCapacity(sessionType domain.SessionType, strategy domain.BufferStrategy, targetLatency time.Duration) int {
	capacity := videoBaseCapacity
	switch sessionType {
	case domain.SessionAudio:
		capacity = audioBaseCapacity
	case domain.SessionData:
		capacity = dataBaseCapacity
	}

	switch strategy {
	case domain.BufferAdaptive:
		capacity = capacity * 3 / 2
	case domain.BufferPredictive:
		capacity = capacity * 2
	}

	if targetLatency < 100*time.Millisecond {
		capacity /= 2
	} else if targetLatency > 500*time.Millisecond {
		capacity *= 2
	}
	return capacity
}

func (s *bufferService) AddChunk(ctx context.Context, streamID domain.StreamID, chunk *domain.Chunk) (bool, error) {
	s.mu.Lock()
	tp, ok := s.pools[streamID]
	if !ok {
		s.mu.Unlock()
		return false, domain.ErrPoolNotFound
	}

	accepted := tp.pool.Insert(chunk)
	if accepted {
		tp.ingestedBytes += int64(chunk.Size)
	} else {
		tp.droppedChunks++
	}
	s.mu.Unlock()

	if !accepted {
		s.logger.Debugw("chunk dropped, pool full",
			"stream_id", streamID,
			"chunk_id", chunk.ID,
			"size", chunk.Size,
			"priority", chunk.Priority.String(),
		)
		for _, o := range s.observers {
			o.OnOverflow(streamID, chunk.ID)
		}
	}
	return accepted, nil
}

// GetNextChunk returns the chunk whose presentation time lies within the sync
// tolerance of the playhead, or nil when none qualifies. A miss counts as an
// underrun and signals observers once the pool drains below its low watermark.
func (s *bufferService) GetNextChunk(ctx context.Context, streamID domain.StreamID, playhead time.Duration) (*domain.Chunk, error) {
	s.mu.Lock()
	tp, ok := s.pools[streamID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrPoolNotFound
	}

	chunk := tp.pool.Next(playhead, s.cfg.Tolerance)
	if chunk == nil {
		tp.pool.Metrics.Underruns++
		level := tp.pool.Level()
		belowLow := level < tp.pool.Watermarks.Low
		s.mu.Unlock()

		if belowLow {
			for _, o := range s.observers {
				o.OnUnderrun(streamID, level)
			}
		}
		return nil, nil
	}
	tp.deliveredChunks++
	s.mu.Unlock()
	return chunk, nil
}

// SynchronizeStreams aligns the head chunk of every pool to the reference
// time by shifting buffered presentation timestamps. Pools already within
// tolerance are left untouched. Returns false when a stream has no buffered
// data to align or the residual deviation exceeds tolerance.
func (s *bufferService) SynchronizeStreams(ctx context.Context, streamIDs []domain.StreamID, reference time.Duration) (bool, error) {
	type deviation struct {
		streamID domain.StreamID
		offset   time.Duration
	}
	var flagged []deviation

	s.mu.Lock()
	aligned := true
	for _, id := range streamIDs {
		tp, ok := s.pools[id]
		if !ok {
			s.mu.Unlock()
			return false, domain.ErrPoolNotFound
		}

		head, ok := tp.pool.HeadPTS()
		if !ok {
			// Nothing buffered, nothing to align against.
			aligned = false
			continue
		}

		offset := reference - head
		drift := offset
		if drift < 0 {
			drift = -drift
		}
		if drift <= s.cfg.Tolerance {
			continue
		}

		tp.pool.ShiftPTS(offset)
		tp.clockOffset += offset
		tp.pool.Metrics.Jitter = drift
		flagged = append(flagged, deviation{streamID: id, offset: offset})
	}
	s.mu.Unlock()

	for _, d := range flagged {
		s.logger.Debugw("stream resynchronized",
			"stream_id", d.streamID,
			"offset", d.offset,
		)
		for _, o := range s.observers {
			o.OnSyncDeviation(d.streamID, d.offset)
		}
	}
	return aligned, nil
}

// UpdateConditions re-evaluates pool sizing against fresh network telemetry.
// Fixed-strategy pools never resize. Loss above 5% grows the pool up to 3x;
// RTT above 200ms stretches the latency target by 1.2x. Changes under 10%
// of the current value are ignored to avoid thrashing.
func (s *bufferService) UpdateConditions(ctx context.Context, streamID domain.StreamID, net domain.NetworkConditions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tp, ok := s.pools[streamID]
	if !ok {
		return domain.ErrPoolNotFound
	}
	tp.net = net

	if tp.pool.Strategy == domain.BufferFixed {
		return nil
	}

	if net.PacketLoss > 0.05 {
		factor := 1 + net.PacketLoss*10
		if factor > 3 {
			factor = 3
		}
		proposed := int(float64(tp.scaledCapacity) * factor)
		if exceedsHysteresis(proposed, tp.pool.Capacity) {
			tp.pool.Capacity = proposed
			tp.pool.Watermarks = domain.DeriveWatermarks(proposed)
			s.logger.Infow("buffer grown for packet loss",
				"stream_id", streamID,
				"packet_loss", net.PacketLoss,
				"capacity", proposed,
			)
		}
	}

	if net.RTT > 200*time.Millisecond {
		proposed := time.Duration(float64(tp.pool.TargetLatency) * 1.2)
		if exceedsHysteresis(int(proposed), int(tp.pool.TargetLatency)) {
			tp.pool.TargetLatency = proposed
			s.logger.Infow("latency target stretched for rtt",
				"stream_id", streamID,
				"rtt", net.RTT,
				"target_latency", proposed,
			)
		}
	}
	return nil
}

// exceedsHysteresis reports whether the proposed value differs from the
// current one by more than 10%.
func exceedsHysteresis(proposed, current int) bool {
	if current == 0 {
		return proposed != 0
	}
	delta := proposed - current
	if delta < 0 {
		delta = -delta
	}
	return delta*10 > current
}

func (s *bufferService) PoolMetrics(ctx context.Context, streamID domain.StreamID) (domain.BufferMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tp, ok := s.pools[streamID]
	if !ok {
		return domain.BufferMetrics{}, domain.ErrPoolNotFound
	}

	m := tp.pool.Metrics
	m.Level = tp.pool.Level()
	m.Capacity = tp.pool.Capacity
	m.Latency = bufferedSpan(tp.pool)

	elapsed := time.Since(tp.pool.CreatedAt).Seconds()
	if elapsed > 0 {
		m.Throughput = float64(tp.ingestedBytes) / elapsed
	}

	total := tp.deliveredChunks + tp.droppedChunks
	if total > 0 {
		m.Efficiency = float64(tp.deliveredChunks) / float64(total)
	} else {
		m.Efficiency = 1
	}
	return m, nil
}

// bufferedSpan is the timeline distance between the earliest and latest
// buffered chunks, a proxy for how much playback the pool can absorb.
func bufferedSpan(pool *domain.BufferPool) time.Duration {
	if len(pool.Chunks) < 2 {
		return 0
	}
	return pool.Chunks[len(pool.Chunks)-1].PTS - pool.Chunks[0].PTS
}

func (s *bufferService) ReleasePool(ctx context.Context, streamID domain.StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tp, ok := s.pools[streamID]
	if !ok {
		return domain.ErrPoolNotFound
	}
	tp.pool.Flush()
	delete(s.pools, streamID)

	s.logger.Infow("buffer pool released", "stream_id", streamID)
	return nil
}
