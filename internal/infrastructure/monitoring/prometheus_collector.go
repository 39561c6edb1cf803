package monitoring

import (
	"time"

	"syncmesh/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector turns the per-component observer callbacks into
// promauto metrics. One instance per process; register it with every
// service that accepts observers.
type PrometheusCollector struct {
	sessionsActive     prometheus.Gauge
	sessionTransitions *prometheus.CounterVec

	bufferUnderruns *prometheus.CounterVec
	bufferOverflows *prometheus.CounterVec
	syncDeviation   prometheus.Histogram

	qualitySwitches *prometheus.CounterVec
	streamBitrate   *prometheus.GaugeVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    prometheus.Counter
	cacheEvictions *prometheus.CounterVec

	agentsOnline      prometheus.Gauge
	consensusOutcomes *prometheus.CounterVec
	failoversTotal    prometheus.Counter

	a2aMessages   *prometheus.CounterVec
	transportRTT  prometheus.Histogram
	transportLoss prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "syncmesh_sessions_active",
			Help: "Number of sessions currently active or degraded",
		}),

		sessionTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmesh_session_transitions_total",
			Help: "Session status transitions",
		}, []string{"from", "to"}),

		bufferUnderruns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmesh_buffer_underruns_total",
			Help: "Buffer underruns per stream",
		}, []string{"stream_id"}),

		bufferOverflows: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmesh_buffer_overflow_drops_total",
			Help: "Chunks dropped on buffer overflow per stream",
		}, []string{"stream_id"}),

		syncDeviation: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncmesh_sync_deviation_seconds",
			Help:    "Cross-stream synchronization deviation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),

		qualitySwitches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmesh_quality_switches_total",
			Help: "Quality adaptation decisions by action",
		}, []string{"action"}),

		streamBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syncmesh_stream_bitrate_bps",
			Help: "Current target bitrate per stream in bits per second",
		}, []string{"stream_id"}),

		cacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmesh_cache_hits_total",
			Help: "Cache hits per edge node",
		}, []string{"node_id"}),

		cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "syncmesh_cache_misses_total",
			Help: "Cache misses",
		}),

		cacheEvictions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmesh_cache_evictions_total",
			Help: "Cache entries evicted per edge node",
		}, []string{"node_id"}),

		agentsOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "syncmesh_agents_online",
			Help: "Registered agents currently online",
		}),

		consensusOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmesh_consensus_outcomes_total",
			Help: "Resolved consensus proposals by final status",
		}, []string{"status"}),

		failoversTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "syncmesh_failovers_total",
			Help: "Agent failovers executed",
		}),

		a2aMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmesh_a2a_messages_total",
			Help: "A2A envelopes observed on the bus by type",
		}, []string{"type"}),

		transportRTT: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncmesh_transport_rtt_seconds",
			Help:    "Round-trip time of peer connections",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		transportLoss: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncmesh_transport_packet_loss_ratio",
			Help:    "Packet loss ratio of peer connections",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5},
		}),
	}
}

func (p *PrometheusCollector) OnSessionStatusChanged(sessionID domain.SessionID, from, to domain.SessionStatus) {
	p.sessionTransitions.WithLabelValues(string(from), string(to)).Inc()

	// The active gauge counts sessions past activation and not yet ended.
	if from == domain.SessionInitializing && to != domain.SessionEnded {
		p.sessionsActive.Inc()
	}
	if to == domain.SessionEnded && from != domain.SessionInitializing {
		p.sessionsActive.Dec()
	}
}

func (p *PrometheusCollector) OnUnderrun(streamID domain.StreamID, level int) {
	p.bufferUnderruns.WithLabelValues(string(streamID)).Inc()
}

func (p *PrometheusCollector) OnOverflow(streamID domain.StreamID, dropped domain.ChunkID) {
	p.bufferOverflows.WithLabelValues(string(streamID)).Inc()
}

func (p *PrometheusCollector) OnSyncDeviation(streamID domain.StreamID, deviation time.Duration) {
	if deviation < 0 {
		deviation = -deviation
	}
	p.syncDeviation.Observe(deviation.Seconds())
}

func (p *PrometheusCollector) OnQualityChanged(decision domain.QualityDecision) {
	p.qualitySwitches.WithLabelValues(string(decision.Action)).Inc()
	p.streamBitrate.WithLabelValues(string(decision.StreamID)).Set(float64(decision.To.Bandwidth))
}

func (p *PrometheusCollector) OnCacheHit(key string, nodeID string) {
	p.cacheHits.WithLabelValues(nodeID).Inc()
}

func (p *PrometheusCollector) OnCacheMiss(key string) {
	p.cacheMisses.Inc()
}

func (p *PrometheusCollector) OnCacheEvicted(key string, nodeID string) {
	p.cacheEvictions.WithLabelValues(nodeID).Inc()
}

func (p *PrometheusCollector) OnAgentJoined(agent *domain.Agent) {
	p.agentsOnline.Inc()
}

func (p *PrometheusCollector) OnAgentOffline(agentID domain.AgentID) {
	p.agentsOnline.Dec()
}

func (p *PrometheusCollector) OnProposalResolved(proposal *domain.ConsensusProposal) {
	p.consensusOutcomes.WithLabelValues(string(proposal.Status)).Inc()
}

func (p *PrometheusCollector) OnFailover(sessionID domain.SessionID, failed, replacement domain.AgentID) {
	p.failoversTotal.Inc()
}

// RecordEnvelope counts bus traffic; subscribe it to the message bus.
func (p *PrometheusCollector) RecordEnvelope(msgType string) {
	p.a2aMessages.WithLabelValues(msgType).Inc()
}

// ObserveConnectionStats feeds transport sample points into the RTT and
// loss histograms.
func (p *PrometheusCollector) ObserveConnectionStats(stats *domain.ConnectionStats) {
	if stats == nil {
		return
	}
	if stats.RTT > 0 {
		p.transportRTT.Observe(stats.RTT.Seconds())
	}
	p.transportLoss.Observe(stats.PacketLoss)
}

// ForgetStream drops per-stream label series once a stream is gone.
func (p *PrometheusCollector) ForgetStream(streamID domain.StreamID) {
	p.streamBitrate.DeleteLabelValues(string(streamID))
	p.bufferUnderruns.DeleteLabelValues(string(streamID))
	p.bufferOverflows.DeleteLabelValues(string(streamID))
}
