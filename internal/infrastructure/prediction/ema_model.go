package prediction

import (
	"math"
	"sort"
	"sync"
	"time"

	"syncmesh/internal/core/domain"
)

const (
	// maxSamples bounds the per-stream bandwidth history.
	maxSamples = 100
	// maxTrackedStreams bounds the number of streams the model remembers.
	maxTrackedStreams = 256
	// minSamplesForConfidence is how many observations a stream needs before
	// the model claims full confidence in its projection.
	minSamplesForConfidence = 8
	// reversalWindow is how soon a downgrade after an upgrade counts as an
	// oscillation the model should have predicted.
	reversalWindow = 30 * time.Second
)

type bandwidthSample struct {
	bandwidth int
	observed  time.Time
}

type streamModel struct {
	samples     []bandwidthSample
	smoothed    float64
	lastAction  domain.AdaptationAction
	lastSwitch  time.Time
	reversals   int
	outcomes    int
	lastUpdated time.Time
}

// EMAModel projects per-stream bandwidth with an exponential moving average
// plus a short-window trend, and proposes the highest ladder level the
// projection sustains. Confidence starts low and grows with observations, so
// the adaptation engine falls back to its rule set until the model has seen
// enough of the stream.
type EMAModel struct {
	mu      sync.Mutex
	streams map[domain.StreamID]*streamModel

	smoothingFactor  float64
	safetyMargin     float64
	hysteresisFactor float64
}

func NewEMAModel() *EMAModel {
	return &EMAModel{
		streams:          make(map[domain.StreamID]*streamModel),
		smoothingFactor:  0.3,
		safetyMargin:     0.8,
		hysteresisFactor: 0.15,
	}
}

// Predict returns the proposed level and the model's confidence in it.
func (m *EMAModel) Predict(acx *domain.AdaptationContext, ladder []domain.QualityLevel) (domain.QualityLevel, float64) {
	if len(ladder) == 0 {
		return domain.QualityLevel{}, 0
	}
	fallback := ladder[len(ladder)/2]
	if acx == nil || acx.Network.Bandwidth <= 0 {
		return fallback, 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.streamFor(acx.StreamID)
	sm.observe(acx.Network.Bandwidth, m.smoothingFactor)

	projected := sm.smoothed * (1 + sm.trend())
	margin := m.safetyMargin
	if sm.oscillating() {
		margin *= 1 - m.hysteresisFactor
	}

	chosen := ladder[0]
	for _, level := range ladder {
		if float64(level.Bandwidth) <= margin*projected {
			chosen = level
		}
	}
	return chosen, m.confidence(sm, acx)
}

// RecordOutcome feeds an applied decision back into the model. A downgrade
// arriving shortly after an upgrade on the same stream counts as an
// oscillation and widens the hysteresis margin on future predictions.
func (m *EMAModel) RecordOutcome(decision domain.QualityDecision, acx *domain.AdaptationContext) {
	if decision.Action == domain.ActionMaintain {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.streamFor(decision.StreamID)
	sm.outcomes++

	downgrade := decision.Action == domain.ActionDowngrade || decision.Action == domain.ActionEmergency
	if downgrade && sm.lastAction == domain.ActionUpgrade && decision.DecidedAt.Sub(sm.lastSwitch) < reversalWindow {
		sm.reversals++
	}
	sm.lastAction = decision.Action
	sm.lastSwitch = decision.DecidedAt
	sm.lastUpdated = time.Now()
}

func (m *EMAModel) streamFor(id domain.StreamID) *streamModel {
	sm, ok := m.streams[id]
	if !ok {
		m.evictStale()
		sm = &streamModel{}
		m.streams[id] = sm
	}
	sm.lastUpdated = time.Now()
	return sm
}

// evictStale drops the least recently updated streams once the tracked set
// outgrows its bound. Streams end without telling the model, so this is the
// only cleanup path.
func (m *EMAModel) evictStale() {
	if len(m.streams) < maxTrackedStreams {
		return
	}

	type aged struct {
		id      domain.StreamID
		updated time.Time
	}
	entries := make([]aged, 0, len(m.streams))
	for id, sm := range m.streams {
		entries = append(entries, aged{id, sm.lastUpdated})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updated.Before(entries[j].updated)
	})
	for _, e := range entries[:len(entries)/4] {
		delete(m.streams, e.id)
	}
}

// confidence grows with sample count and shrinks with bandwidth variance and
// packet loss. Lossy links make bandwidth projections unreliable, so the rule
// set should decide there.
func (m *EMAModel) confidence(sm *streamModel, acx *domain.AdaptationContext) float64 {
	coverage := float64(len(sm.samples)) / minSamplesForConfidence
	if coverage > 1 {
		coverage = 1
	}

	confidence := coverage * (1 - sm.variation())
	confidence -= acx.Network.PacketLoss * 2
	if sm.oscillating() {
		confidence -= 0.1
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func (sm *streamModel) observe(bandwidth int, alpha float64) {
	sm.samples = append(sm.samples, bandwidthSample{bandwidth: bandwidth, observed: time.Now()})
	if len(sm.samples) > maxSamples {
		sm.samples = sm.samples[len(sm.samples)-maxSamples:]
	}

	if sm.smoothed == 0 {
		sm.smoothed = float64(bandwidth)
		return
	}
	sm.smoothed = alpha*float64(bandwidth) + (1-alpha)*sm.smoothed
}

// trend compares the newest quarter of samples against the oldest quarter and
// returns the relative slope, clamped to ±0.5.
func (sm *streamModel) trend() float64 {
	if len(sm.samples) < 4 {
		return 0
	}

	quarter := len(sm.samples) / 4
	oldest := averageBandwidth(sm.samples[:quarter])
	newest := averageBandwidth(sm.samples[len(sm.samples)-quarter:])
	if oldest == 0 {
		return 0
	}

	slope := (newest - oldest) / oldest
	if slope > 0.5 {
		slope = 0.5
	}
	if slope < -0.5 {
		slope = -0.5
	}
	return slope
}

// variation is the coefficient of variation of the sample window, clamped to
// [0, 1]. A link that swings wildly earns low confidence.
func (sm *streamModel) variation() float64 {
	if len(sm.samples) < 2 {
		return 0.5
	}

	mean := averageBandwidth(sm.samples)
	if mean == 0 {
		return 1
	}
	var sum float64
	for _, s := range sm.samples {
		d := float64(s.bandwidth) - mean
		sum += d * d
	}
	cv := math.Sqrt(sum/float64(len(sm.samples))) / mean
	if cv > 1 {
		cv = 1
	}
	return cv
}

func (sm *streamModel) oscillating() bool {
	return sm.outcomes > 0 && float64(sm.reversals)/float64(sm.outcomes) > 0.25
}

func averageBandwidth(samples []bandwidthSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int
	for _, s := range samples {
		sum += s.bandwidth
	}
	return float64(sum) / float64(len(samples))
}
