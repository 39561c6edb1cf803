package domain

import (
	"sort"
	"time"
)

type ChunkID string

type ChunkPriority int

const (
	ChunkPriorityLow ChunkPriority = iota
	ChunkPriorityNormal
	ChunkPriorityCritical
)

func (p ChunkPriority) String() string {
	switch p {
	case ChunkPriorityCritical:
		return "critical"
	case ChunkPriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

type Chunk struct {
	ID           ChunkID
	StreamID     StreamID
	Data         []byte
	Size         int
	Timestamp    time.Time     // arrival time
	PTS          time.Duration // presentation time on the stream timeline
	Dependencies []ChunkID
	Priority     ChunkPriority
}

type BufferStrategy string

const (
	BufferFixed      BufferStrategy = "fixed"
	BufferAdaptive   BufferStrategy = "adaptive"
	BufferPredictive BufferStrategy = "predictive"
)

type Watermarks struct {
	Low      int // bytes
	High     int
	Critical int
}

type BufferMetrics struct {
	Level      int // bytes currently buffered
	Capacity   int // bytes, lets consumers derive fill ratio
	Underruns  int
	Overruns   int
	Latency    time.Duration
	Jitter     time.Duration
	Throughput float64 // bytes per second
	Efficiency float64 // 0-1, delivered vs dropped
}

type BufferPool struct {
	StreamID      StreamID
	Type          SessionType
	Strategy      BufferStrategy
	Capacity      int // bytes
	Watermarks    Watermarks
	TargetLatency time.Duration
	Chunks        []*Chunk // ascending PTS
	Metrics       BufferMetrics
	CreatedAt     time.Time
}

// DeriveWatermarks computes the low/high/critical thresholds for a capacity.
func DeriveWatermarks(capacity int) Watermarks {
	return Watermarks{
		Low:      capacity * 20 / 100,
		High:     capacity * 80 / 100,
		Critical: capacity * 95 / 100,
	}
}

// Level returns the summed size of all buffered chunks.
func (p *BufferPool) Level() int {
	total := 0
	for _, c := range p.Chunks {
		total += c.Size
	}
	return total
}

// Insert places the chunk at its presentation-time position, evicting
// lower-priority chunks if the pool would overflow. Critical chunks are
// never evicted. Returns false when not enough space could be freed.
func (p *BufferPool) Insert(chunk *Chunk) bool {
	needed := p.Level() + chunk.Size - p.Capacity
	if needed > 0 {
		freed := p.evict(needed)
		if freed < needed {
			p.Metrics.Overruns++
			return false
		}
	}

	idx := sort.Search(len(p.Chunks), func(i int) bool {
		return p.Chunks[i].PTS > chunk.PTS
	})
	p.Chunks = append(p.Chunks, nil)
	copy(p.Chunks[idx+1:], p.Chunks[idx:])
	p.Chunks[idx] = chunk
	p.Metrics.Level = p.Level()
	return true
}

// evict frees at least needed bytes by removing the lowest-priority,
// oldest chunks first. Critical chunks are exempt.
func (p *BufferPool) evict(needed int) int {
	freed := 0
	for _, prio := range []ChunkPriority{ChunkPriorityLow, ChunkPriorityNormal} {
		for freed < needed {
			idx := p.oldestWithPriority(prio)
			if idx < 0 {
				break
			}
			freed += p.Chunks[idx].Size
			p.Chunks = append(p.Chunks[:idx], p.Chunks[idx+1:]...)
		}
		if freed >= needed {
			break
		}
	}
	if freed > 0 {
		p.Metrics.Level = p.Level()
	}
	return freed
}

func (p *BufferPool) oldestWithPriority(prio ChunkPriority) int {
	idx := -1
	var oldest time.Time
	for i, c := range p.Chunks {
		if c.Priority != prio {
			continue
		}
		if idx < 0 || c.Timestamp.Before(oldest) {
			idx = i
			oldest = c.Timestamp
		}
	}
	return idx
}

// Next removes and returns the earliest chunk whose presentation time lies
// within tolerance of the playhead. Returns nil when no chunk qualifies.
func (p *BufferPool) Next(playhead, tolerance time.Duration) *Chunk {
	for i, c := range p.Chunks {
		delta := c.PTS - playhead
		if delta < 0 {
			delta = -delta
		}
		if delta <= tolerance {
			p.Chunks = append(p.Chunks[:i], p.Chunks[i+1:]...)
			p.Metrics.Level = p.Level()
			return c
		}
		if c.PTS > playhead+tolerance {
			break
		}
	}
	return nil
}

// ShiftPTS applies a timeline offset to every buffered chunk.
func (p *BufferPool) ShiftPTS(offset time.Duration) {
	for _, c := range p.Chunks {
		c.PTS += offset
	}
}

// HeadPTS returns the presentation time of the earliest buffered chunk.
func (p *BufferPool) HeadPTS() (time.Duration, bool) {
	if len(p.Chunks) == 0 {
		return 0, false
	}
	return p.Chunks[0].PTS, true
}

// Flush drops all buffered chunks.
func (p *BufferPool) Flush() {
	p.Chunks = p.Chunks[:0]
	p.Metrics.Level = 0
}
