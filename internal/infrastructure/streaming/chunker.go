package streaming

import (
	"context"
	"strings"
	"sync"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/internal/infrastructure/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Chunker groups transport media samples into buffer chunks. Video flushes
// on frame boundaries using the RTP marker bit; audio aggregates frames over
// a fixed window so the buffer is not flooded with 20ms chunks.
//
// Keyframe chunks are critical so buffer eviction never drops them, and
// delta chunks depend on the keyframe that precedes them. Audio is critical
// for the same reason: playback survives video loss but not audio loss.
type Chunker struct {
	cfg     Config
	buffers ports.BufferService
	logger  *zap.SugaredLogger

	mu           sync.Mutex
	routes       map[routeKey]domain.StreamID
	acc          map[domain.StreamID]*accumulator
	lastKeyframe map[domain.StreamID]domain.ChunkID
}

// Config contains chunker tuning
type Config struct {
	AudioWindow   time.Duration // audio aggregated per chunk
	MaxChunkBytes int           // safety flush for oversized frames
}

func (c Config) withDefaults() Config {
	if c.AudioWindow <= 0 {
		c.AudioWindow = 200 * time.Millisecond
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = 1 << 20
	}
	return c
}

type routeKey struct {
	conn domain.ConnectionID
	kind string
}

type accumulator struct {
	kind     string
	codec    string
	startPTS time.Duration
	lastPTS  time.Duration
	lastSeq  uint16
	haveSeq  bool
	keyframe bool
	data     []byte
	packets  int
}

// NewChunker creates a chunker feeding the given buffer service.
func NewChunker(cfg Config, buffers ports.BufferService, logger *zap.SugaredLogger) *Chunker {
	return &Chunker{
		cfg:          cfg.withDefaults(),
		buffers:      buffers,
		logger:       logger,
		routes:       make(map[routeKey]domain.StreamID),
		acc:          make(map[domain.StreamID]*accumulator),
		lastKeyframe: make(map[domain.StreamID]domain.ChunkID),
	}
}

// BindStream routes samples of one kind on a connection to a stream.
func (c *Chunker) BindStream(connID domain.ConnectionID, kind string, streamID domain.StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[routeKey{conn: connID, kind: kind}] = streamID
}

// UnbindConnection drops all routes for a connection, flushing partial
// chunks first.
func (c *Chunker) UnbindConnection(ctx context.Context, connID domain.ConnectionID) {
	c.mu.Lock()
	var flushes []flushJob
	for key, streamID := range c.routes {
		if key.conn != connID {
			continue
		}
		if job, ok := c.takeChunkLocked(streamID); ok {
			flushes = append(flushes, job)
		}
		delete(c.routes, key)
		delete(c.acc, streamID)
		delete(c.lastKeyframe, streamID)
	}
	c.mu.Unlock()

	for _, job := range flushes {
		c.deliver(ctx, job)
	}
}

// Ingest consumes one media sample. Wire this to the transport's media sink.
func (c *Chunker) Ingest(ctx context.Context, sample transport.MediaSample) {
	c.mu.Lock()

	streamID, ok := c.routes[routeKey{conn: sample.ConnectionID, kind: sample.Kind}]
	if !ok {
		c.mu.Unlock()
		c.logger.Debugw("dropping sample for unbound track",
			"connection_id", sample.ConnectionID,
			"kind", sample.Kind)
		return
	}

	acc, ok := c.acc[streamID]
	if !ok {
		acc = &accumulator{kind: sample.Kind, codec: sample.Codec}
		c.acc[streamID] = acc
	}
	if acc.packets == 0 {
		acc.startPTS = sample.PTS
	}

	if acc.haveSeq && sample.Sequence != acc.lastSeq+1 {
		c.logger.Debugw("sequence gap in media stream",
			"stream_id", streamID,
			"expected", acc.lastSeq+1,
			"got", sample.Sequence)
	}
	acc.lastSeq = sample.Sequence
	acc.haveSeq = true
	acc.lastPTS = sample.PTS
	acc.data = append(acc.data, sample.Payload...)
	acc.packets++

	if sample.Kind == "video" && detectKeyframe(sample.Codec, sample.Payload) {
		acc.keyframe = true
	}

	var job flushJob
	var flush bool
	switch {
	case sample.Kind == "video" && sample.Marker:
		job, flush = c.takeChunkLocked(streamID)
	case sample.Kind == "audio" && sample.PTS-acc.startPTS >= c.cfg.AudioWindow:
		job, flush = c.takeChunkLocked(streamID)
	case len(acc.data) >= c.cfg.MaxChunkBytes:
		job, flush = c.takeChunkLocked(streamID)
	}
	c.mu.Unlock()

	if flush {
		c.deliver(ctx, job)
	}
}

type flushJob struct {
	streamID domain.StreamID
	chunk    *domain.Chunk
}

// takeChunkLocked drains the accumulator into a chunk. Caller holds c.mu.
func (c *Chunker) takeChunkLocked(streamID domain.StreamID) (flushJob, bool) {
	acc, ok := c.acc[streamID]
	if !ok || acc.packets == 0 {
		return flushJob{}, false
	}

	chunk := &domain.Chunk{
		ID:        domain.ChunkID(uuid.NewString()),
		StreamID:  streamID,
		Data:      acc.data,
		Size:      len(acc.data),
		Timestamp: time.Now(),
		PTS:       acc.startPTS,
	}

	switch {
	case acc.kind == "audio":
		chunk.Priority = domain.ChunkPriorityCritical
	case acc.keyframe:
		chunk.Priority = domain.ChunkPriorityCritical
		c.lastKeyframe[streamID] = chunk.ID
	default:
		chunk.Priority = domain.ChunkPriorityNormal
		if kf, ok := c.lastKeyframe[streamID]; ok {
			chunk.Dependencies = []domain.ChunkID{kf}
		}
	}

	// Reset for the next chunk, carrying codec and sequence state over.
	c.acc[streamID] = &accumulator{
		kind:    acc.kind,
		codec:   acc.codec,
		lastSeq: acc.lastSeq,
		haveSeq: acc.haveSeq,
	}

	return flushJob{streamID: streamID, chunk: chunk}, true
}

func (c *Chunker) deliver(ctx context.Context, job flushJob) {
	accepted, err := c.buffers.AddChunk(ctx, job.streamID, job.chunk)
	if err != nil {
		c.logger.Warnw("failed to buffer chunk",
			"stream_id", job.streamID,
			"chunk_id", job.chunk.ID,
			"error", err)
		return
	}
	if !accepted {
		c.logger.Debugw("buffer rejected chunk",
			"stream_id", job.streamID,
			"chunk_id", job.chunk.ID,
			"priority", job.chunk.Priority.String())
	}
}

// detectKeyframe inspects an RTP payload for a codec-level keyframe marker.
// The codec may be spelled "video/VP8", "VP8/90000" or "vp8".
func detectKeyframe(codec string, payload []byte) bool {
	name := codec
	if i := strings.IndexByte(name, '/'); i >= 0 {
		head, tail := name[:i], name[i+1:]
		switch strings.ToLower(head) {
		case "video", "audio":
			name = tail
		default:
			name = head
		}
	}
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(name) {
	case "vp8":
		return vp8Keyframe(payload)
	case "h264":
		return h264Keyframe(payload)
	}
	return false
}

// vp8Keyframe walks the VP8 payload descriptor to the payload header and
// reads its P bit. Only the first packet of a frame (S set, PID zero) can
// carry it.
func vp8Keyframe(p []byte) bool {
	if len(p) < 1 {
		return false
	}
	b0 := p[0]
	if b0&0x10 == 0 || b0&0x07 != 0 {
		return false
	}

	i := 1
	if b0&0x80 != 0 { // X: extension byte present
		if len(p) < 2 {
			return false
		}
		x := p[1]
		i++
		if x&0x80 != 0 { // I: PictureID, one or two bytes
			if len(p) <= i {
				return false
			}
			if p[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if x&0x40 != 0 { // L: TL0PICIDX
			i++
		}
		if x&0x30 != 0 { // T/K: TID/KEYIDX share one byte
			i++
		}
	}

	if len(p) <= i {
		return false
	}
	return p[i]&0x01 == 0 // P bit zero marks a keyframe
}

// h264Keyframe reads the NAL unit type, unwrapping STAP-A aggregates and
// FU-A fragments.
func h264Keyframe(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	switch p[0] & 0x1F {
	case 5, 7, 8: // IDR, SPS, PPS
		return true
	case 24: // STAP-A, first aggregated NAL decides
		if len(p) < 4 {
			return false
		}
		nal := p[3] & 0x1F
		return nal == 5 || nal == 7 || nal == 8
	case 28: // FU-A, only the start fragment carries the type
		if len(p) < 2 {
			return false
		}
		return p[1]&0x80 != 0 && p[1]&0x1F == 5
	}
	return false
}
