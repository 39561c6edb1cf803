package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/pkg/optimize"
	"syncmesh/pkg/utils"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// mtuSize bounds a single RTP read; payloads never exceed it.
const mtuSize = 1500

// Config controls the native WebRTC adapter.
type Config struct {
	ICEServers []string
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// Codec preference orders, most preferred first. Empty lists fall back
	// to the package defaults.
	VideoCodecs []string
	AudioCodecs []string
}

func (c Config) withDefaults() Config {
	if len(c.VideoCodecs) == 0 {
		c.VideoCodecs = defaultVideoCodecs
	}
	if len(c.AudioCodecs) == 0 {
		c.AudioCodecs = defaultAudioCodecs
	}
	return c
}

// MediaSample is one depacketized unit of inbound media. PTS is recovered
// from the RTP timestamp against the first packet seen on the track.
//
// Payload is only valid for the duration of the sink call; the transport
// reuses the backing buffer afterwards. Consumers keep their own copy.
type MediaSample struct {
	ConnectionID domain.ConnectionID
	Kind         string // "audio" or "video"
	Codec        string
	PTS          time.Duration
	Sequence     uint16
	Marker       bool
	Payload      []byte
}

// WebRTCTransport runs one pion peer connection per participant and drives
// the connection state machine from ICE events.
type WebRTCTransport struct {
	cfg      Config
	api      *webrtc.API
	logger   *zap.SugaredLogger
	payloads *optimize.BytePool

	mu    sync.RWMutex
	conns map[domain.ConnectionID]*peerConnection
	sink  func(MediaSample)
}

type peerConnection struct {
	id        domain.ConnectionID
	peerID    string
	pc        *webrtc.PeerConnection
	opts      domain.ConnectionOptions
	createdAt time.Time

	mu      sync.Mutex
	state   domain.ConnectionState
	stats   domain.ConnectionStats
	pending []webrtc.ICECandidateInit
}

// transition applies the connection state machine; invalid moves are ignored.
func (c *peerConnection) transition(to domain.ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.ValidTransition(to) {
		return false
	}
	c.state = to
	return true
}

func NewWebRTCTransport(cfg Config, logger *zap.SugaredLogger) (*WebRTCTransport, error) {
	cfg = cfg.withDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}

	return &WebRTCTransport{
		cfg: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		logger:   logger,
		payloads: optimize.NewBytePool(mtuSize),
		conns:    make(map[domain.ConnectionID]*peerConnection),
	}, nil
}

// SetMediaSink registers the consumer for depacketized inbound media.
// Later calls replace the sink.
func (t *WebRTCTransport) SetMediaSink(sink func(MediaSample)) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *WebRTCTransport) CreateConnection(ctx context.Context, peerID string, opts domain.ConnectionOptions) (*domain.Connection, error) {
	urls := opts.ICEServers
	if len(urls) == 0 {
		urls = t.cfg.ICEServers
	}
	config := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}
	if len(urls) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}

	pc, err := t.api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	// The coordinator terminates inbound media; solicit both kinds so the
	// offer carries media sections even before tracks exist.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	conn := &peerConnection{
		id:        domain.ConnectionID(utils.GenerateConnectionID()),
		peerID:    peerID,
		pc:        pc,
		opts:      opts,
		createdAt: time.Now(),
		state:     domain.ConnectionNew,
	}

	pc.OnICEConnectionStateChange(t.handleICEState(conn))
	pc.OnConnectionStateChange(t.handlePeerState(conn))
	pc.OnTrack(t.handleTrack(conn))

	t.mu.Lock()
	t.conns[conn.id] = conn
	t.mu.Unlock()

	t.logger.Infow("peer connection created",
		"connection_id", conn.id,
		"peer_id", peerID,
		"ice_servers", len(urls),
	)
	return &domain.Connection{
		ID:        conn.id,
		PeerID:    peerID,
		State:     domain.ConnectionNew,
		CreatedAt: conn.createdAt,
	}, nil
}

func (t *WebRTCTransport) CreateOffer(ctx context.Context, connID domain.ConnectionID) (domain.SessionDescription, error) {
	conn, err := t.connection(connID)
	if err != nil {
		return domain.SessionDescription{}, err
	}

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, domain.NewEncodingError("offer_create",
			fmt.Sprintf("failed to create offer for connection %s", connID), err)
	}
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, domain.NewEncodingError("offer_apply",
			fmt.Sprintf("failed to apply local offer on connection %s", connID), err)
	}
	conn.transition(domain.ConnectionConnecting)

	// pion keeps its own copy untouched; only the description sent to the
	// peer carries the preference rewrite.
	sdp := offer.SDP
	if local := conn.pc.LocalDescription(); local != nil {
		sdp = local.SDP
	}
	return domain.SessionDescription{
		Type: offer.Type.String(),
		SDP:  t.applyPreferences(sdp, conn.opts),
	}, nil
}

func (t *WebRTCTransport) HandleOffer(ctx context.Context, connID domain.ConnectionID, offer domain.SessionDescription) (domain.SessionDescription, error) {
	conn, err := t.connection(connID)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if offer.Type != "offer" {
		return domain.SessionDescription{}, domain.NewEncodingError("offer_type",
			fmt.Sprintf("expected offer, got %q", offer.Type), nil)
	}

	// Reordering the remote payload list steers pion's answer toward the
	// preferred codecs.
	remote := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  t.applyPreferences(offer.SDP, conn.opts),
	}
	if err := conn.pc.SetRemoteDescription(remote); err != nil {
		return domain.SessionDescription{}, domain.NewEncodingError("offer_remote",
			fmt.Sprintf("failed to apply remote offer on connection %s", connID), err)
	}
	t.drainPending(conn)

	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, domain.NewEncodingError("answer_create",
			fmt.Sprintf("failed to create answer for connection %s", connID), err)
	}
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, domain.NewEncodingError("answer_apply",
			fmt.Sprintf("failed to apply local answer on connection %s", connID), err)
	}
	conn.transition(domain.ConnectionConnecting)

	sdp := answer.SDP
	if local := conn.pc.LocalDescription(); local != nil {
		sdp = local.SDP
	}
	return domain.SessionDescription{
		Type: answer.Type.String(),
		SDP:  t.applyPreferences(sdp, conn.opts),
	}, nil
}

func (t *WebRTCTransport) HandleAnswer(ctx context.Context, connID domain.ConnectionID, answer domain.SessionDescription) error {
	conn, err := t.connection(connID)
	if err != nil {
		return err
	}
	if answer.Type != "answer" {
		return domain.NewEncodingError("answer_type",
			fmt.Sprintf("expected answer, got %q", answer.Type), nil)
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := conn.pc.SetRemoteDescription(remote); err != nil {
		return domain.NewEncodingError("answer_remote",
			fmt.Sprintf("failed to apply remote answer on connection %s", connID), err)
	}
	t.drainPending(conn)
	return nil
}

func (t *WebRTCTransport) AddCandidate(ctx context.Context, connID domain.ConnectionID, candidate domain.ICECandidate) error {
	conn, err := t.connection(connID)
	if err != nil {
		return err
	}
	if err := validateCandidate(candidate.Candidate); err != nil {
		t.logger.Warnw("rejecting malformed ice candidate",
			"connection_id", connID,
			"candidate", candidate.Candidate,
			"error", err,
		)
		return err
	}

	sdpMid := candidate.SDPMid
	lineIndex := candidate.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &lineIndex,
	}

	// Trickled candidates can arrive before the remote description; hold
	// them until it lands.
	conn.mu.Lock()
	if conn.pc.RemoteDescription() == nil {
		conn.pending = append(conn.pending, init)
		conn.mu.Unlock()
		return nil
	}
	conn.mu.Unlock()

	if err := conn.pc.AddICECandidate(init); err != nil {
		return domain.NewNetworkError("candidate_apply",
			fmt.Sprintf("failed to add candidate to connection %s", connID), err)
	}
	return nil
}

func (t *WebRTCTransport) drainPending(conn *peerConnection) {
	conn.mu.Lock()
	pending := conn.pending
	conn.pending = nil
	conn.mu.Unlock()

	for _, init := range pending {
		if err := conn.pc.AddICECandidate(init); err != nil {
			t.logger.Warnw("failed to apply held candidate",
				"connection_id", conn.id,
				"error", err,
			)
		}
	}
}

func (t *WebRTCTransport) ConnectionState(ctx context.Context, connID domain.ConnectionID) (domain.ConnectionState, error) {
	conn, err := t.connection(connID)
	if err != nil {
		return "", err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state, nil
}

// GetStats merges transport-level byte counters from pion's stats report
// with the loss, jitter and RTT extracted from RTCP receiver reports.
func (t *WebRTCTransport) GetStats(ctx context.Context, connID domain.ConnectionID) (*domain.ConnectionStats, error) {
	conn, err := t.connection(connID)
	if err != nil {
		return nil, err
	}

	var bytesSent, bytesReceived int64
	var pairRTT time.Duration
	for _, s := range conn.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.TransportStats:
			bytesSent += int64(st.BytesSent)
			bytesReceived += int64(st.BytesReceived)
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.CurrentRoundTripTime > 0 {
				pairRTT = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}

	conn.mu.Lock()
	stats := conn.stats
	conn.mu.Unlock()

	if stats.RTT == 0 {
		stats.RTT = pairRTT
	}
	stats.ConnectionID = connID
	stats.BytesSent = bytesSent
	stats.BytesReceived = bytesReceived
	stats.Timestamp = time.Now()
	return &stats, nil
}

func (t *WebRTCTransport) NegotiateCodec(kind string, offered []string) (string, error) {
	var preferred []string
	switch kind {
	case "video":
		preferred = t.cfg.VideoCodecs
	case "audio":
		preferred = t.cfg.AudioCodecs
	default:
		return "", domain.NewEncodingError("codec_kind",
			fmt.Sprintf("unknown media kind %q", kind), nil)
	}

	codec, ok := selectCodec(preferred, offered)
	if !ok {
		return "", domain.NewEncodingError("codec_mismatch",
			fmt.Sprintf("no mutual %s codec in %v", kind, offered), nil)
	}
	return codec, nil
}

func (t *WebRTCTransport) CloseConnection(ctx context.Context, connID domain.ConnectionID) error {
	t.mu.Lock()
	conn, ok := t.conns[connID]
	if ok {
		delete(t.conns, connID)
	}
	t.mu.Unlock()
	if !ok {
		return domain.ErrConnectionNotFound
	}

	conn.mu.Lock()
	conn.state = domain.ConnectionClosed
	conn.mu.Unlock()

	if err := conn.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection %s: %w", connID, err)
	}
	t.logger.Infow("connection closed", "connection_id", connID, "peer_id", conn.peerID)
	return nil
}

// Close tears down every open peer connection.
func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	conns := make([]*peerConnection, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	t.conns = make(map[domain.ConnectionID]*peerConnection)
	t.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		conn.mu.Lock()
		conn.state = domain.ConnectionClosed
		conn.mu.Unlock()
		if err := conn.pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *WebRTCTransport) connection(connID domain.ConnectionID) (*peerConnection, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conn, ok := t.conns[connID]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	return conn, nil
}

func (t *WebRTCTransport) applyPreferences(sdp string, opts domain.ConnectionOptions) string {
	sdp = reorderCodecPayloads(sdp, "video", preferenceList(opts.PreferredVideoCodec, t.cfg.VideoCodecs))
	sdp = reorderCodecPayloads(sdp, "audio", preferenceList(opts.PreferredAudioCodec, t.cfg.AudioCodecs))
	if opts.HardwareAcceleration {
		sdp = tagHardwareAcceleration(sdp)
	}
	return sdp
}

func (t *WebRTCTransport) handleICEState(conn *peerConnection) func(webrtc.ICEConnectionState) {
	return func(state webrtc.ICEConnectionState) {
		t.logger.Infow("ice connection state changed",
			"connection_id", conn.id,
			"peer_id", conn.peerID,
			"ice_state", state.String(),
		)
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			conn.transition(domain.ConnectionActive)
		case webrtc.ICEConnectionStateDisconnected:
			conn.transition(domain.ConnectionDegraded)
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			conn.transition(domain.ConnectionClosed)
		}
	}
}

func (t *WebRTCTransport) handlePeerState(conn *peerConnection) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		t.logger.Infow("peer connection state changed",
			"connection_id", conn.id,
			"peer_id", conn.peerID,
			"connection_state", state.String(),
		)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			conn.transition(domain.ConnectionClosed)
		}
	}
}

func (t *WebRTCTransport) handleTrack(conn *peerConnection) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Infow("inbound track started",
			"connection_id", conn.id,
			"peer_id", conn.peerID,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		go t.readRTCP(conn, receiver, track.Codec().ClockRate)
		go t.readInbound(conn, track)
	}
}

func (t *WebRTCTransport) readRTCP(conn *peerConnection, receiver *webrtc.RTPReceiver, clockRate uint32) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			if err != io.EOF {
				t.logger.Debugw("rtcp reader stopped",
					"connection_id", conn.id,
					"error", err,
				)
			}
			return
		}
		t.applyRTCP(conn, clockRate, packets)
	}
}

func (t *WebRTCTransport) applyRTCP(conn *peerConnection, clockRate uint32, packets []rtcp.Packet) {
	if clockRate == 0 {
		clockRate = 90000
	}

	var (
		lossSum   float64
		jitterSum uint64
		rttSum    time.Duration
		rttCount  int
		reports   int
	)
	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			lossSum += float64(report.FractionLost) / 255.0
			jitterSum += uint64(report.Jitter)
			reports++
			// RTT from LSR/DLSR, in 1/65536 second units.
			if report.LastSenderReport != 0 && report.Delay != 0 {
				rttSum += time.Duration(report.Delay) * time.Second / 65536
				rttCount++
			}
		}
	}
	if reports == 0 {
		return
	}

	// Interarrival jitter is reported in RTP clock ticks.
	jitterTicks := jitterSum / uint64(reports)
	jitter := time.Duration(jitterTicks) * time.Second / time.Duration(clockRate)

	conn.mu.Lock()
	conn.stats.PacketLoss = lossSum / float64(reports)
	conn.stats.Jitter = jitter
	if rttCount > 0 {
		conn.stats.RTT = rttSum / time.Duration(rttCount)
	}
	conn.mu.Unlock()
}

func (t *WebRTCTransport) readInbound(conn *peerConnection, track *webrtc.TrackRemote) {
	buf := make([]byte, mtuSize)
	packet := &rtp.Packet{}
	clock := newPacketClock(track.Codec().ClockRate)
	kind := track.Kind().String()

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if err != io.EOF {
				t.logger.Warnw("inbound track read failed",
					"connection_id", conn.id,
					"track_id", track.ID(),
					"error", err,
				)
			}
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			t.logger.Warnw("dropping malformed rtp packet",
				"connection_id", conn.id,
				"track_id", track.ID(),
				"error", err,
			)
			continue
		}

		t.mu.RLock()
		sink := t.sink
		t.mu.RUnlock()
		if sink == nil {
			continue
		}

		// packet.Payload aliases buf, which the next Read overwrites.
		// The pooled copy lives exactly as long as the sink call.
		payload := t.payloads.Get()[:len(packet.Payload)]
		copy(payload, packet.Payload)
		sink(MediaSample{
			ConnectionID: conn.id,
			Kind:         kind,
			Codec:        track.Codec().MimeType,
			PTS:          clock.pts(packet.Timestamp),
			Sequence:     packet.SequenceNumber,
			Marker:       packet.Marker,
			Payload:      payload,
		})
		t.payloads.Put(payload)
	}
}

// packetClock recovers presentation time from RTP timestamps. The first
// observed timestamp anchors zero; uint32 arithmetic keeps wraparound safe.
type packetClock struct {
	clockRate uint32
	base      uint32
	anchored  bool
}

func newPacketClock(clockRate uint32) *packetClock {
	if clockRate == 0 {
		clockRate = 90000
	}
	return &packetClock{clockRate: clockRate}
}

func (c *packetClock) pts(timestamp uint32) time.Duration {
	if !c.anchored {
		c.base = timestamp
		c.anchored = true
	}
	return time.Duration(timestamp-c.base) * time.Second / time.Duration(c.clockRate)
}
