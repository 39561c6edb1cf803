package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/infrastructure/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTransport(t *testing.T) *transport.WebRTCTransport {
	t.Helper()

	tr, err := transport.NewWebRTCTransport(transport.Config{
		ICEServers: []string{"stun:stun.l.google.com:19302"},
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

// firstVideoPayload returns the first payload type on the video media line.
func firstVideoPayload(t *testing.T, sdp string) string {
	t.Helper()

	for _, line := range strings.Split(sdp, "\r\n") {
		if strings.HasPrefix(line, "m=video ") {
			fields := strings.Fields(line)
			require.Greater(t, len(fields), 3, "video m-line has no payload types")
			return fields[3]
		}
	}
	t.Fatal("no video m-line in SDP")
	return ""
}

func TestWebRTCTransport_CreateConnection(t *testing.T) {
	tr := newTransport(t)

	conn, err := tr.CreateConnection(context.Background(), "agent-1", domain.ConnectionOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, "agent-1", conn.PeerID)
	assert.Equal(t, domain.ConnectionNew, conn.State)
	assert.False(t, conn.CreatedAt.IsZero())

	state, err := tr.ConnectionState(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionNew, state)
}

func TestWebRTCTransport_OfferAnswerHandshake(t *testing.T) {
	offerer := newTransport(t)
	answerer := newTransport(t)
	ctx := context.Background()

	connA, err := offerer.CreateConnection(ctx, "agent-a", domain.ConnectionOptions{})
	require.NoError(t, err)
	connB, err := answerer.CreateConnection(ctx, "agent-b", domain.ConnectionOptions{})
	require.NoError(t, err)

	offer, err := offerer.CreateOffer(ctx, connA.ID)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "m=audio")

	state, err := offerer.ConnectionState(ctx, connA.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionConnecting, state)

	answer, err := answerer.HandleOffer(ctx, connB.ID, offer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.NotEmpty(t, answer.SDP)

	state, err = answerer.ConnectionState(ctx, connB.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionConnecting, state)

	require.NoError(t, offerer.HandleAnswer(ctx, connA.ID, answer))
}

func TestWebRTCTransport_OfferHonorsCodecPreference(t *testing.T) {
	tr := newTransport(t)
	ctx := context.Background()

	conn, err := tr.CreateConnection(ctx, "agent-1", domain.ConnectionOptions{
		PreferredVideoCodec:  "video/H264",
		HardwareAcceleration: true,
	})
	require.NoError(t, err)

	offer, err := tr.CreateOffer(ctx, conn.ID)
	require.NoError(t, err)

	pt := firstVideoPayload(t, offer.SDP)
	assert.Contains(t, offer.SDP, "a=rtpmap:"+pt+" H264/90000",
		"preferred codec should lead the video payload list")
	assert.Contains(t, offer.SDP, "a=x-hwaccel:prefer")
}

func TestWebRTCTransport_RejectsWrongDescriptionType(t *testing.T) {
	tr := newTransport(t)
	ctx := context.Background()

	conn, err := tr.CreateConnection(ctx, "agent-1", domain.ConnectionOptions{})
	require.NoError(t, err)

	_, err = tr.HandleOffer(ctx, conn.ID, domain.SessionDescription{Type: "answer", SDP: "v=0"})
	require.Error(t, err)
	var streamErr *domain.StreamingError
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, domain.ErrorEncoding, streamErr.Category)
	assert.True(t, streamErr.Recoverable)

	err = tr.HandleAnswer(ctx, conn.ID, domain.SessionDescription{Type: "offer", SDP: "v=0"})
	require.Error(t, err)
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, domain.ErrorEncoding, streamErr.Category)
}

func TestWebRTCTransport_AddCandidate(t *testing.T) {
	tr := newTransport(t)
	ctx := context.Background()

	conn, err := tr.CreateConnection(ctx, "agent-1", domain.ConnectionOptions{})
	require.NoError(t, err)

	// Well-formed candidates arriving before the remote description are
	// held, not rejected.
	err = tr.AddCandidate(ctx, conn.ID, domain.ICECandidate{
		Candidate:     "candidate:2230659787 1 udp 2122260223 192.168.1.17 49827 typ host generation 0",
		SDPMid:        "0",
		SDPMLineIndex: 0,
	})
	assert.NoError(t, err)

	err = tr.AddCandidate(ctx, conn.ID, domain.ICECandidate{
		Candidate: "candidate:broken",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCandidate)

	err = tr.AddCandidate(ctx, "missing-conn", domain.ICECandidate{
		Candidate: "candidate:2230659787 1 udp 2122260223 192.168.1.17 49827 typ host",
	})
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestWebRTCTransport_NegotiateCodec(t *testing.T) {
	tr := newTransport(t)

	codec, err := tr.NegotiateCodec("video", []string{"h264", "vp8"})
	require.NoError(t, err)
	assert.Equal(t, "vp8", codec)

	codec, err = tr.NegotiateCodec("audio", []string{"PCMU", "opus"})
	require.NoError(t, err)
	assert.Equal(t, "opus", codec)

	_, err = tr.NegotiateCodec("video", []string{"theora"})
	require.Error(t, err)
	var streamErr *domain.StreamingError
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, domain.ErrorEncoding, streamErr.Category)
	assert.Contains(t, streamErr.Recovery, domain.RecoverySwitchCodec)

	_, err = tr.NegotiateCodec("smell", []string{"opus"})
	assert.Error(t, err)
}

func TestWebRTCTransport_GetStats(t *testing.T) {
	tr := newTransport(t)
	ctx := context.Background()

	conn, err := tr.CreateConnection(ctx, "agent-1", domain.ConnectionOptions{})
	require.NoError(t, err)

	stats, err := tr.GetStats(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, stats.ConnectionID)
	assert.False(t, stats.Timestamp.IsZero())
	assert.GreaterOrEqual(t, stats.BytesSent, int64(0))

	_, err = tr.GetStats(ctx, "missing-conn")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestWebRTCTransport_CloseConnection(t *testing.T) {
	tr := newTransport(t)
	ctx := context.Background()

	conn, err := tr.CreateConnection(ctx, "agent-1", domain.ConnectionOptions{})
	require.NoError(t, err)

	require.NoError(t, tr.CloseConnection(ctx, conn.ID))

	_, err = tr.ConnectionState(ctx, conn.ID)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	err = tr.CloseConnection(ctx, conn.ID)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestConnectionStateMachine(t *testing.T) {
	tests := []struct {
		from domain.ConnectionState
		to   domain.ConnectionState
		ok   bool
	}{
		{domain.ConnectionNew, domain.ConnectionConnecting, true},
		{domain.ConnectionNew, domain.ConnectionActive, false},
		{domain.ConnectionConnecting, domain.ConnectionActive, true},
		{domain.ConnectionActive, domain.ConnectionDegraded, true},
		{domain.ConnectionDegraded, domain.ConnectionActive, true},
		{domain.ConnectionDegraded, domain.ConnectionClosed, true},
		{domain.ConnectionClosed, domain.ConnectionActive, false},
	}
	for _, tt := range tests {
		if got := tt.from.ValidTransition(tt.to); got != tt.ok {
			t.Errorf("ValidTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestWebRTCTransport_StatsTimestampAdvances(t *testing.T) {
	tr := newTransport(t)
	ctx := context.Background()

	conn, err := tr.CreateConnection(ctx, "agent-1", domain.ConnectionOptions{})
	require.NoError(t, err)

	first, err := tr.GetStats(ctx, conn.ID)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := tr.GetStats(ctx, conn.ID)
	require.NoError(t, err)

	assert.True(t, second.Timestamp.After(first.Timestamp))
}
