package a2a

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/infrastructure/a2a"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBus(t *testing.T) (*a2a.WebSocketBus, *httptest.Server) {
	t.Helper()

	bus := a2a.NewWebSocketBus(a2a.WebSocketBusConfig{}, zaptest.NewLogger(t).Sugar())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bus.HandleAgentSocket(w, r)
	}))

	t.Cleanup(func() {
		bus.Close()
		server.Close()
	})
	return bus, server
}

func dialAgent(t *testing.T, server *httptest.Server, agentID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + server.URL[4:] + "/a2a?agent_id=" + agentID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForAgent(t *testing.T, bus *a2a.WebSocketBus, agentID domain.AgentID) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range bus.ConnectedAgents() {
			if id == agentID {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("agent %s never registered on the bus", agentID)
}

func TestWebSocketBus_InboundEnvelopeReachesSubscribers(t *testing.T) {
	bus, server := newTestBus(t)

	received := make(chan *domain.Envelope, 4)
	bus.Subscribe(func(ctx context.Context, env *domain.Envelope) {
		received <- env
	})

	conn := dialAgent(t, server, "agent-1")
	waitForAgent(t, bus, "agent-1")

	data, err := a2a.EncodeEnvelope(&domain.Envelope{
		Type:     domain.MsgHeartbeat,
		From:     "agent-1",
		To:       "coordinator",
		Priority: domain.PriorityLow,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case env := <-received:
		assert.Equal(t, domain.MsgHeartbeat, env.Type)
		assert.Equal(t, domain.AgentID("agent-1"), env.From)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never reached subscribers")
	}
}

func TestWebSocketBus_PublishRoutesToTargetAgent(t *testing.T) {
	bus, server := newTestBus(t)

	received := make(chan *domain.Envelope, 4)
	bus.Subscribe(func(ctx context.Context, env *domain.Envelope) {
		received <- env
	})

	conn := dialAgent(t, server, "agent-1")
	waitForAgent(t, bus, "agent-1")

	err := bus.Publish(context.Background(), &domain.Envelope{
		Type:      domain.MsgSyncCommand,
		From:      "coordinator",
		To:        "agent-1",
		SessionID: "session-1",
		Data:      map[string]interface{}{"reference": 250},
	})
	require.NoError(t, err)

	// Local subscribers observe published traffic too.
	select {
	case env := <-received:
		assert.Equal(t, domain.MsgSyncCommand, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("publish never looped back to subscribers")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := a2a.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, domain.MsgSyncCommand, env.Type)
	assert.Equal(t, domain.SessionID("session-1"), env.SessionID)
	assert.EqualValues(t, 250, env.Data["reference"])
}

func TestWebSocketBus_BroadcastSkipsSender(t *testing.T) {
	bus, server := newTestBus(t)

	sender := dialAgent(t, server, "agent-1")
	receiver := dialAgent(t, server, "agent-2")
	waitForAgent(t, bus, "agent-1")
	waitForAgent(t, bus, "agent-2")

	err := bus.Publish(context.Background(), &domain.Envelope{
		Type: domain.MsgQualityChange,
		From: "agent-1",
		To:   domain.BroadcastTarget,
		Data: map[string]interface{}{"streamId": "stream-1", "level": "medium"},
	})
	require.NoError(t, err)

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := receiver.ReadMessage()
	require.NoError(t, err)

	env, err := a2a.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, domain.MsgQualityChange, env.Type)

	// The originating agent must not receive its own broadcast.
	sender.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = sender.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketBus_DropsMismatchedSender(t *testing.T) {
	bus, server := newTestBus(t)

	received := make(chan *domain.Envelope, 4)
	bus.Subscribe(func(ctx context.Context, env *domain.Envelope) {
		received <- env
	})

	conn := dialAgent(t, server, "agent-1")
	waitForAgent(t, bus, "agent-1")

	data, err := a2a.EncodeEnvelope(&domain.Envelope{
		Type: domain.MsgHeartbeat,
		From: "agent-9",
		To:   "coordinator",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case env := <-received:
		t.Fatalf("spoofed envelope was dispatched: from=%s", env.From)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWebSocketBus_RejectsMissingAgentID(t *testing.T) {
	_, server := newTestBus(t)

	wsURL := "ws" + server.URL[4:] + "/a2a"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		// Rejected at the handshake is acceptable too.
		return
	}
	defer conn.Close()

	// The server drops the connection immediately after upgrade.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketBus_ReconnectReplacesLink(t *testing.T) {
	bus, server := newTestBus(t)

	first := dialAgent(t, server, "agent-1")
	waitForAgent(t, bus, "agent-1")

	second := dialAgent(t, server, "agent-1")
	waitForAgent(t, bus, "agent-1")

	// The replaced link is closed by the server.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// The new link still receives traffic.
	err = bus.Publish(context.Background(), &domain.Envelope{
		Type: domain.MsgCoordination,
		From: "coordinator",
		To:   "agent-1",
	})
	require.NoError(t, err)

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)

	env, err := a2a.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, domain.MsgCoordination, env.Type)
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("valid envelope with defaults", func(t *testing.T) {
		env, err := a2a.DecodeEnvelope([]byte(`{"type":"heartbeat","from":"agent-1","to":"coordinator"}`))
		require.NoError(t, err)
		assert.Equal(t, domain.MsgHeartbeat, env.Type)
		assert.Equal(t, domain.PriorityMedium, env.Priority)
		assert.Equal(t, domain.ReliabilityBestEffort, env.Reliability)
	})

	t.Run("explicit tags preserved", func(t *testing.T) {
		env, err := a2a.DecodeEnvelope([]byte(`{"type":"failover","from":"coordinator","to":"*","priority":"critical","reliability":"reliable"}`))
		require.NoError(t, err)
		assert.Equal(t, domain.PriorityCritical, env.Priority)
		assert.Equal(t, domain.ReliabilityReliable, env.Reliability)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		_, err := a2a.DecodeEnvelope([]byte(`{"type":"teleport","from":"agent-1"}`))
		assert.Error(t, err)
	})

	t.Run("missing type rejected", func(t *testing.T) {
		_, err := a2a.DecodeEnvelope([]byte(`{"from":"agent-1"}`))
		assert.Error(t, err)
	})

	t.Run("malformed json rejected", func(t *testing.T) {
		_, err := a2a.DecodeEnvelope([]byte(`not json`))
		assert.Error(t, err)
	})
}
