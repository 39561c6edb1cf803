package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"syncmesh/internal/core/domain"
)

// MockTransport is an in-memory stand-in for the WebRTC transport. It
// hands out connections immediately, answers offers with canned SDP and
// reports whatever stats the test primes it with.
type MockTransport struct {
	mu        sync.Mutex
	seq       int
	conns     map[domain.ConnectionID]*domain.Connection
	stats     map[domain.ConnectionID]*domain.ConnectionStats
	closed    []domain.ConnectionID
	createErr error
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		conns: make(map[domain.ConnectionID]*domain.Connection),
		stats: make(map[domain.ConnectionID]*domain.ConnectionStats),
	}
}

// FailConnections makes subsequent CreateConnection calls return err.
func (mt *MockTransport) FailConnections(err error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.createErr = err
}

// PrimeStats fixes the stats reported for a connection.
func (mt *MockTransport) PrimeStats(connID domain.ConnectionID, stats *domain.ConnectionStats) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.stats[connID] = stats
}

// OpenConnections reports connections created and not yet closed.
func (mt *MockTransport) OpenConnections() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.conns)
}

// ClosedConnections returns the close order so far.
func (mt *MockTransport) ClosedConnections() []domain.ConnectionID {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	out := make([]domain.ConnectionID, len(mt.closed))
	copy(out, mt.closed)
	return out
}

func (mt *MockTransport) CreateConnection(ctx context.Context, peerID string, opts domain.ConnectionOptions) (*domain.Connection, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.createErr != nil {
		return nil, mt.createErr
	}
	mt.seq++
	conn := &domain.Connection{
		ID:        domain.ConnectionID(fmt.Sprintf("mock-conn-%d", mt.seq)),
		PeerID:    peerID,
		State:     domain.ConnectionConnecting,
		CreatedAt: time.Now(),
	}
	mt.conns[conn.ID] = conn
	return conn, nil
}

func (mt *MockTransport) CreateOffer(ctx context.Context, connID domain.ConnectionID) (domain.SessionDescription, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if _, ok := mt.conns[connID]; !ok {
		return domain.SessionDescription{}, fmt.Errorf("unknown connection %s", connID)
	}
	return domain.SessionDescription{Type: "offer", SDP: "v=0"}, nil
}

func (mt *MockTransport) HandleOffer(ctx context.Context, connID domain.ConnectionID, offer domain.SessionDescription) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "answer", SDP: "v=0"}, nil
}

func (mt *MockTransport) HandleAnswer(ctx context.Context, connID domain.ConnectionID, answer domain.SessionDescription) error {
	return nil
}

func (mt *MockTransport) AddCandidate(ctx context.Context, connID domain.ConnectionID, candidate domain.ICECandidate) error {
	return nil
}

func (mt *MockTransport) ConnectionState(ctx context.Context, connID domain.ConnectionID) (domain.ConnectionState, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	conn, ok := mt.conns[connID]
	if !ok {
		return "", domain.ErrConnectionNotFound
	}
	return conn.State, nil
}

func (mt *MockTransport) GetStats(ctx context.Context, connID domain.ConnectionID) (*domain.ConnectionStats, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if stats, ok := mt.stats[connID]; ok {
		return stats, nil
	}
	return &domain.ConnectionStats{
		ConnectionID: connID,
		RTT:          40 * time.Millisecond,
		Jitter:       5 * time.Millisecond,
		PacketLoss:   0.005,
	}, nil
}

func (mt *MockTransport) NegotiateCodec(kind string, offered []string) (string, error) {
	supported := []string{"opus"}
	if kind == "video" {
		supported = []string{"VP8", "H264"}
	}
	if len(offered) == 0 {
		return supported[0], nil
	}
	for _, want := range offered {
		for _, have := range supported {
			if strings.EqualFold(want, have) {
				return have, nil
			}
		}
	}
	return "", fmt.Errorf("no common %s codec", kind)
}

func (mt *MockTransport) CloseConnection(ctx context.Context, connID domain.ConnectionID) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if _, ok := mt.conns[connID]; !ok {
		return domain.ErrConnectionNotFound
	}
	delete(mt.conns, connID)
	mt.closed = append(mt.closed, connID)
	return nil
}
