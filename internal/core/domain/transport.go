package domain

import "time"

type ConnectionState string

const (
	ConnectionNew        ConnectionState = "new"
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionActive     ConnectionState = "active"
	ConnectionDegraded   ConnectionState = "degraded"
	ConnectionClosed     ConnectionState = "closed"
)

type Connection struct {
	ID        ConnectionID
	PeerID    string
	State     ConnectionState
	CreatedAt time.Time
}

type ConnectionOptions struct {
	ICEServers           []string
	PreferredVideoCodec  string
	PreferredAudioCodec  string
	HardwareAcceleration bool
}

type SessionDescription struct {
	Type string // "offer" or "answer"
	SDP  string
}

type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

type ConnectionStats struct {
	ConnectionID  ConnectionID
	RTT           time.Duration
	PacketLoss    float64 // 0-1
	Jitter        time.Duration
	BytesSent     int64
	BytesReceived int64
	Timestamp     time.Time
}

// ValidTransition reports whether a connection may move from its current
// state to the target state.
func (s ConnectionState) ValidTransition(to ConnectionState) bool {
	switch s {
	case ConnectionNew:
		return to == ConnectionConnecting || to == ConnectionClosed
	case ConnectionConnecting:
		return to == ConnectionActive || to == ConnectionClosed
	case ConnectionActive:
		return to == ConnectionDegraded || to == ConnectionClosed
	case ConnectionDegraded:
		return to == ConnectionActive || to == ConnectionClosed
	default:
		return false
	}
}
