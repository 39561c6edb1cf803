package domain

import (
	"time"
)

type SessionID string
type StreamID string
type ConnectionID string

type SessionType string

const (
	SessionVideo      SessionType = "video"
	SessionAudio      SessionType = "audio"
	SessionData       SessionType = "data"
	SessionMultimodal SessionType = "multimodal"
)

type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionActive       SessionStatus = "active"
	SessionDegraded     SessionStatus = "degraded"
	SessionPaused       SessionStatus = "paused"
	SessionEnded        SessionStatus = "ended"
)

type Session struct {
	ID           SessionID
	Type         SessionType
	Status       SessionStatus
	VideoStreams map[StreamID]*Stream
	AudioStreams map[StreamID]*Stream
	DataStreams  map[StreamID]*Stream
	Quality      QualityLevel
	Coordination SessionCoordination
	Security     SessionSecurity
	CreatedAt    time.Time
	LastActivity time.Time
	EndedAt      time.Time
}

type SessionCoordination struct {
	ConsensusRequired bool
	Master            AgentID
	Participants      []AgentID
}

type SessionSecurity struct {
	Encrypted  bool
	DRMEnabled bool
}

// AllStreams returns every stream of the session regardless of modality.
func (s *Session) AllStreams() []*Stream {
	streams := make([]*Stream, 0, len(s.VideoStreams)+len(s.AudioStreams)+len(s.DataStreams))
	for _, st := range s.VideoStreams {
		streams = append(streams, st)
	}
	for _, st := range s.AudioStreams {
		streams = append(streams, st)
	}
	for _, st := range s.DataStreams {
		streams = append(streams, st)
	}
	return streams
}

// IdleFor reports how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
}

type StreamDirection string

const (
	StreamInbound       StreamDirection = "inbound"
	StreamOutbound      StreamDirection = "outbound"
	StreamBidirectional StreamDirection = "bidirectional"
)

type Stream struct {
	ID           StreamID
	SessionID    SessionID
	Direction    StreamDirection
	Codec        string
	Bitrate      int // bps
	Width        int
	Height       int
	Framerate    int
	ConnectionID ConnectionID
	StartedAt    time.Time
}
