package domain

import "time"

type SessionMetrics struct {
	SessionID       SessionID
	Streams         int
	Duration        time.Duration
	AverageLatency  time.Duration
	TotalBandwidth  int // bps across all streams
	QualitySwitches int
	BufferHealth    float64 // 0-1, worst pool
	Underruns       int
	ErrorCount      int
	Timestamp       time.Time
}

type CoordinationMetrics struct {
	AgentsOnline      int
	AgentsOffline     int
	ProposalsApproved int
	ProposalsRejected int
	ProposalsExpired  int
	Failovers         int
	MessagesSent      int64
	Timestamp         time.Time
}
