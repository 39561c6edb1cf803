package domain

import "time"

type QualityLevel struct {
	Level         string // low, medium, high, ultra...
	Video         *VideoQuality
	Audio         *AudioQuality
	Bandwidth     int // bps, aggregate requirement
	TargetLatency time.Duration
}

type VideoQuality struct {
	Codec     string
	Width     int
	Height    int
	Framerate int
	Bitrate   int // bps
}

type AudioQuality struct {
	Codec      string
	Bitrate    int // bps
	SampleRate int
	Channels   int
}

type NetworkConditions struct {
	Bandwidth  int // bps available
	RTT        time.Duration
	PacketLoss float64 // 0-1
	Jitter     time.Duration
}

type DeviceCapabilities struct {
	CPUUsage      float64 // 0-1
	MemoryUsage   float64 // 0-1
	DisplayWidth  int
	DisplayHeight int
	BatteryLevel  float64 // 0-1, negative when unknown
	PowerSaving   bool
}

type UserPreferences struct {
	QualityPriority string // "quality", "balanced" or "latency"
	AutoAdjust      bool
	DataSaver       bool
}

type StreamConstraints struct {
	MinBitrate    int // bps, 0 means unbounded
	MaxBitrate    int
	MinWidth      int
	MinHeight     int
	MaxWidth      int
	MaxHeight     int
	MinFramerate  int
	MaxFramerate  int
	LatencyBudget time.Duration
}

// Allows reports whether a quality level sits inside the constraint bounds.
func (c StreamConstraints) Allows(level QualityLevel) bool {
	if c.MinBitrate > 0 && level.Bandwidth < c.MinBitrate {
		return false
	}
	if c.MaxBitrate > 0 && level.Bandwidth > c.MaxBitrate {
		return false
	}
	if v := level.Video; v != nil {
		if c.MinWidth > 0 && v.Width < c.MinWidth {
			return false
		}
		if c.MinHeight > 0 && v.Height < c.MinHeight {
			return false
		}
		if c.MaxWidth > 0 && v.Width > c.MaxWidth {
			return false
		}
		if c.MaxHeight > 0 && v.Height > c.MaxHeight {
			return false
		}
		if c.MinFramerate > 0 && v.Framerate < c.MinFramerate {
			return false
		}
		if c.MaxFramerate > 0 && v.Framerate > c.MaxFramerate {
			return false
		}
	}
	if c.LatencyBudget > 0 && level.TargetLatency > c.LatencyBudget {
		return false
	}
	return true
}

type StreamHealth struct {
	BufferHealth  float64 // 0-1
	ErrorRate     float64 // 0-1
	RebufferCount int
}

type AdaptationContext struct {
	StreamID    StreamID
	SessionType SessionType
	Network     NetworkConditions
	Device      DeviceCapabilities
	Preferences UserPreferences
	Constraints StreamConstraints
	Health      StreamHealth
	UpdatedAt   time.Time
}

type AdaptationAction string

const (
	ActionUpgrade   AdaptationAction = "upgrade"
	ActionDowngrade AdaptationAction = "downgrade"
	ActionMaintain  AdaptationAction = "maintain"
	ActionEmergency AdaptationAction = "emergency"
)

type QualityDecision struct {
	StreamID  StreamID
	Action    AdaptationAction
	From      QualityLevel
	To        QualityLevel
	Reason    string
	Impact    QualityImpact
	DecidedAt time.Time
}

type QualityImpact struct {
	LatencyDelta    time.Duration
	BandwidthDelta  int     // bps, positive means more bandwidth needed
	CPUDelta        float64 // rough proxy, positive means more load
	BatteryDelta    float64
	ExperienceDelta float64 // tier steps, positive means better
}
