package domain

import (
	"time"
)

type CacheEntryStatus string

const (
	CacheFresh   CacheEntryStatus = "fresh"
	CacheStale   CacheEntryStatus = "stale"
	CacheExpired CacheEntryStatus = "expired"
	CacheInvalid CacheEntryStatus = "invalid"
)

type CacheMetadata struct {
	ContentType string
	Size        int // bytes, uncompressed
	Checksum    string
	Encoding    string // "identity" or "gzip"
	Quality     string
}

type CacheEntry struct {
	Key          string
	Data         []byte
	Metadata     CacheMetadata
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time
	AccessCount  int
	GeoHits      map[string]int // region -> hit count
	Status       CacheEntryStatus
	Tags         []string
	Priority     int // 0 low .. 3 critical
}

// Refresh recomputes the entry status against the clock. Fresh entries
// turn stale in the last fifth of their lifetime and expire afterwards.
func (e *CacheEntry) Refresh(now time.Time) CacheEntryStatus {
	if e.Status == CacheInvalid {
		return e.Status
	}
	if !e.ExpiresAt.IsZero() {
		if now.After(e.ExpiresAt) {
			e.Status = CacheExpired
			return e.Status
		}
		ttl := e.ExpiresAt.Sub(e.CreatedAt)
		if ttl > 0 && now.After(e.ExpiresAt.Add(-ttl/5)) {
			e.Status = CacheStale
			return e.Status
		}
	}
	e.Status = CacheFresh
	return e.Status
}

// EvictionScore ranks entries for removal, higher scores go first. Units are
// deliberately raw: age in seconds, discounted by access frequency and
// priority weight, so old cold low-priority entries surface at the top.
func (e *CacheEntry) EvictionScore(now time.Time) float64 {
	age := now.Sub(e.CreatedAt).Seconds()
	return age - float64(e.AccessCount)*100 - float64(e.Priority)*50
}

type EdgeNode struct {
	ID        string
	Region    string
	Capacity  int64 // bytes
	Used      int64
	Online    bool
	Latency   time.Duration
	LastCheck time.Time
}

type CacheSource string

const (
	CacheSourceEdge   CacheSource = "cache"
	CacheSourceOrigin CacheSource = "origin"
)

type CacheResult struct {
	Entry  *CacheEntry
	Source CacheSource
	NodeID string
}

type CacheRequest struct {
	Region   string
	ClientID string
}

type CacheOptions struct {
	Strategy string // "adaptive" or "predictive"
	TTL      time.Duration
	Priority int
	Tags     []string
	Compress bool
	Replicas int
}

type CacheStats struct {
	HitRate           float64 // exponential moving average
	Hits              int64
	Misses            int64
	Entries           int
	BytesStored       int64
	BandwidthSaved    int64
	StorageEfficiency float64
	CollectedAt       time.Time
}

type AccessPrediction struct {
	Key         string
	Probability float64 // 0-1
	Region      string
}
