package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
)

// hitRateWeight is the per-event weight of the hit-rate moving average.
const hitRateWeight = 0.1

// CacheServiceConfig carries the edge cache tunables.
type CacheServiceConfig struct {
	TTL               time.Duration
	Replicas          int
	MaxObjectBytes    int
	PrefetchThreshold float64
	AnalyticsInterval time.Duration
}

func (c CacheServiceConfig) withDefaults() CacheServiceConfig {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.Replicas <= 0 {
		c.Replicas = 2
	}
	if c.MaxObjectBytes <= 0 {
		c.MaxObjectBytes = 64 << 20
	}
	if c.PrefetchThreshold <= 0 {
		c.PrefetchThreshold = 0.7
	}
	if c.AnalyticsInterval <= 0 {
		c.AnalyticsInterval = 60 * time.Second
	}
	return c
}

// EdgeNodeHandle pairs an edge node descriptor with its content store.
type EdgeNodeHandle struct {
	Node  *domain.EdgeNode
	Store ports.CacheStore
}

type admissionRule struct {
	name  string
	admit bool
	match func(key string, meta domain.CacheMetadata) bool
}

type cacheService struct {
	mu    sync.RWMutex
	nodes map[string]*EdgeNodeHandle
	index map[string][]string // key -> node ids holding it

	refreshMu  sync.Mutex
	refreshing map[string]bool

	hitRate        float64
	hits           int64
	misses         int64
	bandwidthSaved int64

	cfg       CacheServiceConfig
	rules     []admissionRule
	selector  ports.NodeSelector
	origin    ports.OriginFetcher
	codec     ports.CompressionCodec
	logger    *zap.SugaredLogger
	observers []ports.CacheObserver
}

func NewCacheService(
	cfg CacheServiceConfig,
	nodes []EdgeNodeHandle,
	selector ports.NodeSelector,
	origin ports.OriginFetcher,
	codec ports.CompressionCodec,
	scheduler ports.Scheduler,
	logger *zap.SugaredLogger,
	observers ...ports.CacheObserver,
) ports.CacheService {
	cfg = cfg.withDefaults()
	s := &cacheService{
		nodes:      make(map[string]*EdgeNodeHandle, len(nodes)),
		index:      make(map[string][]string),
		refreshing: make(map[string]bool),
		cfg:        cfg,
		rules:      defaultAdmissionRules(cfg.MaxObjectBytes),
		selector:   selector,
		origin:     origin,
		codec:      codec,
		logger:     logger,
		observers:  observers,
	}
	for i := range nodes {
		n := nodes[i]
		s.nodes[n.Node.ID] = &n
	}

	if scheduler != nil {
		scheduler.Every("cache_analytics", cfg.AnalyticsInterval, s.collectAnalytics)
	}
	return s
}

func defaultAdmissionRules(maxObjectBytes int) []admissionRule {
	return []admissionRule{
		{
			name:  "empty payload",
			admit: false,
			match: func(key string, meta domain.CacheMetadata) bool {
				return meta.Size == 0
			},
		},
		{
			name:  "oversized object",
			admit: false,
			match: func(key string, meta domain.CacheMetadata) bool {
				return meta.Size > maxObjectBytes
			},
		},
		{
			name:  "live manifests bypass",
			admit: false,
			match: func(key string, meta domain.CacheMetadata) bool {
				return strings.HasPrefix(key, "live:")
			},
		},
	}
}

// CacheContent admits, optionally compresses, checksums and replicates the
// payload to strategy-selected edge nodes. At least one accepting node makes
// the write a success.
func (s *cacheService) CacheContent(ctx context.Context, key string, data []byte, meta domain.CacheMetadata, opts domain.CacheOptions) error {
	if meta.Size == 0 {
		meta.Size = len(data)
	}
	for _, rule := range s.rules {
		if rule.match(key, meta) && !rule.admit {
			s.logger.Debugw("cache admission rejected",
				"key", key,
				"rule", rule.name,
			)
			return fmt.Errorf("%w: %s", domain.ErrCacheRejected, rule.name)
		}
	}

	if meta.Checksum == "" {
		sum := sha256.Sum256(data)
		meta.Checksum = hex.EncodeToString(sum[:])
	}

	stored := data
	meta.Encoding = "identity"
	if opts.Compress && s.codec != nil && s.codec.Name() != "identity" {
		compressed, err := s.codec.Compress(data)
		if err != nil {
			return fmt.Errorf("failed to compress cache payload: %w", err)
		}
		stored = compressed
		meta.Encoding = s.codec.Name()
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	replicas := opts.Replicas
	if replicas <= 0 {
		replicas = s.cfg.Replicas
	}
	// Predictive writes pre-position one extra copy.
	if opts.Strategy == "predictive" {
		replicas++
	}

	now := time.Now()
	targets := s.selector.SelectForWrite(s.onlineNodes(), key, replicas)
	if len(targets) == 0 {
		return domain.ErrNoEdgeNodes
	}

	var accepted []string
	var lastErr error
	for _, node := range targets {
		handle := s.handleFor(node.ID)
		if handle == nil {
			continue
		}
		entry := &domain.CacheEntry{
			Key:          key,
			Data:         stored,
			Metadata:     meta,
			CreatedAt:    now,
			LastAccessed: now,
			ExpiresAt:    now.Add(ttl),
			GeoHits:      make(map[string]int),
			Status:       domain.CacheFresh,
			Tags:         opts.Tags,
			Priority:     opts.Priority,
		}
		if err := s.admitToNode(ctx, handle, entry); err != nil {
			lastErr = err
			s.logger.Warnw("edge node rejected cache write",
				"key", key,
				"node_id", node.ID,
				"error", err,
			)
			continue
		}
		accepted = append(accepted, node.ID)
	}

	if len(accepted) == 0 {
		if lastErr != nil {
			return fmt.Errorf("no edge node accepted %s: %w", key, lastErr)
		}
		return domain.ErrNoEdgeNodes
	}

	s.mu.Lock()
	s.index[key] = accepted
	s.mu.Unlock()

	s.logger.Debugw("content cached",
		"key", key,
		"bytes", len(stored),
		"nodes", len(accepted),
		"encoding", meta.Encoding,
	)
	return nil
}

// admitToNode makes room on the node by evicting the most evictable entries,
// then stores the entry.
func (s *cacheService) admitToNode(ctx context.Context, handle *EdgeNodeHandle, entry *domain.CacheEntry) error {
	used, err := handle.Store.BytesUsed(ctx)
	if err != nil {
		return err
	}

	needed := used + int64(len(entry.Data)) - handle.Node.Capacity
	if needed > 0 {
		if err := s.evictForSpace(ctx, handle, needed); err != nil {
			return err
		}
	}

	if err := handle.Store.Put(ctx, entry); err != nil {
		return err
	}
	handle.Node.Used = used + int64(len(entry.Data))
	return nil
}

// evictForSpace frees at least needed bytes, removing the highest-scored
// entries first. Unlike buffer eviction no class is exempt; the score already
// folds in priority.
func (s *cacheService) evictForSpace(ctx context.Context, handle *EdgeNodeHandle, needed int64) error {
	keys, err := handle.Store.Keys(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	type scored struct {
		entry *domain.CacheEntry
		score float64
	}
	candidates := make([]scored, 0, len(keys))
	for _, key := range keys {
		entry, err := handle.Store.Get(ctx, key)
		if err != nil {
			continue
		}
		candidates = append(candidates, scored{entry: entry, score: entry.EvictionScore(now)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var freed int64
	for _, c := range candidates {
		if freed >= needed {
			break
		}
		if err := handle.Store.Remove(ctx, c.entry.Key); err != nil {
			continue
		}
		freed += int64(len(c.entry.Data))
		s.dropNodeFromIndex(c.entry.Key, handle.Node.ID)
		for _, o := range s.observers {
			o.OnCacheEvicted(c.entry.Key, handle.Node.ID)
		}
	}

	if freed < needed {
		return fmt.Errorf("evicted %d of %d needed bytes on node %s", freed, needed, handle.Node.ID)
	}
	return nil
}

// RetrieveContent serves the freshest suitable copy. Stale entries are served
// immediately while a background refresh runs; misses, expired and invalid
// entries fall back to the origin.
func (s *cacheService) RetrieveContent(ctx context.Context, key string, req domain.CacheRequest) (*domain.CacheResult, error) {
	handle := s.readTarget(key, req.Region)
	if handle != nil {
		entry, err := handle.Store.Get(ctx, key)
		if err == nil && entry != nil {
			switch entry.Refresh(time.Now()) {
			case domain.CacheFresh:
				return s.serveHit(ctx, handle, entry, req, false)
			case domain.CacheStale:
				return s.serveHit(ctx, handle, entry, req, true)
			default:
				// Expired or invalid copies are purged on contact.
				_ = handle.Store.Remove(ctx, key)
				s.dropNodeFromIndex(key, handle.Node.ID)
			}
		}
	}

	s.recordMiss(key)
	return s.fetchFromOrigin(ctx, key, req)
}

func (s *cacheService) serveHit(ctx context.Context, handle *EdgeNodeHandle, entry *domain.CacheEntry, req domain.CacheRequest, stale bool) (*domain.CacheResult, error) {
	entry.LastAccessed = time.Now()
	entry.AccessCount++
	if req.Region != "" {
		if entry.GeoHits == nil {
			entry.GeoHits = make(map[string]int)
		}
		entry.GeoHits[req.Region]++
	}
	_ = handle.Store.Put(ctx, entry)

	s.mu.Lock()
	s.hits++
	s.hitRate = s.hitRate*(1-hitRateWeight) + hitRateWeight
	s.bandwidthSaved += int64(entry.Metadata.Size)
	s.mu.Unlock()

	for _, o := range s.observers {
		o.OnCacheHit(entry.Key, handle.Node.ID)
	}

	if stale {
		s.refreshInBackground(entry.Key, req)
	}

	served, err := s.decodeEntry(entry)
	if err != nil {
		return nil, err
	}
	return &domain.CacheResult{
		Entry:  served,
		Source: domain.CacheSourceEdge,
		NodeID: handle.Node.ID,
	}, nil
}

// decodeEntry returns a copy of the entry with the payload decompressed, so
// callers always see the original bytes.
func (s *cacheService) decodeEntry(entry *domain.CacheEntry) (*domain.CacheEntry, error) {
	out := *entry
	if entry.Metadata.Encoding != "" && entry.Metadata.Encoding != "identity" {
		if s.codec == nil || s.codec.Name() != entry.Metadata.Encoding {
			return nil, fmt.Errorf("no codec for cache encoding %q", entry.Metadata.Encoding)
		}
		data, err := s.codec.Decompress(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress cache entry %s: %w", entry.Key, err)
		}
		out.Data = data
		out.Metadata.Encoding = "identity"
	}
	return &out, nil
}

func (s *cacheService) recordMiss(key string) {
	s.mu.Lock()
	s.misses++
	s.hitRate = s.hitRate * (1 - hitRateWeight)
	s.mu.Unlock()

	for _, o := range s.observers {
		o.OnCacheMiss(key)
	}
}

func (s *cacheService) fetchFromOrigin(ctx context.Context, key string, req domain.CacheRequest) (*domain.CacheResult, error) {
	if s.origin == nil {
		return nil, fmt.Errorf("cache miss for %s and no origin configured", key)
	}

	data, meta, err := s.origin.Fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("origin fetch for %s failed: %w", key, err)
	}

	// Admission failures only cost us the next request.
	if err := s.CacheContent(ctx, key, data, meta, domain.CacheOptions{}); err != nil {
		s.logger.Debugw("origin result not cached", "key", key, "error", err)
	}

	now := time.Now()
	return &domain.CacheResult{
		Entry: &domain.CacheEntry{
			Key:          key,
			Data:         data,
			Metadata:     meta,
			CreatedAt:    now,
			LastAccessed: now,
			Status:       domain.CacheFresh,
		},
		Source: domain.CacheSourceOrigin,
	}, nil
}

// refreshInBackground re-fetches a stale key once; concurrent stale reads
// share the same refresh.
func (s *cacheService) refreshInBackground(key string, req domain.CacheRequest) {
	s.refreshMu.Lock()
	if s.refreshing[key] {
		s.refreshMu.Unlock()
		return
	}
	s.refreshing[key] = true
	s.refreshMu.Unlock()

	go func() {
		defer func() {
			s.refreshMu.Lock()
			delete(s.refreshing, key)
			s.refreshMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		data, meta, err := s.origin.Fetch(ctx, key)
		if err != nil {
			s.logger.Warnw("stale refresh failed", "key", key, "error", err)
			return
		}
		if err := s.CacheContent(ctx, key, data, meta, domain.CacheOptions{}); err != nil {
			s.logger.Warnw("stale refresh not cached", "key", key, "error", err)
		}
	}()
}

// InvalidateContent removes entries matching the pattern (exact key or
// trailing-star prefix) from tracked state and from edge nodes. A region
// scope limits removal to nodes in that region; "all" or empty hits every
// node. Returns the number of keys touched.
func (s *cacheService) InvalidateContent(ctx context.Context, pattern string, scope string) (int, error) {
	matches := func(key string) bool { return key == pattern }
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		matches = func(key string) bool { return strings.HasPrefix(key, prefix) }
	}

	s.mu.Lock()
	type target struct {
		key     string
		nodeIDs []string
	}
	var targets []target
	for key, nodeIDs := range s.index {
		if matches(key) {
			targets = append(targets, target{key: key, nodeIDs: append([]string(nil), nodeIDs...)})
		}
	}
	s.mu.Unlock()

	count := 0
	for _, t := range targets {
		var remaining []string
		for _, nodeID := range t.nodeIDs {
			handle := s.handleFor(nodeID)
			if handle == nil {
				continue
			}
			if scope != "" && scope != "all" && handle.Node.Region != scope {
				remaining = append(remaining, nodeID)
				continue
			}
			_ = handle.Store.Remove(ctx, t.key)
		}

		s.mu.Lock()
		if len(remaining) == 0 {
			delete(s.index, t.key)
		} else {
			s.index[t.key] = remaining
		}
		s.mu.Unlock()
		count++
	}

	s.logger.Infow("cache invalidated",
		"pattern", pattern,
		"scope", scope,
		"keys", count,
	)
	return count, nil
}

// PrefetchContent pulls predicted keys whose probability clears the
// threshold and caches them tagged as prefetched.
func (s *cacheService) PrefetchContent(ctx context.Context, predictions []domain.AccessPrediction) (int, error) {
	if s.origin == nil {
		return 0, fmt.Errorf("prefetch requires an origin fetcher")
	}

	count := 0
	for _, p := range predictions {
		if p.Probability <= s.cfg.PrefetchThreshold {
			continue
		}

		s.mu.RLock()
		_, cached := s.index[p.Key]
		s.mu.RUnlock()
		if cached {
			continue
		}

		data, meta, err := s.origin.Fetch(ctx, p.Key)
		if err != nil {
			s.logger.Warnw("prefetch fetch failed", "key", p.Key, "error", err)
			continue
		}
		opts := domain.CacheOptions{Strategy: "predictive", Tags: []string{"prefetched"}}
		if err := s.CacheContent(ctx, p.Key, data, meta, opts); err != nil {
			s.logger.Warnw("prefetch not cached", "key", p.Key, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (s *cacheService) Stats(ctx context.Context) (domain.CacheStats, error) {
	s.mu.RLock()
	stats := domain.CacheStats{
		HitRate:        s.hitRate,
		Hits:           s.hits,
		Misses:         s.misses,
		Entries:        len(s.index),
		BandwidthSaved: s.bandwidthSaved,
		CollectedAt:    time.Now(),
	}
	nodes := make([]*EdgeNodeHandle, 0, len(s.nodes))
	for _, h := range s.nodes {
		nodes = append(nodes, h)
	}
	s.mu.RUnlock()

	var used, capacity int64
	for _, h := range nodes {
		if bytes, err := h.Store.BytesUsed(ctx); err == nil {
			used += bytes
		}
		capacity += h.Node.Capacity
	}
	stats.BytesStored = used
	if capacity > 0 {
		stats.StorageEfficiency = float64(used) / float64(capacity)
	}
	return stats, nil
}

// collectAnalytics refreshes node usage and logs the cycle. Runs on the
// scheduler's analytics cadence.
func (s *cacheService) collectAnalytics(ctx context.Context) {
	now := time.Now()
	s.mu.RLock()
	nodes := make([]*EdgeNodeHandle, 0, len(s.nodes))
	for _, h := range s.nodes {
		nodes = append(nodes, h)
	}
	s.mu.RUnlock()

	for _, h := range nodes {
		used, err := h.Store.BytesUsed(ctx)
		if err != nil {
			h.Node.Online = false
			continue
		}
		h.Node.Online = true
		h.Node.Used = used
		h.Node.LastCheck = now
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		return
	}
	s.logger.Infow("cache analytics",
		"hit_rate", stats.HitRate,
		"hits", stats.Hits,
		"misses", stats.Misses,
		"entries", stats.Entries,
		"bytes_stored", stats.BytesStored,
		"storage_efficiency", stats.StorageEfficiency,
	)
}

func (s *cacheService) onlineNodes() []*domain.EdgeNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*domain.EdgeNode, 0, len(s.nodes))
	for _, h := range s.nodes {
		if h.Node.Online {
			nodes = append(nodes, h.Node)
		}
	}
	return nodes
}

// readTarget picks the node to serve a key from, preferring the requester's
// region via the selector.
func (s *cacheService) readTarget(key, region string) *EdgeNodeHandle {
	s.mu.RLock()
	nodeIDs := s.index[key]
	holding := make([]*domain.EdgeNode, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if h, ok := s.nodes[id]; ok && h.Node.Online {
			holding = append(holding, h.Node)
		}
	}
	s.mu.RUnlock()

	if len(holding) == 0 {
		return nil
	}
	node := s.selector.SelectForRead(holding, key, region)
	if node == nil {
		return nil
	}
	return s.handleFor(node.ID)
}

func (s *cacheService) handleFor(nodeID string) *EdgeNodeHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[nodeID]
}

func (s *cacheService) dropNodeFromIndex(key, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.index[key]
	for i, id := range ids {
		if id == nodeID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.index, key)
	} else {
		s.index[key] = ids
	}
}
