// Package cache implements a semantic query-result cache: lookups are
// answered by the cached entry whose query embedding is most similar to
// the incoming query, not by exact key match.
package cache

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ragcore/ragcore/internal/errs"
	"github.com/ragcore/ragcore/internal/provider"
)

// EvictionPolicy selects how entries are reclaimed under capacity pressure.
type EvictionPolicy string

const (
	EvictionLRU             EvictionPolicy = "lru"
	EvictionLFU             EvictionPolicy = "lfu"
	EvictionTTL             EvictionPolicy = "ttl"
	EvictionSimilarityBased EvictionPolicy = "similarity_based"
	EvictionCustom          EvictionPolicy = "custom"
)

// Config parameterizes the cache.
type Config struct {
	MaxEntries          int
	SimilarityThreshold float64
	DefaultTTL          time.Duration
	Policy              EvictionPolicy
}

// DefaultConfig returns spec defaults: threshold 0.9, LRU-bounded, 1000 entries.
func DefaultConfig() Config {
	return Config{
		MaxEntries:          1000,
		SimilarityThreshold: 0.9,
		DefaultTTL:          1 * time.Hour,
		Policy:              EvictionLRU,
	}
}

// entry is the full internal record; model.CacheEntry is its public projection.
type entry struct {
	key          string
	queryText    string
	embedding    []float32
	payload      []byte
	createdAt    time.Time
	expiresAt    time.Time
	hitCount     int
	lastAccessed time.Time
	accessCount  int // for LFU
}

// Result is returned on a cache hit.
type Result struct {
	OriginalQuery string
	SimilarityScore float64
	Payload       []byte
	CachedAt      time.Time
	ExpiresAt     time.Time
	HitCount      int
	LastAccessed  time.Time
}

// Statistics summarizes cache occupancy and effectiveness.
type Statistics struct {
	Entries   int
	Hits      int
	Misses    int
	Evictions int
}

// OptimizeResult reports the outcome of a manual compaction pass.
type OptimizeResult struct {
	Removed       int
	FreedBytes    int64
	OptimizationMS int64
}

// Cache is a similarity-scan semantic cache layered over an exact-key LRU.
// The LRU (keyed by the exact query text, see cacheKey) backs raw storage and capacity
// eviction; a parallel slice of (embedding, key) pairs answers "nearest
// cached query" scans, since an LRU alone cannot do similarity lookup.
type Cache struct {
	mu     sync.Mutex
	embed  provider.EmbeddingService
	cfg    Config
	lru    *lru.Cache[string, *entry]
	index  []*entry // parallel similarity-scan index; entries also live in lru

	hits, misses, evictions int
}

// New builds a Cache backed by an embedding service used to vectorize
// incoming queries for the similarity scan.
func New(embed provider.EmbeddingService, cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.Policy == "" {
		cfg.Policy = EvictionLRU
	}
	if cfg.Policy != EvictionLRU {
		return nil, errs.InputError(
			fmt.Sprintf("eviction policy %q is not implemented, only %q is supported", cfg.Policy, EvictionLRU),
			nil,
		)
	}
	c := &Cache{embed: embed, cfg: cfg}
	l, err := lru.NewWithEvict[string, *entry](cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

func (c *Cache) onEvict(key string, e *entry) {
	c.evictions++
	c.removeFromIndexLocked(key)
}

// Get looks up the cached entry whose query embedding is most similar to
// query. Returns ok=false on a miss, on expiry, or when the best
// similarity is below threshold — all three are indistinguishable to the
// caller, matching the cache-miss invariant.
func (c *Cache) Get(ctx context.Context, query string, threshold float64) (Result, bool, error) {
	vec, err := c.embed.Embed(ctx, query)
	if err != nil {
		return Result{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	best, bestScore := c.findSimilarLocked(vec, threshold)
	if best == nil {
		c.misses++
		return Result{}, false, nil
	}
	if time.Now().After(best.expiresAt) {
		c.misses++
		return Result{}, false, nil
	}

	best.hitCount++
	best.accessCount++
	best.lastAccessed = time.Now()
	c.lru.Get(best.key) // refresh LRU recency
	c.hits++

	return Result{
		OriginalQuery:   best.queryText,
		SimilarityScore: bestScore,
		Payload:         best.payload,
		CachedAt:        best.createdAt,
		ExpiresAt:       best.expiresAt,
		HitCount:        best.hitCount,
		LastAccessed:    best.lastAccessed,
	}, true, nil
}

// Set writes a query/result pair into the cache with the configured
// default TTL, or an explicit ttl when non-zero.
func (c *Cache) Set(ctx context.Context, query string, payload []byte, ttl time.Duration) error {
	vec, err := c.embed.Embed(ctx, query)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	e := &entry{
		key:          cacheKey(query),
		queryText:    query,
		embedding:    vec,
		payload:      payload,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
	}
	c.removeFromIndexLocked(e.key)
	c.lru.Add(e.key, e)
	c.index = append(c.index, e)
	return nil
}

// HasSimilar reports whether a non-expired entry within threshold exists,
// without affecting hit counters.
func (c *Cache) HasSimilar(ctx context.Context, query string, threshold float64) (bool, error) {
	vec, err := c.embed.Embed(ctx, query)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	best, _ := c.findSimilarLocked(vec, threshold)
	return best != nil && !time.Now().After(best.expiresAt), nil
}

// SimilarEntry is a single result of FindSimilar, ranked by similarity.
type SimilarEntry struct {
	QueryText  string
	Similarity float64
}

// FindSimilar returns up to n cached queries at or above threshold
// similarity, sorted descending.
func (c *Cache) FindSimilar(ctx context.Context, query string, threshold float64, n int) ([]SimilarEntry, error) {
	vec, err := c.embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []SimilarEntry
	for _, e := range c.index {
		if time.Now().After(e.expiresAt) {
			continue
		}
		sim := cosineSimilarity(vec, e.embedding)
		if sim >= threshold {
			candidates = append(candidates, SimilarEntry{QueryText: e.queryText, Similarity: sim})
		}
	}
	sortBySimilarityDesc(candidates)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates, nil
}

// Invalidate removes entries whose query text contains pattern, best
// effort, and returns the count removed.
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keep []*entry
	removed := 0
	// Iterate over a copy: lru.Remove fires onEvict, which edits c.index.
	for _, e := range append([]*entry(nil), c.index...) {
		if pattern == "" || strings.Contains(e.queryText, pattern) {
			c.lru.Remove(e.key)
			removed++
			continue
		}
		keep = append(keep, e)
	}
	c.index = keep
	return removed
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.index = nil
}

// Statistics reports current occupancy and cumulative hit/miss/eviction counts.
func (c *Cache) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Statistics{Entries: c.lru.Len(), Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

// Optimize removes expired entries outside the normal eviction path.
func (c *Cache) Optimize() OptimizeResult {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var keep []*entry
	removed := 0
	var freed int64
	now := time.Now()
	// Iterate over a copy: lru.Remove fires onEvict, which edits c.index.
	for _, e := range append([]*entry(nil), c.index...) {
		if now.After(e.expiresAt) {
			c.lru.Remove(e.key)
			removed++
			freed += int64(len(e.payload))
			continue
		}
		keep = append(keep, e)
	}
	c.index = keep

	return OptimizeResult{Removed: removed, FreedBytes: freed, OptimizationMS: time.Since(start).Milliseconds()}
}

func (c *Cache) findSimilarLocked(vec []float32, threshold float64) (*entry, float64) {
	var best *entry
	var bestScore float64
	for _, e := range c.index {
		sim := cosineSimilarity(vec, e.embedding)
		if sim > bestScore {
			bestScore = sim
			best = e
		}
	}
	if best == nil || bestScore < threshold {
		return nil, 0
	}
	return best, bestScore
}

func (c *Cache) removeFromIndexLocked(key string) {
	for i, e := range c.index {
		if e.key == key {
			c.index = append(c.index[:i], c.index[i+1:]...)
			return
		}
	}
}

func cacheKey(query string) string {
	return query // query text is the identity; no normalization beyond exact text
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func sortBySimilarityDesc(entries []SimilarEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Similarity > entries[j].Similarity })
}
