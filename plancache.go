package myquery

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

// entryOverhead approximates the fixed bookkeeping cost of one cache entry
const entryOverhead = 256

// CachedPlan is the winning plan shape stored for a PlanCacheKey
type CachedPlan struct {
	Key           PlanCacheKey `json:"key"`
	PlanCacheKey  string       `json:"planCacheKey"`
	QueryHash     string       `json:"queryHash"`
	Plan          *PlanNode    `json:"cachedPlan"`
	PlanSummary   string       `json:"planSummary"`
	IsActive      bool         `json:"isActive"`
	Works         int          `json:"works"`
	CreatedAt     time.Time    `json:"timeOfCreation"`
	LastUsed      time.Time    `json:"lastUsed"`
	Uses          int64        `json:"uses"`
	TrialWins     int          `json:"trialWins"`
	EstimatedSize int64        `json:"estimatedSizeBytes"`
}

func (c *CachedPlan) clone() *CachedPlan {
	cp := *c
	cp.Plan = c.Plan.clone()
	return &cp
}

// TrialOutcome is what a trial reports about its winner
type TrialOutcome struct {
	Plan  *PlanNode
	Works int
	// Decisive activates a new entry without a second win
	Decisive bool
}

// PlanCache maps plan cache keys to winning plan shapes within a byte budget.
// Entries are evicted least recently used first regardless of their active state.
type PlanCache struct {
	mu        sync.Mutex
	entries   *simplelru.LRU[string, *CachedPlan]
	size      int64
	maxBytes  int64
	evictions *atomic.Int64
	logger    Logger
	metrics   *metrics
}

// NewPlanCache creates an empty plan cache
func NewPlanCache(maxBytes int64, logger Logger, m *metrics) *PlanCache {
	if logger == nil {
		logger = NewNopLogger()
	}
	if m == nil {
		m = newMetrics(nil)
	}
	entries, _ := simplelru.NewLRU[string, *CachedPlan](math.MaxInt32, nil)
	return &PlanCache{
		entries:   entries,
		maxBytes:  maxBytes,
		evictions: atomic.NewInt64(0),
		logger:    logger,
		metrics:   m,
	}
}

func estimateSize(key PlanCacheKey, plan *PlanNode) int64 {
	bits, _ := json.Marshal(plan)
	return int64(len(key.id())+len(bits)) + entryOverhead
}

// Lookup returns a copy of the entry for key. It does not run anything.
func (p *PlanCache) Lookup(key PlanCacheKey) (*CachedPlan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries.Get(key.id())
	if !ok {
		p.metrics.cacheMisses.Inc()
		return nil, false
	}
	if entry.IsActive {
		entry.Uses++
		entry.LastUsed = time.Now()
		p.metrics.cacheHits.Inc()
	} else {
		p.metrics.cacheMisses.Inc()
	}
	return entry.clone(), true
}

// peek returns a copy of the entry for key without touching recency or counters
func (p *PlanCache) peek(key PlanCacheKey) (*CachedPlan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries.Peek(key.id())
	if !ok {
		return nil, false
	}
	return entry.clone(), true
}

// RecordTrialOutcome applies a trial winner to the entry of key. A missing entry is created inactive
// (active when the win was decisive), an inactive entry with the same plan shape is promoted, an
// inactive entry with another shape is reset to the new shape and an active entry is left alone.
func (p *PlanCache) RecordTrialOutcome(ctx context.Context, key PlanCacheKey, outcome TrialOutcome) *CachedPlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := key.id()
	entry, ok := p.entries.Peek(id)
	switch {
	case !ok:
		entry = p.newEntry(key, outcome)
		entry.IsActive = outcome.Decisive
		p.insert(ctx, id, entry)
		p.logger.Debug(ctx, "plan cache entry created", map[string]any{
			"planCacheKey": entry.PlanCacheKey,
			"plan":         entry.PlanSummary,
			"active":       entry.IsActive,
		})
	case entry.IsActive:
		p.entries.Get(id)
	case entry.PlanSummary == outcome.Plan.String():
		entry.IsActive = true
		entry.Works = outcome.Works
		entry.TrialWins++
		p.entries.Get(id)
		p.metrics.cachePromotions.Inc()
		p.logger.Debug(ctx, "plan cache entry promoted", map[string]any{
			"planCacheKey": entry.PlanCacheKey,
			"plan":         entry.PlanSummary,
		})
	default:
		p.remove(id)
		entry = p.newEntry(key, outcome)
		entry.IsActive = outcome.Decisive
		p.insert(ctx, id, entry)
		p.logger.Debug(ctx, "plan cache entry reset", map[string]any{
			"planCacheKey": entry.PlanCacheKey,
			"plan":         entry.PlanSummary,
		})
	}
	if current, ok := p.entries.Peek(id); ok {
		return current.clone()
	}
	return nil
}

// Replace overwrites the entry of key with a new inactive entry. The replanning coordinator uses it
// after it discarded an active plan.
func (p *PlanCache) Replace(ctx context.Context, key PlanCacheKey, outcome TrialOutcome) *CachedPlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := key.id()
	p.remove(id)
	entry := p.newEntry(key, outcome)
	entry.IsActive = outcome.Decisive
	p.insert(ctx, id, entry)
	if current, ok := p.entries.Peek(id); ok {
		return current.clone()
	}
	return nil
}

func (p *PlanCache) newEntry(key PlanCacheKey, outcome TrialOutcome) *CachedPlan {
	now := time.Now()
	return &CachedPlan{
		Key:           key,
		PlanCacheKey:  key.String(),
		QueryHash:     key.Shape.Hash(),
		Plan:          outcome.Plan.clone(),
		PlanSummary:   outcome.Plan.String(),
		Works:         outcome.Works,
		CreatedAt:     now,
		LastUsed:      now,
		TrialWins:     1,
		EstimatedSize: estimateSize(key, outcome.Plan),
	}
}

// insert adds an entry and evicts the least recently used entries until the cache fits its budget
func (p *PlanCache) insert(ctx context.Context, id string, entry *CachedPlan) {
	p.entries.Add(id, entry)
	p.size += entry.EstimatedSize
	p.metrics.cacheInserts.Inc()
	p.enforceBudget(ctx)
}

func (p *PlanCache) enforceBudget(ctx context.Context) {
	for p.size > p.maxBytes && p.entries.Len() > 0 {
		_, evicted, ok := p.entries.RemoveOldest()
		if !ok {
			break
		}
		p.size -= evicted.EstimatedSize
		p.evictions.Inc()
		p.metrics.cacheEvictions.Inc()
		p.logger.Debug(ctx, "plan cache entry evicted", map[string]any{
			"planCacheKey": evicted.PlanCacheKey,
		})
	}
	p.observe()
}

func (p *PlanCache) remove(id string) bool {
	entry, ok := p.entries.Peek(id)
	if !ok {
		return false
	}
	p.entries.Remove(id)
	p.size -= entry.EstimatedSize
	p.observe()
	return true
}

func (p *PlanCache) observe() {
	p.metrics.cacheBytes.Set(float64(p.size))
	p.metrics.cacheEntries.Set(float64(p.entries.Len()))
}

// Remove deletes the entry of key
func (p *PlanCache) Remove(key PlanCacheKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remove(key.id())
}

// removeWhere deletes every entry matching fn and returns how many were removed
func (p *PlanCache) removeWhere(ctx context.Context, reason string, fn func(entry *CachedPlan) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed int
	for _, id := range p.entries.Keys() {
		entry, ok := p.entries.Peek(id)
		if ok && fn(entry) && p.remove(id) {
			removed++
		}
	}
	if removed > 0 {
		p.metrics.cacheInvalidations.Add(float64(removed))
		p.logger.Debug(ctx, "plan cache entries invalidated", map[string]any{
			"reason":  reason,
			"removed": removed,
		})
	}
	return removed
}

// InvalidateAll removes every entry. Calling it again on an empty cache is a no-op.
func (p *PlanCache) InvalidateAll(ctx context.Context) int {
	return p.removeWhere(ctx, "invalidate all", func(*CachedPlan) bool { return true })
}

// InvalidateForIndexChange removes the entries of a collection after an index build or drop
func (p *PlanCache) InvalidateForIndexChange(ctx context.Context, collection string) int {
	return p.removeWhere(ctx, "index change", func(e *CachedPlan) bool { return e.Key.Collection == collection })
}

// InvalidateCollection removes the entries of a dropped or cleared collection
func (p *PlanCache) InvalidateCollection(ctx context.Context, collection string) int {
	return p.removeWhere(ctx, "collection cleared", func(e *CachedPlan) bool { return e.Key.Collection == collection })
}

// ClearShape removes the entries of one query shape in a collection
func (p *PlanCache) ClearShape(ctx context.Context, collection string, shape QueryShape) int {
	return p.removeWhere(ctx, "shape cleared", func(e *CachedPlan) bool {
		return e.Key.Collection == collection && e.Key.Shape == shape
	})
}

// SetMaxBytes changes the byte budget and evicts entries until the cache fits. A budget of 0
// evicts every entry.
func (p *PlanCache) SetMaxBytes(ctx context.Context, maxBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBytes = maxBytes
	p.enforceBudget(ctx)
}

// Stats lists the entries of a collection from least to most recently used. An empty collection
// lists every entry. It does not change recency or usage counters.
func (p *PlanCache) Stats(collection string) []CachedPlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []CachedPlan
	for _, id := range p.entries.Keys() {
		entry, ok := p.entries.Peek(id)
		if !ok || (collection != "" && entry.Key.Collection != collection) {
			continue
		}
		out = append(out, *entry.clone())
	}
	return out
}

// Evictions is the number of entries evicted to honor the byte budget
func (p *PlanCache) Evictions() int64 {
	return p.evictions.Load()
}

// Size is the estimated size of the cache in bytes
func (p *PlanCache) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Len is the number of entries
func (p *PlanCache) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.Len()
}

// Collections lists the collections with cached plans
func (p *PlanCache) Collections() []string {
	return lo.Uniq(lo.Map(p.Stats(""), func(e CachedPlan, _ int) string { return e.Key.Collection }))
}
