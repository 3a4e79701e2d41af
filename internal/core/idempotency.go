package core

import (
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/observability"
	"container/list"
	"fmt"
)

// DBIdempotencyChecker looks a request up in the persisted event log
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// DedupTier names where a duplicate was caught
type DedupTier string

const (
	TierLRU      DedupTier = "lru"
	TierPostgres DedupTier = "postgres"
)

// DedupStats counts duplicates per operation type and tier.
type DedupStats struct {
	Duplicates  map[string]map[DedupTier]int64
	Tier2Errors int64
}

// IdempotencyChecker rejects replayed request ids. Recent keys live in an LRU;
// misses fall through to the event log.
type IdempotencyChecker struct {
	lru   *IdempotencyLRU
	db    DBIdempotencyChecker
	stats DedupStats
	prom  *observability.Metrics
}

func NewIdempotencyChecker(capacity int, db DBIdempotencyChecker, prom *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:   NewIdempotencyLRU(capacity),
		db:    db,
		stats: DedupStats{Duplicates: make(map[string]map[DedupTier]int64)},
		prom:  prom,
	}
}

// CompositeKey is the cache key for a request: "<operation>:<request id>".
// Snapshots and RecentKeys use the same form.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the request was already applied. A failed
// event-log lookup is returned as an error: the request may be a replay whose
// key has left the LRU, so it must not be applied.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	key := CompositeKey(eventType, idempotencyKey)
	if ic.lru.Contains(key) {
		ic.recordDuplicate(eventType, TierLRU)
		return true, nil
	}
	if ic.db == nil {
		return false, nil
	}

	seen, err := ic.db.IsDuplicate(eventType, idempotencyKey)
	switch {
	case err != nil:
		ic.stats.Tier2Errors++
		if ic.prom != nil {
			ic.prom.DedupTier2Errors.Inc()
		}
		return false, fmt.Errorf("%w: dedup lookup %s: %v", errs.ErrUnavailable, key, err)
	case seen:
		ic.recordDuplicate(eventType, TierPostgres)
		ic.remember(key)
		return true, nil
	default:
		return false, nil
	}
}

// MarkProcessed caches the key of an applied request.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.remember(CompositeKey(eventType, idempotencyKey))
}

// Stats returns the duplicate counters. The maps are live; read them on the
// core goroutine only.
func (ic *IdempotencyChecker) Stats() DedupStats {
	return ic.stats
}

func (ic *IdempotencyChecker) remember(key string) {
	evicted := ic.lru.Add(key)
	if ic.prom != nil {
		ic.prom.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.prom.DedupLRUEvictions.Inc()
		}
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType string, tier DedupTier) {
	byTier := ic.stats.Duplicates[eventType]
	if byTier == nil {
		byTier = make(map[DedupTier]int64, 2)
		ic.stats.Duplicates[eventType] = byTier
	}
	byTier[tier]++
	if ic.prom != nil {
		ic.prom.IdempotencyDuplicates.WithLabelValues(eventType, string(tier)).Inc()
	}
}

// IdempotencyLRU is a bounded recency set of composite keys.
// Not thread-safe; only accessed from the single-threaded core.
type IdempotencyLRU struct {
	capacity  int
	index     map[string]*list.Element
	order     *list.List // front is most recent
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains reports whether key is cached and marks it recently used.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.index[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add caches key as most recent. It reports whether an older key was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, ok := lru.index[key]; ok {
		lru.order.MoveToFront(elem)
		return false
	}
	lru.index[key] = lru.order.PushFront(key)
	if lru.order.Len() <= lru.capacity {
		return false
	}

	oldest := lru.order.Back()
	lru.order.Remove(oldest)
	delete(lru.index, oldest.Value.(string))
	lru.evictions++
	return true
}

// WarmFromKeys adds keys oldest first, so the last key ends up most recent.
// Keys already cached keep their position.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, ok := lru.index[key]; !ok {
			lru.Add(key)
		}
	}
}

// GetAllKeys returns the cached keys oldest first, the order WarmFromKeys
// expects.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.order.Len())
	for e := lru.order.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

func (lru *IdempotencyLRU) Size() int {
	return lru.order.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
