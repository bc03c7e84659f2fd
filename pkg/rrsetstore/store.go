// Package rrsetstore implements the concurrent RRset cache: a sharded
// map from composite RRset key to RRset data, with entry-level
// reader/writer locks and a trust/TTL-aware merge policy on insert.
package rrsetstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dnscache/pkg/logging"
	"dnscache/pkg/rrset"
	"dnscache/pkg/telemetry"
)

// Config controls shard fan-out and background sweep behavior. Zero
// values are replaced with sane defaults by New.
type Config struct {
	ShardCount    int
	ShardCapacity int
	SweepInterval time.Duration
	// EvictionScorer optionally overrides the default recency/hit-count
	// eviction score; nil uses DefaultScorer.
	EvictionScorer Scorer
}

func (c Config) withDefaults() Config {
	if c.ShardCount <= 0 {
		c.ShardCount = 64
	}
	if c.ShardCapacity <= 0 {
		c.ShardCapacity = 4096
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.EvictionScorer == nil {
		c.EvictionScorer = DefaultScorer{}
	}
	return c
}

// Store is the concurrent RRset cache. All exported methods are safe for
// concurrent use by multiple resolver worker goroutines.
type Store struct {
	cfg     Config
	shards  []*shard
	nextID  atomic.Uint64
	metrics *telemetry.Metrics
	logger  *logging.Logger

	closeOnce sync.Once
	stopSweep chan struct{}
}

// New builds a Store and starts its background expiry sweep goroutine,
// which runs every cfg.SweepInterval (30s when unset). Call Close to stop
// the sweep.
func New(cfg Config, metrics *telemetry.Metrics, logger *logging.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger != nil {
		logger = logger.Component("rrsetstore")
	}
	s := &Store{
		cfg:       cfg,
		shards:    make([]*shard, cfg.ShardCount),
		metrics:   metrics,
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
	for i := range s.shards {
		sh, err := newShard(cfg.ShardCapacity, cfg.EvictionScorer, s.onEvict)
		if err != nil {
			return nil, err
		}
		s.shards[i] = sh
	}
	go s.sweepLoop()
	return s, nil
}

func (s *Store) shardFor(key rrset.Key) *shard {
	return s.shards[shardIndex(key, len(s.shards))]
}

func (s *Store) onEvict(key rrset.Key, e *entry) {
	e.mu.Lock()
	e.id = 0
	e.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RRsetEvictions.Add(context.Background(), 1)
		s.metrics.RRsetSize.Add(context.Background(), -1)
	}
}

// Lookup finds the entry for key, checks it is unexpired at now, and
// returns a Ref plus the locked data under the requested lock mode. A
// miss (absent or expired) returns ok=false; an expired entry found this
// way is removed from its shard so the next lookup doesn't pay the
// expiry check again.
func (s *Store) Lookup(key rrset.Key, write bool, now time.Time) (ref rrset.Ref, data *rrset.Data, unlock func(), ok bool) {
	sh := s.shardFor(key)
	e, found := sh.cache.Get(key)
	if !found {
		s.recordMiss()
		return rrset.Ref{}, nil, nil, false
	}

	if write {
		e.mu.Lock()
	} else {
		e.mu.RLock()
	}

	if e.id == 0 || e.expired(now) {
		if write {
			e.mu.Unlock()
		} else {
			e.mu.RUnlock()
		}
		sh.cache.Remove(key)
		s.recordMiss()
		return rrset.Ref{}, nil, nil, false
	}

	s.recordHit()
	id := e.id
	d := e.data
	unlockFn := func() {
		if write {
			e.mu.Unlock()
		} else {
			e.mu.RUnlock()
		}
	}
	return rrset.NewRef(key, id), d, unlockFn, true
}

func (s *Store) recordHit() {
	if s.metrics != nil {
		s.metrics.RRsetHits.Add(context.Background(), 1)
	}
}

func (s *Store) recordMiss() {
	if s.metrics != nil {
		s.metrics.RRsetMisses.Add(context.Background(), 1)
	}
}

// Insert installs or merges data for ref.Key, per the trust/TTL merge
// policy:
//   - no existing entry: install fresh, assign a new id.
//   - existing entry has strictly higher trust: keep it, rewrite ref to
//     the existing key/id so the caller adopts the canonical copy.
//   - existing entry byte-equal to the new data: extend TTLs to the max
//     of existing and new, id unchanged.
//   - otherwise: replace in place, bump id (invalidates outstanding refs).
func (s *Store) Insert(key rrset.Key, data *rrset.Data, now time.Time) rrset.Ref {
	sh := s.shardFor(key)

	if existing, found := sh.cache.Get(key); found {
		existing.mu.Lock()
		if existing.id != 0 && !existing.expired(now) {
			switch {
			case existing.data.Trust > data.Trust:
				id := existing.id
				existing.mu.Unlock()
				s.recordInsert()
				return rrset.NewRef(key, id)
			case existing.data.SameRdata(data):
				merged := *existing.data
				merged.TTL = maxDuration(existing.data.RemainingTTL(now), data.TTL)
				merged.InsertedAt = now
				existing.data = &merged
				id := existing.id
				existing.mu.Unlock()
				s.recordInsert()
				return rrset.NewRef(key, id)
			default:
				existing.id = s.nextID.Add(1)
				existing.data = data
				id := existing.id
				existing.mu.Unlock()
				s.recordInsert()
				return rrset.NewRef(key, id)
			}
		}
		existing.mu.Unlock()
	}

	if sh.cache.Len() >= sh.capacity {
		// Pick the victim by score before the container's own Add would
		// otherwise evict by raw LRU recency, so trust/idle-aware ranking
		// (not just "oldest touched") decides who makes room.
		sh.evictWorst(now)
	}

	e := &entry{id: s.nextID.Add(1), data: data}
	e.touch(now)
	sh.cache.Add(key, e)
	if s.metrics != nil {
		s.metrics.RRsetSize.Add(context.Background(), 1)
	}
	s.recordInsert()
	return rrset.NewRef(key, e.id)
}

func (s *Store) recordInsert() {
	if s.metrics != nil {
		s.metrics.RRsetInserts.Add(context.Background(), 1)
	}
}

// LockRefs acquires a read lock on every entry named by refs, in the
// §4.1 total sort order, verifying each entry's id tag still matches.
// On any mismatch it releases everything it had acquired and returns
// ok=false; the caller must treat this as a miss, never retry partway.
func (s *Store) LockRefs(refs []rrset.Ref, now time.Time) (locked []lockedRef, ok bool) {
	sorted := make([]rrset.Ref, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool {
		return rrset.Compare(sorted[i].Key, sorted[j].Key) < 0
	})

	locked = make([]lockedRef, 0, len(sorted))
	for _, ref := range sorted {
		sh := s.shardFor(ref.Key)
		// Peek, not Get: lock_refs never updates LRU recency on its own;
		// only unlock_touch does, per the store's touch contract.
		e, found := sh.cache.Peek(ref.Key)
		if !found {
			s.unlockAll(locked)
			s.recordStale()
			return nil, false
		}
		e.mu.RLock()
		if e.id == 0 || e.id != ref.ID() || e.expired(now) {
			e.mu.RUnlock()
			s.unlockAll(locked)
			s.recordStale()
			return nil, false
		}
		locked = append(locked, lockedRef{key: ref.Key, entry: e})
	}
	return locked, true
}

func (s *Store) recordStale() {
	if s.metrics != nil {
		s.metrics.RRsetStaleRefs.Add(context.Background(), 1)
	}
}

func (s *Store) unlockAll(locked []lockedRef) {
	for _, lr := range locked {
		lr.entry.mu.RUnlock()
	}
}

// UnlockRefs releases read locks acquired by LockRefs without touching
// LRU recency.
func (s *Store) UnlockRefs(locked []lockedRef) {
	s.unlockAll(locked)
}

// UnlockTouch releases read locks acquired by LockRefs and records an
// LRU touch (recency + hit count) for each entry. The touch is recorded
// via atomic store rather than a lock upgrade, so it's safe to call
// while other readers still hold the same entry's read lock.
func (s *Store) UnlockTouch(locked []lockedRef, now time.Time) {
	for _, lr := range locked {
		lr.entry.touch(now)
		lr.entry.mu.RUnlock()
	}
}

// Data returns the data payload currently guarded by a LockRefs entry,
// for copying into a caller's scratch arena while the read lock is held.
func (lr lockedRef) Data() *rrset.Data {
	return lr.entry.data
}

// Key returns the RRset key this locked ref names.
func (lr lockedRef) Key() rrset.Key {
	return lr.key
}

type lockedRef struct {
	key   rrset.Key
	entry *entry
}

// Sweep scans every shard concurrently, evicting every entry that has
// expired by now, then — if the shard is still at or over capacity —
// evicting its single lowest-scored survivor via the same Scorer Insert
// uses. It is called on Config.SweepInterval and can also be invoked
// directly (e.g. in tests) without waiting for the ticker.
func (s *Store) Sweep(ctx context.Context, now time.Time) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sh := range s.shards {
		sh := sh
		g.Go(func() error {
			for _, key := range sh.cache.Keys() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				e, found := sh.cache.Peek(key)
				if !found {
					continue
				}
				e.mu.RLock()
				expired := e.id == 0 || e.expired(now)
				e.mu.RUnlock()
				if expired {
					sh.cache.Remove(key)
				}
			}
			if sh.cache.Len() >= sh.capacity {
				sh.evictWorst(now)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(context.Background(), time.Now()); err != nil && s.logger != nil {
				s.logger.Warn("rrset sweep error", "error", err)
			}
		case <-s.stopSweep:
			return
		}
	}
}

// Close stops the background sweep goroutine. It does not evict any
// remaining entries; the Store is simply abandoned for garbage
// collection afterward.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
	})
}

// Len returns the total number of live entries across all shards,
// primarily for tests and diagnostics.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.cache.Len()
	}
	return total
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
