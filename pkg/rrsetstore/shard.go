package rrsetstore

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"dnscache/pkg/rrset"
)

// shard is one bucket of the sharded RRsetStore: its own hash-bucketed
// LRU container (the out-of-scope external collaborator named in the
// spec) plus the bucket-level lock that the container already provides
// internally. Holding an entry's own mu is what a caller actually blocks
// on; the shard's internal lock is only ever held for the duration of a
// single Get/Add/Remove call.
//
// capacity/scorer back evictWorst: the shard picks its own victim by
// score before it ever lets the underlying container's capacity check
// fire, so the configured Scorer (not raw LRU recency) is what actually
// decides who gets evicted under pressure.
type shard struct {
	cache    *lru.Cache[rrset.Key, *entry]
	capacity int
	scorer   Scorer
}

func newShard(capacity int, scorer Scorer, onEvict func(rrset.Key, *entry)) (*shard, error) {
	c, err := lru.NewWithEvict[rrset.Key, *entry](capacity, onEvict)
	if err != nil {
		return nil, err
	}
	return &shard{cache: c, capacity: capacity, scorer: scorer}, nil
}

// shardIndex picks a shard for key from its own stable FNV-1a hash, the
// same sharding approach the teacher's ShardedCache uses for client keys.
func shardIndex(key rrset.Key, shardCount int) int {
	return int(key.Hash() % uint64(shardCount))
}

// evictWorst removes one entry from the shard: the first already-expired
// entry it finds, or failing that the entry with the lowest Scorer
// score. Called just before an insert would otherwise push the shard
// over capacity, so the container's own LRU eviction on Add is a
// backstop for the race window, not the primary eviction path.
func (sh *shard) evictWorst(now time.Time) {
	keys := sh.cache.Keys()
	if len(keys) == 0 {
		return
	}

	var victim rrset.Key
	haveVictim := false
	var victimScore float64

	for _, k := range keys {
		e, ok := sh.cache.Peek(k)
		if !ok {
			continue
		}
		e.mu.RLock()
		expired := e.id == 0 || e.expired(now)
		score := sh.scorer.Score(scoreInputFor(e, now))
		e.mu.RUnlock()

		if expired {
			sh.cache.Remove(k)
			return
		}
		if !haveVictim || score < victimScore {
			victim, victimScore = k, score
			haveVictim = true
		}
	}

	if haveVictim {
		sh.cache.Remove(victim)
	}
}
