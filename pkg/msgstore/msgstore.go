// Package msgstore implements the concurrent message (reply) cache: a
// sharded map from query key to a ReplyInfo whose constituent RRsets are
// referenced by identity into the RRsetStore, not copied by value.
package msgstore

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"dnscache/pkg/rrset"
	"dnscache/pkg/telemetry"
)

// QueryKey identifies a cached reply: the question that produced it.
// Name comparisons are case-insensitive.
type QueryKey struct {
	Name  string
	Type  uint16
	Class uint16
}

// Equal compares two query keys case-insensitively on name.
func (q QueryKey) Equal(o QueryKey) bool {
	return q.Type == o.Type && q.Class == o.Class && sameFold(q.Name, o.Name)
}

func sameFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Section identifies which message section a constituent RRset belongs
// to. The spec's ref list is sorted by RRsetKey for deadlock-free
// locking, which discards positional section information; Section is
// carried alongside each ref so a ServedMessage can still be rebuilt
// section-by-section after the sorted lock_refs pass.
type Section int

const (
	SectionAnswer Section = iota
	SectionAuthority
	SectionAdditional
)

// RefEntry pairs a constituent RRsetRef with the section it serves in.
type RefEntry struct {
	Ref     rrset.Ref
	Section Section
}

// ReplyInfo is the cached payload for a QueryKey: section sizes, the
// combined rcode/flag word, and the sorted list of RRsetRefs that must
// all still be live for this reply to be servable.
type ReplyInfo struct {
	Flags      uint16
	QDCount    uint16
	ANCount    uint16
	NSCount    uint16
	ARCount    uint16
	TTL        time.Duration
	InsertedAt time.Time
	Refs       []RefEntry // sorted by rrset.Compare(Ref.Key) on insert
}

// RRsetCount returns an+ns+ar, the total number of constituent RRsets.
func (r *ReplyInfo) RRsetCount() int {
	return int(r.ANCount) + int(r.NSCount) + int(r.ARCount)
}

// RefsOnly returns the plain Ref slice, e.g. for passing to
// rrsetstore.LockRefs.
func (r *ReplyInfo) RefsOnly() []rrset.Ref {
	refs := make([]rrset.Ref, len(r.Refs))
	for i, re := range r.Refs {
		refs[i] = re.Ref
	}
	return refs
}

func (r *ReplyInfo) expiresAt() time.Time {
	return r.InsertedAt.Add(r.TTL)
}

func (r *ReplyInfo) expired(now time.Time) bool {
	return !now.Before(r.expiresAt())
}

type msgEntry struct {
	mu   sync.RWMutex
	info *ReplyInfo
}

type shard struct {
	cache *lru.Cache[QueryKey, *msgEntry]
}

// Config controls shard fan-out and capacity. Zero values fall back to
// defaults sized for a mid-size resolver's working set.
type Config struct {
	ShardCount    int
	ShardCapacity int
}

func (c Config) withDefaults() Config {
	if c.ShardCount <= 0 {
		c.ShardCount = 64
	}
	if c.ShardCapacity <= 0 {
		c.ShardCapacity = 4096
	}
	return c
}

// Store is the concurrent message cache.
type Store struct {
	cfg     Config
	shards  []*shard
	metrics *telemetry.Metrics
}

// New builds a message Store with cfg.ShardCount independent shards.
func New(cfg Config, metrics *telemetry.Metrics) (*Store, error) {
	cfg = cfg.withDefaults()
	s := &Store{cfg: cfg, shards: make([]*shard, cfg.ShardCount), metrics: metrics}
	for i := range s.shards {
		c, err := lru.New[QueryKey, *msgEntry](cfg.ShardCapacity)
		if err != nil {
			return nil, err
		}
		s.shards[i] = &shard{cache: c}
	}
	return s, nil
}

func (s *Store) shardFor(key QueryKey) *shard {
	return s.shards[queryHash(key)%uint64(len(s.shards))]
}

func queryHash(key QueryKey) uint64 {
	return rrset.NewKey(key.Name, key.Type, key.Class, 0).Hash()
}

// LockedReply is a read-locked handle to a cached ReplyInfo. Callers
// must call Unlock (directly, or through the Synthesizer which wraps
// this type) exactly once.
type LockedReply struct {
	entry *msgEntry
}

// Info returns the ReplyInfo guarded by this handle.
func (l LockedReply) Info() *ReplyInfo {
	return l.entry.info
}

// Unlock releases the read lock acquired by Lookup.
func (l LockedReply) Unlock() {
	l.entry.mu.RUnlock()
}

// Lookup returns a read-locked ReplyInfo for key if present and
// unexpired at now. An expired entry is treated as a miss and evicted.
// The caller is responsible for then calling rrsetstore.LockRefs on the
// returned Refs before trusting any of the constituent data.
func (s *Store) Lookup(key QueryKey, now time.Time) (LockedReply, bool) {
	sh := s.shardFor(key)
	e, found := sh.cache.Get(key)
	if !found {
		s.recordMiss()
		return LockedReply{}, false
	}
	e.mu.RLock()
	if e.info == nil || e.info.expired(now) {
		e.mu.RUnlock()
		sh.cache.Remove(key)
		s.recordMiss()
		return LockedReply{}, false
	}
	s.recordHit()
	return LockedReply{entry: e}, true
}

func (s *Store) recordHit() {
	if s.metrics != nil {
		s.metrics.MessageHits.Add(context.Background(), 1)
	}
}

func (s *Store) recordMiss() {
	if s.metrics != nil {
		s.metrics.MessageMisses.Add(context.Background(), 1)
	}
}

// Store installs info under key. If info.TTL == 0 (a zero-TTL reply),
// the message itself is not retained — the caller is still expected to
// have inserted info's constituent RRsets into the RRsetStore before
// calling Store, so delegation information from those RRsets survives
// even though this message does not.
func (s *Store) Store(key QueryKey, info *ReplyInfo, now time.Time) {
	if info.TTL <= 0 {
		return
	}
	info.InsertedAt = now
	sh := s.shardFor(key)
	sh.cache.Add(key, &msgEntry{info: info})
	if s.metrics != nil {
		s.metrics.MessageSize.Add(context.Background(), 1)
	}
}

// Len returns the total number of live entries across all shards.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.cache.Len()
	}
	return total
}
