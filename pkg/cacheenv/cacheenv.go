// Package cacheenv exposes the cache core's external interface: the
// env-bundled entry points dns_cache_store_msg, dns_cache_lookup and
// dns_cache_find_delegation, wired over concrete RRsetStore, MessageStore,
// Synthesizer and DelegationBuilder instances.
package cacheenv

import (
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"dnscache/pkg/arena"
	"dnscache/pkg/delegation"
	"dnscache/pkg/logging"
	"dnscache/pkg/msgstore"
	"dnscache/pkg/rateguard"
	"dnscache/pkg/rrset"
	"dnscache/pkg/rrsetstore"
	"dnscache/pkg/synth"
	"dnscache/pkg/telemetry"
)

// Clock supplies the single, explicit current-time source every cache
// operation threads through; the core never reads the wall clock
// directly, which is what makes it possible to drive it from tests with
// an injected now.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// generation is one complete, internally-consistent set of stores built
// from a single Config. Env swaps this out wholesale on Reconfigure
// instead of mutating individual fields, so a StoreMessage/Lookup call
// in flight at the moment of a config reload always runs entirely
// against one generation or the next, never a mix of both.
type generation struct {
	rrsets      *rrsetstore.Store
	messages    *msgstore.Store
	synth       *synth.Synthesizer
	delegations *delegation.Builder
	rateGuard   *rateguard.Guard
}

// Env bundles the two stores and the clock, mirroring the env argument
// threaded through every exported cache operation; the arena is passed
// per call instead.
// Its store generation is held behind an atomic pointer so Reconfigure
// can rebuild it without callers needing to pause or re-fetch the Env.
type Env struct {
	gen atomic.Pointer[generation]

	metrics    *telemetry.Metrics
	baseLogger *logging.Logger
	Clock      Clock
	Logger     *logging.Logger
}

// Config bundles the sub-store configuration needed to build an Env.
type Config struct {
	RRsetStore rrsetstore.Config
	MsgStore   msgstore.Config
	RateGuard  rateguard.Config
	MaxTTL     time.Duration
}

func buildGeneration(cfg Config, metrics *telemetry.Metrics, logger *logging.Logger) (*generation, error) {
	// rrsetstore.New derives its own "rrsetstore" component scope; hand it
	// the env-level logger unscoped so it can apply that scoping itself.
	rrsets, err := rrsetstore.New(cfg.RRsetStore, metrics, logger)
	if err != nil {
		return nil, err
	}
	messages, err := msgstore.New(cfg.MsgStore, metrics)
	if err != nil {
		return nil, err
	}
	guard := rateguard.New(cfg.RateGuard, metrics)

	return &generation{
		rrsets:      rrsets,
		messages:    messages,
		synth:       synth.New(rrsets, messages, metrics),
		delegations: delegation.New(rrsets, metrics),
		rateGuard:   guard,
	}, nil
}

// New builds a fully wired Env: RRsetStore, MessageStore, Synthesizer and
// DelegationBuilder all sharing the same metrics. The logger goes to the
// RRsetStore and to the Env itself.
func New(cfg Config, metrics *telemetry.Metrics, logger *logging.Logger) (*Env, error) {
	g, err := buildGeneration(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}

	scoped := logger
	if logger != nil {
		scoped = logger.Component("cacheenv")
	}
	e := &Env{
		metrics:    metrics,
		baseLogger: logger,
		Clock:      SystemClock{},
		Logger:     scoped,
	}
	e.gen.Store(g)
	return e, nil
}

// Reconfigure rebuilds the RRsetStore, MessageStore, Synthesizer,
// DelegationBuilder and rate guard from cfg and atomically swaps them
// in for the current generation, then stops the previous generation's
// background goroutines. Because shard count and capacity determine how
// entries are bucketed, a reconfigure necessarily starts the cache cold
// rather than rebucketing live entries; this is the mechanism
// cmd/cachesrv's config watcher drives on a detected Cache/RateGuard
// change.
func (e *Env) Reconfigure(cfg Config) error {
	next, err := buildGeneration(cfg, e.metrics, e.baseLogger)
	if err != nil {
		return err
	}
	prev := e.gen.Swap(next)
	if prev != nil {
		prev.rrsets.Close()
		prev.rateGuard.Stop()
	}
	if e.Logger != nil {
		e.Logger.Debug("cache generation swapped",
			"shard_count", cfg.RRsetStore.ShardCount,
			"rrset_capacity", cfg.RRsetStore.ShardCapacity,
			"rate_guard_enabled", cfg.RateGuard.Enabled,
		)
	}
	return nil
}

// Close stops the Env's background goroutines (currently just the
// RRsetStore's sweep loop and the rate guard's cleanup loop).
func (e *Env) Close() {
	g := e.gen.Load()
	g.rrsets.Close()
	g.rateGuard.Stop()
}

// QueryInfo is the (qname, qtype, qclass) triple every exported
// operation takes, mirroring QueryKey but exported at the env boundary
// for callers that don't otherwise depend on msgstore.
type QueryInfo struct {
	QName  string
	QType  uint16
	QClass uint16
}

// Reply is what a caller hands to StoreMessage: the flags and the
// section record sets (already trust-tagged by the validator, which
// lives outside this package). It carries no TTL of its own;
// StoreMessage derives the message TTL from the constituent RRsets.
type Reply struct {
	Flags      uint16
	Answer     []RRsetInsert
	Authority  []RRsetInsert
	Additional []RRsetInsert
}

// RRsetInsert is one constituent RRset of a reply being stored: its key,
// data, and which section it serves.
type RRsetInsert struct {
	Key     rrset.Key
	Data    *rrset.Data
	Section msgstore.Section
}

// StoreMessage implements dns_cache_store_msg: insert every constituent
// RRset (merging per the RRsetStore policy, rewriting each ref to the
// store-canonical key/id), sort the refs, and insert the message —
// skipping retention of the message itself if the capped TTL is zero,
// while still retaining the already-inserted RRsets.
//
// Section counts on the stored ReplyInfo are derived from the refs that
// actually survive the rate guard, not from the input section lengths:
// an entry the guard drops never reaches RRsetStore.Insert, so it must
// not be counted either, or rrset_count would disagree with len(refs)
// (spec §3 invariant).
func (e *Env) StoreMessage(q QueryInfo, reply Reply, maxTTL time.Duration) {
	g := e.gen.Load()
	now := e.Clock.Now()
	all := make([]RRsetInsert, 0, len(reply.Answer)+len(reply.Authority)+len(reply.Additional))
	all = append(all, reply.Answer...)
	all = append(all, reply.Authority...)
	all = append(all, reply.Additional...)

	refs := make([]msgstore.RefEntry, 0, len(all))
	var anCount, nsCount, arCount uint16
	var minTTL time.Duration
	first := true
	for _, ins := range all {
		if !g.rateGuard.Allow(ins.Key.Owner) {
			continue
		}
		ref := g.rrsets.Insert(ins.Key, ins.Data, now)
		refs = append(refs, msgstore.RefEntry{Ref: ref, Section: ins.Section})
		switch ins.Section {
		case msgstore.SectionAnswer:
			anCount++
		case msgstore.SectionAuthority:
			nsCount++
		default:
			arCount++
		}
		remaining := ins.Data.RemainingTTL(now)
		if first || remaining < minTTL {
			minTTL = remaining
			first = false
		}
	}

	sortRefEntries(refs)

	if maxTTL > 0 && minTTL > maxTTL {
		minTTL = maxTTL
	}

	info := &msgstore.ReplyInfo{
		Flags:   reply.Flags,
		ANCount: anCount,
		NSCount: nsCount,
		ARCount: arCount,
		TTL:     minTTL,
		Refs:    refs,
	}
	g.messages.Store(msgstore.QueryKey{Name: q.QName, Type: q.QType, Class: q.QClass}, info, now)
}

func sortRefEntries(refs []msgstore.RefEntry) {
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && rrset.Compare(refs[j].Ref.Key, refs[j-1].Ref.Key) < 0; j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}
}

// Lookup implements dns_cache_lookup: delegates to the Synthesizer using
// the env's own clock.
func (e *Env) Lookup(q QueryInfo, ar *arena.Arena) (*synth.ServedMessage, bool) {
	g := e.gen.Load()
	return g.synth.Lookup(dns.CanonicalName(q.QName), q.QType, q.QClass, e.Clock.Now(), ar)
}

// FindDelegation implements dns_cache_find_delegation: delegates to the
// DelegationBuilder using the env's own clock.
func (e *Env) FindDelegation(q QueryInfo, ar *arena.Arena, wantReferral bool) (*delegation.Point, *delegation.Referral, bool) {
	g := e.gen.Load()
	return g.delegations.FindDelegation(q.QName, q.QType, q.QClass, e.Clock.Now(), ar, wantReferral)
}
