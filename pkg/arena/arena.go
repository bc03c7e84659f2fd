// Package arena provides the caller-supplied scratch allocator that
// served replies and delegation points are copied into. A served object
// never aliases store memory; it lives exactly as long as its arena.
package arena

import (
	"sync"

	"dnscache/pkg/rrset"
	"github.com/miekg/dns"
)

// Arena is a bump allocator for one lookup's worth of served state: RR
// copies, name strings, and the small fixed-size structs (ServedMessage,
// DelegationPoint) built on top of them. It is not safe for concurrent
// use by multiple goroutines — one Arena belongs to one in-flight
// lookup.
type Arena struct {
	rrs   []dns.RR
	names []string
}

// pool recycles Arena backing slices across lookups, the same role the
// source's bump region plays for a worker thread: avoid a fresh
// allocation on every query at the cost of a slightly larger retained
// working set.
var pool = sync.Pool{
	New: func() any {
		return &Arena{
			rrs:   make([]dns.RR, 0, 16),
			names: make([]string, 0, 8),
		}
	},
}

// Get returns an Arena ready for use, either fresh or recycled from the
// pool. Callers must call Release when the served object is no longer
// needed.
func Get() *Arena {
	return pool.Get().(*Arena)
}

// Release returns a resets and returns the Arena to the pool. Calling
// Release invalidates every dns.RR and string previously handed out by
// this Arena; callers must have finished using the served object first.
func (a *Arena) Release() {
	a.Reset()
	pool.Put(a)
}

// Reset discards everything allocated so far without returning the
// Arena to the pool, letting a single Arena be reused across several
// synthesis attempts within one lookup (e.g. DNAME walk backtracking).
func (a *Arena) Reset() {
	a.rrs = a.rrs[:0]
	a.names = a.names[:0]
}

// CopyRR unpacks a stored RR with the given remaining TTL and appends it
// to the arena, returning the live dns.RR the caller should place into a
// served message section.
func (a *Arena) CopyRR(r rrset.RR, ttlSeconds uint32) (dns.RR, error) {
	rr, err := r.ToMsgRR(ttlSeconds)
	if err != nil {
		return nil, err
	}
	a.rrs = append(a.rrs, rr)
	return rr, nil
}

// InternName copies s into the arena's name table and returns the
// arena-owned copy, so a synthesized name (e.g. a DNAME-rewritten qname)
// never aliases a caller-owned buffer.
func (a *Arena) InternName(s string) string {
	a.names = append(a.names, s)
	return a.names[len(a.names)-1]
}

// Len reports how many RRs this arena currently holds, for diagnostics
// and tests.
func (a *Arena) Len() int {
	return len(a.rrs)
}
