package cacheenv

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"dnscache/pkg/arena"
	"dnscache/pkg/msgstore"
	"dnscache/pkg/rrset"
	"dnscache/pkg/rrsetstore"
)

// fixedClock lets tests drive Env operations against an explicit instant
// rather than wall-clock time, the same role the spec's injected `now`
// plays throughout the core.
type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	env, err := New(Config{
		RRsetStore: rrsetstore.Config{ShardCount: 4, ShardCapacity: 64},
		MsgStore:   msgstore.Config{ShardCount: 4, ShardCapacity: 64},
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

func packRR(t *testing.T, zone string) rrset.RR {
	t.Helper()
	rr, err := dns.NewRR(zone)
	require.NoError(t, err)
	packed, err := rrset.FromMsgRR(rr)
	require.NoError(t, err)
	return packed
}

// TestStoreMessageThenLookupRoundTrip implements spec §8 scenario 1: an
// inserted reply with a single A RRset, looked up ten seconds later,
// must come back with its TTL rebased to the remaining 290 seconds.
func TestStoreMessageThenLookupRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	env.Clock = fixedClock{now}

	rec := packRR(t, "example.com. 300 IN A 192.0.2.1")
	q := QueryInfo{QName: "example.com.", QType: dns.TypeA, QClass: dns.ClassINET}
	env.StoreMessage(q, Reply{
		Answer: []RRsetInsert{{
			Key: rrset.NewKey("example.com.", dns.TypeA, dns.ClassINET, 0),
			Data: &rrset.Data{
				Records:    []rrset.RR{rec},
				TTL:        300 * time.Second,
				InsertedAt: now,
				Trust:      rrset.TrustAnswerAA,
			},
			Section: msgstore.SectionAnswer,
		}},
	}, 24*time.Hour)

	env.Clock = fixedClock{now.Add(10 * time.Second)}
	ar := arena.Get()
	defer ar.Release()

	msg, ok := env.Lookup(q, ar)
	require.True(t, ok)
	require.Len(t, msg.Answer, 1)
	require.Equal(t, uint32(290), msg.Answer[0].Header().Ttl)
}

// TestStoreMessageZeroTTLStillRetainsDelegation implements spec §8
// scenario 2: a zero-TTL message is never served, but its constituent
// NS RRset is still discoverable by FindDelegation afterward. The
// message TTL is the minimum constituent TTL, so a zero-TTL glue RRset
// makes the message zero-TTL while the NS RRset keeps its 60 seconds.
func TestStoreMessageZeroTTLStillRetainsDelegation(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	env.Clock = fixedClock{now}

	nsRec := packRR(t, "example.com. 60 IN NS ns1.example.com.")
	glueRec := packRR(t, "ns1.example.com. 0 IN A 192.0.2.53")
	q := QueryInfo{QName: "example.com.", QType: dns.TypeNS, QClass: dns.ClassINET}
	env.StoreMessage(q, Reply{
		Authority: []RRsetInsert{{
			Key: rrset.NewKey("example.com.", dns.TypeNS, dns.ClassINET, 0),
			Data: &rrset.Data{
				Records:    []rrset.RR{nsRec},
				TTL:        60 * time.Second,
				InsertedAt: now,
				Trust:      rrset.TrustAuthorityAA,
			},
			Section: msgstore.SectionAuthority,
		}},
		Additional: []RRsetInsert{{
			Key: rrset.NewKey("ns1.example.com.", dns.TypeA, dns.ClassINET, 0),
			Data: &rrset.Data{
				Records:    []rrset.RR{glueRec},
				TTL:        0,
				InsertedAt: now,
				Trust:      rrset.TrustGlue,
			},
			Section: msgstore.SectionAdditional,
		}},
	}, 24*time.Hour)

	ar := arena.Get()
	defer ar.Release()

	_, ok := env.Lookup(q, ar)
	require.False(t, ok, "zero-TTL reply must not be served")

	point, _, found := env.FindDelegation(q, ar, false)
	require.True(t, found, "NS rrset must survive even though the message didn't")
	require.Equal(t, "example.com.", point.Owner)
}

// TestStoreMessageCapsTTL verifies that a capped maxTTL shorter than the
// constituent RRset TTL is what ends up governing the cached message's
// lifetime, per spec §9's explicit-max_ttl decision.
func TestStoreMessageCapsTTL(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	env.Clock = fixedClock{now}

	rec := packRR(t, "capped.example.com. 3600 IN A 192.0.2.9")
	q := QueryInfo{QName: "capped.example.com.", QType: dns.TypeA, QClass: dns.ClassINET}
	env.StoreMessage(q, Reply{
		Answer: []RRsetInsert{{
			Key: rrset.NewKey("capped.example.com.", dns.TypeA, dns.ClassINET, 0),
			Data: &rrset.Data{
				Records:    []rrset.RR{rec},
				TTL:        3600 * time.Second,
				InsertedAt: now,
				Trust:      rrset.TrustAnswerAA,
			},
			Section: msgstore.SectionAnswer,
		}},
	}, 10*time.Second)

	env.Clock = fixedClock{now.Add(15 * time.Second)}
	ar := arena.Get()
	defer ar.Release()

	_, ok := env.Lookup(q, ar)
	require.False(t, ok, "expected the message's TTL to be capped below 15s")
}
