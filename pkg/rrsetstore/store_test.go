package rrsetstore

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"

	"dnscache/pkg/rrset"
)

func testKey(owner string, rtype uint16) rrset.Key {
	return rrset.NewKey(owner, rtype, dns.ClassINET, 0)
}

func testData(ttl time.Duration, now time.Time, trust rrset.Trust) *rrset.Data {
	return &rrset.Data{
		Records:    []rrset.RR{{Owner: "example.com.", Type: dns.TypeA, Class: dns.ClassINET, Rdata: []byte{192, 0, 2, 1}}},
		TTL:        ttl,
		InsertedAt: now,
		Trust:      trust,
		Security:   rrset.SecurityUnchecked,
	}
}

func TestInsertAndLookup(t *testing.T) {
	s, err := New(Config{ShardCount: 4, ShardCapacity: 16}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	now := time.Now()
	key := testKey("example.com.", dns.TypeA)
	ref := s.Insert(key, testData(300*time.Second, now, rrset.TrustAnswerAA), now)

	got, data, unlock, ok := s.Lookup(key, false, now.Add(10*time.Second))
	if !ok {
		t.Fatal("expected lookup hit")
	}
	defer unlock()
	if got.ID() != ref.ID() {
		t.Errorf("ref id = %d, want %d", got.ID(), ref.ID())
	}
	if data.Trust != rrset.TrustAnswerAA {
		t.Errorf("trust = %v, want %v", data.Trust, rrset.TrustAnswerAA)
	}
}

func TestLookupExpired(t *testing.T) {
	s, err := New(Config{ShardCount: 4, ShardCapacity: 16}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	now := time.Now()
	key := testKey("expired.example.com.", dns.TypeA)
	s.Insert(key, testData(5*time.Second, now, rrset.TrustAnswerAA), now)

	_, _, _, ok := s.Lookup(key, false, now.Add(10*time.Second))
	if ok {
		t.Fatal("expected expired entry to be a miss")
	}
}

func TestInsertTrustMonotonicity(t *testing.T) {
	s, err := New(Config{ShardCount: 4, ShardCapacity: 16}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	now := time.Now()
	key := testKey("trust.example.com.", dns.TypeA)
	first := s.Insert(key, testData(300*time.Second, now, rrset.TrustAnswerAA), now)

	lowTrust := testData(300*time.Second, now, rrset.TrustAdditionalNoAA)
	second := s.Insert(key, lowTrust, now)

	if second.ID() != first.ID() {
		t.Fatalf("lower-trust insert should not replace existing entry")
	}

	_, data, unlock, ok := s.Lookup(key, false, now)
	if !ok {
		t.Fatal("expected lookup hit")
	}
	defer unlock()
	if data.Trust != rrset.TrustAnswerAA {
		t.Errorf("trust = %v, want existing TrustAnswerAA preserved", data.Trust)
	}
}

func TestInsertTTLExtension(t *testing.T) {
	s, err := New(Config{ShardCount: 4, ShardCapacity: 16}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	now := time.Now()
	key := testKey("extend.example.com.", dns.TypeA)
	s.Insert(key, testData(60*time.Second, now, rrset.TrustAnswerAA), now)

	later := now.Add(30 * time.Second)
	same := testData(300*time.Second, later, rrset.TrustAnswerAA)
	s.Insert(key, same, later)

	_, data, unlock, ok := s.Lookup(key, false, later)
	if !ok {
		t.Fatal("expected lookup hit")
	}
	defer unlock()
	if data.RemainingTTL(later) < 299*time.Second {
		t.Errorf("expected TTL extension to the max of existing/new, got %v", data.RemainingTTL(later))
	}
}

func TestLockRefsStaleOnReplace(t *testing.T) {
	s, err := New(Config{ShardCount: 4, ShardCapacity: 16}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	now := time.Now()
	key := testKey("stale.example.com.", dns.TypeA)
	ref := s.Insert(key, testData(300*time.Second, now, rrset.TrustAnswerNoAA), now)

	differentData := testData(300*time.Second, now, rrset.TrustAnswerNoAA)
	differentData.Records[0].Rdata = []byte{198, 51, 100, 1}
	s.Insert(key, differentData, now)

	_, ok := s.LockRefs([]rrset.Ref{ref}, now)
	if ok {
		t.Fatal("expected stale ref to fail LockRefs after replacement")
	}
}

func TestLockRefsSortedOrder(t *testing.T) {
	s, err := New(Config{ShardCount: 4, ShardCapacity: 16}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	now := time.Now()
	k1 := testKey("z.example.com.", dns.TypeNS)
	k2 := testKey("a.example.com.", dns.TypeA)
	r1 := s.Insert(k1, testData(300*time.Second, now, rrset.TrustAnswerAA), now)
	r2 := s.Insert(k2, testData(300*time.Second, now, rrset.TrustAnswerAA), now)

	locked, ok := s.LockRefs([]rrset.Ref{r1, r2}, now)
	if !ok {
		t.Fatal("expected LockRefs to succeed")
	}
	defer s.UnlockRefs(locked)

	if len(locked) != 2 {
		t.Fatalf("expected 2 locked refs, got %d", len(locked))
	}
	if rrset.Compare(locked[0].Key(), locked[1].Key()) > 0 {
		t.Error("expected locked refs in sorted order")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s, err := New(Config{ShardCount: 4, ShardCapacity: 16}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	now := time.Now()
	key := testKey("sweep.example.com.", dns.TypeA)
	s.Insert(key, testData(1*time.Second, now, rrset.TrustAnswerAA), now)

	if err := s.Sweep(context.Background(), now.Add(5*time.Second)); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected expired entry to be swept, Len() = %d", s.Len())
	}
}
