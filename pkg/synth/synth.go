// Package synth implements the response synthesizer: the algorithm that
// turns cached state into a served reply, preferring an exact message
// hit, then DNAME-derived CNAME synthesis, then a direct CNAME hit.
package synth

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"

	"dnscache/pkg/arena"
	"dnscache/pkg/msgstore"
	"dnscache/pkg/rrset"
	"dnscache/pkg/rrsetstore"
	"dnscache/pkg/telemetry"
)

// ServedMessage is the object handed back to a caller: a deep copy of
// the query info and constituent RRsets, entirely owned by the arena it
// was built in. It never aliases cache memory.
type ServedMessage struct {
	QName  string
	QType  uint16
	QClass uint16
	Rcode  int

	Answer     []dns.RR
	Authority  []dns.RR
	Additional []dns.RR
}

// Synthesizer produces ServedMessages from the RRsetStore and
// MessageStore, implementing the ordering rules in the component design:
// exact message hit, then DNAME synthesis, then CNAME passthrough.
type Synthesizer struct {
	rrsets   *rrsetstore.Store
	messages *msgstore.Store
	metrics  *telemetry.Metrics
}

// New builds a Synthesizer over the given stores. metrics may be nil.
func New(rrsets *rrsetstore.Store, messages *msgstore.Store, metrics *telemetry.Metrics) *Synthesizer {
	return &Synthesizer{rrsets: rrsets, messages: messages, metrics: metrics}
}

// Lookup implements the full §4.3 algorithm. now must be the caller's
// single consistent timestamp for this operation; the synthesizer never
// reads the wall clock itself.
func (s *Synthesizer) Lookup(qname string, qtype, qclass uint16, now time.Time, ar *arena.Arena) (*ServedMessage, bool) {
	qname = dns.CanonicalName(qname)

	if msg, ok := s.exactHit(qname, qtype, qclass, now, ar); ok {
		return msg, true
	}
	if msg, ok := s.dnameSynthesis(qname, qtype, qclass, now, ar); ok {
		return msg, true
	}
	if msg, ok := s.cnameHit(qname, qtype, qclass, now, ar); ok {
		return msg, true
	}
	return nil, false
}

// exactHit implements step 1: MessageStore lookup, lock_refs on every
// constituent RRset, copy into the arena, unlock_touch.
func (s *Synthesizer) exactHit(qname string, qtype, qclass uint16, now time.Time, ar *arena.Arena) (*ServedMessage, bool) {
	qkey := msgstore.QueryKey{Name: qname, Type: qtype, Class: qclass}
	locked, ok := s.messages.Lookup(qkey, now)
	if !ok {
		return nil, false
	}
	info := locked.Info()

	lockedRefs, ok := s.rrsets.LockRefs(info.RefsOnly(), now)
	if !ok {
		locked.Unlock()
		return nil, false
	}

	msg := &ServedMessage{QName: qname, QType: qtype, QClass: qclass}
	for i, re := range info.Refs {
		data := lockedRefs[i].Data()
		for _, rec := range data.Records {
			rr, err := ar.CopyRR(rec, uint32(data.RemainingTTL(now).Seconds()))
			if err != nil {
				continue
			}
			appendSection(msg, re.Section, rr)
		}
	}

	s.rrsets.UnlockTouch(lockedRefs, now)
	locked.Unlock()
	return msg, true
}

func appendSection(msg *ServedMessage, section msgstore.Section, rr dns.RR) {
	switch section {
	case msgstore.SectionAnswer:
		msg.Answer = append(msg.Answer, rr)
	case msgstore.SectionAuthority:
		msg.Authority = append(msg.Authority, rr)
	default:
		msg.Additional = append(msg.Additional, rr)
	}
}

// dnameSynthesis implements step 2: walk qname ancestor-wise (including
// qname itself), looking up a DNAME at each label. DNAME is strictly
// preferred over CNAME, so this runs before cnameHit.
func (s *Synthesizer) dnameSynthesis(qname string, qtype, qclass uint16, now time.Time, ar *arena.Arena) (*ServedMessage, bool) {
	labels := dns.SplitDomainName(qname)
	if labels == nil {
		// qname is the root; no ancestor walk possible.
		labels = []string{}
	}

	for depth := 0; depth <= len(labels); depth++ {
		ancestor := ancestorAt(labels, depth)
		key := rrset.NewKey(ancestor, dns.TypeDNAME, qclass, 0)
		ref, data, unlock, ok := s.rrsets.Lookup(key, false, now)
		if !ok {
			continue
		}

		msg := &ServedMessage{QName: qname, QType: qtype, QClass: qclass}
		for _, rec := range data.Records {
			rr, err := ar.CopyRR(rec, uint32(data.RemainingTTL(now).Seconds()))
			if err != nil {
				continue
			}
			msg.Answer = append(msg.Answer, rr)
		}
		target, ok := dnameTarget(data)
		unlock()
		_ = ref

		if s.metrics != nil {
			s.metrics.DNAMESyntheses.Add(context.Background(), 1)
		}

		if !ok {
			return msg, true
		}

		if qtype == dns.TypeDNAME {
			// Degenerate case: DNAME queried directly, no CNAME needed.
			return msg, true
		}

		prefix := strings.Join(labels[:depth], ".")
		var newName string
		if prefix == "" {
			newName = target
		} else {
			newName = prefix + "." + target
		}
		newName = dns.Fqdn(newName)

		// A fully-qualified name's wire length is its text length plus one
		// (one length octet per label plus the root octet).
		if len(newName)+1 > 255 {
			msg.Rcode = dns.RcodeYXDomain
			return msg, true
		}

		cname := &dns.CNAME{
			Hdr: dns.RR_Header{
				Name:   qname,
				Rrtype: dns.TypeCNAME,
				Class:  qclass,
				Ttl:    0,
			},
			Target: ar.InternName(newName),
		}
		msg.Answer = append(msg.Answer, cname)
		return msg, true
	}

	return nil, false
}

// ancestorAt returns the dotted name formed by dropping the first depth
// labels, i.e. depth==0 is qname itself, depth==len(labels) is the root.
func ancestorAt(labels []string, depth int) string {
	if depth >= len(labels) {
		return "."
	}
	return dns.Fqdn(strings.Join(labels[depth:], "."))
}

// dnameTarget extracts the rewrite target from a cached DNAME RRset's
// single record, unpacking only as much of the rdata as needed to read
// its domain-name target.
func dnameTarget(data *rrset.Data) (string, bool) {
	if len(data.Records) == 0 {
		return "", false
	}
	rr, err := data.Records[0].ToMsgRR(0)
	if err != nil {
		return "", false
	}
	dname, ok := rr.(*dns.DNAME)
	if !ok {
		return "", false
	}
	return strings.TrimSuffix(dns.CanonicalName(dname.Target), "."), true
}

// cnameHit implements step 3: a direct CNAME RRset at qname. Callers are
// expected to re-drive resolution on the target themselves.
func (s *Synthesizer) cnameHit(qname string, qtype, qclass uint16, now time.Time, ar *arena.Arena) (*ServedMessage, bool) {
	key := rrset.NewKey(qname, dns.TypeCNAME, qclass, 0)
	_, data, unlock, ok := s.rrsets.Lookup(key, false, now)
	if !ok {
		return nil, false
	}
	defer unlock()

	msg := &ServedMessage{QName: qname, QType: qtype, QClass: qclass}
	for _, rec := range data.Records {
		rr, err := ar.CopyRR(rec, uint32(data.RemainingTTL(now).Seconds()))
		if err != nil {
			continue
		}
		msg.Answer = append(msg.Answer, rr)
	}
	if s.metrics != nil {
		s.metrics.CNAMEPassthrough.Add(context.Background(), 1)
	}
	return msg, true
}
