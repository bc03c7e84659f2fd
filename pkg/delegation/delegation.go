// Package delegation implements the DelegationBuilder: given a name,
// finds the longest known ancestor NS set and attaches glue and
// DS/NSEC security records to build a referral.
package delegation

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"dnscache/pkg/arena"
	"dnscache/pkg/rrset"
	"dnscache/pkg/rrsetstore"
	"dnscache/pkg/telemetry"
)

// Address is a resolved nameserver address, attached to a DelegationPoint
// and mirrored into the referral's additional section.
type Address struct {
	Name string
	IPv4 []net.IP
	IPv6 []net.IP
}

// Point is the delegation point for a name: its owner, known
// nameservers and their resolved addresses, and any attached DS/NSEC.
// It lives entirely in the caller's arena.
type Point struct {
	Owner       string
	NameServers []string
	Addresses   []Address
	DS          []dns.RR
	NSEC        []dns.RR
}

// Builder implements find_delegation over an RRsetStore.
type Builder struct {
	rrsets  *rrsetstore.Store
	metrics *telemetry.Metrics
}

// New builds a Builder over rrsets. metrics may be nil.
func New(rrsets *rrsetstore.Store, metrics *telemetry.Metrics) *Builder {
	return &Builder{rrsets: rrsets, metrics: metrics}
}

// Referral is the optional accompanying ServedMessage-shaped payload a
// caller can ask FindDelegation to build alongside the Point: the NS set
// as the first authority RRset, DS/NSEC following it, and up to 2×|NS|
// glue RRsets in additional.
type Referral struct {
	Flags      uint16
	Authority  []dns.RR
	Additional []dns.RR
}

// FindDelegation walks ancestors of qname (including itself), looking
// for the first cached NS set. Returns ok=false only if no NS set is
// found even at the root. A partially populated Point (missing glue or
// security records) is still returned with ok=true; absence of glue is
// never fatal.
func (b *Builder) FindDelegation(qname string, qtype, qclass uint16, now time.Time, ar *arena.Arena, wantReferral bool) (*Point, *Referral, bool) {
	qname = dns.CanonicalName(qname)
	labels := dns.SplitDomainName(qname)

	var owner string
	var nsNames []string
	found := false

	for depth := 0; depth <= len(labels); depth++ {
		ancestor := ancestorAt(labels, depth)
		key := rrset.NewKey(ancestor, dns.TypeNS, qclass, 0)
		_, data, unlock, ok := b.rrsets.Lookup(key, false, now)
		if !ok {
			continue
		}
		owner = ancestor
		for _, rec := range data.Records {
			if rr, err := ar.CopyRR(rec, uint32(data.RemainingTTL(now).Seconds())); err == nil {
				if ns, isNS := rr.(*dns.NS); isNS {
					nsNames = append(nsNames, ar.InternName(dns.CanonicalName(ns.Ns)))
				}
			}
		}
		found = true
		// Release the NS lock before any further lookup, per the
		// single-lock-at-a-time contract for the delegation builder.
		unlock()
		break
	}

	if !found {
		return nil, nil, false
	}

	if b.metrics != nil {
		b.metrics.DelegationWalks.Add(context.Background(), 1)
	}

	point := &Point{Owner: ar.InternName(owner), NameServers: nsNames}
	var referral *Referral
	if wantReferral {
		referral = &Referral{}
		key := rrset.NewKey(owner, dns.TypeNS, qclass, 0)
		if _, data, unlock, ok := b.rrsets.Lookup(key, false, now); ok {
			for _, rec := range data.Records {
				if rr, err := ar.CopyRR(rec, uint32(data.RemainingTTL(now).Seconds())); err == nil {
					referral.Authority = append(referral.Authority, rr)
				}
			}
			unlock()
		}
	}

	b.attachSecurity(point, referral, qclass, now, ar)
	b.attachGlue(point, referral, qclass, now, ar)

	return point, referral, true
}

// attachSecurity looks up a DS at the delegation owner, falling back to
// a parent-side NSEC if absent. NSEC3 is not handled (see DESIGN.md);
// absence of either is not fatal.
func (b *Builder) attachSecurity(point *Point, referral *Referral, qclass uint16, now time.Time, ar *arena.Arena) {
	dsKey := rrset.NewKey(point.Owner, dns.TypeDS, qclass, 0)
	if _, data, unlock, ok := b.rrsets.Lookup(dsKey, false, now); ok {
		for _, rec := range data.Records {
			if rr, err := ar.CopyRR(rec, uint32(data.RemainingTTL(now).Seconds())); err == nil {
				point.DS = append(point.DS, rr)
				if referral != nil {
					referral.Authority = append(referral.Authority, rr)
				}
			}
		}
		unlock()
		return
	}

	nsecKey := rrset.NewKey(point.Owner, dns.TypeNSEC, qclass, 0)
	if _, data, unlock, ok := b.rrsets.Lookup(nsecKey, false, now); ok {
		for _, rec := range data.Records {
			if rr, err := ar.CopyRR(rec, uint32(data.RemainingTTL(now).Seconds())); err == nil {
				point.NSEC = append(point.NSEC, rr)
				if referral != nil {
					referral.Authority = append(referral.Authority, rr)
				}
			}
		}
		unlock()
	}
}

// attachGlue looks up A/AAAA for each nameserver name, populating the
// Point's address table and the referral's additional section. A
// nameserver with no cached glue is left out of the address table; that
// is not an error.
func (b *Builder) attachGlue(point *Point, referral *Referral, qclass uint16, now time.Time, ar *arena.Arena) {
	for _, nsName := range point.NameServers {
		addr := Address{Name: nsName}
		hit := false

		aKey := rrset.NewKey(nsName, dns.TypeA, qclass, 0)
		if _, data, unlock, ok := b.rrsets.Lookup(aKey, false, now); ok {
			for _, rec := range data.Records {
				if rr, err := ar.CopyRR(rec, uint32(data.RemainingTTL(now).Seconds())); err == nil {
					if a, isA := rr.(*dns.A); isA {
						addr.IPv4 = append(addr.IPv4, a.A)
					}
					if referral != nil {
						referral.Additional = append(referral.Additional, rr)
					}
					hit = true
				}
			}
			unlock()
		}

		aaaaKey := rrset.NewKey(nsName, dns.TypeAAAA, qclass, 0)
		if _, data, unlock, ok := b.rrsets.Lookup(aaaaKey, false, now); ok {
			for _, rec := range data.Records {
				if rr, err := ar.CopyRR(rec, uint32(data.RemainingTTL(now).Seconds())); err == nil {
					if aaaa, isAAAA := rr.(*dns.AAAA); isAAAA {
						addr.IPv6 = append(addr.IPv6, aaaa.AAAA)
					}
					if referral != nil {
						referral.Additional = append(referral.Additional, rr)
					}
					hit = true
				}
			}
			unlock()
		}

		if hit {
			point.Addresses = append(point.Addresses, addr)
			if b.metrics != nil {
				b.metrics.DelegationGlueHits.Add(context.Background(), 1)
			}
		}
	}
}

func ancestorAt(labels []string, depth int) string {
	if depth >= len(labels) {
		return "."
	}
	return dns.Fqdn(strings.Join(labels[depth:], "."))
}
