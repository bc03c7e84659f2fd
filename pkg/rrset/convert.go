package rrset

import (
	"time"

	"github.com/miekg/dns"
)

// FromMsgRR packs a wire-parsed dns.RR into the store's RR representation.
// The full wire encoding (header and rdata) is kept as opaque bytes; the
// owner/type/class fields are duplicated out for key comparisons and
// trust decisions without re-unpacking.
func FromMsgRR(rr dns.RR) (RR, error) {
	hdr := rr.Header()
	buf := make([]byte, dns.Len(rr))
	n, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return RR{}, err
	}
	return RR{
		Owner: dns.CanonicalName(hdr.Name),
		Type:  hdr.Rrtype,
		Class: hdr.Class,
		Rdata: buf[:n],
	}, nil
}

// ToMsgRR unpacks a store RR back into a dns.RR with its TTL header
// field rewritten to ttl (seconds remaining, already rebased by the
// caller), ready for inclusion in a served message.
func (r RR) ToMsgRR(ttl uint32) (dns.RR, error) {
	parsed, _, err := dns.UnpackRR(r.Rdata, 0)
	if err != nil {
		return nil, err
	}
	parsed.Header().Ttl = ttl
	return parsed, nil
}

// MinTTL returns the minimum of a set of per-record remaining TTLs,
// matching the `ttl == min(rr_ttl[...])` invariant. Panics are avoided by
// returning zero for an empty set, which callers treat as already
// expired.
func MinTTL(perRecordTTL []time.Duration) time.Duration {
	if len(perRecordTTL) == 0 {
		return 0
	}
	min := perRecordTTL[0]
	for _, d := range perRecordTTL[1:] {
		if d < min {
			min = d
		}
	}
	return min
}
