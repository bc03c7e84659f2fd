// Package rrset defines the composite identity and payload of a cached
// resource-record set, independent of how it is stored or served.
package rrset

import (
	"hash/fnv"
	"strings"

	"github.com/miekg/dns"
)

// Key is the composite identity of a cached RRset: owner name, type,
// class and an opaque flags bitfield (used to separate, e.g., glue from
// authoritative copies of the same name/type/class).
type Key struct {
	Owner string // canonical (lowercased, fully-qualified) owner name
	Type  uint16
	Class uint16
	Flags uint32
}

// NewKey canonicalizes owner before building a Key, so keys built from
// wire-parsed names and keys built programmatically always compare equal
// for the same logical name.
func NewKey(owner string, rtype, class uint16, flags uint32) Key {
	return Key{
		Owner: dns.CanonicalName(owner),
		Type:  rtype,
		Class: class,
		Flags: flags,
	}
}

// Equal reports whether two keys name the same RRset.
func (k Key) Equal(o Key) bool {
	return k.Type == o.Type && k.Class == o.Class && k.Flags == o.Flags &&
		strings.EqualFold(k.Owner, o.Owner)
}

// Hash returns a stable, non-cryptographic mix of the four key fields in
// a fixed order (type, class, flags, owner), so that a key built by a
// wire-parser and a key built by the store from the same logical RRset
// hash identically. FNV-1a is used for its speed and because it has no
// dependency on map iteration order or pointer identity.
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	putUint16(buf[0:2], k.Type)
	putUint16(buf[2:4], k.Class)
	putUint32(buf[4:8], k.Flags)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(strings.ToLower(k.Owner)))
	return h.Sum64()
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Compare implements the total order on Key used to sort RRsetRefs before
// multi-entry locking (spec §4.1/§5): type ascending, owner-name length
// ascending, owner compared canonically, class ascending, flags ascending.
// This fixed order lets every caller that needs to lock more than one
// entry agree on a single acquisition order, which is what makes
// lock_refs deadlock-free.
func Compare(a, b Key) int {
	if a.Type != b.Type {
		return cmpUint16(a.Type, b.Type)
	}
	al, bl := wireLen(a.Owner), wireLen(b.Owner)
	if al != bl {
		return cmpInt(al, bl)
	}
	if c := strings.Compare(strings.ToLower(a.Owner), strings.ToLower(b.Owner)); c != 0 {
		return c
	}
	if a.Class != b.Class {
		return cmpUint16(a.Class, b.Class)
	}
	return cmpUint32(a.Flags, b.Flags)
}

// wireLen returns the on-wire length of a domain name (length-prefixed
// labels terminated by the zero-length root label), which is what the
// spec's sort key actually orders on rather than the textual length.
func wireLen(name string) int {
	var buf [256]byte
	n, err := dns.PackDomainName(dns.Fqdn(name), buf[:], 0, nil, false)
	if err != nil {
		return len(dns.Fqdn(name)) + 1
	}
	return n
}

func cmpUint16(a, b uint16) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
