package rrset

import (
	"testing"

	"github.com/miekg/dns"
)

func TestKeyEqual(t *testing.T) {
	a := NewKey("Example.COM.", dns.TypeA, dns.ClassINET, 0)
	b := NewKey("example.com.", dns.TypeA, dns.ClassINET, 0)
	if !a.Equal(b) {
		t.Fatalf("expected %+v to equal %+v", a, b)
	}
	if a.Hash() != b.Hash() {
		t.Fatalf("expected hashes to match for canonically-equal keys")
	}

	c := NewKey("example.com.", dns.TypeAAAA, dns.ClassINET, 0)
	if a.Equal(c) {
		t.Fatalf("did not expect %+v to equal %+v", a, c)
	}
}

func TestCompareTotalOrder(t *testing.T) {
	a := NewKey("a.example.com.", dns.TypeA, dns.ClassINET, 0)
	b := NewKey("b.example.com.", dns.TypeA, dns.ClassINET, 0)
	c := NewKey("example.com.", dns.TypeNS, dns.ClassINET, 0)

	if Compare(a, a) != 0 {
		t.Fatalf("expected self-compare to be 0")
	}
	if Compare(a, b) == 0 {
		t.Fatalf("expected different owners of equal length to differ")
	}
	if Compare(a, c) == Compare(c, a) {
		t.Fatalf("expected Compare to be antisymmetric")
	}
}

func TestCompareAntisymmetricAcrossKeys(t *testing.T) {
	keys := []Key{
		NewKey("zzz.example.com.", dns.TypeNS, dns.ClassINET, 0),
		NewKey("a.example.com.", dns.TypeA, dns.ClassINET, 0),
		NewKey("example.com.", dns.TypeA, dns.ClassINET, 0),
	}
	for i := 0; i < len(keys); i++ {
		for j := 0; j < len(keys); j++ {
			if i == j {
				continue
			}
			ij := Compare(keys[i], keys[j])
			ji := Compare(keys[j], keys[i])
			if (ij < 0) != (ji > 0) && ij != 0 {
				t.Fatalf("Compare not antisymmetric for %d,%d", i, j)
			}
		}
	}
}
