// Package bloom provides the membership sketch stored alongside each anchor
// identifier set. Dependent tables probe it before falling back to an exact
// catalog lookup, so the common case of a present identifier never touches
// the identifier_values table.
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// DefaultFPR is the false-positive target for identifier sets.
const DefaultFPR = 0.001

// Filter is a bloom filter over identifier strings. No false negatives:
// every added identifier always tests positive. Not safe for concurrent
// writers; sets are built once by a single extraction and then only read.
type Filter struct {
	words []uint64
	m     uint64
	k     uint64
	n     uint64
}

// ForIdentifiers sizes a filter for distinct identifiers at the given
// false-positive rate.
func ForIdentifiers(distinct int64, fpr float64) *Filter {
	if distinct < 1 {
		distinct = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultFPR
	}
	m, k := Size(distinct, fpr)
	return newFilter(m, k)
}

// Size returns the bit count m = -n ln p / ln2^2 and hash count k = m/n ln2.
func Size(distinct int64, fpr float64) (m, k uint64) {
	n := float64(distinct)
	bits := math.Ceil(-n * math.Log(fpr) / (math.Ln2 * math.Ln2))
	if bits < 64 {
		bits = 64
	}
	hashes := math.Ceil(bits / n * math.Ln2)
	if hashes < 1 {
		hashes = 1
	}
	return uint64(bits), uint64(hashes)
}

func newFilter(m, k uint64) *Filter {
	words := (m + 63) / 64
	return &Filter{words: make([]uint64, words), m: words * 64, k: k}
}

// Add records an identifier.
func (f *Filter) Add(id string) {
	h1, h2 := murmur3.Sum128([]byte(id))
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		f.words[pos/64] |= 1 << (pos % 64)
	}
	f.n++
}

// MayContain reports false only if id was definitely never added.
func (f *Filter) MayContain(id string) bool {
	h1, h2 := murmur3.Sum128([]byte(id))
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		if f.words[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of Add calls.
func (f *Filter) Count() uint64 { return f.n }

// Bits returns the size of the bit array.
func (f *Filter) Bits() uint64 { return f.m }

// Hashes returns the number of probes per identifier.
func (f *Filter) Hashes() uint64 { return f.k }

// EstimatedFPR returns (1 - e^(-kn/m))^k for the current fill.
func (f *Filter) EstimatedFPR() float64 {
	if f.n == 0 {
		return 0
	}
	k, n, m := float64(f.k), float64(f.n), float64(f.m)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
