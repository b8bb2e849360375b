// Package trie compresses a numeric payout curve into a minimal set of
// digit-prefix leaves, each carrying one adaptor signature, per spec.md
// §5's digit trie: "a prefix tree over outcome digits, compressed by a
// greedy shortest-suffix cover so that runs of outcomes with identical
// rounded payout share a single CET and adaptor signature." It also covers
// the multi-oracle variants: exact digit-path agreement across a threshold
// of oracles, and bounded pairwise disagreement between attested values.
package trie

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/kkdai/bstream"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/payout"
)

// Leaf is one compressed prefix of the outcome digit space: every numeric
// outcome whose digit path starts with Prefix shares Split and therefore
// one CET/adaptor signature.
type Leaf struct {
	Prefix []uint32
	Split  payout.Split
}

// Digits returns the digit path for outcome value x in the given base,
// most-significant digit first, exactly Digits long.
func Digits(x uint64, base uint32, digits uint32) []uint32 {
	out := make([]uint32, digits)
	b := uint64(base)
	for i := int(digits) - 1; i >= 0; i-- {
		out[i] = uint32(x % b)
		x /= b
	}
	return out
}

// Value is the inverse of Digits.
func Value(path []uint32, base uint32) uint64 {
	var x uint64
	for _, d := range path {
		x = x*uint64(base) + uint64(d)
	}
	return x
}

// Build runs the greedy shortest-suffix cover over fn's domain
// [0, base^digits), grouping consecutive outcomes by identical rounded
// split into the fewest disjoint digit prefixes. It returns
// dlcerrors.ErrBadCover if the produced prefixes don't exactly, disjointly
// cover the domain — a programming-error guard, since the construction
// below is total by design.
func Build(fn *dlc.PayoutFunction, totalCollateral btcutil.Amount, base, digits uint32) ([]Leaf, error) {
	max := pow(base, digits)

	// Pass 1: find maximal runs of outcomes sharing the same split.
	type run struct {
		start, end uint64 // inclusive
		split      payout.Split
	}
	var runs []run
	var cur *run
	for x := uint64(0); x < max; x++ {
		split, err := payout.Numeric(fn, totalCollateral, x)
		if err != nil {
			return nil, err
		}
		if cur != nil && cur.split == split {
			cur.end = x
			continue
		}
		if cur != nil {
			runs = append(runs, *cur)
		}
		cur = &run{start: x, end: x, split: split}
	}
	if cur != nil {
		runs = append(runs, *cur)
	}

	// Pass 2: cover each run with the fewest aligned digit-prefixes,
	// the standard range-to-prefixes decomposition (CDC/DLC spec
	// "greedy shortest suffix" algorithm): repeatedly take the largest
	// base-aligned block that fits at the current position.
	var leaves []Leaf
	for _, r := range runs {
		pos := r.start
		for pos <= r.end {
			prefixLen := largestAlignedPrefix(pos, r.end, base, digits)
			blockSize := pow(base, digits-prefixLen)
			leaves = append(leaves, Leaf{
				Prefix: Digits(pos/blockSize, base, prefixLen),
				Split:  r.split,
			})
			pos += blockSize
		}
	}

	if err := verifyCover(leaves, base, digits); err != nil {
		return nil, err
	}
	return leaves, nil
}

// largestAlignedPrefix finds the shortest prefix length (longest block)
// starting at pos that (a) fits entirely within [pos, end] and (b) is
// aligned: pos is a multiple of base^(digits-len).
func largestAlignedPrefix(pos, end uint64, base, digits uint32) uint32 {
	for prefixLen := uint32(0); prefixLen <= digits; prefixLen++ {
		blockSize := pow(base, digits-prefixLen)
		if pos%blockSize != 0 {
			continue
		}
		if pos+blockSize-1 <= end {
			return prefixLen
		}
	}
	return digits
}

func pow(base, exp uint32) uint64 {
	r := uint64(1)
	for i := uint32(0); i < exp; i++ {
		r *= uint64(base)
	}
	return r
}

// verifyCover checks the produced leaves disjointly and exactly cover
// [0, base^digits).
func verifyCover(leaves []Leaf, base, digits uint32) error {
	type interval struct{ lo, hi uint64 }
	intervals := make([]interval, 0, len(leaves))
	for _, l := range leaves {
		lo := Value(l.Prefix, base) * pow(base, digits-uint32(len(l.Prefix)))
		hi := lo + pow(base, digits-uint32(len(l.Prefix))) - 1
		intervals = append(intervals, interval{lo, hi})
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].lo < intervals[j].lo })

	want := uint64(0)
	for _, iv := range intervals {
		if iv.lo != want {
			return dlcerrors.ErrBadCover
		}
		want = iv.hi + 1
	}
	if want != pow(base, digits) {
		return dlcerrors.ErrBadCover
	}
	return nil
}

// Lookup finds the leaf matching a single oracle's full digit attestation.
func Lookup(leaves []Leaf, attestedDigits []uint32) (*Leaf, error) {
	for i := range leaves {
		if hasPrefix(attestedDigits, leaves[i].Prefix) {
			return &leaves[i], nil
		}
	}
	return nil, dlcerrors.ErrNoMatchingOutcome
}

func hasPrefix(digits, prefix []uint32) bool {
	if len(prefix) > len(digits) {
		return false
	}
	for i, d := range prefix {
		if digits[i] != d {
			return false
		}
	}
	return true
}

// MultiOracleExact resolves a multi-oracle numeric contract requiring
// threshold-of-n exact digit-path agreement: it groups the attested digit
// paths by value and returns the leaf for any value attested by at least
// threshold oracles.
func MultiOracleExact(leaves []Leaf, attestations [][]uint32, threshold int) (*Leaf, error) {
	counts := make(map[uint64]int)
	for _, a := range attestations {
		counts[pathKey(a)]++
	}
	for key, n := range counts {
		if n >= threshold {
			for _, a := range attestations {
				if pathKey(a) == key {
					return Lookup(leaves, a)
				}
			}
		}
	}
	return nil, dlcerrors.ErrNoMatchingOutcome
}

func pathKey(path []uint32) uint64 {
	var k uint64
	for _, d := range path {
		k = k<<8 | uint64(d&0xff)
	}
	return k
}

// MultiOracleBounded resolves a numeric contract allowing bounded pairwise
// disagreement maxDisagreement between attested values: it accepts the set
// of attestations if every pair's attested value differs by at most
// maxDisagreement, and settles on the average of the attested values,
// rounded down (the
// convention recorded as spec.md's open-question resolution for
// disagreement handling, mirroring the digit-decomposition approach
// cryptogarage's and p2p DLC specs use for "numeric outcome with tolerance").
func MultiOracleBounded(leaves []Leaf, attestations [][]uint32, base uint32, maxDisagreement uint64) (*Leaf, error) {
	if len(attestations) == 0 {
		return nil, dlcerrors.ErrNoMatchingOutcome
	}
	values := make([]uint64, len(attestations))
	for i, a := range attestations {
		values[i] = Value(a, base)
	}
	for i := range values {
		for j := i + 1; j < len(values); j++ {
			diff := values[i] - values[j]
			if values[j] > values[i] {
				diff = values[j] - values[i]
			}
			if diff > maxDisagreement {
				return nil, dlcerrors.ErrNoMatchingOutcome
			}
		}
	}

	var sum uint64
	for _, v := range values {
		sum += v
	}
	avg := sum / uint64(len(values))
	digits := Digits(avg, base, uint32(len(attestations[0])))
	return Lookup(leaves, digits)
}

// ReadAttestedDigits decodes a big-endian digit path packed into raw,
// reading bitsNeeded(base) bits per digit, most significant digit first,
// and reducing each modulo base, via a bit-level reader the way other
// fixed-width-field oracle formats are parsed in the pack.
func ReadAttestedDigits(raw []byte, base uint32, digits uint32) ([]uint32, error) {
	bitsPerDigit := bitsNeeded(base)
	r := bstream.NewBStreamReader(raw)
	out := make([]uint32, digits)
	for i := uint32(0); i < digits; i++ {
		bits, err := r.ReadBits(int(bitsPerDigit))
		if err != nil {
			return nil, dlcerrors.Wrap(dlcerrors.KindInternal, err)
		}
		out[i] = uint32(bits) % base
	}
	return out, nil
}

func bitsNeeded(base uint32) uint32 {
	n := uint32(0)
	for (uint32(1) << n) < base {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}
