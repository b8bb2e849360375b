package revocation

import "github.com/dlcd-io/dlcd/dlcerrors"

type bucketEntry struct {
	index  uint64
	secret [32]byte
}

// Store is the receiver side of the revocation scheme: it holds O(log n)
// secrets revealed by a counterparty and can derive any index reachable
// from one of them, so a DLC channel doesn't need to retain one secret per
// update forever. Mirrors the compact storage property elkrem/shachain
// trees provide.
type Store struct {
	buckets [MaxIndexBits + 1]*bucketEntry
}

// NewStore returns an empty revocation-secret store.
func NewStore() *Store {
	return &Store{}
}

// lowestSetBit returns the position of index's lowest set bit, or
// MaxIndexBits if index is zero (the universal ancestor of every index).
func lowestSetBit(index uint64) int {
	for b := 0; b < MaxIndexBits; b++ {
		if index&(1<<uint(b)) != 0 {
			return b
		}
	}
	return MaxIndexBits
}

// isAncestor reports whether the secret stored at ancestorIndex, whose
// lowest set bit is at ancestorBucket, can derive descIndex's secret: the
// two indices must agree on every bit at position >= ancestorBucket.
func isAncestor(ancestorIndex, descIndex uint64, ancestorBucket int) bool {
	if ancestorBucket >= MaxIndexBits {
		return true
	}
	mask := ^uint64(0) << uint(ancestorBucket)
	return ancestorIndex&mask == descIndex&mask
}

// derivePartial continues the bit-flip-and-hash chain from an already
// partially-derived secret, applying only the bits of targetIndex below
// fromBucket (the bits above were already baked into secret).
func derivePartial(secret [32]byte, targetIndex uint64, fromBucket int) [32]byte {
	buffer := secret
	for b := fromBucket - 1; b >= 0; b-- {
		if targetIndex&(1<<uint(b)) == 0 {
			continue
		}
		byteIdx := b / 8
		bitIdx := uint(b % 8)
		buffer[byteIdx] ^= 1 << bitIdx
		buffer = shaSum(buffer)
	}
	return buffer
}

// Insert records a newly revealed secret, verifying it's consistent with
// every already-stored ancestor and pruning any stored secret that is now
// itself derivable from the new one.
func (s *Store) Insert(index uint64, secret [32]byte) error {
	bucket := lowestSetBit(index)

	for b := bucket + 1; b <= MaxIndexBits; b++ {
		e := s.buckets[b]
		if e == nil || !isAncestor(e.index, index, b) {
			continue
		}
		if derivePartial(e.secret, index, b) != secret {
			return dlcerrors.New(dlcerrors.KindInvalidSignature, "revealed revocation secret does not match its ancestor")
		}
	}

	for b := 0; b < bucket; b++ {
		e := s.buckets[b]
		if e != nil && isAncestor(index, e.index, bucket) {
			s.buckets[b] = nil
		}
	}

	s.buckets[bucket] = &bucketEntry{index: index, secret: secret}
	return nil
}

// Derive returns the secret for index, reconstructing it from the nearest
// stored ancestor if index itself was never directly inserted.
func (s *Store) Derive(index uint64) ([32]byte, error) {
	for b := MaxIndexBits; b >= 0; b-- {
		e := s.buckets[b]
		if e == nil || !isAncestor(e.index, index, b) {
			continue
		}
		return derivePartial(e.secret, index, b), nil
	}
	return [32]byte{}, dlcerrors.ErrChannelNotFound
}
