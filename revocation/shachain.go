// Package revocation implements the per-update revocation-secret scheme a
// DLC channel uses to make its previous buffer-transaction state punishable
// once superseded, resolving spec.md §9's open question on revocation-key
// derivation and publish-base rotation (see DESIGN.md's recorded decision).
//
// Only elkrem's serialization helpers survived retrieval for this spec, not
// its tree-indexing logic, so the derivation function below instead follows
// lnd's sibling shachain scheme: a seed is turned into O(log n)-storable
// per-index secrets by selectively flipping and re-hashing bits of a
// working buffer, the same algorithm BOLT-3 commitment secrets use.
package revocation

import "crypto/sha256"

// MaxIndexBits bounds the update-index space a single seed can serve,
// matching shachain's 48-bit commitment-number space (ample for a DLC
// channel that updates far less often than a payment channel forwards
// HTLCs).
const MaxIndexBits = 48

// MaxIndex is the largest index this scheme can serve.
const MaxIndex = (uint64(1) << MaxIndexBits) - 1

// CountingDownIndex maps a monotonically increasing channel update index to
// the counting-down index this package's bit-flip construction compresses
// well: callers should pass CountingDownIndex(updateIndex) to
// Producer/Store rather than the raw update index, the same
// counting-down-from-max convention BOLT-3 commitment secrets use, so that
// consecutive updates share long common bit-prefixes and the receiver's
// storage stays O(log n) rather than O(n).
func CountingDownIndex(updateIndex uint64) uint64 {
	return MaxIndex - updateIndex
}

// DeriveSecret derives the revocation secret for update index from seed,
// following the bit-flip-and-hash construction: starting from seed, for
// each bit position from MaxIndexBits-1 down to 0 that is set in index, the
// corresponding bit of the working buffer is flipped and the buffer is
// re-hashed. Two different indices sharing a common bit-prefix share a
// derivable ancestor, which is what lets a holder of log2(n) secrets
// reconstruct all n descendants without storing each one.
func DeriveSecret(seed [32]byte, index uint64) [32]byte {
	buffer := seed
	for b := MaxIndexBits - 1; b >= 0; b-- {
		if index&(1<<uint(b)) == 0 {
			continue
		}
		byteIdx := b / 8
		bitIdx := uint(b % 8)
		buffer[byteIdx] ^= 1 << bitIdx
		buffer = shaSum(buffer)
	}
	return buffer
}

func shaSum(b [32]byte) [32]byte {
	return sha256.Sum256(b[:])
}
