package lock

import (
	"github.com/zeebo/xxh3"
)

// HashFunc derives the 32-bit hash that drives shard selection and bucket
// placement for a lock identity.
type HashFunc func(indexID uint64, key []byte) uint32

// defaultHash hashes the key bytes seeded by the index ID, folding the upper
// half of the 64-bit digest into the lower so both halves contribute to the
// shard index bits.
func defaultHash(indexID uint64, key []byte) uint32 {
	h := xxh3.HashSeed(key, indexID)
	return uint32(h>>32) ^ uint32(h)
}
