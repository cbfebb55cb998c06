package gossip

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Bloom is the fixed-size filter exchanged during round initiation so each
// side only pushes the agent-info records the other is missing. False
// positives merely delay a record until a later round.
type Bloom struct {
	bits []byte
	k    int
}

// NewBloom creates a filter of nbits bits (rounded up to a whole byte) with k
// probe positions per key.
func NewBloom(nbits, k int) *Bloom {
	if nbits < 8 {
		nbits = 8
	}
	if k < 1 {
		k = 1
	}
	return &Bloom{
		bits: make([]byte, (nbits+7)/8),
		k:    k,
	}
}

// BloomFromBytes reconstructs a filter received over the wire.
func BloomFromBytes(bits []byte, k int) *Bloom {
	if k < 1 {
		k = 1
	}
	return &Bloom{bits: bits, k: k}
}

// indexes derives the k probe positions from a blake2b digest of the key.
func (b *Bloom) indexes(key []byte) []uint32 {
	sum := blake2b.Sum256(key)
	nbits := uint32(len(b.bits) * 8)

	idx := make([]uint32, b.k)
	for i := 0; i < b.k; i++ {
		idx[i] = binary.BigEndian.Uint32(sum[i*4:i*4+4]) % nbits
	}
	return idx
}

// Add inserts a key.
func (b *Bloom) Add(key []byte) {
	for _, i := range b.indexes(key) {
		b.bits[i/8] |= 1 << (i % 8)
	}
}

// Has reports whether the key may be present.
func (b *Bloom) Has(key []byte) bool {
	if len(b.bits) == 0 {
		return false
	}
	for _, i := range b.indexes(key) {
		if b.bits[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the wire form of the filter.
func (b *Bloom) Bytes() []byte {
	return b.bits
}
