// Package identity implements the XOR-distance arithmetic that every other
// DHT component is built on: routing keys, distance, common-prefix length,
// and distance-ordered sorting.
package identity

import (
	"crypto/sha256"
	"math/big"
	"sort"
)

// KeySize is the width, in bytes, of a routing key (SHA-256 digest).
const KeySize = sha256.Size

// Key is a routing key: the SHA-256 digest of a peer identifier or an
// external content key. All distance math operates on Keys, never on the
// raw identifiers they were derived from.
type Key [KeySize]byte

// ToRoutingKey hashes an opaque identifier (peer ID bytes or content key
// bytes) down to its routing key.
func ToRoutingKey(b []byte) Key {
	return Key(sha256.Sum256(b))
}

// Bytes returns the key's big-endian byte representation.
func (k Key) Bytes() []byte {
	out := make([]byte, KeySize)
	copy(out, k[:])
	return out
}

// XORDistance returns the XOR distance between two keys, interpreted as
// big-endian unsigned integers.
func XORDistance(a, b Key) *big.Int {
	buf := make([]byte, KeySize)
	for i := range buf {
		buf[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(buf)
}

// Less reports whether a is strictly closer to target than b.
func Less(target, a, b Key) bool {
	return XORDistance(target, a).Cmp(XORDistance(target, b)) < 0
}

// CommonPrefixLen returns the number of leading bits shared between a and b,
// in [0, 8*KeySize]. Equal keys have the maximal cpl.
func CommonPrefixLen(a, b Key) int {
	for byteIdx := 0; byteIdx < KeySize; byteIdx++ {
		xor := a[byteIdx] ^ b[byteIdx]
		if xor == 0 {
			continue
		}
		// Count leading zero bits in this byte.
		for bit := 0; bit < 8; bit++ {
			if xor&(0x80>>uint(bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return 8 * KeySize
}

// Distanced pairs an arbitrary payload with its routing key, for use with
// SortByDistance.
type Distanced[T any] struct {
	Key   Key
	Value T
}

// SortByDistance stably sorts items ascending by XOR distance to target.
// Ties (equal distance) preserve input order, matching spec invariant 3's
// "ties broken by earlier insertion" when callers feed items in insertion
// order.
func SortByDistance[T any](items []Distanced[T], target Key) {
	sort.SliceStable(items, func(i, j int) bool {
		return Less(target, items[i].Key, items[j].Key)
	})
}
