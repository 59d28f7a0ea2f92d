package forest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/minio/blake2b-simd"
	"github.com/minio/sha256-simd"
)

// HashAlgorithm selects the function used for key, item and node digests.
// All replicas of a tree must use the same one.
type HashAlgorithm int

const (
	// HashSHA256 is the default.
	HashSHA256 HashAlgorithm = iota
	HashBLAKE2b
)

func (a HashAlgorithm) sum(b []byte) [32]byte {
	switch a {
	case HashBLAKE2b:
		return blake2b.Sum256(b)
	default:
		return sha256.Sum256(b)
	}
}

func (a HashAlgorithm) String() string {
	switch a {
	case HashSHA256:
		return "sha256"
	case HashBLAKE2b:
		return "blake2b-256"
	default:
		return fmt.Sprintf("HashAlgorithm(%d)", int(a))
	}
}

// DigestHex is the hex encoding of a node or item digest. It is the
// address of a node in a Forest. The empty DigestHex means "no root".
type DigestHex string

// Short returns a prefix of the digest for logs and dumps.
func (d DigestHex) Short() string {
	if len(d) > 8 {
		return string(d[:8])
	}
	return string(d)
}

func digestHex(sum [32]byte) DigestHex {
	return DigestHex(hex.EncodeToString(sum[:]))
}

// Pair is a key and value to be written to a tree.
type Pair struct {
	Key   string
	Value []byte
}

// Item is an immutable entry of a tree node. Values must not be modified
// once they are part of an Item.
type Item struct {
	Key   string
	Value []byte
	// Digest covers both key and value.
	Digest DigestHex
	// Level is derived from the key alone.
	Level int
}

func (f *Forest) makeItem(key string, value []byte) *Item {
	f.itemHashOps++
	itemHashOps.Inc()
	buf := make([]byte, 0, binary.MaxVarintLen64+len(key)+len(value))
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	buf = append(buf, key...)
	buf = append(buf, value...)
	v := make([]byte, len(value))
	copy(v, value)
	return &Item{
		Key:    key,
		Value:  v,
		Digest: digestHex(f.hash.sum(buf)),
		Level:  f.KeyLevel(key),
	}
}

// KeyLevel returns the level of the node a key belongs in: the number of
// leading zero hex digits of the key's hash.
func (f *Forest) KeyLevel(key string) int {
	sum := f.hash.sum([]byte(key))
	return leadingZeroNibbles(sum[:])
}

func leadingZeroNibbles(b []byte) int {
	n := 0
	for _, c := range b {
		if c == 0 {
			n += 2
			continue
		}
		if c&0xF0 == 0 {
			n++
		}
		break
	}
	return n
}
