package hashes

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/holonnet/holon/src/common"
	"golang.org/x/crypto/blake2b"
)

// Kind distinguishes the content types that hashes can refer to. All kinds
// share the same digest and location scheme; the kind is a tag, not part of
// the digest.
type Kind uint8

const (
	// Agent is the hash of an agent public key.
	Agent Kind = iota
	// Action is the hash of a chain action.
	Action
	// Entry is the hash of an entry body.
	Entry
	// DNA is the hash of an application bundle.
	DNA
	// Op is the hash of a DHT op.
	Op
	// Warrant is the hash of a signed warrant.
	Warrant
	// External is a hash produced outside the system, usable as a link base.
	External
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Agent:
		return "agent"
	case Action:
		return "action"
	case Entry:
		return "entry"
	case DNA:
		return "dna"
	case Op:
		return "op"
	case Warrant:
		return "warrant"
	case External:
		return "external"
	default:
		return "unknown"
	}
}

func kindFromString(s string) (Kind, error) {
	for _, k := range []Kind{Agent, Action, Entry, DNA, Op, Warrant, External} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown hash kind %q", s)
}

const (
	// DigestLength is the number of bytes in the cryptographic digest.
	DigestLength = 32
	// LocLength is the number of location bytes appended to the digest.
	LocLength = 4
	// Length is the total number of bytes in a Hash.
	Length = DigestLength + LocLength
)

// Hash is a 36-byte content address: a 32-byte blake2b digest followed by a
// 4-byte location. The location is a deterministic folding of the digest onto
// the DHT's circular coordinate space and is treated as a big-endian u32 on a
// ring of size 2^32.
type Hash struct {
	Kind  Kind
	Bytes []byte
}

// New computes the Hash of data under the given kind.
func New(kind Kind, data []byte) Hash {
	digest := blake2b.Sum256(data)
	return FromDigest(kind, digest[:])
}

// FromDigest builds a Hash from a precomputed 32-byte digest, deriving the
// location bytes.
func FromDigest(kind Kind, digest []byte) Hash {
	if len(digest) != DigestLength {
		panic(fmt.Sprintf("hashes: digest must be %d bytes, got %d", DigestLength, len(digest)))
	}
	b := make([]byte, 0, Length)
	b = append(b, digest...)
	b = append(b, locBytes(digest)...)
	return Hash{Kind: kind, Bytes: b}
}

// FromBytes wraps 36 raw bytes as a Hash, verifying the location checksum.
func FromBytes(kind Kind, raw []byte) (Hash, error) {
	if len(raw) != Length {
		return Hash{}, fmt.Errorf("hashes: want %d bytes, got %d", Length, len(raw))
	}
	if !bytes.Equal(raw[DigestLength:], locBytes(raw[:DigestLength])) {
		return Hash{}, fmt.Errorf("hashes: location bytes do not match digest")
	}
	b := make([]byte, Length)
	copy(b, raw)
	return Hash{Kind: kind, Bytes: b}, nil
}

// locBytes folds a 32-byte digest into 4 location bytes: the 16-byte blake2b
// hash of the digest, XOR-folded 4 bytes at a time.
func locBytes(digest []byte) []byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		panic(err)
	}
	h.Write(digest)
	sum := h.Sum(nil)

	out := []byte{sum[0], sum[1], sum[2], sum[3]}
	for i := 4; i < 16; i += 4 {
		out[0] ^= sum[i]
		out[1] ^= sum[i+1]
		out[2] ^= sum[i+2]
		out[3] ^= sum[i+3]
	}
	return out
}

// IsZero reports whether the Hash is the zero value.
func (h Hash) IsZero() bool {
	return len(h.Bytes) == 0
}

// Digest returns the 32-byte digest portion.
func (h Hash) Digest() []byte {
	return h.Bytes[:DigestLength]
}

// Loc returns the hash's coordinate on the DHT ring.
func (h Hash) Loc() uint32 {
	return binary.BigEndian.Uint32(h.Bytes[DigestLength:])
}

// Equal reports whether two hashes have the same kind and bytes.
func (h Hash) Equal(other Hash) bool {
	return h.Kind == other.Kind && bytes.Equal(h.Bytes, other.Bytes)
}

// String returns the canonical string form: kind, colon, 0X-prefixed hex.
func (h Hash) String() string {
	if h.IsZero() {
		return h.Kind.String() + ":<nil>"
	}
	return h.Kind.String() + ":" + common.EncodeToString(h.Bytes)
}

// Short returns an abbreviated form for logging.
func (h Hash) Short() string {
	s := h.String()
	if len(s) > 16 {
		return s[:16] + ".."
	}
	return s
}

// Parse converts the canonical string form back to a Hash.
func Parse(s string) (Hash, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return Hash{}, fmt.Errorf("hashes: missing kind separator in %q", s)
	}
	kind, err := kindFromString(s[:i])
	if err != nil {
		return Hash{}, err
	}
	raw, err := common.DecodeFromString(s[i+1:])
	if err != nil {
		return Hash{}, err
	}
	return FromBytes(kind, raw)
}

// MarshalText implements encoding.TextMarshaler so that hashes serialize as
// their canonical string form in JSON wire messages and store keys.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	s := string(text)
	if strings.HasSuffix(s, ":<nil>") {
		i := strings.IndexByte(s, ':')
		kind, err := kindFromString(s[:i])
		if err != nil {
			return err
		}
		*h = Hash{Kind: kind}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// RingDistance returns the shortest distance between two locations on the
// u32 ring.
func RingDistance(a, b uint32) uint32 {
	d := a - b
	if rd := b - a; rd < d {
		d = rd
	}
	return d
}

// ForwardDistance returns the clockwise distance from a to b on the u32
// ring. Wrap-around is handled by unsigned arithmetic.
func ForwardDistance(a, b uint32) uint32 {
	return b - a
}
