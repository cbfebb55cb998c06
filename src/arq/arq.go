// Package arq implements quantized storage arcs on the 32-bit ring. An arc
// is a contiguous coordinate window an agent claims to store, expressed as a
// count of equally sized segments so that two agents can compare and combine
// windows without byte-precision bookkeeping.
package arq

import (
	"fmt"
)

// RingSize is the size of the location coordinate space.
const RingSize = uint64(1) << 32

// Topology fixes the quantization of a DNA's coordinate space.
type Topology struct {
	// QuantumPower is log2 of the smallest arc step.
	QuantumPower uint8
}

// Quantum returns the smallest arc step in coordinates.
func (t Topology) Quantum() uint64 {
	return uint64(1) << t.QuantumPower
}

// Strat bounds the shape of constructed arcs.
type Strat struct {
	MinPower  uint8
	MinChunks uint32
	MaxChunks uint32
}

// Arq is a located quantized arc: Count segments of size 2^Power quanta,
// beginning at Start rounded down to a segment boundary.
type Arq struct {
	Start uint32
	Power uint8
	Count uint32
}

// Full returns the canonical full-ring arc for a topology: one segment
// covering everything.
func Full(t Topology) Arq {
	return Arq{
		Start: 0,
		Power: 32 - t.QuantumPower,
		Count: 1,
	}
}

// Empty returns a zero-length arc anchored at start.
func Empty(start uint32, power uint8) Arq {
	return Arq{Start: start, Power: power, Count: 0}
}

// SegmentSize returns the coordinate span of one segment.
func (a Arq) SegmentSize(t Topology) uint64 {
	return uint64(1) << (uint(a.Power) + uint(t.QuantumPower))
}

// AlignedStart returns the start rounded down to the segment boundary.
// Segment sizes are powers of two dividing the ring, so alignment commutes
// with wraparound.
func (a Arq) AlignedStart(t Topology) uint32 {
	seg := a.SegmentSize(t)
	return uint32(uint64(a.Start) &^ (seg - 1))
}

// Length returns the coordinate span of the arc, capped at the full ring.
func (a Arq) Length(t Topology) uint64 {
	l := uint64(a.Count) * a.SegmentSize(t)
	if l > RingSize {
		return RingSize
	}
	return l
}

// IsEmpty reports whether the arc covers nothing.
func (a Arq) IsEmpty() bool {
	return a.Count == 0
}

// IsFull reports whether the arc covers the whole ring.
func (a Arq) IsFull(t Topology) bool {
	if uint(a.Power)+uint(t.QuantumPower) >= 32 {
		return a.Count >= 1
	}
	return uint64(a.Count) >= uint64(1)<<(32-uint(a.Power)-uint(t.QuantumPower))
}

// Coverage returns the fraction of the ring the arc covers.
func (a Arq) Coverage(t Topology) float64 {
	return float64(a.Length(t)) / float64(RingSize)
}

// Contains reports whether a location falls inside the arc. Wraparound is
// handled by unsigned subtraction from the aligned start.
func (a Arq) Contains(t Topology, loc uint32) bool {
	if a.IsEmpty() {
		return false
	}
	if a.IsFull(t) {
		return true
	}
	offset := uint64(loc - a.AlignedStart(t))
	return offset < a.Length(t)
}

// Requantize converts the arc to a different power. Downshifting always
// succeeds and multiplies the count; upshifting succeeds only when the count
// divides evenly into the larger segments.
func (a Arq) Requantize(power uint8) (Arq, bool) {
	if power == a.Power {
		return a, true
	}

	if power < a.Power {
		factor := uint64(1) << (a.Power - power)
		count := uint64(a.Count) * factor
		if count > uint64(^uint32(0)) {
			return a, false
		}
		return Arq{Start: a.Start, Power: power, Count: uint32(count)}, true
	}

	factor := uint32(1) << (power - a.Power)
	if a.Count%factor != 0 {
		return a, false
	}
	return Arq{Start: a.Start, Power: power, Count: a.Count / factor}, true
}

// ArcRange is the located, dequantized form of an arc: the half-open
// coordinate window [Start, End) on the ring, with the full ring as a
// special case.
type ArcRange struct {
	Start uint32
	End   uint32
	Full  bool
	Empty bool
}

// Range returns the arc's coordinate window.
func (a Arq) Range(t Topology) ArcRange {
	if a.IsEmpty() {
		return ArcRange{Start: a.AlignedStart(t), End: a.AlignedStart(t), Empty: true}
	}
	if a.IsFull(t) {
		return ArcRange{Full: true}
	}
	start := a.AlignedStart(t)
	end := uint32(uint64(start) + a.Length(t))
	return ArcRange{Start: start, End: end}
}

// FromRange reconstructs an arc at the given power from a coordinate window.
// Representable arcs round-trip exactly.
func FromRange(t Topology, power uint8, r ArcRange) Arq {
	if r.Full {
		full := Full(t)
		if rq, ok := full.Requantize(power); ok {
			return rq
		}
		return full
	}
	if r.Empty {
		return Empty(r.Start, power)
	}

	seg := uint64(1) << (uint(power) + uint(t.QuantumPower))
	length := uint64(r.End - r.Start)
	if length == 0 {
		length = RingSize
	}
	return Arq{
		Start: r.Start,
		Power: power,
		Count: uint32(length / seg),
	}
}

// FromStartAndLength constructs an arc covering roughly length coordinates
// from start, at the smallest power keeping the count within the strategy's
// chunk bounds.
func FromStartAndLength(t Topology, s Strat, start uint32, length uint64) Arq {
	if length == 0 {
		return Empty(start, s.MinPower)
	}
	if length > RingSize {
		length = RingSize
	}

	quanta := (length + t.Quantum() - 1) / t.Quantum()

	power := s.MinPower
	for quanta>>uint(power) > uint64(s.MaxChunks) && uint(power)+uint(t.QuantumPower) < 32 {
		power++
	}

	seg := uint64(1) << (uint(power) + uint(t.QuantumPower))
	count := (length + seg/2) / seg
	if count < uint64(s.MinChunks) {
		count = uint64(s.MinChunks)
	}
	if count > uint64(s.MaxChunks) {
		count = uint64(s.MaxChunks)
	}

	a := Arq{Start: start, Power: power, Count: uint32(count)}
	if a.IsFull(t) {
		full := Full(t)
		full.Start = 0
		return full
	}
	return a
}

// String renders the arc for logs.
func (a Arq) String() string {
	return fmt.Sprintf("arq(start=%d power=%d count=%d)", a.Start, a.Power, a.Count)
}
