package arq

// Set is a group of arcs over one topology. It satisfies the coverage
// predicate the op store uses to scope region scans.
type Set struct {
	Topo Topology
	Arqs []Arq
}

// NewSet builds a set over a topology.
func NewSet(t Topology, arqs ...Arq) *Set {
	return &Set{Topo: t, Arqs: arqs}
}

// Contains reports whether any arc in the set covers the location.
func (s *Set) Contains(loc uint32) bool {
	for _, a := range s.Arqs {
		if a.Contains(s.Topo, loc) {
			return true
		}
	}
	return false
}

// Coverage returns the summed fraction of the ring the set covers, capped at
// 1. Overlapping arcs are counted once only when they coincide exactly, so
// this is an upper bound used for sizing decisions.
func (s *Set) Coverage() float64 {
	var total float64
	for _, a := range s.Arqs {
		total += a.Coverage(s.Topo)
	}
	if total > 1 {
		return 1
	}
	return total
}

// rangesOverlap reports whether two half-open ring windows intersect.
func rangesOverlap(a, b ArcRange) bool {
	if a.Empty || b.Empty {
		return false
	}
	if a.Full || b.Full {
		return true
	}
	// a contains b's start, or b contains a's start
	if uint32(b.Start-a.Start) < uint32(a.End-a.Start) {
		return true
	}
	return uint32(a.Start-b.Start) < uint32(b.End-b.Start)
}

// Overlaps reports whether two arcs share any coordinate.
func Overlaps(t Topology, a, b Arq) bool {
	return rangesOverlap(a.Range(t), b.Range(t))
}

// Intersects reports whether any arc of the set shares a coordinate with the
// given arc.
func (s *Set) Intersects(a Arq) bool {
	for _, mine := range s.Arqs {
		if Overlaps(s.Topo, mine, a) {
			return true
		}
	}
	return false
}
