package arq

// resize directions
const (
	dirShrink = -1
	dirNone   = 0
	dirGrow   = 1
)

// Resizer adjusts an agent's arc toward a target coverage, one step per
// gossip epoch. It remembers the last two step directions to refuse moves
// that would oscillate.
type Resizer struct {
	topo  Topology
	strat Strat
	last  [2]int
}

// NewResizer creates a resizer for a topology and strategy.
func NewResizer(t Topology, s Strat) *Resizer {
	return &Resizer{topo: t, strat: s}
}

// TargetLength returns the coordinate span an agent should cover so that
// networkSize agents together store every location about redundancy times.
// A network at or below the redundancy target means every agent covers the
// full ring.
func TargetLength(networkSize int, redundancy int) uint64 {
	if networkSize <= 0 || networkSize <= redundancy {
		return RingSize
	}
	return RingSize * uint64(redundancy) / uint64(networkSize)
}

// Step moves the arc one increment toward the target length. It grows or
// shrinks the count by one segment, shifting power when the count leaves the
// strategy's chunk bounds. A step in the opposite direction of the previous
// epoch's step is suppressed for one epoch.
func (r *Resizer) Step(a Arq, targetLength uint64) Arq {
	dir := dirNone
	current := a.Length(r.topo)
	seg := a.SegmentSize(r.topo)

	// dead zone of half a segment around the target
	switch {
	case targetLength > current && targetLength-current > seg/2:
		dir = dirGrow
	case current > targetLength && current-targetLength > seg/2:
		dir = dirShrink
	}

	if dir != dirNone && r.last[0] == -dir && r.last[1] == dir {
		dir = dirNone
	}

	r.last[1] = r.last[0]
	r.last[0] = dir

	switch dir {
	case dirGrow:
		return r.grow(a)
	case dirShrink:
		return r.shrink(a)
	}
	return a
}

func (r *Resizer) grow(a Arq) Arq {
	if a.IsFull(r.topo) {
		return Full(r.topo)
	}

	a.Count++
	if a.Count > r.strat.MaxChunks {
		if up, ok := a.Requantize(a.Power + 1); ok {
			a = up
		} else {
			// odd count cannot upshift exactly, round up half a segment
			a = Arq{Start: a.Start, Power: a.Power + 1, Count: (a.Count + 1) / 2}
		}
	}

	if a.IsFull(r.topo) {
		return Full(r.topo)
	}
	return a
}

func (r *Resizer) shrink(a Arq) Arq {
	if a.IsEmpty() {
		return a
	}

	if a.Count <= r.strat.MinChunks && a.Power > r.strat.MinPower {
		if down, ok := a.Requantize(a.Power - 1); ok {
			a = down
		}
	}

	a.Count--
	return a
}
