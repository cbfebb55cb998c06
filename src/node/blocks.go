package node

import (
	"sort"
	"sync"
	"time"

	"github.com/holonnet/holon/src/hashes"
)

// TargetKind scopes a block entry.
type TargetKind string

const (
	// BlockCell blocks one agent on this DNA.
	BlockCell TargetKind = "cell"
	// BlockNode blocks an agent key regardless of DNA.
	BlockNode TargetKind = "node"
	// BlockIP blocks a transport address.
	BlockIP TargetKind = "ip"
)

// BlockTarget identifies what a block entry applies to. Agent is set for
// cell and node blocks, Addr for IP blocks.
type BlockTarget struct {
	Kind  TargetKind
	Agent hashes.Hash
	Addr  string
}

// CellTarget blocks an agent on this DNA.
func CellTarget(agent hashes.Hash) BlockTarget {
	return BlockTarget{Kind: BlockCell, Agent: agent}
}

// NodeTarget blocks an agent key everywhere.
func NodeTarget(agent hashes.Hash) BlockTarget {
	return BlockTarget{Kind: BlockNode, Agent: agent}
}

// IPTarget blocks a transport address.
func IPTarget(addr string) BlockTarget {
	return BlockTarget{Kind: BlockIP, Addr: addr}
}

func (t BlockTarget) key() string {
	if t.Kind == BlockIP {
		return string(t.Kind) + "/" + t.Addr
	}
	return string(t.Kind) + "/" + t.Agent.String()
}

// BlockEntry records why and for how long a target is blocked.
type BlockEntry struct {
	Target BlockTarget
	Reason string
	// StartsAt and EndsAt bound the block in unix nanoseconds. A zero
	// EndsAt never expires.
	StartsAt int64
	EndsAt   int64
}

func (e *BlockEntry) active(now int64) bool {
	if now < e.StartsAt {
		return false
	}
	return e.EndsAt == 0 || now < e.EndsAt
}

// BlockList is the per-DNA set of targets this node refuses to gossip with
// or accept publishes from. A warranted agent lands here immediately.
type BlockList struct {
	mtx     sync.RWMutex
	entries map[string]*BlockEntry
}

// NewBlockList creates an empty block list.
func NewBlockList() *BlockList {
	return &BlockList{
		entries: make(map[string]*BlockEntry),
	}
}

// Block adds a target for the given interval starting at now. A zero
// interval blocks indefinitely. Blocking an already blocked target keeps the
// earliest start and the latest expiry.
func (b *BlockList) Block(target BlockTarget, reason string, now int64, interval time.Duration) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	endsAt := int64(0)
	if interval > 0 {
		endsAt = now + interval.Nanoseconds()
	}

	if existing, ok := b.entries[target.key()]; ok {
		if existing.StartsAt < now {
			now = existing.StartsAt
		}
		if existing.EndsAt == 0 || (endsAt != 0 && existing.EndsAt > endsAt) {
			endsAt = existing.EndsAt
		}
		existing.StartsAt = now
		existing.EndsAt = endsAt
		return
	}

	b.entries[target.key()] = &BlockEntry{
		Target:   target,
		Reason:   reason,
		StartsAt: now,
		EndsAt:   endsAt,
	}
}

// Unblock removes a target.
func (b *BlockList) Unblock(target BlockTarget) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.entries, target.key())
}

// IsBlocked reports whether a target is blocked at now.
func (b *BlockList) IsBlocked(target BlockTarget, now int64) bool {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	e, ok := b.entries[target.key()]
	return ok && e.active(now)
}

// IsBlockedAgent reports whether an agent is blocked at now, under either
// the cell or the node scope.
func (b *BlockList) IsBlockedAgent(agent hashes.Hash, now int64) bool {
	return b.IsBlocked(CellTarget(agent), now) || b.IsBlocked(NodeTarget(agent), now)
}

// IsBlockedAddr reports whether a transport address is blocked at now.
func (b *BlockList) IsBlockedAddr(addr string, now int64) bool {
	return b.IsBlocked(IPTarget(addr), now)
}

// List returns the entries active at now, sorted by target.
func (b *BlockList) List(now int64) []*BlockEntry {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	var res []*BlockEntry
	for _, e := range b.entries {
		if e.active(now) {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Target.key() < res[j].Target.key()
	})
	return res
}

// PruneExpired evicts entries past their expiry and returns how many were
// dropped.
func (b *BlockList) PruneExpired(now int64) int {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	dropped := 0
	for key, e := range b.entries {
		if e.EndsAt != 0 && now >= e.EndsAt {
			delete(b.entries, key)
			dropped++
		}
	}
	return dropped
}
