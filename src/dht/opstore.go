package dht

import (
	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/hashes"
)

// OpState is the lifecycle state of an op at one authority. States only move
// forward; integrated and rejected are terminal.
type OpState string

const (
	// StatePending means the op is stored but not yet validated.
	StatePending OpState = "pending"
	// StateSysValidated means context-free checks passed.
	StateSysValidated OpState = "sys_validated"
	// StateAppValidated means the guest's validate callback passed.
	StateAppValidated OpState = "app_validated"
	// StateIntegrated means the op is indexed and eligible for gossip and
	// queries.
	StateIntegrated OpState = "integrated"
	// StateRejected is terminal and carries a reason.
	StateRejected OpState = "rejected"
)

// rank orders the forward-only lifecycle.
func (s OpState) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateSysValidated:
		return 1
	case StateAppValidated:
		return 2
	case StateIntegrated:
		return 3
	case StateRejected:
		return 4
	}
	return -1
}

// StoredOp is an op with its per-authority bookkeeping.
type StoredOp struct {
	Op       *Op
	Hash     hashes.Hash
	State    OpState
	Authored int64
	// Reason is set when State is rejected.
	Reason string
}

// Coverage is the predicate deciding whether a ring location falls inside an
// authority's claimed window. arq.Set implements it.
type Coverage interface {
	Contains(loc uint32) bool
}

// FullCoverage covers the whole ring.
type FullCoverage struct{}

// Contains implements Coverage.
func (FullCoverage) Contains(uint32) bool { return true }

// Link is the integrated index entry for a RegisterCreateLink op.
type Link struct {
	CreateAction hashes.Hash
	Base         hashes.Hash
	Target       hashes.Hash
	Tag          []byte
	Timestamp    int64
	// Deleted is set when a RegisterDeleteLink referencing CreateAction
	// has been integrated.
	Deleted bool
}

// EntryStatus says whether an entry is still live.
type EntryStatus string

const (
	// StatusLive means at least one creation of the entry has no
	// integrated delete.
	StatusLive EntryStatus = "Live"
	// StatusDead means every creation has been deleted.
	StatusDead EntryStatus = "Dead"
)

// EntryDetails aggregates everything the entry authority knows about an
// entry.
type EntryDetails struct {
	Entry     *chain.Entry
	Creations []*chain.Record
	Updates   []*chain.Record
	Deletes   []*chain.Record
	Status    EntryStatus
}

// ActivityEntry is one step of an author's chain as seen by the activity
// authority.
type ActivityEntry struct {
	Seq        uint32
	ActionHash hashes.Hash
	Prev       hashes.Hash
	Timestamp  int64
}

// Store is the content-addressed op store of one DNA at one node. It carries
// each op's validation state and, once integrated, the derived indexes that
// serve get, get_details, get_links, and get_agent_activity.
type Store interface {
	// Put inserts an op as pending. Inserting an op that is already held
	// is a no-op.
	Put(op *Op) error

	// Get returns an op with its bookkeeping.
	Get(opHash hashes.Hash) (*StoredOp, error)

	// Has reports whether the op is held in any state.
	Has(opHash hashes.Hash) bool

	// SetState advances an op's lifecycle state. Backward transitions
	// fail; integrating twice is a no-op; integrated and rejected never
	// transition away.
	SetState(opHash hashes.Hash, state OpState) error

	// Reject marks the op rejected with a reason. Rejecting an integrated
	// op fails; its indexes already serve it.
	Reject(opHash hashes.Hash, reason string) error

	// ListByState returns up to max ops in the given state, oldest
	// authored first.
	ListByState(state OpState, max int) ([]*StoredOp, error)

	// HashesInWindow returns the hashes of integrated ops whose basis
	// falls inside cov and whose authored timestamp is in [from, until).
	HashesInWindow(cov Coverage, from, until int64) ([]hashes.Hash, error)

	// RegionHash returns the XOR of the op hashes selected by
	// HashesInWindow along with their count.
	RegionHash(cov Coverage, from, until int64) ([]byte, int, error)

	// GetRecord serves an integrated record by action hash.
	GetRecord(actionHash hashes.Hash) (*chain.Record, error)

	// GetEntryDetails serves the integrated view of an entry.
	GetEntryDetails(entryHash hashes.Hash) (*EntryDetails, error)

	// GetLinks serves the integrated links at a base. Deleted links are
	// included with their tombstone flag set.
	GetLinks(base hashes.Hash) ([]*Link, error)

	// GetAgentActivity serves the integrated view of an author's chain,
	// ascending by sequence.
	GetAgentActivity(agent hashes.Hash) ([]*ActivityEntry, error)

	// GetWarrants returns integrated warrants against an agent.
	GetWarrants(agent hashes.Hash) ([]*Warrant, error)

	// Close releases underlying resources.
	Close() error
}
