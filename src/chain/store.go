package chain

import "github.com/holonnet/holon/src/hashes"

// ForkEvent is emitted when an append reveals two distinct actions with the
// same predecessor. Forking is authoring misbehavior; the event carries both
// actions as evidence for a warrant. Comparison is by predecessor rather than
// by author key, so detection keeps working across agent-key updates.
type ForkEvent struct {
	Seq    uint32
	Author hashes.Hash
	First  *Record
	Second *Record
}

// Store is a per-(DNA, agent) append-only totally ordered sequence of
// records.
//
// Invariants enforced on Append: sequence numbers are contiguous from 0; each
// action's Prev equals the hash of the action at seq-1; positions 0-2 are
// exactly the genesis prefix; the batch is written atomically so partial
// writes are never observable.
type Store interface {
	// Head returns the sequence number and hash of the last action. It
	// returns an Empty store error on a fresh chain.
	Head() (uint32, hashes.Hash, error)

	// Len returns the number of records in the chain.
	Len() uint32

	// Append writes an ordered batch in a single atomic transaction. Each
	// action's Prev must equal the current head or the immediately
	// preceding action in the batch.
	Append(records []*Record) error

	// Get returns the record whose action hashes to the given hash.
	Get(actionHash hashes.Hash) (*Record, error)

	// GetBySeq returns the record at a sequence position.
	GetBySeq(seq uint32) (*Record, error)

	// Query returns the records selected by the filter. Hash-bounded
	// filters walk prev links and are fork-safe; sequence-only filters are
	// not.
	Query(f *Filter) ([]*Record, error)

	// SetForkHandler registers the callback invoked when an append
	// uncovers a fork.
	SetForkHandler(func(ForkEvent))

	// DetectFork checks a record seen elsewhere (sync, validation
	// evidence) against the chain without appending it. It returns a
	// non-nil ForkEvent when the chain already holds a distinct action
	// with the same predecessor.
	DetectFork(r *Record) (*ForkEvent, error)

	// Lock marks a chain region as held by a countersigning session.
	// Appends under a different lock id fail with ChainLocked until
	// Unlock.
	Lock(id []byte) error

	// Unlock releases the countersigning lock.
	Unlock(id []byte) error

	// Close releases the underlying resources.
	Close() error
}

// expectedGenesisType returns the variant required at a genesis position.
func expectedGenesisType(seq uint32) ActionType {
	switch seq {
	case 0:
		return DnaType
	case 1:
		return AgentValidationPkgType
	default:
		return InitZomesCompleteType
	}
}
