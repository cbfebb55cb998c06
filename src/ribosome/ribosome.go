// Package ribosome defines the boundary between the host runtime and the
// application's guest module: the callbacks a guest may implement and the
// host functions it may call. The host surface is split in two so that
// validation only ever sees deterministic functions.
package ribosome

import (
	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
)

// OutcomeCode classifies a guest callback result.
type OutcomeCode string

const (
	// CodeValid accepts.
	CodeValid OutcomeCode = "Valid"
	// CodeInvalid rejects with a reason.
	CodeInvalid OutcomeCode = "Invalid"
	// CodeAwaitingDeps asks the host to park until the named hashes are
	// resolvable.
	CodeAwaitingDeps OutcomeCode = "AwaitingDeps"
)

// Outcome is the result of a guest validate or init callback.
type Outcome struct {
	Code   OutcomeCode
	Reason string
	Deps   []hashes.Hash
}

// Valid returns an accepting outcome.
func Valid() Outcome {
	return Outcome{Code: CodeValid}
}

// Invalid returns a rejecting outcome.
func Invalid(reason string) Outcome {
	return Outcome{Code: CodeInvalid, Reason: reason}
}

// AwaitingDeps returns a parking outcome.
func AwaitingDeps(deps ...hashes.Hash) Outcome {
	return Outcome{Code: CodeAwaitingDeps, Deps: deps}
}

// EntryDef declares one application entry type.
type EntryDef struct {
	Name       string
	Visibility chain.EntryVisibility
}

// DnaInfo is the static identity of the DNA a guest runs under.
type DnaInfo struct {
	Hash hashes.Hash
	Name string
	// NetworkSeed distinguishes clone networks of the same code.
	NetworkSeed string
}

// DeterministicHost is the host surface available inside validate callbacks.
// Everything here is a pure function of the DHT's (eventually consistent)
// content, so a validate result is reproducible by any authority.
type DeterministicHost interface {
	VerifySignature(pub []byte, data []byte, sig string) (bool, error)
	HashOf(kind hashes.Kind, data []byte) hashes.Hash
	MustGetAction(actionHash hashes.Hash) (*chain.Record, error)
	MustGetEntry(entryHash hashes.Hash) (*chain.Entry, error)
	MustGetValidRecord(actionHash hashes.Hash) (*chain.Record, error)
	DnaInfo() DnaInfo
	Trace(msg string)
}

// Host is the full surface available in zome calls and non-validate
// callbacks. Writes go through the cell's scratch and only land on the chain
// when the call commits.
type Host interface {
	DeterministicHost

	Create(entry *chain.Entry) (hashes.Hash, error)
	Update(originalAction hashes.Hash, entry *chain.Entry) (hashes.Hash, error)
	Delete(deletesAction hashes.Hash) (hashes.Hash, error)
	CreateLink(base, target hashes.Hash, tag []byte) (hashes.Hash, error)
	DeleteLink(linkAction hashes.Hash) (hashes.Hash, error)

	OpenChain(prevChain hashes.Hash) (hashes.Hash, error)
	CloseChain(newChain hashes.Hash) (hashes.Hash, error)

	Get(actionHash hashes.Hash) (*chain.Record, error)
	GetDetails(entryHash hashes.Hash) (*dht.EntryDetails, error)
	// GetLatest resolves an entry to the newest record in its update
	// chain, transitively.
	GetLatest(entryHash hashes.Hash) (*chain.Record, error)
	GetLinks(base hashes.Hash) ([]*dht.Link, error)
	GetAgentActivity(agent hashes.Hash) ([]*dht.ActivityEntry, error)
	Query(f *chain.Filter) ([]*chain.Record, error)

	EmitSignal(payload []byte) error
	Sign(data []byte) (string, error)
	SysTime() int64
	RandomBytes(n int) ([]byte, error)
	AgentHash() hashes.Hash
}

// Guest is an application module. Callbacks other than Call are optional in
// spirit: a guest with nothing to say returns Valid / does nothing.
type Guest interface {
	// EntryDefs declares the application's entry types.
	EntryDefs() []EntryDef

	// Init runs once per cell after genesis, before the first zome call.
	Init(host Host) Outcome

	// Validate judges an op projected for the validating authority's role.
	// It only receives the deterministic host surface.
	Validate(host DeterministicHost, op *FlatOp) Outcome

	// Call dispatches a zome function.
	Call(host Host, zome, fn string, payload []byte) ([]byte, error)

	// PostCommit is invoked asynchronously with the records of a committed
	// zome call. Failures are logged and never roll anything back.
	PostCommit(host Host, records []*chain.Record)

	// MigrateOpen judges an OpenChain write: this chain claims to continue
	// a chain closed elsewhere.
	MigrateOpen(host Host, prevChain hashes.Hash) Outcome

	// MigrateClose judges a CloseChain write: this chain is being retired
	// in favor of a new one.
	MigrateClose(host Host, newChain hashes.Hash) Outcome
}

// FlatOp is the projection of a DHT op handed to the guest's validate
// callback: the action, the entry when the role carries one, nothing else.
type FlatOp struct {
	Type   dht.OpType
	Action chain.Action
	Entry  *chain.Entry
}

// Flatten projects an op for guest validation. Warrant ops are host business
// and never reach the guest.
func Flatten(op *dht.Op) *FlatOp {
	if op.Type == dht.WarrantOp || op.Record == nil {
		return nil
	}
	return &FlatOp{
		Type:   op.Type,
		Action: op.Record.Action,
		Entry:  op.Record.Entry,
	}
}
