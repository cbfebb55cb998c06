package chain

import (
	"bytes"
	"fmt"
	"time"

	"github.com/holonnet/holon/src/hashes"
	"github.com/ugorji/go/codec"
)

// ActionType identifies the variant of a chain action.
type ActionType string

const (
	// DnaType is the first action of every chain. It references the DNA
	// hash and has no predecessor.
	DnaType ActionType = "Dna"
	// AgentValidationPkgType carries the optional membrane proof
	// authorizing the agent to join. Always sequence 1.
	AgentValidationPkgType ActionType = "AgentValidationPkg"
	// InitZomesCompleteType marks the end of per-DNA initialization.
	// Always sequence 2.
	InitZomesCompleteType ActionType = "InitZomesComplete"
	// CreateType writes a new entry.
	CreateType ActionType = "Create"
	// UpdateType writes a new entry that supersedes an existing one.
	UpdateType ActionType = "Update"
	// DeleteType tombstones an existing entry-creation action.
	DeleteType ActionType = "Delete"
	// CreateLinkType writes a graph edge between two linkable hashes.
	CreateLinkType ActionType = "CreateLink"
	// DeleteLinkType tombstones a CreateLink action.
	DeleteLinkType ActionType = "DeleteLink"
	// OpenChainType marks a migration from a previous chain.
	OpenChainType ActionType = "OpenChain"
	// CloseChainType marks a migration to a new chain.
	CloseChainType ActionType = "CloseChain"
)

// GenesisLength is the number of actions in the genesis prefix:
// Dna, AgentValidationPkg, InitZomesComplete.
const GenesisLength = 3

// RateWeight is the rate-limit weight declared by entry-bearing actions.
type RateWeight struct {
	Bucket uint8
	Units  uint32
}

// Action is a sequenced record in an agent's source chain. It is a flat
// struct covering all variants; the fields that apply depend on Type, and
// Check enforces the variant's shape.
type Action struct {
	Type   ActionType
	Author []byte // uncompressed public key of the signing agent
	// Timestamp in unix nanoseconds. Canonical encoding requires a scalar.
	Timestamp int64
	Seq       uint32
	Prev      hashes.Hash `json:",omitempty"` // zero only for Dna

	// Entry-bearing variants (Create, Update, and the genesis agent entry).
	EntryType EntryKind   `json:",omitempty"`
	EntryHash hashes.Hash `json:",omitempty"`
	Weight    RateWeight  `json:",omitempty"`

	// Dna
	DnaHash hashes.Hash `json:",omitempty"`

	// AgentValidationPkg
	MembraneProof []byte `json:",omitempty"`

	// Update
	OriginalAction hashes.Hash `json:",omitempty"`
	OriginalEntry  hashes.Hash `json:",omitempty"`

	// Delete
	DeletesAction hashes.Hash `json:",omitempty"`
	DeletesEntry  hashes.Hash `json:",omitempty"`

	// CreateLink
	Base   hashes.Hash `json:",omitempty"`
	Target hashes.Hash `json:",omitempty"`
	Tag    []byte      `json:",omitempty"`

	// DeleteLink
	LinkAction hashes.Hash `json:",omitempty"`

	// OpenChain / CloseChain
	ChainTarget hashes.Hash `json:",omitempty"`
}

// Now returns the current time as a chain timestamp.
func Now() int64 {
	return time.Now().UnixNano()
}

// Marshal returns the canonical JSON encoding of the Action. Canonical
// encoding sorts map keys so the bytes are stable; signatures and hashes are
// computed over these bytes.
func (a *Action) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(a); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal converts canonical JSON back to an Action.
func (a *Action) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(a)
}

// Hash returns the typed hash of the canonical action bytes.
func (a *Action) Hash() (hashes.Hash, error) {
	data, err := a.Marshal()
	if err != nil {
		return hashes.Hash{}, err
	}
	return hashes.New(hashes.Action, data), nil
}

// AuthorHash returns the agent hash of the action's author.
func (a *Action) AuthorHash() hashes.Hash {
	return hashes.New(hashes.Agent, a.Author)
}

// IsEntryAction reports whether the variant carries an entry.
func (a *Action) IsEntryAction() bool {
	switch a.Type {
	case CreateType, UpdateType:
		return true
	}
	return false
}

// HasEntry reports whether the action references an entry. This includes
// Create and Update, and the genesis AgentValidationPkg which carries the
// agent-key entry.
func (a *Action) HasEntry() bool {
	return !a.EntryHash.IsZero()
}

// IsGenesis reports whether the action belongs to the genesis prefix.
func (a *Action) IsGenesis() bool {
	return a.Seq < GenesisLength
}

// Check verifies the variant's shape: which fields must be present, the
// sequence/prev pairing, and the genesis position rules that do not require
// store context.
func (a *Action) Check() error {
	if len(a.Author) == 0 {
		return fmt.Errorf("action has no author")
	}

	if a.Type == DnaType {
		if a.Seq != 0 {
			return fmt.Errorf("Dna action must have seq 0, got %d", a.Seq)
		}
		if !a.Prev.IsZero() {
			return fmt.Errorf("Dna action must not have a prev hash")
		}
		if a.DnaHash.IsZero() {
			return fmt.Errorf("Dna action must reference a DNA hash")
		}
		return nil
	}

	if a.Seq == 0 {
		return fmt.Errorf("action at seq 0 must be Dna, got %s", a.Type)
	}
	if a.Prev.IsZero() {
		return fmt.Errorf("%s action at seq %d must have a prev hash", a.Type, a.Seq)
	}

	switch a.Type {
	case AgentValidationPkgType:
		if a.Seq != 1 {
			return fmt.Errorf("AgentValidationPkg must have seq 1, got %d", a.Seq)
		}
	case InitZomesCompleteType:
		if a.Seq != 2 {
			return fmt.Errorf("InitZomesComplete must have seq 2, got %d", a.Seq)
		}
	case CreateType:
		if a.EntryHash.IsZero() {
			return fmt.Errorf("Create action must reference an entry hash")
		}
	case UpdateType:
		if a.EntryHash.IsZero() {
			return fmt.Errorf("Update action must reference an entry hash")
		}
		if a.OriginalAction.IsZero() || a.OriginalEntry.IsZero() {
			return fmt.Errorf("Update action must reference the original action and entry")
		}
	case DeleteType:
		if a.DeletesAction.IsZero() || a.DeletesEntry.IsZero() {
			return fmt.Errorf("Delete action must reference the deleted action and entry")
		}
	case CreateLinkType:
		if a.Base.IsZero() || a.Target.IsZero() {
			return fmt.Errorf("CreateLink action must reference base and target")
		}
	case DeleteLinkType:
		if a.LinkAction.IsZero() {
			return fmt.Errorf("DeleteLink action must reference the CreateLink action")
		}
		if a.Base.IsZero() {
			return fmt.Errorf("DeleteLink action must reference the link base")
		}
	case OpenChainType, CloseChainType:
		if a.ChainTarget.IsZero() {
			return fmt.Errorf("%s action must reference a chain target", a.Type)
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}

	return nil
}
