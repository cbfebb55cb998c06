package chain

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/hashes"
)

// Record pairs an action with its entry (if any) and the author's signature
// over the canonical action bytes.
type Record struct {
	Action    Action
	Signature string
	Entry     *Entry `json:",omitempty"`
}

// NewRecord signs an action and wraps it with its entry.
func NewRecord(priv *ecdsa.PrivateKey, action Action, entry *Entry) (*Record, error) {
	data, err := action.Marshal()
	if err != nil {
		return nil, err
	}

	sig, err := keys.SignToString(priv, data)
	if err != nil {
		return nil, err
	}

	return &Record{
		Action:    action,
		Signature: sig,
		Entry:     entry,
	}, nil
}

// Marshal returns the canonical JSON encoding of the Record for storage and
// wire transfer.
func (r *Record) Marshal() ([]byte, error) {
	data, err := marshalCanonical(r)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Unmarshal converts canonical JSON back to a Record.
func (r *Record) Unmarshal(data []byte) error {
	return unmarshalCanonical(data, r)
}

// Hash returns the action hash of the record.
func (r *Record) Hash() (hashes.Hash, error) {
	return r.Action.Hash()
}

// Verify checks the signature over the canonical action bytes under the
// action's stated author, and that the carried entry (if any) matches the
// action's entry hash.
func (r *Record) Verify() (bool, error) {
	data, err := r.Action.Marshal()
	if err != nil {
		return false, err
	}

	ok, err := keys.VerifyString(r.Action.Author, data, r.Signature)
	if err != nil || !ok {
		return ok, err
	}

	if r.Entry != nil {
		entryHash, err := r.Entry.Hash()
		if err != nil {
			return false, err
		}
		if !entryHash.Equal(r.Action.EntryHash) {
			return false, fmt.Errorf("entry hash %s does not match action's %s",
				entryHash.Short(), r.Action.EntryHash.Short())
		}
	}

	return true, nil
}

// GenesisRecords builds and signs the genesis prefix for a chain:
// Dna, AgentValidationPkg, InitZomesComplete. The agent-key entry is carried
// by the AgentValidationPkg action so the agent's key is addressable on the
// DHT from the moment it joins.
func GenesisRecords(priv *ecdsa.PrivateKey, dnaHash hashes.Hash, membraneProof []byte, timestamp int64) ([]*Record, error) {
	author := keys.FromPublicKey(&priv.PublicKey)

	dnaAction := Action{
		Type:      DnaType,
		Author:    author,
		Timestamp: timestamp,
		Seq:       0,
		DnaHash:   dnaHash,
	}
	dnaRecord, err := NewRecord(priv, dnaAction, nil)
	if err != nil {
		return nil, err
	}
	dnaActionHash, err := dnaAction.Hash()
	if err != nil {
		return nil, err
	}

	agentEntry := NewAgentEntry(author)
	agentEntryHash, err := agentEntry.Hash()
	if err != nil {
		return nil, err
	}

	pkgAction := Action{
		Type:          AgentValidationPkgType,
		Author:        author,
		Timestamp:     timestamp,
		Seq:           1,
		Prev:          dnaActionHash,
		MembraneProof: membraneProof,
		EntryType:     AgentEntry,
		EntryHash:     agentEntryHash,
	}
	pkgRecord, err := NewRecord(priv, pkgAction, agentEntry)
	if err != nil {
		return nil, err
	}
	pkgActionHash, err := pkgAction.Hash()
	if err != nil {
		return nil, err
	}

	initAction := Action{
		Type:      InitZomesCompleteType,
		Author:    author,
		Timestamp: timestamp,
		Seq:       2,
		Prev:      pkgActionHash,
	}
	initRecord, err := NewRecord(priv, initAction, nil)
	if err != nil {
		return nil, err
	}

	return []*Record{dnaRecord, pkgRecord, initRecord}, nil
}
