package dht

import (
	"bytes"
	"fmt"

	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/hashes"
	"github.com/ugorji/go/codec"
)

// OpType identifies the typed facts derived from a chain action. Each type
// determines the basis: the hash whose location routes the op to its
// authorities.
type OpType string

const (
	// StoreRecord asks the action authority to hold the full record.
	// Basis: action hash.
	StoreRecord OpType = "StoreRecord"
	// StoreEntry asks the entry authority to hold the entry and its
	// creating action. Basis: entry hash.
	StoreEntry OpType = "StoreEntry"
	// RegisterAgentActivity asks the author's neighborhood to track the
	// author's chain. Basis: author agent hash.
	RegisterAgentActivity OpType = "RegisterAgentActivity"
	// RegisterUpdate points the original entry's authority at the update.
	// Basis: original entry hash.
	RegisterUpdate OpType = "RegisterUpdate"
	// RegisterDelete tombstones an entry at its authority. Basis: deleted
	// entry hash.
	RegisterDelete OpType = "RegisterDelete"
	// RegisterCreateLink indexes a link at the base's authority. Basis:
	// link base hash.
	RegisterCreateLink OpType = "RegisterCreateLink"
	// RegisterDeleteLink tombstones a link at the base's authority. Basis:
	// link base hash.
	RegisterDeleteLink OpType = "RegisterDeleteLink"
	// WarrantOp carries signed misbehavior evidence to the warranted
	// agent's neighborhood. Basis: warranted agent hash.
	WarrantOp OpType = "Warrant"
)

// Op is the unit of publish, gossip, and validation.
type Op struct {
	Type  OpType
	Basis hashes.Hash

	// Record carries the signed action, and the entry when the op type
	// needs it. Nil for WarrantOp.
	Record *chain.Record `json:",omitempty"`

	// Warrant is set for WarrantOp only.
	Warrant *Warrant `json:",omitempty"`
}

// Marshal returns the canonical JSON encoding of the op.
func (o *Op) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(o); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal converts canonical JSON back to an Op.
func (o *Op) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(o)
}

// Hash returns the typed hash of the canonical op bytes.
func (o *Op) Hash() (hashes.Hash, error) {
	data, err := o.Marshal()
	if err != nil {
		return hashes.Hash{}, err
	}
	return hashes.New(hashes.Op, data), nil
}

// AuthoredAt returns the timestamp the op's underlying action (or warrant)
// was authored.
func (o *Op) AuthoredAt() int64 {
	if o.Record != nil {
		return o.Record.Action.Timestamp
	}
	if o.Warrant != nil {
		return o.Warrant.Body.Timestamp
	}
	return 0
}

// AuthorHash returns the agent hash of the op's author: the chain author for
// record ops, the observer for warrants.
func (o *Op) AuthorHash() hashes.Hash {
	if o.Record != nil {
		return o.Record.Action.AuthorHash()
	}
	if o.Warrant != nil {
		return hashes.New(hashes.Agent, o.Warrant.Body.Author)
	}
	return hashes.Hash{}
}

// DeriveOps produces the full set of ops for a record, each with its basis.
// It is the only place ops are created, it is deterministic and side-effect
// free, and a validator re-derives ops from a received record to verify that
// the sender did not fabricate basis assignments.
func DeriveOps(r *chain.Record) ([]*Op, error) {
	actionHash, err := r.Action.Hash()
	if err != nil {
		return nil, err
	}

	// private entries never leave the author's chain
	publicRecord := r
	if r.Entry != nil && r.Entry.Visibility == chain.Private {
		publicRecord = &chain.Record{
			Action:    r.Action,
			Signature: r.Signature,
		}
	}

	ops := []*Op{
		{
			Type:   StoreRecord,
			Basis:  actionHash,
			Record: publicRecord,
		},
		{
			Type:  RegisterAgentActivity,
			Basis: r.Action.AuthorHash(),
			Record: &chain.Record{
				Action:    r.Action,
				Signature: r.Signature,
			},
		},
	}

	if r.Action.HasEntry() && publicRecord.Entry != nil {
		ops = append(ops, &Op{
			Type:   StoreEntry,
			Basis:  r.Action.EntryHash,
			Record: publicRecord,
		})
	}

	switch r.Action.Type {
	case chain.UpdateType:
		ops = append(ops, &Op{
			Type:   RegisterUpdate,
			Basis:  r.Action.OriginalEntry,
			Record: publicRecord,
		})
	case chain.DeleteType:
		ops = append(ops, &Op{
			Type:   RegisterDelete,
			Basis:  r.Action.DeletesEntry,
			Record: publicRecord,
		})
	case chain.CreateLinkType:
		ops = append(ops, &Op{
			Type:   RegisterCreateLink,
			Basis:  r.Action.Base,
			Record: publicRecord,
		})
	case chain.DeleteLinkType:
		ops = append(ops, &Op{
			Type:   RegisterDeleteLink,
			Basis:  r.Action.Base,
			Record: publicRecord,
		})
	}

	return ops, nil
}

// CheckDerivation re-derives the ops for the received op's record and
// verifies that the claimed (type, basis) pair is among them. This is how a
// validator catches fabricated basis assignments.
func CheckDerivation(op *Op) error {
	if op.Type == WarrantOp {
		if op.Warrant == nil {
			return fmt.Errorf("warrant op without warrant")
		}
		if !op.Basis.Equal(op.Warrant.Body.Warranted) {
			return fmt.Errorf("warrant basis %s is not the warranted agent %s",
				op.Basis.Short(), op.Warrant.Body.Warranted.Short())
		}
		return nil
	}

	if op.Record == nil {
		return fmt.Errorf("%s op without record", op.Type)
	}

	derived, err := DeriveOps(op.Record)
	if err != nil {
		return err
	}

	for _, d := range derived {
		if d.Type == op.Type && d.Basis.Equal(op.Basis) {
			return nil
		}
	}

	return fmt.Errorf("%s op basis %s does not match derivation", op.Type, op.Basis.Short())
}
