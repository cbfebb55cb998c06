package dht

import (
	"bytes"
	"crypto/ecdsa"

	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/hashes"
	"github.com/ugorji/go/codec"
)

// WarrantType identifies the kind of misbehavior a warrant attests to.
type WarrantType string

const (
	// ChainIntegrity covers provably invalid published data: a bad
	// signature, a mismatched hash, a fabricated basis, or an op rejected
	// by validation.
	ChainIntegrity WarrantType = "ChainIntegrity"
	// ChainFork covers two distinct actions by the same author with the
	// same predecessor.
	ChainFork WarrantType = "ChainFork"
)

// WarrantBody is the signed portion of a warrant.
type WarrantBody struct {
	Type WarrantType
	// Author is the public key of the observer authoring the warrant.
	Author    []byte
	Timestamp int64
	// Warranted is the agent hash of the offender.
	Warranted hashes.Hash

	// ChainIntegrity evidence: the offending op's hash and the reason
	// validation rejected it.
	OpHash hashes.Hash `json:",omitempty"`
	Reason string      `json:",omitempty"`

	// Evidence carries the offending records: the rejected op's record,
	// or the two conflicting actions of a fork.
	Evidence []*chain.Record `json:",omitempty"`
}

// Warrant is a signed statement by an observer that another agent published
// provably invalid data or forked their chain. Warrants are themselves ops
// and travel through the normal pipeline.
type Warrant struct {
	Body      WarrantBody
	Signature string
}

// marshalBody returns the canonical bytes of the warrant body, which is what
// gets signed.
func (w *WarrantBody) marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(w); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// NewWarrant signs a warrant body with the observer's key.
func NewWarrant(priv *ecdsa.PrivateKey, body WarrantBody) (*Warrant, error) {
	data, err := body.marshal()
	if err != nil {
		return nil, err
	}

	sig, err := keys.SignToString(priv, data)
	if err != nil {
		return nil, err
	}

	return &Warrant{
		Body:      body,
		Signature: sig,
	}, nil
}

// Verify checks the observer's signature over the warrant body.
func (w *Warrant) Verify() (bool, error) {
	data, err := w.Body.marshal()
	if err != nil {
		return false, err
	}
	return keys.VerifyString(w.Body.Author, data, w.Signature)
}

// Op wraps the warrant as a DHT op with the warranted agent as basis.
func (w *Warrant) Op() *Op {
	return &Op{
		Type:    WarrantOp,
		Basis:   w.Body.Warranted,
		Warrant: w,
	}
}

// NewIntegrityWarrant builds a signed ChainIntegrity warrant against the
// author of a rejected op.
func NewIntegrityWarrant(priv *ecdsa.PrivateKey, op *Op, reason string, now int64) (*Warrant, error) {
	opHash, err := op.Hash()
	if err != nil {
		return nil, err
	}

	body := WarrantBody{
		Type:      ChainIntegrity,
		Author:    keys.FromPublicKey(&priv.PublicKey),
		Timestamp: now,
		Warranted: op.AuthorHash(),
		OpHash:    opHash,
		Reason:    reason,
	}
	if op.Record != nil {
		body.Evidence = []*chain.Record{op.Record}
	}

	return NewWarrant(priv, body)
}

// NewForkWarrant builds a signed ChainFork warrant from two conflicting
// records by the same author.
func NewForkWarrant(priv *ecdsa.PrivateKey, first, second *chain.Record, now int64) (*Warrant, error) {
	body := WarrantBody{
		Type:      ChainFork,
		Author:    keys.FromPublicKey(&priv.PublicKey),
		Timestamp: now,
		Warranted: first.Action.AuthorHash(),
		Evidence:  []*chain.Record{first, second},
	}

	return NewWarrant(priv, body)
}
