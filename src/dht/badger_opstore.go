package dht

import (
	"bytes"

	"github.com/dgraph-io/badger"
	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/hashes"
	"github.com/ugorji/go/codec"
)

const opPrefix = "ops!"

// persistedOp is the durable form of a stored op: the op itself plus the
// lifecycle bookkeeping needed to resume after a restart.
type persistedOp struct {
	Op     *Op
	State  OpState
	Reason string `json:",omitempty"`
}

// BadgerStore implements the op Store with a Badger database underneath an
// InmemStore. The InmemStore holds everything and serves all reads; Badger
// persists each op and its state so validation does not restart from scratch
// after a crash.
type BadgerStore struct {
	inmem *InmemStore
	db    *badger.DB
	path  string
}

// NewBadgerStore opens (or creates) an op database at path and replays the
// persisted ops, with their states, into the in-memory store.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmem: NewInmemStore(),
		db:    handle,
		path:  path,
	}

	if err := store.replay(); err != nil {
		handle.Close()
		return nil, err
	}

	return store, nil
}

func opKey(opHash hashes.Hash) []byte {
	return []byte(opPrefix + opHash.String())
}

func (p *persistedOp) marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(p); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func (p *persistedOp) unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(p)
}

// replay loads persisted ops into the inmem store and restores their states.
// Integrated ops rebuild the serving indexes as they come back.
func (s *BadgerStore) replay() error {
	var persisted []*persistedOp

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(opPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			p := new(persistedOp)
			if err := p.unmarshal(data); err != nil {
				return err
			}
			persisted = append(persisted, p)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range persisted {
		if err := s.inmem.Put(p.Op); err != nil {
			return err
		}
		opHash, err := p.Op.Hash()
		if err != nil {
			return err
		}
		switch p.State {
		case StatePending:
		case StateRejected:
			if err := s.inmem.Reject(opHash, p.Reason); err != nil {
				return err
			}
		default:
			if err := s.inmem.SetState(opHash, p.State); err != nil {
				return err
			}
		}
	}

	return nil
}

// persist writes the current bookkeeping of one op.
func (s *BadgerStore) persist(opHash hashes.Hash) error {
	sop, err := s.inmem.Get(opHash)
	if err != nil {
		return err
	}

	data, err := (&persistedOp{
		Op:     sop.Op,
		State:  sop.State,
		Reason: sop.Reason,
	}).marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(opKey(opHash), data)
	})
}

// StorePath returns the filepath of the underlying database.
func (s *BadgerStore) StorePath() string {
	return s.path
}

// Put implements Store.
func (s *BadgerStore) Put(op *Op) error {
	if err := s.inmem.Put(op); err != nil {
		return err
	}

	opHash, err := op.Hash()
	if err != nil {
		return err
	}
	return s.persist(opHash)
}

// Get implements Store.
func (s *BadgerStore) Get(opHash hashes.Hash) (*StoredOp, error) {
	return s.inmem.Get(opHash)
}

// Has implements Store.
func (s *BadgerStore) Has(opHash hashes.Hash) bool {
	return s.inmem.Has(opHash)
}

// SetState implements Store.
func (s *BadgerStore) SetState(opHash hashes.Hash, state OpState) error {
	if err := s.inmem.SetState(opHash, state); err != nil {
		return err
	}
	return s.persist(opHash)
}

// Reject implements Store.
func (s *BadgerStore) Reject(opHash hashes.Hash, reason string) error {
	if err := s.inmem.Reject(opHash, reason); err != nil {
		return err
	}
	return s.persist(opHash)
}

// ListByState implements Store.
func (s *BadgerStore) ListByState(state OpState, max int) ([]*StoredOp, error) {
	return s.inmem.ListByState(state, max)
}

// HashesInWindow implements Store.
func (s *BadgerStore) HashesInWindow(cov Coverage, from, until int64) ([]hashes.Hash, error) {
	return s.inmem.HashesInWindow(cov, from, until)
}

// RegionHash implements Store.
func (s *BadgerStore) RegionHash(cov Coverage, from, until int64) ([]byte, int, error) {
	return s.inmem.RegionHash(cov, from, until)
}

// GetRecord implements Store.
func (s *BadgerStore) GetRecord(actionHash hashes.Hash) (*chain.Record, error) {
	return s.inmem.GetRecord(actionHash)
}

// GetEntryDetails implements Store.
func (s *BadgerStore) GetEntryDetails(entryHash hashes.Hash) (*EntryDetails, error) {
	return s.inmem.GetEntryDetails(entryHash)
}

// GetLinks implements Store.
func (s *BadgerStore) GetLinks(base hashes.Hash) ([]*Link, error) {
	return s.inmem.GetLinks(base)
}

// GetAgentActivity implements Store.
func (s *BadgerStore) GetAgentActivity(agent hashes.Hash) ([]*ActivityEntry, error) {
	return s.inmem.GetAgentActivity(agent)
}

// GetWarrants implements Store.
func (s *BadgerStore) GetWarrants(agent hashes.Hash) ([]*Warrant, error) {
	return s.inmem.GetWarrants(agent)
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
