package chain

import (
	"fmt"

	"github.com/dgraph-io/badger"
	"github.com/holonnet/holon/src/hashes"
)

const chainPrefix = "chain"

// BadgerStore implements Store with a Badger database underneath an
// InmemStore. The InmemStore holds the full chain and enforces the append
// invariants; Badger persists every committed record so the chain survives a
// restart.
type BadgerStore struct {
	inmem *InmemStore
	db    *badger.DB
	path  string
}

// NewBadgerStore opens (or creates) a chain database at path and replays any
// persisted records into the in-memory store.
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

func seqKey(seq uint32) []byte {
	return []byte(fmt.Sprintf("%s!seq!%010d", chainPrefix, seq))
}

// replay loads persisted records in sequence order into the inmem store.
func (s *BadgerStore) replay() error {
	var records []*Record

	err := s.db.View(func(txn *badger.Txn) error {
		for seq := uint32(0); ; seq++ {
			item, err := txn.Get(seqKey(seq))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			r := new(Record)
			if err := r.Unmarshal(data); err != nil {
				return err
			}
			records = append(records, r)
		}
	})
	if err != nil {
		return err
	}

	if len(records) == 0 {
		return nil
	}
	return s.inmem.Append(records)
}

// NeedBootstrap reports whether the database already held records when it
// was opened.
func (s *BadgerStore) NeedBootstrap() bool {
	return s.inmem.Len() > 0
}

// StorePath returns the filepath of the underlying database.
func (s *BadgerStore) StorePath() string {
	return s.path
}

// Head implements Store.
func (s *BadgerStore) Head() (uint32, hashes.Hash, error) {
	return s.inmem.Head()
}

// Len implements Store.
func (s *BadgerStore) Len() uint32 {
	return s.inmem.Len()
}

// Append implements Store. The batch goes through the inmem store first so
// all invariants are checked, then is persisted in a single badger
// transaction.
func (s *BadgerStore) Append(records []*Record) error {
	if err := s.inmem.Append(records); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, r := range records {
			data, err := r.Marshal()
			if err != nil {
				return err
			}
			if err := txn.Set(seqKey(r.Action.Seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get implements Store.
func (s *BadgerStore) Get(actionHash hashes.Hash) (*Record, error) {
	return s.inmem.Get(actionHash)
}

// GetBySeq implements Store.
func (s *BadgerStore) GetBySeq(seq uint32) (*Record, error) {
	return s.inmem.GetBySeq(seq)
}

// Query implements Store.
func (s *BadgerStore) Query(f *Filter) ([]*Record, error) {
	return s.inmem.Query(f)
}

// SetForkHandler implements Store.
func (s *BadgerStore) SetForkHandler(fn func(ForkEvent)) {
	s.inmem.SetForkHandler(fn)
}

// DetectFork implements Store.
func (s *BadgerStore) DetectFork(r *Record) (*ForkEvent, error) {
	return s.inmem.DetectFork(r)
}

// Lock implements Store.
func (s *BadgerStore) Lock(id []byte) error {
	return s.inmem.Lock(id)
}

// Unlock implements Store.
func (s *BadgerStore) Unlock(id []byte) error {
	return s.inmem.Unlock(id)
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
