package chain

import (
	"github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/hashes"
)

// Scratch is a single-writer workspace over a chain store. Reads see the
// scratch-then-persisted overlay; writes accumulate in the scratch. Commit
// flushes the scratch atomically, or fails with HeadMoved if another writer
// advanced the head since the scratch was opened.
type Scratch struct {
	store    Store
	baseLen  uint32
	baseHead hashes.Hash
	records  []*Record
}

// NewScratch opens a scratch over the current head of the store.
func NewScratch(store Store) (*Scratch, error) {
	s := &Scratch{store: store}

	_, head, err := store.Head()
	if err != nil {
		if !common.IsStore(err, common.Empty) {
			return nil, err
		}
	} else {
		s.baseHead = head
	}
	s.baseLen = store.Len()

	return s, nil
}

// NextSeq returns the sequence number the next scratch write will take.
func (s *Scratch) NextSeq() uint32 {
	return s.baseLen + uint32(len(s.records))
}

// Head returns the head of the overlay: the last scratch record if any,
// otherwise the persisted head.
func (s *Scratch) Head() (uint32, hashes.Hash, error) {
	if len(s.records) > 0 {
		last := s.records[len(s.records)-1]
		h, err := last.Hash()
		if err != nil {
			return 0, hashes.Hash{}, err
		}
		return last.Action.Seq, h, nil
	}
	if s.baseLen == 0 {
		return 0, hashes.Hash{}, common.NewStoreErr("scratch", common.Empty, "head")
	}
	return s.baseLen - 1, s.baseHead, nil
}

// Put appends a record to the scratch. The record's seq and prev must extend
// the overlay head.
func (s *Scratch) Put(r *Record) error {
	if err := r.Action.Check(); err != nil {
		return err
	}

	if r.Action.Seq != s.NextSeq() {
		return common.NewStoreErr("scratch", common.InvalidAppend, string(r.Action.Type))
	}

	if s.NextSeq() > 0 {
		_, head, err := s.Head()
		if err != nil {
			return err
		}
		if !r.Action.Prev.Equal(head) {
			return common.NewStoreErr("scratch", common.InvalidAppend, r.Action.Prev.Short())
		}
	}

	s.records = append(s.records, r)
	return nil
}

// Records returns the accumulated scratch writes in order.
func (s *Scratch) Records() []*Record {
	return s.records
}

// Get looks up an action hash in the overlay, scratch first.
func (s *Scratch) Get(actionHash hashes.Hash) (*Record, error) {
	for _, r := range s.records {
		h, err := r.Hash()
		if err != nil {
			return nil, err
		}
		if h.Equal(actionHash) {
			return r, nil
		}
	}
	return s.store.Get(actionHash)
}

// Query runs a filter over the overlay. Scratch records are appended after
// (or before, descending) the persisted ones.
func (s *Scratch) Query(f *Filter) ([]*Record, error) {
	if f == nil {
		f = &Filter{}
	}

	persisted, err := s.store.Query(f)
	if err != nil {
		return nil, err
	}

	var scratch []*Record
	for _, r := range s.records {
		if f.matchesSeq(r.Action.Seq) && f.matchesAction(&r.Action) {
			scratch = append(scratch, r)
		}
	}

	if f.Descending {
		reverse(scratch)
		return append(scratch, persisted...), nil
	}
	return append(persisted, scratch...), nil
}

// Commit flushes the scratch to the store in one atomic append. It returns
// the flushed records so the caller can derive ops from them. A HeadMoved
// error means another writer advanced the chain; the caller discards the
// scratch and retries.
func (s *Scratch) Commit() ([]*Record, error) {
	if len(s.records) == 0 {
		return nil, nil
	}

	_, head, err := s.store.Head()
	if err != nil && !common.IsStore(err, common.Empty) {
		return nil, err
	}
	if s.store.Len() != s.baseLen || !head.Equal(s.baseHead) {
		return nil, common.NewStoreErr("chain", common.HeadMoved, head.Short())
	}

	if err := s.store.Append(s.records); err != nil {
		return nil, err
	}

	committed := s.records
	s.records = nil
	s.baseLen = s.store.Len()
	if len(committed) > 0 {
		h, err := committed[len(committed)-1].Hash()
		if err == nil {
			s.baseHead = h
		}
	}

	return committed, nil
}

// Discard drops the scratch writes.
func (s *Scratch) Discard() {
	s.records = nil
}

// Transaction opens a scratch, runs f, and commits on success. On error the
// scratch is discarded and nothing is written.
func Transaction(store Store, f func(*Scratch) error) ([]*Record, error) {
	scratch, err := NewScratch(store)
	if err != nil {
		return nil, err
	}

	if err := f(scratch); err != nil {
		scratch.Discard()
		return nil, err
	}

	return scratch.Commit()
}
