package chain

import (
	"bytes"
	"sync"

	"github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/hashes"
)

// InmemStore implements Store with in-memory maps. It is the default store
// and the reference for the Badger-backed one.
type InmemStore struct {
	mtx sync.RWMutex

	records []*Record
	byHash  map[string]*Record
	// byPrev indexes action hash by prev hash. A second distinct action
	// arriving with a known prev is a fork.
	byPrev map[string]string

	lockID      []byte
	forkHandler func(ForkEvent)
}

// NewInmemStore creates a fresh in-memory chain store.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		records: []*Record{},
		byHash:  make(map[string]*Record),
		byPrev:  make(map[string]string),
	}
}

// Head implements Store.
func (s *InmemStore) Head() (uint32, hashes.Hash, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.head()
}

func (s *InmemStore) head() (uint32, hashes.Hash, error) {
	if len(s.records) == 0 {
		return 0, hashes.Hash{}, common.NewStoreErr("chain", common.Empty, "head")
	}
	last := s.records[len(s.records)-1]
	h, err := last.Hash()
	if err != nil {
		return 0, hashes.Hash{}, err
	}
	return last.Action.Seq, h, nil
}

// Len implements Store.
func (s *InmemStore) Len() uint32 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return uint32(len(s.records))
}

// Append implements Store. The whole batch is checked before anything is
// committed, so a failed append leaves the chain untouched.
func (s *InmemStore) Append(records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mtx.Lock()

	if s.lockID != nil {
		defer s.mtx.Unlock()
		return common.NewStoreErr("chain", common.ChainLocked, common.EncodeToString(s.lockID))
	}

	forks, err := s.checkBatch(records)
	if err != nil {
		s.mtx.Unlock()
		return err
	}

	for _, r := range records {
		h, err := r.Hash()
		if err != nil {
			s.mtx.Unlock()
			return err
		}
		s.records = append(s.records, r)
		s.byHash[h.String()] = r
		if !r.Action.Prev.IsZero() {
			s.byPrev[r.Action.Prev.String()] = h.String()
		}
	}

	handler := s.forkHandler

	// release before dispatching so handlers may read the store
	s.mtx.Unlock()

	if handler != nil {
		for _, f := range forks {
			handler(f)
		}
	}

	return nil
}

// checkBatch validates contiguity, prev linkage, and genesis rules for a
// batch, and collects any fork evidence. Caller holds the write lock.
func (s *InmemStore) checkBatch(records []*Record) ([]ForkEvent, error) {
	nextSeq := uint32(len(s.records))
	var prevHash hashes.Hash
	if len(s.records) > 0 {
		_, h, err := s.head()
		if err != nil {
			return nil, err
		}
		prevHash = h
	}

	var forks []ForkEvent

	for _, r := range records {
		if err := r.Action.Check(); err != nil {
			return nil, err
		}

		if r.Action.Seq != nextSeq {
			return nil, common.NewStoreErr("chain", common.InvalidAppend, string(r.Action.Type))
		}

		if nextSeq < GenesisLength {
			if r.Action.Type != expectedGenesisType(nextSeq) {
				return nil, common.NewStoreErr("chain", common.GenesisIncomplete, string(r.Action.Type))
			}
		} else if r.Action.Type == DnaType || r.Action.Type == AgentValidationPkgType || r.Action.Type == InitZomesCompleteType {
			return nil, common.NewStoreErr("chain", common.InvalidAppend, string(r.Action.Type))
		}

		if nextSeq > 0 && !r.Action.Prev.Equal(prevHash) {
			return nil, common.NewStoreErr("chain", common.InvalidAppend, r.Action.Prev.Short())
		}

		h, err := r.Hash()
		if err != nil {
			return nil, err
		}

		if !r.Action.Prev.IsZero() {
			if existing, ok := s.byPrev[r.Action.Prev.String()]; ok && existing != h.String() {
				forks = append(forks, ForkEvent{
					Seq:    r.Action.Seq,
					Author: r.Action.AuthorHash(),
					First:  s.byHash[existing],
					Second: r,
				})
			}
		}

		prevHash = h
		nextSeq++
	}

	return forks, nil
}

// Get implements Store.
func (s *InmemStore) Get(actionHash hashes.Hash) (*Record, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	r, ok := s.byHash[actionHash.String()]
	if !ok {
		return nil, common.NewStoreErr("chain", common.KeyNotFound, actionHash.Short())
	}
	return r, nil
}

// GetBySeq implements Store.
func (s *InmemStore) GetBySeq(seq uint32) (*Record, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if seq >= uint32(len(s.records)) {
		return nil, common.NewStoreErr("chain", common.KeyNotFound, "seq")
	}
	return s.records[seq], nil
}

// Query implements Store.
func (s *InmemStore) Query(f *Filter) ([]*Record, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if f == nil {
		f = &Filter{}
	}

	var selected []*Record

	if f.UntilHash != nil {
		// fork-safe walk down prev links from the head
		_, headHash, err := s.head()
		if err != nil {
			if common.IsStore(err, common.Empty) {
				return nil, nil
			}
			return nil, err
		}
		cursor := headHash
		for {
			r, ok := s.byHash[cursor.String()]
			if !ok {
				return nil, common.NewStoreErr("chain", common.KeyNotFound, cursor.Short())
			}
			if f.matchesAction(&r.Action) {
				selected = append(selected, f.strip(r))
			}
			if cursor.Equal(*f.UntilHash) || r.Action.Prev.IsZero() {
				break
			}
			cursor = r.Action.Prev
		}
		// the walk collects head-first
		if !f.Descending {
			reverse(selected)
		}
		return selected, nil
	}

	for _, r := range s.records {
		if !f.matchesSeq(r.Action.Seq) {
			continue
		}
		if !f.matchesAction(&r.Action) {
			continue
		}
		selected = append(selected, f.strip(r))
	}

	if f.Descending {
		reverse(selected)
	}

	return selected, nil
}

func reverse(records []*Record) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

// DetectFork implements Store.
func (s *InmemStore) DetectFork(r *Record) (*ForkEvent, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if r.Action.Prev.IsZero() {
		return nil, nil
	}

	h, err := r.Hash()
	if err != nil {
		return nil, err
	}

	existing, ok := s.byPrev[r.Action.Prev.String()]
	if !ok || existing == h.String() {
		return nil, nil
	}

	return &ForkEvent{
		Seq:    r.Action.Seq,
		Author: r.Action.AuthorHash(),
		First:  s.byHash[existing],
		Second: r,
	}, nil
}

// SetForkHandler implements Store.
func (s *InmemStore) SetForkHandler(fn func(ForkEvent)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.forkHandler = fn
}

// Lock implements Store.
func (s *InmemStore) Lock(id []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.lockID != nil && !bytes.Equal(s.lockID, id) {
		return common.NewStoreErr("chain", common.ChainLocked, common.EncodeToString(s.lockID))
	}
	s.lockID = id
	return nil
}

// Unlock implements Store.
func (s *InmemStore) Unlock(id []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.lockID == nil {
		return nil
	}
	if !bytes.Equal(s.lockID, id) {
		return common.NewStoreErr("chain", common.ChainLocked, common.EncodeToString(s.lockID))
	}
	s.lockID = nil
	return nil
}

// Close implements Store.
func (s *InmemStore) Close() error {
	return nil
}
