package dht

import (
	"fmt"
	"sort"
	"sync"

	"github.com/holonnet/holon/src/chain"
	cm "github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/hashes"
)

// entryIndex is the integrated view of one entry at its authority.
type entryIndex struct {
	entry     *chain.Entry
	creations []*chain.Record
	updates   []*chain.Record
	deletes   []*chain.Record
	// deletedCreations marks creation action hashes with an integrated
	// delete. A delete may integrate before its creation.
	deletedCreations map[string]bool
}

// InmemStore implements the op Store in memory.
type InmemStore struct {
	mtx sync.RWMutex

	ops map[string]*StoredOp

	// integrated indexes
	records      map[string]*chain.Record
	entries      map[string]*entryIndex
	links        map[string][]*Link
	linkByAction map[string]*Link
	// deleteLink ops whose CreateLink has not integrated yet
	pendingLinkDeletes map[string]bool
	activity           map[string][]*ActivityEntry
	warrants           map[string][]*Warrant
}

// NewInmemStore creates an empty in-memory op store.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		ops:                make(map[string]*StoredOp),
		records:            make(map[string]*chain.Record),
		entries:            make(map[string]*entryIndex),
		links:              make(map[string][]*Link),
		linkByAction:       make(map[string]*Link),
		pendingLinkDeletes: make(map[string]bool),
		activity:           make(map[string][]*ActivityEntry),
		warrants:           make(map[string][]*Warrant),
	}
}

// Put implements Store.
func (s *InmemStore) Put(op *Op) error {
	h, err := op.Hash()
	if err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.ops[h.String()]; ok {
		return nil
	}

	s.ops[h.String()] = &StoredOp{
		Op:       op,
		Hash:     h,
		State:    StatePending,
		Authored: op.AuthoredAt(),
	}

	return nil
}

// Get implements Store.
func (s *InmemStore) Get(opHash hashes.Hash) (*StoredOp, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	sop, ok := s.ops[opHash.String()]
	if !ok {
		return nil, cm.NewStoreErr("OpStore", cm.KeyNotFound, opHash.Short())
	}
	return sop, nil
}

// Has implements Store.
func (s *InmemStore) Has(opHash hashes.Hash) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	_, ok := s.ops[opHash.String()]
	return ok
}

// SetState implements Store.
func (s *InmemStore) SetState(opHash hashes.Hash, state OpState) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.setState(opHash, state, "")
}

// Reject implements Store.
func (s *InmemStore) Reject(opHash hashes.Hash, reason string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.setState(opHash, StateRejected, reason)
}

// setState is called with the write lock held.
func (s *InmemStore) setState(opHash hashes.Hash, state OpState, reason string) error {
	sop, ok := s.ops[opHash.String()]
	if !ok {
		return cm.NewStoreErr("OpStore", cm.KeyNotFound, opHash.Short())
	}

	if sop.State == state {
		return nil
	}
	if sop.State == StateRejected || sop.State == StateIntegrated {
		return fmt.Errorf("op %s is %s, cannot move to %s", opHash.Short(), sop.State, state)
	}
	if state.rank() < sop.State.rank() {
		return fmt.Errorf("op %s cannot move backward from %s to %s",
			opHash.Short(), sop.State, state)
	}

	sop.State = state
	sop.Reason = reason

	if state == StateIntegrated {
		s.integrate(sop.Op)
	}

	return nil
}

// integrate updates the serving indexes for a newly integrated op. It runs
// exactly once per op because SetState treats a repeated transition as a
// no-op. Called with the write lock held.
func (s *InmemStore) integrate(op *Op) {
	if op.Type == WarrantOp {
		key := op.Warrant.Body.Warranted.String()
		s.warrants[key] = append(s.warrants[key], op.Warrant)
		return
	}

	a := op.Record.Action
	actionHash, err := a.Hash()
	if err != nil {
		return
	}

	switch op.Type {
	case StoreRecord:
		s.records[actionHash.String()] = op.Record

	case StoreEntry:
		idx := s.entryIndex(op.Basis)
		if op.Record.Entry != nil {
			idx.entry = op.Record.Entry
		}
		idx.creations = append(idx.creations, op.Record)

	case RegisterAgentActivity:
		key := a.AuthorHash().String()
		for _, ae := range s.activity[key] {
			if ae.ActionHash.Equal(actionHash) {
				return
			}
		}
		s.activity[key] = append(s.activity[key], &ActivityEntry{
			Seq:        a.Seq,
			ActionHash: actionHash,
			Prev:       a.Prev,
			Timestamp:  a.Timestamp,
		})
		sort.Slice(s.activity[key], func(i, j int) bool {
			return s.activity[key][i].Seq < s.activity[key][j].Seq
		})

	case RegisterUpdate:
		idx := s.entryIndex(op.Basis)
		idx.updates = append(idx.updates, op.Record)

	case RegisterDelete:
		idx := s.entryIndex(op.Basis)
		idx.deletes = append(idx.deletes, op.Record)
		idx.deletedCreations[a.DeletesAction.String()] = true

	case RegisterCreateLink:
		link := &Link{
			CreateAction: actionHash,
			Base:         a.Base,
			Target:       a.Target,
			Tag:          a.Tag,
			Timestamp:    a.Timestamp,
		}
		if s.pendingLinkDeletes[actionHash.String()] {
			link.Deleted = true
			delete(s.pendingLinkDeletes, actionHash.String())
		}
		s.links[a.Base.String()] = append(s.links[a.Base.String()], link)
		s.linkByAction[actionHash.String()] = link

	case RegisterDeleteLink:
		if link, ok := s.linkByAction[a.LinkAction.String()]; ok {
			link.Deleted = true
		} else {
			s.pendingLinkDeletes[a.LinkAction.String()] = true
		}
	}
}

// entryIndex is called with the write lock held.
func (s *InmemStore) entryIndex(entryHash hashes.Hash) *entryIndex {
	idx, ok := s.entries[entryHash.String()]
	if !ok {
		idx = &entryIndex{
			deletedCreations: make(map[string]bool),
		}
		s.entries[entryHash.String()] = idx
	}
	return idx
}

// ListByState implements Store.
func (s *InmemStore) ListByState(state OpState, max int) ([]*StoredOp, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var res []*StoredOp
	for _, sop := range s.ops {
		if sop.State == state {
			res = append(res, sop)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		if res[i].Authored != res[j].Authored {
			return res[i].Authored < res[j].Authored
		}
		return res[i].Hash.String() < res[j].Hash.String()
	})

	if max > 0 && len(res) > max {
		res = res[:max]
	}

	return res, nil
}

// HashesInWindow implements Store.
func (s *InmemStore) HashesInWindow(cov Coverage, from, until int64) ([]hashes.Hash, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var res []hashes.Hash
	for _, sop := range s.ops {
		if sop.State != StateIntegrated {
			continue
		}
		if sop.Authored < from || sop.Authored >= until {
			continue
		}
		if !cov.Contains(sop.Op.Basis.Loc()) {
			continue
		}
		res = append(res, sop.Hash)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].String() < res[j].String()
	})

	return res, nil
}

// RegionHash implements Store. XOR is order-independent, so two authorities
// holding the same set of ops compute the same digest regardless of
// integration order.
func (s *InmemStore) RegionHash(cov Coverage, from, until int64) ([]byte, int, error) {
	inWindow, err := s.HashesInWindow(cov, from, until)
	if err != nil {
		return nil, 0, err
	}

	digest := make([]byte, hashes.Length)
	for _, h := range inWindow {
		for i, b := range h.Bytes {
			digest[i] ^= b
		}
	}

	return digest, len(inWindow), nil
}

// GetRecord implements Store.
func (s *InmemStore) GetRecord(actionHash hashes.Hash) (*chain.Record, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	r, ok := s.records[actionHash.String()]
	if !ok {
		return nil, cm.NewStoreErr("OpStore", cm.KeyNotFound, actionHash.Short())
	}
	return r, nil
}

// GetEntryDetails implements Store.
func (s *InmemStore) GetEntryDetails(entryHash hashes.Hash) (*EntryDetails, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	idx, ok := s.entries[entryHash.String()]
	if !ok {
		return nil, cm.NewStoreErr("OpStore", cm.KeyNotFound, entryHash.Short())
	}

	details := &EntryDetails{
		Entry:     idx.entry,
		Creations: append([]*chain.Record{}, idx.creations...),
		Updates:   append([]*chain.Record{}, idx.updates...),
		Deletes:   append([]*chain.Record{}, idx.deletes...),
		Status:    StatusDead,
	}

	// live while at least one creation has no integrated delete
	for _, c := range idx.creations {
		ch, err := c.Action.Hash()
		if err != nil {
			continue
		}
		if !idx.deletedCreations[ch.String()] {
			details.Status = StatusLive
			break
		}
	}

	return details, nil
}

// GetLinks implements Store.
func (s *InmemStore) GetLinks(base hashes.Hash) ([]*Link, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	links := s.links[base.String()]
	res := make([]*Link, len(links))
	copy(res, links)

	sort.Slice(res, func(i, j int) bool {
		if res[i].Timestamp != res[j].Timestamp {
			return res[i].Timestamp < res[j].Timestamp
		}
		return res[i].CreateAction.String() < res[j].CreateAction.String()
	})

	return res, nil
}

// GetAgentActivity implements Store.
func (s *InmemStore) GetAgentActivity(agent hashes.Hash) ([]*ActivityEntry, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	activity := s.activity[agent.String()]
	res := make([]*ActivityEntry, len(activity))
	copy(res, activity)

	return res, nil
}

// GetWarrants implements Store.
func (s *InmemStore) GetWarrants(agent hashes.Hash) ([]*Warrant, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	warrants := s.warrants[agent.String()]
	res := make([]*Warrant, len(warrants))
	copy(res, warrants)

	return res, nil
}

// Close implements Store.
func (s *InmemStore) Close() error {
	return nil
}
