package dht

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/holonnet/holon/src/chain"
	cm "github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/hashes"
)

// putIntegrated walks an op through the full lifecycle.
func putIntegrated(t *testing.T, store Store, op *Op) hashes.Hash {
	t.Helper()

	if err := store.Put(op); err != nil {
		t.Fatal(err)
	}
	h, err := op.Hash()
	if err != nil {
		t.Fatal(err)
	}
	for _, state := range []OpState{StateSysValidated, StateAppValidated, StateIntegrated} {
		if err := store.SetState(h, state); err != nil {
			t.Fatal(err)
		}
	}
	return h
}

func integrateRecord(t *testing.T, store Store, r *chain.Record) {
	t.Helper()
	ops, err := DeriveOps(r)
	if err != nil {
		t.Fatal(err)
	}
	for _, op := range ops {
		putIntegrated(t, store, op)
	}
}

func TestOpLifecycle(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	priv := testAgent(t)
	_, head := testChain(t, priv)
	record := createRecord(t, priv, 3, head, chain.NewAppEntry("post", []byte("x")))
	ops, err := DeriveOps(record)
	if err != nil {
		t.Fatal(err)
	}
	op := ops[0]

	if err := store.Put(op); err != nil {
		t.Fatal(err)
	}
	// inserting again is a no-op
	if err := store.Put(op); err != nil {
		t.Fatal(err)
	}

	h, _ := op.Hash()
	sop, err := store.Get(h)
	if err != nil {
		t.Fatal(err)
	}
	if sop.State != StatePending {
		t.Fatalf("fresh op should be pending, not %s", sop.State)
	}

	if err := store.SetState(h, StateSysValidated); err != nil {
		t.Fatal(err)
	}
	if err := store.SetState(h, StateAppValidated); err != nil {
		t.Fatal(err)
	}
	if err := store.SetState(h, StateIntegrated); err != nil {
		t.Fatal(err)
	}
	// integrating twice is a no-op
	if err := store.SetState(h, StateIntegrated); err != nil {
		t.Fatal(err)
	}
	// backward transitions fail
	if err := store.SetState(h, StatePending); err == nil {
		t.Fatal("backward transition should fail")
	}

	if _, err := store.Get(hashes.New(hashes.Op, []byte("missing"))); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("missing op should return KeyNotFound, got %v", err)
	}
}

func TestOpRejectIsTerminal(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	priv := testAgent(t)
	_, head := testChain(t, priv)
	record := createRecord(t, priv, 3, head, chain.NewAppEntry("post", []byte("bad")))
	ops, _ := DeriveOps(record)
	op := ops[0]

	if err := store.Put(op); err != nil {
		t.Fatal(err)
	}
	h, _ := op.Hash()

	if err := store.Reject(h, "invalid signature"); err != nil {
		t.Fatal(err)
	}

	sop, err := store.Get(h)
	if err != nil {
		t.Fatal(err)
	}
	if sop.State != StateRejected {
		t.Fatalf("op should be rejected, not %s", sop.State)
	}
	if sop.Reason != "invalid signature" {
		t.Fatalf("rejection reason should survive, got %q", sop.Reason)
	}

	if err := store.SetState(h, StateIntegrated); err == nil {
		t.Fatal("rejected op should never integrate")
	}
}

func TestIntegratedOpIsTerminal(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	priv := testAgent(t)
	_, head := testChain(t, priv)
	record := createRecord(t, priv, 3, head, chain.NewAppEntry("post", []byte("done")))
	ops, _ := DeriveOps(record)
	op := opOfType(t, ops, StoreRecord)
	h := putIntegrated(t, store, op)

	if err := store.Reject(h, "late verdict"); err == nil {
		t.Fatal("integrated op should never move to rejected")
	}

	sop, err := store.Get(h)
	if err != nil {
		t.Fatal(err)
	}
	if sop.State != StateIntegrated {
		t.Fatalf("op should stay integrated, not %s", sop.State)
	}

	// the serving indexes still answer for it
	actionHash, _ := record.Hash()
	if _, err := store.GetRecord(actionHash); err != nil {
		t.Fatalf("integrated record should still be served: %v", err)
	}
}

func TestListByState(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	priv := testAgent(t)
	genesis, head := testChain(t, priv)
	_ = genesis

	first := createRecord(t, priv, 3, head, chain.NewAppEntry("post", []byte("1")))
	firstHash, _ := first.Hash()
	second := createRecord(t, priv, 4, firstHash, chain.NewAppEntry("post", []byte("2")))

	firstOps, _ := DeriveOps(first)
	secondOps, _ := DeriveOps(second)

	for _, op := range append(firstOps, secondOps...) {
		if err := store.Put(op); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := store.ListByState(StatePending, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != len(firstOps)+len(secondOps) {
		t.Fatalf("expected %d pending ops, got %d", len(firstOps)+len(secondOps), len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].Authored < pending[i-1].Authored {
			t.Fatal("pending ops should come back oldest first")
		}
	}

	capped, err := store.ListByState(StatePending, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 2 {
		t.Fatalf("cap should limit the batch to 2, got %d", len(capped))
	}
}

func TestIntegratedRecordServing(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	priv := testAgent(t)
	genesis, head := testChain(t, priv)
	for _, r := range genesis {
		integrateRecord(t, store, r)
	}
	record := createRecord(t, priv, 3, head, chain.NewAppEntry("post", []byte("served")))
	integrateRecord(t, store, record)

	actionHash, _ := record.Hash()
	back, err := store.GetRecord(actionHash)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := back.Verify()
	if err != nil || !ok {
		t.Fatalf("served record should verify: %v", err)
	}

	activity, err := store.GetAgentActivity(record.Action.AuthorHash())
	if err != nil {
		t.Fatal(err)
	}
	if len(activity) != 4 {
		t.Fatalf("activity should cover all 4 actions, got %d", len(activity))
	}
	for i, ae := range activity {
		if ae.Seq != uint32(i) {
			t.Fatalf("activity should be ascending by seq, got %d at %d", ae.Seq, i)
		}
	}
}

func TestEntryDetailsLifecycle(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	priv := testAgent(t)
	_, head := testChain(t, priv)
	author := keys.FromPublicKey(&priv.PublicKey)

	created := createRecord(t, priv, 3, head, chain.NewAppEntry("post", []byte("v1")))
	integrateRecord(t, store, created)
	createdHash, _ := created.Hash()
	entryHash := created.Action.EntryHash

	details, err := store.GetEntryDetails(entryHash)
	if err != nil {
		t.Fatal(err)
	}
	if details.Status != StatusLive {
		t.Fatalf("entry with no deletes should be Live, not %s", details.Status)
	}
	if len(details.Creations) != 1 {
		t.Fatalf("expected 1 creation, got %d", len(details.Creations))
	}
	if details.Entry == nil || !bytes.Equal(details.Entry.Body, []byte("v1")) {
		t.Fatal("details should carry the entry body")
	}

	newEntry := chain.NewAppEntry("post", []byte("v2"))
	newEntryHash, _ := newEntry.Hash()
	update, err := chain.NewRecord(priv, chain.Action{
		Type:           chain.UpdateType,
		Author:         author,
		Timestamp:      chain.Now(),
		Seq:            4,
		Prev:           createdHash,
		EntryType:      chain.AppEntry,
		EntryHash:      newEntryHash,
		OriginalAction: createdHash,
		OriginalEntry:  entryHash,
	}, newEntry)
	if err != nil {
		t.Fatal(err)
	}
	integrateRecord(t, store, update)

	details, err = store.GetEntryDetails(entryHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(details.Updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(details.Updates))
	}
	if details.Status != StatusLive {
		t.Fatal("an update does not kill the original entry")
	}

	updateHash, _ := update.Hash()
	del, err := chain.NewRecord(priv, chain.Action{
		Type:          chain.DeleteType,
		Author:        author,
		Timestamp:     chain.Now(),
		Seq:           5,
		Prev:          updateHash,
		DeletesAction: createdHash,
		DeletesEntry:  entryHash,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	integrateRecord(t, store, del)

	details, err = store.GetEntryDetails(entryHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(details.Deletes) != 1 {
		t.Fatalf("expected 1 delete, got %d", len(details.Deletes))
	}
	if details.Status != StatusDead {
		t.Fatal("deleting the only creation should make the entry Dead")
	}
}

func TestLinkTombstones(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	priv := testAgent(t)
	_, head := testChain(t, priv)
	author := keys.FromPublicKey(&priv.PublicKey)

	base := hashes.New(hashes.Entry, []byte("base"))
	target := hashes.New(hashes.Entry, []byte("target"))

	link, err := chain.NewRecord(priv, chain.Action{
		Type:      chain.CreateLinkType,
		Author:    author,
		Timestamp: chain.Now(),
		Seq:       3,
		Prev:      head,
		Base:      base,
		Target:    target,
		Tag:       []byte("friend"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	integrateRecord(t, store, link)

	links, err := store.GetLinks(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(links))
	}
	if links[0].Deleted {
		t.Fatal("fresh link should not be tombstoned")
	}
	if !links[0].Target.Equal(target) || !bytes.Equal(links[0].Tag, []byte("friend")) {
		t.Fatal("link should carry target and tag")
	}

	linkHash, _ := link.Hash()
	delLink, err := chain.NewRecord(priv, chain.Action{
		Type:       chain.DeleteLinkType,
		Author:     author,
		Timestamp:  chain.Now(),
		Seq:        4,
		Prev:       linkHash,
		LinkAction: linkHash,
		Base:       base,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	integrateRecord(t, store, delLink)

	links, err = store.GetLinks(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || !links[0].Deleted {
		t.Fatal("deleted link should remain with its tombstone set")
	}
}

func TestLinkDeleteBeforeCreate(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	priv := testAgent(t)
	_, head := testChain(t, priv)
	author := keys.FromPublicKey(&priv.PublicKey)

	base := hashes.New(hashes.Entry, []byte("base"))
	link, err := chain.NewRecord(priv, chain.Action{
		Type:      chain.CreateLinkType,
		Author:    author,
		Timestamp: chain.Now(),
		Seq:       3,
		Prev:      head,
		Base:      base,
		Target:    hashes.New(hashes.Entry, []byte("target")),
		Tag:       []byte("t"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	linkHash, _ := link.Hash()

	delLink, err := chain.NewRecord(priv, chain.Action{
		Type:       chain.DeleteLinkType,
		Author:     author,
		Timestamp:  chain.Now(),
		Seq:        4,
		Prev:       linkHash,
		LinkAction: linkHash,
		Base:       base,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// the tombstone arrives first
	integrateRecord(t, store, delLink)
	integrateRecord(t, store, link)

	links, err := store.GetLinks(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || !links[0].Deleted {
		t.Fatal("a delete integrated before its create should still tombstone the link")
	}
}

func TestWarrantServing(t *testing.T) {
	store := NewInmemStore()
	defer store.Close()

	observer := testAgent(t)
	offender := testAgent(t)
	_, head := testChain(t, offender)
	record := createRecord(t, offender, 3, head, chain.NewAppEntry("post", []byte("bad")))
	ops, _ := DeriveOps(record)

	warrant, err := NewIntegrityWarrant(observer, ops[0], "bad signature", chain.Now())
	if err != nil {
		t.Fatal(err)
	}
	putIntegrated(t, store, warrant.Op())

	served, err := store.GetWarrants(record.Action.AuthorHash())
	if err != nil {
		t.Fatal(err)
	}
	if len(served) != 1 {
		t.Fatalf("expected 1 warrant, got %d", len(served))
	}
	ok, err := served[0].Verify()
	if err != nil || !ok {
		t.Fatalf("served warrant should verify: %v", err)
	}
}

// halfRing covers the locations at or above its split point.
type halfRing struct {
	split uint32
}

func (h halfRing) Contains(loc uint32) bool { return loc >= h.split }

// lowerRing covers the locations below its split point.
type lowerRing struct {
	split uint32
}

func (l lowerRing) Contains(loc uint32) bool { return loc < l.split }

func TestRegionHash(t *testing.T) {
	first := NewInmemStore()
	second := NewInmemStore()
	defer first.Close()
	defer second.Close()

	priv := testAgent(t)
	genesis, head := testChain(t, priv)
	recordA := createRecord(t, priv, 3, head, chain.NewAppEntry("post", []byte("a")))
	recordAHash, _ := recordA.Hash()
	recordB := createRecord(t, priv, 4, recordAHash, chain.NewAppEntry("post", []byte("b")))

	var all []*Op
	for _, r := range append(genesis, recordA, recordB) {
		ops, err := DeriveOps(r)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, ops...)
	}

	// integrate in different orders
	for _, op := range all {
		putIntegrated(t, first, op)
	}
	for i := len(all) - 1; i >= 0; i-- {
		putIntegrated(t, second, all[i])
	}

	from := int64(0)
	until := chain.Now() + 1

	h1, n1, err := first.RegionHash(FullCoverage{}, from, until)
	if err != nil {
		t.Fatal(err)
	}
	h2, n2, err := second.RegionHash(FullCoverage{}, from, until)
	if err != nil {
		t.Fatal(err)
	}
	if n1 != len(all) || n2 != len(all) {
		t.Fatalf("full window should count all %d ops, got %d and %d", len(all), n1, n2)
	}
	if !bytes.Equal(h1, h2) {
		t.Fatal("region hash should not depend on integration order")
	}

	// one missing op changes the digest
	missingOne := NewInmemStore()
	defer missingOne.Close()
	for _, op := range all[1:] {
		putIntegrated(t, missingOne, op)
	}
	h3, n3, err := missingOne.RegionHash(FullCoverage{}, from, until)
	if err != nil {
		t.Fatal(err)
	}
	if n3 != len(all)-1 {
		t.Fatalf("expected %d ops, got %d", len(all)-1, n3)
	}
	if bytes.Equal(h1, h3) {
		t.Fatal("a missing op should change the region hash")
	}

	// the two halves of the ring partition the window
	upper, nUpper, err := first.RegionHash(halfRing{split: 1 << 31}, from, until)
	if err != nil {
		t.Fatal(err)
	}
	lower, nLower, err := first.RegionHash(lowerRing{split: 1 << 31}, from, until)
	if err != nil {
		t.Fatal(err)
	}
	if nUpper+nLower != n1 {
		t.Fatalf("halves should partition the ring: %d + %d != %d", nUpper, nLower, n1)
	}
	combined := make([]byte, len(upper))
	for i := range upper {
		combined[i] = upper[i] ^ lower[i]
	}
	if !bytes.Equal(combined, h1) {
		t.Fatal("XOR of the half-ring digests should equal the full digest")
	}

	// time window below every op is empty
	empty, nEmpty, err := first.RegionHash(FullCoverage{}, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if nEmpty != 0 {
		t.Fatalf("window before all ops should be empty, got %d", nEmpty)
	}
	for _, b := range empty {
		if b != 0 {
			t.Fatal("empty region should hash to zero")
		}
	}
}

func TestBadgerOpStoreSurvivesRestart(t *testing.T) {
	dir, err := ioutil.TempDir("", "dht_badger")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	priv := testAgent(t)
	genesis, head := testChain(t, priv)
	for _, r := range genesis {
		integrateRecord(t, store, r)
	}
	record := createRecord(t, priv, 3, head, chain.NewAppEntry("post", []byte("durable")))
	integrateRecord(t, store, record)

	// one op left mid-pipeline
	pendingRecord := createRecord(t, priv, 4, head, chain.NewAppEntry("post", []byte("pending")))
	pendingOps, _ := DeriveOps(pendingRecord)
	if err := store.Put(pendingOps[0]); err != nil {
		t.Fatal(err)
	}
	pendingHash, _ := pendingOps[0].Hash()
	if err := store.SetState(pendingHash, StateSysValidated); err != nil {
		t.Fatal(err)
	}

	actionHash, _ := record.Hash()
	digestBefore, countBefore, err := store.RegionHash(FullCoverage{}, 0, chain.Now()+1)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	back, err := reopened.GetRecord(actionHash)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := back.Verify()
	if err != nil || !ok {
		t.Fatalf("replayed record should verify: %v", err)
	}

	sop, err := reopened.Get(pendingHash)
	if err != nil {
		t.Fatal(err)
	}
	if sop.State != StateSysValidated {
		t.Fatalf("mid-pipeline state should survive restart, got %s", sop.State)
	}

	digestAfter, countAfter, err := reopened.RegionHash(FullCoverage{}, 0, chain.Now()+1)
	if err != nil {
		t.Fatal(err)
	}
	if countAfter != countBefore || !bytes.Equal(digestAfter, digestBefore) {
		t.Fatal("region hash should survive restart")
	}
}
