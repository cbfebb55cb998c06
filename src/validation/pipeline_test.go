package validation

import (
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/holonnet/holon/src/chain"
	cm "github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/ribosome"
	"github.com/sirupsen/logrus"
)

func testConfig() Config {
	conf := DefaultConfig()
	conf.ParkBaseBackoff = time.Millisecond
	conf.ParkMaxBackoff = 10 * time.Millisecond
	conf.Tick = 2 * time.Millisecond
	conf.MaxParkRetries = 64
	return conf
}

func testAgent(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func testDna() hashes.Hash {
	return hashes.New(hashes.DNA, []byte("test dna"))
}

type testRig struct {
	store    *dht.InmemStore
	pipeline *Pipeline

	mtx      sync.Mutex
	warrants []*dht.Warrant
	requests []hashes.Hash
}

func newRig(t *testing.T, guest ribosome.Guest, observer *ecdsa.PrivateKey) *testRig {
	t.Helper()

	if guest == nil {
		guest = ribosome.NewInmemGuest(logrus.New())
	}

	rig := &testRig{store: dht.NewInmemStore()}

	host := NewDhtHost(rig.store, nil, testDna(), "test", "", cm.NewTestEntry(t, "host"))

	rig.pipeline = NewPipeline(
		testConfig(),
		rig.store,
		guest,
		host,
		observer,
		func(dep hashes.Hash, source hashes.Hash) {
			rig.mtx.Lock()
			rig.requests = append(rig.requests, dep)
			rig.mtx.Unlock()
		},
		func(w *dht.Warrant) {
			rig.mtx.Lock()
			rig.warrants = append(rig.warrants, w)
			rig.mtx.Unlock()
		},
		cm.NewTestEntry(t, "pipeline"),
	)

	rig.pipeline.Start()
	return rig
}

func (rig *testRig) warrantCount() int {
	rig.mtx.Lock()
	defer rig.mtx.Unlock()
	return len(rig.warrants)
}

func (rig *testRig) submitRecord(t *testing.T, r *chain.Record) []hashes.Hash {
	t.Helper()

	ops, err := dht.DeriveOps(r)
	if err != nil {
		t.Fatal(err)
	}

	var opHashes []hashes.Hash
	for _, op := range ops {
		h, _ := op.Hash()
		opHashes = append(opHashes, h)
		if err := rig.pipeline.Submit(op, hashes.Hash{}, false); err != nil {
			t.Fatal(err)
		}
	}
	return opHashes
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func (rig *testRig) waitIntegrated(t *testing.T, opHashes []hashes.Hash) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		for _, h := range opHashes {
			sop, err := rig.store.Get(h)
			if err != nil || sop.State != dht.StateIntegrated {
				return false
			}
		}
		return true
	}, "ops were not integrated")
}

func genesisAndCreate(t *testing.T, priv *ecdsa.PrivateKey) ([]*chain.Record, *chain.Record) {
	t.Helper()

	genesis, err := chain.GenesisRecords(priv, testDna(), nil, chain.Now())
	if err != nil {
		t.Fatal(err)
	}
	head, _ := genesis[len(genesis)-1].Hash()

	entry := chain.NewAppEntry("post", []byte("hello"))
	entryHash, _ := entry.Hash()
	record, err := chain.NewRecord(priv, chain.Action{
		Type:      chain.CreateType,
		Author:    keys.FromPublicKey(&priv.PublicKey),
		Timestamp: chain.Now(),
		Seq:       3,
		Prev:      head,
		EntryType: chain.AppEntry,
		EntryHash: entryHash,
	}, entry)
	if err != nil {
		t.Fatal(err)
	}

	return genesis, record
}

func TestValidRecordIntegrates(t *testing.T) {
	rig := newRig(t, nil, nil)
	defer rig.pipeline.Stop()

	priv := testAgent(t)
	genesis, record := genesisAndCreate(t, priv)

	var all []hashes.Hash
	for _, r := range genesis {
		all = append(all, rig.submitRecord(t, r)...)
	}
	all = append(all, rig.submitRecord(t, record)...)

	rig.waitIntegrated(t, all)

	actionHash, _ := record.Hash()
	back, err := rig.store.GetRecord(actionHash)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := back.Verify(); !ok {
		t.Fatal("integrated record should verify")
	}
	if rig.warrantCount() != 0 {
		t.Fatal("clean run should author no warrants")
	}
}

func TestForgedSignatureRejectedWithWarrant(t *testing.T) {
	observer := testAgent(t)
	rig := newRig(t, nil, observer)
	defer rig.pipeline.Stop()

	priv := testAgent(t)
	_, record := genesisAndCreate(t, priv)
	record.Signature = record.Signature[1:] + "0"

	ops, err := dht.DeriveOps(record)
	if err != nil {
		t.Fatal(err)
	}
	opHash, _ := ops[0].Hash()
	if err := rig.pipeline.Submit(ops[0], hashes.Hash{}, false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		sop, err := rig.store.Get(opHash)
		return err == nil && sop.State == dht.StateRejected
	}, "forged op should be rejected")

	waitFor(t, 2*time.Second, func() bool { return rig.warrantCount() == 1 },
		"rejection should author a warrant")

	rig.mtx.Lock()
	w := rig.warrants[0]
	rig.mtx.Unlock()
	if w.Body.Type != dht.ChainIntegrity {
		t.Fatalf("expected a ChainIntegrity warrant, got %s", w.Body.Type)
	}
	if !w.Body.Warranted.Equal(record.Action.AuthorHash()) {
		t.Fatal("warrant should name the op's author")
	}
}

func TestFabricatedBasisRejected(t *testing.T) {
	observer := testAgent(t)
	rig := newRig(t, nil, observer)
	defer rig.pipeline.Stop()

	priv := testAgent(t)
	_, record := genesisAndCreate(t, priv)

	forged := &dht.Op{
		Type:   dht.StoreEntry,
		Basis:  hashes.New(hashes.Entry, []byte("elsewhere")),
		Record: record,
	}
	opHash, _ := forged.Hash()
	if err := rig.pipeline.Submit(forged, hashes.Hash{}, false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		sop, err := rig.store.Get(opHash)
		return err == nil && sop.State == dht.StateRejected
	}, "fabricated basis should be rejected")
}

func TestGuestInvalidAuthorsWarrant(t *testing.T) {
	observer := testAgent(t)
	guest := ribosome.NewInmemGuest(logrus.New()).
		OnValidate(func(host ribosome.DeterministicHost, op *ribosome.FlatOp) ribosome.Outcome {
			if op.Entry != nil && string(op.Entry.Body) == "forbidden" {
				return ribosome.Invalid("forbidden content")
			}
			return ribosome.Valid()
		})
	rig := newRig(t, guest, observer)
	defer rig.pipeline.Stop()

	priv := testAgent(t)
	genesis, err := chain.GenesisRecords(priv, testDna(), nil, chain.Now())
	if err != nil {
		t.Fatal(err)
	}
	head, _ := genesis[len(genesis)-1].Hash()

	entry := chain.NewAppEntry("post", []byte("forbidden"))
	entryHash, _ := entry.Hash()
	record, err := chain.NewRecord(priv, chain.Action{
		Type:      chain.CreateType,
		Author:    keys.FromPublicKey(&priv.PublicKey),
		Timestamp: chain.Now(),
		Seq:       3,
		Prev:      head,
		EntryType: chain.AppEntry,
		EntryHash: entryHash,
	}, entry)
	if err != nil {
		t.Fatal(err)
	}

	opHashes := rig.submitRecord(t, record)

	waitFor(t, 2*time.Second, func() bool {
		for _, h := range opHashes {
			sop, err := rig.store.Get(h)
			if err == nil && sop.State == dht.StateRejected {
				return true
			}
		}
		return false
	}, "guest-invalid op should be rejected")

	waitFor(t, 2*time.Second, func() bool { return rig.warrantCount() >= 1 },
		"guest rejection should author a warrant")
}

func TestAwaitingDepsParksAndRecovers(t *testing.T) {
	rig := newRig(t, nil, nil)
	defer rig.pipeline.Stop()

	priv := testAgent(t)
	genesis, created := genesisAndCreate(t, priv)
	createdHash, _ := created.Hash()

	update, err := chain.NewRecord(priv, chain.Action{
		Type:           chain.UpdateType,
		Author:         keys.FromPublicKey(&priv.PublicKey),
		Timestamp:      chain.Now(),
		Seq:            4,
		Prev:           createdHash,
		EntryType:      chain.AppEntry,
		EntryHash:      mustEntryHash(t, chain.NewAppEntry("post", []byte("v2"))),
		OriginalAction: createdHash,
		OriginalEntry:  created.Action.EntryHash,
	}, chain.NewAppEntry("post", []byte("v2")))
	if err != nil {
		t.Fatal(err)
	}

	// the update arrives before its original
	ops, err := dht.DeriveOps(update)
	if err != nil {
		t.Fatal(err)
	}
	var updateOp *dht.Op
	for _, op := range ops {
		if op.Type == dht.RegisterUpdate {
			updateOp = op
		}
	}
	updateHash, _ := updateOp.Hash()
	if err := rig.pipeline.Submit(updateOp, hashes.Hash{}, false); err != nil {
		t.Fatal(err)
	}

	// the op parks and the dependency is requested
	waitFor(t, 2*time.Second, func() bool {
		rig.mtx.Lock()
		defer rig.mtx.Unlock()
		for _, dep := range rig.requests {
			if dep.Equal(createdHash) {
				return true
			}
		}
		return false
	}, "missing dependency should be requested")

	sop, err := rig.store.Get(updateHash)
	if err != nil {
		t.Fatal(err)
	}
	if sop.State != dht.StatePending {
		t.Fatalf("parked op should stay pending, got %s", sop.State)
	}

	// now the original shows up and integrates
	var all []hashes.Hash
	for _, r := range genesis {
		all = append(all, rig.submitRecord(t, r)...)
	}
	all = append(all, rig.submitRecord(t, created)...)
	rig.waitIntegrated(t, all)

	// the parked update recovers on a retry
	rig.waitIntegrated(t, []hashes.Hash{updateHash})
}

func TestForkAuthorsForkWarrant(t *testing.T) {
	observer := testAgent(t)
	rig := newRig(t, nil, observer)
	defer rig.pipeline.Stop()

	priv := testAgent(t)
	genesis, err := chain.GenesisRecords(priv, testDna(), nil, chain.Now())
	if err != nil {
		t.Fatal(err)
	}
	head, _ := genesis[len(genesis)-1].Hash()
	author := keys.FromPublicKey(&priv.PublicKey)

	sibling := func(body string) *chain.Record {
		entry := chain.NewAppEntry("post", []byte(body))
		entryHash, _ := entry.Hash()
		r, err := chain.NewRecord(priv, chain.Action{
			Type:      chain.CreateType,
			Author:    author,
			Timestamp: chain.Now(),
			Seq:       3,
			Prev:      head,
			EntryType: chain.AppEntry,
			EntryHash: entryHash,
		}, entry)
		if err != nil {
			t.Fatal(err)
		}
		return r
	}

	first := sibling("one")
	second := sibling("two")

	rig.submitRecord(t, first)
	rig.submitRecord(t, second)

	waitFor(t, 2*time.Second, func() bool {
		rig.mtx.Lock()
		defer rig.mtx.Unlock()
		for _, w := range rig.warrants {
			if w.Body.Type == dht.ChainFork {
				return true
			}
		}
		return false
	}, "conflicting siblings should author a ChainFork warrant")
}

func TestWarrantOpValidatesAndIntegrates(t *testing.T) {
	rig := newRig(t, nil, nil)
	defer rig.pipeline.Stop()

	observer := testAgent(t)
	offender := testAgent(t)
	genesis, err := chain.GenesisRecords(offender, testDna(), nil, chain.Now())
	if err != nil {
		t.Fatal(err)
	}
	head, _ := genesis[len(genesis)-1].Hash()
	author := keys.FromPublicKey(&offender.PublicKey)

	sibling := func(body string) *chain.Record {
		entry := chain.NewAppEntry("post", []byte(body))
		entryHash, _ := entry.Hash()
		r, err := chain.NewRecord(offender, chain.Action{
			Type:      chain.CreateType,
			Author:    author,
			Timestamp: chain.Now(),
			Seq:       3,
			Prev:      head,
			EntryType: chain.AppEntry,
			EntryHash: entryHash,
		}, entry)
		if err != nil {
			t.Fatal(err)
		}
		return r
	}

	warrant, err := dht.NewForkWarrant(observer, sibling("one"), sibling("two"), chain.Now())
	if err != nil {
		t.Fatal(err)
	}

	op := warrant.Op()
	opHash, _ := op.Hash()
	if err := rig.pipeline.Submit(op, hashes.Hash{}, false); err != nil {
		t.Fatal(err)
	}

	rig.waitIntegrated(t, []hashes.Hash{opHash})

	served, err := rig.store.GetWarrants(warrant.Body.Warranted)
	if err != nil {
		t.Fatal(err)
	}
	if len(served) != 1 {
		t.Fatalf("expected 1 served warrant, got %d", len(served))
	}
}

func TestBogusWarrantRejectedWithoutRecursion(t *testing.T) {
	observer := testAgent(t)
	rig := newRig(t, nil, observer)
	defer rig.pipeline.Stop()

	bogus := &dht.Warrant{
		Body: dht.WarrantBody{
			Type:      dht.ChainFork,
			Author:    keys.FromPublicKey(&observer.PublicKey),
			Timestamp: chain.Now(),
			Warranted: hashes.New(hashes.Agent, []byte("somebody")),
		},
		Signature: "not a signature",
	}

	op := bogus.Op()
	opHash, _ := op.Hash()
	if err := rig.pipeline.Submit(op, hashes.Hash{}, false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		sop, err := rig.store.Get(opHash)
		return err == nil && sop.State == dht.StateRejected
	}, "bogus warrant should be rejected")

	if rig.warrantCount() != 0 {
		t.Fatal("rejecting a warrant must not author another warrant")
	}
}

func mustEntryHash(t *testing.T, e *chain.Entry) hashes.Hash {
	t.Helper()
	h, err := e.Hash()
	if err != nil {
		t.Fatal(err)
	}
	return h
}
