package chain

import (
	"crypto/ecdsa"
	"reflect"
	"testing"

	"github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/hashes"
)

func testAgent(t *testing.T) *ecdsa.PrivateKey {
	priv, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func testDna() hashes.Hash {
	return hashes.New(hashes.DNA, []byte("test dna"))
}

// bootstrapChain creates a store holding a signed genesis prefix.
func bootstrapChain(t *testing.T, priv *ecdsa.PrivateKey) *InmemStore {
	store := NewInmemStore()

	genesis, err := GenesisRecords(priv, testDna(), nil, Now())
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Append(genesis); err != nil {
		t.Fatal(err)
	}

	return store
}

// appendEntry creates and appends an app entry, returning its record.
func appendEntry(t *testing.T, store Store, priv *ecdsa.PrivateKey, body string) *Record {
	entry := NewAppEntry("post", []byte(body))
	entryHash, err := entry.Hash()
	if err != nil {
		t.Fatal(err)
	}

	seq, head, err := store.Head()
	if err != nil {
		t.Fatal(err)
	}

	action := Action{
		Type:      CreateType,
		Author:    keys.FromPublicKey(&priv.PublicKey),
		Timestamp: Now(),
		Seq:       seq + 1,
		Prev:      head,
		EntryType: AppEntry,
		EntryHash: entryHash,
	}

	record, err := NewRecord(priv, action, entry)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Append([]*Record{record}); err != nil {
		t.Fatal(err)
	}

	return record
}

func TestGenesisPrefix(t *testing.T) {
	priv := testAgent(t)
	store := bootstrapChain(t, priv)

	if store.Len() != GenesisLength {
		t.Fatalf("genesis chain should have %d records, not %d", GenesisLength, store.Len())
	}

	for seq, wantType := range []ActionType{DnaType, AgentValidationPkgType, InitZomesCompleteType} {
		r, err := store.GetBySeq(uint32(seq))
		if err != nil {
			t.Fatal(err)
		}
		if r.Action.Type != wantType {
			t.Fatalf("seq %d should be %s, not %s", seq, wantType, r.Action.Type)
		}
	}

	// prev linkage
	for seq := uint32(1); seq < GenesisLength; seq++ {
		r, _ := store.GetBySeq(seq)
		prev, _ := store.GetBySeq(seq - 1)
		prevHash, _ := prev.Hash()
		if !r.Action.Prev.Equal(prevHash) {
			t.Fatalf("seq %d prev should equal hash of seq %d", seq, seq-1)
		}
	}
}

func TestSequenceZeroMustBeDna(t *testing.T) {
	priv := testAgent(t)
	store := NewInmemStore()

	entry := NewAppEntry("post", []byte("hello"))
	entryHash, _ := entry.Hash()

	action := Action{
		Type:      CreateType,
		Author:    keys.FromPublicKey(&priv.PublicKey),
		Timestamp: Now(),
		Seq:       0,
		EntryType: AppEntry,
		EntryHash: entryHash,
	}
	record, err := NewRecord(priv, action, entry)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Append([]*Record{record}); err == nil {
		t.Fatal("appending a Create at seq 0 should fail")
	}
}

func TestGenesisIncomplete(t *testing.T) {
	priv := testAgent(t)
	store := NewInmemStore()

	genesis, err := GenesisRecords(priv, testDna(), nil, Now())
	if err != nil {
		t.Fatal(err)
	}

	// only the Dna action
	if err := store.Append(genesis[:1]); err != nil {
		t.Fatal(err)
	}

	// a Create where AgentValidationPkg belongs
	entry := NewAppEntry("post", []byte("early"))
	entryHash, _ := entry.Hash()
	dnaHash, _ := genesis[0].Hash()

	action := Action{
		Type:      CreateType,
		Author:    keys.FromPublicKey(&priv.PublicKey),
		Timestamp: Now(),
		Seq:       1,
		Prev:      dnaHash,
		EntryType: AppEntry,
		EntryHash: entryHash,
	}
	record, err := NewRecord(priv, action, entry)
	if err != nil {
		t.Fatal(err)
	}

	err = store.Append([]*Record{record})
	if !common.IsStore(err, common.GenesisIncomplete) {
		t.Fatalf("want GenesisIncomplete, got %v", err)
	}
}

func TestRecordVerify(t *testing.T) {
	priv := testAgent(t)
	store := bootstrapChain(t, priv)
	record := appendEntry(t, store, priv, "hello")

	ok, err := record.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("record signature should verify")
	}

	// a record signed by another key must not verify as this author
	other := testAgent(t)
	forged := *record
	forged.Signature, err = keys.SignToString(other, []byte("whatever"))
	if err != nil {
		t.Fatal(err)
	}
	ok, _ = forged.Verify()
	if ok {
		t.Fatal("forged record should not verify")
	}
}

func TestActionMarshalRoundTrip(t *testing.T) {
	priv := testAgent(t)
	store := bootstrapChain(t, priv)
	record := appendEntry(t, store, priv, "hello")

	data, err := record.Action.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var back Action
	if err := back.Unmarshal(data); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(record.Action, back) {
		t.Fatalf("action round trip mismatch:\n%+v\n%+v", record.Action, back)
	}

	// canonical bytes are stable
	again, _ := record.Action.Marshal()
	if string(data) != string(again) {
		t.Fatal("canonical marshal should be deterministic")
	}
}

func TestScratchCommit(t *testing.T) {
	priv := testAgent(t)
	store := bootstrapChain(t, priv)

	committed, err := Transaction(store, func(tx *Scratch) error {
		entry := NewAppEntry("post", []byte("in scratch"))
		entryHash, err := entry.Hash()
		if err != nil {
			return err
		}
		_, head, err := tx.Head()
		if err != nil {
			return err
		}
		action := Action{
			Type:      CreateType,
			Author:    keys.FromPublicKey(&priv.PublicKey),
			Timestamp: Now(),
			Seq:       tx.NextSeq(),
			Prev:      head,
			EntryType: AppEntry,
			EntryHash: entryHash,
		}
		record, err := NewRecord(priv, action, entry)
		if err != nil {
			return err
		}
		return tx.Put(record)
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(committed) != 1 {
		t.Fatalf("transaction should commit 1 record, not %d", len(committed))
	}
	if store.Len() != GenesisLength+1 {
		t.Fatalf("chain should have %d records, not %d", GenesisLength+1, store.Len())
	}
}

func TestScratchHeadMoved(t *testing.T) {
	priv := testAgent(t)
	store := bootstrapChain(t, priv)

	tx, err := NewScratch(store)
	if err != nil {
		t.Fatal(err)
	}

	// another writer advances the head under the open scratch
	appendEntry(t, store, priv, "competing write")

	entry := NewAppEntry("post", []byte("stale"))
	entryHash, _ := entry.Hash()
	action := Action{
		Type:      CreateType,
		Author:    keys.FromPublicKey(&priv.PublicKey),
		Timestamp: Now(),
		Seq:       tx.NextSeq(),
		Prev:      tx.mustHead(t),
		EntryType: AppEntry,
		EntryHash: entryHash,
	}
	record, err := NewRecord(priv, action, entry)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Put(record); err != nil {
		t.Fatal(err)
	}

	_, err = tx.Commit()
	if !common.IsStore(err, common.HeadMoved) {
		t.Fatalf("want HeadMoved, got %v", err)
	}
}

func (s *Scratch) mustHead(t *testing.T) hashes.Hash {
	_, h, err := s.Head()
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestScratchDiscardOnError(t *testing.T) {
	priv := testAgent(t)
	store := bootstrapChain(t, priv)

	_, err := Transaction(store, func(tx *Scratch) error {
		return common.NewStoreErr("test", common.Empty, "induced")
	})
	if err == nil {
		t.Fatal("transaction should propagate the callback error")
	}

	if store.Len() != GenesisLength {
		t.Fatal("failed transaction should not write anything")
	}
}

func TestQueryFilters(t *testing.T) {
	priv := testAgent(t)
	store := bootstrapChain(t, priv)
	appendEntry(t, store, priv, "one")
	r2 := appendEntry(t, store, priv, "two")
	appendEntry(t, store, priv, "three")

	// action-type filter
	records, err := store.Query(&Filter{ActionTypes: []ActionType{CreateType}})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("want 3 Create records, got %d", len(records))
	}

	// entries stripped by default
	if records[0].Entry != nil {
		t.Fatal("entries should be stripped unless IncludeEntries")
	}

	records, _ = store.Query(&Filter{ActionTypes: []ActionType{CreateType}, IncludeEntries: true})
	if records[0].Entry == nil {
		t.Fatal("IncludeEntries should attach entry bodies")
	}

	// seq range
	start, end := uint32(3), uint32(4)
	records, _ = store.Query(&Filter{SeqStart: &start, SeqEnd: &end})
	if len(records) != 2 {
		t.Fatalf("want 2 records in [3,4], got %d", len(records))
	}

	// entry-hash filter
	records, _ = store.Query(&Filter{EntryHashes: []hashes.Hash{r2.Action.EntryHash}})
	if len(records) != 1 || records[0].Action.Seq != r2.Action.Seq {
		t.Fatalf("entry-hash filter should select exactly the matching record")
	}

	// descending
	records, _ = store.Query(&Filter{Descending: true})
	if records[0].Action.Seq != 5 {
		t.Fatalf("descending query should start at the head")
	}

	// hash-bounded walk
	r2Hash, _ := r2.Hash()
	records, _ = store.Query(&Filter{UntilHash: &r2Hash})
	if len(records) != 2 {
		t.Fatalf("hash-bounded query should cover [r2..head], got %d records", len(records))
	}
	if records[0].Action.Seq != 4 || records[1].Action.Seq != 5 {
		t.Fatalf("hash-bounded query returned wrong range")
	}
}

func TestForkDetection(t *testing.T) {
	priv := testAgent(t)
	store := bootstrapChain(t, priv)

	var forks []ForkEvent
	store.SetForkHandler(func(f ForkEvent) {
		forks = append(forks, f)
	})

	appendEntry(t, store, priv, "original")

	// craft a sibling with the same prev but different content, and inject
	// it through checkBatch the way a sync would
	head, _ := store.GetBySeq(GenesisLength)

	entry := NewAppEntry("post", []byte("sibling"))
	entryHash, _ := entry.Hash()
	sibling := Action{
		Type:      CreateType,
		Author:    keys.FromPublicKey(&priv.PublicKey),
		Timestamp: Now(),
		Seq:       head.Action.Seq,
		Prev:      head.Action.Prev,
		EntryType: AppEntry,
		EntryHash: entryHash,
	}
	siblingRecord, err := NewRecord(priv, sibling, entry)
	if err != nil {
		t.Fatal(err)
	}

	fork, err := store.DetectFork(siblingRecord)
	if err != nil {
		t.Fatal(err)
	}
	if fork == nil {
		t.Fatal("sibling with the same prev should be detected as a fork")
	}
	if fork.Seq != head.Action.Seq {
		t.Fatalf("fork event at wrong seq: %d", fork.Seq)
	}

	firstHash, _ := fork.First.Hash()
	secondHash, _ := fork.Second.Hash()
	if firstHash.Equal(secondHash) {
		t.Fatal("fork evidence must contain two distinct actions")
	}

	// the honest append must not have fired the handler
	if len(forks) != 0 {
		t.Fatalf("append of a linear chain should not report forks, got %d", len(forks))
	}
}

func TestChainLock(t *testing.T) {
	priv := testAgent(t)
	store := bootstrapChain(t, priv)

	if err := store.Lock([]byte("session-1")); err != nil {
		t.Fatal(err)
	}

	// appends blocked while locked
	entry := NewAppEntry("post", []byte("blocked"))
	entryHash, _ := entry.Hash()
	seq, head, _ := store.Head()
	action := Action{
		Type:      CreateType,
		Author:    keys.FromPublicKey(&priv.PublicKey),
		Timestamp: Now(),
		Seq:       seq + 1,
		Prev:      head,
		EntryType: AppEntry,
		EntryHash: entryHash,
	}
	record, _ := NewRecord(priv, action, entry)

	err := store.Append([]*Record{record})
	if !common.IsStore(err, common.ChainLocked) {
		t.Fatalf("want ChainLocked, got %v", err)
	}

	// wrong id cannot unlock
	if err := store.Unlock([]byte("session-2")); err == nil {
		t.Fatal("unlock with wrong id should fail")
	}

	if err := store.Unlock([]byte("session-1")); err != nil {
		t.Fatal(err)
	}
	if err := store.Append([]*Record{record}); err != nil {
		t.Fatalf("append should succeed after unlock: %v", err)
	}
}
