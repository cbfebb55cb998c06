package chain

import (
	"io/ioutil"
	"os"
	"testing"
)

func TestBadgerStoreSurvivesRestart(t *testing.T) {
	dir, err := ioutil.TempDir("", "chain_badger")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	priv := testAgent(t)

	store, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	genesis, err := GenesisRecords(priv, testDna(), nil, Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append(genesis); err != nil {
		t.Fatal(err)
	}
	record := appendEntry(t, store, priv, "persisted")
	recordHash, _ := record.Hash()

	_, headBefore, err := store.Head()
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

	if !reopened.NeedBootstrap() {
		t.Fatal("reopened store should report existing records")
	}

	if reopened.Len() != GenesisLength+1 {
		t.Fatalf("reopened chain should have %d records, not %d", GenesisLength+1, reopened.Len())
	}

	_, headAfter, err := reopened.Head()
	if err != nil {
		t.Fatal(err)
	}
	if !headAfter.Equal(headBefore) {
		t.Fatal("head should survive restart")
	}

	back, err := reopened.Get(recordHash)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := back.Verify()
	if err != nil || !ok {
		t.Fatalf("replayed record should verify: %v", err)
	}
}
