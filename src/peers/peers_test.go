package peers

import (
	"crypto/ecdsa"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/holonnet/holon/src/arq"
	cm "github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/hashes"
)

var testTopo = arq.Topology{QuantumPower: 12}

func testAgent(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func testInfo(t *testing.T, priv *ecdsa.PrivateKey, signedAt int64) *AgentInfo {
	t.Helper()
	info, err := NewAgentInfo(priv, AgentInfoBody{
		Dna:       hashes.New(hashes.DNA, []byte("test dna")),
		Arq:       arq.Full(testTopo),
		URLs:      []string{"tcp://127.0.0.1:1337"},
		SignedAt:  signedAt,
		ExpiresAt: signedAt + int64(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestInsertAndGet(t *testing.T) {
	store := NewStore(cm.NewTestEntry(t, "peers"))
	priv := testAgent(t)

	now := time.Now().UnixNano()
	info := testInfo(t, priv, now)

	if err := store.Insert(info, now); err != nil {
		t.Fatal(err)
	}

	back, err := store.Get(info.AgentHash())
	if err != nil {
		t.Fatal(err)
	}
	ok, err := back.Verify()
	if err != nil || !ok {
		t.Fatalf("stored info should verify: %v", err)
	}

	if _, err := store.Get(hashes.New(hashes.Agent, []byte("nobody"))); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("unknown agent should return KeyNotFound, got %v", err)
	}
}

func TestInsertRejectsTampered(t *testing.T) {
	store := NewStore(cm.NewTestEntry(t, "peers"))
	priv := testAgent(t)

	now := time.Now().UnixNano()
	info := testInfo(t, priv, now)
	info.Body.URLs = []string{"tcp://evil:1"}

	if err := store.Insert(info, now); err == nil {
		t.Fatal("tampered info should be rejected")
	}
}

func TestInsertRejectsExpired(t *testing.T) {
	store := NewStore(cm.NewTestEntry(t, "peers"))
	priv := testAgent(t)

	now := time.Now().UnixNano()
	info := testInfo(t, priv, now)

	later := info.Body.ExpiresAt + 1
	if err := store.Insert(info, later); !cm.IsStore(err, cm.Expired) {
		t.Fatalf("expired info should be rejected with Expired, got %v", err)
	}
}

func TestInsertRejectsInvertedLifetime(t *testing.T) {
	store := NewStore(cm.NewTestEntry(t, "peers"))
	priv := testAgent(t)

	// signed directly so the record carries an expiry before its signing
	// time, which NewAgentInfo refuses to produce
	body := AgentInfoBody{
		Agent:     keys.FromPublicKey(&priv.PublicKey),
		Dna:       hashes.New(hashes.DNA, []byte("test dna")),
		Arq:       arq.Full(testTopo),
		URLs:      []string{"tcp://127.0.0.1:1337"},
		SignedAt:  200,
		ExpiresAt: 100,
	}
	data, err := body.marshal()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := keys.SignToString(priv, data)
	if err != nil {
		t.Fatal(err)
	}
	info := &AgentInfo{Body: body, Signature: sig}

	if ok, err := info.Verify(); err != nil || !ok {
		t.Fatalf("forged record should carry a valid signature: %v", err)
	}
	if err := store.Insert(info, 50); err == nil {
		t.Fatal("a record that expires before it is signed should be rejected")
	}
	if _, err := store.Get(info.AgentHash()); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("rejected record should not be stored, got %v", err)
	}
}

func TestInsertSupersedesBySignedAt(t *testing.T) {
	store := NewStore(cm.NewTestEntry(t, "peers"))
	priv := testAgent(t)

	now := time.Now().UnixNano()
	fresh := testInfo(t, priv, now)
	stale := testInfo(t, priv, now-int64(time.Minute))

	if err := store.Insert(fresh, now); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(stale, now); !cm.IsStore(err, cm.Superseded) {
		t.Fatalf("older info should be rejected with Superseded, got %v", err)
	}

	back, err := store.Get(fresh.AgentHash())
	if err != nil {
		t.Fatal(err)
	}
	if back.Body.SignedAt != fresh.Body.SignedAt {
		t.Fatal("store should keep the fresher record")
	}

	fresher := testInfo(t, priv, now+int64(time.Minute))
	if err := store.Insert(fresher, now); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Fatalf("refresh should replace, not add: %d records", store.Len())
	}
}

func TestGetNear(t *testing.T) {
	store := NewStore(cm.NewTestEntry(t, "peers"))
	now := time.Now().UnixNano()

	infos := make([]*AgentInfo, 8)
	for i := range infos {
		infos[i] = testInfo(t, testAgent(t), now)
		if err := store.Insert(infos[i], now); err != nil {
			t.Fatal(err)
		}
	}

	loc := uint32(1 << 31)
	near := store.GetNear(loc, 3, now)
	if len(near) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(near))
	}

	for i := 1; i < len(near); i++ {
		di := hashes.RingDistance(loc, near[i-1].AgentHash().Loc())
		dj := hashes.RingDistance(loc, near[i].AgentHash().Loc())
		if di > dj {
			t.Fatal("GetNear should sort by ring distance")
		}
	}

	// the nearest of all stored agents comes first
	best := near[0]
	for _, info := range infos {
		if hashes.RingDistance(loc, info.AgentHash().Loc()) <
			hashes.RingDistance(loc, best.AgentHash().Loc()) {
			t.Fatal("GetNear missed the nearest agent")
		}
	}
}

func TestPruneExpired(t *testing.T) {
	store := NewStore(cm.NewTestEntry(t, "peers"))
	now := time.Now().UnixNano()

	live := testInfo(t, testAgent(t), now)
	dying := testInfo(t, testAgent(t), now-int64(2*time.Hour))

	if err := store.Insert(live, now); err != nil {
		t.Fatal(err)
	}
	// insert before it expires, then advance the clock
	if err := store.Insert(dying, dying.Body.SignedAt); err != nil {
		t.Fatal(err)
	}

	if dropped := store.PruneExpired(now); dropped != 1 {
		t.Fatalf("expected 1 pruned record, got %d", dropped)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 surviving record, got %d", store.Len())
	}
	if _, err := store.Get(dying.AgentHash()); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatal("pruned record should be gone")
	}
}

func TestJSONPeersRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "json_peers")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	now := time.Now().UnixNano()
	infos := []*AgentInfo{
		testInfo(t, testAgent(t), now),
		testInfo(t, testAgent(t), now),
	}

	file := NewJSONPeers(dir)
	if err := file.Save(infos); err != nil {
		t.Fatal(err)
	}

	back, err := file.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 2 {
		t.Fatalf("expected 2 records, got %d", len(back))
	}
	for _, info := range back {
		ok, err := info.Verify()
		if err != nil || !ok {
			t.Fatalf("reloaded info should verify: %v", err)
		}
	}
}
