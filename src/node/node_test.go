package node

import (
	"bytes"
	"testing"
	"time"

	"github.com/holonnet/holon/src/arq"
	"github.com/holonnet/holon/src/chain"
	cm "github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/net"
	"github.com/holonnet/holon/src/ribosome"
)

func testDnaInfo() ribosome.DnaInfo {
	return ribosome.DnaInfo{
		Hash: hashes.New(hashes.DNA, []byte("node test dna")),
		Name: "node-test",
	}
}

func testConfig() Config {
	conf := DefaultConfig()
	conf.TargetRedundancy = 8
	conf.Gossip.Interval = 50 * time.Millisecond
	conf.Gossip.PeerInterval = 100 * time.Millisecond
	conf.Gossip.ErrorCooldown = 200 * time.Millisecond
	conf.Fetch.Tick = 10 * time.Millisecond
	conf.Fetch.BaseBackoff = 50 * time.Millisecond
	conf.ResizeInterval = 200 * time.Millisecond
	return conf
}

func blogGuest() *ribosome.InmemGuest {
	return ribosome.NewInmemGuest(nil).
		DefineEntry("post", chain.Public).
		Register("blog", "create_post", func(host ribosome.Host, payload []byte) ([]byte, error) {
			actionHash, err := host.Create(chain.NewAppEntry("post", payload))
			if err != nil {
				return nil, err
			}
			return []byte(actionHash.String()), nil
		})
}

type testNode struct {
	node  *Node
	trans *net.InmemTransport
	addr  string
}

func newTestNode(t *testing.T, name string) *testNode {
	return newTestNodeConf(t, name, testConfig())
}

func newTestNodeConf(t *testing.T, name string, conf Config) *testNode {
	t.Helper()

	priv, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	addr, trans := net.NewInmemTransport("")

	n := NewNode(
		conf,
		testDnaInfo(),
		priv,
		blogGuest(),
		trans,
		chain.NewInmemStore(),
		dht.NewInmemStore(),
		nil,
		cm.NewTestEntry(t, name),
	)

	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Shutdown)

	return &testNode{node: n, trans: trans, addr: addr}
}

// bootstrap connects two nodes' transports and seeds their peer stores.
func bootstrap(t *testing.T, a, b *testNode) {
	t.Helper()

	a.trans.Connect(b.addr, b.trans)
	b.trans.Connect(a.addr, a.trans)

	now := time.Now().UnixNano()
	if err := a.node.Peers().Insert(b.node.SelfInfo(), now); err != nil {
		t.Fatal(err)
	}
	if err := b.node.Peers().Insert(a.node.SelfInfo(), now); err != nil {
		t.Fatal(err)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublishReachesAuthority(t *testing.T) {
	alice := newTestNode(t, "alice")
	bob := newTestNode(t, "bob")
	bootstrap(t, alice, bob)

	out, err := alice.node.CallZome("blog", "create_post", []byte("hello dht"))
	if err != nil {
		t.Fatal(err)
	}
	actionHash, err := hashes.Parse(string(out))
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 5*time.Second, "record to integrate at the authority", func() bool {
		_, err := bob.node.Ops().GetRecord(actionHash)
		return err == nil
	})

	record, err := bob.node.Ops().GetRecord(actionHash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(record.Entry.Body, []byte("hello dht")) {
		t.Fatal("authority serves a different entry body")
	}
}

func TestGossipBackfillsMissedOps(t *testing.T) {
	alice := newTestNode(t, "alice")

	// alice authors while isolated
	out, err := alice.node.CallZome("blog", "create_post", []byte("authored alone"))
	if err != nil {
		t.Fatal(err)
	}
	actionHash, err := hashes.Parse(string(out))
	if err != nil {
		t.Fatal(err)
	}

	// bob joins later and only ever hears about the data through gossip
	bob := newTestNode(t, "bob")
	bootstrap(t, alice, bob)

	waitUntil(t, 10*time.Second, "gossip to backfill the record", func() bool {
		_, err := bob.node.Ops().GetRecord(actionHash)
		return err == nil
	})

	// the agent activity made it across too
	activity, err := bob.node.Ops().GetAgentActivity(alice.node.Agent())
	if err != nil {
		t.Fatal(err)
	}
	if len(activity) < int(chain.GenesisLength)+1 {
		t.Fatalf("expected full chain activity, got %d entries", len(activity))
	}
}

func TestInvalidPublishWarrantsAndBlocks(t *testing.T) {
	alice := newTestNode(t, "alice")

	// mallory forges a record: signed action, tampered entry
	priv, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	mallory := hashes.New(hashes.Agent, keys.FromPublicKey(&priv.PublicKey))

	records, err := chain.GenesisRecords(priv, testDnaInfo().Hash, nil, time.Now().Add(-time.Minute).UnixNano())
	if err != nil {
		t.Fatal(err)
	}
	forged := records[1]
	forged.Entry = chain.NewAppEntry("post", []byte("tampered"))

	ops, err := dht.DeriveOps(records[0])
	if err != nil {
		t.Fatal(err)
	}
	badOp := &dht.Op{
		Type:   dht.StoreEntry,
		Basis:  ops[0].Basis,
		Record: forged,
	}

	_, clientTrans := net.NewInmemTransport("")
	defer clientTrans.Close()
	clientTrans.Connect(alice.addr, alice.trans)

	var resp net.PublishResponse
	err = clientTrans.Publish(alice.addr, &net.PublishRequest{
		Dna:  testDnaInfo().Hash,
		From: mallory,
		Ops:  []*dht.Op{badOp},
	}, &resp)
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 5*time.Second, "the offender to be blocked", func() bool {
		return alice.node.Blocks().IsBlockedAgent(mallory, time.Now().UnixNano())
	})

	// subsequent publishes from the blocked agent are refused
	err = clientTrans.Publish(alice.addr, &net.PublishRequest{
		Dna:  testDnaInfo().Hash,
		From: mallory,
		Ops:  []*dht.Op{badOp},
	}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Accepted != 0 {
		t.Fatal("a blocked agent's publish should be refused")
	}
}

func TestGetServesIntegratedData(t *testing.T) {
	alice := newTestNode(t, "alice")
	bob := newTestNode(t, "bob")
	bootstrap(t, alice, bob)

	out, err := alice.node.CallZome("blog", "create_post", []byte("queryable"))
	if err != nil {
		t.Fatal(err)
	}
	actionHash, err := hashes.Parse(string(out))
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 5*time.Second, "record to integrate at the authority", func() bool {
		_, err := bob.node.Ops().GetRecord(actionHash)
		return err == nil
	})

	_, clientTrans := net.NewInmemTransport("")
	defer clientTrans.Close()
	clientTrans.Connect(bob.addr, bob.trans)

	var resp net.GetResponse
	err = clientTrans.Get(bob.addr, &net.GetRequest{
		Dna:  testDnaInfo().Hash,
		Kind: net.QueryRecord,
		Hash: actionHash,
	}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Record == nil || !bytes.Equal(resp.Record.Entry.Body, []byte("queryable")) {
		t.Fatal("remote get did not return the record")
	}

	// activity query
	var actResp net.GetResponse
	err = clientTrans.Get(bob.addr, &net.GetRequest{
		Dna:  testDnaInfo().Hash,
		Kind: net.QueryActivity,
		Hash: alice.node.Agent(),
	}, &actResp)
	if err != nil {
		t.Fatal(err)
	}
	if len(actResp.Activity) == 0 {
		t.Fatal("remote activity query returned nothing")
	}
}

func TestSuspendedNodeDeclines(t *testing.T) {
	alice := newTestNode(t, "alice")
	bob := newTestNode(t, "bob")
	bootstrap(t, alice, bob)

	bob.node.Suspend()
	if bob.node.State() != Suspended {
		t.Fatal("node should report Suspended")
	}

	if _, err := bob.node.CallZome("blog", "create_post", []byte("x")); err == nil {
		t.Fatal("a suspended node should not serve zome calls")
	}

	var resp net.PublishResponse
	err := alice.trans.Publish(bob.addr, &net.PublishRequest{
		Dna:  testDnaInfo().Hash,
		From: alice.node.Agent(),
	}, &resp)
	if err == nil {
		t.Fatal("a suspended node should decline inbound requests")
	}

	bob.node.Resume()
	if bob.node.State() != Running {
		t.Fatal("node should be running again after resume")
	}
	if _, err := bob.node.CallZome("blog", "create_post", []byte("x")); err != nil {
		t.Fatal(err)
	}
}

func TestBlockListGatesGossip(t *testing.T) {
	alice := newTestNode(t, "alice")
	bob := newTestNode(t, "bob")
	bootstrap(t, alice, bob)

	now := time.Now().UnixNano()
	alice.node.Blocks().Block(CellTarget(bob.node.Agent()), "test", now, 0)

	// alice authors; bob must not receive a direct publish
	if _, err := alice.node.CallZome("blog", "create_post", []byte("secret")); err != nil {
		t.Fatal(err)
	}

	if !alice.node.Blocks().IsBlockedAgent(bob.node.Agent(), now) {
		t.Fatal("block list lost the entry")
	}

	list := alice.node.Blocks().List(now)
	if len(list) != 1 || list[0].Reason != "test" {
		t.Fatalf("unexpected block list %v", list)
	}

	alice.node.Blocks().Unblock(CellTarget(bob.node.Agent()))
	if alice.node.Blocks().IsBlockedAgent(bob.node.Agent(), now) {
		t.Fatal("unblock should remove the entry")
	}
}

func TestBlockEntriesExpire(t *testing.T) {
	blocks := NewBlockList()
	now := time.Now().UnixNano()

	agent := hashes.New(hashes.Agent, []byte("offender"))
	blocks.Block(CellTarget(agent), "spam", now, time.Minute)
	if !blocks.IsBlockedAgent(agent, now) {
		t.Fatal("block should be active at its start")
	}
	if blocks.IsBlockedAgent(agent, now+2*time.Minute.Nanoseconds()) {
		t.Fatal("block should lapse after its interval")
	}

	// node-scope blocks gate the agent too, and a zero interval never expires
	other := hashes.New(hashes.Agent, []byte("other"))
	blocks.Block(NodeTarget(other), "bad key", now, 0)
	if !blocks.IsBlockedAgent(other, now+time.Hour.Nanoseconds()) {
		t.Fatal("a zero-interval block should never expire")
	}

	// addresses are a target of their own
	blocks.Block(IPTarget("tcp://10.0.0.1:9000"), "flood", now, time.Minute)
	if !blocks.IsBlockedAddr("tcp://10.0.0.1:9000", now) {
		t.Fatal("address should be blocked")
	}
	if blocks.IsBlockedAddr("tcp://10.0.0.2:9000", now) {
		t.Fatal("other addresses should not be blocked")
	}

	later := now + 2*time.Minute.Nanoseconds()
	if dropped := blocks.PruneExpired(later); dropped != 2 {
		t.Fatalf("expected 2 expired entries pruned, got %d", dropped)
	}
	if remaining := blocks.List(later); len(remaining) != 1 {
		t.Fatalf("expected the indefinite block to remain, got %v", remaining)
	}
}

func TestPublishOutsideArcRefused(t *testing.T) {
	conf := testConfig()
	conf.ResizeInterval = time.Hour
	alice := newTestNodeConf(t, "alice", conf)

	// a valid op authored by another agent
	priv, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := hashes.New(hashes.Agent, keys.FromPublicKey(&priv.PublicKey))

	records, err := chain.GenesisRecords(priv, testDnaInfo().Hash, nil, time.Now().Add(-time.Minute).UnixNano())
	if err != nil {
		t.Fatal(err)
	}
	ops, err := dht.DeriveOps(records[0])
	if err != nil {
		t.Fatal(err)
	}
	op := ops[0]
	opHash, err := op.Hash()
	if err != nil {
		t.Fatal(err)
	}

	// shrink alice's arc to nothing
	alice.node.mtx.Lock()
	alice.node.cur = arq.Empty(0, 0)
	alice.node.mtx.Unlock()

	_, clientTrans := net.NewInmemTransport("")
	defer clientTrans.Close()
	clientTrans.Connect(alice.addr, alice.trans)

	var resp net.PublishResponse
	err = clientTrans.Publish(alice.addr, &net.PublishRequest{
		Dna:  testDnaInfo().Hash,
		From: from,
		Ops:  []*dht.Op{op},
	}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Accepted != 0 {
		t.Fatalf("an op outside the arc should be refused, accepted %d", resp.Accepted)
	}
	if alice.node.Ops().Has(opHash) {
		t.Fatal("refused op should not be stored")
	}

	// with full coverage restored the same publish goes through
	alice.node.mtx.Lock()
	alice.node.cur = arq.Full(alice.node.conf.Topology)
	alice.node.mtx.Unlock()

	err = clientTrans.Publish(alice.addr, &net.PublishRequest{
		Dna:  testDnaInfo().Hash,
		From: from,
		Ops:  []*dht.Op{op},
	}, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Accepted != 1 {
		t.Fatalf("an op inside the arc should be accepted, got %d", resp.Accepted)
	}
}
